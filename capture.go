package scraper

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ArtifactKind names what a capture file holds. It is the last element of
// the artifact's file name.
type ArtifactKind string

// Artifact kinds.
const (
	ArtifactRequest           ArtifactKind = "request"
	ArtifactResponse          ArtifactKind = "response"
	ArtifactCertificate       ArtifactKind = "certificate"
	ArtifactIssuerCertificate ArtifactKind = "issuer-certificate"
	ArtifactDNSLookup         ArtifactKind = "dns-lookup"
)

// SessionDirName returns the session directory name for start: year,
// month, day, hour, minute and second without zero padding, joined by
// dashes. Months count from 1.
func SessionDirName(start time.Time) string {
	return fmt.Sprintf("%d-%d-%d-%d-%d-%d",
		start.Year(), int(start.Month()), start.Day(), start.Hour(), start.Minute(), start.Second())
}

// CaptureRecord identifies one artifact. Records are append-only; a file
// is never rewritten once persisted.
type CaptureRecord struct {
	SessionStart time.Time
	Host         string
	Path         string
	Method       string
	Kind         ArtifactKind

	// Seq is the occurrence number of the exchange for repeated requests
	// to the same host, path and method. Zero is the first occurrence and
	// adds no suffix.
	Seq int
}

// RelPath returns the artifact path relative to the capture root:
// {timestamp}/{host}/{path}.{METHOD}.{kind}, with ".{seq}" appended for
// repeated exchanges. The root path is stored as "index".
func (r CaptureRecord) RelPath() string {
	p := strings.TrimPrefix(path.Clean("/"+r.Path), "/")
	if p == "" {
		p = "index"
	}
	name := p + "." + strings.ToUpper(r.Method) + "." + string(r.Kind)
	if r.Seq > 0 {
		name += "." + strconv.Itoa(r.Seq)
	}
	return filepath.Join(SessionDirName(r.SessionStart), sanitizeHost(r.Host), filepath.FromSlash(name))
}

func sanitizeHost(host string) string {
	host = strings.Trim(host, "[]")
	host = strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(host)
	if host == "" || host == "." || host == ".." {
		return "_"
	}
	return host
}

// Payload is the content handed to [CaptureStore.Persist]: either a
// [BufferPayload] or a [StreamPayload].
type Payload interface {
	payload()
}

// BufferPayload is a payload already held in memory, such as a DER
// certificate.
type BufferPayload []byte

// StreamPayload is a payload written as it is read. Persist consumes
// Source until EOF even when the file cannot be written.
type StreamPayload struct {
	Source io.Reader
}

func (BufferPayload) payload() {}
func (StreamPayload) payload() {}

// CaptureStore persists artifacts under Root/{session timestamp}. A store
// with an empty Root is disabled: every method is a no-op. Persistence is
// best effort; failures are logged and counted, never returned.
type CaptureStore struct {
	Root         string
	SessionStart time.Time
	Logger       *slog.Logger
	Metrics      *Metrics

	// Index, when set, receives one row per persisted artifact.
	Index *CaptureIndex

	mu          sync.Mutex
	occurrences map[string]int

	dirs    sync.Map
	pending sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
	count   atomic.Int64
	failed  atomic.Int64
}

// NewCaptureStore creates a store rooted at root for a session that
// started at start.
func NewCaptureStore(root string, start time.Time) *CaptureStore {
	return &CaptureStore{
		Root:         root,
		SessionStart: start,
		occurrences:  make(map[string]int),
	}
}

// Enabled reports whether the store writes anything.
func (s *CaptureStore) Enabled() bool {
	return s != nil && s.Root != ""
}

// SessionDir returns the directory holding this session's artifacts.
func (s *CaptureStore) SessionDir() string {
	if !s.Enabled() {
		return ""
	}
	return filepath.Join(s.Root, SessionDirName(s.SessionStart))
}

// Record builds a CaptureRecord for this session.
func (s *CaptureStore) Record(host, urlPath, method string, kind ArtifactKind, seq int) CaptureRecord {
	return CaptureRecord{
		SessionStart: s.SessionStart,
		Host:         host,
		Path:         urlPath,
		Method:       method,
		Kind:         kind,
		Seq:          seq,
	}
}

// Count returns the number of artifacts persisted so far.
func (s *CaptureStore) Count() int64 {
	if s == nil {
		return 0
	}
	return s.count.Load()
}

// Failed returns the number of artifacts that could not be persisted.
func (s *CaptureStore) Failed() int64 {
	if s == nil {
		return 0
	}
	return s.failed.Load()
}

// Wait blocks until every artifact started by Tee or PersistAsync has
// finished writing.
func (s *CaptureStore) Wait() {
	if s == nil {
		return
	}
	s.pending.Wait()
}

// Close stops accepting new artifacts and waits for pending writes.
// Streams handed to the store afterwards are drained, not written.
func (s *CaptureStore) Close() {
	if s == nil {
		return
	}
	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()
	s.pending.Wait()
}

// Persist writes one artifact synchronously. Stream payloads are copied as
// they are read; a failed write leaves the stream drained.
func (s *CaptureStore) Persist(rec CaptureRecord, p Payload) {
	if !s.Enabled() {
		drainPayload(p)
		return
	}

	size, sum, err := s.write(rec, p)
	if err != nil {
		s.failed.Add(1)
		cwErr := &CaptureWriteError{Record: rec, Err: err}
		s.logger().Error("capture write failed", "path", rec.RelPath(), "error", cwErr)
		if s.Metrics != nil {
			s.Metrics.RecordCaptureError(rec.Kind)
		}
		return
	}

	s.count.Add(1)
	if s.Metrics != nil {
		s.Metrics.RecordCapture(rec.Kind, size)
	}
	s.logger().Debug("capture saved", "path", rec.RelPath(), "bytes", size)

	if s.Index != nil {
		entry := IndexEntry{
			Session:   SessionDirName(s.SessionStart),
			Host:      rec.Host,
			Path:      rec.Path,
			Method:    rec.Method,
			Kind:      string(rec.Kind),
			Seq:       rec.Seq,
			Location:  filepath.ToSlash(rec.RelPath()),
			Size:      size,
			SHA256:    sum,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.Index.Add(context.Background(), entry); err != nil {
			s.logger().Warn("capture index insert failed", "path", entry.Location, "error", err)
		}
	}
}

// PersistAsync runs Persist in a tracked goroutine.
func (s *CaptureStore) PersistAsync(rec CaptureRecord, p Payload) {
	if !s.Enabled() {
		go drainPayload(p)
		return
	}
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		s.logger().Warn("capture dropped after close", "path", rec.RelPath())
		go drainPayload(p)
		return
	}
	s.pending.Add(1)
	s.closeMu.Unlock()
	go func() {
		defer s.pending.Done()
		s.Persist(rec, p)
	}()
}

// Tee returns a body that yields the same bytes as body while streaming
// them into the artifact for rec. The artifact is complete when the
// returned body reaches EOF; closing it early leaves a truncated artifact.
func (s *CaptureStore) Tee(rec CaptureRecord, body io.ReadCloser) io.ReadCloser {
	if !s.Enabled() {
		return body
	}
	if body == nil || body == http.NoBody {
		s.PersistAsync(rec, BufferPayload(nil))
		return body
	}

	pr, pw := io.Pipe()
	s.PersistAsync(rec, StreamPayload{Source: pr})
	return &teeBody{src: body, pw: pw}
}

func (s *CaptureStore) write(rec CaptureRecord, p Payload) (int64, string, error) {
	full := filepath.Join(s.Root, rec.RelPath())
	if err := s.ensureDir(filepath.Dir(full)); err != nil {
		drainPayload(p)
		return 0, "", err
	}

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		drainPayload(p)
		return 0, "", err
	}

	h := sha256.New()
	w := io.MultiWriter(f, h)

	var n int64
	switch p := p.(type) {
	case BufferPayload:
		var wn int
		wn, err = w.Write(p)
		n = int64(wn)
	case StreamPayload:
		n, err = io.Copy(w, p.Source)
		if err != nil {
			var readErr *streamReadError
			if errors.As(err, &readErr) {
				// The source ended early; keep what arrived.
				s.logger().Debug("capture truncated", "path", rec.RelPath(), "bytes", n, "reason", readErr.err)
				err = nil
			} else {
				drainPayload(p)
			}
		}
	default:
		err = fmt.Errorf("unsupported payload %T", p)
	}

	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// ensureDir creates dir once per store. MkdirAll is itself safe to race,
// the cache only spares repeated syscalls.
func (s *CaptureStore) ensureDir(dir string) error {
	if _, ok := s.dirs.Load(dir); ok {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	s.dirs.Store(dir, struct{}{})
	return nil
}

// reserve returns the occurrence number for the next exchange with this
// host, path and method.
func (s *CaptureStore) reserve(host, urlPath, method string) int {
	key := host + "\x00" + strings.TrimPrefix(path.Clean("/"+urlPath), "/") + "\x00" + strings.ToUpper(method)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.occurrences == nil {
		s.occurrences = make(map[string]int)
	}
	n := s.occurrences[key]
	s.occurrences[key] = n + 1
	return n
}

func (s *CaptureStore) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// OnForward reserves the exchange's occurrence number and captures the
// request body as it is sent upstream.
func (s *CaptureStore) OnForward(req *http.Request, rc *RequestContext) {
	if !s.Enabled() {
		return
	}
	rc.Occurrence = s.reserve(rc.URL.Hostname(), rc.URL.Path, rc.Method)
	rec := s.Record(rc.URL.Hostname(), rc.URL.Path, rc.Method, ArtifactRequest, rc.Occurrence)
	req.Body = s.Tee(rec, req.Body)
}

// OnResponse captures the response body as it is relayed and, for
// revocation-checked exchanges, the leaf and issuer certificates seen on
// the wire.
func (s *CaptureStore) OnResponse(resp *http.Response, rc *RequestContext) {
	if !s.Enabled() {
		return
	}
	host, p := rc.URL.Hostname(), rc.URL.Path
	resp.Body = s.Tee(s.Record(host, p, rc.Method, ArtifactResponse, rc.Occurrence), resp.Body)

	if !rc.OCSPCheck || resp.TLS == nil {
		return
	}
	leaf, issuer := chainSnapshot(resp.TLS)
	if leaf != nil {
		s.PersistAsync(s.Record(host, p, rc.Method, ArtifactCertificate, rc.Occurrence), BufferPayload(leaf))
	}
	if issuer != nil {
		s.PersistAsync(s.Record(host, p, rc.Method, ArtifactIssuerCertificate, rc.Occurrence), BufferPayload(issuer))
	}
}

// OnError is a no-op; failed exchanges keep whatever request bytes were
// already captured.
func (s *CaptureStore) OnError(error, *RequestContext) {}

// chainSnapshot returns the DER bytes of the leaf and, when known, its
// issuer.
func chainSnapshot(cs *tls.ConnectionState) (leaf, issuer []byte) {
	if len(cs.PeerCertificates) == 0 {
		return nil, nil
	}
	leaf = cs.PeerCertificates[0].Raw
	switch {
	case len(cs.VerifiedChains) > 0 && len(cs.VerifiedChains[0]) > 1:
		issuer = cs.VerifiedChains[0][1].Raw
	case len(cs.PeerCertificates) > 1:
		issuer = cs.PeerCertificates[1].Raw
	}
	return leaf, issuer
}

func drainPayload(p Payload) {
	if sp, ok := p.(StreamPayload); ok && sp.Source != nil {
		_, _ = io.Copy(io.Discard, sp.Source)
	}
}

// streamReadError marks a tee whose source failed or was closed before EOF.
type streamReadError struct {
	err error
}

func (e *streamReadError) Error() string { return "source: " + e.err.Error() }
func (e *streamReadError) Unwrap() error { return e.err }

var errBodyClosed = errors.New("body closed before EOF")

// teeBody copies every byte read from src into pw.
type teeBody struct {
	src  io.ReadCloser
	pw   *io.PipeWriter
	once sync.Once
}

func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 {
		// The persister always reads until the pipe closes, so this only
		// fails after finish.
		_, _ = t.pw.Write(p[:n])
	}
	if err == io.EOF {
		t.finish(nil)
	} else if err != nil {
		t.finish(&streamReadError{err: err})
	}
	return n, err
}

func (t *teeBody) Close() error {
	t.finish(&streamReadError{err: errBodyClosed})
	return t.src.Close()
}

func (t *teeBody) finish(err error) {
	t.once.Do(func() {
		if err == nil {
			_ = t.pw.Close()
			return
		}
		_ = t.pw.CloseWithError(err)
	})
}
