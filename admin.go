package scraper

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// StatusProvider reports a session's status. *Session satisfies it.
type StatusProvider interface {
	Status() SessionStatus
}

// AdminAPI serves read-only endpoints for a running session: its status,
// the captured artifacts, metrics and health endpoints. Responses are
// compressed when the client accepts it.
//
//	GET /api/status
//	GET /api/captures
//	GET /api/captures/file?path={location}
//	GET /metrics
//	GET /healthz
//	GET /readyz
type AdminAPI struct {
	Session StatusProvider
	Capture *CaptureStore
	Index   *CaptureIndex
	Metrics *Metrics
	Health  *HealthChecker
	Logger  *slog.Logger

	Compression CompressionConfig
}

// NewAdminAPI creates an AdminAPI for session.
func NewAdminAPI(session StatusProvider) *AdminAPI {
	return &AdminAPI{
		Session:     session,
		Logger:      slog.Default(),
		Compression: DefaultCompressionConfig(),
	}
}

// CapturesResponse is returned by GET /api/captures.
type CapturesResponse struct {
	Session  string       `json:"session"`
	Count    int          `json:"count"`
	Captures []IndexEntry `json:"captures"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler returns the routed, compressing handler.
func (a *AdminAPI) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Get("/captures", a.handleListCaptures)
		r.Get("/captures/file", a.handleCaptureFile)
	})
	if a.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())
	}
	if a.Health != nil {
		r.Get("/healthz", a.Health.HandleHealthz)
		r.Get("/readyz", a.Health.HandleReadyz)
	}

	return &CompressHandler{Handler: r, Config: a.Compression}
}

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if a.Session == nil {
		a.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "no session"})
		return
	}
	a.writeJSON(w, http.StatusOK, a.Session.Status())
}

func (a *AdminAPI) handleListCaptures(w http.ResponseWriter, r *http.Request) {
	if !a.Capture.Enabled() {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "capture disabled"})
		return
	}
	session := filepath.Base(a.Capture.SessionDir())

	var (
		entries []IndexEntry
		err     error
	)
	if a.Index != nil {
		entries, err = a.Index.List(r.Context(), session)
	} else {
		entries, err = a.walkCaptures(session)
	}
	if err != nil {
		a.Logger.Error("list captures", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if entries == nil {
		entries = []IndexEntry{}
	}
	a.writeJSON(w, http.StatusOK, CapturesResponse{Session: session, Count: len(entries), Captures: entries})
}

// walkCaptures lists artifact files when no index is kept.
func (a *AdminAPI) walkCaptures(session string) ([]IndexEntry, error) {
	root := a.Capture.Root
	var entries []IndexEntry
	err := filepath.WalkDir(a.Capture.SessionDir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || d.Name() == ManifestFile {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entries = append(entries, IndexEntry{
			Session:   session,
			Kind:      string(kindFromName(d.Name())),
			Location:  filepath.ToSlash(rel),
			Size:      info.Size(),
			CreatedAt: info.ModTime().UTC(),
		})
		return nil
	})
	return entries, err
}

func (a *AdminAPI) handleCaptureFile(w http.ResponseWriter, r *http.Request) {
	if !a.Capture.Enabled() {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "capture disabled"})
		return
	}
	loc := r.URL.Query().Get("path")
	if loc == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "path is required"})
		return
	}

	full := filepath.Join(a.Capture.Root, filepath.FromSlash(loc))
	rel, err := filepath.Rel(a.Capture.SessionDir(), full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "path outside session"})
		return
	}

	f, err := os.Open(full)
	if err != nil {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "artifact not found"})
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "artifact not found"})
		return
	}

	w.Header().Set("Content-Type", artifactContentType(kindFromName(info.Name())))
	http.ServeContent(w, r, "", info.ModTime(), f)
}

// kindFromName recovers the artifact kind from a file name, ignoring a
// trailing occurrence number.
func kindFromName(name string) ArtifactKind {
	parts := strings.Split(name, ".")
	for i := len(parts) - 1; i >= 0; i-- {
		switch k := ArtifactKind(parts[i]); k {
		case ArtifactRequest, ArtifactResponse, ArtifactCertificate, ArtifactIssuerCertificate, ArtifactDNSLookup:
			return k
		}
	}
	return ""
}

func artifactContentType(kind ArtifactKind) string {
	switch kind {
	case ArtifactCertificate, ArtifactIssuerCertificate:
		return "application/pkix-cert"
	case ArtifactDNSLookup:
		return "application/json"
	default:
		return "text/plain; charset=utf-8"
	}
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("admin API write error", "error", err)
	}
}
