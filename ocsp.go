package scraper

import (
	"bytes"
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"
)

// maxOCSPResponse bounds the size of a responder's answer.
const maxOCSPResponse = 1 << 20

var (
	errNoResponder = errors.New("certificate lists no OCSP responder")
	errNoIssuer    = errors.New("issuer certificate not available")
)

// OCSPClient queries OCSP responders for the status of a certificate. It
// is safe for concurrent use; definitive answers are cached until the
// responder's NextUpdate.
type OCSPClient struct {
	// HTTPClient sends responder queries. If nil, a client with Timeout
	// is used.
	HTTPClient *http.Client

	// Timeout bounds one responder query. Zero means 10 seconds.
	Timeout time.Duration

	Logger  *slog.Logger
	Metrics *Metrics

	mu    sync.Mutex
	cache map[string]ocspCacheEntry
	now   func() time.Time
}

type ocspCacheEntry struct {
	status  CertStatus
	expires time.Time
}

// NewOCSPClient creates an OCSPClient that sends queries with httpClient.
func NewOCSPClient(httpClient *http.Client) *OCSPClient {
	return &OCSPClient{
		HTTPClient: httpClient,
		Timeout:    10 * time.Second,
	}
}

// Check returns the revocation status of leaf as reported by its first
// OCSP responder. A responder that cannot be reached or answers with a
// non-200 status yields CertUnreachable; a certificate without a
// responder URL yields CertUnknown. The error, when non-nil, explains a
// status other than CertGood or CertRevoked.
func (c *OCSPClient) Check(ctx context.Context, leaf, issuer *x509.Certificate) (CertStatus, error) {
	if issuer == nil {
		return CertUnknown, errNoIssuer
	}
	key := cacheKey(leaf, issuer)
	if status, ok := c.cached(key); ok {
		return status, nil
	}
	if len(leaf.OCSPServer) == 0 {
		return CertUnknown, errNoResponder
	}

	der, err := ocsp.CreateRequest(leaf, issuer, &ocsp.RequestOptions{Hash: crypto.SHA1})
	if err != nil {
		return CertUnknown, fmt.Errorf("create OCSP request: %w", err)
	}

	timeout := c.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	responder := leaf.OCSPServer[0]
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, responder, bytes.NewReader(der))
	if err != nil {
		return CertUnreachable, fmt.Errorf("OCSP responder %s: %w", responder, err)
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("Accept", "application/ocsp-response")

	resp, err := c.httpClient(timeout).Do(req)
	if err != nil {
		return CertUnreachable, fmt.Errorf("OCSP responder %s: %w", responder, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CertUnreachable, fmt.Errorf("OCSP responder %s: %s", responder, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOCSPResponse))
	if err != nil {
		return CertUnreachable, fmt.Errorf("OCSP responder %s: read: %w", responder, err)
	}

	status, next, err := parseOCSP(body, leaf, issuer)
	if err == nil && !next.IsZero() {
		c.store(key, status, next)
	}
	c.logger().Debug("ocsp response", "responder", responder, "serial", leaf.SerialNumber.String(), "status", status)
	return status, err
}

// CheckStapled evaluates a response stapled to the TLS handshake. ok is
// false when the staple cannot be used and a network query is needed.
func (c *OCSPClient) CheckStapled(raw []byte, leaf, issuer *x509.Certificate) (status CertStatus, ok bool) {
	if len(raw) == 0 || issuer == nil {
		return "", false
	}
	status, next, err := parseOCSP(raw, leaf, issuer)
	if err != nil {
		c.logger().Debug("ignoring stapled OCSP response", "serial", leaf.SerialNumber.String(), "error", err)
		return "", false
	}
	if !next.IsZero() {
		c.store(cacheKey(leaf, issuer), status, next)
	}
	return status, true
}

func parseOCSP(der []byte, leaf, issuer *x509.Certificate) (CertStatus, time.Time, error) {
	resp, err := ocsp.ParseResponseForCert(der, leaf, issuer)
	if err != nil {
		var respErr ocsp.ResponseError
		if errors.As(err, &respErr) &&
			(respErr.Status == ocsp.TryLater || respErr.Status == ocsp.InternalError) {
			return CertUnreachable, time.Time{}, fmt.Errorf("OCSP responder: %w", err)
		}
		return CertUnknown, time.Time{}, fmt.Errorf("parse OCSP response: %w", err)
	}
	switch resp.Status {
	case ocsp.Good:
		return CertGood, resp.NextUpdate, nil
	case ocsp.Revoked:
		return CertRevoked, resp.NextUpdate, nil
	default:
		return CertUnknown, resp.NextUpdate, nil
	}
}

func (c *OCSPClient) cached(key string) (CertStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[key]
	if !ok {
		return "", false
	}
	if !c.clock().Before(e.expires) {
		delete(c.cache, key)
		return "", false
	}
	return e.status, true
}

func (c *OCSPClient) store(key string, status CertStatus, expires time.Time) {
	if !c.clock().Before(expires) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache == nil {
		c.cache = make(map[string]ocspCacheEntry)
	}
	c.cache[key] = ocspCacheEntry{status: status, expires: expires}
}

func (c *OCSPClient) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c *OCSPClient) httpClient(timeout time.Duration) *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: timeout}
}

func (c *OCSPClient) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func cacheKey(leaf, issuer *x509.Certificate) string {
	sum := sha256.Sum256(issuer.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(sum[:]) + ":" + leaf.SerialNumber.String()
}

// CheckFunc decides whether a request's target certificate is revocation
// checked.
type CheckFunc func(u *url.URL, h http.Header) bool

// AlwaysCheck checks every request.
func AlwaysCheck(*url.URL, http.Header) bool { return true }

// NeverCheck checks no request.
func NeverCheck(*url.URL, http.Header) bool { return false }

// DocumentPolicy checks top-level document navigations: requests whose
// Accept header includes text/html and whose path is one of paths. With
// no paths every document navigation is checked.
func DocumentPolicy(paths ...string) CheckFunc {
	allowed := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		allowed[p] = struct{}{}
	}
	return func(u *url.URL, h http.Header) bool {
		if !strings.Contains(h.Get("Accept"), "text/html") {
			return false
		}
		if len(allowed) == 0 {
			return true
		}
		p := u.Path
		if p == "" {
			p = "/"
		}
		_, ok := allowed[p]
		return ok
	}
}

// OCSPGate applies a CheckFunc to each request and supplies the
// revocation-checking transport agent for requests it selects. The gate
// holds no per-request state.
//
// Responder queries run under the gate's own context, since the TLS
// verification hook has no access to the request. Close cancels it.
type OCSPGate struct {
	Client *OCSPClient
	Check  CheckFunc

	Logger  *slog.Logger
	Metrics *Metrics

	pool     *TransportPool
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	checking *TransportPool
	agent    http.RoundTripper
}

// NewOCSPGate creates a gate whose checking agent is derived from pool.
func NewOCSPGate(client *OCSPClient, pool *TransportPool, check CheckFunc) *OCSPGate {
	ctx, cancel := context.WithCancel(context.Background())
	return &OCSPGate{Client: client, Check: check, pool: pool, ctx: ctx, cancel: cancel}
}

// Decide reports whether the request should be revocation checked.
func (g *OCSPGate) Decide(u *url.URL, h http.Header) bool {
	if g == nil || g.Check == nil || g.Client == nil {
		return false
	}
	return g.Check(u, h)
}

// AgentFor returns the checking agent when checked is true, or nil to
// select the default agent.
func (g *OCSPGate) AgentFor(checked bool) http.RoundTripper {
	if g == nil || !checked {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.agent == nil {
		pool := g.pool
		if pool == nil {
			pool = NewTransportPool()
		}
		g.checking = pool.WithVerifier(g.verifyConnection)
		g.agent = g.checking.Transport()
	}
	return g.agent
}

// CloseIdleConnections closes idle connections of the checking agent.
func (g *OCSPGate) CloseIdleConnections() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.checking != nil {
		g.checking.CloseIdleConnections()
	}
}

// Close cancels in-flight responder queries and closes idle connections
// of the checking agent. Handshakes checked after Close fail as
// unreachable.
func (g *OCSPGate) Close() {
	if g == nil {
		return
	}
	if g.cancel != nil {
		g.cancel()
	}
	g.CloseIdleConnections()
}

func (g *OCSPGate) context() context.Context {
	if g.ctx == nil {
		return context.Background()
	}
	return g.ctx
}

// verifyConnection runs inside the TLS handshake, so a failed check aborts
// the connection before any request is written.
func (g *OCSPGate) verifyConnection(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return &CertificateError{Status: CertUnknown, Host: cs.ServerName, Err: errors.New("no peer certificate")}
	}
	leaf := cs.PeerCertificates[0]
	var issuer *x509.Certificate
	switch {
	case len(cs.VerifiedChains) > 0 && len(cs.VerifiedChains[0]) > 1:
		issuer = cs.VerifiedChains[0][1]
	case len(cs.PeerCertificates) > 1:
		issuer = cs.PeerCertificates[1]
	}

	status, stapled := g.Client.CheckStapled(cs.OCSPResponse, leaf, issuer)
	var err error
	if !stapled {
		status, err = g.Client.Check(g.context(), leaf, issuer)
	}
	if g.Metrics != nil {
		g.Metrics.RecordOCSPCheck(status)
	}

	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if status == CertGood {
		logger.Debug("ocsp check passed", "host", cs.ServerName, "serial", leaf.SerialNumber.String(), "stapled", stapled)
		return nil
	}
	logger.Error("ocsp check failed", "host", cs.ServerName, "serial", leaf.SerialNumber.String(), "status", status, "error", err)
	return &CertificateError{
		Status: status,
		Host:   cs.ServerName,
		Serial: leaf.SerialNumber.String(),
		Err:    err,
	}
}
