package scraper

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Target is the single destination every proxied request is forwarded to.
type Target struct {
	// Scheme is "https" or "http".
	Scheme string

	// Host is the target hostname.
	Host string

	// Port is the target port. Zero means the scheme's default.
	Port int
}

// Validate reports whether the target is usable.
func (t Target) Validate() error {
	switch t.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("target: unsupported protocol %q", t.Scheme)
	}
	if t.Host == "" {
		return errors.New("target: host is required")
	}
	if t.Port < 0 || t.Port > 65535 {
		return fmt.Errorf("target: invalid port %d", t.Port)
	}
	return nil
}

func (t Target) port() int {
	if t.Port != 0 {
		return t.Port
	}
	if t.Scheme == "http" {
		return 80
	}
	return 443
}

// HostHeader returns the Host header sent upstream: the hostname, with the
// port only when it is not the scheme's default.
func (t Target) HostHeader() string {
	p := t.port()
	if (t.Scheme == "https" && p == 443) || (t.Scheme == "http" && p == 80) {
		if strings.Contains(t.Host, ":") {
			return "[" + t.Host + "]"
		}
		return t.Host
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(p))
}

// Origin returns scheme://host[:port].
func (t Target) Origin() string {
	return t.Scheme + "://" + t.HostHeader()
}

// URL returns the target's base URL.
func (t Target) URL() *url.URL {
	return &url.URL{Scheme: t.Scheme, Host: t.HostHeader(), Path: "/"}
}

func (t Target) String() string {
	return t.Scheme + "://" + net.JoinHostPort(t.Host, strconv.Itoa(t.port()))
}

// Proxy is a fixed-target intercepting proxy. Every request it accepts is
// forwarded to Target, with interceptors run at on-forward, on-response
// and on-error.
type Proxy struct {
	// Addr is the address to listen on (e.g., "127.0.0.1:8080").
	Addr string

	// Target is the destination every request is forwarded to.
	Target Target

	// Logger for proxy events.
	Logger *slog.Logger

	// TransportPool provides the default transport agent. When nil,
	// Transport is used.
	TransportPool *TransportPool

	// Transport for outbound requests when TransportPool is nil
	// (optional, uses http.DefaultTransport if nil).
	Transport http.RoundTripper

	// OCSP selects the revocation-checking agent per request (optional).
	OCSP *OCSPGate

	// Interceptors run in order at each interception point.
	Interceptors []Interceptor

	// Metrics collects Prometheus metrics (optional).
	Metrics *Metrics

	// AccessLog writes one entry per exchange (optional).
	AccessLog *AccessLogger

	// LogHeaders adds request and response headers to the proxy log lines.
	LogHeaders bool

	mu        sync.Mutex
	listener  net.Listener
	srv       *http.Server
	serveDone chan struct{}
	serveErr  error

	seq atomic.Uint64
}

// NewProxy creates a proxy forwarding to target.
func NewProxy(addr string, target Target) *Proxy {
	return &Proxy{
		Addr:   addr,
		Target: target,
		Logger: slog.Default(),
	}
}

// Start binds the listener and serves in the background. A bind failure
// is returned as a *ConnectionError. A listener that later dies is
// reported to the interceptors' OnError with a nil RequestContext.
func (p *Proxy) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.srv != nil {
		return &ConnectionError{Op: "listen", Err: errors.New("proxy already started")}
	}

	listener, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return &ConnectionError{Op: "listen", URL: p.Addr, Err: err}
	}
	p.listener = listener
	p.srv = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          slog.NewLogLogger(p.logger().Handler(), slog.LevelDebug),
	}
	p.serveDone = make(chan struct{})

	p.logger().Info("proxy listening", "addr", listener.Addr().String(), "target", p.Target.String())

	srv, done := p.srv, p.serveDone
	go func() {
		defer close(done)
		err := srv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			connErr := &ConnectionError{Op: "serve", URL: listener.Addr().String(), Err: err}
			p.mu.Lock()
			p.serveErr = connErr
			p.mu.Unlock()
			p.logger().Error("proxy listener failed", "error", err)
			p.fireError(connErr, nil)
		}
	}()
	return nil
}

// ListenAndServe starts the proxy and blocks until it stops.
func (p *Proxy) ListenAndServe() error {
	if err := p.Start(); err != nil {
		return err
	}
	p.mu.Lock()
	done := p.serveDone
	p.mu.Unlock()
	<-done

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.serveErr
}

// ListenAddr returns the bound listener address, or "" before Start.
func (p *Proxy) ListenAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// BaseURL returns the http:// URL clients use to reach the proxy. A
// wildcard listen address is reported as loopback.
func (p *Proxy) BaseURL() string {
	addr := p.ListenAddr()
	if addr == "" {
		return ""
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// Shutdown stops accepting connections and waits for in-flight exchanges
// until ctx is done.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	srv := p.srv
	p.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Close stops the proxy immediately, cutting off in-flight exchanges.
func (p *Proxy) Close() error {
	p.mu.Lock()
	srv := p.srv
	p.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

// ServeHTTP forwards one request to the target.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if p.Metrics != nil {
		p.Metrics.IncActiveRequests()
		defer p.Metrics.DecActiveRequests()
	}

	outURL := p.Target.URL()
	outURL.Path = r.URL.Path
	outURL.RawPath = r.URL.RawPath
	outURL.RawQuery = r.URL.RawQuery

	rc := &RequestContext{
		ID:         strconv.FormatUint(p.seq.Add(1), 10),
		URL:        outURL,
		Method:     r.Method,
		ClientAddr: r.RemoteAddr,
		StartTime:  start,
	}

	var upstream atomic.Value
	ctx := WithRequestContext(r.Context(), rc)
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			upstream.Store(info.Conn.RemoteAddr().String())
		},
	})

	out := r.Clone(ctx)
	out.RequestURI = ""
	out.URL = outURL
	out.Host = p.Target.HostHeader()
	if r.ContentLength == 0 {
		out.Body = nil
	}
	removeHopByHopHeaders(out.Header)
	out.Header.Set("Referer", p.Target.Origin())
	if _, ok := out.Header["User-Agent"]; !ok {
		// Keep net/http from adding its own.
		out.Header.Set("User-Agent", "")
	}

	rc.OCSPCheck = p.OCSP.Decide(outURL, out.Header)
	agent := p.OCSP.AgentFor(rc.OCSPCheck)
	if agent == nil {
		agent = p.transport()
	}

	for _, ic := range p.Interceptors {
		ic.OnForward(out, rc)
	}

	p.logExchange("proxy request", rc, out.Header,
		slog.String("method", rc.Method),
		slog.String("url", outURL.String()),
		slog.Bool("ocsp", rc.OCSPCheck),
	)
	if p.Metrics != nil {
		p.Metrics.RecordRequest(rc.Method, rc.OCSPCheck)
	}

	resp, err := agent.RoundTrip(out)
	if v, ok := upstream.Load().(string); ok {
		rc.UpstreamAddr = v
	}
	if err != nil {
		if r.Context().Err() != nil {
			// The client gave up on the exchange; nothing to report.
			p.logger().Debug("proxy request abandoned by client", "id", rc.ID, "url", outURL.String(), "error", err)
			return
		}
		classified := classifyError(err, outURL)
		p.logger().Error("proxy error", "id", rc.ID, "method", rc.Method, "url", outURL.String(), "kind", KindOf(classified), "error", classified)
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError(KindOf(classified))
			p.Metrics.RecordRequestDuration(rc.Method, 0, time.Since(start))
		}
		p.fireError(classified, rc)
		http.Error(w, "Proxy Error: "+classified.Error(), http.StatusBadGateway)
		p.logAccess(rc, nil, 0, classified)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for _, ic := range p.Interceptors {
		ic.OnResponse(resp, rc)
	}

	tlsVersion := ""
	if resp.TLS != nil {
		tlsVersion = tls.VersionName(resp.TLS.Version)
	}
	p.logExchange("proxy response", rc, resp.Header,
		slog.String("method", rc.Method),
		slog.String("url", outURL.String()),
		slog.String("upstream", rc.UpstreamAddr),
		slog.String("tls", tlsVersion),
		slog.Int("status", resp.StatusCode),
	)

	removeHopByHopHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	written, copyErr := io.Copy(w, resp.Body)
	if copyErr != nil {
		p.logger().Debug("relay response body", "id", rc.ID, "error", copyErr)
	}

	if p.Metrics != nil {
		p.Metrics.RecordRequestDuration(rc.Method, resp.StatusCode, time.Since(start))
	}
	p.logAccess(rc, resp, written, copyErr)
}

func (p *Proxy) fireError(err error, rc *RequestContext) {
	for _, ic := range p.Interceptors {
		ic.OnError(err, rc)
	}
}

func (p *Proxy) logExchange(msg string, rc *RequestContext, h http.Header, attrs ...slog.Attr) {
	attrs = append([]slog.Attr{slog.String("id", rc.ID)}, attrs...)
	if p.LogHeaders {
		attrs = append(attrs, slog.Any("headers", h))
	}
	p.logger().LogAttrs(context.Background(), slog.LevelInfo, msg, attrs...)
}

func (p *Proxy) logAccess(rc *RequestContext, resp *http.Response, written int64, err error) {
	if p.AccessLog == nil {
		return
	}
	e := AccessLogEntry{
		Timestamp:    rc.StartTime,
		ID:           rc.ID,
		Method:       rc.Method,
		URL:          rc.URL.String(),
		UpstreamAddr: rc.UpstreamAddr,
		Duration:     time.Since(rc.StartTime),
		BytesWritten: written,
		ClientAddr:   rc.ClientAddr,
		OCSPCheck:    rc.OCSPCheck,
	}
	if resp != nil {
		e.StatusCode = resp.StatusCode
		if resp.TLS != nil {
			e.TLSVersion = tls.VersionName(resp.TLS.Version)
		}
	}
	if err != nil {
		e.Error = err.Error()
	}
	p.AccessLog.Log(e)
}

func (p *Proxy) transport() http.RoundTripper {
	switch {
	case p.TransportPool != nil:
		return p.TransportPool.Transport()
	case p.Transport != nil:
		return p.Transport
	default:
		return http.DefaultTransport
	}
}

func (p *Proxy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// classifyError turns a RoundTrip failure into a *CertificateError when
// it originated in certificate validation and a *ConnectionError
// otherwise.
func classifyError(err error, u *url.URL) error {
	var certErr *CertificateError
	if errors.As(err, &certErr) {
		return certErr
	}

	var (
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
	)
	if errors.As(err, &verifyErr) || errors.As(err, &unknownAuth) ||
		errors.As(err, &hostErr) || errors.As(err, &invalidErr) {
		return &CertificateError{Status: CertUntrusted, Host: u.Hostname(), Err: err}
	}

	return &ConnectionError{Op: "forward", URL: u.String(), Err: err}
}

// Hop-by-hop headers that should not be forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
