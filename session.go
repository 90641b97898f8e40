package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// State is a session's lifecycle position. States only move forward.
type State int32

// Session states.
const (
	StateIdle State = iota
	StateGuarding
	StateProxying
	StateRunningDriver
	StateSettling
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGuarding:
		return "guarding"
	case StateProxying:
		return "proxying"
	case StateRunningDriver:
		return "running_driver"
	case StateSettling:
		return "settling"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// SessionConfig is the immutable configuration of one session. The
// session never reads configuration from anywhere else.
type SessionConfig struct {
	// ListenAddr is the proxy listen address. Default "127.0.0.1:8080".
	ListenAddr string

	// Target is the real destination.
	Target Target

	// AllowList restricts the addresses the target may resolve to. Nil or
	// empty disables the guard.
	AllowList *AllowList

	// Resolver resolves the target for the guard. Default net.DefaultResolver.
	Resolver Resolver

	// OCSPCheck selects requests whose target certificate is revocation
	// checked. Nil disables revocation checking.
	OCSPCheck CheckFunc

	// OCSPClient queries responders. Default NewOCSPClient(nil).
	OCSPClient *OCSPClient

	// TransportPool is the default transport agent; the checking agent is
	// derived from it. Default NewTransportPool().
	TransportPool *TransportPool

	// SaveRoot is the capture root. Empty disables capture.
	SaveRoot string

	// IndexPath is the capture index database. Empty disables the index.
	// A relative path is resolved against SaveRoot.
	IndexPath string

	// Timeout bounds the driver's workload. Zero means no limit.
	Timeout time.Duration

	// DriverErrorGrace is how long a driver failure waits for a proxy
	// error that caused it. Default 500ms.
	DriverErrorGrace time.Duration

	// ShutdownTimeout bounds graceful proxy shutdown and the wait for the
	// driver to return after settlement. Default 5s.
	ShutdownTimeout time.Duration

	// AdminAddr, when set, serves the status API on this address.
	AdminAddr string

	Logger     *slog.Logger
	AccessLog  *AccessLogger
	LogHeaders bool
	Metrics    *Metrics
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8080"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.TransportPool == nil {
		c.TransportPool = NewTransportPool()
	}
	if c.OCSPCheck != nil && c.OCSPClient == nil {
		c.OCSPClient = NewOCSPClient(nil)
	}
	if c.DriverErrorGrace == 0 {
		c.DriverErrorGrace = 500 * time.Millisecond
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.IndexPath != "" && c.SaveRoot != "" && !filepath.IsAbs(c.IndexPath) {
		c.IndexPath = filepath.Join(c.SaveRoot, c.IndexPath)
	}
	return c
}

// SessionStatus is a point-in-time view of a session.
type SessionStatus struct {
	State     string             `json:"state"`
	Target    string             `json:"target"`
	ProxyAddr string             `json:"proxy_addr,omitempty"`
	StartedAt time.Time          `json:"started_at"`
	Settled   bool               `json:"settled"`
	ErrorKind string             `json:"error_kind,omitempty"`
	Error     string             `json:"error,omitempty"`
	Artifacts int64              `json:"artifacts"`
	Transport TransportPoolStats `json:"transport"`
}

// Session coordinates one run: guard the target, start the proxy, run the
// driver against it, and settle exactly one outcome from whichever side
// finishes or fails first. Teardown runs exactly once on every path.
type Session[T any] struct {
	cfg      SessionConfig
	launcher Launcher
	driver   Driver[T]
	logger   *slog.Logger

	state     atomic.Int32
	startOnce sync.Once
	cell      *settlement[T]
	outcome   *Outcome[T]

	startedAt time.Time
	lookup    *LookupResult

	proxy   atomic.Pointer[Proxy]
	capture *CaptureStore
	index   *CaptureIndex
	health  *HealthChecker
	admin   *http.Server
	browser Browser

	driverDone   chan struct{}
	teardownOnce sync.Once
}

// NewSession creates a session. Nothing runs until Start.
func NewSession[T any](cfg SessionConfig, launcher Launcher, driver Driver[T]) *Session[T] {
	cfg = cfg.withDefaults()
	s := &Session[T]{
		cfg:      cfg,
		launcher: launcher,
		driver:   driver,
		logger:   cfg.Logger,
		cell:     newSettlement[T](),
		outcome:  newOutcome[T](),
		capture:  NewCaptureStore("", time.Time{}),
	}
	s.health = NewHealthChecker(s.State)
	s.health.ReadinessChecks = []ReadinessCheck{s.proxyListening}
	return s
}

func (s *Session[T]) proxyListening() error {
	if p := s.proxy.Load(); p == nil || p.ListenAddr() == "" {
		return errors.New("proxy not listening")
	}
	return nil
}

// Start begins the session in the background and returns its outcome.
// Calling Start again returns the same outcome without starting anything.
func (s *Session[T]) Start(ctx context.Context) *Outcome[T] {
	s.startOnce.Do(func() {
		s.startedAt = time.Now()
		go s.run(ctx)
	})
	return s.outcome
}

// Run starts the session and blocks until its outcome is published.
func (s *Session[T]) Run(ctx context.Context) (T, error) {
	o := s.Start(ctx)
	<-o.Done()
	v, err, _ := o.Result()
	return v, err
}

// State returns the current lifecycle state.
func (s *Session[T]) State() State {
	return State(s.state.Load())
}

// Proxy returns the session's proxy once it has been created, or nil.
func (s *Session[T]) Proxy() *Proxy {
	return s.proxy.Load()
}

// Capture returns the session's capture store. It is only configured
// once the session has started.
func (s *Session[T]) Capture() *CaptureStore {
	return s.capture
}

// Status returns a snapshot for the admin API.
func (s *Session[T]) Status() SessionStatus {
	state := s.State()
	st := SessionStatus{
		State:     state.String(),
		Target:    s.cfg.Target.String(),
		StartedAt: s.startedAt,
		Settled:   s.cell.isSettled(),
		Artifacts: s.capture.Count(),
		Transport: s.cfg.TransportPool.Stats(),
	}
	if p := s.proxy.Load(); p != nil && state < StateClosed {
		st.ProxyAddr = p.ListenAddr()
	}
	if st.Settled {
		if _, err := s.cell.result(); err != nil {
			st.ErrorKind = KindOf(err)
			st.Error = err.Error()
		}
	}
	return st
}

// advance moves the state forward; moving backwards is ignored.
func (s *Session[T]) advance(to State) {
	for {
		cur := s.state.Load()
		if int32(to) <= cur {
			return
		}
		if s.state.CompareAndSwap(cur, int32(to)) {
			s.logger.Debug("session state", "from", State(cur).String(), "to", to.String())
			return
		}
	}
}

func (s *Session[T]) settle(value T, err error) bool {
	if !s.cell.settle(value, err) {
		s.logger.Debug("session already settled, ignoring", "kind", KindOf(err), "error", err)
		return false
	}
	s.advance(StateSettling)
	if err != nil {
		s.logger.Error("session failed", "kind", KindOf(err), "error", err)
	} else {
		s.logger.Info("session succeeded")
	}
	return true
}

// onProxyError settles the session with certificate and connection
// failures reported by the proxy.
func (s *Session[T]) onProxyError(err error, rc *RequestContext) {
	var (
		certErr *CertificateError
		connErr *ConnectionError
	)
	if !errors.As(err, &certErr) && !errors.As(err, &connErr) {
		return
	}
	var zero T
	s.settle(zero, err)
}

func (s *Session[T]) run(ctx context.Context) {
	defer s.finish()

	s.advance(StateGuarding)
	s.openCapture(ctx)
	s.startAdmin()

	if err := s.guard(ctx); err != nil {
		var zero T
		s.settle(zero, err)
		return
	}

	s.advance(StateProxying)
	if err := s.startProxy(); err != nil {
		var zero T
		s.settle(zero, err)
		return
	}

	if s.cell.isSettled() {
		return
	}
	s.advance(StateRunningDriver)
	s.runDriver(ctx)
}

func (s *Session[T]) openCapture(ctx context.Context) {
	s.capture.Root = s.cfg.SaveRoot
	s.capture.SessionStart = s.startedAt
	s.capture.Logger = s.logger
	s.capture.Metrics = s.cfg.Metrics
	if !s.capture.Enabled() || s.cfg.IndexPath == "" {
		return
	}
	if err := s.capture.ensureDir(filepath.Dir(s.cfg.IndexPath)); err != nil {
		s.logger.Warn("capture index disabled", "path", s.cfg.IndexPath, "error", err)
		return
	}
	idx, err := OpenCaptureIndex(ctx, s.cfg.IndexPath)
	if err != nil {
		s.logger.Warn("capture index disabled", "path", s.cfg.IndexPath, "error", err)
		return
	}
	s.index = idx
	s.capture.Index = idx
}

func (s *Session[T]) guard(ctx context.Context) error {
	g := &IPGuard{Resolver: s.cfg.Resolver, AllowList: s.cfg.AllowList, Logger: s.logger}
	res, err := g.Check(ctx, s.cfg.Target.Host)
	if res.Skipped {
		return nil
	}
	s.lookup = &res

	data, mErr := json.MarshalIndent(res, "", "  ")
	if mErr == nil {
		s.capture.Persist(s.capture.Record(s.cfg.Target.Host, "/", "DNS", ArtifactDNSLookup, 0), BufferPayload(data))
	}
	return err
}

func (s *Session[T]) startProxy() error {
	p := NewProxy(s.cfg.ListenAddr, s.cfg.Target)
	p.Logger = s.logger
	p.TransportPool = s.cfg.TransportPool
	p.Metrics = s.cfg.Metrics
	p.AccessLog = s.cfg.AccessLog
	p.LogHeaders = s.cfg.LogHeaders
	if s.cfg.OCSPCheck != nil {
		gate := NewOCSPGate(s.cfg.OCSPClient, s.cfg.TransportPool, s.cfg.OCSPCheck)
		gate.Logger = s.logger
		gate.Metrics = s.cfg.Metrics
		p.OCSP = gate
	}
	p.Interceptors = []Interceptor{
		s.capture,
		InterceptorFuncs{Error: s.onProxyError},
	}
	s.proxy.Store(p)
	return p.Start()
}

type driverResult[T any] struct {
	value T
	err   error
}

func (s *Session[T]) runDriver(ctx context.Context) {
	var (
		dctx   context.Context
		cancel context.CancelFunc
	)
	if s.cfg.Timeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
	} else {
		dctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	baseURL := s.proxy.Load().BaseURL()
	browser, err := s.launcher.Launch(dctx, baseURL)
	if err != nil {
		var zero T
		s.settle(zero, &DriverError{Op: "launch", Err: err})
		return
	}
	s.browser = browser

	results := make(chan driverResult[T], 1)
	s.driverDone = make(chan struct{})
	go func() {
		defer close(s.driverDone)
		var r driverResult[T]
		defer func() {
			if p := recover(); p != nil {
				r.err = fmt.Errorf("driver panic: %v", p)
			}
			results <- r
		}()
		r.value, r.err = s.driver.Run(dctx, baseURL, browser)
	}()

	select {
	case <-s.cell.settled:
	case <-dctx.Done():
		s.driverFailed(&DriverError{Op: "run", Err: dctx.Err()})
	case r := <-results:
		if r.err == nil {
			s.settle(r.value, nil)
			return
		}
		s.driverFailed(r.err)
	}
}

// driverFailed settles a driver failure unless a proxy error arrives within
// the grace period. A failure seen after the browser was torn down is
// marked with ErrBrowserClosed.
func (s *Session[T]) driverFailed(err error) {
	var drvErr *DriverError
	if !errors.As(err, &drvErr) {
		drvErr = &DriverError{Op: "run", Err: err}
	}
	if s.browser != nil && s.browser.Closed() && !errors.Is(drvErr, ErrBrowserClosed) {
		drvErr = &DriverError{Op: drvErr.Op, Err: fmt.Errorf("%w: %w", ErrBrowserClosed, drvErr.Err)}
	}

	timer := time.NewTimer(s.cfg.DriverErrorGrace)
	defer timer.Stop()
	select {
	case <-s.cell.settled:
		s.logger.Debug("driver failure superseded by proxy error", "error", drvErr)
	case <-timer.C:
		var zero T
		s.settle(zero, drvErr)
	}
}

func (s *Session[T]) finish() {
	if !s.cell.isSettled() {
		var zero T
		s.settle(zero, errors.New("session ended without a result"))
	}
	s.teardown()

	value, err := s.cell.result()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordSession(KindOf(err), time.Since(s.startedAt))
	}
	s.outcome.publish(value, err)
}

func (s *Session[T]) teardown() {
	s.teardownOnce.Do(func() {
		if s.browser != nil {
			if err := s.browser.Close(); err != nil && !errors.Is(err, ErrBrowserClosed) {
				s.logger.Warn("close browser", "error", err)
			}
		}
		if s.driverDone != nil {
			select {
			case <-s.driverDone:
			case <-time.After(s.cfg.ShutdownTimeout):
				s.logger.Warn("driver did not return after teardown", "waited", s.cfg.ShutdownTimeout)
			}
		}

		if p := s.proxy.Load(); p != nil {
			p.OCSP.Close()
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
			if err := p.Shutdown(ctx); err != nil {
				s.logger.Warn("proxy shutdown timed out, closing", "error", err)
				if err := p.Close(); err != nil {
					s.logger.Warn("close proxy", "error", err)
				}
			}
			cancel()
			p.OCSP.CloseIdleConnections()
		}
		s.cfg.TransportPool.CloseIdleConnections()

		s.capture.Close()
		s.writeManifest()
		if s.index != nil {
			if err := s.index.Close(); err != nil {
				s.logger.Warn("close capture index", "error", err)
			}
		}

		s.advance(StateClosed)
		if s.admin != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
			if err := s.admin.Shutdown(ctx); err != nil {
				s.logger.Warn("admin shutdown", "error", err)
			}
			cancel()
		}
		s.logger.Info("session closed", "artifacts", s.capture.Count(), "duration", time.Since(s.startedAt))
	})
}

func (s *Session[T]) writeManifest() {
	if !s.capture.Enabled() {
		return
	}
	_, err := s.cell.result()
	m := SessionManifest{
		Target:       s.cfg.Target.String(),
		Lookup:       s.lookup,
		OCSP:         s.cfg.OCSPCheck != nil,
		Outcome:      "success",
		Artifacts:    s.capture.Count(),
		FailedWrites: s.capture.Failed(),
		StartedAt:    s.startedAt,
		FinishedAt:   time.Now(),
	}
	if p := s.proxy.Load(); p != nil {
		m.ProxyAddr = p.ListenAddr()
	}
	if err != nil {
		m.Outcome = "failure"
		m.ErrorKind = KindOf(err)
		m.Error = err.Error()
	}
	if err := s.capture.WriteManifest(m); err != nil {
		s.logger.Warn("write session manifest", "error", err)
	}
}

func (s *Session[T]) startAdmin() {
	if s.cfg.AdminAddr == "" {
		return
	}
	api := NewAdminAPI(s)
	api.Logger = s.logger
	api.Capture = s.capture
	api.Index = s.index
	api.Metrics = s.cfg.Metrics
	api.Health = s.health

	ln, err := net.Listen("tcp", s.cfg.AdminAddr)
	if err != nil {
		s.logger.Warn("admin API disabled", "addr", s.cfg.AdminAddr, "error", err)
		return
	}
	s.admin = &http.Server{Handler: api.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.logger.Info("admin API listening", "addr", ln.Addr().String())
	go func() {
		if err := s.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("admin API stopped", "error", err)
		}
	}()
}
