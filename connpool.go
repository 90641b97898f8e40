package scraper

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// DialContextFunc dials an upstream connection. It matches
// [net.Dialer.DialContext].
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// TransportPool builds the pooled [http.Transport] the proxy forwards
// through. The default pool is the transport agent used for requests that
// are not revocation-checked; [TransportPool.WithVerifier] derives the
// checking agent from it so both share dial and TLS settings.
type TransportPool struct {
	// MaxIdleConns is the total maximum number of idle connections.
	// Zero means no limit.
	MaxIdleConns int

	// MaxIdleConnsPerHost is the maximum number of idle connections
	// per host. Zero means the net/http default (2).
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long an idle connection remains in the
	// pool before being closed.
	IdleConnTimeout time.Duration

	// DialTimeout is the maximum time to wait for a TCP dial to complete.
	// Zero means 30 seconds.
	DialTimeout time.Duration

	// TLSHandshakeTimeout is the maximum time to wait for a TLS
	// handshake, including any revocation check run during it.
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout is the maximum time to wait for the target's
	// response headers after the request has been fully written.
	// Zero means no timeout.
	ResponseHeaderTimeout time.Duration

	// EnableHTTP2 enables HTTP/2 negotiation with the target.
	EnableHTTP2 bool

	// TLSConfig provides custom TLS settings for upstream connections,
	// for example a private RootCAs pool. If nil, a default configuration
	// is used.
	TLSConfig *tls.Config

	// DialContext overrides the dialer. Tests use it to route the
	// target hostname to a local server.
	DialContext DialContextFunc

	// DisableCompression stops the transport from asking for and
	// transparently decoding gzip, so the bytes captured and relayed are
	// exactly the bytes the target sent.
	DisableCompression bool

	verify func(tls.ConnectionState) error

	transport atomic.Pointer[http.Transport]

	stats transportStats
}

type transportStats struct {
	totalRequests  atomic.Int64
	activeRequests atomic.Int64
}

// NewTransportPool creates a TransportPool with defaults suited to a
// single fixed target.
func NewTransportPool() *TransportPool {
	return &TransportPool{
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		EnableHTTP2:           true,
		DisableCompression:    true,
	}
}

// WithVerifier returns a new pool with the same settings whose TLS
// handshakes additionally run fn once the chain has been verified. A
// non-nil error from fn aborts the handshake and is returned from
// RoundTrip wrapped in the transport's error chain.
func (tp *TransportPool) WithVerifier(fn func(tls.ConnectionState) error) *TransportPool {
	return &TransportPool{
		MaxIdleConns:          tp.MaxIdleConns,
		MaxIdleConnsPerHost:   tp.MaxIdleConnsPerHost,
		IdleConnTimeout:       tp.IdleConnTimeout,
		DialTimeout:           tp.DialTimeout,
		TLSHandshakeTimeout:   tp.TLSHandshakeTimeout,
		ResponseHeaderTimeout: tp.ResponseHeaderTimeout,
		EnableHTTP2:           tp.EnableHTTP2,
		TLSConfig:             tp.TLSConfig,
		DialContext:           tp.DialContext,
		DisableCompression:    tp.DisableCompression,
		verify:                fn,
	}
}

// Build creates the underlying [http.Transport]. It is safe to call
// multiple times; each call creates a fresh transport and closes idle
// connections on the previous one.
func (tp *TransportPool) Build() *http.Transport {
	tlsCfg := tp.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	if tp.EnableHTTP2 && tlsCfg.NextProtos == nil {
		tlsCfg.NextProtos = []string{"h2", "http/1.1"}
	}
	if tp.verify != nil {
		tlsCfg.VerifyConnection = tp.verify
	}

	dial := tp.DialContext
	if dial == nil {
		dialTimeout := tp.DialTimeout
		if dialTimeout == 0 {
			dialTimeout = 30 * time.Second
		}
		dial = (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext
	}

	t := &http.Transport{
		DialContext:           dial,
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          tp.MaxIdleConns,
		MaxIdleConnsPerHost:   tp.MaxIdleConnsPerHost,
		IdleConnTimeout:       tp.IdleConnTimeout,
		TLSHandshakeTimeout:   tp.TLSHandshakeTimeout,
		ResponseHeaderTimeout: tp.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     tp.EnableHTTP2,
		DisableCompression:    tp.DisableCompression,
	}

	if old := tp.transport.Swap(t); old != nil {
		old.CloseIdleConnections()
	}
	return t
}

// Transport returns an [http.RoundTripper] that wraps the pooled transport
// with request counting. If [TransportPool.Build] has not been called, it
// is called automatically.
func (tp *TransportPool) Transport() http.RoundTripper {
	if tp.transport.Load() == nil {
		tp.Build()
	}
	return &pooledRoundTripper{pool: tp}
}

// CloseIdleConnections closes all idle connections in the pool.
func (tp *TransportPool) CloseIdleConnections() {
	if t := tp.transport.Load(); t != nil {
		t.CloseIdleConnections()
	}
}

// Stats returns a snapshot of transport statistics.
func (tp *TransportPool) Stats() TransportPoolStats {
	return TransportPoolStats{
		TotalRequests:  tp.stats.totalRequests.Load(),
		ActiveRequests: tp.stats.activeRequests.Load(),
	}
}

// TransportPoolStats holds a snapshot of connection pool statistics.
type TransportPoolStats struct {
	TotalRequests  int64 `json:"total_requests"`
	ActiveRequests int64 `json:"active_requests"`
}

type pooledRoundTripper struct {
	pool *TransportPool
}

func (rt *pooledRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.pool.stats.totalRequests.Add(1)
	rt.pool.stats.activeRequests.Add(1)
	defer rt.pool.stats.activeRequests.Add(-1)

	t := rt.pool.transport.Load()
	if t == nil {
		t = rt.pool.Build()
	}
	return t.RoundTrip(req)
}
