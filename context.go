package scraper

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// RequestContext is the per-exchange scratch state created at on-forward and
// handed explicitly to every later stage of the same exchange. It is never
// shared between exchanges.
type RequestContext struct {
	// ID is the correlation key joining the request and response phases.
	ID string

	// URL is the upstream URL the request is forwarded to.
	URL *url.URL

	// Method is the HTTP method of the request.
	Method string

	// OCSPCheck is true when the exchange uses the revocation-checking agent.
	OCSPCheck bool

	// Occurrence numbers repeated (host, path, method) exchanges within one
	// session, starting at 0. Set by the CaptureStore.
	Occurrence int

	// ClientAddr is the address of the local client (the browser).
	ClientAddr string

	// UpstreamAddr is the address of the upstream connection that served
	// the exchange, when known.
	UpstreamAddr string

	// StartTime is when the request entered the proxy.
	StartTime time.Time
}

type requestContextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// GetRequestContext retrieves the RequestContext from the context, or nil.
func GetRequestContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}

// Interceptor observes and may modify an exchange at the proxy's three
// interception points. Within one exchange OnForward always precedes
// OnResponse; OnError replaces OnResponse when forwarding fails.
//
// OnForward may replace req.Body (for example with a capturing reader).
// OnResponse may replace resp.Body. err passed to OnError is already
// classified as *CertificateError or *ConnectionError; rc is nil for
// failures that do not belong to an exchange (the listener died).
type Interceptor interface {
	OnForward(req *http.Request, rc *RequestContext)
	OnResponse(resp *http.Response, rc *RequestContext)
	OnError(err error, rc *RequestContext)
}

// InterceptorFuncs adapts optional functions to Interceptor. Nil fields are
// skipped.
type InterceptorFuncs struct {
	Forward  func(req *http.Request, rc *RequestContext)
	Response func(resp *http.Response, rc *RequestContext)
	Error    func(err error, rc *RequestContext)
}

func (f InterceptorFuncs) OnForward(req *http.Request, rc *RequestContext) {
	if f.Forward != nil {
		f.Forward(req, rc)
	}
}

func (f InterceptorFuncs) OnResponse(resp *http.Response, rc *RequestContext) {
	if f.Response != nil {
		f.Response(resp, rc)
	}
}

func (f InterceptorFuncs) OnError(err error, rc *RequestContext) {
	if f.Error != nil {
		f.Error(err, rc)
	}
}
