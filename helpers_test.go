package scraper

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ocsp"
)

const testHost = "www.example-test.org"

var testTarget = Target{Scheme: "https", Host: testHost, Port: 443}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func slogTo(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// testPKI is a private CA with one leaf for testHost.
type testPKI struct {
	caCert   *x509.Certificate
	caKey    *ecdsa.PrivateKey
	leafCert *x509.Certificate
	leaf     tls.Certificate
	pool     *x509.CertPool
}

func newTestPKI(t *testing.T, ocspURL string) *testPKI {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate CA key: %v", err)
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Scraper Test CA", Organization: []string{"Scraper Tests"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create CA: %v", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("parse CA: %v", err)
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate leaf key: %v", err)
	}
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(4242),
		Subject:      pkix.Name{CommonName: testHost},
		DNSNames:     []string{testHost},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(12 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ocspURL != "" {
		leafTmpl.OCSPServer = []string{ocspURL}
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create leaf: %v", err)
	}
	leafCert, err := x509.ParseCertificate(leafDER)
	if err != nil {
		t.Fatalf("parse leaf: %v", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return &testPKI{
		caCert:   caCert,
		caKey:    caKey,
		leafCert: leafCert,
		leaf:     tls.Certificate{Certificate: [][]byte{leafDER}, PrivateKey: leafKey, Leaf: leafCert},
		pool:     pool,
	}
}

// ocspResponder answers OCSP queries for certificates issued by pki.
type ocspResponder struct {
	srv  *httptest.Server
	pki  *testPKI
	hits atomic.Int32

	mu     sync.Mutex
	status int
	broken bool
}

func newOCSPResponder(t *testing.T) *ocspResponder {
	t.Helper()
	r := &ocspResponder{status: ocsp.Good}
	r.srv = httptest.NewServer(r)
	t.Cleanup(r.srv.Close)
	return r
}

func (r *ocspResponder) setStatus(status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

func (r *ocspResponder) setBroken(broken bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broken = broken
}

func (r *ocspResponder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.hits.Add(1)
	r.mu.Lock()
	status, broken := r.status, r.broken
	r.mu.Unlock()

	if broken {
		http.Error(w, "responder down", http.StatusInternalServerError)
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ocspReq, err := ocsp.ParseRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := time.Now()
	tmpl := ocsp.Response{
		Status:       status,
		SerialNumber: ocspReq.SerialNumber,
		ThisUpdate:   now.Add(-time.Minute),
		NextUpdate:   now.Add(time.Hour),
	}
	if status == ocsp.Revoked {
		tmpl.RevokedAt = now.Add(-time.Hour)
		tmpl.RevocationReason = ocsp.KeyCompromise
	}
	der, err := ocsp.CreateResponse(r.pki.caCert, r.pki.caCert, tmpl, r.pki.caKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/ocsp-response")
	_, _ = w.Write(der)
}

// testEnv is a TLS target serving a small httpbin-like API, signed by a
// test CA whose leaf points at an in-process OCSP responder.
type testEnv struct {
	pki       *testPKI
	responder *ocspResponder
	target    *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	responder := newOCSPResponder(t)
	pki := newTestPKI(t, responder.srv.URL)
	responder.pki = pki

	srv := httptest.NewUnstartedServer(targetMux())
	srv.TLS = &tls.Config{Certificates: []tls.Certificate{pki.leaf}}
	srv.StartTLS()
	t.Cleanup(srv.Close)

	return &testEnv{pki: pki, responder: responder, target: srv}
}

// pool returns a TransportPool that trusts the test CA and dials the test
// target for every address.
func (e *testEnv) pool() *TransportPool {
	tp := NewTransportPool()
	tp.TLSConfig = &tls.Config{RootCAs: e.pki.pool}
	addr := e.target.Listener.Addr().String()
	tp.DialContext = func(ctx context.Context, network, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	return tp
}

const formPage = `<!DOCTYPE html>
<html><body>
<form id="order" method="post" action="/post">
  <input type="text" name="custname" value="">
  <input type="email" name="custemail">
  <input type="hidden" name="token" value="abc123">
  <input type="checkbox" name="topping" value="bacon" checked>
  <input type="checkbox" name="topping" value="cheese">
  <select name="size"><option value="small">S</option><option value="large" selected>L</option></select>
  <textarea name="comments">none</textarea>
  <button type="submit" name="action" value="order">Submit order</button>
</form>
</body></html>`

type echoResponse struct {
	URL     string              `json:"url"`
	Method  string              `json:"method"`
	Args    map[string]string   `json:"args"`
	Form    map[string][]string `json:"form,omitempty"`
	Data    string              `json:"data,omitempty"`
	Headers map[string]string   `json:"headers"`
}

func targetMux() http.Handler {
	echo := func(w http.ResponseWriter, r *http.Request, data string, form map[string][]string) {
		resp := echoResponse{
			URL:     "https://" + r.Host + r.URL.RequestURI(),
			Method:  r.Method,
			Args:    map[string]string{},
			Form:    form,
			Data:    data,
			Headers: map[string]string{},
		}
		for k := range r.URL.Query() {
			resp.Args[k] = r.URL.Query().Get(k)
		}
		for k := range r.Header {
			resp.Headers[k] = r.Header.Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/get", func(w http.ResponseWriter, r *http.Request) {
		echo(w, r, "", nil)
	})
	mux.HandleFunc("/post", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("Content-Type") == "application/x-www-form-urlencoded" {
			if err := r.ParseForm(); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			echo(w, r, "", r.PostForm)
			return
		}
		body, _ := io.ReadAll(r.Body)
		echo(w, r, string(body), nil)
	})
	mux.HandleFunc("/forms/post", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, formPage)
	})
	mux.HandleFunc("/redirect", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://"+r.Host+"/get?from=redirect", http.StatusFound)
	})
	mux.HandleFunc("/bytes/", func(w http.ResponseWriter, r *http.Request) {
		var n int
		_, _ = fmt.Sscanf(r.URL.Path, "/bytes/%d", &n)
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(bytes.Repeat([]byte("x"), n))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, `<!DOCTYPE html><html><head><title>test target</title></head><body><a href="/forms/post">form</a></body></html>`)
	})
	return mux
}

// staticResolver resolves hosts from a fixed table.
type staticResolver map[string][]string

func (r staticResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	out := make([]net.IPAddr, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, net.IPAddr{IP: net.ParseIP(a)})
	}
	return out, nil
}

func mustAllowList(t *testing.T, entries ...string) *AllowList {
	t.Helper()
	al, err := ParseAllowList(entries...)
	if err != nil {
		t.Fatalf("ParseAllowList: %v", err)
	}
	return al
}

// startProxy starts a proxy on a loopback port and stops it on cleanup.
func startProxy(t *testing.T, p *Proxy) {
	t.Helper()
	if p.Addr == "" {
		p.Addr = "127.0.0.1:0"
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
}

// recordingInterceptor remembers every call it receives.
type recordingInterceptor struct {
	mu        sync.Mutex
	forwards  []RequestContext
	responses []int
	errs      []error
}

func (r *recordingInterceptor) OnForward(_ *http.Request, rc *RequestContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwards = append(r.forwards, *rc)
}

func (r *recordingInterceptor) OnResponse(resp *http.Response, _ *RequestContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, resp.StatusCode)
}

func (r *recordingInterceptor) OnError(err error, _ *RequestContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingInterceptor) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}
