package scraper

import (
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"
)

func TestNewTransportPool_Defaults(t *testing.T) {
	tp := NewTransportPool()
	if tp.MaxIdleConnsPerHost != 16 {
		t.Errorf("MaxIdleConnsPerHost = %d, want 16", tp.MaxIdleConnsPerHost)
	}
	if tp.TLSHandshakeTimeout != 15*time.Second {
		t.Errorf("TLSHandshakeTimeout = %v, want 15s", tp.TLSHandshakeTimeout)
	}
	if !tp.DisableCompression {
		t.Error("DisableCompression should default to true")
	}
	if !tp.EnableHTTP2 {
		t.Error("EnableHTTP2 should default to true")
	}
}

func TestTransportPool_Build(t *testing.T) {
	tp := NewTransportPool()
	tp.MaxIdleConnsPerHost = 5
	tp.ResponseHeaderTimeout = 7 * time.Second
	tp.TLSConfig = &tls.Config{ServerName: "override"}

	tr := tp.Build()
	if tr.MaxIdleConnsPerHost != 5 {
		t.Errorf("MaxIdleConnsPerHost = %d, want 5", tr.MaxIdleConnsPerHost)
	}
	if tr.ResponseHeaderTimeout != 7*time.Second {
		t.Errorf("ResponseHeaderTimeout = %v, want 7s", tr.ResponseHeaderTimeout)
	}
	if !tr.DisableCompression {
		t.Error("transport should not decode compressed bodies")
	}
	if tr.TLSClientConfig == tp.TLSConfig {
		t.Error("TLS config should be cloned")
	}
	if tr.TLSClientConfig.ServerName != "override" {
		t.Errorf("ServerName = %q", tr.TLSClientConfig.ServerName)
	}
	if tr.TLSClientConfig.VerifyConnection != nil {
		t.Error("default pool should not install a verifier")
	}

	if again := tp.Build(); again == tr {
		t.Error("Build should create a fresh transport")
	}
}

func TestTransportPool_WithVerifier(t *testing.T) {
	env := newTestEnv(t)
	base := env.pool()

	var called bool
	checking := base.WithVerifier(func(cs tls.ConnectionState) error {
		called = true
		if len(cs.PeerCertificates) == 0 {
			return errors.New("no peer certificates")
		}
		return nil
	})
	if checking.MaxIdleConnsPerHost != base.MaxIdleConnsPerHost || checking.TLSConfig != base.TLSConfig {
		t.Error("derived pool should share the base settings")
	}
	if base.Build().TLSClientConfig.VerifyConnection != nil {
		t.Error("deriving a checking pool must not change the base pool")
	}

	client := &http.Client{Transport: checking.Transport()}
	resp, err := client.Get("https://" + testHost + "/get")
	if err != nil {
		t.Fatalf("GET through checking pool: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if !called {
		t.Error("verifier did not run during the handshake")
	}

	refusing := base.WithVerifier(func(tls.ConnectionState) error { return errors.New("refused") })
	client = &http.Client{Transport: refusing.Transport()}
	if _, err := client.Get("https://" + testHost + "/get"); err == nil {
		t.Error("a failing verifier should abort the request")
	}
}

func TestTransportPool_Stats(t *testing.T) {
	env := newTestEnv(t)
	tp := env.pool()
	client := &http.Client{Transport: tp.Transport()}

	for i := 0; i < 3; i++ {
		resp, err := client.Get("https://" + testHost + "/get")
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	stats := tp.Stats()
	if stats.TotalRequests != 3 {
		t.Errorf("TotalRequests = %d, want 3", stats.TotalRequests)
	}
	if stats.ActiveRequests != 0 {
		t.Errorf("ActiveRequests = %d, want 0", stats.ActiveRequests)
	}
	tp.CloseIdleConnections()
}
