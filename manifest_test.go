package scraper

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteManifest_RoundTrip(t *testing.T) {
	cs := NewCaptureStore(t.TempDir(), testSessionStart)
	cs.Logger = discardLogger()

	m := SessionManifest{
		Target:     "https://www.example-test.org:443",
		ProxyAddr:  "127.0.0.1:8080",
		Lookup:     &LookupResult{Host: testHost, Address: "192.0.2.10", Allowed: true},
		OCSP:       true,
		Outcome:    "failure",
		ErrorKind:  KindCertificate,
		Error:      "OCSP status: revoked",
		Artifacts:  4,
		StartedAt:  testSessionStart,
		FinishedAt: testSessionStart.Add(3 * time.Second),
	}
	if err := cs.WriteManifest(m); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}

	got, err := ReadManifest(cs.SessionDir())
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if got.Outcome != "failure" || got.ErrorKind != KindCertificate || got.Artifacts != 4 {
		t.Errorf("manifest = %+v", got)
	}
	if got.Lookup == nil || got.Lookup.Address != "192.0.2.10" {
		t.Errorf("Lookup = %+v", got.Lookup)
	}
	if !got.FinishedAt.Equal(m.FinishedAt) {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, m.FinishedAt)
	}
}

func TestWriteManifest_DisabledStore(t *testing.T) {
	cs := NewCaptureStore("", testSessionStart)
	if err := cs.WriteManifest(SessionManifest{Outcome: "success"}); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}
}

func TestReadManifest_Missing(t *testing.T) {
	dir := t.TempDir()
	if _, err := ReadManifest(dir); err == nil {
		t.Fatal("expected error for missing manifest")
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte("outcome: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadManifest(dir); err == nil {
		t.Fatal("expected parse error")
	}
}
