package scraper

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the name of the per-session summary written next to the
// session's artifacts.
const ManifestFile = "session.yaml"

// SessionManifest summarizes one settled session.
type SessionManifest struct {
	Target       string        `yaml:"target"`
	ProxyAddr    string        `yaml:"proxy_addr,omitempty"`
	Lookup       *LookupResult `yaml:"lookup,omitempty"`
	OCSP         bool          `yaml:"ocsp"`
	Outcome      string        `yaml:"outcome"`
	ErrorKind    string        `yaml:"error_kind,omitempty"`
	Error        string        `yaml:"error,omitempty"`
	Artifacts    int64         `yaml:"artifacts"`
	FailedWrites int64         `yaml:"failed_writes,omitempty"`
	StartedAt    time.Time     `yaml:"started_at"`
	FinishedAt   time.Time     `yaml:"finished_at"`
}

// WriteManifest writes m to the session directory. It is a no-op for a
// disabled store.
func (s *CaptureStore) WriteManifest(m SessionManifest) error {
	if !s.Enabled() {
		return nil
	}
	dir := s.SessionDir()
	if err := s.ensureDir(dir); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a manifest previously written by WriteManifest.
func ReadManifest(sessionDir string) (SessionManifest, error) {
	var m SessionManifest
	data, err := os.ReadFile(filepath.Join(sessionDir, ManifestFile))
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}
