package scraper

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Proxy.Host != "127.0.0.1" || cfg.Proxy.Port != 8080 {
		t.Errorf("proxy = %s:%d, want 127.0.0.1:8080", cfg.Proxy.Host, cfg.Proxy.Port)
	}
	if cfg.Proxy.ShutdownTimeout != 5*time.Second {
		t.Errorf("shutdown_timeout = %v, want 5s", cfg.Proxy.ShutdownTimeout)
	}
	if cfg.Target.Protocol != "https" || cfg.Target.Port != 443 {
		t.Errorf("target = %+v", cfg.Target)
	}
	if cfg.OCSP.Enabled {
		t.Error("ocsp should be disabled by default")
	}
	if !cfg.OCSP.DocumentsOnly {
		t.Error("ocsp.documents_only should default to true")
	}
	if cfg.Session.DriverErrorGrace != 500*time.Millisecond {
		t.Errorf("driver_error_grace = %v, want 500ms", cfg.Session.DriverErrorGrace)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" || cfg.Logging.Output != "stderr" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadConfigFromReader(t *testing.T) {
	yaml := `
proxy:
  host: "0.0.0.0"
  port: 9090
  shutdown_timeout: 2s

target:
  protocol: https
  host: httpbin.org

ocsp:
  enabled: true
  documents_only: true
  paths: ["/", "/login"]
  timeout: 4s

ip_filter:
  - 192.0.2.10
  - 198.51.100.0/24

save:
  root_dir: /var/lib/scraper

session:
  timeout: 1m

admin:
  addr: "127.0.0.1:9091"

script:
  user_agent: "test-agent"
  steps:
    - action: open
      path: /forms/post
    - action: submit
      timeout: 15s
      form:
        form: "form#order"
        fields:
          custname: Ada
        submit: "button"
    - action: wait_idle

logging:
  level: debug
  format: json
  log_headers: true
`
	cfg, err := LoadConfigFromReader("yaml", []byte(yaml))
	if err != nil {
		t.Fatalf("LoadConfigFromReader: %v", err)
	}

	if cfg.Proxy.Host != "0.0.0.0" || cfg.Proxy.Port != 9090 || cfg.Proxy.ShutdownTimeout != 2*time.Second {
		t.Errorf("proxy = %+v", cfg.Proxy)
	}
	if cfg.Target.Host != "httpbin.org" || cfg.Target.Port != 443 {
		t.Errorf("target = %+v, want default port kept", cfg.Target)
	}
	if !cfg.OCSP.Enabled || len(cfg.OCSP.Paths) != 2 || cfg.OCSP.Timeout != 4*time.Second {
		t.Errorf("ocsp = %+v", cfg.OCSP)
	}
	if len(cfg.IPFilter) != 2 || cfg.IPFilter[1] != "198.51.100.0/24" {
		t.Errorf("ip_filter = %v", cfg.IPFilter)
	}
	if cfg.Save.RootDir != "/var/lib/scraper" || cfg.Save.Index != "captures.db" {
		t.Errorf("save = %+v", cfg.Save)
	}
	if cfg.Session.Timeout != time.Minute || cfg.Session.DriverErrorGrace != 500*time.Millisecond {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Script.UserAgent != "test-agent" || len(cfg.Script.Steps) != 3 {
		t.Fatalf("script = %+v", cfg.Script)
	}
	submit := cfg.Script.Steps[1]
	if submit.Action != ActionSubmit || submit.Timeout != 15*time.Second ||
		submit.Form.Form != "form#order" || submit.Form.Fields["custname"] != "Ada" || submit.Form.Submit != "button" {
		t.Errorf("submit step = %+v", submit)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" || !cfg.Logging.LogHeaders {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadConfigFromReader_IPFilterString(t *testing.T) {
	cfg, err := LoadConfigFromReader("yaml", []byte("target:\n  host: example.com\nip_filter: \"192.0.2.1,192.0.2.2\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.IPFilter) != 2 || cfg.IPFilter[0] != "192.0.2.1" || cfg.IPFilter[1] != "192.0.2.2" {
		t.Errorf("ip_filter = %v", cfg.IPFilter)
	}
}

func TestLoadConfigFromReader_Invalid(t *testing.T) {
	if _, err := LoadConfigFromReader("yaml", []byte("proxy: [unterminated")); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scraper.yaml")
	if err := WriteExampleConfig(path); err != nil {
		t.Fatalf("WriteExampleConfig: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("example config does not validate: %v", err)
	}
	if cfg.Target.Host != "www.example.com" || !cfg.OCSP.Enabled {
		t.Errorf("config = %+v", cfg)
	}
	if len(cfg.Script.Steps) != 2 || cfg.Script.Steps[1].Timeout != 3*time.Second {
		t.Errorf("steps = %+v", cfg.Script.Steps)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scraper.yaml")
	if err := os.WriteFile(path, []byte("target:\n  host: from-file.example\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SCRAPER_TARGET_HOST", "from-env.example")
	t.Setenv("SCRAPER_PROXY_PORT", "9999")
	t.Setenv("SCRAPER_IP_FILTER", "192.0.2.1,198.51.100.0/24")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Target.Host != "from-env.example" {
		t.Errorf("target.host = %q, want env override", cfg.Target.Host)
	}
	if cfg.Proxy.Port != 9999 {
		t.Errorf("proxy.port = %d, want 9999", cfg.Proxy.Port)
	}
	if len(cfg.IPFilter) != 2 {
		t.Errorf("ip_filter = %v", cfg.IPFilter)
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("an explicit config path that does not exist should fail")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing target host", func(c *Config) {}, "host is required"},
		{"bad protocol", func(c *Config) { c.Target.Host = "x"; c.Target.Protocol = "ftp" }, "unsupported protocol"},
		{"bad proxy port", func(c *Config) { c.Target.Host = "x"; c.Proxy.Port = 70000 }, "proxy.port"},
		{"bad ip filter", func(c *Config) { c.Target.Host = "x"; c.IPFilter = []string{"not-an-ip"} }, "not-an-ip"},
		{"bad step", func(c *Config) { c.Target.Host = "x"; c.Script.Steps = []Step{{Action: "fly"}} }, "script.steps[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}

	cfg := DefaultConfig()
	cfg.Target.Host = "example.com"
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config: %v", err)
	}
}

func TestConfig_CheckFunc(t *testing.T) {
	doc := http.Header{"Accept": {"text/html"}}
	api := http.Header{"Accept": {"application/json"}}
	root := &url.URL{Path: "/"}
	login := &url.URL{Path: "/login"}

	cfg := DefaultConfig()
	if cfg.CheckFunc() != nil {
		t.Fatal("disabled OCSP should give no policy")
	}

	cfg.OCSP.Enabled = true
	cfg.OCSP.Paths = []string{"/"}
	check := cfg.CheckFunc()
	if !check(root, doc) || check(login, doc) || check(root, api) {
		t.Error("documents-only policy should check only listed document paths")
	}

	cfg.OCSP.DocumentsOnly = false
	check = cfg.CheckFunc()
	if !check(login, api) {
		t.Error("policy without documents_only should check every request")
	}
}

func TestConfig_SessionConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Target.Host = "example.com"
	cfg.Proxy.Host = "::1"
	cfg.Proxy.Port = 8181
	cfg.IPFilter = []string{"192.0.2.0/24"}
	cfg.OCSP.Enabled = true
	cfg.OCSP.Timeout = 3 * time.Second
	cfg.Save.RootDir = "captures"

	metrics := NewMetrics()
	sc, err := cfg.SessionConfig(discardLogger(), metrics)
	if err != nil {
		t.Fatal(err)
	}
	if sc.ListenAddr != "[::1]:8181" {
		t.Errorf("ListenAddr = %q", sc.ListenAddr)
	}
	if sc.Target != (Target{Scheme: "https", Host: "example.com", Port: 443}) {
		t.Errorf("Target = %+v", sc.Target)
	}
	if sc.AllowList.Empty() {
		t.Error("allow-list not carried over")
	}
	if sc.OCSPCheck == nil || sc.OCSPClient == nil || sc.OCSPClient.Timeout != 3*time.Second || sc.OCSPClient.Metrics != metrics {
		t.Errorf("ocsp client = %+v", sc.OCSPClient)
	}
	if sc.SaveRoot != "captures" || sc.IndexPath != "captures.db" {
		t.Errorf("save = %q %q", sc.SaveRoot, sc.IndexPath)
	}
	if sc.AccessLog == nil || sc.Metrics != metrics {
		t.Error("access log and metrics should be set")
	}

	cfg.Save.RootDir = ""
	cfg.OCSP.Enabled = false
	sc, err = cfg.SessionConfig(discardLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if sc.IndexPath != "" || sc.OCSPClient != nil {
		t.Errorf("index %q and client %v should be unset without capture and OCSP", sc.IndexPath, sc.OCSPClient)
	}

	cfg.Target.Host = ""
	if _, err := cfg.SessionConfig(discardLogger(), nil); err == nil {
		t.Error("invalid config should not produce a session config")
	}
}
