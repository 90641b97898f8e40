package scraper

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete scraper configuration.
type Config struct {
	// Proxy listener configuration
	Proxy ProxyConfig `mapstructure:"proxy"`

	// Target is where proxied requests go
	Target TargetConfig `mapstructure:"target"`

	// OCSP revocation checking
	OCSP OCSPConfig `mapstructure:"ocsp"`

	// Save controls artifact capture
	Save SaveConfig `mapstructure:"save"`

	// IPFilter lists the addresses or CIDRs the target may resolve to.
	// Accepts a list or a comma separated string.
	IPFilter []string `mapstructure:"ip_filter"`

	// Session lifecycle settings
	Session SessionSettings `mapstructure:"session"`

	// Admin API settings
	Admin AdminConfig `mapstructure:"admin"`

	// Script is run by the CLI against the proxy
	Script ScriptConfig `mapstructure:"script"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// ProxyConfig contains proxy listener settings.
type ProxyConfig struct {
	// Host to bind to
	Host string `mapstructure:"host"`

	// Port to listen on
	Port int `mapstructure:"port"`

	// ShutdownTimeout bounds graceful listener shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// TargetConfig describes the real destination.
type TargetConfig struct {
	// Protocol is http or https
	Protocol string `mapstructure:"protocol"`

	// Host is the target hostname
	Host string `mapstructure:"host"`

	// Port is the target port
	Port int `mapstructure:"port"`
}

// OCSPConfig contains revocation checking settings.
type OCSPConfig struct {
	// Enabled turns OCSP checking on
	Enabled bool `mapstructure:"enabled"`

	// DocumentsOnly restricts checks to requests accepting text/html
	DocumentsOnly bool `mapstructure:"documents_only"`

	// Paths restricts document checks to these URL paths. Empty means all.
	Paths []string `mapstructure:"paths"`

	// Timeout bounds each responder query
	Timeout time.Duration `mapstructure:"timeout"`
}

// SaveConfig contains capture settings.
type SaveConfig struct {
	// RootDir is the capture root; empty disables capture
	RootDir string `mapstructure:"root_dir"`

	// Index is the SQLite index path, relative to RootDir unless absolute
	Index string `mapstructure:"index"`
}

// SessionSettings contains session lifecycle settings.
type SessionSettings struct {
	// Timeout bounds the driver workload (0 = none)
	Timeout time.Duration `mapstructure:"timeout"`

	// DriverErrorGrace is how long a driver failure waits for a proxy error
	DriverErrorGrace time.Duration `mapstructure:"driver_error_grace"`
}

// AdminConfig contains admin API settings.
type AdminConfig struct {
	// Addr to serve the admin API on; empty disables it
	Addr string `mapstructure:"addr"`
}

// ScriptConfig holds the steps the CLI runs.
type ScriptConfig struct {
	// UserAgent sent by the HTTP browser
	UserAgent string `mapstructure:"user_agent"`

	// Steps run in order
	Steps []Step `mapstructure:"steps"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Proxy: ProxyConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ShutdownTimeout: 5 * time.Second,
		},
		Target: TargetConfig{
			Protocol: "https",
			Port:     443,
		},
		OCSP: OCSPConfig{
			DocumentsOnly: true,
			Timeout:       10 * time.Second,
		},
		Save: SaveConfig{
			Index: "captures.db",
		},
		Session: SessionSettings{
			DriverErrorGrace: 500 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./scraper.yaml
// 3. $HOME/.scraper/scraper.yaml
// 4. /etc/scraper/scraper.yaml
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("scraper")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.scraper")
	v.AddConfigPath("/etc/scraper")

	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found is OK - use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadConfigFromReader loads configuration from a reader.
// Useful for testing or embedded configs.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	v.SetDefault("proxy.host", defaults.Proxy.Host)
	v.SetDefault("proxy.port", defaults.Proxy.Port)
	v.SetDefault("proxy.shutdown_timeout", defaults.Proxy.ShutdownTimeout)

	v.SetDefault("target.protocol", defaults.Target.Protocol)
	v.SetDefault("target.host", defaults.Target.Host)
	v.SetDefault("target.port", defaults.Target.Port)

	v.SetDefault("ocsp.enabled", defaults.OCSP.Enabled)
	v.SetDefault("ocsp.documents_only", defaults.OCSP.DocumentsOnly)
	v.SetDefault("ocsp.paths", []string{})
	v.SetDefault("ocsp.timeout", defaults.OCSP.Timeout)

	v.SetDefault("ip_filter", []string{})

	v.SetDefault("save.root_dir", defaults.Save.RootDir)
	v.SetDefault("save.index", defaults.Save.Index)

	v.SetDefault("session.timeout", defaults.Session.Timeout)
	v.SetDefault("session.driver_error_grace", defaults.Session.DriverErrorGrace)

	v.SetDefault("admin.addr", defaults.Admin.Addr)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output", defaults.Logging.Output)
	v.SetDefault("logging.log_headers", defaults.Logging.LogHeaders)
}

// Validate checks the configuration for values no session can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Proxy.Port < 0 || c.Proxy.Port > 65535 {
		errs = append(errs, fmt.Errorf("proxy.port %d out of range", c.Proxy.Port))
	}
	if err := c.target().Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseAllowList(c.IPFilter...); err != nil {
		errs = append(errs, err)
	}
	for i, step := range c.Script.Steps {
		if err := step.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("script.steps[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) target() Target {
	return Target{Scheme: c.Target.Protocol, Host: c.Target.Host, Port: c.Target.Port}
}

// CheckFunc returns the configured OCSP policy, or nil when disabled.
func (c *Config) CheckFunc() CheckFunc {
	switch {
	case !c.OCSP.Enabled:
		return nil
	case c.OCSP.DocumentsOnly:
		return DocumentPolicy(c.OCSP.Paths...)
	default:
		return AlwaysCheck
	}
}

// SessionConfig converts the configuration into the immutable settings of
// one session.
func (c *Config) SessionConfig(logger *slog.Logger, metrics *Metrics) (SessionConfig, error) {
	if err := c.Validate(); err != nil {
		return SessionConfig{}, err
	}
	allow, err := ParseAllowList(c.IPFilter...)
	if err != nil {
		return SessionConfig{}, err
	}

	sc := SessionConfig{
		ListenAddr:       net.JoinHostPort(c.Proxy.Host, strconv.Itoa(c.Proxy.Port)),
		Target:           c.target(),
		AllowList:        allow,
		OCSPCheck:        c.CheckFunc(),
		SaveRoot:         c.Save.RootDir,
		Timeout:          c.Session.Timeout,
		DriverErrorGrace: c.Session.DriverErrorGrace,
		ShutdownTimeout:  c.Proxy.ShutdownTimeout,
		AdminAddr:        c.Admin.Addr,
		Logger:           logger,
		AccessLog:        NewAccessLogger(logger),
		LogHeaders:       c.Logging.LogHeaders,
		Metrics:          metrics,
	}
	if c.Save.RootDir != "" {
		sc.IndexPath = c.Save.Index
	}
	if sc.OCSPCheck != nil {
		client := NewOCSPClient(nil)
		client.Timeout = c.OCSP.Timeout
		client.Logger = logger
		client.Metrics = metrics
		sc.OCSPClient = client
	}
	return sc, nil
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# Scraper configuration

proxy:
  # Address the browser connects to
  host: "127.0.0.1"
  port: 8080
  shutdown_timeout: 5s

target:
  protocol: "https"
  host: "www.example.com"
  port: 443

ocsp:
  # Check the target certificate's revocation status
  enabled: true

  # Only check document navigations (Accept: text/html)
  documents_only: true

  # Restrict checks to these paths (empty = every document)
  paths:
    - "/"
    - "/login"

  timeout: 10s

# Addresses or CIDRs the target may resolve to (empty = no check)
ip_filter:
  - "93.184.216.34"
  # - "203.0.113.0/24"

save:
  # Capture root; each session writes into a timestamped directory
  root_dir: "captures"

  # SQLite index of captured artifacts, relative to root_dir
  index: "captures.db"

session:
  # Bound on the whole workload (0 = none)
  timeout: 2m
  driver_error_grace: 500ms

admin:
  # Status API, metrics and health endpoints (empty = disabled)
  # addr: "127.0.0.1:9090"

script:
  user_agent: "Mozilla/5.0 (compatible; scraper)"
  steps:
    - action: open
      path: "/"
    - action: wait_idle
      timeout: 3s
    # - action: submit
    #   form: "form#login"
    #   fields:
    #     username: "user"
    #     password: "secret"

logging:
  # Log level: debug, info, warn, error
  level: "info"

  # Log format: text, json
  format: "text"

  # Output: stdout, stderr, or file path
  output: "stderr"

  # Log request and response headers
  log_headers: false
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
