// Package config loads the papin configuration from ~/.papin/config.yaml with
// PAPIN_ environment overrides, and converts it into per-component settings.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/PolycarpusTack/papin/internal/connectivity"
	"github.com/PolycarpusTack/papin/internal/local"
	"github.com/PolycarpusTack/papin/internal/logging"
	"github.com/PolycarpusTack/papin/internal/mux"
	"github.com/PolycarpusTack/papin/internal/router"
	"github.com/PolycarpusTack/papin/internal/session"
	"github.com/PolycarpusTack/papin/internal/transport"
)

// EnvPrefix prefixes every environment override (PAPIN_ROUTER_AUTO_FAILOVER).
const EnvPrefix = "PAPIN"

// Config holds all papin configuration.
type Config struct {
	Remote       RemoteConfig       `mapstructure:"remote" yaml:"remote"`
	Session      SessionConfig      `mapstructure:"session" yaml:"session"`
	Backoff      BackoffConfig      `mapstructure:"backoff" yaml:"backoff"`
	Router       RouterConfig       `mapstructure:"router" yaml:"router"`
	Local        LocalConfig        `mapstructure:"local" yaml:"local"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" yaml:"connectivity"`
	Credentials  CredentialsConfig  `mapstructure:"credentials" yaml:"credentials"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	Diagnostics  DiagnosticsConfig  `mapstructure:"diagnostics" yaml:"diagnostics"`
	Metrics      MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
	Serve        ServeConfig        `mapstructure:"serve" yaml:"serve"`
}

// RemoteConfig configures the WebSocket link to the model-serving endpoint.
type RemoteConfig struct {
	Endpoint         string        `mapstructure:"endpoint" yaml:"endpoint"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	MaxMessageSize   int64         `mapstructure:"max_message_size" yaml:"max_message_size"`
	CancelTimeout    time.Duration `mapstructure:"cancel_timeout" yaml:"cancel_timeout"`
}

// SessionConfig configures heartbeats and reconnect supervision.
type SessionConfig struct {
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	MissedHeartbeats     int           `mapstructure:"missed_heartbeats" yaml:"missed_heartbeats"`
	GraceWindow          time.Duration `mapstructure:"grace_window" yaml:"grace_window"`
	DialTimeout          time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	AuthTimeout          time.Duration `mapstructure:"auth_timeout" yaml:"auth_timeout"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	AutoConnect          bool          `mapstructure:"auto_connect" yaml:"auto_connect"`
}

// BackoffConfig shapes the reconnect delays.
type BackoffConfig struct {
	Base   time.Duration `mapstructure:"base" yaml:"base"`
	Factor float64       `mapstructure:"factor" yaml:"factor"`
	Cap    time.Duration `mapstructure:"cap" yaml:"cap"`
	Jitter float64       `mapstructure:"jitter" yaml:"jitter"`
}

// RouterConfig configures provider selection.
type RouterConfig struct {
	AutoFailover bool   `mapstructure:"auto_failover" yaml:"auto_failover"`
	DefaultModel string `mapstructure:"default_model" yaml:"default_model"`
}

// LocalConfig configures the local fallback model.
type LocalConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint"`
	DefaultModel      string        `mapstructure:"default_model" yaml:"default_model"`
	RefreshInterval   time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`
	FirstTokenTimeout time.Duration `mapstructure:"first_token_timeout" yaml:"first_token_timeout"`
	StreamIdleTimeout time.Duration `mapstructure:"stream_idle_timeout" yaml:"stream_idle_timeout"`
}

// ConnectivityConfig configures the reachability monitor and its probes.
type ConnectivityConfig struct {
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
	Threshold    int           `mapstructure:"threshold" yaml:"threshold"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	HistorySize  int           `mapstructure:"history_size" yaml:"history_size"`
	SlowProbe    time.Duration `mapstructure:"slow_probe" yaml:"slow_probe"`
	ProbeURLs    []string      `mapstructure:"probe_urls" yaml:"probe_urls"`
	ProbeAddrs   []string      `mapstructure:"probe_addrs" yaml:"probe_addrs"`
}

// CredentialsConfig names where the session token comes from. A token
// written here takes precedence over PAPIN_TOKEN and the keychain.
type CredentialsConfig struct {
	Account string `mapstructure:"account" yaml:"account"`
	Token   string `mapstructure:"token" yaml:"token,omitempty"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	Colored    bool   `mapstructure:"colored" yaml:"colored"`
	ShowCaller bool   `mapstructure:"show_caller" yaml:"show_caller"`
	JSON       bool   `mapstructure:"json" yaml:"json"`
}

// DiagnosticsConfig configures the request outcome log.
type DiagnosticsConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	DBPath            string        `mapstructure:"db_path" yaml:"db_path"`
	RetentionSchedule string        `mapstructure:"retention_schedule" yaml:"retention_schedule"`
	MaxAge            time.Duration `mapstructure:"max_age" yaml:"max_age"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// ServeConfig configures the reference endpoint run by papin serve.
type ServeConfig struct {
	ListenAddr  string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	TokenHashes []string      `mapstructure:"token_hashes" yaml:"token_hashes"`
	Responder   string        `mapstructure:"responder" yaml:"responder"` // echo or ollama
	EchoDelay   time.Duration `mapstructure:"echo_delay" yaml:"echo_delay"`
}

// Default returns the default configuration.
func Default() *Config {
	sess := session.DefaultConfig()
	ws := transport.DefaultWebSocketConfig()
	lc := local.DefaultConfig()
	lt := local.DefaultTimeoutConfig()
	cc := connectivity.DefaultConfig()

	return &Config{
		Remote: RemoteConfig{
			Endpoint:         ws.Endpoint,
			HandshakeTimeout: ws.HandshakeTimeout,
			WriteTimeout:     ws.WriteTimeout,
			MaxMessageSize:   ws.MaxMessageSize,
			CancelTimeout:    mux.DefaultConfig().CancelTimeout,
		},
		Session: SessionConfig{
			HeartbeatInterval:    sess.HeartbeatInterval,
			HeartbeatTimeout:     sess.HeartbeatTimeout,
			MissedHeartbeats:     sess.MissedHeartbeats,
			GraceWindow:          sess.GraceWindow,
			DialTimeout:          sess.DialTimeout,
			AuthTimeout:          sess.AuthTimeout,
			MaxReconnectAttempts: sess.MaxReconnectAttempts,
			AutoConnect:          sess.AutoConnect,
		},
		Backoff: BackoffConfig{
			Base:   sess.Backoff.Base,
			Factor: sess.Backoff.Factor,
			Cap:    sess.Backoff.Cap,
			Jitter: sess.Backoff.Jitter,
		},
		Router: RouterConfig{
			AutoFailover: router.DefaultConfig().AutoFailover,
			DefaultModel: "",
		},
		Local: LocalConfig{
			Enabled:           true,
			Endpoint:          local.DefaultEndpoint,
			DefaultModel:      lc.DefaultModel,
			RefreshInterval:   lc.RefreshInterval,
			ProbeTimeout:      lc.ProbeTimeout,
			ConnectionTimeout: lt.Connection,
			FirstTokenTimeout: lt.FirstToken,
			StreamIdleTimeout: lt.StreamIdle,
		},
		Connectivity: ConnectivityConfig{
			Interval:     cc.Interval,
			Threshold:    cc.Threshold,
			ProbeTimeout: cc.ProbeTimeout,
			HistorySize:  cc.HistorySize,
			SlowProbe:    2 * time.Second,
		},
		Credentials: CredentialsConfig{
			Account: "default",
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    "~/.papin/logs/papin.log",
			Colored: true,
		},
		Diagnostics: DiagnosticsConfig{
			Enabled:           true,
			DBPath:            "~/.papin/diagnostics.db",
			RetentionSchedule: "0 3 * * *",
			MaxAge:            7 * 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},
		Serve: ServeConfig{
			ListenAddr: "127.0.0.1:8790",
			Responder:  "echo",
		},
	}
}

// DefaultPath returns ~/.papin/config.yaml.
func DefaultPath() string {
	return expandPath("~/.papin/config.yaml")
}

// Load loads configuration from the default location.
func Load() (*Config, error) {
	return LoadFromPath(DefaultPath())
}

// LoadFromPath loads configuration from a specific path, writing the
// defaults there first if the file does not exist.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.expand()
	return cfg, nil
}

// newViper binds every default key so env overrides reach keys missing from
// the file.
func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var defaults map[string]any
	if raw, err := yaml.Marshal(Default()); err == nil {
		if yaml.Unmarshal(raw, &defaults) == nil {
			setDefaults(v, "", defaults)
		}
	}
	return v
}

func setDefaults(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			setDefaults(v, key, nested)
			continue
		}
		v.SetDefault(key, val)
	}
}

func (c *Config) expand() {
	c.Logging.File = expandPath(c.Logging.File)
	c.Diagnostics.DBPath = expandPath(c.Diagnostics.DBPath)
}

// Save saves the configuration to the default location.
func (c *Config) Save() error {
	return c.SaveToPath(DefaultPath())
}

// SaveToPath saves the configuration to a specific path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Remote.Endpoint)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("remote.endpoint must be a ws:// or wss:// URL, got %q", c.Remote.Endpoint)
	}

	if c.Session.HeartbeatInterval <= 0 {
		return fmt.Errorf("session.heartbeat_interval must be positive")
	}
	if c.Session.HeartbeatTimeout <= 0 {
		return fmt.Errorf("session.heartbeat_timeout must be positive")
	}
	if c.Session.MissedHeartbeats < 1 {
		return fmt.Errorf("session.missed_heartbeats must be at least 1, got %d", c.Session.MissedHeartbeats)
	}
	if c.Session.MaxReconnectAttempts < 0 {
		return fmt.Errorf("session.max_reconnect_attempts cannot be negative")
	}

	if c.Backoff.Base <= 0 || c.Backoff.Cap < c.Backoff.Base {
		return fmt.Errorf("backoff: base must be positive and cap at least base")
	}
	if c.Backoff.Factor < 1 {
		return fmt.Errorf("backoff.factor must be at least 1, got %v", c.Backoff.Factor)
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter > 1 {
		return fmt.Errorf("backoff.jitter must be between 0 and 1, got %v", c.Backoff.Jitter)
	}

	if c.Local.Enabled {
		if c.Local.Endpoint == "" {
			return fmt.Errorf("local.endpoint is required when local is enabled")
		}
		if c.Local.DefaultModel == "" {
			return fmt.Errorf("local.default_model is required when local is enabled")
		}
	}

	if c.Connectivity.Threshold < 1 {
		return fmt.Errorf("connectivity.threshold must be at least 1, got %d", c.Connectivity.Threshold)
	}
	if c.Connectivity.Interval <= 0 {
		return fmt.Errorf("connectivity.interval must be positive")
	}

	if c.Diagnostics.Enabled {
		if c.Diagnostics.DBPath == "" {
			return fmt.Errorf("diagnostics.db_path is required when diagnostics are enabled")
		}
		if c.Diagnostics.MaxAge <= 0 {
			return fmt.Errorf("diagnostics.max_age must be positive")
		}
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}

	switch c.Serve.Responder {
	case "echo", "ollama":
	default:
		return fmt.Errorf("serve.responder must be echo or ollama, got %q", c.Serve.Responder)
	}

	return nil
}

// ───────────────────────────────────────────────────────────────────────────────
// Component settings
// ───────────────────────────────────────────────────────────────────────────────

// SessionSettings returns the session supervisor configuration.
func (c *Config) SessionSettings() session.Config {
	return session.Config{
		HeartbeatInterval:    c.Session.HeartbeatInterval,
		HeartbeatTimeout:     c.Session.HeartbeatTimeout,
		MissedHeartbeats:     c.Session.MissedHeartbeats,
		GraceWindow:          c.Session.GraceWindow,
		DialTimeout:          c.Session.DialTimeout,
		AuthTimeout:          c.Session.AuthTimeout,
		MaxReconnectAttempts: c.Session.MaxReconnectAttempts,
		AutoConnect:          c.Session.AutoConnect,
		Backoff: session.BackoffConfig{
			Base:   c.Backoff.Base,
			Factor: c.Backoff.Factor,
			Cap:    c.Backoff.Cap,
			Jitter: c.Backoff.Jitter,
		},
	}
}

// WebSocketSettings returns the transport configuration.
func (c *Config) WebSocketSettings() transport.WebSocketConfig {
	return transport.WebSocketConfig{
		Endpoint:         c.Remote.Endpoint,
		HandshakeTimeout: c.Remote.HandshakeTimeout,
		WriteTimeout:     c.Remote.WriteTimeout,
		MaxMessageSize:   c.Remote.MaxMessageSize,
	}
}

// MuxSettings returns the multiplexer configuration.
func (c *Config) MuxSettings() mux.Config {
	return mux.Config{CancelTimeout: c.Remote.CancelTimeout}
}

// RouterSettings returns the router configuration.
func (c *Config) RouterSettings() router.Config {
	return router.Config{AutoFailover: c.Router.AutoFailover}
}

// LocalSettings returns the local adapter configuration.
func (c *Config) LocalSettings() local.Config {
	return local.Config{
		DefaultModel:    c.Local.DefaultModel,
		RefreshInterval: c.Local.RefreshInterval,
		ProbeTimeout:    c.Local.ProbeTimeout,
	}
}

// LocalTimeouts returns the Ollama stream timeouts.
func (c *Config) LocalTimeouts() local.TimeoutConfig {
	return local.TimeoutConfig{
		Connection: c.Local.ConnectionTimeout,
		FirstToken: c.Local.FirstTokenTimeout,
		StreamIdle: c.Local.StreamIdleTimeout,
	}
}

// ConnectivitySettings returns the monitor configuration.
func (c *Config) ConnectivitySettings() connectivity.Config {
	return connectivity.Config{
		Interval:     c.Connectivity.Interval,
		Threshold:    c.Connectivity.Threshold,
		ProbeTimeout: c.Connectivity.ProbeTimeout,
		HistorySize:  c.Connectivity.HistorySize,
	}
}

// Prober builds the reachability probe. With no probes configured it dials
// the remote endpoint's host.
func (c *Config) Prober() connectivity.Prober {
	var probes connectivity.MultiProber
	for _, u := range c.Connectivity.ProbeURLs {
		probes = append(probes, &connectivity.HTTPProber{
			URL:           u,
			SlowThreshold: c.Connectivity.SlowProbe,
		})
	}
	for _, addr := range c.Connectivity.ProbeAddrs {
		probes = append(probes, &connectivity.TCPProber{Address: addr})
	}
	if len(probes) == 0 {
		if addr := endpointAddress(c.Remote.Endpoint); addr != "" {
			probes = append(probes, &connectivity.TCPProber{Address: addr})
		}
	}
	if len(probes) == 1 {
		return probes[0]
	}
	return probes
}

// LoggingSettings returns the logger configuration.
func (c *Config) LoggingSettings() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Logging.Level
	cfg.FilePath = c.Logging.File
	cfg.Colored = c.Logging.Colored
	cfg.ShowCaller = c.Logging.ShowCaller
	cfg.JSON = c.Logging.JSON
	return cfg
}

func endpointAddress(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "wss" {
		return u.Host + ":443"
	}
	return u.Host + ":80"
}

func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	header := "# papin configuration\n# Environment overrides: PAPIN_<SECTION>_<KEY>, e.g. PAPIN_ROUTER_AUTO_FAILOVER=false\n\n"
	return os.WriteFile(path, append([]byte(header), data...), 0644)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
