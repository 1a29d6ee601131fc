// Package config loads, validates and watches the Trellis configuration
// file. The schema maps one section per subsystem; zero values fall back to
// the defaults each subsystem applies itself, so a minimal file only has to
// name what it changes.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the root of the YAML configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Ops      OpsConfig      `yaml:"ops"`
	Logging  LoggingConfig  `yaml:"logging"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Mounts   []MountConfig  `yaml:"mounts"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Health   HealthConfig   `yaml:"health"`
	Channels ChannelsConfig `yaml:"channels"`
	Tasks    TasksConfig    `yaml:"tasks"`
	Auth     AuthConfig     `yaml:"auth"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
}

// ServerConfig tunes the main HTTP listener.
type ServerConfig struct {
	Address           string        `yaml:"address"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
}

// OpsConfig tunes the operational endpoint listener (health, metrics,
// introspection). It binds separately from the main listener so it can stay
// off the public network.
type OpsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Address     string `yaml:"address"`
	MetricsPath string `yaml:"metrics_path"`
	Pprof       bool   `yaml:"pprof"`
}

// LoggingConfig tunes the global structured logger.
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	File     string            `yaml:"file"`
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig bounds the size-rotated log file. Only used when
// LoggingConfig.File is set.
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"` // megabytes
	MaxBackups int  `yaml:"max_backups"`
	MaxAge     int  `yaml:"max_age"` // days
	Compress   bool `yaml:"compress"`
}

// ProxyConfig sets forwarder-wide defaults. Per-call options can still
// override timeouts for individual upstream requests.
type ProxyConfig struct {
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	MaxRequestBody      int64         `yaml:"max_request_body"`
	MaxResponseBody     int64         `yaml:"max_response_body"`
	PreserveHost        bool          `yaml:"preserve_host"`
	ForwardedHeaders    bool          `yaml:"forwarded_headers"`
	FollowRedirects     bool          `yaml:"follow_redirects"`
	MaxRedirects        int           `yaml:"max_redirects"`
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	TLSSkipVerify       bool          `yaml:"tls_skip_verify"`
}

// MountConfig forwards a path prefix to an upstream service. Requests
// under the prefix bypass the router and go straight to the forwarder,
// so mounts and routed handlers can share one listener.
type MountConfig struct {
	Prefix      string `yaml:"prefix"`
	Upstream    string `yaml:"upstream"`
	StripPrefix bool   `yaml:"strip_prefix"`
}

// BreakerConfig sets the default circuit breaker profile applied to
// upstreams that do not carry their own.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	WindowSize       int           `yaml:"window_size"`
	WindowDuration   time.Duration `yaml:"window_duration"`
	TriggerKinds     []string      `yaml:"trigger_kinds"`
}

// HealthConfig enables periodic probing of upstream dependencies. Probe
// results appear on the ops server; they never gate routing.
type HealthConfig struct {
	Enabled  bool                 `yaml:"enabled"`
	Timeout  time.Duration        `yaml:"timeout"`
	Interval time.Duration        `yaml:"interval"`
	Targets  []HealthTargetConfig `yaml:"targets"`
}

// HealthTargetConfig describes one probe target. HTTP targets set url;
// TCP targets set address.
type HealthTargetConfig struct {
	Name      string        `yaml:"name"`
	URL       string        `yaml:"url"`
	Path      string        `yaml:"path"`
	Method    string        `yaml:"method"`
	Address   string        `yaml:"address"`
	Expect    []string      `yaml:"expect"`
	Timeout   time.Duration `yaml:"timeout"`
	Interval  time.Duration `yaml:"interval"`
	UpAfter   int           `yaml:"up_after"`
	DownAfter int           `yaml:"down_after"`
}

// ChannelsConfig tunes accepted WebSocket sessions.
type ChannelsConfig struct {
	WriteWait      time.Duration `yaml:"write_wait"`
	PongWait       time.Duration `yaml:"pong_wait"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	SendQueueSize  int           `yaml:"send_queue_size"`
}

// TasksConfig tunes the background task queue and its worker.
type TasksConfig struct {
	Enabled bool `yaml:"enabled"`
	// Store selects the persistence backend: memory, sqlite or redis.
	Store      string      `yaml:"store"`
	SQLitePath string      `yaml:"sqlite_path"`
	Redis      RedisConfig `yaml:"redis"`

	Queues                []string      `yaml:"queues"`
	Concurrency           int           `yaml:"concurrency"`
	PollInterval          time.Duration `yaml:"poll_interval"`
	ScheduleCheckInterval time.Duration `yaml:"schedule_check_interval"`
	StaleCheckInterval    time.Duration `yaml:"stale_check_interval"`
	StaleTimeout          time.Duration `yaml:"stale_timeout"`
	Retry                 RetryConfig   `yaml:"retry"`
}

// RedisConfig connects the redis task store.
type RedisConfig struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	KeyPrefix   string        `yaml:"key_prefix"`
}

// RetryConfig is the exponential backoff profile for failed task attempts.
type RetryConfig struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     bool          `yaml:"jitter"`
}

// AuthConfig declares the static credential sets the server recognises.
type AuthConfig struct {
	Realm        string         `yaml:"realm"`
	APIKeyHeader string         `yaml:"api_key_header"`
	JWT          JWTConfig      `yaml:"jwt"`
	Users        []UserConfig   `yaml:"users"`
	APIKeys      []APIKeyConfig `yaml:"api_keys"`
}

// JWTConfig signs and verifies bearer tokens. HS256 only.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Issuer string        `yaml:"issuer"`
	TTL    time.Duration `yaml:"ttl"`
}

// UserConfig seeds one user into the in-process directory. PasswordHash is a
// bcrypt hash; plaintext passwords never appear in config files.
type UserConfig struct {
	Username     string   `yaml:"username"`
	PasswordHash string   `yaml:"password_hash"`
	Name         string   `yaml:"name"`
	Roles        []string `yaml:"roles"`
}

// APIKeyConfig binds one opaque key to a principal.
type APIKeyConfig struct {
	Key   string   `yaml:"key"`
	ID    string   `yaml:"id"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// ShutdownConfig bounds graceful shutdown. DrainDelay is a pause between
// failing readiness and closing listeners so load balancers stop sending
// traffic first.
type ShutdownConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	DrainDelay time.Duration `yaml:"drain_delay"`
}

// DefaultConfig returns the configuration used when a section or field is
// absent from the file. The values mirror the zero-value fallbacks applied
// inside each subsystem.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		Ops: OpsConfig{
			Enabled:     true,
			Address:     ":8081",
			MetricsPath: "/metrics",
		},
		Logging: LoggingConfig{
			Level: "info",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Proxy: ProxyConfig{
			ConnectTimeout:      10 * time.Second,
			RequestTimeout:      30 * time.Second,
			MaxRedirects:        10,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			ForwardedHeaders:    true,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			ResetTimeout:     30 * time.Second,
			WindowSize:       100,
			WindowDuration:   60 * time.Second,
		},
		Health: HealthConfig{
			Timeout:  5 * time.Second,
			Interval: 10 * time.Second,
		},
		Channels: ChannelsConfig{
			WriteWait:      10 * time.Second,
			PongWait:       60 * time.Second,
			MaxMessageSize: 1 << 20,
			SendQueueSize:  256,
		},
		Tasks: TasksConfig{
			Enabled:               true,
			Store:                 "memory",
			Queues:                []string{"default"},
			Concurrency:           10,
			PollInterval:          500 * time.Millisecond,
			ScheduleCheckInterval: time.Second,
			StaleCheckInterval:    30 * time.Second,
			StaleTimeout:          5 * time.Minute,
			Retry: RetryConfig{
				BaseDelay:  time.Second,
				MaxDelay:   5 * time.Minute,
				Multiplier: 2,
				Jitter:     true,
			},
		},
		Auth: AuthConfig{
			Realm:        "Restricted",
			APIKeyHeader: "X-API-Key",
		},
		Shutdown: ShutdownConfig{
			Timeout: 30 * time.Second,
		},
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate rejects configurations that could not produce a working server.
// It reports the first problem found with its section path.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Ops.Enabled {
		if c.Ops.Address == "" {
			return fmt.Errorf("ops.address is required when ops is enabled")
		}
		if c.Ops.Address == c.Server.Address {
			return fmt.Errorf("ops.address must differ from server.address")
		}
		if c.Ops.MetricsPath != "" && !strings.HasPrefix(c.Ops.MetricsPath, "/") {
			return fmt.Errorf("ops.metrics_path must start with /")
		}
	}
	if c.Logging.Level != "" && !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if c.Proxy.MaxRequestBody < 0 {
		return fmt.Errorf("proxy.max_request_body must not be negative")
	}
	if c.Proxy.MaxResponseBody < 0 {
		return fmt.Errorf("proxy.max_response_body must not be negative")
	}
	if c.Breaker.FailureThreshold < 0 || c.Breaker.SuccessThreshold < 0 {
		return fmt.Errorf("breaker thresholds must not be negative")
	}
	if err := validateMounts(c.Mounts); err != nil {
		return err
	}
	if err := c.Health.validate(); err != nil {
		return err
	}
	if err := c.Tasks.validate(); err != nil {
		return err
	}
	return c.Auth.validate()
}

func validateMounts(mounts []MountConfig) error {
	prefixes := make(map[string]bool, len(mounts))
	for i, m := range mounts {
		if !strings.HasPrefix(m.Prefix, "/") || m.Prefix == "/" {
			return fmt.Errorf("mounts[%d].prefix must start with / and not be the root", i)
		}
		if prefixes[m.Prefix] {
			return fmt.Errorf("mounts: duplicate prefix %q", m.Prefix)
		}
		prefixes[m.Prefix] = true
		u, err := url.Parse(m.Upstream)
		if err != nil {
			return fmt.Errorf("mounts[%d].upstream: %w", i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
			return fmt.Errorf("mounts[%d].upstream must be an absolute http(s) URL", i)
		}
	}
	return nil
}

// Expect expressions are parsed by the prober when targets are registered,
// so only structural problems are caught here.
func (h *HealthConfig) validate() error {
	if !h.Enabled {
		return nil
	}
	names := make(map[string]bool, len(h.Targets))
	for i, t := range h.Targets {
		if t.URL == "" && t.Address == "" {
			return fmt.Errorf("health.targets[%d]: url or address is required", i)
		}
		if t.URL != "" && t.Address != "" {
			return fmt.Errorf("health.targets[%d]: url and address are mutually exclusive", i)
		}
		if t.UpAfter < 0 || t.DownAfter < 0 {
			return fmt.Errorf("health.targets[%d]: thresholds must not be negative", i)
		}
		if t.Name != "" {
			if names[t.Name] {
				return fmt.Errorf("health.targets: duplicate name %q", t.Name)
			}
			names[t.Name] = true
		}
	}
	return nil
}

func (t *TasksConfig) validate() error {
	if !t.Enabled {
		return nil
	}
	switch t.Store {
	case "", "memory":
	case "sqlite":
		if t.SQLitePath == "" {
			return fmt.Errorf("tasks.sqlite_path is required for the sqlite store")
		}
	case "redis":
		if t.Redis.Address == "" {
			return fmt.Errorf("tasks.redis.address is required for the redis store")
		}
	default:
		return fmt.Errorf("tasks.store %q is not one of memory, sqlite, redis", t.Store)
	}
	if t.Concurrency < 0 {
		return fmt.Errorf("tasks.concurrency must not be negative")
	}
	seen := make(map[string]bool, len(t.Queues))
	for _, q := range t.Queues {
		if q == "" {
			return fmt.Errorf("tasks.queues must not contain empty names")
		}
		if seen[q] {
			return fmt.Errorf("tasks.queues: duplicate queue %q", q)
		}
		seen[q] = true
	}
	if t.Retry.Multiplier < 0 {
		return fmt.Errorf("tasks.retry.multiplier must not be negative")
	}
	return nil
}

func (a *AuthConfig) validate() error {
	if (a.JWT.Issuer != "" || a.JWT.TTL != 0) && a.JWT.Secret == "" {
		return fmt.Errorf("auth.jwt.secret is required when jwt is configured")
	}
	names := make(map[string]bool, len(a.Users))
	for i, u := range a.Users {
		if u.Username == "" {
			return fmt.Errorf("auth.users[%d]: username is required", i)
		}
		if u.PasswordHash == "" {
			return fmt.Errorf("auth.users[%d] (%s): password_hash is required", i, u.Username)
		}
		if names[u.Username] {
			return fmt.Errorf("auth.users: duplicate username %q", u.Username)
		}
		names[u.Username] = true
	}
	keys := make(map[string]bool, len(a.APIKeys))
	for i, k := range a.APIKeys {
		if k.Key == "" {
			return fmt.Errorf("auth.api_keys[%d]: key is required", i)
		}
		if k.ID == "" {
			return fmt.Errorf("auth.api_keys[%d]: id is required", i)
		}
		if keys[k.Key] {
			return fmt.Errorf("auth.api_keys: duplicate key for id %q", k.ID)
		}
		keys[k.Key] = true
	}
	return nil
}
