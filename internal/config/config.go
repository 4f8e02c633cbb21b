// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Store         StoreConfig         `yaml:"store"`
	Notify        NotifyConfig        `yaml:"notify"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Projection    ProjectionConfig    `yaml:"projection"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT verification. Tokens are verified either with
// a shared HMAC secret read from SecretEnv or with keys from JWKSURL.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	SecretEnv    string            `yaml:"secret_env"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// Secret returns the HMAC secret named by SecretEnv, or nil.
func (c IdentityConfig) Secret() []byte {
	if c.SecretEnv == "" {
		return nil
	}
	if v := os.Getenv(c.SecretEnv); v != "" {
		return []byte(v)
	}
	return nil
}

// DefinitionsConfig describes where to find status definition YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
	// Builtin registers the pharmacy entity types before loading files.
	Builtin bool `yaml:"builtin"`
}

// CapabilityConfig describes authorization settings.
type CapabilityConfig struct {
	// Evaluator is "static" (YAML policy file) or "none" (allow every
	// transition).
	Evaluator        string      `yaml:"evaluator"`
	StaticPolicyFile string      `yaml:"static_policy_file"`
	Cache            CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// StoreConfig describes entity persistence.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	// DSNEnv names the environment variable holding the connection string
	// for postgres and mongo.
	DSNEnv string `yaml:"dsn_env"`
	// Database is the mongo database name.
	Database string `yaml:"database"`
	// Path is the sqlite database file.
	Path            string               `yaml:"path"`
	MaxOpenConns    int                  `yaml:"max_open_conns"`
	MinConns        int                  `yaml:"min_conns"`
	ConnMaxLifetime time.Duration        `yaml:"conn_max_lifetime"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// DSN returns the connection string named by DSNEnv.
func (c StoreConfig) DSN() string {
	if c.DSNEnv == "" {
		return ""
	}
	return os.Getenv(c.DSNEnv)
}

// CircuitBreakerConfig describes the store circuit breaker.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// NotifyConfig describes change delivery.
type NotifyConfig struct {
	Redis RedisRelayConfig `yaml:"redis"`
}

// RedisRelayConfig describes the cross-replica change relay.
type RedisRelayConfig struct {
	Enabled       bool   `yaml:"enabled"`
	AddrEnv       string `yaml:"addr_env"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
	// InstanceID tags changes published by this replica. Defaults to the
	// hostname.
	InstanceID string `yaml:"instance_id"`
}

// Channel returns the pub/sub channel name.
func (c RedisRelayConfig) Channel() string {
	return c.ChannelPrefix + ":changes"
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ProjectionConfig describes listing settings.
type ProjectionConfig struct {
	PageSize     int `yaml:"page_size"`
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"HS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Definitions: DefinitionsConfig{
			Builtin: true,
		},
		Capability: CapabilityConfig{
			Evaluator: "static",
			Cache: CacheConfig{
				TTL: 5 * time.Minute,
			},
		},
		Store: StoreConfig{
			Driver:          DriverMemory,
			Database:        "statusflow",
			Path:            "statusflow.db",
			MaxOpenConns:    25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Notify: NotifyConfig{
			Redis: RedisRelayConfig{
				ChannelPrefix: "statusflow",
			},
		},
		Idempotency: IdempotencyConfig{
			Store: IdempotencyStoreConfig{
				Driver:     DriverMemory,
				DefaultTTL: 24 * time.Hour,
			},
		},
		Projection: ProjectionConfig{
			PageSize:     100,
			DefaultLimit: 50,
			MaxLimit:     500,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if c.Identity.JWKSURL == "" && c.Identity.SecretEnv == "" {
		errs = append(errs, "identity.jwks_url or identity.secret_env is required")
	}
	if !c.Definitions.Builtin && len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories is required when builtin definitions are disabled")
	}

	switch c.Capability.Evaluator {
	case "static":
		if c.Capability.StaticPolicyFile == "" {
			errs = append(errs, "capability.static_policy_file is required for the static evaluator")
		}
	case "none":
	default:
		errs = append(errs, fmt.Sprintf("capability.evaluator %q is not supported", c.Capability.Evaluator))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres, DriverMongo:
		if c.Store.DSNEnv == "" {
			errs = append(errs, fmt.Sprintf("store.dsn_env is required for the %s driver", c.Store.Driver))
		}
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, "store.path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}

	if c.Notify.Redis.Enabled && c.Notify.Redis.AddrEnv == "" {
		errs = append(errs, "notify.redis.addr_env is required when the relay is enabled")
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Store.Driver {
		case DriverMemory:
		case DriverRedis:
			if c.Idempotency.Store.AddrEnv == "" {
				errs = append(errs, "idempotency.store.addr_env is required for the redis driver")
			}
		default:
			errs = append(errs, fmt.Sprintf("idempotency.store.driver %q is not supported", c.Idempotency.Store.Driver))
		}
	}

	if c.Projection.PageSize < 1 {
		errs = append(errs, "projection.page_size must be positive")
	}
	if c.Projection.MaxLimit < c.Projection.DefaultLimit {
		errs = append(errs, "projection.max_limit must not be below projection.default_limit")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads STATUSFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STATUSFLOW_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("STATUSFLOW_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("STATUSFLOW_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("STATUSFLOW_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("STATUSFLOW_DEFINITIONS_DIRECTORIES"); v != "" {
		cfg.Definitions.Directories = strings.Split(v, ",")
	}
	if v := os.Getenv("STATUSFLOW_CAPABILITY_EVALUATOR"); v != "" {
		cfg.Capability.Evaluator = v
	}
	if v := os.Getenv("STATUSFLOW_CAPABILITY_POLICY_FILE"); v != "" {
		cfg.Capability.StaticPolicyFile = v
	}
	if v := os.Getenv("STATUSFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("STATUSFLOW_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("STATUSFLOW_NOTIFY_INSTANCE_ID"); v != "" {
		cfg.Notify.Redis.InstanceID = v
	}
	if v := os.Getenv("STATUSFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
