// =============================================================================
// Runestone configuration loader
// =============================================================================
// Unified configuration loading: YAML file + environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("RUNESTONE").
//	    Load()
//
// Precedence: defaults -> YAML file -> environment variables.
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Core configuration structure
// =============================================================================

// Config is the complete configuration for the gateway process.
type Config struct {
	Server    ServerConfig          `yaml:"server" env:"SERVER"`
	Auth      AuthConfig            `yaml:"auth" env:"AUTH"`
	RateLimit RateLimitConfig       `yaml:"rate_limit" env:"RATE_LIMIT"`
	Router    RouterConfig          `yaml:"router" env:"ROUTER"`
	Breaker   BreakerConfig         `yaml:"circuit_breaker" env:"BREAKER"`
	Retry     RetryConfig           `yaml:"retry" env:"RETRY"`
	Overflow  OverflowConfig        `yaml:"overflow" env:"OVERFLOW"`
	Providers []ProviderConfig      `yaml:"providers" env:"-"`
	Failover  []FailoverGroupConfig `yaml:"failover_groups" env:"-"`
	Keys      []KeyConfig           `yaml:"keys" env:"-"`
	Log       LogConfig             `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig       `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// StreamIdleTimeout bounds how long an SSE relay may sit without emitting
	// a byte to either side before the relay gives up on the upstream.
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout" env:"STREAM_IDLE_TIMEOUT"`
}

// AuthConfig controls key-based and JWT admission.
type AuthConfig struct {
	// KeyPrefix is the required prefix for client-facing API keys (e.g. "sk-").
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// JWTEnabled turns on the bearer-JWT path alongside the primary key path.
	JWTEnabled bool   `yaml:"jwt_enabled" env:"JWT_ENABLED"`
	JWTSecret  string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// JWTPublicKeyPath, when set, switches verification to RS256.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path" env:"JWT_PUBLIC_KEY_PATH"`
}

// RateLimitConfig controls admission-time throttling.
type RateLimitConfig struct {
	// Backend selects the counter implementation: "memory" or "redis".
	Backend           string        `yaml:"backend" env:"BACKEND"`
	RedisAddr         string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	DefaultRPM        int           `yaml:"default_rpm" env:"DEFAULT_RPM"`
	DefaultRPH        int           `yaml:"default_rph" env:"DEFAULT_RPH"`
	MaxConcurrent     int           `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	PerIPBurst        int           `yaml:"per_ip_burst" env:"PER_IP_BURST"`
	PerIPRPS          float64       `yaml:"per_ip_rps" env:"PER_IP_RPS"`
	WindowGranularity time.Duration `yaml:"window_granularity" env:"WINDOW_GRANULARITY"`
}

// RouterConfig controls model-to-provider policy selection.
type RouterConfig struct {
	// Policy is one of "default" (first healthy, priority order) or
	// "cost" (cheapest healthy candidate for the requested model).
	Policy string `yaml:"policy" env:"POLICY"`
}

// BreakerConfig is the circuit breaker tuning applied to every provider
// target; ProviderConfig carries no per-provider override.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	CooldownPeriod   time.Duration `yaml:"cooldown_period" env:"COOLDOWN_PERIOD"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls" env:"HALF_OPEN_MAX_CALLS"`
	CallTimeout      time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`
}

// RetryConfig is the default backoff policy for non-streaming upstream calls.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	Multiplier   float64       `yaml:"multiplier" env:"MULTIPLIER"`
	JitterFrac   float64       `yaml:"jitter_fraction" env:"JITTER_FRACTION"`
}

// OverflowConfig controls the durable admission-overflow queue.
type OverflowConfig struct {
	Enabled       bool          `yaml:"enabled" env:"ENABLED"`
	Driver        string        `yaml:"driver" env:"DRIVER"` // sqlite, postgres, mysql
	DSN           string        `yaml:"dsn" env:"DSN"`
	MaxQueueDepth int           `yaml:"max_queue_depth" env:"MAX_QUEUE_DEPTH"`
	DrainInterval time.Duration `yaml:"drain_interval" env:"DRAIN_INTERVAL"`
	MaxAttempts   int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	ItemTTL       time.Duration `yaml:"item_ttl" env:"ITEM_TTL"`
}

// ProviderConfig describes one upstream provider target loaded at startup.
// It mirrors the ProviderSpec data model but in the shape a YAML/env source
// would naturally populate.
type ProviderConfig struct {
	Code           string            `yaml:"code"`
	Driver         string            `yaml:"driver"` // openai, openai_compat, anthropic
	BaseURL        string            `yaml:"base_url"`
	APIKeyEnv      string            `yaml:"api_key_env"`
	Models         []string          `yaml:"models"`
	Priority       int               `yaml:"priority"`
	Weight         int               `yaml:"weight"`
	CostPerInputK  float64           `yaml:"cost_per_input_1k"`
	CostPerOutputK float64           `yaml:"cost_per_output_1k"`
	Enabled        bool              `yaml:"enabled"`
	Headers        map[string]string `yaml:"headers"`
}

// FailoverGroupConfig names an ordered set of provider codes serving one
// logical model family, tried under Strategy when the router's first pick
// fails. Service matches RouteRequest.ModelFamily.
type FailoverGroupConfig struct {
	Service         string                 `yaml:"service"`
	Strategy        string                 `yaml:"strategy"` // round_robin, priority, health_aware, cost_optimized, load_balanced, fastest_first
	HealthThreshold float64                `yaml:"health_threshold"`
	MaxAttempts     int                    `yaml:"max_attempts"`
	Members         []FailoverMemberConfig `yaml:"members"`
}

// FailoverMemberConfig is one provider's standing within a failover group.
type FailoverMemberConfig struct {
	Provider string  `yaml:"provider"`
	Priority int     `yaml:"priority"`
	Weight   float64 `yaml:"weight"`
}

// KeyConfig describes one client-facing API key seeded into the keystore
// at startup. There is no self-service key creation path; operators manage
// the list here (or behind a config-reload) and every key's limits flow
// straight into the rate limiter.
type KeyConfig struct {
	ID                 string            `yaml:"id"`
	Name               string            `yaml:"name"`
	Active             bool              `yaml:"active"`
	RequestsPerMinute  int               `yaml:"requests_per_minute"`
	RequestsPerHour    int               `yaml:"requests_per_hour"`
	ConcurrentRequests int               `yaml:"concurrent_requests"`
	ProviderCredRefs   map[string]string `yaml:"provider_credential_refs"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig controls the OpenTelemetry SDK wiring (traces + metrics
// exported over OTLP/gRPC). Left disabled, the global providers stay noop.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader loads configuration with a builder-style API.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "RUNESTONE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator registers an additional validation pass.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads configuration: defaults, then file, then environment.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks a struct recursively, overriding fields tagged
// with `env:"..."` from the process environment. Slice-of-struct fields
// (Providers) are left for the YAML source only: there is no sane flat
// env encoding for a list of provider targets.
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads configuration and panics on error. Intended for cmd/ entrypoints.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from defaults + environment only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks invariants that defaults and partial overlays cannot
// guarantee on their own.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid http port")
	}
	if c.RateLimit.DefaultRPM <= 0 {
		errs = append(errs, "rate_limit.default_rpm must be positive")
	}
	if c.RateLimit.MaxConcurrent <= 0 {
		errs = append(errs, "rate_limit.max_concurrent must be positive")
	}
	if c.Router.Policy != "default" && c.Router.Policy != "cost" {
		errs = append(errs, "router.policy must be 'default' or 'cost'")
	}
	if c.Breaker.FailureThreshold <= 0 {
		errs = append(errs, "circuit_breaker.failure_threshold must be positive")
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, "retry.max_attempts must not be negative")
	}
	if c.Overflow.Enabled && c.Overflow.DSN == "" {
		errs = append(errs, "overflow.dsn required when overflow.enabled is true")
	}

	known := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		known[p.Code] = true
	}
	for _, g := range c.Failover {
		if g.Service == "" {
			errs = append(errs, "failover_groups: service name required")
		}
		for _, m := range g.Members {
			if !known[m.Provider] {
				errs = append(errs, fmt.Sprintf("failover_groups[%s]: unknown provider %q", g.Service, m.Provider))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
