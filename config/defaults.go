// =============================================================================
// Runestone default configuration
// =============================================================================
package config

import "time"

// DefaultConfig returns a fully-populated configuration suitable for local
// development. Production deployments override via YAML/env.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Auth:      DefaultAuthConfig(),
		RateLimit: DefaultRateLimitConfig(),
		Router:    DefaultRouterConfig(),
		Breaker:   DefaultBreakerConfig(),
		Retry:     DefaultRetryConfig(),
		Overflow:  DefaultOverflowConfig(),
		Providers: nil,
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:          4003,
		MetricsPort:       4004,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		ShutdownTimeout:   15 * time.Second,
		StreamIdleTimeout: 60 * time.Second,
	}
}

func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		KeyPrefix:  "sk-",
		JWTEnabled: false,
	}
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Backend:           "memory",
		DefaultRPM:        600,
		DefaultRPH:        20000,
		MaxConcurrent:     10,
		PerIPBurst:        50,
		PerIPRPS:          20,
		WindowGranularity: time.Second,
	}
}

func DefaultRouterConfig() RouterConfig {
	return RouterConfig{Policy: "default"}
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		CooldownPeriod:   30 * time.Second,
		HalfOpenMaxCalls: 1,
		CallTimeout:      60 * time.Second,
	}
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFrac:   0.2,
	}
}

func DefaultOverflowConfig() OverflowConfig {
	return OverflowConfig{
		Enabled:       false,
		Driver:        "sqlite",
		DSN:           "runestone_overflow.db",
		MaxQueueDepth: 1000,
		DrainInterval: 2 * time.Second,
		MaxAttempts:   5,
		ItemTTL:       30 * time.Minute,
	}
}

func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		ServiceName:  "runestone",
		OTLPEndpoint: "localhost:4317",
		SampleRate:   0.1,
	}
}
