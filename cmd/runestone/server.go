// Package main wires the gateway's components into a running process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/runestone-gateway/runestone/api/handlers"
	"github.com/runestone-gateway/runestone/config"
	"github.com/runestone-gateway/runestone/internal/failover"
	"github.com/runestone-gateway/runestone/internal/gateway"
	"github.com/runestone-gateway/runestone/internal/httpapi"
	"github.com/runestone-gateway/runestone/internal/keystore"
	"github.com/runestone-gateway/runestone/internal/metrics"
	"github.com/runestone-gateway/runestone/internal/overflow"
	"github.com/runestone-gateway/runestone/internal/ratelimit"
	"github.com/runestone-gateway/runestone/internal/server"
	"github.com/runestone-gateway/runestone/llm"
	"github.com/runestone-gateway/runestone/llm/circuitbreaker"
	"github.com/runestone-gateway/runestone/llm/retry"
)

// Server owns every long-lived component of the gateway process: the
// admission gate, the routing pipeline, the optional overflow drainer, and
// the two listeners (API + metrics).
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	admission *httpapi.Admission
	pipeline  *gateway.Pipeline
	metrics   *metrics.Collector
	overflow  *overflow.Store
	drainer   *overflow.Drainer
	stopDrain context.CancelFunc

	httpManager    *server.Manager
	metricsManager *server.Manager

	wg sync.WaitGroup
}

// NewServer assembles the gateway from cfg but does not bind any sockets.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	keys := keystore.NewStore()
	seedKeys(keys, cfg.Keys)

	providerRegistry, costTable, err := buildProviders(cfg.Providers, logger)
	if err != nil {
		return nil, fmt.Errorf("build providers: %w", err)
	}
	if providerRegistry.Len() == 0 {
		logger.Warn("no providers registered; every route will fail until providers.* credentials are set")
	}

	router := llm.NewRouter(llm.RouterOptions{
		Policy:    llm.RouterPolicy(cfg.Router.Policy),
		CostTable: costTable,
		Logger:    logger,
	})

	breakers := make(map[string]circuitbreaker.CircuitBreaker, len(cfg.Providers))
	breakerCfg := &circuitbreaker.Config{
		Threshold:        cfg.Breaker.FailureThreshold,
		Timeout:          cfg.Breaker.CallTimeout,
		ResetTimeout:     cfg.Breaker.CooldownPeriod,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
	}
	for _, pc := range cfg.Providers {
		breakers[pc.Code] = circuitbreaker.NewCircuitBreaker(breakerCfg, logger)
	}

	retryer := retry.NewBackoffRetryer(&retry.RetryPolicy{
		MaxRetries:   cfg.Retry.MaxAttempts - 1,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
		Jitter:       cfg.Retry.JitterFrac > 0,
	}, logger)

	metricsCollector := metrics.NewCollector("runestone", logger)

	pipeline := &gateway.Pipeline{
		Router:         router,
		Providers:      providerRegistry,
		Breakers:       breakers,
		Retryer:        retryer,
		Metrics:        metricsCollector,
		Logger:         logger,
		FailoverGroups: buildFailoverGroups(cfg.Failover, breakers),
	}

	jwtVerifier, err := httpapi.NewJWTVerifier(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("configure jwt auth: %w", err)
	}

	admission := &httpapi.Admission{
		Keys:        keys,
		Limiter:     ratelimit.New(),
		Metrics:     metricsCollector,
		Logger:      logger,
		OverflowTTL: cfg.Overflow.ItemTTL,
		JWT:         jwtVerifier,
		JWTLimits: ratelimit.Limits{
			RequestsPerMinute:  cfg.RateLimit.DefaultRPM,
			RequestsPerHour:    cfg.RateLimit.DefaultRPH,
			ConcurrentRequests: cfg.RateLimit.MaxConcurrent,
		},
	}

	s := &Server{cfg: cfg, logger: logger, admission: admission, pipeline: pipeline, metrics: metricsCollector}

	if cfg.Overflow.Enabled {
		store, err := openOverflowStore(cfg.Overflow, logger)
		if err != nil {
			return nil, fmt.Errorf("open overflow store: %w", err)
		}
		s.overflow = store
		admission.Overflow = store
	}

	return s, nil
}

func seedKeys(store *keystore.Store, keys []config.KeyConfig) {
	seeded := make([]*keystore.ApiKey, 0, len(keys))
	for _, k := range keys {
		seeded = append(seeded, &keystore.ApiKey{
			ID:     k.ID,
			Name:   k.Name,
			Active: k.Active,
			Limits: keystore.Limits{
				RequestsPerMinute:  k.RequestsPerMinute,
				RequestsPerHour:    k.RequestsPerHour,
				ConcurrentRequests: k.ConcurrentRequests,
			},
		})
	}
	store.Seed(seeded)
}

// buildFailoverGroups turns the configured groups into live failover.Group
// instances, one per logical model family, each wired to the matching
// circuit breaker so a member whose breaker is open is skipped without a
// wasted call.
func buildFailoverGroups(groups []config.FailoverGroupConfig, breakers map[string]circuitbreaker.CircuitBreaker) map[string]*failover.Group {
	if len(groups) == 0 {
		return nil
	}

	out := make(map[string]*failover.Group, len(groups))
	for _, gc := range groups {
		members := make([]*failover.Member, 0, len(gc.Members))
		for _, mc := range gc.Members {
			members = append(members, &failover.Member{
				Name:     mc.Provider,
				Priority: mc.Priority,
				Weight:   mc.Weight,
			})
		}

		g := failover.NewGroup(gc.Service, failover.Strategy(gc.Strategy), members, gc.HealthThreshold, gc.MaxAttempts)
		for _, mc := range gc.Members {
			breaker, ok := breakers[mc.Provider]
			if !ok {
				continue
			}
			g.SetBreakerProbe(mc.Provider, func() failover.BreakerState {
				switch breaker.State() {
				case circuitbreaker.StateOpen:
					return failover.BreakerOpen
				case circuitbreaker.StateHalfOpen:
					return failover.BreakerHalfOpen
				default:
					return failover.BreakerClosed
				}
			})
		}
		out[gc.Service] = g
	}
	return out
}

func openOverflowStore(cfg config.OverflowConfig, logger *zap.Logger) (*overflow.Store, error) {
	var dialector gorm.Dialector
	dsn := cfg.DSN
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite", "":
		if dsn == "" {
			dsn = "file:runestone-overflow.db?cache=shared"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported overflow driver: %s", cfg.Driver)
	}

	// A real (non in-memory) DSN gets its schema advanced through the
	// versioned migration set before gorm opens its own pool; AutoMigrate
	// inside overflow.NewStore then runs as a no-op safety net for the
	// in-memory test DSNs that never call this constructor.
	if dsn != "" && dsn != ":memory:" {
		if err := overflow.Migrate(cfg.Driver, dsn, logger); err != nil {
			return nil, fmt.Errorf("migrate overflow schema: %w", err)
		}
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return overflow.NewStore(db, logger)
}

// mux builds the top-level route table. It is also the dispatch target the
// overflow drainer re-enters through for a replayed request.
func (s *Server) mux() http.Handler {
	root := http.NewServeMux()

	health := handlers.NewHealthHandler(s.logger)
	root.HandleFunc("/health", health.HandleHealth)
	root.HandleFunc("/healthz", health.HandleHealthz)
	root.HandleFunc("/ready", health.HandleReady)
	root.HandleFunc("/readyz", health.HandleReady)
	root.HandleFunc("/version", health.HandleVersion(Version, BuildTime, GitCommit))

	completions := handlers.NewCompletionsHandler(s.pipeline, s.logger)
	completions.IdleTimeout = s.cfg.Server.StreamIdleTimeout
	models := handlers.NewModelsHandler(s.pipeline.Router)
	embeddings := handlers.NewEmbeddingsHandler(s.pipeline.Router, s.pipeline.Providers, s.logger)

	api := http.NewServeMux()
	api.HandleFunc("/v1/chat/completions", completions.HandleChatCompletions)
	api.HandleFunc("/v1/completions", completions.HandleCompletions)
	api.HandleFunc("/v1/models", models.HandleList)
	api.HandleFunc("/v1/models/", models.HandleGet)
	api.HandleFunc("/v1/embeddings", embeddings.Handle)

	root.Handle("/v1/", s.admission.Middleware(api))

	return root
}

// handler wraps mux with the ambient chain common to every route, health
// endpoints included -- recovery and request logging apply regardless of
// whether a request ever reaches admission.
func (s *Server) handler(mux http.Handler) http.Handler {
	return Chain(mux,
		Recovery(s.logger),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metrics),
		OTelTracing(),
		SecurityHeaders(),
		RequestID(),
		CORS(nil),
		RateLimiter(context.Background(), s.cfg.RateLimit.PerIPRPS, s.cfg.RateLimit.PerIPBurst, s.logger),
	)
}

// Start binds the API and metrics listeners and, if overflow is enabled,
// starts the drainer. It does not block.
func (s *Server) Start() error {
	routes := s.mux()
	handler := s.handler(routes)

	apiConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.httpManager = server.NewManager(handler, apiConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("start http listener: %w", err)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.metricsManager = server.NewManager(metricsMux, metricsConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return fmt.Errorf("start metrics listener: %w", err)
	}

	if s.overflow != nil {
		interval := s.cfg.Overflow.DrainInterval
		if interval <= 0 {
			interval = 5 * time.Second
		}
		replay := newOverflowReplayer(s.admission, routes, s.logger)
		s.drainer = overflow.NewDrainer(s.overflow, replay, interval, 10, s.logger)
		drainCtx, cancel := context.WithCancel(context.Background())
		s.stopDrain = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.drainer.Run(drainCtx)
		}()
	}

	s.logger.Info("runestone started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("overflow_enabled", s.overflow != nil),
	)
	return nil
}

// WaitForShutdown blocks until the API listener receives a shutdown signal,
// then tears everything down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown gracefully stops both listeners and the drainer.
func (s *Server) Shutdown() {
	s.logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.stopDrain != nil {
		s.stopDrain()
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics shutdown error", zap.Error(err))
		}
	}

	s.wg.Wait()
	s.logger.Info("shutdown complete")
}
