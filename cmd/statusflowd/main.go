// Package main is the entry point for the statusflow server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/pitabwire/statusflow/internal/capability"
	"github.com/pitabwire/statusflow/internal/config"
	"github.com/pitabwire/statusflow/internal/definition"
	"github.com/pitabwire/statusflow/internal/idempotency"
	"github.com/pitabwire/statusflow/internal/notify"
	"github.com/pitabwire/statusflow/internal/observability"
	"github.com/pitabwire/statusflow/internal/openapi"
	"github.com/pitabwire/statusflow/internal/projection"
	"github.com/pitabwire/statusflow/internal/transport"
	"github.com/pitabwire/statusflow/internal/workflow"
	"github.com/pitabwire/statusflow/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "statusflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load definitions and build the registry.
	registry, err := buildRegistry(cfg.Definitions, logger)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	metrics.SetDefinitionsLoaded(len(registry.Types()))

	// Step 5: Open the entity store.
	rawStore, storeCloser, err := buildEntityStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("entity store initialization failed", zap.Error(err))
		return 1
	}
	store := rawStore
	if cfg.Store.CircuitBreaker.Enabled {
		guarded := workflow.NewGuardedStore(rawStore, workflow.NewCircuitBreaker(
			cfg.Store.CircuitBreaker.FailureThreshold,
			cfg.Store.CircuitBreaker.SuccessThreshold,
			cfg.Store.CircuitBreaker.Timeout,
		))
		guarded.OnStateChange(func(s workflow.BreakerState) {
			metrics.SetStoreCircuitState(int(s))
		})
		store = guarded
	}

	// Step 6: Change delivery, with the cross-replica relay when enabled.
	notifier := notify.NewNotifier(notify.WithLogger(logger), notify.WithRecorder(metrics))
	var publisher notify.Publisher = notifier
	var relay *notify.RedisRelay
	var relayClient *redis.Client
	if cfg.Notify.Redis.Enabled {
		relayClient = redis.NewClient(&redis.Options{
			Addr: os.Getenv(cfg.Notify.Redis.AddrEnv),
			DB:   cfg.Notify.Redis.DB,
		})
		origin := cfg.Notify.Redis.InstanceID
		if origin == "" {
			host, _ := os.Hostname()
			origin = host + "-" + uuid.NewString()[:8]
		}
		relay = notify.NewRedisRelay(relayClient, cfg.Notify.Redis.Channel(), origin, notifier, logger)
		relay.SetRecorder(metrics)
		publisher = notify.Fanout{notifier, relay}
	}

	// Step 7: Authorization.
	authorizer, err := buildAuthorizer(cfg.Capability, metrics)
	if err != nil {
		logger.Error("capability initialization failed", zap.Error(err))
		return 1
	}

	// Step 8: Engine and projection.
	engine := workflow.NewEngine(registry, store, notifier, authorizer,
		workflow.WithLogger(logger),
		workflow.WithRecorder(metrics),
		workflow.WithPublisher(publisher),
	)
	proj := projection.NewProjection(registry, store, cfg.Projection.PageSize)

	// Step 9: Idempotency store (optional).
	idemStore, idemCloser := buildIdempotencyStore(cfg.Idempotency, logger)

	// Step 10: Request validation against the API document.
	validator, err := openapi.Load(ctx)
	if err != nil {
		logger.Error("API document failed to load", zap.Error(err))
		return 1
	}

	// Step 11: Authentication.
	keyfunc, err := transport.NewKeyfunc(cfg.Identity, logger)
	if err != nil {
		logger.Error("identity initialization failed", zap.Error(err))
		return 1
	}

	// Step 12: Build HTTP router.
	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() int { return len(registry.Types()) },
		Dependencies:      map[string]observability.HealthChecker{},
	}
	if hc, ok := store.(observability.HealthChecker); ok {
		readiness.Dependencies["entity_store"] = hc
	}
	if relayClient != nil {
		readiness.Dependencies["change_relay"] = observability.HealthCheckFunc(func(ctx context.Context) error {
			return relayClient.Ping(ctx).Err()
		})
	}
	if idemStore != nil {
		readiness.Dependencies["idempotency_store"] = idemStore
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Authenticate:   transport.JWTAuthenticator(cfg.Identity, keyfunc),
		Engine:         engine,
		Projection:     proj,
		Authorizer:     authorizer,
		Validator:      validator,
		Idempotency:    idemStore,
		Metrics:        metrics,
		MetricsHandler: observability.Handler(),
		Readiness:      readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 13: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if relay != nil {
		go func() {
			if err := relay.Run(bgCtx); err != nil {
				logger.Error("change relay stopped", zap.Error(err))
			}
		}()
	}

	// Step 14: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Strings("entity_types", registry.Types()),
		zap.String("definitions_checksum", registry.Checksum()),
		zap.String("store", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests. Streams
	// are hijacked and end when their subscriptions close below.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()
	notifier.Close()

	if relayClient != nil {
		_ = relayClient.Close()
	}
	if idemCloser != nil {
		idemCloser()
	}
	if storeCloser != nil {
		storeCloser(shutdownCtx)
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildRegistry registers the builtin lifecycles, when enabled, followed by
// every definition file found in the configured directories.
func buildRegistry(cfg config.DefinitionsConfig, logger *zap.Logger) (*definition.Registry, error) {
	b := definition.NewBuilder()
	if cfg.Builtin {
		if err := b.RegisterAll(definition.Builtin()); err != nil {
			return nil, err
		}
	}
	if len(cfg.Directories) > 0 {
		defs, err := definition.NewLoader().LoadAll(cfg.Directories)
		if err != nil {
			return nil, err
		}
		if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
			for _, ve := range verrs {
				logger.Error("definition validation error", zap.String("error", ve.Error()))
			}
			return nil, model.NewConfigurationError(fmt.Sprintf("%d invalid definitions", len(verrs)))
		}
		if err := b.RegisterAll(defs); err != nil {
			return nil, err
		}
	}
	registry := b.Build()
	if len(registry.Types()) == 0 {
		return nil, model.NewConfigurationError("no entity types registered")
	}
	return registry, nil
}

// buildEntityStore opens the configured store. The returned closer may be
// nil.
func buildEntityStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (workflow.EntityStore, func(context.Context), error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Warn("using in-memory entity store; entities are lost on restart")
		return workflow.NewMemoryEntityStore(), nil, nil

	case config.DriverPostgres:
		dsn := cfg.DSN()
		if dsn == "" {
			return nil, nil, fmt.Errorf("entity store: %s environment variable not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("entity store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MinConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("entity store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("entity store: ping: %w", err)
		}
		store := workflow.NewPgEntityStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("entity store: migrate: %w", err)
		}
		return store, func(context.Context) { pool.Close() }, nil

	case config.DriverMongo:
		dsn := cfg.DSN()
		if dsn == "" {
			return nil, nil, fmt.Errorf("entity store: %s environment variable not set", cfg.DSNEnv)
		}
		client, err := mongo.Connect(options.Client().
			ApplyURI(dsn).
			SetMaxPoolSize(uint64(cfg.MaxOpenConns)).
			SetMinPoolSize(uint64(cfg.MinConns)))
		if err != nil {
			return nil, nil, fmt.Errorf("entity store: connect: %w", err)
		}
		closer := func(ctx context.Context) { _ = client.Disconnect(ctx) }
		store := workflow.NewMongoEntityStore(client.Database(cfg.Database).Collection("entities"))
		if err := store.Migrate(ctx); err != nil {
			closer(ctx)
			return nil, nil, fmt.Errorf("entity store: migrate: %w", err)
		}
		return store, closer, nil

	case config.DriverSQLite:
		store, err := workflow.OpenSQLiteEntityStore(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("entity store: %w", err)
		}
		return store, func(context.Context) { _ = store.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported entity store driver: %q", cfg.Driver)
	}
}

// buildAuthorizer returns nil, which allows every transition, for the
// "none" evaluator.
func buildAuthorizer(cfg config.CapabilityConfig, metrics *observability.Metrics) (model.TransitionAuthorizer, error) {
	switch cfg.Evaluator {
	case "none":
		return nil, nil
	case "static", "":
		evaluator, err := capability.NewStaticPolicyEvaluator(cfg.StaticPolicyFile)
		if err != nil {
			return nil, fmt.Errorf("static policy: %w", err)
		}
		resolver := capability.NewResolver(evaluator, cfg.Cache.TTL)
		resolver.SetRecorder(metrics)
		return capability.NewTransitionAuthorizer(resolver, evaluator), nil
	default:
		return nil, fmt.Errorf("unsupported capability evaluator: %q", cfg.Evaluator)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func()) {
	if !cfg.Enabled {
		return nil, nil
	}

	switch cfg.Store.Driver {
	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr: os.Getenv(cfg.Store.AddrEnv),
			DB:   cfg.Store.DB,
		})
		logger.Info("using redis idempotency store")
		return idempotency.NewRedisStore(client), func() { _ = client.Close() }
	default:
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil
	}
}
