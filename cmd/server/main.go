package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/banking/txmonitor/internal/aggregator"
	"github.com/banking/txmonitor/internal/api"
	"github.com/banking/txmonitor/internal/cases"
	"github.com/banking/txmonitor/internal/classifier"
	"github.com/banking/txmonitor/internal/config"
	"github.com/banking/txmonitor/internal/domain"
	"github.com/banking/txmonitor/internal/events"
	"github.com/banking/txmonitor/internal/geo"
	"github.com/banking/txmonitor/internal/ingest"
	"github.com/banking/txmonitor/internal/metrics"
	"github.com/banking/txmonitor/internal/pipeline"
	"github.com/banking/txmonitor/internal/pkg/logger"
	"github.com/banking/txmonitor/internal/pkg/telemetry"
	"github.com/banking/txmonitor/internal/postgres"
	"github.com/banking/txmonitor/internal/rules"
	"github.com/banking/txmonitor/internal/state"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(cfg.Telemetry.ServiceName, cfg.Telemetry.Environment, cfg.Telemetry.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log = log.TeeFile(logger.FileOptions{
		Path:       cfg.Telemetry.LogFile,
		MaxSizeMB:  cfg.Telemetry.LogMaxSizeMB,
		MaxBackups: cfg.Telemetry.LogMaxBackups,
		MaxAgeDays: cfg.Telemetry.LogMaxAgeDays,
	})
	defer log.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Tracing and metrics
	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, version, log)
	if err != nil {
		log.Fatal("failed to initialize tracing", zap.Error(err))
	}
	m := metrics.New()
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	windows := cfg.State.WindowSpecs()

	// 4. Entity window state
	store, closeStore := newStore(ctx, cfg, windows, m, log)
	defer closeStore()

	// 5. Geography
	directory := geo.NewDirectory(cfg.Geo.CountryRatings, cfg.Geo.HighRiskCountries, cfg.Geo.SanctionedCountries)
	var resolver geo.Resolver
	if cfg.Geo.CountryDBPath != "" {
		r, err := geo.OpenGeoIP(cfg.Geo.CountryDBPath)
		if err != nil {
			log.Fatal("failed to open geoip database", zap.Error(err))
		}
		defer r.Close()
		resolver = r
	}

	// 6. Case storage and rule-set history
	var (
		caseRepo cases.Repository = cases.NewMemoryRepository()
		history  *postgres.RuleSetRepository
	)
	if cfg.Database.Host != "" {
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			log.Fatal("failed to connect to postgres", zap.Error(err))
		}
		defer pool.Close()
		if err := postgres.Migrate(ctx, pool); err != nil {
			log.Fatal("failed to migrate schema", zap.Error(err))
		}
		caseRepo = postgres.NewCaseRepository(pool)
		history = postgres.NewRuleSetRepository(pool)
		log.Info("case store: postgres", zap.String("host", cfg.Database.Host))
	} else {
		log.Warn("case store: in-memory, cases are lost on restart")
	}

	// 7. Rule engine
	engine := rules.NewEngine(rules.DefaultRegistry(), rules.DefaultPlugins(), windows, directory, log)
	if history != nil {
		engine.WithHistory(history)
	}
	loadRules(ctx, cfg, engine, history, log)

	// 8. Classifier and aggregation
	var model classifier.Model
	if cfg.Classifier.Endpoint != "" {
		model = classifier.NewHTTPModel(cfg.Classifier.Endpoint, time.Second)
	} else {
		log.Warn("classifier disabled, scoring on rules only")
	}
	adapter := classifier.NewAdapter(model, windows, classifier.Options{
		Timeout:            cfg.Classifier.Timeout,
		BreakerMaxFailures: cfg.Classifier.BreakerMaxFailures,
		BreakerOpenTimeout: cfg.Classifier.BreakerOpenTimeout,
	}, log, m)
	agg, err := aggregator.New(aggregator.Policy{
		ReviewThreshold: cfg.Scoring.ReviewThreshold,
		BlockThreshold:  cfg.Scoring.BlockThreshold,
		BlendMode:       cfg.Scoring.BlendMode,
		BlendFactor:     cfg.Scoring.BlendFactor,
	})
	if err != nil {
		log.Fatal("invalid scoring policy", zap.Error(err))
	}

	// 9. Event streams
	var publisher events.Publisher
	if cfg.Kafka.Enabled() {
		publisher, err = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Version, log)
		if err != nil {
			log.Fatal("failed to create kafka producer", zap.Error(err))
		}
	} else {
		publisher = events.NewMemoryPublisher(1000)
	}
	defer publisher.Close()

	notifyCtx, stopNotifier := context.WithCancel(context.Background())
	notifier := events.NewCaseNotifier(publisher, cfg.Kafka.CaseEventsTopic, cfg.Cases.NotifyQueueSize, log, m)
	go notifier.Run(notifyCtx)
	decisions := events.NewDecisionPublisher(publisher, cfg.Kafka.DecisionsTopic, m)

	// 10. Case manager
	caseMgr := cases.NewManager(caseRepo, cases.Policy{
		CorrelationWindow:  cfg.Cases.CorrelationWindow,
		DismissTTL:         cfg.Cases.DismissTTL,
		AutoEscalateBlocks: cfg.Cases.AutoEscalateBlocks,
	}, notifier, log, m)
	go caseMgr.RunDismissSweeper(ctx, cfg.Cases.DismissInterval)

	// 11. Pipeline
	pipe := pipeline.New(pipeline.Components{
		Store:      store,
		Rules:      engine,
		Classifier: adapter,
		Aggregator: agg,
		Cases:      caseMgr,
		Resolver:   resolver,
	}, pipeline.Options{
		Partitions:      cfg.Pipeline.Partitions,
		QueueDepth:      cfg.Pipeline.QueueDepth,
		LatencyBudget:   cfg.Pipeline.LatencyBudget,
		ReplayCacheSize: cfg.Pipeline.ReplayCache,
	}, log, m)

	// 12. Kafka ingestion
	var consumer *ingest.Consumer
	consumerDone := make(chan struct{})
	if cfg.Kafka.Enabled() {
		handler := ingest.NewHandler(pipe, decisions, log, m)
		consumer, err = ingest.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, cfg.Kafka.TransactionTopic, cfg.Kafka.Version, handler, log)
		if err != nil {
			log.Fatal("failed to create kafka consumer", zap.Error(err))
		}
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(ctx); err != nil {
				log.Error("kafka consumer stopped", zap.Error(err))
			}
		}()
	} else {
		close(consumerDone)
		log.Info("kafka disabled, accepting transactions over http only")
	}

	// 13. HTTP API
	e := api.NewServer(cfg, api.Deps{
		Evaluator: pipe,
		Cases:     caseMgr,
		Rules:     engine,
		Metrics:   m,
		Log:       log,
	})
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	go func() {
		if err := e.Start(serverAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	log.Info("transaction monitor started",
		zap.String("addr", serverAddr),
		zap.String("version", version),
		zap.String("rule_set_version", engine.Active().Version),
		zap.Int("partitions", cfg.Pipeline.Partitions),
	)

	// Wait for interrupt signal to gracefully shutdown the server with a timeout
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", zap.Error(err))
	}
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			log.Error("kafka consumer close failed", zap.Error(err))
		}
	}
	cancel()
	<-consumerDone

	// queued transactions finish before case events stop flowing
	pipe.Close()
	stopNotifier()
	notifier.Wait()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics shutdown failed", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("tracer shutdown failed", zap.Error(err))
	}

	log.Info("server exited properly")
}

// newStore builds the configured window store
func newStore(ctx context.Context, cfg *config.Config, windows []domain.WindowSpec, m *metrics.Metrics, log *logger.Logger) (state.Store, func()) {
	opts := state.Options{Windows: windows, MaxEntriesPerEntity: cfg.State.MaxEntriesPerEntity}

	if cfg.State.Backend == "redis" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:        []string{cfg.Redis.Addr()},
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		store := state.NewRedisStore(client, cfg.Redis.KeyPrefix, opts)
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			// evaluation fails open until redis comes back
			log.Error("redis unreachable at startup", zap.Error(err))
		}
		log.Info("window store: redis", zap.String("addr", cfg.Redis.Addr()))
		return store, func() { _ = client.Close() }
	}

	store := state.NewMemoryStore(opts)
	go store.RunSweeper(ctx, cfg.State.SweepInterval, func(removed int) {
		m.SetTrackedEntities(store.Entities())
		if removed > 0 {
			log.Debug("evicted idle entities", zap.Int("removed", removed))
		}
	})
	log.Info("window store: memory")
	return store, func() {}
}

// loadRules activates the rule file, then the latest persisted version, then
// the built-in set. Watching starts only when the file loaded.
func loadRules(ctx context.Context, cfg *config.Config, engine *rules.Engine, history *postgres.RuleSetRepository, log *logger.Logger) {
	loader := rules.NewFileLoader(engine, cfg.Rules.Path, log)
	_, err := loader.Load(ctx)
	if err == nil {
		if cfg.Rules.Watch {
			go loader.Watch(ctx)
		}
		return
	}
	log.Warn("rule file not loaded", zap.String("path", cfg.Rules.Path), zap.Error(err))

	if history != nil {
		set, err := history.Latest(ctx)
		switch {
		case err != nil:
			log.Warn("rule-set history unavailable", zap.Error(err))
		case set != nil:
			if _, err := engine.Load(ctx, *set); err == nil {
				return
			}
		}
	}

	if _, err := engine.Load(ctx, rules.DefaultRuleSet()); err != nil {
		log.Fatal("built-in rule set rejected", zap.Error(err))
	}
}
