package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/linker/config"
	"github.com/Ramsey-B/linker/db"
	"github.com/Ramsey-B/linker/internal/repositories/blockindex"
	"github.com/Ramsey-B/linker/internal/repositories/entitydata"
	"github.com/Ramsey-B/linker/internal/repositories/feedback"
	linkingrepo "github.com/Ramsey-B/linker/internal/repositories/linking"
	"github.com/Ramsey-B/linker/internal/repositories/linkingid"
	"github.com/Ramsey-B/linker/internal/repositories/linklog"
	"github.com/Ramsey-B/linker/internal/repositories/permission"
	"github.com/Ramsey-B/linker/pkg/auth"
	"github.com/Ramsey-B/linker/pkg/candidates"
	"github.com/Ramsey-B/linker/pkg/database"
	"github.com/Ramsey-B/linker/pkg/events"
	"github.com/Ramsey-B/linker/pkg/features"
	"github.com/Ramsey-B/linker/pkg/graph"
	"github.com/Ramsey-B/linker/pkg/ingest"
	"github.com/Ramsey-B/linker/pkg/kafka"
	"github.com/Ramsey-B/linker/pkg/lease"
	"github.com/Ramsey-B/linker/pkg/linking"
	"github.com/Ramsey-B/linker/pkg/matching"
	"github.com/Ramsey-B/linker/pkg/middleware"
	"github.com/Ramsey-B/linker/pkg/redis"
	"github.com/Ramsey-B/linker/pkg/routes/health"
	feedbackroutes "github.com/Ramsey-B/linker/pkg/routes/feedback"
	linkingroutes "github.com/Ramsey-B/linker/pkg/routes/linking"
	"github.com/Ramsey-B/linker/pkg/scoring"
	"github.com/Ramsey-B/linker/pkg/startup"
)

// app holds everything the process builds. Fields are filled in by the startup dependencies in
// dependency order.
type app struct {
	cfg       *config.Config
	logger    ectologger.Logger
	extractor *features.Extractor
	models    *scoring.ModelHandle
	scorer    *scoring.Scorer
	health    *health.Checker

	db          database.DB
	entities    *entitydata.Repository
	blocks      *blockindex.Repository
	feedback    *feedback.Repository
	links       *linkingrepo.Repository
	linkLog     *linklog.Repository
	linkingIDs  *linkingid.Repository
	permissions *permission.Repository

	redis       *redis.Client
	deadLetters *redis.DeadLetterQueue
	graph       *graph.Client
	producer    *kafka.Producer
	listeners   []linking.ClusterListener

	source   *candidates.Source
	service  *linking.Service
	consumer *kafka.Consumer
	server   *echo.Echo
}

func newApp(cfg *config.Config, logger ectologger.Logger) (*app, error) {
	schema, err := cfg.FeatureSchema()
	if err != nil {
		return nil, err
	}
	extractor, err := features.NewExtractor(schema)
	if err != nil {
		return nil, err
	}

	models := scoring.NewModelHandle(nil)
	if cfg.LinkingModelPath != "" {
		model, err := scoring.LoadLogisticModel(cfg.LinkingModelPath, extractor.Width())
		if err != nil {
			return nil, fmt.Errorf("failed to load scoring model: %w", err)
		}
		models.Swap(model)
	} else {
		logger.Warn("LINKING_MODEL_PATH is not set, every batch will use the scorer fallback")
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		extractor: extractor,
		models:    models,
		scorer:    scoring.NewScorer(models, scoring.FallbackPolicy(cfg.LinkingScorerFallback), logger),
	}

	checks := map[string]health.Pinger{
		"database": health.PingFunc(func(ctx context.Context) error {
			if a.db == nil {
				return errors.New("database not connected")
			}
			return a.db.PingContext(ctx)
		}),
	}
	if cfg.RedisEnabled {
		checks["redis"] = health.PingFunc(func(ctx context.Context) error {
			if a.redis == nil {
				return errors.New("redis not connected")
			}
			return a.redis.Ping(ctx)
		})
	}
	var discovery health.Heartbeat
	if cfg.LinkingBackgroundEnabled {
		discovery = a
	}
	a.health = health.NewChecker(checks, discovery, cfg.LinkingHeartbeatMaxAge, cfg.Version)

	return a, nil
}

// Heartbeat and Healthy let the health checker see discovery before it is built.
func (a *app) Heartbeat() time.Time {
	if a.source == nil {
		return time.Time{}
	}
	return a.source.Heartbeat()
}

func (a *app) Healthy(maxAge time.Duration) bool {
	return a.source != nil && a.source.Healthy(maxAge)
}

func (a *app) dependencies() []startup.StartupDependency {
	deps := []startup.StartupDependency{
		&startup.Dependency{Name: "postgres", StartFunc: a.startPostgres, StopFunc: a.stopPostgres},
	}
	if a.cfg.RedisEnabled {
		deps = append(deps, &startup.Dependency{Name: "redis", StartFunc: a.startRedis, StopFunc: a.stopRedis})
	}
	if a.cfg.GraphDBEnabled {
		deps = append(deps, &startup.Dependency{Name: "graph", StartFunc: a.startGraph, StopFunc: a.stopGraph})
	}
	if a.cfg.KafkaProducerEnabled {
		deps = append(deps, &startup.Dependency{Name: "kafka-producer", StartFunc: a.startProducer, StopFunc: a.stopProducer})
	}
	deps = append(deps, &startup.Dependency{
		Name:      "linking",
		Requires:  []string{"postgres", "redis", "graph", "kafka-producer"},
		StartFunc: a.startLinking,
		StopFunc:  a.stopLinking,
	})
	if a.cfg.KafkaConsumerEnabled {
		deps = append(deps, &startup.Dependency{
			Name:      "kafka-consumer",
			Requires:  []string{"postgres", "redis"},
			StartFunc: a.startConsumer,
			StopFunc:  a.stopConsumer,
		})
	}
	deps = append(deps, &startup.Dependency{
		Name:      "http",
		Requires:  []string{"postgres", "linking"},
		StartFunc: a.startHTTP,
		StopFunc:  a.stopHTTP,
	})
	return deps
}

func (a *app) startPostgres(ctx context.Context) error {
	if a.db != nil {
		return nil
	}
	conn, err := database.Connect(ctx, a.cfg.Database(), a.logger)
	if err != nil {
		return err
	}
	migrations := database.NewMigrationService(db.Postgres, db.PostgresDir, a.cfg.Migration(), a.logger)
	if err := migrations.Migrate(conn.SQL()); err != nil {
		_ = conn.Close()
		return err
	}

	a.db = conn
	a.entities = entitydata.NewRepository(conn, a.logger)
	a.blocks = blockindex.NewRepository(conn, a.entities, a.cfg.LinkingBlockSize, a.logger)
	a.feedback = feedback.NewRepository(conn, a.logger)
	a.links = linkingrepo.NewRepository(conn, a.logger)
	a.linkLog = linklog.NewRepository(conn, a.logger)
	a.linkingIDs = linkingid.NewRepository(conn, a.logger)
	a.permissions = permission.NewRepository(conn, a.logger)
	return nil
}

func (a *app) stopPostgres(_ context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *app) startRedis(ctx context.Context) error {
	if a.redis != nil {
		return nil
	}
	client, err := redis.NewClient(ctx, a.cfg.Redis(), a.logger)
	if err != nil {
		return err
	}
	a.redis = client
	a.deadLetters = redis.NewDeadLetterQueue(client, a.cfg.RedisDLQName, a.logger)
	return nil
}

func (a *app) stopRedis(_ context.Context) error {
	if a.redis == nil {
		return nil
	}
	return a.redis.Close()
}

func (a *app) startGraph(ctx context.Context) error {
	if a.graph != nil {
		return nil
	}
	client, err := graph.NewClient(a.cfg.Graph(), a.logger)
	if err != nil {
		return err
	}
	if err := client.VerifyConnectivity(ctx); err != nil {
		_ = client.Close(ctx)
		return err
	}
	a.graph = client
	a.listeners = append(a.listeners, graph.NewClusterProjector(client, a.logger))
	return nil
}

func (a *app) stopGraph(ctx context.Context) error {
	if a.graph == nil {
		return nil
	}
	return a.graph.Close(ctx)
}

func (a *app) startProducer(_ context.Context) error {
	if a.producer != nil {
		return nil
	}
	a.producer = kafka.NewProducer(a.cfg.Producer(), a.logger)
	a.listeners = append(a.listeners, events.NewEmitter(a.producer, a.logger))
	return nil
}

func (a *app) stopProducer(_ context.Context) error {
	if a.producer == nil {
		return nil
	}
	return a.producer.Close()
}

func (a *app) startLinking(ctx context.Context) error {
	if a.service == nil {
		var leases lease.Manager
		if a.cfg.LinkingLeaseBackend == "redis" {
			leases = lease.NewRedisManager(a.redis.Redis(), "linker:lease:", a.cfg.LinkingLeaseTTL, a.logger)
		} else {
			leases = lease.NewMemoryManager(a.cfg.LinkingLeaseTTL, nil)
		}

		var queue candidates.Queue
		if a.cfg.LinkingQueueBackend == "redis" {
			queue = candidates.NewRedisQueue(a.redis.Redis(), a.cfg.LinkingQueueKey, a.logger)
		} else {
			queue = candidates.NewChannelQueue(4 * a.cfg.LinkingLoadSize)
		}

		matcher := matching.NewMatcher(a.extractor, a.scorer, a.feedback, matching.Config{InitThreshold: a.cfg.LinkingInitThreshold}, a.logger)
		engine := linking.NewEngine(linking.Collaborators{
			Blocker:   a.blocks,
			Loader:    a.entities,
			Queries:   a.links,
			LinkLog:   a.linkLog,
			IDs:       a.linkingIDs,
			Feedback:  a.feedback,
			Matcher:   matcher,
			Listeners: a.listeners,
		}, a.cfg.Engine(), a.logger)

		a.source = candidates.NewSource(a.links, leases, queue, a.cfg.Discovery(), a.logger)
		a.service = linking.NewService(engine, a.source, queue, leases, a.cfg.Service(), a.logger)
	}
	return a.service.Start(ctx)
}

func (a *app) stopLinking(ctx context.Context) error {
	if a.service == nil {
		return nil
	}
	return a.service.Stop(ctx)
}

func (a *app) startConsumer(ctx context.Context) error {
	if a.consumer == nil {
		processor := ingest.NewProcessor(a.db, a.entities, a.blocks, a.extractor, a.logger)
		var deadLetters kafka.DeadLetters
		if a.deadLetters != nil {
			deadLetters = a.deadLetters
		}
		a.consumer = kafka.NewConsumer(a.cfg.Consumer(), a.logger, processor.Handle, deadLetters)
	}
	return a.consumer.Start(ctx)
}

func (a *app) stopConsumer(ctx context.Context) error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Stop(ctx)
}

func (a *app) startHTTP(ctx context.Context) error {
	if a.server != nil {
		return nil
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(a.logger)
	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{AllowOrigins: a.cfg.AllowOrigins}))
	e.Use(otelecho.Middleware(a.cfg.AppName))
	e.Use(middleware.Context(!a.cfg.AuthEnabled))
	e.Use(middleware.Logger(a.logger))
	if a.cfg.AuthEnabled {
		verifier, err := middleware.NewVerifier(ctx, a.cfg.AuthIssuerURL, a.cfg.AuthClientID)
		if err != nil {
			return err
		}
		e.Use(middleware.Authentication(a.logger, verifier, "/api/v1/health", "/metrics"))
	}

	a.health.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	authz := auth.NewAuthorizer(a.permissions, a.cfg.AuthEnabled, a.logger)
	feedbackroutes.NewHandler(a.feedback, a.entities, matching.NewMatcher(a.extractor, a.scorer, a.feedback, matching.DefaultConfig(), a.logger),
		authz, a.extractor.Schema().PropertyTypeIDs(), a.logger).Register(e.Group("/api/v1/linking/feedback"))

	var loadModel linkingroutes.ModelLoader
	if a.cfg.LinkingModelPath != "" {
		loadModel = func() (scoring.Model, error) {
			model, err := scoring.LoadLogisticModel(a.cfg.LinkingModelPath, a.extractor.Width())
			if err != nil {
				return nil, err
			}
			return model, nil
		}
	}
	var deadLetters linkingroutes.DeadLetters
	if a.deadLetters != nil {
		deadLetters = a.deadLetters
	}
	linkingroutes.NewHandler(a.links, authz, a.models, loadModel, deadLetters, linkingroutes.Config{
		LinkableTypes: a.cfg.LinkingEntityTypes,
		Blacklist:     a.cfg.LinkingBlacklist,
	}, a.logger).Register(e.Group("/api/v1/linking"))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Port),
		ReadTimeout:  time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second,
	}
	server.MaxHeaderBytes = a.cfg.MaxHeaderBytes

	go func() {
		if err := e.StartServer(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("HTTP server stopped")
		}
	}()
	a.server = e
	return nil
}

func (a *app) stopHTTP(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}
