package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"go.uber.org/zap"

	"github.com/Ramsey-B/sage/config"
	"github.com/Ramsey-B/sage/internal/repositories/mergeaudit"
	"github.com/Ramsey-B/sage/internal/repositories/mergecandidate"
	"github.com/Ramsey-B/sage/internal/repositories/profile"
	"github.com/Ramsey-B/sage/internal/repositories/submission"
	"github.com/Ramsey-B/sage/pkg/database"
	"github.com/Ramsey-B/sage/pkg/duplicates"
	"github.com/Ramsey-B/sage/pkg/events"
	"github.com/Ramsey-B/sage/pkg/extractor"
	"github.com/Ramsey-B/sage/pkg/graph"
	"github.com/Ramsey-B/sage/pkg/kafka"
	"github.com/Ramsey-B/sage/pkg/lock"
	"github.com/Ramsey-B/sage/pkg/matching"
	"github.com/Ramsey-B/sage/pkg/merging"
	"github.com/Ramsey-B/sage/pkg/profiles"
	"github.com/Ramsey-B/sage/pkg/profilesync"
	"github.com/Ramsey-B/sage/pkg/rebuild"
	sageredis "github.com/Ramsey-B/sage/pkg/redis"
	"github.com/Ramsey-B/sage/pkg/routes"
	"github.com/Ramsey-B/sage/pkg/startup"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

const checkpointTTL = 7 * 24 * time.Hour

// app holds the connected infrastructure and the services built on it.
type app struct {
	cfg     *config.Config
	logger  ectologger.Logger
	startup *startup.Startup

	db       database.DB
	redis    *sageredis.Client
	graph    *graph.Client
	producer *kafka.Producer

	profiles   *profiles.Service
	sync       *profilesync.Sync
	detector   *duplicates.Detector
	candidates *mergecandidate.Repository
	merger     *merging.Merger
	reviewer   *merging.Reviewer
	rebuilder  *rebuild.Rebuilder

	shutdownTracing func(context.Context) error
}

func newLogger(cfg *config.Config) (ectologger.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
	}
	zcfg.Level = level

	zl, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return zapadapter.NewZapEctoLogger(zl, nil), nil
}

func fmtAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}

// newApp starts every enabled dependency in order and wires the services.
// withProducer controls whether profile events are published to kafka.
func newApp(ctx context.Context, cfg *config.Config, withProducer bool) (*app, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	exporter, err := tracing.NewExporter(ctx, tracing.ExporterConfig{
		Endpoint: cfg.OTLPEndpoint,
		Protocol: cfg.OTLPProtocol,
		Insecure: cfg.OTLPInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	a := &app{
		cfg:             cfg,
		logger:          logger,
		startup:         startup.NewStartup(logger, cfg.StartupMaxAttempts),
		shutdownTracing: tracing.Setup(cfg.AppName, exporter),
	}

	a.startup.AddDependency(&startup.Func{
		Name:      "database",
		StartFunc: a.connectDatabase,
		StopFunc: func(context.Context) error {
			if instance, ok := a.db.(*database.DatabaseInstance); ok {
				return instance.Close()
			}
			return nil
		},
	})
	if cfg.RedisEnabled {
		a.startup.AddDependency(&startup.Func{
			Name: "redis",
			StartFunc: func(ctx context.Context) error {
				client, err := sageredis.NewClient(ctx, sageredis.Config{
					Host:     cfg.RedisHost,
					Port:     cfg.RedisPort,
					Password: cfg.RedisPassword,
					DB:       cfg.RedisDB,
				}, logger)
				if err != nil {
					return err
				}
				a.redis = client
				return nil
			},
			StopFunc: func(context.Context) error {
				if a.redis == nil {
					return nil
				}
				return a.redis.Close()
			},
		})
	}
	if cfg.GraphEnabled {
		a.startup.AddDependency(&startup.Func{
			Name: "graph",
			StartFunc: func(ctx context.Context) error {
				client, err := graph.NewClient(graph.Config{
					Host:     cfg.GraphDBHost,
					Port:     cfg.GraphDBPort,
					Username: cfg.GraphDBUser,
					Password: cfg.GraphDBPassword,
				}, logger)
				if err != nil {
					return err
				}
				if err := client.VerifyConnectivity(ctx); err != nil {
					_ = client.Close(ctx)
					return err
				}
				a.graph = client
				return nil
			},
			StopFunc: func(ctx context.Context) error {
				if a.graph == nil {
					return nil
				}
				return a.graph.Close(ctx)
			},
		})
	}
	if withProducer && cfg.KafkaProducerEnabled {
		a.startup.AddDependency(&startup.Func{
			Name: "kafka_producer",
			StartFunc: func(context.Context) error {
				a.producer = kafka.NewProducer(kafka.ProducerConfig{
					Brokers:      cfg.KafkaBrokers,
					Topic:        cfg.KafkaOutputTopic,
					BatchSize:    cfg.KafkaBatchSize,
					BatchTimeout: cfg.KafkaBatchTimeout(),
					RequiredAcks: cfg.KafkaRequiredAcks,
					Compression:  cfg.KafkaCompression,
				}, logger)
				return nil
			},
			StopFunc: func(context.Context) error {
				if a.producer == nil {
					return nil
				}
				return a.producer.Close()
			},
		})
	}

	if err := a.startup.Start(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}

	a.wire()
	return a, nil
}

func (a *app) connectDatabase(ctx context.Context) error {
	cfg := a.cfg
	db, err := database.Connect(ctx, database.Config{
		Host:            cfg.DatabaseHost,
		Port:            cfg.DatabasePort,
		User:            cfg.DatabaseUserName,
		Password:        cfg.DatabasePassword,
		Name:            cfg.DatabaseName,
		SSLMode:         cfg.DatabaseSSLMode,
		MaxOpenConns:    cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
	}, a.logger)
	if err != nil {
		return err
	}
	if instance, ok := a.db.(*database.DatabaseInstance); ok {
		_ = instance.Close()
	}
	a.db = db

	if !cfg.DatabaseAutoMigrate {
		return nil
	}
	instance, ok := db.(*database.DatabaseInstance)
	if !ok {
		return errors.New("database does not support migrations")
	}
	return database.NewMigrationService(a.logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             cfg.DatabaseMigrationVersion,
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	}).MigratePostgres(instance.DB, cfg.DatabaseName)
}

func (a *app) wire() {
	cfg, logger := a.cfg, a.logger

	profileRepo := profile.NewRepository(a.db, logger)
	submissionRepo := submission.NewRepository(a.db, logger)
	auditRepo := mergeaudit.NewRepository(a.db, logger)
	a.candidates = mergecandidate.NewRepository(a.db, logger)

	var projector graph.Projector = graph.NoopProjector{}
	if a.graph != nil {
		projector = graph.NewProfileService(a.graph, logger)
	}

	var publisher events.Publisher
	if a.producer != nil {
		publisher = a.producer
	}
	emitter := events.NewEmitter(publisher, logger)

	var locker lock.Locker = lock.NewMemoryLocker()
	var checkpoints rebuild.CheckpointStore = rebuild.NewMemoryCheckpointStore()
	if a.redis != nil {
		locker = sageredis.NewLocker(a.redis, cfg.RedisKeyPrefix)
		checkpoints = sageredis.NewCheckpointStore(a.redis, cfg.RedisKeyPrefix, checkpointTTL)
	}

	ext := extractor.NewExtractor(nil, cfg.PhoneNormalizer, logger).WithStrictEmails(cfg.StrictEmailShape)
	scorer := matching.NewConfidenceScorer(cfg.NameSimilarityMode)

	a.profiles = profiles.NewService(profileRepo, submissionRepo, auditRepo, nil, ext, profiles.Config{
		DefaultLimit: cfg.ProfileListDefaultLimit,
		MaxLimit:     cfg.ProfileListMaxLimit,
	}, logger)
	a.sync = profilesync.NewSync(profileRepo, submissionRepo, a.candidates, ext, scorer, emitter, projector, profilesync.Config{
		PlaceholderName: cfg.PlaceholderName,
		RecordConflicts: cfg.RecordIdentifierConflicts,
	}, logger)
	a.detector = duplicates.NewDetector(profileRepo, scorer, duplicates.Config{
		DefaultMinConfidence:  cfg.DuplicateMinConfidence,
		DefaultMinSubmissions: cfg.DuplicateMinSubmissions,
		DefaultLimit:          cfg.DuplicateLimit,
		MaxLimit:              cfg.DuplicateMaxLimit,
		ScanSize:              cfg.DuplicateScanSize,
	}, logger)
	a.merger = merging.NewMerger(profileRepo, a.candidates, auditRepo, emitter, projector, merging.Config{
		ConfidenceFloor: cfg.MergeConfidenceFloor,
		Penalty:         cfg.MergeConfidencePenalty,
	}, logger)
	a.reviewer = merging.NewReviewer(a.candidates, profileRepo, a.merger, logger)
	a.rebuilder = rebuild.NewRebuilder(submissionRepo, profileRepo, ext, checkpoints, locker, projector, rebuild.Config{
		PageSize:        cfg.RebuildPageSize,
		WriteBatchSize:  cfg.RebuildWriteBatchSize,
		LockTTL:         cfg.RebuildLockTTL(),
		PlaceholderName: cfg.PlaceholderName,
	}, logger)
}

func (a *app) handler() *routes.ProfileHandler {
	return routes.NewProfileHandler(a.profiles, a.sync, a.detector, a.candidates, a.merger, a.reviewer, a.rebuilder, a.logger)
}

type pinger interface {
	PingContext(ctx context.Context) error
}

func (a *app) registerChecks(health *routes.Checker) {
	if p, ok := a.db.(pinger); ok {
		health.AddCheck("database", p.PingContext)
	}
	if a.redis != nil {
		health.AddCheck("redis", a.redis.Ping)
	}
	if a.graph != nil {
		health.AddCheck("graph", a.graph.VerifyConnectivity)
	}
}

func (a *app) close(ctx context.Context) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(a.cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := a.startup.Stop(stopCtx); err != nil {
		a.logger.WithContext(stopCtx).WithError(err).Warn("Failed to stop dependencies")
	}
	if err := a.shutdownTracing(stopCtx); err != nil {
		a.logger.WithContext(stopCtx).WithError(err).Warn("Failed to flush traces")
	}
}
