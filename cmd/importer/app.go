package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"import-worker-service/internal/awsconfig"
	"import-worker-service/internal/config"
	"import-worker-service/internal/entity"
	"import-worker-service/internal/logger"
	"import-worker-service/internal/notify"
	"import-worker-service/internal/repository/memory"
	"import-worker-service/internal/repository/postgresql"
	"import-worker-service/internal/service"
	"import-worker-service/internal/storage"
	"import-worker-service/internal/worker"
)

// jobStore is what both the submission path and the worker need.
type jobStore interface {
	service.JobStore
	worker.JobStore
}

type recordStore interface {
	Write(ctx context.Context, jobID uuid.UUID, records []entity.Record) error
}

// app lazily builds adapters from the config and shares them between the
// API and an embedded worker.
type app struct {
	cfg config.Config
	log *zap.Logger

	pg      *pgxpool.Pool
	rdb     *redis.Client
	awsCfg  *aws.Config
	jobs    jobStore
	records recordStore
	files   storage.Storage
	queue   service.Queue
	reaper  service.Reaper
	notif   *notify.Notifier

	closers []func()
}

func newApp(configFile string) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Env, cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}
	a.closers = append(a.closers, func() { _ = log.Sync() })
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if a.pg != nil {
		return a.pg, nil
	}
	dsn := a.cfg.Postgres.DSN
	if dsn == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
	}
	if a.cfg.Postgres.Migrate {
		if err := postgresql.Migrate(dsn); err != nil {
			return nil, err
		}
	}
	pool, err := postgresql.NewPool(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: %w", err)
	}
	a.log.Info("postgres connected", zap.String("dsn", config.RedactDSN(dsn)))
	a.pg = pool
	a.closers = append(a.closers, pool.Close)
	return pool, nil
}

func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.rdb != nil {
		return a.rdb, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	return rdb, nil
}

func (a *app) awsConfig(ctx context.Context) (aws.Config, error) {
	if a.awsCfg != nil {
		return *a.awsCfg, nil
	}
	cfg, err := awsconfig.Load(ctx, awsconfig.Options{
		Region:          a.cfg.AWS.Region,
		Endpoint:        a.cfg.AWS.Endpoint,
		AccessKeyID:     a.cfg.AWS.AccessKeyID,
		SecretAccessKey: a.cfg.AWS.SecretAccessKey,
	})
	if err != nil {
		return aws.Config{}, err
	}
	a.awsCfg = &cfg
	return cfg, nil
}

// stores returns PostgreSQL repositories, or in-memory ones when no DSN is
// configured. The in-memory pair only makes sense with an embedded worker.
func (a *app) stores(ctx context.Context) (jobStore, recordStore, error) {
	if a.jobs != nil {
		return a.jobs, a.records, nil
	}
	if a.cfg.Postgres.DSN == "" {
		a.log.Warn("postgres.dsn not set, jobs and records are kept in memory")
		a.jobs, a.records = memory.NewJobRepository(), memory.NewRecordRepository()
		return a.jobs, a.records, nil
	}
	pool, err := a.postgres(ctx)
	if err != nil {
		return nil, nil, err
	}
	a.jobs, a.records = postgresql.NewJobRepository(pool), postgresql.NewRecordRepository(pool)
	return a.jobs, a.records, nil
}

func (a *app) fileStorage(ctx context.Context) (storage.Storage, error) {
	if a.files != nil {
		return a.files, nil
	}
	switch a.cfg.Storage.Driver {
	case config.DriverS3:
		cfg, err := a.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		client := storage.NewS3Client(cfg, a.cfg.AWS.Endpoint)
		a.files = storage.NewS3(client, a.cfg.Storage.S3Bucket, a.cfg.Storage.S3Prefix)
	default:
		local, err := storage.NewLocal(a.cfg.Storage.Dir)
		if err != nil {
			return nil, err
		}
		a.files = local
	}
	return a.files, nil
}

func (a *app) channel(ctx context.Context) (service.Queue, service.Reaper, error) {
	if a.queue != nil {
		return a.queue, a.reaper, nil
	}
	switch a.cfg.Channel.Driver {
	case config.DriverSQS:
		cfg, err := a.awsConfig(ctx)
		if err != nil {
			return nil, nil, err
		}
		client := sqs.NewFromConfig(cfg)
		a.queue = service.NewSQSQueue(client, a.cfg.Channel.SQSQueueURL, a.cfg.Channel.VisibilityTimeout)
	case config.DriverLocal:
		a.queue = service.NewLocalQueue(256)
	default:
		rdb, err := a.redisClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		q := service.NewRedisQueue(rdb, service.DefaultRedisKeys(a.cfg.Channel.KeyPrefix))
		a.queue, a.reaper = q, q
	}
	return a.queue, a.reaper, nil
}

func (a *app) notifier(ctx context.Context) (*notify.Notifier, error) {
	if a.notif != nil {
		return a.notif, nil
	}
	var pub notify.Publisher
	switch a.cfg.Notify.Driver {
	case config.DriverSNS:
		cfg, err := a.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		pub = notify.NewSNSPublisher(sns.NewFromConfig(cfg), a.cfg.Notify.SNSTopicARN)
	case config.DriverRedis:
		rdb, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		pub = notify.NewRedisPublisher(rdb, a.cfg.Notify.RedisPrefix)
	default:
		pub = notify.NewLogPublisher(a.log)
	}
	a.notif = notify.New(pub, a.log)
	return a.notif, nil
}

func (a *app) settings() worker.Settings {
	return worker.Settings{
		Delimiter:       a.cfg.Import.DelimiterRune(),
		Mode:            a.cfg.Import.ValidationMode(),
		SkipLimit:       a.cfg.Import.SkipLimit,
		ChunkSize:       a.cfg.Import.ChunkSize,
		StrategyWorkers: a.cfg.Import.StrategyWorkers,
	}
}
