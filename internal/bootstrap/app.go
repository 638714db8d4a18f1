package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"docchat/internal/ai"
	"docchat/internal/app"
	"docchat/internal/blob"
	"docchat/internal/cache"
	"docchat/internal/config"
	"docchat/internal/handoff"
	"docchat/internal/notify"
	"docchat/internal/pipeline"
	"docchat/internal/pkg/tokencount"
	gcsClient "docchat/internal/platform/gcs"
	mysqlClient "docchat/internal/platform/mysql"
	postgresClient "docchat/internal/platform/postgres"
	rabbitmqClient "docchat/internal/platform/rabbitmq"
	redisClient "docchat/internal/platform/redis"
	"docchat/internal/repository"
	"docchat/internal/vectorindex"
	"docchat/internal/worker"
)

// App holds every connection and store shared by the server, the worker and
// the sweeper.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	MySQL    *gorm.DB
	Postgres *pgxpool.Pool
	Redis    *redis.Client
	MQConn   *amqp.Connection
	GCS      *storage.Client

	AI            *ai.Client
	Blobs         blob.Store
	Index         vectorindex.Index
	Uploads       *repository.UploadRepository
	Conversations *repository.ConversationRepository
	History       *cache.ConversationCache
	Handoff       *handoff.Store
	Notifier      *notify.QueueNotifier

	jobs      *rabbitmqClient.Publisher
	notifyPub *rabbitmqClient.Publisher

	StartedAt time.Time
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger, StartedAt: time.Now()}
	if err := a.connect(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	a.wire()
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	cfg := a.Config
	var err error

	if a.MySQL, err = mysqlClient.New(ctx, cfg.MySQLDSN()); err != nil {
		return err
	}
	if a.Redis, err = redisClient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		return err
	}
	if a.MQConn, err = rabbitmqClient.New(ctx, cfg.RabbitMQ.URL); err != nil {
		return err
	}

	a.AI = ai.NewClient(ai.Config{
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		ChatModel:      cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
	})

	switch cfg.Ingestion.VectorBackend {
	case "memory":
		a.Logger.Warn("using in-memory vector index, chunks are lost on restart")
		a.Index = vectorindex.NewMemoryIndex(a.AI)
	default:
		if a.Postgres, err = postgresClient.New(ctx, cfg.Postgres.DSN, cfg.LLM.EmbeddingDimension); err != nil {
			return err
		}
		a.Index = vectorindex.NewPGVectorIndex(a.Postgres, a.AI)
	}

	switch cfg.Storage.Backend {
	case "gcs":
		if a.GCS, err = gcsClient.New(ctx, cfg.Storage.Bucket); err != nil {
			return err
		}
		a.Blobs = blob.NewGCSStore(a.GCS, cfg.Storage.Bucket, a.Logger)
	default:
		local, err := blob.NewLocalStore(cfg.Storage.LocalDir)
		if err != nil {
			return err
		}
		a.Blobs = local
	}
	return nil
}

func (a *App) wire() {
	cfg := a.Config
	a.Uploads = repository.NewUploadRepository(a.MySQL)
	a.Conversations = repository.NewConversationRepository(a.MySQL)
	a.History = cache.NewConversationCache(a.Redis, a.Conversations, cfg.CacheTTL(), a.Logger)
	a.Handoff = handoff.NewStore(a.Redis, cfg.HandoffTTL())
	a.jobs = rabbitmqClient.NewPublisher(a.MQConn, cfg.RabbitMQ.ProcessFileQueue)
	a.notifyPub = rabbitmqClient.NewPublisher(a.MQConn, cfg.RabbitMQ.NotificationQueue)
	a.Notifier = notify.NewQueueNotifier(a.notifyPub)
}

func (a *App) UploadService() *app.UploadService {
	return app.NewUploadService(app.UploadDeps{
		Uploads:       a.Uploads,
		Handoff:       a.Handoff,
		Jobs:          a.jobs,
		Blobs:         a.Blobs,
		Chunks:        a.Index,
		Conversations: a.Conversations,
		History:       a.History,
		SharedDir:     a.Config.Ingestion.SharedDir,
		SignedURLTTL:  a.Config.SignedURLTTL(),
		Logger:        a.Logger,
	})
}

func (a *App) ConversationService() *app.ConversationService {
	return app.NewConversationService(
		a.Uploads,
		a.History,
		a.Conversations,
		a.Index,
		a.AI,
		app.WithTokenCounter(tokencount.NewTiktoken(a.Logger), a.Config.Conversation.HistoryTokenBudget),
		app.WithConversationLogger(a.Logger),
	)
}

func (a *App) IngestionJob() *worker.IngestionJob {
	return worker.NewIngestionJob(worker.JobDeps{
		Handoff:  a.Handoff,
		Uploads:  a.Uploads,
		Blobs:    a.Blobs,
		Indexer:  pipeline.New(a.AI, a.Index, pipeline.WithLogger(a.Logger)),
		Chunks:   a.Index,
		Notifier: a.Notifier,
		Logger:   a.Logger,
	})
}

func (a *App) Consumer() *worker.Consumer {
	return worker.NewConsumer(a.MQConn, a.Config.RabbitMQ.ProcessFileQueue, a.Config.Ingestion.Concurrency, a.IngestionJob(), a.Logger)
}

func (a *App) Sweeper() *worker.Sweeper {
	return worker.NewSweeper(a.Uploads, a.Notifier, a.Config.StaleAfter(), a.Config.SweepInterval(), a.Logger)
}

// Checks pings the dependencies the running process holds.
func (a *App) Checks() map[string]func(ctx context.Context) error {
	checks := map[string]func(ctx context.Context) error{
		"mysql":    func(ctx context.Context) error { return pingMySQL(ctx, a.MySQL) },
		"redis":    func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() },
		"rabbitmq": func(ctx context.Context) error { return rabbitmqClient.Ping(ctx, a.MQConn) },
	}
	if a.Postgres != nil {
		checks["postgres"] = a.Postgres.Ping
	}
	return checks
}

func pingMySQL(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (a *App) Close() error {
	var errs []error
	if a.jobs != nil {
		errs = append(errs, a.jobs.Close())
	}
	if a.notifyPub != nil {
		errs = append(errs, a.notifyPub.Close())
	}
	if a.MQConn != nil && !a.MQConn.IsClosed() {
		errs = append(errs, a.MQConn.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.Postgres != nil {
		a.Postgres.Close()
	}
	if a.GCS != nil {
		errs = append(errs, a.GCS.Close())
	}
	if a.MySQL != nil {
		errs = append(errs, mysqlClient.Close(a.MySQL))
	}
	return errors.Join(errs...)
}

