package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nsqio/go-nsq"
	"golang.org/x/sync/errgroup"

	"pdfrag/features/chat"
	"pdfrag/features/document"
	"pdfrag/features/job"
	"pdfrag/features/stats"
	"pdfrag/internal/config"
	"pdfrag/internal/middleware"
	"pdfrag/internal/pdf"
	"pdfrag/internal/queue"
	"pdfrag/internal/retrieval"
	"pdfrag/internal/text"
	"pdfrag/internal/worker"
)

const shutdownTimeout = 30 * time.Second

// VectorStore is everything the application needs from the vector database.
type VectorStore interface {
	worker.VectorStore
	retrieval.Searcher
	CountChunks(ctx context.Context, collection string) (int, error)
}

// Options replaces configured providers, mainly for tests.
type Options struct {
	Embedder  Embedder
	Completer retrieval.Completer
	Loader    worker.Loader
}

type App struct {
	Handler   http.Handler
	Documents *document.Service
	Jobs      *job.Service
	Retrieval *retrieval.Service
	Ingestor  *worker.Ingestor
	Consumer  *worker.IngestionConsumer

	cfg     *config.Config
	closers []func() error
}

func New(
	cfg *config.Config,
	db *sql.DB,
	vecStore VectorStore,
	taskPub queue.Publisher,
	logger *slog.Logger,
	opts ...*Options,
) (*App, error) {
	ctx := context.Background()
	o := &Options{}
	if len(opts) > 0 && opts[0] != nil {
		o = opts[0]
	}
	a := &App{cfg: cfg}

	// Providers
	embedder := o.Embedder
	if embedder == nil {
		e, closeFn, err := newEmbedder(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("embedding provider: %w", err)
		}
		embedder = e
		a.closers = append(a.closers, closeFn)
	}

	completer := o.Completer
	if completer == nil && cfg.EnableAPI {
		c, closeFn, err := newCompleter(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("completion provider: %w", err)
		}
		completer = c
		a.closers = append(a.closers, closeFn)
	}

	// Feature: Job (dead letters)
	jobRepo := job.NewPostgresRepo(db)
	a.Jobs = job.NewService(jobRepo, taskPub, logger)
	jobHandler := job.NewHandler(a.Jobs)

	// Feature: Document
	producer := queue.NewProducer(taskPub, config.TopicFileUpload, queue.WithStringPayloads(cfg.QueueStringPayloads))
	a.Documents = document.NewService(document.NewDiskStore(cfg.UploadDir), producer)
	documentHandler := document.NewHandler(a.Documents, cfg.MaxUploadSizeMB)

	// Feature: Stats
	statsHandler := stats.NewHandler(jobRepo, vecStore, cfg.CollectionName)

	// Ingestion
	loader := o.Loader
	if loader == nil {
		loader = pdf.NewLoader()
	}
	a.Ingestor = worker.NewIngestor(loader, text.NewChunker(cfg.ChunkSize, cfg.ChunkOverlap), embedder, vecStore,
		cfg.CollectionName, worker.WithCallTimeout(cfg.CallTimeout()))

	if cfg.EnableIngestionWorker {
		consumer, err := worker.NewIngestionConsumer(a.Ingestor, a.Jobs, cfg.IngestionConcurrency,
			worker.WithMaxAttempts(cfg.IngestionMaxAttempts),
			worker.WithBackpressureDelay(cfg.BackpressureDelay()),
			worker.WithJobTimeout(cfg.JobTimeout()),
		)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("ingestion consumer: %w", err)
		}
		a.Consumer = consumer
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("GET /{$}", middleware.CorrelationID(middleware.CORS(rootHandler)))
	mux.Handle("GET /health", middleware.CorrelationID(middleware.CORS(healthHandler)))

	mux.Handle("POST /upload/pdf", middleware.CorrelationID(middleware.CORS(documentHandler.Upload)))

	mux.Handle("GET /jobs/failed", middleware.CorrelationID(middleware.CORS(jobHandler.List)))
	mux.Handle("POST /jobs/{id}/retry", middleware.CorrelationID(middleware.CORS(jobHandler.Retry)))

	mux.Handle("GET /stats", middleware.CorrelationID(middleware.CORS(statsHandler.GetStats)))

	// Feature: Chat
	if completer != nil {
		queryLogger, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
		if err != nil {
			slog.Warn("failed to create query logger, falling back to stdout", "error", err)
			queryLogger = retrieval.NewQueryLogger(os.Stdout)
		}
		a.closers = append(a.closers, queryLogger.Close)

		a.Retrieval = retrieval.NewService(embedder, vecStore, completer, cfg.CollectionName,
			retrieval.WithTopK(cfg.RetrievalTopK),
			retrieval.WithCallTimeout(cfg.CallTimeout()),
			retrieval.WithQueryLogger(queryLogger),
		)
		chatHandler := chat.NewHandler(a.Retrieval)
		mux.Handle("GET /chat", middleware.CorrelationID(middleware.CORS(chatHandler.Chat)))
	}

	// Preflight for every route.
	mux.Handle("OPTIONS /", middleware.CORS(func(w http.ResponseWriter, r *http.Request) {}))

	a.Handler = mux
	return a, nil
}

// Run serves HTTP and consumes ingestion jobs, as enabled in the config,
// until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	if !a.cfg.EnableAPI && a.Consumer == nil {
		return errors.New("nothing to run: both the API and the ingestion worker are disabled")
	}

	g, ctx := errgroup.WithContext(ctx)

	if a.Consumer != nil {
		nsqConsumer, err := a.startConsumer()
		if err != nil {
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			slog.Info("stopping ingestion consumer...")
			return a.Consumer.Shutdown(nsqConsumer.Stop, nsqConsumer.StopChan, shutdownTimeout)
		})
	}

	if a.cfg.EnableAPI {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.ServerPort),
			Handler:           a.Handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("server starting", "port", a.cfg.ServerPort)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			slog.Info("shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func (a *App) startConsumer() (*nsq.Consumer, error) {
	nsqCfg := nsq.NewConfig()
	nsqCfg.MaxInFlight = a.cfg.IngestionConcurrency
	// Redelivery limits are enforced by the ingestion consumer, which
	// dead-letters instead of dropping.
	nsqCfg.MaxAttempts = 0

	consumer, err := nsq.NewConsumer(config.TopicFileUpload, config.ChannelIngestion, nsqCfg)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer error: %w", err)
	}
	consumer.SetLogger(nsqLogger{}, nsq.LogLevelWarning)
	consumer.AddHandler(a.Consumer)

	if a.cfg.NSQLookupd != "" {
		err = consumer.ConnectToNSQLookupd(a.cfg.NSQLookupd)
	} else {
		err = consumer.ConnectToNSQD(a.cfg.NSQDHost)
	}
	if err != nil {
		consumer.Stop()
		return nil, fmt.Errorf("nsq connect error: %w", err)
	}
	slog.Info("ingestion consumer connected", "topic", config.TopicFileUpload, "channel", config.ChannelIngestion, "concurrency", a.cfg.IngestionConcurrency)
	return consumer, nil
}

// Close releases provider clients and the query log.
func (a *App) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("failed to close resource", "error", err)
		}
	}
	a.closers = nil
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"OK"}`))
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// nsqLogger routes go-nsq's internal logging into slog.
type nsqLogger struct{}

func (nsqLogger) Output(calldepth int, s string) error {
	slog.Warn("nsq", "message", s)
	return nil
}
