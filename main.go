package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"pdfrag/features/document"
	"pdfrag/internal/app"
	"pdfrag/internal/config"
	"pdfrag/internal/logger"
	"pdfrag/internal/queue"
)

func main() {
	log := slog.New(logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(log)

	cliApp := &cli.App{
		Name:  "pdfrag",
		Usage: "PDF ingestion and retrieval-augmented chat",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP API and the ingestion worker as enabled by ENABLE_API and ENABLE_INGESTION_WORKER",
				Action: func(c *cli.Context) error {
					cfg, err := config.Load()
					if err != nil {
						return err
					}
					return run(c.Context, cfg, log)
				},
			},
			{
				Name:  "worker",
				Usage: "run only the ingestion worker",
				Action: func(c *cli.Context) error {
					cfg, err := config.Load(config.WorkerOnly)
					if err != nil {
						return err
					}
					return run(c.Context, cfg, log)
				},
			},
			{
				Name:      "enqueue",
				Usage:     "publish an ingestion job for a PDF already on local disk",
				ArgsUsage: "<path>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "nsqd", Usage: "nsqd TCP address (defaults to NSQD_HOST)"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("enqueue takes exactly one path", 2)
					}
					// Only the queue settings are used here.
					cfg, err := config.LoadEnv()
					if err != nil {
						return err
					}
					if addr := c.String("nsqd"); addr != "" {
						cfg.NSQDHost = addr
					}
					return enqueue(c.Context, cfg, c.Args().First())
				},
			},
		},
		DefaultCommand: "serve",
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cliApp.RunContext(ctx, os.Args); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer deps.Close()

	application, err := app.New(cfg, deps.DB, deps.VectorStore, deps.NSQProducer, logger)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	return application.Run(ctx)
}

func enqueue(ctx context.Context, cfg *config.Config, path string) error {
	producer, err := newNSQProducer(cfg.NSQDHost)
	if err != nil {
		return err
	}
	defer producer.Stop()

	p := queue.NewProducer(producer, config.TopicFileUpload, queue.WithStringPayloads(cfg.QueueStringPayloads))
	svc := document.NewService(document.NewDiskStore(cfg.UploadDir), p)

	job, err := svc.EnqueuePath(ctx, path)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "ingestion job enqueued", "job_id", job.ID, "path", job.Path)
	return nil
}
