package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"docchat/internal/bootstrap"
	"docchat/internal/config"
	httptransport "docchat/internal/transport/http"
	"docchat/internal/worker"
)

func main() {
	app := &cli.App{
		Name:  "docchat",
		Usage: "Upload PDFs and ask questions about them",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API",
				Action: serveCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "with-worker",
						Usage: "Also consume ingestion jobs and run the sweeper in this process",
					},
				},
			},
			{
				Name:   "worker",
				Usage:  "Consume ingestion jobs and sweep stale uploads",
				Action: workerCommand,
			},
			{
				Name:   "sweep",
				Usage:  "Fail uploads stuck in processing once and exit",
				Action: sweepCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setupLogger(c *cli.Context) error {
	var level slog.Level
	switch strings.ToLower(c.String("log-level")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", c.String("log-level"))
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

func newApp(ctx context.Context) (*bootstrap.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	app, err := bootstrap.New(ctx, cfg, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("bootstrap failed: %w", err)
	}
	slog.Info("app ready",
		"storage", cfg.Storage.Backend,
		"vectors", cfg.Ingestion.VectorBackend,
		"queue", cfg.RabbitMQ.ProcessFileQueue,
	)
	return app, nil
}

func closeApp(app *bootstrap.App) {
	if err := app.Close(); err != nil {
		slog.Error("close resources failed", "error", err)
	}
}

func serveCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer closeApp(app)

	var consumerDone <-chan struct{}
	var consumerErr func() error
	if c.Bool("with-worker") {
		consumer, stopWorker, err := startWorker(ctx, app)
		if err != nil {
			return err
		}
		defer stopWorker()
		consumerDone, consumerErr = consumer.Done(), consumer.Err
	}

	server := &http.Server{
		Addr:              app.Config.HTTPAddr(),
		Handler:           httptransport.NewRouter(app),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	if consumerDone != nil {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-consumerDone:
				return consumerStopped(consumerErr())
			}
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func workerCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer closeApp(app)

	consumer, stopWorker, err := startWorker(ctx, app)
	if err != nil {
		return err
	}
	defer stopWorker()

	select {
	case <-ctx.Done():
		slog.Info("worker shutting down")
		return nil
	case <-consumer.Done():
		return consumerStopped(consumer.Err())
	}
}

func startWorker(ctx context.Context, app *bootstrap.App) (*worker.Consumer, func(), error) {
	consumer := app.Consumer()
	if err := consumer.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("start ingestion consumer failed: %w", err)
	}
	sweeper := app.Sweeper()
	sweeper.Start(ctx)
	return consumer, func() {
		consumer.Close()
		sweeper.Close()
	}, nil
}

// consumerStopped turns a broker-side consumer exit into a process error so
// a supervisor can restart it. A nil err means shutdown was requested.
func consumerStopped(err error) error {
	if err == nil {
		slog.Info("worker shutting down")
		return nil
	}
	return fmt.Errorf("ingestion consumer stopped: %w", err)
}

func sweepCommand(c *cli.Context) error {
	app, err := newApp(c.Context)
	if err != nil {
		return err
	}
	defer closeApp(app)

	n, err := app.Sweeper().Sweep(c.Context)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	fmt.Printf("failed %d stale uploads\n", n)
	return nil
}
