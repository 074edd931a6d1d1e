package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/italolelis/cs2_demo_downloader/internal/archive"
	"github.com/italolelis/cs2_demo_downloader/internal/cleanup"
	"github.com/italolelis/cs2_demo_downloader/internal/config"
	"github.com/italolelis/cs2_demo_downloader/internal/demos"
	"github.com/italolelis/cs2_demo_downloader/internal/downloader"
	"github.com/italolelis/cs2_demo_downloader/internal/http/rest"
	"github.com/italolelis/cs2_demo_downloader/internal/logctx"
	"github.com/italolelis/cs2_demo_downloader/internal/notifier"
	"github.com/italolelis/cs2_demo_downloader/internal/queue"
	"github.com/italolelis/cs2_demo_downloader/internal/queue/redisq"
	"github.com/italolelis/cs2_demo_downloader/internal/session"
	"github.com/italolelis/cs2_demo_downloader/internal/session/gateway"
	"github.com/italolelis/cs2_demo_downloader/internal/storage/sqlite"
	"github.com/italolelis/cs2_demo_downloader/internal/telemetry"
	"github.com/italolelis/cs2_demo_downloader/internal/transfer"
)

var version = "dev"

const workerShutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := logctx.NewLogger(os.Stdout, cfg.LogFormat, cfg.SlogLevel())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("cs2 demo downloader starting...", "version", version, "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	jobs := sqlite.NewInstrumentedJobRepository(database, tel)
	deliveries := sqlite.NewInstrumentedDeliveryRepository(database, tel)

	// =========================================================================
	// Start Queue
	instanceID := downloader.GenerateInstanceID()

	q, closeQueue, err := buildQueue(ctx, cfg, instanceID)
	if err != nil {
		return fmt.Errorf("failed to build queue: %w", err)
	}
	defer closeQueue()

	jobQueue := queue.NewInstrumentedQueue(q, tel)

	// =========================================================================
	// Start Demo Storage
	fs := afero.NewOsFs()
	if err := fs.MkdirAll(cfg.DemosPath, 0755); err != nil {
		return fmt.Errorf("failed to create demos directory: %w", err)
	}

	// =========================================================================
	// Start Coordinator Session
	var gatewayOpts []gateway.Option
	if cfg.CoordinatorInsecure {
		gatewayOpts = append(gatewayOpts, gateway.WithInsecureSkipVerify())
	}

	sessions := session.NewManager(
		gateway.NewClient(cfg.CoordinatorURL, gatewayOpts...),
		session.Credentials{Username: cfg.Steam.Username, Password: cfg.Steam.Password},
		session.WithConnectTimeout(cfg.Session.ConnectTimeout),
		session.WithRequestTimeout(cfg.Session.RequestTimeout),
		session.WithTelemetry(tel),
	)
	defer sessions.Disconnect(context.WithoutCancel(ctx))

	go func() {
		if err := sessions.Connect(ctx); err != nil {
			logger.Warn("failed to connect to the game coordinator, downloads will retry", "err", err)

			return
		}

		logger.Info("connected to the game coordinator")
	}()

	// =========================================================================
	// Start Downloader
	opts := []downloader.Option{
		downloader.WithPolicy(queue.Policy{MaxAttempts: cfg.Retry.MaxAttempts, Backoff: cfg.Retry.Backoff}),
		downloader.WithConcurrency(cfg.WorkerConcurrency),
		downloader.WithTelemetry(tel),
		downloader.WithInstanceID(instanceID),
	}

	if cfg.Webhook.Enabled {
		dispatcher := notifier.NewDispatcher(notifier.WebhookConfig{
			URL:     cfg.Webhook.URL,
			Secret:  cfg.Webhook.Secret,
			Timeout: cfg.Webhook.Timeout,
		}, deliveries, jobs, tel)

		opts = append(opts, downloader.WithCompletionHook("webhook", downloader.CompletionHookFunc(dispatcher.NotifyCompleted)))

		go setupWebhookRetries(ctx, dispatcher, cfg.Webhook.RetryInterval)
	}

	if cfg.ArchiveBucketURL != "" {
		archiver, err := archive.Open(ctx, cfg.ArchiveBucketURL, fs)
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		defer archiver.Close()

		opts = append(opts, downloader.WithCompletionHook("archive", downloader.CompletionHookFunc(archiver.Archive)))
	}

	fetcher := transfer.NewInstrumentedFetcher(transfer.NewHTTPFetcher(), tel)
	dl := downloader.NewDownloader(cfg.DemosPath, jobs, jobQueue, sessions, fetcher, fs, opts...)

	// =========================================================================
	// Start Notification
	setupNotificationForDownloader(ctx, dl, cfg)

	var workerErr error

	workersDone := make(chan struct{})

	go func() {
		defer close(workersDone)

		workerErr = dl.Run(ctx)
	}()

	// =========================================================================
	// Start Cleanup
	svc := demos.NewService(jobs, jobQueue, fs)

	if cfg.Cleanup.Enabled {
		go cleanup.NewSweeper(jobs, svc, tel).Run(ctx, cfg.Cleanup.KeepFor, cfg.Cleanup.Interval)
	}

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	// Requests keep their context while the server drains.
	server := setupServer(context.WithoutCancel(ctx), svc, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for demos...",
		"demos_path", cfg.DemosPath,
		"queue_backend", cfg.QueueBackend,
		"concurrency", cfg.WorkerConcurrency,
		"retention", cfg.Cleanup.KeepFor.String(),
	)

	var runErr error

	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
	case <-workersDone:
		runErr = errors.New("acquisition workers stopped unexpectedly")
		if workerErr != nil {
			runErr = fmt.Errorf("acquisition workers stopped: %w", workerErr)
		}
	case <-ctx.Done():
		logger.Info("start shutdown")
	}

	cancel()

	// Give outstanding requests a deadline for completion.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	select {
	case <-workersDone:
		dl.Close()
	case <-time.After(workerShutdownTimeout):
		logger.Warn("workers did not stop in time")
	}

	return runErr
}

// buildQueue returns the configured queue backend and a function releasing it.
// consumer identifies this process among the instances sharing a redis queue.
func buildQueue(ctx context.Context, cfg *config.Config, consumer string) (queue.Queue, func() error, error) {
	logger := logctx.LoggerFromContext(ctx)

	switch cfg.QueueBackend {
	case "memory":
		logger.Warn("using the in-memory queue, pending jobs are lost on restart")

		q := queue.NewMemoryQueue()

		return q, q.Close, nil
	case "redis":
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}

		cl := redis.NewClient(opt)
		if err := cl.Ping(ctx).Err(); err != nil {
			cl.Close()

			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		q := redisq.New(cl, cfg.QueueName, consumer)

		if err := q.Register(ctx); err != nil {
			cl.Close()

			return nil, nil, err
		}

		recovered, err := q.Recover(ctx)
		if err != nil {
			cl.Close()

			return nil, nil, err
		}

		if recovered > 0 {
			logger.Info("requeued jobs left active by expired instances", "count", recovered)
		}

		// The lease outlives ctx so workers draining on shutdown keep their jobs.
		leaseCtx, endLease := context.WithCancel(context.WithoutCancel(ctx))
		go q.KeepAlive(leaseCtx)

		closeFn := func() error {
			endLease()

			return errors.Join(q.Close(), cl.Close())
		}

		return q, closeFn, nil
	}

	return nil, nil, fmt.Errorf("invalid queue backend: %s", cfg.QueueBackend)
}

func setupNotificationForDownloader(ctx context.Context, dl *downloader.Downloader, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	go func() {
		for event := range dl.OnJobFailed {
			if notif == nil {
				continue
			}

			msg := notifier.JobFailedMessage(event.JobID, event.Sharecode, event.Attempts, event.Error)

			if notifyErr := notif.Notify(context.WithoutCancel(ctx), "❌ "+msg); notifyErr != nil {
				logger.Error("failed to send notification", "job_id", event.JobID, "err", notifyErr)
			}
		}
	}()
}

func setupWebhookRetries(ctx context.Context, dispatcher *notifier.Dispatcher, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("webhook retry goroutine shutting down.")

			return
		case <-ticker.C:
			sent, err := dispatcher.RetryFailed(ctx)
			if err != nil {
				logger.Error("failed to retry webhook deliveries", "err", err)

				continue
			}

			if sent > 0 {
				logger.Info("redelivered webhooks", "count", sent)
			}
		}
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, svc *demos.Service, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      rest.NewRouter(rest.NewDemoHandler(svc), tel),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
