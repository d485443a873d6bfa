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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/courier/internal/api"
	"github.com/lalithlochan/courier/internal/clock"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/health"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/observ"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/service"
	"github.com/lalithlochan/courier/internal/sns"
	"github.com/lalithlochan/courier/internal/sqs"
	"github.com/lalithlochan/courier/internal/stream"
	"github.com/lalithlochan/courier/internal/suppression"
	"github.com/lalithlochan/courier/internal/webhook"
	"github.com/lalithlochan/courier/internal/worker"
)

// store is everything the gateway needs from the message store. Both
// *db.Repository and *db.MemoryRepository satisfy it.
type store interface {
	service.Store
	worker.Store
	webhook.Store
	suppression.Store
	health.Store
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger("courier", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting courier gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clk := clock.Real{}

	// Message store
	var (
		repo     store
		database *db.DB
	)
	switch cfg.StoreDriver {
	case config.StoreMemory:
		logger.Warn("using in-memory store, messages will not survive a restart")
		repo = db.NewMemoryRepository(logger)
	default:
		database, err = db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
			MaxConns: int32(cfg.DBMaxConns),
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()
		repo = db.NewRepository(database, logger)
	}

	// Redis backs idempotency, synthetic webhook dedup and rate limits. The
	// interfaces stay nil when it is absent so callers skip those checks.
	var (
		redisClient      *redis.Client
		idempotency      api.Idempotency
		dedup            webhook.Deduper
		apiLimiter       api.Limiter
		recipientLimiter suppression.Limiter
	)
	if cfg.RedisHost != "" {
		redisClient, err = redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, idempotency and rate limits disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
			redisClient = nil
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
		idem := redis.NewIdempotencyService(redisClient, logger)
		idempotency = idem
		dedup = idem
		apiLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.APIRateLimit,
			Window: cfg.APIRateWindow,
		})
		recipientLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RecipientRateLimit,
			Window: cfg.RecipientRateWindow,
		})
	}

	// Channel health
	registry := health.NewRegistry(health.Config{
		MinSamples:             int64(cfg.HealthMinSamples),
		DegradedFailureRate:    cfg.HealthDegradedFailureRate,
		DownFailureRate:        cfg.HealthDownFailureRate,
		DegradedBounceRate:     cfg.HealthDegradedBounceRate,
		DownBounceRate:         cfg.HealthDownBounceRate,
		MaxConsecutiveFailures: int64(cfg.HealthMaxConsecutive),
		RecoveryTimeout:        cfg.HealthRecoveryTimeout,
		ReconcileInterval:      cfg.HealthReconcileInterval,
	}, repo, clk, logger)
	if err := registry.Restore(ctx); err != nil {
		logger.Warn("failed to restore channel health, starting healthy", zap.Error(err))
	}

	filter := suppression.NewFilter(repo, recipientLimiter, suppression.Config{
		SoftBounceThreshold: cfg.SoftBounceThreshold,
	}, clk, logger)

	// Status fan-out: websocket clients always, the SNS topic when configured.
	hub := stream.NewHub(logger)
	notifiers := db.Notifiers{hub}

	var publisher *sns.Publisher
	if cfg.SNSStatusTopic != "" || cfg.SESEnabled {
		publisher, err = sns.NewPublisher(ctx, sns.Config{
			Region:   cfg.AWSRegion,
			TopicARN: cfg.SNSStatusTopic,
			Endpoint: cfg.AWSEndpoint,
		}, logger)
		if err != nil {
			logger.Warn("sns publisher unavailable, status topic disabled", zap.Error(err))
			publisher = nil
		}
	}
	if publisher != nil && cfg.SNSStatusTopic != "" {
		notifiers = append(notifiers, publisher)
	}

	senders, err := buildSenders(ctx, cfg, logger)
	if err != nil {
		return err
	}
	router := worker.NewMultiSender(logger, senders...)

	dispatcher := worker.New(repo, router, registry, filter, notifiers, clk, worker.Config{
		PollInterval:        cfg.DispatchPoll,
		BatchSize:           cfg.DispatchBatchSize,
		Workers:             cfg.DispatchWorkers,
		DegradedConcurrency: cfg.DegradedConcurrency,
		MaxAttempts:         cfg.MaxAttempts,
		SendTimeout:         cfg.SendTimeout,
		BackoffCap:          cfg.BackoffCap,
		ReapInterval:        cfg.ReapInterval,
		StaleAfter:          cfg.StaleClaimAfter,
	}, logger)

	// Provider callbacks
	var confirmer webhook.Confirmer
	if publisher != nil {
		confirmer = publisher
	}
	normalizer := webhook.NewNormalizer(repo, registry, filter, dedup, notifiers, clk, webhook.Config{
		DedupWindow: cfg.WebhookDedupWindow,
	}, logger)
	normalizer.Register("postal", webhook.PostalAdapter{})
	normalizer.Register("ses", webhook.NewSESAdapter(confirmer, logger))
	normalizer.Register("twilio", webhook.TwilioAdapter{})
	normalizer.Register("push", webhook.PushAdapter{})

	var consumer *sqs.Consumer
	if cfg.SQSNotifyQueue != "" {
		consumer, err = sqs.NewConsumer(ctx, sqs.Config{
			Region:            cfg.AWSRegion,
			QueueURL:          cfg.SQSNotifyQueue,
			Endpoint:          cfg.AWSEndpoint,
			Provider:          "ses",
			WaitTimeSeconds:   int32(cfg.SQSWaitSeconds),
			VisibilityTimeout: int32(cfg.SQSVisibility),
		}, normalizer, logger)
		if err != nil {
			return fmt.Errorf("failed to create sqs consumer: %w", err)
		}
	}

	svc := service.New(repo, filter, registry, notifiers, clk, service.Config{
		MaxBulkRecipients: cfg.MaxBulkRecipients,
	}, logger)

	// Background loops
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { hub.Run(gctx); return nil })
	g.Go(func() error { registry.Run(gctx); return nil })
	g.Go(func() error { dispatcher.Start(gctx); return nil })
	g.Go(func() error { reportPoolStats(gctx, database, redisClient); return nil })
	if consumer != nil {
		g.Go(func() error { consumer.Run(gctx); return nil })
	}

	logger.Info("background workers started",
		zap.Int("senders", len(senders)),
		zap.Bool("sqs_consumer", consumer != nil),
		zap.Bool("redis", redisClient != nil),
	)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	var handler *api.Handler
	if idempotency != nil {
		handler = api.NewHandlerWithIdempotency(logger, svc, normalizer, idempotency)
	} else {
		handler = api.NewHandler(logger, svc, normalizer)
	}
	handler.WithStream(hub).Mount(r, api.RateLimitMiddleware(apiLimiter, cfg.APIRateLimit, logger, api.ClientKeyFunc))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if database != nil {
			if err := database.Health(r.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		cancel()
		_ = g.Wait()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		srv.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	// In-flight sends finish their outcome commits before the loops return.
	if err := g.Wait(); err != nil {
		return fmt.Errorf("background worker: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}

// buildSenders picks one provider per channel from what is configured.
// Outside production, channels with no provider fall through to the log
// sender so the pipeline can run locally.
func buildSenders(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]worker.Sender, error) {
	var senders []worker.Sender

	// Email
	switch {
	case cfg.SESEnabled:
		ses, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:           cfg.AWSRegion,
			FromEmail:        cfg.SESFromEmail,
			ConfigurationSet: cfg.SESConfigSet,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES email sender: %w", err)
		}
		senders = append(senders, ses)
	case cfg.PostalBaseURL != "":
		senders = append(senders, worker.NewPostalSender(logger, worker.PostalConfig{
			BaseURL:   cfg.PostalBaseURL,
			APIKey:    cfg.PostalAPIKey,
			FromEmail: cfg.PostalFromEmail,
		}))
	}

	// SMS
	switch {
	case cfg.SNSSMSEnabled:
		smsSender, err := worker.NewSNSSender(ctx, worker.SNSConfig{
			Region:   cfg.AWSRegion,
			SenderID: cfg.SNSSenderID,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SNS sms sender: %w", err)
		}
		senders = append(senders, smsSender)
	case cfg.TwilioAccountSID != "":
		twilio, err := worker.NewTwilioSender(worker.TwilioConfig{
			AccountSID:     cfg.TwilioAccountSID,
			AuthToken:      cfg.TwilioAuthToken,
			FromNumber:     cfg.TwilioFromNumber,
			StatusCallback: cfg.TwilioStatusCallback,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create twilio sender: %w", err)
		}
		senders = append(senders, twilio)
	}

	// Push
	if cfg.FirebaseProjectID != "" {
		fcm, err := worker.NewFCMSender(ctx, worker.FCMConfig{
			ProjectID:       cfg.FirebaseProjectID,
			CredentialsFile: cfg.FirebaseCredentialsFile,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create FCM sender: %w", err)
		}
		senders = append(senders, fcm)
	}

	if cfg.Env != "production" {
		senders = append(senders, worker.NewLogSender(logger))
	}

	for _, ch := range db.Channels {
		routed := false
		for _, s := range senders {
			if s.SupportsChannel(ch) {
				logger.Info("channel provider selected",
					zap.String("channel", string(ch)),
					zap.String("provider", s.Name()),
				)
				routed = true
				break
			}
		}
		if !routed {
			logger.Warn("no provider configured, messages will fail permanently",
				zap.String("channel", string(ch)),
			)
		}
	}

	return senders, nil
}

// reportPoolStats exports connection pool sizes until ctx is cancelled.
func reportPoolStats(ctx context.Context, database *db.DB, redisClient *redis.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		if database != nil {
			metrics.SetDBConnections(database.TotalConns())
		}
		if redisClient != nil {
			metrics.SetRedisConnections(redisClient.TotalConns())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
