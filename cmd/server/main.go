package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"chatconsole/internal/awsutil"
	"chatconsole/internal/config"
	"chatconsole/internal/domain"
	"chatconsole/internal/events"
	"chatconsole/internal/httpserver"
	"chatconsole/internal/logging"
	"chatconsole/internal/media"
	"chatconsole/internal/observability"
	"chatconsole/internal/providers/line"
	sqsqueue "chatconsole/internal/queue/sqs"
	"chatconsole/internal/realtime"
	"chatconsole/internal/service"
	"chatconsole/internal/store/pg"
)

func main() {
	cfg := config.LoadServer()
	log := logging.Init("chat-server", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		log.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	if cfg.DBAutoMigrate {
		if err := pg.Migrate(ctx, db); err != nil {
			log.Error("db migrate failed", "err", err)
			os.Exit(1)
		}
	}

	reg := prometheus.DefaultRegisterer
	observability.Register(reg)
	observability.RegisterPool(reg, db)

	s3Client, err := awsutil.NewS3Client(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		log.Error("s3 client init failed", "err", err)
		os.Exit(1)
	}

	var (
		filters    realtime.FilterStore = realtime.NewMemoryFilterStore()
		redisCheck httpserver.ReadyzCheck
	)
	if cfg.RedisAddr != "" {
		rdb, err := realtime.NewRedisClient(ctx, realtime.RedisOptions{
			Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB, PoolSize: cfg.RedisPoolSize,
		})
		if err != nil {
			log.Error("redis connect failed", "err", err, "addr", cfg.RedisAddr)
			os.Exit(1)
		}
		defer rdb.Close()
		filters = &realtime.RedisFilterStore{Client: rdb}
		redisCheck = func(c context.Context) error { return rdb.Ping(c).Err() }
	} else {
		log.Info("REDIS_ADDR not set, agent group filters are kept in memory")
	}

	publisher := newPublisher(ctx, cfg, log)
	defer publisher.Close()

	hub := realtime.NewHub(log)
	exportLoc, err := time.LoadLocation(cfg.TranscriptTimezone)
	if err != nil {
		log.Error("invalid TRANSCRIPT_TZ", "err", err, "tz", cfg.TranscriptTimezone)
		os.Exit(1)
	}

	svc := &service.ChatService{
		Store: pg.New(db),
		Provider: &line.Client{
			HTTP:            &http.Client{Timeout: cfg.ProviderTimeout + time.Second},
			APIBaseURL:      cfg.LineAPIBaseURL,
			DataBaseURL:     cfg.LineDataBaseURL,
			MaxContentBytes: cfg.MaxContentBytes,
		},
		Media:     media.NewS3Uploader(s3Client, cfg.S3Bucket, cfg.S3Prefix, cfg.AWSRegion, cfg.S3PublicBaseURL),
		Broadcast: realtime.Broadcaster{Hub: hub},
		Events:    publisher,
		Filters:   filters,
		Rooms:     hub,
		Limiter:   rate.NewLimiter(rate.Limit(cfg.ProviderRPS), cfg.ProviderBurst),
		Breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "line-push",
			MaxRequests: cfg.BreakerMaxRequests,
			Interval:    cfg.BreakerInterval,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				if c.Requests < cfg.BreakerMinRequests {
					return false
				}
				return float64(c.TotalFailures)/float64(c.Requests) >= cfg.BreakerFailureRatio
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			},
		}),
		Log:             log,
		ProviderTimeout: cfg.ProviderTimeout,
		FetchTimeout:    cfg.FetchTimeout,
		UploadTimeout:   cfg.UploadTimeout,
		ExportLocation:  exportLoc,
	}

	pollErrCh := make(chan error, 1)
	if cfg.InboundQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			log.Error("sqs client init failed", "err", err)
			os.Exit(1)
		}
		svc.Queue = &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.InboundQueueURL}
		consumer := &sqsqueue.Consumer{
			SQS: sqsClient, QueueURL: cfg.InboundQueueURL, Log: log,
			WaitTimeSeconds:   cfg.SQSWaitTime,
			MaxMessages:       cfg.SQSMaxMsgs,
			VisibilityTimeout: cfg.SQSVizTimeout,
		}
		go func() {
			log.Info("inbound consumer starting", "queue_url", cfg.InboundQueueURL, "workers", cfg.InboundConcurrency)
			pollErrCh <- consumer.PollConcurrent(ctx, cfg.InboundConcurrency, inboundHandler(svc, cfg.InboundProcessTimeout, log))
		}()
	}

	s := httpserver.New()
	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
		redisCheck,
	))
	(&httpserver.Webhook{Svc: svc, Log: log}).Register(s.Mux)
	(&httpserver.API{
		Svc:      svc,
		Realtime: realtime.NewHandler(hub, filters, log, cfg.WSSendBuffer),
		Log:      log,
	}).Register(s.Mux)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Handler(observability.APIRequests),
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metricsMux}
	go func() {
		log.Info("metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "err", err)
		}
	}()

	serveErrCh := make(chan error, 1)
	go func() {
		log.Info("chat server listening", "port", cfg.Port)
		serveErrCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Info("chat server shutdown", "signal", sig.String())
	case err := <-serveErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("chat server failed", "err", err)
			exitCode = 1
		}
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("inbound consumer failed", "err", err)
			exitCode = 1
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// inboundHandler applies one queued delivery. Deliveries that can never succeed are acknowledged
// so they do not cycle through redrive.
func inboundHandler(svc *service.ChatService, timeout time.Duration, log *slog.Logger) sqsqueue.Handler {
	return func(ctx context.Context, d sqsqueue.InboundDelivery) (err error) {
		start := time.Now()
		defer func() {
			if err != nil {
				log.Info("inbound delivery finish", "account_id", d.AccountID, "status", "error", "duration", time.Since(start), "err", err)
			} else {
				log.Info("inbound delivery finish", "account_id", d.AccountID, "status", "ok", "duration", time.Since(start))
			}
		}()

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err = svc.ProcessQueued(ctx, d)
		if domain.IsValidation(err) || domain.IsNotFound(err) {
			log.Warn("dropping unprocessable inbound delivery", "err", err, "account_id", d.AccountID, "webhook_path", d.WebhookPath)
			return nil
		}
		return err
	}
}

func newPublisher(ctx context.Context, cfg config.ServerConfig, log *slog.Logger) events.Publisher {
	fallback := events.LogPublisher{Log: log}
	switch cfg.EventsBackend {
	case "amqp":
		p, err := events.NewAMQP(ctx, events.AMQPOptions{
			URL: cfg.AMQPURL, Exchange: cfg.AMQPExchange, RetryAttempts: 5, Delay: time.Second, Logger: log,
		})
		if err != nil {
			log.Error("amqp publisher init failed, logging events instead", "err", err)
			return fallback
		}
		return events.NewFallback(p, fallback, log)
	case "kafka":
		p, err := events.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			log.Error("kafka publisher init failed, logging events instead", "err", err)
			return fallback
		}
		return events.NewFallback(p, fallback, log)
	case "log":
		return fallback
	default:
		return events.Nop{}
	}
}
