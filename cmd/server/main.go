package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	appealservice "matricula/internal/appeal/service"
	appealstore "matricula/internal/appeal/store"
	"matricula/internal/audit"
	auditstore "matricula/internal/audit/store"
	auditstream "matricula/internal/audit/stream"
	"matricula/internal/blob"
	identityservice "matricula/internal/identity/service"
	identitystore "matricula/internal/identity/store"
	"matricula/internal/ingest"
	"matricula/internal/ingest/dedup"
	"matricula/internal/jwttoken"
	"matricula/internal/match"
	"matricula/internal/ocr"
	"matricula/internal/platform/config"
	"matricula/internal/platform/httpserver"
	"matricula/internal/platform/logger"
	"matricula/internal/platform/metrics"
	platformredis "matricula/internal/platform/redis"
	"matricula/internal/review"
	httptransport "matricula/internal/transport/http"
	"matricula/pkg/platform/tx"
)

// main wires dependencies and owns the process lifecycle. Business logic
// lives in the internal services; everything here is assembly.
func main() {
	cfg := config.FromEnv()
	log := logger.New()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	m := metrics.New()

	// Stores: postgres when a DSN is configured, in-memory otherwise.
	var (
		identities identitystore.Store
		appeals    appealstore.Store
		audits     audit.Store
		blobs      blob.Store
		transactor identityservice.Transactor
	)
	if cfg.Postgres.DSN != "" {
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		identities = identitystore.NewPostgres(db)
		appeals = appealstore.NewPostgres(db)
		audits = auditstore.NewPostgres(db)
		blobs = blob.NewPostgres(db)
		transactor = func(ctx context.Context, fn func(ctx context.Context) error) error {
			return tx.Run(ctx, db, fn)
		}
		log.Info("using postgres storage")
	} else {
		identities = identitystore.NewInMemory()
		appeals = appealstore.NewInMemory()
		audits = auditstore.NewInMemory()
		blobs = blob.NewInMemory()
		log.Warn("POSTGRES_DSN not set, using in-memory storage")
	}

	recorderOpts := []audit.Option{audit.WithLogger(log)}
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := auditstream.New(ctx, cfg.Kafka.Brokers, cfg.Kafka.AuditTopic)
		if err != nil {
			return err
		}
		defer producer.Close()
		recorderOpts = append(recorderOpts, audit.WithStream(producer))
		log.Info("audit stream enabled", "topic", cfg.Kafka.AuditTopic)
	}
	recorder := audit.NewRecorder(audits, recorderOpts...)

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Review pipeline: asynq on redis when available, in-process otherwise.
	var (
		enqueuer      identityservice.ReviewEnqueuer
		inline        *review.InlineEnqueuer
		asynqClient   *asynq.Client
		asynqServer   *asynq.Server
		asynqRedisOpt asynq.RedisConnOpt
	)
	if cfg.Redis.URL != "" {
		asynqRedisOpt, err = asynq.ParseRedisURI(cfg.Redis.URL)
		if err != nil {
			return err
		}
		asynqClient = asynq.NewClient(asynqRedisOpt)
		defer asynqClient.Close()
		enqueuer = review.NewEnqueuer(asynqClient)
	} else {
		inline = review.NewInlineEnqueuer()
		enqueuer = inline
		log.Warn("REDIS_URL not set, running reviews in-process")
	}

	identityOpts := []identityservice.Option{
		identityservice.WithLogger(log),
		identityservice.WithMetrics(m),
		identityservice.WithEnqueuer(enqueuer),
	}
	if transactor != nil {
		identityOpts = append(identityOpts, identityservice.WithTransactor(transactor))
	}
	if redisClient != nil {
		identityOpts = append(identityOpts,
			identityservice.WithDedup(dedup.New(redisClient.Client, 30*24*time.Hour, log)))
	}
	identitySvc, err := identityservice.New(
		identities,
		blobs,
		ingest.New(cfg.Verification.MaxDocumentBytes),
		recorder,
		cfg.Verification,
		identityOpts...,
	)
	if err != nil {
		return err
	}

	appealSvc, err := appealservice.New(appeals, identitySvc, recorder,
		appealservice.WithLogger(log),
		appealservice.WithMetrics(m),
		appealservice.WithEvidenceStore(blobs),
	)
	if err != nil {
		return err
	}

	var ocrClient ocr.Client
	if cfg.OCR.URL != "" {
		ocrClient = ocr.NewHTTPClient(cfg.OCR.URL, cfg.OCR.Timeout)
	} else {
		ocrClient = ocr.Static{}
		log.Warn("OCR_URL not set, extraction returns empty fields")
	}

	matcher := match.New(match.Weights{
		Name:        cfg.Verification.NameWeight,
		ExternalID:  cfg.Verification.ExternalIDWeight,
		Institution: cfg.Verification.InstitutionWeight,
	})
	worker, err := review.NewWorker(identitySvc, blobs, ocrClient, matcher,
		review.WithLogger(log),
		review.WithMetrics(m),
		review.WithOCRTimeout(cfg.OCR.Timeout),
	)
	if err != nil {
		return err
	}
	if inline != nil {
		inline.Bind(worker)
	}
	if asynqRedisOpt != nil {
		asynqServer = asynq.NewServer(asynqRedisOpt, asynq.Config{Concurrency: 10})
	}

	tokens := jwttoken.NewService(cfg.Server.JWTSigningKey, "matricula")
	router := httptransport.NewRouter(
		httptransport.NewVerificationHandler(identitySvc, appealSvc, tokens, log, cfg.Verification.MaxDocumentBytes),
		httptransport.NewAdminHandler(identitySvc, appealSvc, recorder, tokens, log),
	)
	srv := httpserver.New(cfg.Server.Addr, router)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting http server", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if asynqServer != nil {
		g.Go(func() error {
			log.Info("starting review worker")
			return asynqServer.Run(worker.NewServeMux())
		})
		g.Go(func() error {
			<-ctx.Done()
			asynqServer.Shutdown()
			return nil
		})
	}

	sweeper := review.NewSweeper(identitySvc, cfg.Verification.SweepInterval, log)
	g.Go(func() error {
		log.Info("starting expiry sweeper", "interval", cfg.Verification.SweepInterval)
		return sweeper.Run(ctx)
	})

	return g.Wait()
}
