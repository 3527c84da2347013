package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/api/option"

	"github.com/medscribe-io/medscribe/config"
	"github.com/medscribe-io/medscribe/internal/api/handlers"
	"github.com/medscribe-io/medscribe/internal/api/middleware"
	"github.com/medscribe-io/medscribe/internal/api/routes"
	"github.com/medscribe-io/medscribe/internal/logger"
	"github.com/medscribe-io/medscribe/internal/metrics"
	"github.com/medscribe-io/medscribe/internal/providers/stt"
	pgrepo "github.com/medscribe-io/medscribe/internal/repositories/postgres"
	"github.com/medscribe-io/medscribe/internal/services"
	"github.com/medscribe-io/medscribe/internal/session"
	"github.com/medscribe-io/medscribe/internal/storage"
	"github.com/medscribe-io/medscribe/internal/transport"
	"github.com/medscribe-io/medscribe/internal/workers"
)

func main() {
	_ = godotenv.Load()

	log := logger.New()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.InitPostgres(); err != nil {
		log.WithError(err).Fatal("PostgreSQL init error")
	}
	log.Info("PostgreSQL connected")

	if cfg.RedisAddr != "" {
		if err := config.InitRedis(); err != nil {
			log.WithError(err).Fatal("Redis init error")
		}
		log.Info("Redis connected")
	} else {
		log.Warn("REDIS_ADDR not set, transcript events disabled")
	}

	var sttOpts []option.ClientOption
	if cfg.GoogleCredentialsFile != "" {
		sttOpts = append(sttOpts, option.WithCredentialsFile(cfg.GoogleCredentialsFile))
	}
	provider, err := stt.NewGoogleSpeech(ctx, sttOpts...)
	if err != nil {
		log.WithError(err).Fatal("Speech client init error")
	}
	defer provider.Close()

	var uploader storage.Uploader
	switch cfg.StorageBackend {
	case "gcs":
		gcsUp, err := storage.NewGCSUploader(ctx, cfg.GCSBucket)
		if err != nil {
			log.WithError(err).Fatal("GCS init error")
		}
		defer gcsUp.Close()
		uploader = gcsUp
	default:
		s3Up, err := storage.NewS3Uploader(ctx, cfg.S3Region, cfg.S3Bucket)
		if err != nil {
			log.WithError(err).Fatal("S3 init error")
		}
		uploader = s3Up
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	registry := session.NewRegistry(cfg.MaxSessions, log)
	hub := transport.NewHub(log)
	repo := pgrepo.NewTranscriptionRepo(config.PostgresDB)

	svc := services.NewConsultationService(registry, hub, provider, uploader, repo,
		config.RedisClient, m, log, services.ConsultationOptions{
			IdleTimeout:         cfg.SessionIdleTimeout,
			MaxRecordingSeconds: cfg.MaxRecordingSeconds,
			OpusBitrateKbps:     cfg.OpusBitrateKbps,
			LanguageCode:        cfg.SpeechLanguage,
			SpeechModel:         cfg.SpeechModel,
			ChunkQueueSize:      cfg.ChunkQueueSize,
			StreamEndTimeout:    cfg.StreamEndTimeout,
		})

	housekeeper := &workers.Housekeeper{
		Service:           svc,
		Hub:               hub,
		SweepInterval:     cfg.SweepInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            log,
	}
	if err := housekeeper.Start(ctx); err != nil {
		log.WithError(err).Fatal("housekeeper start error")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))

	routes.RegisterRoutes(r, routes.Deps{
		Transcription: handlers.NewTranscriptionHandler(repo),
		WS:            handlers.NewWSHandler(svc, hub, log),
		Service:       svc,
		Registry:      promReg,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		log.WithField("addr", srv.Addr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Finalize live sessions before tearing down the listener so in-flight
	// audio is uploaded and records are closed out.
	svc.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown error")
	}
	log.Info("server stopped")
}
