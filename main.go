package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"StoryToVideo-pipeline/config"
	"StoryToVideo-pipeline/models"
	"StoryToVideo-pipeline/remote"
	"StoryToVideo-pipeline/routers"
	"StoryToVideo-pipeline/routers/api"
	"StoryToVideo-pipeline/service"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 15 * time.Second

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	if os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run() error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	log.Info().Str("port", cfg.Server.Port).Msg("config loaded")

	db, err := models.OpenMySQL(cfg.MySQL.DSN)
	if err != nil {
		return err
	}
	store := models.NewStore(db)
	log.Info().Msg("database initialized")

	ctx := context.Background()
	var client service.GenerationClient
	if cfg.Remote.GeminiSDK {
		gc, err := remote.NewGeminiClient(ctx, cfg.Remote)
		if err != nil {
			return err
		}
		client = gc
	} else {
		client = remote.NewClient(cfg.Remote)
	}

	uploader, err := service.NewMinIOUploader(service.MinIOConfig{
		Endpoint:  cfg.MinIO.Endpoint,
		AccessKey: cfg.MinIO.AccessKey,
		SecretKey: cfg.MinIO.SecretKey,
		Bucket:    cfg.MinIO.Bucket,
		UseSSL:    cfg.MinIO.UseSSL,
		Domain:    cfg.MinIO.Domain,
	})
	if err != nil {
		return err
	}

	runner, err := service.NewRunner(cfg.Pipeline.Workers, service.WithGrace(cfg.Pipeline.CancelGrace))
	if err != nil {
		return err
	}
	bus := service.NewBus()

	var (
		rdb  *redis.Client
		sink *service.RedisSink
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		if cfg.Redis.EventChannel != "" {
			sink = service.NewRedisSink(rdb, cfg.Redis.EventChannel)
			bus.AddSink(sink)
		}
	}

	orch := service.NewOrchestrator(runner, bus, store)
	fetcher := service.NewHTTPFetcher(cfg.Remote.DownloadTimeout)
	reader := service.TextFileReader{Encodings: cfg.Pipeline.TextEncodings, Budget: cfg.Pipeline.TextCharBudget}

	pipeline := service.NewPipeline(service.PipelineDeps{
		Store:        store,
		Orchestrator: orch,
		Script:       &service.ScriptTask{Client: client, Reader: reader, Model: cfg.Remote.TextModel},
		SceneImage: &service.SceneImageTask{
			Client:       client,
			Fetcher:      fetcher,
			Model:        cfg.Remote.ImageModel,
			OutputDir:    cfg.Storage.SceneImageDir,
			DefaultStyle: cfg.Pipeline.DefaultImageStyle,
		},
		VideoSubmit: &service.VideoSubmitTask{Client: client, Uploader: uploader, Model: cfg.Remote.VideoModel},
		Poller: &service.VideoStatusPoller{
			Client: client,
			Store:  store,
			Config: service.PollerConfig{
				Interval:             cfg.Pipeline.PollInterval,
				MaxAttempts:          cfg.Pipeline.PollMaxAttempts,
				MaxConsecutiveErrors: cfg.Pipeline.PollMaxErrors,
			},
		},
		Export: &service.ExportTask{
			Fetcher:         fetcher,
			Concat:          service.FFmpegConcatenator{Path: cfg.Export.FFmpegPath},
			OutputDir:       cfg.Export.OutputDir,
			Concurrency:     cfg.Export.DownloadConcurrency,
			DownloadTimeout: cfg.Export.DownloadTimeout,
		},
		Characters: &service.CharacterAnalysisTask{Client: client, Reader: reader, Model: cfg.Remote.TextModel},
		Portrait: &service.CharacterPortraitTask{
			Client:       client,
			Fetcher:      fetcher,
			Model:        cfg.Remote.ImageModel,
			OutputDir:    cfg.Storage.CharacterImageDir,
			DefaultStyle: cfg.Pipeline.DefaultImageStyle,
		},
		CharUpload: &service.CharacterUploadTask{
			Client:   client,
			Uploader: uploader,
			Clips:    service.FFmpegClipMaker{Path: cfg.Export.FFmpegPath},
			Voices:   service.VoiceLibrary{Dir: cfg.Storage.VoiceDir},
		},
	})

	var (
		queue     *service.ResumeQueue
		processor *service.ResumeProcessor
	)
	if cfg.Redis.Addr != "" {
		opt := asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password}
		queue = service.NewResumeQueue(opt)
		processor = service.NewResumeProcessor(opt, pipeline, cfg.Pipeline.ResumeQueueWorkers)
		if err := processor.Start(); err != nil {
			return err
		}
		pipeline.SetPollScheduler(queue)
		log.Info().Msg("resume queue initialized")
	}

	if cfg.Pipeline.ResumeOnStart {
		if _, err := pipeline.ResumeInFlight(ctx); err != nil {
			log.Error().Err(err).Msg("resume in-flight video jobs")
		}
	}

	r := routers.InitRouter(&api.Handler{
		Pipeline:      pipeline,
		Store:         store,
		Bus:           bus,
		TextDir:       cfg.Storage.TextDir,
		DefaultAspect: cfg.Pipeline.DefaultProjectAspect,
	})
	srv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: r}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("server starting")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	var serveErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-shutdown:
		log.Info().Msg("starting graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed, forcing close")
			_ = srv.Close()
		}
		cancel()
	}

	// 先停消费者，再取消在跑的任务，最后关闭事件出口
	if processor != nil {
		processor.Shutdown()
	}
	orch.Shutdown()
	if queue != nil {
		_ = queue.Close()
	}
	if sink != nil {
		sink.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("server stopped")
	return serveErr
}
