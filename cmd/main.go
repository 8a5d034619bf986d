package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"lectureflow/internal/api"
	"lectureflow/internal/audio"
	"lectureflow/internal/callback"
	"lectureflow/internal/command"
	"lectureflow/internal/config"
	"lectureflow/internal/document"
	fileutil "lectureflow/internal/file"
	"lectureflow/internal/index"
	"lectureflow/internal/media"
	"lectureflow/internal/pipeline"
	"lectureflow/internal/progress"
	"lectureflow/internal/provider"
	"lectureflow/internal/qa"
	"lectureflow/internal/results"
	"lectureflow/internal/task"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 30 * time.Second
	shutdownGrace     = 10 * time.Second
)

type closer func()

func main() {
	configPath := flag.String("config", envOr("LECTURE_CONFIG", "config.yml"), "path to the YAML config file")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("service stopped with error")
	}
	log.Info().Msg("server exited cleanly")
}

func run(ctx context.Context, cfg config.Config) error {
	for _, dir := range []string{"uploads", "processed", "index", "results"} {
		if err := fileutil.EnsureDir(filepath.Join(cfg.DataDir, dir)); err != nil {
			return fmt.Errorf("ensure data dir %s: %w", dir, err)
		}
	}

	store, closeStore := buildProgressStore(ctx, cfg)
	defer closeStore()

	resultStore, closeResults, err := buildResultStore(cfg)
	if err != nil {
		return err
	}
	defer closeResults()

	taskManager, err := buildTaskManager(ctx, cfg, store, resultStore)
	if err != nil {
		return err
	}
	if n, err := taskManager.RecoverStale(ctx); err != nil {
		log.Warn().Err(err).Msg("stale task recovery failed")
	} else if n > 0 {
		log.Warn().Int("tasks", n).Msg("recovered tasks interrupted by a previous run")
	}

	router := setupRouter()
	api.NewAPI(taskManager).RegisterRoutes(router)
	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)

	// workers outlive the signal context so queued jobs can drain on shutdown
	workerCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorkers()
	taskManager.Start(workerCtx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Port).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown signal received")
		gracefulShutdown(srv, cancelWorkers, taskManager, shutdownTimeout)
		return nil
	})
	return g.Wait() //nolint:wrapcheck
}

func setupLogging(cfg config.Config) {
	if cfg.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if level > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.RequestID())
	r.Use(api.ZerologLogger())
	return r
}

func buildProgressStore(ctx context.Context, cfg config.Config) (*progress.Store, closer) {
	opts := []progress.Option{progress.WithRetention(cfg.ProgressRetention)}
	var closeRedis closer = func() {}
	if cfg.Redis.Addr != "" {
		rdb, err := progress.NewRedisClient(ctx, cfg.Redis.Addr)
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable, progress fan-out disabled")
		} else {
			opts = append(opts, progress.WithObserver(progress.NewRedisPublisher(rdb, cfg.Redis.Channel)))
			closeRedis = func() { _ = rdb.Close() }
			log.Info().Str("addr", cfg.Redis.Addr).Str("channel", cfg.Redis.Channel).Msg("publishing progress to redis")
		}
	}
	store := progress.NewStore(opts...)
	return store, func() {
		store.Close()
		closeRedis()
	}
}

func buildResultStore(cfg config.Config) (results.Store, closer, error) { //nolint:ireturn
	if cfg.Results.Backend != "sqlite" {
		return results.NewFileStore(cfg.DataDir), func() {}, nil
	}
	db, err := results.NewSQLiteStore(cfg.Results.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open result store: %w", err)
	}
	log.Info().Str("path", cfg.Results.SQLitePath).Msg("results stored in sqlite")
	return db, func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("close result store")
		}
	}, nil
}

type providers struct {
	transcriber provider.Transcriber
	generator   provider.Generator
	embedder    provider.Embedder
}

// buildProviders shares one limiter across every provider call in the process.
func buildProviders(ctx context.Context, cfg config.Config) (providers, error) {
	limiter := provider.NewLimiter(cfg.Generator.RequestsPerSecond)
	openai := provider.NewOpenAIClient(provider.OpenAIConfig{
		BaseURL:     cfg.Transcriber.BaseURL,
		APIKey:      cfg.Transcriber.APIKey,
		Model:       cfg.Transcriber.Model,
		Language:    cfg.Transcriber.Language,
		Temperature: cfg.Generator.Temperature,
		Timeout:     cfg.Timeouts.Provider,
	})
	out := providers{transcriber: provider.LimitTranscriber(openai, limiter)}

	switch cfg.Generator.Backend {
	case "openai":
		chat := provider.NewOpenAIClient(provider.OpenAIConfig{
			BaseURL:     cfg.Generator.BaseURL,
			APIKey:      firstNonEmpty(cfg.Generator.APIKey, cfg.Transcriber.APIKey),
			Model:       cfg.Generator.Model,
			Temperature: cfg.Generator.Temperature,
			Timeout:     cfg.Timeouts.Provider,
		})
		out.generator = provider.LimitGenerator(chat, limiter)
	default:
		client, err := provider.NewGeminiClient(ctx, cfg.Generator.APIKey)
		if err != nil {
			return providers{}, fmt.Errorf("gemini generator: %w", err)
		}
		out.generator = provider.LimitGenerator(provider.NewGeminiGenerator(client, cfg.Generator.Model, cfg.Generator.Temperature), limiter)
	}

	out.embedder = buildEmbedder(ctx, cfg, limiter)
	return out, nil
}

func buildEmbedder(ctx context.Context, cfg config.Config, limiter *rate.Limiter) provider.Embedder { //nolint:ireturn
	client, err := provider.NewGeminiClient(ctx, cfg.Embedder.APIKey)
	if err != nil {
		log.Warn().Err(err).Msg("embedder unavailable, semantic indexing disabled")
		return nil
	}
	return provider.LimitEmbedder(provider.NewGeminiEmbedder(client, cfg.Embedder.Model), limiter)
}

func buildTaskManager(ctx context.Context, cfg config.Config, store *progress.Store, resultStore results.Store) (*task.Manager, error) {
	runner := command.ExecRunner{}
	uploadsDir := filepath.Join(cfg.DataDir, "uploads")

	acquirer := media.NewAcquirer(media.Options{
		UploadsDir:        uploadsDir,
		AllowedExtensions: cfg.AllowedExtensions,
		YtDlpPath:         cfg.Audio.YtDlpPath,
		Timeout:           cfg.Timeouts.Download,
	}, runner)
	processor := audio.NewProcessor(audio.Options{
		ProcessedDir:    filepath.Join(cfg.DataDir, "processed"),
		FFmpegPath:      cfg.Audio.FFmpegPath,
		FFprobePath:     cfg.Audio.FFprobePath,
		ThresholdMiB:    cfg.Audio.ChunkThresholdMB,
		MaxChunkSeconds: cfg.Audio.MaxChunkSeconds,
		Timeout:         cfg.Timeouts.Transcode,
	}, runner)
	documents := document.NewService(document.Options{
		PdftotextPath: cfg.Document.PdftotextPath,
		SofficePath:   cfg.Document.SofficePath,
		Timeout:       cfg.Timeouts.Transcode,
	}, runner)

	prov, err := buildProviders(ctx, cfg)
	if err != nil {
		return nil, err
	}

	deps := pipeline.Deps{
		Progress:    store,
		Acquirer:    acquirer,
		Audio:       processor,
		Documents:   documents,
		Transcriber: prov.transcriber,
		Generator:   prov.generator,
		Results:     resultStore,
		Callbacks:   callback.NewDispatcher(cfg.DefaultCallbackURL(), cfg.Timeouts.Callback),
	}
	var searcher task.Searcher
	var answerer task.Answerer
	if prov.embedder != nil {
		indexer := index.NewIndexer(filepath.Join(cfg.DataDir, "index"), prov.embedder)
		deps.Indexer = indexer
		searcher = indexer
		answerer = qa.NewAssistant(indexer, prov.generator)
	}

	driver := pipeline.New(pipeline.Config{
		TranscriptDir: cfg.DataDir,
		Timeouts: pipeline.Timeouts{
			Download:  cfg.Timeouts.Download,
			Transcode: cfg.Timeouts.Transcode,
			Provider:  cfg.Timeouts.Provider,
			Callback:  cfg.Timeouts.Callback,
		},
	}, deps)

	return task.NewManager(task.Options{
		UploadsDir:        uploadsDir,
		AllowedExtensions: cfg.AllowedExtensions,
		MaxWorkers:        cfg.MaxWorkers,
		MaxUploadBytes:    cfg.MaxUploadMB << 20,
	}, task.Deps{
		Progress:  store,
		Uploads:   acquirer,
		Results:   resultStore,
		Searcher:  searcher,
		Answerer:  answerer,
		Run:       driver.Handle,
		AudioPath: processor.AudioPath,
	}), nil
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func gracefulShutdown(srv *http.Server, cancelWorkers context.CancelFunc, tm *task.Manager, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	if !tm.Shutdown(ctx, shutdownGrace) {
		log.Warn().Msg("workers still running after the cancellation grace period")
	}
	cancelWorkers()
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
