package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort         = 8080
	defaultDataDir      = "data"
	defaultMaxWorkers   = 4
	defaultBackendURL   = "http://localhost:8080"
	defaultCallbackPath = "/api/ai/callback/complete"
)

var defaultExtensions = []string{
	".mp4", ".avi", ".mov", ".mkv", ".webm",
	".mp3", ".wav", ".flac", ".m4a",
	".pdf", ".ppt", ".pptx",
}

// Config describes runtime configuration for the service.
type Config struct {
	Port              int      `yaml:"port" validate:"gt=0,lt=65536"`
	DataDir           string   `yaml:"data_dir" validate:"required"`
	LogLevel          string   `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat         string   `yaml:"log_format" validate:"oneof=console json"`
	MaxWorkers        int      `yaml:"max_workers" validate:"gte=1,lte=64"`
	AllowedExtensions []string `yaml:"allowed_extensions" validate:"min=1"`
	MaxUploadMB       int64    `yaml:"max_upload_mb" validate:"gte=1"`

	BackendURL   string `yaml:"backend_url"`
	CallbackPath string `yaml:"callback_path"`

	ProgressRetention time.Duration `yaml:"progress_retention" validate:"gt=0"`

	Timeouts    Timeouts    `yaml:"timeouts"`
	Audio       Audio       `yaml:"audio"`
	Document    Document    `yaml:"document"`
	Transcriber Transcriber `yaml:"transcriber"`
	Generator   Generator   `yaml:"generator"`
	Embedder    Embedder    `yaml:"embedder"`
	Redis       Redis       `yaml:"redis"`
	Results     Results     `yaml:"results"`
}

// Timeouts bound each kind of external call made by a pipeline stage.
type Timeouts struct {
	Download  time.Duration `yaml:"download" validate:"gt=0"`
	Transcode time.Duration `yaml:"transcode" validate:"gt=0"`
	Provider  time.Duration `yaml:"provider" validate:"gt=0"`
	Callback  time.Duration `yaml:"callback" validate:"gt=0"`
}

type Audio struct {
	FFmpegPath       string  `yaml:"ffmpeg_path" validate:"required"`
	FFprobePath      string  `yaml:"ffprobe_path" validate:"required"`
	YtDlpPath        string  `yaml:"ytdlp_path" validate:"required"`
	ChunkThresholdMB float64 `yaml:"chunk_threshold_mb" validate:"gt=0"`
	MaxChunkSeconds  float64 `yaml:"max_chunk_seconds" validate:"gt=0"`
}

type Document struct {
	PdftotextPath string `yaml:"pdftotext_path"`
	SofficePath   string `yaml:"soffice_path"`
}

type Transcriber struct {
	BaseURL  string `yaml:"base_url" validate:"required,url"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model" validate:"required"`
	Language string `yaml:"language"`
}

type Generator struct {
	Backend     string  `yaml:"backend" validate:"oneof=gemini openai"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model" validate:"required"`
	Temperature float32 `yaml:"temperature" validate:"gte=0,lte=2"`
	// RequestsPerSecond throttles all provider calls made by the process.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gt=0"`
}

type Embedder struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model" validate:"required"`
}

// Redis enables progress fan-out when Addr is set.
type Redis struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

type Results struct {
	Backend    string `yaml:"backend" validate:"oneof=file sqlite"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:              defaultPort,
		DataDir:           defaultDataDir,
		LogLevel:          "info",
		LogFormat:         "console",
		MaxWorkers:        defaultMaxWorkers,
		AllowedExtensions: append([]string(nil), defaultExtensions...),
		MaxUploadMB:       5 * 1024,
		BackendURL:        defaultBackendURL,
		CallbackPath:      defaultCallbackPath,
		ProgressRetention: time.Hour,
		Timeouts: Timeouts{
			Download:  30 * time.Minute,
			Transcode: 30 * time.Minute,
			Provider:  10 * time.Minute,
			Callback:  30 * time.Second,
		},
		Audio: Audio{
			FFmpegPath:       "ffmpeg",
			FFprobePath:      "ffprobe",
			YtDlpPath:        "yt-dlp",
			ChunkThresholdMB: 24,
			MaxChunkSeconds:  600,
		},
		Document: Document{
			PdftotextPath: "pdftotext",
			SofficePath:   "soffice",
		},
		Transcriber: Transcriber{
			BaseURL:  "https://api.openai.com/v1",
			Model:    "whisper-1",
			Language: "ko",
		},
		Generator: Generator{
			Backend:           "gemini",
			Model:             "gemini-2.0-flash",
			Temperature:       0.5,
			RequestsPerSecond: 2,
		},
		Embedder: Embedder{
			Model: "text-embedding-004",
		},
		Redis: Redis{
			Channel: "lecture:progress",
		},
		Results: Results{
			Backend: "file",
		},
	}
}

// DefaultCallbackURL is where callbacks go when a task names none.
func (c Config) DefaultCallbackURL() string {
	if c.BackendURL == "" {
		return ""
	}
	return strings.TrimRight(c.BackendURL, "/") + c.CallbackPath
}

// Load reads YAML config from the provided path and applies environment
// overrides. If the file does not exist or is empty, defaults are used.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) > 0 {
		if err := yaml.Unmarshal(fileData, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	// basic normalization
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.CallbackPath != "" && !strings.HasPrefix(cfg.CallbackPath, "/") {
		cfg.CallbackPath = "/" + cfg.CallbackPath
	}
	cfg.AllowedExtensions = NormalizeExtensions(cfg.AllowedExtensions)

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks struct constraints and cross-field requirements.
func Validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Results.Backend == "sqlite" && cfg.Results.SQLitePath == "" {
		return errors.New("invalid config: results.sqlite_path is required for the sqlite backend")
	}
	if cfg.Generator.Backend == "openai" && cfg.Generator.BaseURL == "" {
		return errors.New("invalid config: generator.base_url is required for the openai backend")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v, ok := lookup("LECTURE_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse LECTURE_PORT: %w", err)
		}
		cfg.Port = port
	}
	if v, ok := lookup("LECTURE_MAX_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse LECTURE_MAX_WORKERS: %w", err)
		}
		cfg.MaxWorkers = n
	}
	overrides := map[string]*string{
		"LECTURE_DATA_DIR":    &cfg.DataDir,
		"LECTURE_BACKEND_URL": &cfg.BackendURL,
		"LECTURE_LOG_LEVEL":   &cfg.LogLevel,
		"OPENAI_API_KEY":      &cfg.Transcriber.APIKey,
		"GEMINI_API_KEY":      &cfg.Generator.APIKey,
		"REDIS_ADDR":          &cfg.Redis.Addr,
	}
	for key, dst := range overrides {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	// the embedder shares the generator key unless given its own
	if cfg.Embedder.APIKey == "" {
		cfg.Embedder.APIKey = cfg.Generator.APIKey
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// NormalizeExtensions lower-cases, dot-prefixes and de-duplicates extensions.
func NormalizeExtensions(in []string) []string {
	if len(in) == 0 {
		return append([]string(nil), defaultExtensions...)
	}
	seen := make(map[string]struct{}, len(in))
	normalized := make([]string, 0, len(in))
	for _, ext := range in {
		e := strings.ToLower(strings.TrimSpace(ext))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		normalized = append(normalized, e)
	}
	return normalized
}
