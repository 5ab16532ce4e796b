package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	JWT        JWTConfig
	RateLimit  RateLimitConfig
	Storage    StorageConfig
	Store      StoreConfig
	Queue      QueueConfig
	Processing ProcessingConfig
	Upload     UploadConfig
	R2         R2Config
}

type ServerConfig struct {
	Port      string `validate:"required,numeric"`
	Env       string
	LogLevel  string `validate:"oneof=debug info warn warning error"`
	LogFormat string `validate:"oneof=text json"`
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int `validate:"gte=0"`
}

type JWTConfig struct {
	// Secret enables bearer auth on /api when set.
	Secret string
}

type RateLimitConfig struct {
	SubmitPerHour int `validate:"gte=0"`
}

type StorageConfig struct {
	UploadDir      string `validate:"required"`
	ResultDir      string `validate:"required"`
	RetentionHours int    `validate:"gte=0"`
}

// Retention returns how long finished results are kept. Zero disables cleanup.
func (c StorageConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

type StoreConfig struct {
	Backend    string `validate:"oneof=sqlite redis"`
	SQLitePath string `validate:"required_if=Backend sqlite"`
}

type QueueConfig struct {
	Backend     string `validate:"oneof=asynq local"`
	Concurrency int    `validate:"gte=1"`
}

type ProcessingConfig struct {
	Concurrency int           `validate:"gte=1"`
	Timeout     time.Duration `validate:"gt=0"`
	FFmpegPath  string        `validate:"required"`
	FFprobePath string        `validate:"required"`
	Width       int           `validate:"gte=16,lte=7680"`
	Height      int           `validate:"gte=16,lte=7680"`
	FPS         int           `validate:"gte=1,lte=240"`
	SampleRate  int           `validate:"oneof=22050 32000 44100 48000"`
	Channels    int           `validate:"oneof=1 2"`
	Preset      string        `validate:"oneof=ultrafast superfast veryfast faster fast medium slow slower veryslow"`
	CRF         int           `validate:"gte=0,lte=51"`
}

type UploadConfig struct {
	MaxFiles  int `validate:"gte=1"`
	MaxFileMB int `validate:"gte=1"`
}

// MaxFileBytes returns the per-file upload limit in bytes.
func (c UploadConfig) MaxFileBytes() int64 {
	return int64(c.MaxFileMB) * 1024 * 1024
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string `validate:"required_with=AccessKeyID"`
	PublicURL       string `validate:"omitempty,url"`
	KeyPrefix       string
}

// Enabled reports whether archives should be published to R2.
func (c R2Config) Enabled() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.log_format", "LOG_FORMAT")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("ratelimit.submit_per_hour", "RATELIMIT_SUBMIT_PER_HOUR")
	_ = v.BindEnv("storage.upload_dir", "UPLOAD_DIR")
	_ = v.BindEnv("storage.result_dir", "RESULT_DIR")
	_ = v.BindEnv("storage.retention_hours", "RETENTION_HOURS")
	_ = v.BindEnv("store.backend", "STORE_BACKEND")
	_ = v.BindEnv("store.sqlite_path", "STORE_SQLITE_PATH")
	_ = v.BindEnv("queue.backend", "QUEUE_BACKEND")
	_ = v.BindEnv("queue.concurrency", "QUEUE_CONCURRENCY")
	_ = v.BindEnv("processing.concurrency", "JOB_CONCURRENCY")
	_ = v.BindEnv("processing.timeout", "PROCESS_TIMEOUT")
	_ = v.BindEnv("processing.ffmpeg_path", "FFMPEG_PATH")
	_ = v.BindEnv("processing.ffprobe_path", "FFPROBE_PATH")
	_ = v.BindEnv("processing.width", "VIDEO_WIDTH")
	_ = v.BindEnv("processing.height", "VIDEO_HEIGHT")
	_ = v.BindEnv("processing.fps", "VIDEO_FPS")
	_ = v.BindEnv("processing.sample_rate", "AUDIO_SAMPLE_RATE")
	_ = v.BindEnv("processing.channels", "AUDIO_CHANNELS")
	_ = v.BindEnv("processing.preset", "X264_PRESET")
	_ = v.BindEnv("processing.crf", "X264_CRF")
	_ = v.BindEnv("upload.max_files", "UPLOAD_MAX_FILES")
	_ = v.BindEnv("upload.max_file_mb", "UPLOAD_MAX_FILE_MB")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("r2.key_prefix", "R2_KEY_PREFIX")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "text")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "")
	v.SetDefault("ratelimit.submit_per_hour", 0)
	v.SetDefault("storage.upload_dir", "uploads")
	v.SetDefault("storage.result_dir", "results")
	v.SetDefault("storage.retention_hours", 24)
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.sqlite_path", "data/tasks.db")
	v.SetDefault("queue.backend", "local")
	v.SetDefault("queue.concurrency", 2)

	// Processing defaults
	v.SetDefault("processing.concurrency", 2)
	v.SetDefault("processing.timeout", 600)
	v.SetDefault("processing.ffmpeg_path", "ffmpeg")
	v.SetDefault("processing.ffprobe_path", "ffprobe")
	v.SetDefault("processing.width", 1080)
	v.SetDefault("processing.height", 1920)
	v.SetDefault("processing.fps", 30)
	v.SetDefault("processing.sample_rate", 44100)
	v.SetDefault("processing.channels", 2)
	v.SetDefault("processing.preset", "veryfast")
	v.SetDefault("processing.crf", 23)

	v.SetDefault("upload.max_files", 10)
	v.SetDefault("upload.max_file_mb", 500)
	v.SetDefault("r2.key_prefix", "results/")

	// Try to read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  strings.ToLower(v.GetString("server.log_level")),
			LogFormat: strings.ToLower(v.GetString("server.log_format")),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: v.GetInt("ratelimit.submit_per_hour"),
		},
		Storage: StorageConfig{
			UploadDir:      v.GetString("storage.upload_dir"),
			ResultDir:      v.GetString("storage.result_dir"),
			RetentionHours: v.GetInt("storage.retention_hours"),
		},
		Store: StoreConfig{
			Backend:    strings.ToLower(v.GetString("store.backend")),
			SQLitePath: v.GetString("store.sqlite_path"),
		},
		Queue: QueueConfig{
			Backend:     strings.ToLower(v.GetString("queue.backend")),
			Concurrency: v.GetInt("queue.concurrency"),
		},
		Processing: ProcessingConfig{
			Concurrency: v.GetInt("processing.concurrency"),
			Timeout:     time.Duration(v.GetInt("processing.timeout")) * time.Second,
			FFmpegPath:  v.GetString("processing.ffmpeg_path"),
			FFprobePath: v.GetString("processing.ffprobe_path"),
			Width:       v.GetInt("processing.width"),
			Height:      v.GetInt("processing.height"),
			FPS:         v.GetInt("processing.fps"),
			SampleRate:  v.GetInt("processing.sample_rate"),
			Channels:    v.GetInt("processing.channels"),
			Preset:      v.GetString("processing.preset"),
			CRF:         v.GetInt("processing.crf"),
		},
		Upload: UploadConfig{
			MaxFiles:  v.GetInt("upload.max_files"),
			MaxFileMB: v.GetInt("upload.max_file_mb"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       strings.TrimRight(v.GetString("r2.public_url"), "/"),
			KeyPrefix:       v.GetString("r2.key_prefix"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
