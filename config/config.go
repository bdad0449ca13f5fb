package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load,
// e.g. UPLOAD_SERVER_ADDR or UPLOAD_REDIS_ADDR.
const EnvPrefix = "UPLOAD"

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"

	StorageLocal = "local"
	StorageGCS   = "gcs"
)

type Config struct {
	Server    Server    `mapstructure:"server"`
	Log       Log       `mapstructure:"log"`
	Telemetry Telemetry `mapstructure:"telemetry"`
	Progress  Progress  `mapstructure:"progress"`
	Redis     Redis     `mapstructure:"redis"`
	Storage   Storage   `mapstructure:"storage"`
	Upload    Upload    `mapstructure:"upload"`
	RateLimit RateLimit `mapstructure:"ratelimit"`
}

type Server struct {
	Addr              string        `mapstructure:"addr"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	// TrustForwardedFor keys progress by the first X-Forwarded-For entry.
	TrustForwardedFor bool `mapstructure:"trust_forwarded_for"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

type Telemetry struct {
	ServiceName      string  `mapstructure:"service_name"`
	OTLPEndpoint     string  `mapstructure:"otlp_endpoint"`
	TraceSampleRatio float64 `mapstructure:"trace_sample_ratio"`
}

type Progress struct {
	Store        string        `mapstructure:"store"`
	TTL          time.Duration `mapstructure:"ttl"`
	CleanupEvery time.Duration `mapstructure:"cleanup_every"`
	ChunkSize    int64         `mapstructure:"chunk_size"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type Storage struct {
	Driver    string `mapstructure:"driver"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

type Upload struct {
	MaxBytes         int64 `mapstructure:"max_bytes"`
	ResumableMaxSize int64 `mapstructure:"resumable_max_size"`
	MaxChunkSize     int64 `mapstructure:"max_chunk_size"`
}

type RateLimit struct {
	RPS        float64       `mapstructure:"rps"`
	Burst      int           `mapstructure:"burst"`
	IdleTTL    time.Duration `mapstructure:"idle_ttl"`
	RetryAfter time.Duration `mapstructure:"retry_after"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 5*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.trust_forwarded_for", false)

	v.SetDefault("log.level", "info")

	v.SetDefault("telemetry.service_name", "go-upload-progress")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.trace_sample_ratio", 1.0)

	v.SetDefault("progress.store", StoreMemory)
	v.SetDefault("progress.ttl", time.Hour)
	v.SetDefault("progress.cleanup_every", time.Minute)
	v.SetDefault("progress.chunk_size", 64<<10)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "upload:progress")

	v.SetDefault("storage.driver", StorageLocal)
	v.SetDefault("storage.dir", "uploads")
	v.SetDefault("storage.gcs_bucket", "")

	v.SetDefault("upload.max_bytes", 10<<20)
	v.SetDefault("upload.resumable_max_size", 0)
	v.SetDefault("upload.max_chunk_size", 64<<20)

	v.SetDefault("ratelimit.rps", 10)
	v.SetDefault("ratelimit.burst", 20)
	v.SetDefault("ratelimit.idle_ttl", 10*time.Minute)
	v.SetDefault("ratelimit.retry_after", time.Second)
}

// NewViper returns a viper instance with defaults and UPLOAD_ env binding.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration out of v. An optional config file is read
// when one was set on v.
func Load(v *viper.Viper) (Config, error) {
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	switch c.Progress.Store {
	case StoreMemory:
	case StoreRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis progress store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown progress.store %q", c.Progress.Store))
	}
	if c.Progress.ChunkSize <= 0 {
		errs = append(errs, errors.New("progress.chunk_size must be positive"))
	}
	switch c.Storage.Driver {
	case StorageLocal:
		if c.Storage.Dir == "" {
			errs = append(errs, errors.New("storage.dir is required for local storage"))
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			errs = append(errs, errors.New("storage.gcs_bucket is required for gcs storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	if c.Upload.MaxBytes <= 0 {
		errs = append(errs, errors.New("upload.max_bytes must be positive"))
	}
	if c.Upload.ResumableMaxSize < 0 {
		errs = append(errs, errors.New("upload.resumable_max_size must not be negative"))
	}
	if c.Upload.MaxChunkSize <= 0 {
		errs = append(errs, errors.New("upload.max_chunk_size must be positive"))
	}
	if c.Telemetry.TraceSampleRatio < 0 || c.Telemetry.TraceSampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.trace_sample_ratio must be between 0 and 1"))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("ratelimit.rps and ratelimit.burst must not be negative"))
	}
	return errors.Join(errs...)
}
