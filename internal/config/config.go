package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the detection engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Detect    DetectConfig    `yaml:"detect"`
	Storage   StorageConfig   `yaml:"storage"`
	Cache     CacheConfig     `yaml:"cache"`
	Collector CollectorConfig `yaml:"collector"`
}

// ServerConfig controls the operational HTTP listener.
type ServerConfig struct {
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// PipelineConfig sizes the ingestion queue, window buffer, and flush cadence.
type PipelineConfig struct {
	QueueSize     int           `yaml:"queueSize"`
	BufferSize    int           `yaml:"bufferSize"`
	BatchSize     int           `yaml:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`
}

// DetectConfig controls detector construction and the refit loop.
type DetectConfig struct {
	Algorithm       string        `yaml:"algorithm"`
	Threshold       float64       `yaml:"threshold"`
	Contamination   float64       `yaml:"contamination"`
	RefitInterval   time.Duration `yaml:"refitInterval"`
	MinRefitSamples int           `yaml:"minRefitSamples"`
	Workers         int           `yaml:"workers"`
	ResultBuffer    int           `yaml:"resultBuffer"`
}

// StorageConfig selects and configures the blob backend for batch archives
// and persisted models.
type StorageConfig struct {
	Backend string              `yaml:"backend"`
	FS      FSStorageConfig     `yaml:"fs"`
	S3      S3StorageConfig     `yaml:"s3"`
	SQLite  SQLiteStorageConfig `yaml:"sqlite"`
}

// FSStorageConfig configures the local filesystem backend.
type FSStorageConfig struct {
	Dir string `yaml:"dir"`
}

// S3StorageConfig configures the S3 (or S3-compatible) backend.
type S3StorageConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	Prefix          string `yaml:"prefix"`
	UsePathStyle    bool   `yaml:"usePathStyle"`
}

// SQLiteStorageConfig configures the embedded SQLite backend.
type SQLiteStorageConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig controls Valkey-backed publication of results and counters.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	ResultTTL    time.Duration `yaml:"resultTTL"`
}

// CollectorConfig controls the built-in synthetic metrics source.
type CollectorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Hosts    []string      `yaml:"hosts"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("VIGIL_DETECT_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Pipeline: PipelineConfig{
			QueueSize:     1000,
			BufferSize:    10000,
			BatchSize:     100,
			FlushInterval: 5 * time.Second,
		},
		Detect: DetectConfig{
			Algorithm:       "isolation_forest",
			Threshold:       0.7,
			Contamination:   0.1,
			RefitInterval:   10 * time.Minute,
			MinRefitSamples: 64,
			Workers:         4,
			ResultBuffer:    256,
		},
		Storage: StorageConfig{
			Backend: "fs",
			FS:      FSStorageConfig{Dir: "data/vigil"},
			S3:      S3StorageConfig{Region: "us-east-1", Prefix: "vigil"},
			SQLite:  SQLiteStorageConfig{Path: "data/vigil.db"},
		},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			ResultTTL:    5 * time.Minute,
		},
		Collector: CollectorConfig{
			Enabled:  false,
			Interval: time.Second,
			Hosts:    []string{"localhost"},
		},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline.queueSize must be positive, got %d", c.Pipeline.QueueSize)
	}
	if c.Pipeline.BufferSize <= 0 {
		return fmt.Errorf("pipeline.bufferSize must be positive, got %d", c.Pipeline.BufferSize)
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batchSize must be positive, got %d", c.Pipeline.BatchSize)
	}
	if c.Pipeline.FlushInterval <= 0 {
		return fmt.Errorf("pipeline.flushInterval must be positive, got %s", c.Pipeline.FlushInterval)
	}
	// Threshold 0 selects contamination-based calibration at fit time.
	if c.Detect.Threshold < 0 || c.Detect.Threshold >= 1 {
		return fmt.Errorf("detect.threshold must be in [0, 1), got %g", c.Detect.Threshold)
	}
	if c.Detect.Contamination <= 0 || c.Detect.Contamination > 0.5 {
		return fmt.Errorf("detect.contamination must be in (0, 0.5], got %g", c.Detect.Contamination)
	}
	if c.Detect.Workers <= 0 {
		return fmt.Errorf("detect.workers must be positive, got %d", c.Detect.Workers)
	}
	if c.Detect.RefitInterval < 0 {
		return fmt.Errorf("detect.refitInterval must not be negative, got %s", c.Detect.RefitInterval)
	}
	switch c.Storage.Backend {
	case "fs", "sqlite":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of fs, s3, sqlite; got %q", c.Storage.Backend)
	}
	if c.Collector.Enabled && c.Collector.Interval <= 0 {
		return fmt.Errorf("collector.interval must be positive when the collector is enabled")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VIGIL_DETECT_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("VIGIL_DETECT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VIGIL_DETECT_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("VIGIL_DETECT_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.QueueSize = n
		}
	}
	if v := os.Getenv("VIGIL_DETECT_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.BufferSize = n
		}
	}
	if v := os.Getenv("VIGIL_DETECT_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.BatchSize = n
		}
	}
	if v := os.Getenv("VIGIL_DETECT_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.FlushInterval = d
		}
	}
	if v := os.Getenv("VIGIL_DETECT_ALGORITHM"); v != "" {
		cfg.Detect.Algorithm = v
	}
	if v := os.Getenv("VIGIL_DETECT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detect.Threshold = f
		}
	}
	if v := os.Getenv("VIGIL_DETECT_CONTAMINATION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detect.Contamination = f
		}
	}
	if v := os.Getenv("VIGIL_DETECT_REFIT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Detect.RefitInterval = d
		}
	}
	if v := os.Getenv("VIGIL_DETECT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detect.Workers = n
		}
	}
	if v := os.Getenv("VIGIL_DETECT_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("VIGIL_DETECT_STORAGE_DIR"); v != "" {
		cfg.Storage.FS.Dir = v
	}
	if v := os.Getenv("VIGIL_DETECT_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("VIGIL_DETECT_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("VIGIL_DETECT_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("VIGIL_DETECT_S3_ACCESS_KEY_ID"); v != "" {
		cfg.Storage.S3.AccessKeyID = v
	}
	if v := os.Getenv("VIGIL_DETECT_S3_SECRET_ACCESS_KEY"); v != "" {
		cfg.Storage.S3.SecretAccessKey = v
	}
	if v := os.Getenv("VIGIL_DETECT_S3_USE_PATH_STYLE"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Storage.S3.UsePathStyle = true
	}
	if v := os.Getenv("VIGIL_DETECT_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLite.Path = v
	}
	if v := os.Getenv("VIGIL_DETECT_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("VIGIL_DETECT_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("VIGIL_DETECT_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("VIGIL_DETECT_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("VIGIL_DETECT_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("VIGIL_DETECT_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("VIGIL_DETECT_CACHE_DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.DialTimeout = d
		}
	}
	if v := os.Getenv("VIGIL_DETECT_CACHE_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.ReadTimeout = d
		}
	}
	if v := os.Getenv("VIGIL_DETECT_CACHE_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.WriteTimeout = d
		}
	}
	if v := os.Getenv("VIGIL_DETECT_CACHE_MAX_RETRIES"); v != "" {
		if retry, err := strconv.Atoi(v); err == nil {
			cfg.Cache.MaxRetries = retry
		}
	}
	if v := os.Getenv("VIGIL_DETECT_CACHE_RESULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.ResultTTL = d
		}
	}
	if v := os.Getenv("VIGIL_DETECT_COLLECTOR_ENABLED"); v != "" {
		cfg.Collector.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("VIGIL_DETECT_COLLECTOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Collector.Interval = d
		}
	}
}
