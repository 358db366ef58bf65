package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Index      IndexConfig      `mapstructure:"index"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Search     SearchConfig     `mapstructure:"search"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	FileOnly   bool   `mapstructure:"file_only"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// DatabaseConfig selects the relational store holding upload records.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite or postgres
	Path            string        `mapstructure:"path"`
	URL             string        `mapstructure:"url"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns the connection string for the configured driver.
func (c DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return c.URL
	}
	return c.Path
}

// StorageConfig describes where uploaded image bytes live.
type StorageConfig struct {
	Type      string `mapstructure:"type"` // local, s3, minio
	LocalDir  string `mapstructure:"local_dir"`
	PublicURL string `mapstructure:"public_url"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
}

type IndexConfig struct {
	Dir       string `mapstructure:"dir"`
	Dimension int    `mapstructure:"dimension"`
}

type ClassifierConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Model   string        `mapstructure:"model"`
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type IngestConfig struct {
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
	MaxUploadMB       int      `mapstructure:"max_upload_mb"`
}

type JobsConfig struct {
	Backend   string        `mapstructure:"backend"` // memory or redis
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
	Retention time.Duration `mapstructure:"retention"`
	Redis     RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type SearchConfig struct {
	DefaultTopK int `mapstructure:"default_top_k"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets and deployment endpoints come from the environment
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	_ = v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	_ = v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	_ = v.BindEnv("embedding.api_key", "JINA_API_KEY")
	_ = v.BindEnv("classifier.api_key", "OPENAI_API_KEY")
	_ = v.BindEnv("classifier.base_url", "OPENAI_BASE_URL")
	_ = v.BindEnv("classifier.model", "VLM_MODEL")
	_ = v.BindEnv("jobs.redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("jobs.redis.password", "REDIS_PASSWORD")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/lookbook.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_dir", "./data/uploads")
	v.SetDefault("storage.public_url", "/images")
	v.SetDefault("storage.bucket", "lookbook")

	v.SetDefault("index.dir", "./data/index")
	v.SetDefault("index.dimension", 768)

	v.SetDefault("embedding.provider", "jina")
	v.SetDefault("embedding.model", "jina-clip-v2")
	v.SetDefault("embedding.base_url", "https://api.jina.ai/v1/embeddings")
	v.SetDefault("embedding.timeout", 60*time.Second)
	v.SetDefault("embedding.rate_limit", 0.0)
	v.SetDefault("embedding.burst", 1)

	v.SetDefault("classifier.enabled", true)
	v.SetDefault("classifier.model", "gpt-4o-mini")
	v.SetDefault("classifier.base_url", "https://api.openai.com/v1")
	v.SetDefault("classifier.timeout", 60*time.Second)

	v.SetDefault("ingest.allowed_extensions", []string{"png", "jpg", "jpeg", "gif", "webp"})
	v.SetDefault("ingest.max_upload_mb", 64)

	v.SetDefault("jobs.backend", "memory")
	v.SetDefault("jobs.workers", 2)
	v.SetDefault("jobs.queue_size", 64)
	v.SetDefault("jobs.retention", 24*time.Hour)
	v.SetDefault("jobs.redis.addr", "localhost:6379")
	v.SetDefault("jobs.redis.key_prefix", "lookbook")

	v.SetDefault("search.default_top_k", 3)
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	if c.Index.Dimension <= 0 {
		return fmt.Errorf("index.dimension must be positive, got %d", c.Index.Dimension)
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("jobs.workers must be positive, got %d", c.Jobs.Workers)
	}
	if c.Jobs.QueueSize < 0 {
		return fmt.Errorf("jobs.queue_size must not be negative, got %d", c.Jobs.QueueSize)
	}
	switch c.Jobs.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("jobs.backend: unknown backend %q", c.Jobs.Backend)
	}
	switch c.Storage.Type {
	case "local", "s3", "minio":
	default:
		return fmt.Errorf("storage.type: unknown type %q", c.Storage.Type)
	}
	return c.Embedding.Validate()
}
