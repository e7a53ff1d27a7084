// Package config provides configuration management for transcodarr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "TRANSCODARR"

// Default configuration values.
const (
	defaultServerPort        = 3000
	defaultReadTimeout       = 5 * time.Minute
	defaultShutdownTimeout   = 30 * time.Second
	defaultMaxUploadSize     = 4 << 30 // 4GiB
	defaultMaxOpenConns      = 25
	defaultMaxIdleConns      = 10
	defaultConnMaxIdleTime   = 30 * time.Minute
	defaultProbeTimeout      = 30 * time.Second
	defaultAssumedDuration   = 30 * time.Second
	defaultErrorLogSize      = 256 << 10 // 256KiB
	defaultMaxConcurrentJobs = 4
	defaultMaxJobsPerClient  = 2
	defaultJobTimeout        = 30 * time.Minute
	defaultConnectTimeout    = 30 * time.Second
	defaultIdleTimeout       = 30 * time.Second
	defaultChunkSize         = 64 << 10 // 64KiB
	defaultCircuitThreshold  = 5
	defaultCircuitTimeout    = 30 * time.Second
	defaultCleanupSchedule   = "@every 15m"
	defaultCleanupRetention  = time.Hour
	defaultJobRetention      = 7 * 24 * time.Hour
	defaultObjectTimeout     = 5 * time.Minute
	defaultRedisTTL          = 7 * 24 * time.Hour
)

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Store       StoreConfig       `mapstructure:"store"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	FFmpeg      FFmpegConfig      `mapstructure:"ffmpeg"`
	Jobs        JobsConfig        `mapstructure:"jobs"`
	Download    DownloadConfig    `mapstructure:"download"`
	Cleanup     CleanupConfig     `mapstructure:"cleanup"`
	ObjectStore ObjectStoreConfig `mapstructure:"object_store"`
	Events      EventsConfig      `mapstructure:"events"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"` // 0 disables; progress streams are long-lived
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	MaxUploadSize   ByteSize      `mapstructure:"max_upload_size"`
}

// AuthConfig holds API key configuration.
type AuthConfig struct {
	// APIKey is compared against X-API-Key / api_key. Empty generates a key at startup.
	APIKey      string `mapstructure:"api_key" masq:"secret"`
	PublicFiles bool   `mapstructure:"public_files"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn" masq:"secret"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StoreConfig selects the job state store backend.
type StoreConfig struct {
	Backend string      `mapstructure:"backend"` // database, redis
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds redis connection settings for the redis job store.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password" masq:"secret"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// StorageConfig holds staging directory configuration.
type StorageConfig struct {
	BaseDir    string `mapstructure:"base_dir"`
	UploadDir  string `mapstructure:"upload_dir"`
	OutputDir  string `mapstructure:"output_dir"`
	PublishDir string `mapstructure:"publish_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// FFmpegConfig holds transcoder binary and command configuration.
type FFmpegConfig struct {
	BinaryPath   string        `mapstructure:"binary_path"` // empty = auto-detect
	ProbePath    string        `mapstructure:"probe_path"`  // empty = auto-detect
	CommandToken string        `mapstructure:"command_token"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	ProbeRemote  bool          `mapstructure:"probe_remote"`
	// AssumedDuration drives progress estimates when the source duration is unknown.
	AssumedDuration time.Duration `mapstructure:"assumed_duration"`
	MaxErrorLogSize ByteSize      `mapstructure:"max_error_log_size"`
}

// JobsConfig holds job pool configuration.
type JobsConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	MaxPerClient  int           `mapstructure:"max_per_client"` // 0 = unlimited
	Timeout       time.Duration `mapstructure:"timeout"`
}

// DownloadConfig holds remote input fetch configuration.
type DownloadConfig struct {
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	ChunkSize        ByteSize      `mapstructure:"chunk_size"`
	MaxSize          ByteSize      `mapstructure:"max_size"` // 0 = unlimited
	CircuitThreshold int           `mapstructure:"circuit_threshold"`
	CircuitTimeout   time.Duration `mapstructure:"circuit_timeout"`
}

// CleanupConfig holds staging sweeper configuration.
type CleanupConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Schedule  string        `mapstructure:"schedule"` // cron expression or descriptor
	Retention time.Duration `mapstructure:"retention"`
	// JobRetention bounds how long finished job records are kept. Zero keeps them forever.
	JobRetention time.Duration `mapstructure:"job_retention"`
}

// ObjectStoreConfig holds artifact storage configuration.
type ObjectStoreConfig struct {
	Backend       string   `mapstructure:"backend"` // local, s3
	KeyPrefix     string   `mapstructure:"key_prefix"`
	PublicBaseURL string   `mapstructure:"public_base_url"`
	S3            S3Config `mapstructure:"s3"`
}

// S3Config holds S3-compatible storage settings.
type S3Config struct {
	Endpoint       string        `mapstructure:"endpoint"`
	Region         string        `mapstructure:"region"`
	Bucket         string        `mapstructure:"bucket"`
	AccessKey      string        `mapstructure:"access_key"`
	SecretKey      string        `mapstructure:"secret_key" masq:"secret"`
	UseSSL         bool          `mapstructure:"use_ssl"`
	PublicEndpoint string        `mapstructure:"public_endpoint"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// EventsConfig holds job event publishing configuration.
type EventsConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig holds kafka publisher settings.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Example: TRANSCODARR_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/transcodarr")
		v.AddConfigPath("$HOME/.transcodarr")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper decodes and validates configuration from an already-populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultReadTimeout)
	v.SetDefault("server.write_timeout", time.Duration(0))
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_upload_size", defaultMaxUploadSize)

	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.public_files", true)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "transcodarr.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("store.backend", "database")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.key_prefix", "transcodarr:job:")
	v.SetDefault("store.redis.ttl", defaultRedisTTL)

	v.SetDefault("storage.base_dir", "/tmp/transcodarr")
	v.SetDefault("storage.upload_dir", "uploads")
	v.SetDefault("storage.output_dir", "output")
	v.SetDefault("storage.publish_dir", "published")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
	v.SetDefault("ffmpeg.command_token", "ffmpeg")
	v.SetDefault("ffmpeg.probe_timeout", defaultProbeTimeout)
	v.SetDefault("ffmpeg.probe_remote", true)
	v.SetDefault("ffmpeg.assumed_duration", defaultAssumedDuration)
	v.SetDefault("ffmpeg.max_error_log_size", defaultErrorLogSize)

	v.SetDefault("jobs.max_concurrent", defaultMaxConcurrentJobs)
	v.SetDefault("jobs.max_per_client", defaultMaxJobsPerClient)
	v.SetDefault("jobs.timeout", defaultJobTimeout)

	v.SetDefault("download.connect_timeout", defaultConnectTimeout)
	v.SetDefault("download.idle_timeout", defaultIdleTimeout)
	v.SetDefault("download.chunk_size", defaultChunkSize)
	v.SetDefault("download.max_size", "0")
	v.SetDefault("download.circuit_threshold", defaultCircuitThreshold)
	v.SetDefault("download.circuit_timeout", defaultCircuitTimeout)

	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.schedule", defaultCleanupSchedule)
	v.SetDefault("cleanup.retention", defaultCleanupRetention)
	v.SetDefault("cleanup.job_retention", defaultJobRetention)

	v.SetDefault("object_store.backend", "local")
	v.SetDefault("object_store.key_prefix", "media/edited")
	v.SetDefault("object_store.public_base_url", "http://localhost:3000/files")
	v.SetDefault("object_store.s3.region", "us-east-1")
	v.SetDefault("object_store.s3.use_ssl", true)
	v.SetDefault("object_store.s3.request_timeout", defaultObjectTimeout)

	v.SetDefault("events.kafka.enabled", false)
	v.SetDefault("events.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("events.kafka.topic", "transcodarr.jobs")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	switch c.Store.Backend {
	case "database":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend must be one of: database, redis")
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if strings.TrimSpace(c.FFmpeg.CommandToken) == "" {
		return fmt.Errorf("ffmpeg.command_token is required")
	}
	if c.FFmpeg.ProbeTimeout <= 0 {
		return fmt.Errorf("ffmpeg.probe_timeout must be positive")
	}

	if c.Jobs.MaxConcurrent < 1 {
		return fmt.Errorf("jobs.max_concurrent must be at least 1")
	}
	if c.Jobs.MaxPerClient < 0 {
		return fmt.Errorf("jobs.max_per_client must not be negative")
	}
	if c.Jobs.Timeout <= 0 {
		return fmt.Errorf("jobs.timeout must be positive")
	}

	if c.Download.ConnectTimeout <= 0 {
		return fmt.Errorf("download.connect_timeout must be positive")
	}
	if c.Download.ChunkSize <= 0 {
		return fmt.Errorf("download.chunk_size must be positive")
	}

	if c.Cleanup.Enabled && c.Cleanup.Retention <= 0 {
		return fmt.Errorf("cleanup.retention must be positive")
	}

	switch c.ObjectStore.Backend {
	case "local":
	case "s3":
		if c.ObjectStore.S3.Bucket == "" || c.ObjectStore.S3.Endpoint == "" {
			return fmt.Errorf("object_store.s3.bucket and object_store.s3.endpoint are required for the s3 backend")
		}
	default:
		return fmt.Errorf("object_store.backend must be one of: local, s3")
	}

	if c.Events.Kafka.Enabled && (len(c.Events.Kafka.Brokers) == 0 || c.Events.Kafka.Topic == "") {
		return fmt.Errorf("events.kafka.brokers and events.kafka.topic are required when kafka is enabled")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// UploadPath returns the full path to the upload staging directory.
func (c *StorageConfig) UploadPath() string {
	return filepath.Join(c.BaseDir, c.UploadDir)
}

// OutputPath returns the full path to the output staging directory.
func (c *StorageConfig) OutputPath() string {
	return filepath.Join(c.BaseDir, c.OutputDir)
}

// PublishPath returns the full path to the local object store root.
func (c *StorageConfig) PublishPath() string {
	return filepath.Join(c.BaseDir, c.PublishDir)
}
