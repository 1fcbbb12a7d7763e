package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Change feed sources
const (
	FeedPostgres = "postgres"
	FeedRabbitMQ = "rabbitmq"
	FeedNATS     = "nats"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	NATS     NATSConfig     `yaml:"nats"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Feed     FeedConfig     `yaml:"feed"`
	Notify   NotifyConfig   `yaml:"notify"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Uploader UploaderConfig `yaml:"uploader"`
	Ops      OpsConfig      `yaml:"ops"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ApplicationName string        `yaml:"application_name"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings. A zero prefetch count
// follows worker concurrency.
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// NATSConfig holds NATS connection and subject configuration
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	Subject       string        `yaml:"subject"`
	Queue         string        `yaml:"queue"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects"`
	Timeout       time.Duration `yaml:"timeout"`
}

// MinIOConfig holds the S3-compatible object store used for s3:// locators
type MinIOConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// FeedConfig selects and configures the change feed
type FeedConfig struct {
	Source   string             `yaml:"source"`
	Table    string             `yaml:"table"`
	Postgres PostgresFeedConfig `yaml:"postgres"`
}

// PostgresFeedConfig holds LISTEN/NOTIFY settings
type PostgresFeedConfig struct {
	Channel              string        `yaml:"channel"`
	MinReconnectInterval time.Duration `yaml:"min_reconnect_interval"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	Backfill             bool          `yaml:"backfill"`
	// rows per backfill page; paging continues until no pending row is left
	BackfillLimit int `yaml:"backfill_limit"`
}

// NotifyConfig holds the outcome reporter settings
type NotifyConfig struct {
	RabbitMQ NotifyRabbitMQConfig `yaml:"rabbitmq"`
	NATS     NotifyNATSConfig     `yaml:"nats"`
}

// NotifyRabbitMQConfig publishes outcomes to a dedicated exchange
type NotifyRabbitMQConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Exchange      string `yaml:"exchange"`
	ExchangeType  string `yaml:"exchange_type"`
	RoutingPrefix string `yaml:"routing_prefix"`
}

// NotifyNATSConfig publishes outcomes on NATS subjects
type NotifyNATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID              string            `yaml:"id"`
	Concurrency     int               `yaml:"concurrency"`
	WorkDir         string            `yaml:"work_dir"`
	FileExtension   string            `yaml:"file_extension"`
	HTTPTimeout     time.Duration     `yaml:"http_timeout"`
	JobTimeout      time.Duration     `yaml:"job_timeout"`
	RecordTimeout   time.Duration     `yaml:"record_timeout"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	// RUNNING rows claimed longer ago than this may be retried from the admin API
	StaleAfter      time.Duration     `yaml:"stale_after"`
	Resubscribe     ResubscribeConfig `yaml:"resubscribe"`
}

// ResubscribeConfig bounds re-subscription after the feed is lost
type ResubscribeConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// DispatchConfig holds the per-video options sent to the external uploader
type DispatchConfig struct {
	Language           string        `yaml:"language"`
	Playlist           string        `yaml:"playlist"`
	UploadAsDraft      bool          `yaml:"upload_as_draft"`
	IsAgeRestriction   bool          `yaml:"is_age_restriction"`
	IsNotForKid        bool          `yaml:"is_not_for_kid"`
	IsChannelMonetized bool          `yaml:"is_channel_monetized"`
	SkipProcessingWait bool          `yaml:"skip_processing_wait"`
	ConfirmTimeout     time.Duration `yaml:"confirm_timeout"`
	Headless           bool          `yaml:"headless"`
	BrowserArgs        []string      `yaml:"browser_args"`
}

// UploaderConfig describes the external uploader command
type UploaderConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Dir     string   `yaml:"dir"`
	Env     []string `yaml:"env"`
}

// OpsConfig holds the worker's health and metrics endpoint
type OpsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads and parses the configuration file, then applies environment
// overrides and defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv()
	config.applyDefaults()

	return &config, nil
}

// applyEnv overrides secrets and endpoints from the environment
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("RABBITMQ_PASSWORD"); v != "" {
		c.RabbitMQ.Password = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		c.MinIO.SecretKey = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
}

func (c *Config) applyDefaults() {
	c.Feed.Source = strings.ToLower(strings.TrimSpace(c.Feed.Source))
	if c.Feed.Source == "" {
		c.Feed.Source = FeedPostgres
	}
	if c.Feed.Table == "" {
		c.Feed.Table = "youtube_video"
	}
	if c.Feed.Postgres.Channel == "" {
		c.Feed.Postgres.Channel = "youtube_video_events"
	}
	if c.Feed.Postgres.BackfillLimit <= 0 {
		c.Feed.Postgres.BackfillLimit = 500
	}

	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.RetryInterval <= 0 {
		c.Database.RetryInterval = 2 * time.Second
	}

	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "direct"
	}
	if c.Notify.RabbitMQ.ExchangeType == "" {
		c.Notify.RabbitMQ.ExchangeType = "topic"
	}

	if c.Worker.FileExtension == "" {
		c.Worker.FileExtension = ".mp4"
	}
	if c.Worker.Resubscribe.MaxAttempts <= 0 {
		c.Worker.Resubscribe.MaxAttempts = 5
	}
	if c.Worker.Resubscribe.InitialBackoff <= 0 {
		c.Worker.Resubscribe.InitialBackoff = time.Second
	}
	if c.Worker.Resubscribe.MaxBackoff <= 0 {
		c.Worker.Resubscribe.MaxBackoff = 30 * time.Second
	}
	if c.Worker.RecordTimeout <= 0 {
		c.Worker.RecordTimeout = 10 * time.Second
	}
	if c.Worker.StaleAfter <= 0 && c.Worker.JobTimeout > 0 {
		c.Worker.StaleAfter = c.Worker.JobTimeout + c.Worker.RecordTimeout
	}

	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
}

// ValidateAdminConfig checks the settings needed by the admin API
func (c *Config) ValidateAdminConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	return c.validateFeed()
}

// ValidateWorkerConfig checks the settings needed by the publish worker
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateFeed(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return errors.New("worker concurrency must be greater than 0")
	}

	if c.Worker.WorkDir == "" {
		return errors.New("worker work_dir is required")
	}

	if c.Worker.JobTimeout < 0 {
		return errors.New("worker job_timeout must not be negative")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return errors.New("worker shutdown_timeout must be greater than 0")
	}

	if c.Dispatch.ConfirmTimeout < 0 {
		return errors.New("dispatch confirm_timeout must not be negative")
	}

	if c.Uploader.Command == "" {
		return errors.New("uploader command is required")
	}

	if c.MinIO.Enabled && c.MinIO.Endpoint == "" {
		return errors.New("minio endpoint is required when minio is enabled")
	}

	if c.Notify.RabbitMQ.Enabled {
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
		if c.Notify.RabbitMQ.Exchange == "" {
			return errors.New("notify rabbitmq exchange is required")
		}
	}

	if c.Notify.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats url is required when nats notifications are enabled")
	}

	if c.Ops.Enabled && (c.Ops.Port < MinPort || c.Ops.Port > MaxPort) {
		return fmt.Errorf("invalid ops port: %d (must be between %d and %d)", c.Ops.Port, MinPort, MaxPort)
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return errors.New("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return errors.New("database name is required")
	}

	return nil
}

func (c *Config) validateFeed() error {
	switch c.Feed.Source {
	case FeedPostgres:
		if c.Feed.Postgres.Channel == "" {
			return errors.New("feed postgres channel is required")
		}
	case FeedRabbitMQ:
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
		if c.RabbitMQ.Queue.Name == "" {
			return errors.New("rabbitmq queue name is required")
		}
	case FeedNATS:
		if c.NATS.URL == "" {
			return errors.New("nats url is required")
		}
		if c.NATS.Subject == "" {
			return errors.New("nats subject is required")
		}
	default:
		return fmt.Errorf("unknown feed source: %q (want %s, %s or %s)", c.Feed.Source, FeedPostgres, FeedRabbitMQ, FeedNATS)
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return errors.New("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	return nil
}
