package config

import (
	"fmt"
	"os"
	"time"

	"github.com/renderexpo/studio-backend/internal/artifact"
	"github.com/renderexpo/studio-backend/internal/domain"
	"github.com/renderexpo/studio-backend/internal/gate"
	"github.com/renderexpo/studio-backend/internal/provider"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Provider kinds
const (
	ProviderHTTP        = "http"
	ProviderPlaceholder = "placeholder"
)

// Config represents the complete application configuration
type Config struct {
	App        AppConfig       `yaml:"app"`
	Server     ServerConfig    `yaml:"server"`
	Database   DatabaseConfig  `yaml:"database"`
	RabbitMQ   RabbitMQConfig  `yaml:"rabbitmq"`
	Logging    LoggingConfig   `yaml:"logging"`
	Worker     WorkerConfig    `yaml:"worker"`
	Runtime    RuntimeConfig   `yaml:"runtime"`
	Outputs    OutputsConfig   `yaml:"outputs"`
	Models     ModelsConfig    `yaml:"models"`
	Provider   ProviderConfig  `yaml:"provider"`
	Validation domain.Bounds   `yaml:"validation"`
	Safety     SafetyConfig    `yaml:"safety"`
	Artifacts  ArtifactsConfig `yaml:"artifacts"`
	Cache      CacheConfig     `yaml:"cache"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxConnections caps concurrently accepted connections. Zero means no cap.
	MaxConnections int `yaml:"max_connections"`
}

// DatabaseConfig holds job store connection configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
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
	Name               string `yaml:"name"`
	Durable            bool   `yaml:"durable"`
	AutoDelete         bool   `yaml:"auto_delete"`
	Exclusive          bool   `yaml:"exclusive"`
	DeadLetterExchange string `yaml:"dead_letter_exchange"`
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

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
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
	ID                string        `yaml:"id"`
	Concurrency       int           `yaml:"concurrency"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StageTimeout      time.Duration `yaml:"stage_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// RuntimeConfig declares what the process is allowed to execute.
type RuntimeConfig struct {
	Mode string `yaml:"mode"`
}

// OutputsConfig holds the artifact roots.
type OutputsConfig struct {
	Root        string `yaml:"root"`
	UploadsRoot string `yaml:"uploads_root"`
}

// ModelsConfig maps capability names to model weights paths.
type ModelsConfig struct {
	Paths         map[string]string `yaml:"paths"`
	VerifyWeights bool              `yaml:"verify_weights"`
}

// ProviderConfig selects the capability provider of the worker.
type ProviderConfig struct {
	Kind    string        `yaml:"kind"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// SafetyConfig extends the built-in prompt denylist.
type SafetyConfig struct {
	ExtraTerms []string `yaml:"extra_terms"`
}

// ArtifactsConfig holds the optional object storage mirror.
type ArtifactsConfig struct {
	MirrorEnabled bool              `yaml:"mirror_enabled"`
	S3            artifact.S3Config `yaml:"s3"`
}

// CacheConfig sizes the terminal job snapshot cache. Zero disables it.
type CacheConfig struct {
	Size int `yaml:"size"`
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment first.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// ValidateAPIConfig checks the settings the control plane needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server max_connections must not be negative")
	}
	if err := c.validateShared(); err != nil {
		return err
	}
	// The control plane never loads models, so it must not claim GPU capability.
	if c.Runtime.Mode != string(gate.ModeControl) {
		return fmt.Errorf("api service requires runtime mode %q, got %q", gate.ModeControl, c.Runtime.Mode)
	}
	if err := c.Validation.WithDefaults().Validate(); err != nil {
		return fmt.Errorf("invalid validation bounds: %w", err)
	}
	return nil
}

// ValidateWorkerConfig checks the settings the GPU worker needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}
	if c.Worker.LeaseTTL <= 0 {
		return fmt.Errorf("worker lease_ttl must be greater than 0")
	}
	if c.Worker.HeartbeatInterval <= 0 || c.Worker.HeartbeatInterval >= c.Worker.LeaseTTL {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0 and shorter than lease_ttl")
	}
	if c.Worker.StageTimeout < 0 {
		return fmt.Errorf("worker stage_timeout must not be negative")
	}
	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	switch c.Provider.Kind {
	case ProviderPlaceholder:
	case ProviderHTTP:
		if c.Provider.BaseURL == "" {
			return fmt.Errorf("provider base_url is required for kind %q", ProviderHTTP)
		}
	default:
		return fmt.Errorf("unknown provider kind %q (want %q or %q)", c.Provider.Kind, ProviderHTTP, ProviderPlaceholder)
	}

	if _, err := c.Models.ProviderModels(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateShared() error {
	if _, err := gate.ParseMode(c.Runtime.Mode); err != nil {
		return err
	}

	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite3")
		}
	case "", "postgres", "pgx":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}
	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}
	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}
	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.Outputs.Root == "" {
		return fmt.Errorf("outputs root is required")
	}
	if c.Outputs.UploadsRoot == "" {
		return fmt.Errorf("outputs uploads_root is required")
	}

	if c.Artifacts.MirrorEnabled && (c.Artifacts.S3.Endpoint == "" || c.Artifacts.S3.Bucket == "") {
		return fmt.Errorf("artifacts s3 endpoint and bucket are required when the mirror is enabled")
	}
	if c.Cache.Size < 0 {
		return fmt.Errorf("cache size must not be negative")
	}
	return nil
}

// ProviderModels converts the configured paths into the provider lookup table.
func (m ModelsConfig) ProviderModels() (provider.Models, error) {
	known := make(map[domain.Capability]bool)
	for _, d := range domain.Stages() {
		known[d.Capability] = true
	}

	paths := make(map[domain.Capability]string, len(m.Paths))
	for name, path := range m.Paths {
		capability := domain.Capability(name)
		if !known[capability] || !capability.Heavy() {
			return provider.Models{}, fmt.Errorf("models: unknown capability %q", name)
		}
		paths[capability] = path
	}
	return provider.Models{Paths: paths, VerifyFiles: m.VerifyWeights}, nil
}
