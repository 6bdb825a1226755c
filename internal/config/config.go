package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/async-executor/internal/executor"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Executor ExecutorConfig `yaml:"executor"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host" env:"DATABASE_HOST"`
	Port            int           `yaml:"port" env:"DATABASE_PORT"`
	User            string        `yaml:"user" env:"DATABASE_USER"`
	Password        string        `yaml:"password" env:"DATABASE_PASSWORD"`
	Database        string        `yaml:"database" env:"DATABASE_NAME"`
	SSLMode         string        `yaml:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	// RunMigrations applies the embedded schema migrations at startup
	RunMigrations bool `yaml:"run_migrations" env:"DATABASE_RUN_MIGRATIONS"`
}

// RabbitMQConfig holds RabbitMQ connection and endpoint configuration.
// Relay carries job payloads and outcome events to the interpreter; Intake
// receives enqueue requests from it.
type RabbitMQConfig struct {
	Host       string           `yaml:"host" env:"RABBITMQ_HOST"`
	Port       int              `yaml:"port" env:"RABBITMQ_PORT"`
	User       string           `yaml:"user" env:"RABBITMQ_USER"`
	Password   string           `yaml:"password" env:"RABBITMQ_PASSWORD"`
	VHost      string           `yaml:"vhost" env:"RABBITMQ_VHOST"`
	Relay      EndpointConfig   `yaml:"relay"`
	Intake     IntakeConfig     `yaml:"intake"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	// EventsRoutingKey prefixes the routing key of job outcome events.
	// Empty disables event publishing.
	EventsRoutingKey string `yaml:"events_routing_key"`
}

// EndpointConfig binds one queue to one exchange
type EndpointConfig struct {
	Exchange   ExchangeConfig `yaml:"exchange"`
	Queue      QueueConfig    `yaml:"queue"`
	RoutingKey string         `yaml:"routing_key"`
}

// IntakeConfig holds the enqueue-request endpoint
type IntakeConfig struct {
	EndpointConfig `yaml:",inline"`
	Enabled        bool `yaml:"enabled" env:"RABBITMQ_INTAKE_ENABLED"`
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

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count" env:"RABBITMQ_PREFETCH_COUNT"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LOG_LEVEL"`
	Format       string `yaml:"format" env:"LOG_FORMAT"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	TimeFormat   string `yaml:"time_format"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment" env:"APP_ENV"`
}

// ExecutorConfig holds job executor configuration
type ExecutorConfig struct {
	Activate              bool          `yaml:"activate" env:"EXECUTOR_ACTIVATE"`
	LockOwner             string        `yaml:"lock_owner" env:"EXECUTOR_LOCK_OWNER"`
	AcquireInterval       time.Duration `yaml:"acquire_interval" env:"EXECUTOR_ACQUIRE_INTERVAL"`
	MaxJobsPerAcquisition int           `yaml:"max_jobs_per_acquisition" env:"EXECUTOR_MAX_JOBS_PER_ACQUISITION"`
	PoolSize              int           `yaml:"pool_size" env:"EXECUTOR_POOL_SIZE"`
	QueueSize             int           `yaml:"queue_size" env:"EXECUTOR_QUEUE_SIZE"`
	LowWaterMark          int           `yaml:"low_water_mark" env:"EXECUTOR_LOW_WATER_MARK"`
	LeaseDuration         time.Duration `yaml:"lease_duration" env:"EXECUTOR_LEASE_DURATION"`
	JobTimeout            time.Duration `yaml:"job_timeout" env:"EXECUTOR_JOB_TIMEOUT"`
	MaxRetries            int           `yaml:"max_retries" env:"EXECUTOR_MAX_RETRIES"`
	BackoffBase           time.Duration `yaml:"backoff_base" env:"EXECUTOR_BACKOFF_BASE"`
	BackoffCap            time.Duration `yaml:"backoff_cap" env:"EXECUTOR_BACKOFF_CAP"`
	BackoffMultiplier     float64       `yaml:"backoff_multiplier" env:"EXECUTOR_BACKOFF_MULTIPLIER"`
	JitterFraction        float64       `yaml:"jitter_fraction" env:"EXECUTOR_JITTER_FRACTION"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout" env:"EXECUTOR_SHUTDOWN_TIMEOUT"`
}

// ToExecutorConfig converts the file settings into an executor.Config
func (c ExecutorConfig) ToExecutorConfig() executor.Config {
	return executor.Config{
		Activate:              c.Activate,
		LockOwner:             c.LockOwner,
		AcquireInterval:       c.AcquireInterval,
		MaxJobsPerAcquisition: c.MaxJobsPerAcquisition,
		PoolSize:              c.PoolSize,
		QueueSize:             c.QueueSize,
		LowWaterMark:          c.LowWaterMark,
		LeaseDuration:         c.LeaseDuration,
		JobTimeout:            c.JobTimeout,
		MaxRetries:            c.MaxRetries,
		BackoffBase:           c.BackoffBase,
		BackoffCap:            c.BackoffCap,
		BackoffMultiplier:     c.BackoffMultiplier,
		JitterFraction:        c.JitterFraction,
		ShutdownTimeout:       c.ShutdownTimeout,
	}
}

func defaultExecutorConfig() ExecutorConfig {
	d := executor.DefaultConfig()
	return ExecutorConfig{
		Activate:              d.Activate,
		AcquireInterval:       d.AcquireInterval,
		MaxJobsPerAcquisition: d.MaxJobsPerAcquisition,
		PoolSize:              d.PoolSize,
		QueueSize:             d.QueueSize,
		LowWaterMark:          d.LowWaterMark,
		LeaseDuration:         d.LeaseDuration,
		JobTimeout:            d.JobTimeout,
		MaxRetries:            d.MaxRetries,
		BackoffBase:           d.BackoffBase,
		BackoffCap:            d.BackoffCap,
		BackoffMultiplier:     d.BackoffMultiplier,
		JitterFraction:        d.JitterFraction,
		ShutdownTimeout:       d.ShutdownTimeout,
	}
}

// Load reads and parses the configuration file, then applies environment
// variable overrides. Executor settings missing from the file keep their
// defaults.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{Executor: defaultExecutorConfig()}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return &config, nil
}

// Validate checks the settings shared by every service
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Relay.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq relay exchange name is required")
	}

	if c.RabbitMQ.Relay.Queue.Name == "" {
		return fmt.Errorf("rabbitmq relay queue name is required")
	}

	return nil
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	return c.validateDatabase()
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.RabbitMQ.Intake.Enabled {
		if c.RabbitMQ.Intake.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq intake exchange name is required")
		}
		if c.RabbitMQ.Intake.Queue.Name == "" {
			return fmt.Errorf("rabbitmq intake queue name is required")
		}
		if c.RabbitMQ.Consumer.PrefetchCount <= 0 {
			return fmt.Errorf("rabbitmq consumer prefetch_count must be greater than 0")
		}
	}

	if err := c.Executor.ToExecutorConfig().Validate(); err != nil {
		return err
	}

	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}
