package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all service configuration
type Config struct {
	Service      ServiceConfig      `mapstructure:"service"`
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Authority    AuthorityConfig    `mapstructure:"authority"`
	Notification NotificationConfig `mapstructure:"notification"`
	Signature    SignatureConfig    `mapstructure:"signature"`
	Dispatch     DispatchConfig     `mapstructure:"dispatch"`
	Leave        LeaveConfig        `mapstructure:"leave"`
	Log          LogConfig          `mapstructure:"log"`
}

// ServiceConfig identifies the running service
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Version     string `mapstructure:"version"`
}

// ServerConfig holds HTTP and gRPC listener configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver      string        `mapstructure:"driver"` // postgres | memory
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	Database    string        `mapstructure:"name"`
	SSLMode     string        `mapstructure:"sslmode"`
	MaxConns    int32         `mapstructure:"max_conns"`
	MinConns    int32         `mapstructure:"min_conns"`
	MaxConnTime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheck time.Duration `mapstructure:"health_check_period"`
}

// NATSConfig holds the notification bus configuration
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	Stream        string `mapstructure:"stream"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// AuthorityConfig points at the external authority-check service
type AuthorityConfig struct {
	GRPCAddr string        `mapstructure:"grpc_addr"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// NotificationConfig bounds notification delivery
type NotificationConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// SignatureConfig holds the step-signature key
type SignatureConfig struct {
	Secret string `mapstructure:"secret"`
}

// DispatchConfig sizes the asynchronous side-effect worker pool
type DispatchConfig struct {
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

// LeaveConfig holds leave accounting defaults
type LeaveConfig struct {
	HoursPerDay float64 `mapstructure:"hours_per_day"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from an optional YAML file and the environment.
// Environment variables use the HRAPPROVALS_ prefix, e.g. HRAPPROVALS_DATABASE_HOST.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HRAPPROVALS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "be-hr-approvals")
	v.SetDefault("service.environment", "development")
	v.SetDefault("service.version", "dev")

	v.SetDefault("server.port", 8086)
	v.SetDefault("server.grpc_port", 9086)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.name", "hr_approvals")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.max_conn_idle_time", 30*time.Minute)
	v.SetDefault("database.health_check_period", time.Minute)

	v.SetDefault("nats.stream", "NOTIFICATIONS")
	v.SetDefault("nats.subject_prefix", "notifications.hr")

	v.SetDefault("authority.timeout", 3*time.Second)
	v.SetDefault("notification.timeout", 5*time.Second)

	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.queue_size", 1024)
	v.SetDefault("dispatch.task_timeout", 10*time.Second)

	v.SetDefault("leave.hours_per_day", 8.0)

	v.SetDefault("log.level", "info")
}

// bindEnvVars binds the unprefixed variables deployments already use
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("log.level", "HRAPPROVALS_LOG_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("database.password", "HRAPPROVALS_DATABASE_PASSWORD", "DB_PASSWORD")
	_ = v.BindEnv("nats.url", "HRAPPROVALS_NATS_URL", "NATS_URL")
	_ = v.BindEnv("authority.grpc_addr", "HRAPPROVALS_AUTHORITY_GRPC_ADDR", "AUTHORITY_GRPC_URL")
	_ = v.BindEnv("signature.secret", "HRAPPROVALS_SIGNATURE_SECRET", "SIGNATURE_SECRET")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" || c.Database.Database == "" {
			return fmt.Errorf("database.host and database.name are required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be postgres or memory, got %q", c.Database.Driver)
	}

	if c.Signature.Secret == "" {
		return fmt.Errorf("signature.secret is required")
	}
	if c.Authority.Timeout <= 0 {
		return fmt.Errorf("authority.timeout must be positive")
	}
	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be at least 1")
	}
	if c.Dispatch.QueueSize < 1 {
		return fmt.Errorf("dispatch.queue_size must be at least 1")
	}
	if c.Leave.HoursPerDay <= 0 || c.Leave.HoursPerDay > 24 {
		return fmt.Errorf("leave.hours_per_day must be in (0, 24]")
	}
	return nil
}

// DSN builds a Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}
