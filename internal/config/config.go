// Package config loads and validates the engine configuration from a YAML
// file with environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full engine configuration.
type Config struct {
	Kubernetes    KubernetesConfig    `mapstructure:"kubernetes" validate:"required"`
	Postgres      PostgresConfig      `mapstructure:"postgres" validate:"required"`
	Kafka         KafkaConfig         `mapstructure:"kafka" validate:"required"`
	Orchestration OrchestrationConfig `mapstructure:"orchestration" validate:"required"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Scanners      []ScannerConfig     `mapstructure:"scanners" validate:"min=1,dive"`
}

// KubernetesConfig locates the execution substrate.
type KubernetesConfig struct {
	// Namespace holds every engine-owned bundle and unit.
	Namespace string `mapstructure:"namespace" validate:"required"`

	// MountPath is where units see their source bundle.
	MountPath string `mapstructure:"mount_path" validate:"required,startswith=/"`
}

// PostgresConfig describes the findings/status database.
type PostgresConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password" validate:"required"`
	Database string `mapstructure:"database" validate:"required"`
	SSLMode  string `mapstructure:"ssl_mode" validate:"oneof=disable require verify-ca verify-full"`
}

// DSN renders the pgx connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// KafkaConfig describes the lifecycle event broker.
type KafkaConfig struct {
	Brokers         []string `mapstructure:"brokers" validate:"min=1,dive,required"`
	ScanEventsTopic string   `mapstructure:"scan_events_topic" validate:"required"`
	ClientID        string   `mapstructure:"client_id" validate:"required"`
}

// OrchestrationConfig tunes the scan execution paths.
type OrchestrationConfig struct {
	// PollInterval is the completion watcher's per-unit poll period.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"required,min=1s"`

	// PollRatePerSecond bounds aggregate poll pressure on the API server.
	PollRatePerSecond float64 `mapstructure:"poll_rate_per_second" validate:"required,gt=0"`
	PollBurst         int     `mapstructure:"poll_burst" validate:"required,gt=0"`

	// MaxConcurrentUnits is the namespace quota; zero disables it.
	MaxConcurrentUnits int `mapstructure:"max_concurrent_units" validate:"min=0"`

	// UnitTTL is the unconditional garbage-collection backstop.
	UnitTTL time.Duration `mapstructure:"unit_ttl" validate:"required,min=1m"`

	// SweepInterval and SweepMaxAge drive the leaked artifact sweeper.
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"required,min=1m"`
	SweepMaxAge   time.Duration `mapstructure:"sweep_max_age" validate:"required,min=1h"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	Endpoint            string  `mapstructure:"endpoint" validate:"required_if=Enabled true"`
	SamplingProbability float64 `mapstructure:"sampling_probability" validate:"min=0,max=1"`
}

// ScannerConfig registers one scanner, optionally overriding its default
// image and resource profile.
type ScannerConfig struct {
	ID            string        `mapstructure:"id" validate:"required,oneof=slither mythril"`
	Image         string        `mapstructure:"image"`
	CPURequest    string        `mapstructure:"cpu_request"`
	CPULimit      string        `mapstructure:"cpu_limit"`
	MemoryRequest string        `mapstructure:"memory_request"`
	MemoryLimit   string        `mapstructure:"memory_limit"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxRetries    int           `mapstructure:"max_retries" validate:"min=0,max=3"`
}

// Load reads the configuration file at path, applies SCAN_ENGINE_* env
// overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetEnvPrefix("SCAN_ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("kubernetes.namespace", "scan-engine")
	v.SetDefault("kubernetes.mount_path", "/workspace/source")

	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.ssl_mode", "disable")

	v.SetDefault("orchestration.poll_interval", 5*time.Second)
	v.SetDefault("orchestration.poll_rate_per_second", 10.0)
	v.SetDefault("orchestration.poll_burst", 20)
	v.SetDefault("orchestration.max_concurrent_units", 32)
	v.SetDefault("orchestration.unit_ttl", time.Hour)
	v.SetDefault("orchestration.sweep_interval", 15*time.Minute)
	v.SetDefault("orchestration.sweep_max_age", 2*time.Hour)

	v.SetDefault("telemetry.sampling_probability", 1.0)
}
