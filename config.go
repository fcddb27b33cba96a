package eventide

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/eventide/internal/timer"
	"github.com/petrijr/eventide/pkg/worker"
)

// Backend names accepted by Config.Backend.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

// Transport names accepted by Config.Transport.
const (
	TransportMemory    = "memory"
	TransportWatermill = "watermill"
)

// Config configures a Runtime. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	// Backend selects the store and timer queue.
	Backend string `yaml:"backend" validate:"oneof=memory sqlite postgres redis mongo"`

	// Transport selects the execution queue and task channel.
	Transport string `yaml:"transport" validate:"oneof=memory watermill"`

	// DSN is the database for the sqlite and postgres backends.
	DSN string `yaml:"dsn" validate:"required_if=Backend sqlite,required_if=Backend postgres"`

	RedisAddr     string `yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string `yaml:"redis_password"`
	KeyPrefix     string `yaml:"key_prefix"`

	MongoURI      string `yaml:"mongo_uri" validate:"required_if=Backend mongo"`
	MongoDatabase string `yaml:"mongo_database" validate:"required_if=Backend mongo"`

	// TimerThreshold splits short-path timers from long-path timers. It is
	// a safety margin for the scheduler's accuracy.
	TimerThreshold    time.Duration `yaml:"timer_threshold" validate:"gt=0"`
	TimerPollInterval time.Duration `yaml:"timer_poll_interval" validate:"gt=0"`

	BatchSize           int `yaml:"batch_size" validate:"gte=1"`
	OrchestratorWorkers int `yaml:"orchestrator_workers" validate:"gte=1"`
	TaskWorkers         int `yaml:"task_workers" validate:"gte=1"`
	TimerWorkers        int `yaml:"timer_workers" validate:"gte=1"`

	LeaseTTL time.Duration `yaml:"lease_ttl" validate:"gt=0"`

	// RetryBackoff delays redelivery of failed turns and deliveries.
	RetryBackoff time.Duration `yaml:"retry_backoff" validate:"gte=0"`

	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// DefaultConfig returns an in-memory configuration.
func DefaultConfig() Config {
	return Config{
		Backend:             BackendMemory,
		Transport:           TransportMemory,
		KeyPrefix:           "eventide:",
		MongoDatabase:       "eventide",
		TimerThreshold:      timer.DefaultThreshold,
		TimerPollInterval:   100 * time.Millisecond,
		BatchSize:           worker.DefaultBatchSize,
		OrchestratorWorkers: 2,
		TaskWorkers:         worker.DefaultConcurrency,
		TimerWorkers:        2,
		LeaseTTL:            30 * time.Second,
		RetryBackoff:        worker.DefaultErrorBackoff,
		LogLevel:            "info",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("eventide: invalid config: %w", err)
	}
	return nil
}

// ParseConfig reads YAML over DefaultConfig and validates the result.
// Durations are written as Go duration strings ("15m", "250ms").
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("eventide: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("eventide: read config: %w", err)
	}
	return ParseConfig(data)
}

// SlogLevel maps LogLevel to a slog level. Unknown levels map to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c Config) workerConfig(concurrency int, logger *slog.Logger, observer Observer) worker.Config {
	return worker.Config{
		BatchSize:    c.BatchSize,
		Concurrency:  concurrency,
		ErrorBackoff: c.RetryBackoff,
		Logger:       logger,
		Observer:     observer,
	}
}
