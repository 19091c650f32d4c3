// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/flyingrobots/reliable-messaging-core/internal/dialect"
	"github.com/flyingrobots/reliable-messaging-core/internal/schema"
)

type Database struct {
	ConnectionString string        `mapstructure:"connection_string"`
	Dialect          string        `mapstructure:"dialect"`
	Schema           string        `mapstructure:"schema"`
	AutoCreateTables bool          `mapstructure:"auto_create_tables"`
	CommandTimeout   time.Duration `mapstructure:"command_timeout"`
	Tables           Tables        `mapstructure:"tables"`
}

type Tables struct {
	Messages    string `mapstructure:"messages"`
	Outbox      string `mapstructure:"outbox"`
	Inbox       string `mapstructure:"inbox"`
	Queue       string `mapstructure:"queue"`
	DeadLetter  string `mapstructure:"dead_letter"`
	Sagas       string `mapstructure:"sagas"`
	Idempotency string `mapstructure:"idempotency"`
}

type Outbox struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type Inbox struct {
	RequireIdempotency  bool          `mapstructure:"require_idempotency"`
	DeduplicationWindow time.Duration `mapstructure:"deduplication_window"`
	Retention           time.Duration `mapstructure:"retention"`
	BatchSize           int           `mapstructure:"batch_size"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
}

type Queue struct {
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	MaxDeliveries int           `mapstructure:"max_deliveries"`
}

type Idempotency struct {
	SuccessTTL time.Duration `mapstructure:"success_ttl"`
	FailureTTL time.Duration `mapstructure:"failure_ttl"`
}

type Saga struct {
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type Observability struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

type Config struct {
	Database       Database       `mapstructure:"database"`
	Outbox         Outbox         `mapstructure:"outbox"`
	Inbox          Inbox          `mapstructure:"inbox"`
	Queue          Queue          `mapstructure:"queue"`
	Idempotency    Idempotency    `mapstructure:"idempotency"`
	Saga           Saga           `mapstructure:"saga"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Database: Database{
			Dialect:          "postgres",
			Schema:           "",
			AutoCreateTables: true,
			CommandTimeout:   30 * time.Second,
			Tables: Tables{
				Messages:    "messages",
				Outbox:      "outbox",
				Inbox:       "inbox",
				Queue:       "queue",
				DeadLetter:  "dead_letter",
				Sagas:       "sagas",
				Idempotency: "idempotency_responses",
			},
		},
		Outbox: Outbox{
			MaxRetries:   3,
			BatchSize:    100,
			PollInterval: 5 * time.Second,
		},
		Inbox: Inbox{
			RequireIdempotency:  true,
			DeduplicationWindow: time.Hour,
			Retention:           7 * 24 * time.Hour,
			BatchSize:           100,
			PollInterval:        time.Second,
		},
		Queue: Queue{
			LeaseDuration: 5 * time.Minute,
			PollInterval:  100 * time.Millisecond,
			MaxDeliveries: 3,
		},
		Idempotency: Idempotency{
			SuccessTTL: 7 * 24 * time.Hour,
			FailureTTL: time.Hour,
		},
		Saga: Saga{
			LockTimeout: 5 * time.Second,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
		},
	}
}

// Load reads configuration from a YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("database.connection_string", def.Database.ConnectionString)
	v.SetDefault("database.dialect", def.Database.Dialect)
	v.SetDefault("database.schema", def.Database.Schema)
	v.SetDefault("database.auto_create_tables", def.Database.AutoCreateTables)
	v.SetDefault("database.command_timeout", def.Database.CommandTimeout)
	v.SetDefault("database.tables.messages", def.Database.Tables.Messages)
	v.SetDefault("database.tables.outbox", def.Database.Tables.Outbox)
	v.SetDefault("database.tables.inbox", def.Database.Tables.Inbox)
	v.SetDefault("database.tables.queue", def.Database.Tables.Queue)
	v.SetDefault("database.tables.dead_letter", def.Database.Tables.DeadLetter)
	v.SetDefault("database.tables.sagas", def.Database.Tables.Sagas)
	v.SetDefault("database.tables.idempotency", def.Database.Tables.Idempotency)

	v.SetDefault("outbox.max_retries", def.Outbox.MaxRetries)
	v.SetDefault("outbox.batch_size", def.Outbox.BatchSize)
	v.SetDefault("outbox.poll_interval", def.Outbox.PollInterval)

	v.SetDefault("inbox.require_idempotency", def.Inbox.RequireIdempotency)
	v.SetDefault("inbox.deduplication_window", def.Inbox.DeduplicationWindow)
	v.SetDefault("inbox.retention", def.Inbox.Retention)
	v.SetDefault("inbox.batch_size", def.Inbox.BatchSize)
	v.SetDefault("inbox.poll_interval", def.Inbox.PollInterval)

	v.SetDefault("queue.lease_duration", def.Queue.LeaseDuration)
	v.SetDefault("queue.poll_interval", def.Queue.PollInterval)
	v.SetDefault("queue.max_deliveries", def.Queue.MaxDeliveries)

	v.SetDefault("idempotency.success_ttl", def.Idempotency.SuccessTTL)
	v.SetDefault("idempotency.failure_ttl", def.Idempotency.FailureTTL)

	v.SetDefault("saga.lock_timeout", def.Saga.LockTimeout)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)

	// Optional file read
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid
// settings. Identifier checks run here, before any SQL is ever built (§4.B).
func Validate(cfg *Config) error {
	if cfg.Database.Dialect != "postgres" && cfg.Database.Dialect != "mssql" {
		return fmt.Errorf("database.dialect must be postgres or mssql")
	}
	if cfg.Database.CommandTimeout <= 0 {
		return fmt.Errorf("database.command_timeout must be > 0")
	}
	if cfg.Database.Schema != "" {
		if err := schema.ValidateIdentifier("config", cfg.Database.Schema); err != nil {
			return err
		}
	}
	for _, table := range []string{
		cfg.Database.Tables.Messages,
		cfg.Database.Tables.Outbox,
		cfg.Database.Tables.Inbox,
		cfg.Database.Tables.Queue,
		cfg.Database.Tables.DeadLetter,
		cfg.Database.Tables.Sagas,
		cfg.Database.Tables.Idempotency,
	} {
		if err := schema.ValidateIdentifier("config", table); err != nil {
			return err
		}
	}
	if cfg.Outbox.MaxRetries < 0 {
		return fmt.Errorf("outbox.max_retries must be >= 0")
	}
	if cfg.Outbox.BatchSize < 1 {
		return fmt.Errorf("outbox.batch_size must be >= 1")
	}
	if cfg.Outbox.PollInterval <= 0 {
		return fmt.Errorf("outbox.poll_interval must be > 0")
	}
	if cfg.Inbox.PollInterval <= 0 {
		return fmt.Errorf("inbox.poll_interval must be > 0")
	}
	if cfg.Queue.LeaseDuration <= 0 {
		return fmt.Errorf("queue.lease_duration must be > 0")
	}
	if cfg.Queue.PollInterval <= 0 {
		return fmt.Errorf("queue.poll_interval must be > 0")
	}
	if cfg.Idempotency.SuccessTTL <= 0 || cfg.Idempotency.FailureTTL <= 0 {
		return fmt.Errorf("idempotency TTLs must be > 0")
	}
	if cfg.Saga.LockTimeout <= 0 {
		return fmt.Errorf("saga.lock_timeout must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}

// ResolveDialect maps the configured dialect name to its implementation.
func (c *Config) ResolveDialect() (dialect.Dialect, error) {
	switch c.Database.Dialect {
	case "postgres":
		return dialect.Postgres{}, nil
	case "mssql":
		return dialect.MSSQL{}, nil
	default:
		return nil, fmt.Errorf("unknown dialect %q", c.Database.Dialect)
	}
}
