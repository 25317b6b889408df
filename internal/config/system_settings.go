package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const DATABASE_TYPE_POSTGRES = "POSTGRES"
const DATABASE_TYPE_MYSQL = "MYSQL"
const DATABASE_TYPE_SQLLITE = "SQLLITE"

const EVENT_BUS_GOCHANNEL = "gochannel"
const EVENT_BUS_KAFKA = "kafka"

const CONTACT_STORE_MEMORY = "memory"
const CONTACT_STORE_REDIS = "redis"

const EMAIL_PROVIDER_LOG = "log"
const EMAIL_PROVIDER_HTTP = "http"

// Settings is the process configuration, read from CFLOW_* environment variables.
type Settings struct {
	DatabaseType        string         `env:"DATABASE_TYPE" envDefault:"SQLLITE"`
	DatabaseURL         string         `env:"DATABASE_URL"`
	DatabaseSqlLiteFile string         `env:"DATABASE_SQLLITE_FILE_NAME" envDefault:"./cflow.db"`
	ServerWebPort       string         `env:"SERVER_WEB_PORT" envDefault:"8080"`
	ExecutorName        string         `env:"EXECUTOR_NAME"`
	LogLevel            string         `env:"LOG_LEVEL" envDefault:"info"`
	ServiceName         string         `env:"SERVICE_NAME" envDefault:"campaignflow"`
	OtelEnabled         bool           `env:"OTEL_ENABLED" envDefault:"false"`
	EventBus            string         `env:"EVENT_BUS" envDefault:"gochannel"`
	KafkaBrokers        []string       `env:"KAFKA_BROKERS" envSeparator:","`
	ContactStore        string         `env:"CONTACT_STORE" envDefault:"memory"`
	RedisAddr           string         `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword       string         `env:"REDIS_PASSWORD"`
	RedisDB             int            `env:"REDIS_DB" envDefault:"0"`
	EmailProvider       string         `env:"EMAIL_PROVIDER" envDefault:"log"`
	EmailProviderURL    string         `env:"EMAIL_PROVIDER_URL"`
	Engine              EngineSettings `envPrefix:"ENGINE_"`
}

// EngineSettings tunes the scheduler and the retry policy.
type EngineSettings struct {
	ScanInterval        time.Duration `env:"SCAN_INTERVAL" envDefault:"3s"`
	BatchSize           int           `env:"BATCH_SIZE" envDefault:"10"`
	ExecutorSize        int           `env:"EXECUTOR_SIZE" envDefault:"5"`
	ClaimLease          time.Duration `env:"CLAIM_LEASE" envDefault:"2m"`
	CallTimeout         time.Duration `env:"CALL_TIMEOUT" envDefault:"15s"`
	MaxAttempts         int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	RetryMin            time.Duration `env:"RETRY_MIN" envDefault:"30s"`
	RetryMax            time.Duration `env:"RETRY_MAX" envDefault:"30m"`
	ClaimRepairInterval time.Duration `env:"CLAIM_REPAIR_INTERVAL" envDefault:"60s"`
	HeartbeatInterval   time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	MaxStepsPerRun      int           `env:"MAX_STEPS_PER_RUN" envDefault:"200"`
	Timezone            string        `env:"TIMEZONE" envDefault:"UTC"`
}

// Load reads the settings from the environment.
func Load() (*Settings, error) {
	s := &Settings{}
	if err := env.ParseWithOptions(s, env.Options{Prefix: "CFLOW_"}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	switch s.DatabaseType {
	case DATABASE_TYPE_POSTGRES, DATABASE_TYPE_MYSQL:
		if s.DatabaseURL == "" {
			return fmt.Errorf("CFLOW_DATABASE_URL must be set when using the %s database type", s.DatabaseType)
		}
	case DATABASE_TYPE_SQLLITE:
		if s.DatabaseSqlLiteFile == "" {
			return fmt.Errorf("CFLOW_DATABASE_SQLLITE_FILE_NAME must be set")
		}
	default:
		return fmt.Errorf("CFLOW_DATABASE_TYPE must be set to one of the following values: POSTGRES, MYSQL, SQLLITE")
	}
	if s.DatabaseType == DATABASE_TYPE_MYSQL {
		if !strings.Contains(s.DatabaseURL, "parseTime=true") {
			return fmt.Errorf("CFLOW_DATABASE_URL must contain 'parseTime=true' for MySQL")
		}
		if !strings.HasPrefix(s.DatabaseURL, "mysql://") {
			return fmt.Errorf("CFLOW_DATABASE_URL must start with 'mysql://' for MySQL")
		}
	}
	if s.EventBus == EVENT_BUS_KAFKA && len(s.KafkaBrokers) == 0 {
		return fmt.Errorf("CFLOW_KAFKA_BROKERS must be set when using the kafka event bus")
	}
	if s.EmailProvider == EMAIL_PROVIDER_HTTP && s.EmailProviderURL == "" {
		return fmt.Errorf("CFLOW_EMAIL_PROVIDER_URL must be set when using the http email provider")
	}
	if s.Engine.ExecutorSize <= 0 || s.Engine.BatchSize <= 0 {
		return fmt.Errorf("engine executor size and batch size must be positive")
	}
	if _, err := time.LoadLocation(s.Engine.Timezone); err != nil {
		return fmt.Errorf("invalid CFLOW_ENGINE_TIMEZONE: %w", err)
	}
	return nil
}

// ResolveExecutorName falls back to the hostname when no name is configured.
func (s *Settings) ResolveExecutorName() string {
	if s.ExecutorName != "" {
		return s.ExecutorName
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "campaignflow-engine"
	}
	return hostname
}
