package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/billing/internal/scheduler"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	LockDriverMemory = "memory"
	LockDriverRedis  = "redis"
)

// Config описывает настройки сервиса биллинга.
type Config struct {
	LogLevel    string `yaml:"logLevel"`
	HTTPAddr    string `yaml:"httpAddr"`
	MetricsAddr string `yaml:"metricsAddr"`
	GRPCAddr    string `yaml:"grpcAddr"`
	Seed        bool   `yaml:"seed"`

	Storage  StorageConfig  `yaml:"storage"`
	Lock     LockConfig     `yaml:"lock"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Billing  BillingConfig  `yaml:"billing"`
	DLQ      DLQConfig      `yaml:"dlq"`
	Reclaim  ReclaimConfig  `yaml:"reclaim"`
	Provider ProviderConfig `yaml:"provider"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver"`
	PostgresDSN string `yaml:"postgresDsn"`
	AutoMigrate bool   `yaml:"autoMigrate"`
}

type LockConfig struct {
	Driver         string        `yaml:"driver"`
	RedisAddr      string        `yaml:"redisAddr"`
	LeaseDuration  time.Duration `yaml:"leaseDuration"`
	AcquireTimeout time.Duration `yaml:"acquireTimeout"`
	MaxRounds      int           `yaml:"maxRounds"`
}

// KafkaConfig: пустой Brokers означает публикацию remediation-событий в лог.
type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	ClientID    string   `yaml:"clientId"`
	TopicPrefix string   `yaml:"topicPrefix"`
}

type BillingConfig struct {
	Schedule      string        `yaml:"schedule"`
	BatchSize     int           `yaml:"batchSize"`
	RetryAttempts int           `yaml:"retryAttempts"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
}

type DLQConfig struct {
	Schedule  string `yaml:"schedule"`
	BatchSize int    `yaml:"batchSize"`
}

type ReclaimConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"staleAfter"`
	BatchSize  int           `yaml:"batchSize"`
	LockKey    string        `yaml:"lockKey"`
}

// ProviderConfig настраивает имитацию платёжного провайдера.
type ProviderConfig struct {
	DeclineRate      float64 `yaml:"declineRate"`
	NetworkErrorRate float64 `yaml:"networkErrorRate"`
	RandomSeed       int64   `yaml:"randomSeed"`
}

// DefaultConfig возвращает настройки локального запуска: всё в памяти,
// оба конвейера раз в месяц.
func DefaultConfig() Config {
	return Config{
		LogLevel:    "info",
		HTTPAddr:    ":8000",
		MetricsAddr: ":9090",
		GRPCAddr:    ":50051",
		Seed:        true,
		Storage: StorageConfig{
			Driver:      StorageDriverMemory,
			AutoMigrate: true,
		},
		Lock: LockConfig{
			Driver:         LockDriverMemory,
			LeaseDuration:  2 * time.Second,
			AcquireTimeout: 500 * time.Millisecond,
			MaxRounds:      20,
		},
		Kafka: KafkaConfig{ClientID: "billing-service"},
		Billing: BillingConfig{
			Schedule:      scheduler.MonthlySpec,
			BatchSize:     100,
			RetryAttempts: 3,
			RetryDelay:    time.Second,
		},
		DLQ: DLQConfig{
			Schedule:  scheduler.MonthlySpec,
			BatchSize: 100,
		},
		Reclaim: ReclaimConfig{
			Enabled:    true,
			Interval:   5 * time.Minute,
			StaleAfter: 30 * time.Minute,
			BatchSize:  100,
			LockKey:    "billing-lock",
		},
		Provider: ProviderConfig{
			DeclineRate:      0.2,
			NetworkErrorRate: 0.05,
			RandomSeed:       1,
		},
	}
}

// LoadConfig собирает конфигурацию: значения по умолчанию, затем YAML-файл
// из BILLING_CONFIG, затем переменные окружения.
func LoadConfig() (Config, error) {
	return loadConfig(os.Getenv)
}

// LoadConfigFile как LoadConfig, но путь к YAML задан явно; пустой path
// означает BILLING_CONFIG.
func LoadConfigFile(path string) (Config, error) {
	return loadConfig(func(key string) string {
		if key == "BILLING_CONFIG" && path != "" {
			return path
		}
		return os.Getenv(key)
	})
}

func loadConfig(getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()

	if path := strings.TrimSpace(getenv("BILLING_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = parsed
		}
	}
	integer := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = parsed
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = parsed
		}
	}

	str("BILLING_LOG_LEVEL", &cfg.LogLevel)
	str("BILLING_HTTP_ADDR", &cfg.HTTPAddr)
	str("BILLING_METRICS_ADDR", &cfg.MetricsAddr)
	str("BILLING_GRPC_ADDR", &cfg.GRPCAddr)
	boolean("BILLING_SEED", &cfg.Seed)

	str("BILLING_STORAGE_DRIVER", &cfg.Storage.Driver)
	str("BILLING_POSTGRES_DSN", &cfg.Storage.PostgresDSN)
	boolean("BILLING_POSTGRES_AUTO_MIGRATE", &cfg.Storage.AutoMigrate)

	str("BILLING_LOCK_DRIVER", &cfg.Lock.Driver)
	str("BILLING_REDIS_ADDR", &cfg.Lock.RedisAddr)
	duration("BILLING_LEASE_DURATION", &cfg.Lock.LeaseDuration)

	if v := strings.TrimSpace(getenv("KAFKA_BROKERS")); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	str("BILLING_KAFKA_TOPIC_PREFIX", &cfg.Kafka.TopicPrefix)

	str("BILLING_SCHEDULE", &cfg.Billing.Schedule)
	integer("BILLING_BATCH_SIZE", &cfg.Billing.BatchSize)
	str("BILLING_DLQ_SCHEDULE", &cfg.DLQ.Schedule)

	boolean("BILLING_RECLAIM_ENABLED", &cfg.Reclaim.Enabled)
	duration("BILLING_RECLAIM_STALE_AFTER", &cfg.Reclaim.StaleAfter)
	duration("BILLING_RECLAIM_INTERVAL", &cfg.Reclaim.Interval)

	return errors.Join(errs...)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("logLevel: %w", err))
	}

	switch c.Storage.Driver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgresDsn is required for postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}

	switch c.Lock.Driver {
	case LockDriverMemory:
	case LockDriverRedis:
		if c.Lock.RedisAddr == "" {
			errs = append(errs, errors.New("lock.redisAddr is required for redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown lock driver %q", c.Lock.Driver))
	}

	if c.Lock.LeaseDuration <= 0 {
		errs = append(errs, errors.New("lock.leaseDuration must be positive"))
	}
	if c.Billing.BatchSize <= 0 || c.DLQ.BatchSize <= 0 {
		errs = append(errs, errors.New("batch sizes must be positive"))
	}
	if c.Reclaim.Enabled && c.Reclaim.StaleAfter <= c.Lock.LeaseDuration {
		errs = append(errs, errors.New("reclaim.staleAfter must exceed lock.leaseDuration"))
	}
	if c.Provider.DeclineRate+c.Provider.NetworkErrorRate > 1 {
		errs = append(errs, errors.New("provider failure rates must sum to at most 1"))
	}

	return errors.Join(errs...)
}
