package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/billing/internal/domain"
	"github.com/vladislavdragonenkov/billing/internal/health"
	"github.com/vladislavdragonenkov/billing/internal/lock"
	"github.com/vladislavdragonenkov/billing/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/billing/internal/metrics"
	"github.com/vladislavdragonenkov/billing/internal/service/billing"
	"github.com/vladislavdragonenkov/billing/internal/service/dlq"
	"github.com/vladislavdragonenkov/billing/internal/service/payment"
	"github.com/vladislavdragonenkov/billing/internal/service/reclaim"
	"github.com/vladislavdragonenkov/billing/internal/storage/memory"
	"github.com/vladislavdragonenkov/billing/internal/storage/postgres"
	"github.com/vladislavdragonenkov/billing/internal/storage/redis"
	"github.com/vladislavdragonenkov/billing/internal/version"
)

// Storage объединяет порты хранилища, которые реализуют memory.Store и postgres.Repository.
type Storage interface {
	domain.InvoiceRepository
	domain.DLQRepository
	domain.CustomerRepository
	domain.InvoiceIssuer
}

var (
	_ Storage = (*memory.Store)(nil)
	_ Storage = (*postgres.Repository)(nil)
)

// Dependencies содержит собранный граф компонентов сервиса.
type Dependencies struct {
	Config Config
	Logger *log.Entry

	Storage    Storage
	Postgres   *postgres.Store
	Locker     *lock.Locker
	Provider   domain.PaymentProvider
	Publisher  domain.RemediationPublisher
	Metrics    *metrics.BillingMetrics
	Billing    *billing.Service
	Dispatcher *dlq.Dispatcher
	Reclaimer  *reclaim.Worker
	Health     *health.Handler

	closers []func() error
}

// Option настраивает сборку зависимостей.
type Option func(*buildOptions)

type buildOptions struct {
	registerer prometheus.Registerer
	provider   domain.PaymentProvider
}

// WithRegisterer задаёт реестр метрик; по умолчанию prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = reg }
}

// WithProvider подменяет платёжного провайдера.
func WithProvider(p domain.PaymentProvider) Option {
	return func(o *buildOptions) { o.provider = p }
}

// NewDependencies подключает хранилища и собирает сервисы по cfg.
// При ошибке уже открытые ресурсы закрываются.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry, opts ...Option) (_ *Dependencies, err error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	options := buildOptions{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&options)
	}

	deps := &Dependencies{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = deps.Close()
		}
	}()

	deps.Health = health.NewHandler(version.GetVersion())
	deps.Metrics = metrics.NewBillingMetricsWithRegisterer(options.registerer)

	if err := deps.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := deps.initLocker(ctx); err != nil {
		return nil, err
	}
	if err := deps.initPublisher(); err != nil {
		return nil, err
	}

	deps.Provider = options.provider
	if deps.Provider == nil {
		deps.Provider = payment.NewSimulatedProvider(deps.Storage, payment.SimulatedRates{
			Declined:     cfg.Provider.DeclineRate,
			NetworkError: cfg.Provider.NetworkErrorRate,
		}, cfg.Provider.RandomSeed)
	}

	acquire := lock.DefaultAcquirePolicy()
	acquire.LeaseDuration = cfg.Lock.LeaseDuration
	if cfg.Lock.AcquireTimeout > 0 {
		acquire.AcquireTimeout = cfg.Lock.AcquireTimeout
	}
	if cfg.Lock.MaxRounds > 0 {
		acquire.MaxRounds = cfg.Lock.MaxRounds
	}

	billingCfg := billing.DefaultConfig()
	billingCfg.Acquire = acquire
	billingCfg.BatchSize = cfg.Billing.BatchSize
	billingCfg.Retry.MaxAttempts = cfg.Billing.RetryAttempts
	billingCfg.Retry.InitialDelay = cfg.Billing.RetryDelay
	billingCfg.Retry.MaxDelay = cfg.Billing.RetryDelay
	deps.Billing = billing.NewService(deps.Storage, deps.Provider, deps.Locker, billingCfg,
		billing.WithLogger(logger.WithField("component", "billing")),
		billing.WithMetrics(deps.Metrics),
	)

	registry, err := dlq.NewRegistry(dlq.DefaultHandlers(deps.Storage, deps.Publisher, logger.WithField("component", "dlq-handler"))...)
	if err != nil {
		return nil, fmt.Errorf("build failure handler registry: %w", err)
	}
	dlqCfg := dlq.DefaultConfig()
	dlqCfg.Acquire = acquire
	dlqCfg.BatchSize = cfg.DLQ.BatchSize
	deps.Dispatcher = dlq.NewDispatcher(deps.Storage, registry, deps.Locker, dlqCfg,
		dlq.WithLogger(logger.WithField("component", "dlq-dispatcher")),
		dlq.WithMetrics(deps.Metrics),
	)

	deps.Reclaimer = reclaim.NewWorker(deps.Storage, deps.Locker,
		reclaim.WithLogger(logger.WithField("component", "stale-reclaim-worker")),
		reclaim.WithInterval(cfg.Reclaim.Interval),
		reclaim.WithBatchSize(cfg.Reclaim.BatchSize),
		reclaim.WithStaleAfter(cfg.Reclaim.StaleAfter),
		reclaim.WithLease(cfg.Reclaim.LockKey, acquire),
	)

	return deps, nil
}

func (d *Dependencies) initStorage(ctx context.Context) error {
	switch d.Config.Storage.Driver {
	case StorageDriverPostgres:
		store, err := postgres.Open(ctx, d.Config.Storage.PostgresDSN, postgres.DefaultPoolConfig())
		if err != nil {
			return err
		}
		d.closers = append(d.closers, store.Close)
		if d.Config.Storage.AutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
		}
		d.Postgres = store
		d.Storage = postgres.NewRepository(store)
		d.Health.RegisterChecker("postgres", health.NewPingChecker("postgres", store))
		d.Logger.Info("postgres storage initialized")
	default:
		d.Storage = memory.NewStore()
		d.Logger.Info("in-memory storage initialized")
	}
	return nil
}

func (d *Dependencies) initLocker(ctx context.Context) error {
	var store lock.Store
	switch d.Config.Lock.Driver {
	case LockDriverRedis:
		client, err := redis.Connect(ctx, d.Config.Lock.RedisAddr)
		if err != nil {
			return err
		}
		leases := redis.NewLeaseStore(client)
		d.closers = append(d.closers, leases.Close)
		d.Health.RegisterChecker("redis", health.NewPingChecker("redis", leases))
		store = leases
		d.Logger.WithField("addr", d.Config.Lock.RedisAddr).Info("redis lease store initialized")
	default:
		store = memory.NewLeaseStore()
	}
	d.Locker = lock.NewLocker(store, lock.WithLogger(d.Logger.WithField("component", "lease-lock")))
	return nil
}

func (d *Dependencies) initPublisher() error {
	if len(d.Config.Kafka.Brokers) == 0 {
		d.Publisher = dlq.NewLogPublisher(d.Logger.WithField("component", "remediation-log"))
		return nil
	}
	producer, err := kafka.NewProducer(d.Config.Kafka.Brokers, d.Config.Kafka.ClientID)
	if err != nil {
		return err
	}
	d.closers = append(d.closers, producer.Close)
	d.Publisher = kafka.NewRemediationPublisher(producer, d.Config.Kafka.TopicPrefix)
	d.Logger.WithField("brokers", d.Config.Kafka.Brokers).Info("kafka remediation publisher initialized")
	return nil
}

// Close освобождает ресурсы в обратном порядке открытия.
func (d *Dependencies) Close() error {
	if d == nil {
		return nil
	}
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
