package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/billing/internal/domain"
	"github.com/vladislavdragonenkov/billing/internal/lock"
	"github.com/vladislavdragonenkov/billing/internal/metrics"
)

const (
	// DefaultLockKey — ключ аренды конвейера DLQ.
	DefaultLockKey   = "failed-billing-lock"
	defaultBatchSize = 100

	pipelineName = "dlq"
)

// Config задаёт параметры диспетчера.
type Config struct {
	LockKey   string
	Acquire   lock.AcquirePolicy
	BatchSize int
}

// DefaultConfig возвращает параметры по умолчанию.
func DefaultConfig() Config {
	return Config{
		LockKey:   DefaultLockKey,
		Acquire:   lock.DefaultAcquirePolicy(),
		BatchSize: defaultBatchSize,
	}
}

// Options задаёт необязательные зависимости Dispatcher.
type Options struct {
	Logger  *log.Entry
	Metrics *metrics.BillingMetrics
}

// Option настраивает Dispatcher.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.BillingMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// DrainReport содержит итог одного вызова DrainFailedPayments.
type DrainReport struct {
	Batches    int
	Claimed    int
	Handled    int
	HandlerErr int
}

// Dispatcher разбирает необработанные записи DLQ.
type Dispatcher struct {
	store    domain.InvoiceStore
	registry *Registry
	leaser   lock.Leaser
	cfg      Config
	logger   *log.Entry
	metrics  *metrics.BillingMetrics
}

// NewDispatcher создаёт диспетчер DLQ.
func NewDispatcher(store domain.InvoiceStore, registry *Registry, leaser lock.Leaser, cfg Config, options ...Option) *Dispatcher {
	opts := Options{}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "dlq-dispatcher")
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewBillingMetrics()
	}

	if cfg.LockKey == "" {
		cfg.LockKey = DefaultLockKey
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	return &Dispatcher{
		store:    store,
		registry: registry,
		leaser:   leaser,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
	}
}

// DrainFailedPayments захватывает партии необработанных записей, помечает их
// обработанными под арендой и передаёт обработчикам вне аренды, пока
// очередная партия не окажется пустой. Ошибки обработчиков логируются и не
// повторяются.
func (d *Dispatcher) DrainFailedPayments(ctx context.Context) (DrainReport, error) {
	start := time.Now()
	d.metrics.RunStarted(pipelineName)
	defer func() {
		d.metrics.RunFinished(pipelineName)
		d.metrics.RecordDrainDuration(time.Since(start))
	}()

	var report DrainReport
	for {
		batch, err := d.claimBatch(ctx)
		if err != nil {
			return report, err
		}
		if len(batch) == 0 {
			d.logger.WithFields(log.Fields{
				"batches":        report.Batches,
				"claimed":        report.Claimed,
				"handler_errors": report.HandlerErr,
			}).Info("dlq drained")
			return report, nil
		}

		report.Batches++
		report.Claimed += len(batch)

		for _, entry := range batch {
			if err := d.dispatch(ctx, entry); err != nil {
				report.HandlerErr++
				continue
			}
			report.Handled++
		}
	}
}

func (d *Dispatcher) claimBatch(ctx context.Context) ([]domain.InvoiceDLQ, error) {
	var claimed []domain.InvoiceDLQ

	err := d.leaser.WithLease(ctx, d.cfg.LockKey, d.cfg.Acquire, func(ctx context.Context) error {
		d.metrics.RecordLeaseAcquisition(d.cfg.LockKey, nil)

		batch, err := d.store.FetchUnhandledDLQBatch(ctx, d.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("fetch unhandled dlq entries: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		ids := make([]int64, len(batch))
		for i := range batch {
			ids[i] = batch[i].ID
		}
		if err := d.store.MarkHandled(ctx, ids); err != nil {
			return fmt.Errorf("mark dlq entries handled: %w", err)
		}
		for i := range batch {
			batch[i].IsHandled = true
		}

		claimed = batch
		return nil
	})
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			d.metrics.RecordLeaseAcquisition(d.cfg.LockKey, err)
		}
		d.logger.WithError(err).Warn("claim of dlq entries failed")
		return nil, err
	}

	d.metrics.RecordDLQClaimed(len(claimed))
	return claimed, nil
}

// dispatch вызывает обработчик записи; паника обработчика становится ошибкой.
func (d *Dispatcher) dispatch(ctx context.Context, entry domain.InvoiceDLQ) (err error) {
	logger := d.logger.WithFields(log.Fields{
		"dlq_id":         entry.ID,
		"invoice_id":     entry.InvoiceID,
		"failure_reason": entry.FailureReason,
	})

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("failure handler panic: %v", r)
		}
		result := "ok"
		if err != nil {
			result = "error"
			logger.WithError(err).Error("failure handler failed")
		}
		d.metrics.RecordDLQDispatched(string(entry.FailureReason), result)
	}()

	handler, err := d.registry.HandlerFor(entry.FailureReason)
	if err != nil {
		return err
	}
	return handler.Handle(ctx, entry)
}
