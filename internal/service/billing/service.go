// Package billing списывает оплату по счетам PENDING: захватывает партии под
// арендой, вызывает платёжного провайдера вне аренды и фиксирует результат.
package billing

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
	// DefaultLockKey — ключ аренды конвейера списания.
	DefaultLockKey   = "billing-lock"
	defaultBatchSize = 100

	pipelineName = "billing"
)

// Config задаёт параметры конвейера списания.
type Config struct {
	LockKey   string
	Acquire   lock.AcquirePolicy
	BatchSize int
	Retry     RetryConfig
}

// DefaultConfig возвращает параметры по умолчанию.
func DefaultConfig() Config {
	return Config{
		LockKey:   DefaultLockKey,
		Acquire:   lock.DefaultAcquirePolicy(),
		BatchSize: defaultBatchSize,
		Retry:     DefaultRetryConfig(),
	}
}

// Options задаёт необязательные зависимости Service.
type Options struct {
	Logger  *log.Entry
	Metrics *metrics.BillingMetrics
}

// Option настраивает Service.
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

// Report содержит итог одного вызова SettleInvoices.
type Report struct {
	Batches  int
	Claimed  int
	Paid     int
	Failed   map[domain.FailureReason]int
	Reverted int
	// Lost — счета, которые после захвата забрал или завершил другой экземпляр.
	Lost int
	// PersistErrors — счета, оставшиеся в IN_PROGRESS из-за ошибки записи.
	PersistErrors int
}

// FailedTotal возвращает количество счетов в FAILED.
func (r Report) FailedTotal() int {
	total := 0
	for _, n := range r.Failed {
		total += n
	}
	return total
}

// Service оркестрирует списание.
type Service struct {
	store    domain.InvoiceStore
	provider domain.PaymentProvider
	leaser   lock.Leaser
	cfg      Config
	logger   *log.Entry
	metrics  *metrics.BillingMetrics
}

// NewService создаёт оркестратор списания.
func NewService(store domain.InvoiceStore, provider domain.PaymentProvider, leaser lock.Leaser, cfg Config, options ...Option) *Service {
	opts := Options{}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "billing-service")
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
	if cfg.Acquire.LeaseDuration <= 0 {
		cfg.Acquire.LeaseDuration = lock.DefaultAcquirePolicy().LeaseDuration
	}
	cfg.Retry = cfg.Retry.normalized()

	return &Service{
		store:    store,
		provider: provider,
		leaser:   leaser,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
	}
}

type outcome int

const (
	outcomePaid outcome = iota
	outcomeFailed
	outcomeLost
	outcomePersistError
	outcomeInterrupted
)

// SettleInvoices захватывает и обрабатывает партии счетов PENDING, пока
// выборка PENDING не окажется пустой. Ошибка обработки одного счёта не
// прерывает партию. Ошибку возвращают только захват аренды, хранилище при
// захвате партии и отмена ctx; в последнем случае захваченные, но не
// обработанные счета возвращаются в PENDING.
func (s *Service) SettleInvoices(ctx context.Context) (Report, error) {
	start := time.Now()
	s.metrics.RunStarted(pipelineName)
	defer func() {
		s.metrics.RunFinished(pipelineName)
		s.metrics.RecordSettleDuration(time.Since(start))
	}()

	report := Report{Failed: make(map[domain.FailureReason]int)}
	for {
		batch, fetched, err := s.claimBatch(ctx)
		if err != nil {
			return report, err
		}
		if fetched == 0 {
			s.logger.WithFields(log.Fields{
				"batches":        report.Batches,
				"claimed":        report.Claimed,
				"paid":           report.Paid,
				"failed":         report.FailedTotal(),
				"lost":           report.Lost,
				"persist_errors": report.PersistErrors,
			}).Info("settlement drained")
			return report, nil
		}
		if len(batch) == 0 {
			// всю выборку успел захватить другой экземпляр
			continue
		}

		report.Batches++
		report.Claimed += len(batch)

		for i, invoice := range batch {
			if ctx.Err() != nil {
				report.Reverted += s.revert(ctx, batch[i:])
				return report, ctx.Err()
			}

			result, reason := s.settleInvoice(ctx, invoice)
			switch result {
			case outcomeInterrupted:
				report.Reverted += s.revert(ctx, batch[i:])
				return report, ctx.Err()
			case outcomePaid:
				report.Paid++
			case outcomeFailed:
				report.Failed[reason]++
			case outcomeLost:
				report.Lost++
			case outcomePersistError:
				report.PersistErrors++
			}
		}
	}
}

// claimBatch под арендой выбирает партию PENDING и переводит в IN_PROGRESS
// те счета, которые всё ещё в PENDING. fetched — размер исходной выборки.
func (s *Service) claimBatch(ctx context.Context) ([]domain.Invoice, int, error) {
	var (
		claimed []domain.Invoice
		fetched int
	)

	err := s.leaser.WithLease(ctx, s.cfg.LockKey, s.cfg.Acquire, func(ctx context.Context) error {
		s.metrics.RecordLeaseAcquisition(s.cfg.LockKey, nil)

		// захват не должен пережить аренду
		ctx, cancel := context.WithTimeout(ctx, s.cfg.Acquire.LeaseDuration)
		defer cancel()

		batch, err := s.store.FetchPendingBatch(ctx, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("fetch pending invoices: %w", err)
		}
		fetched = len(batch)
		if fetched == 0 {
			return nil
		}

		ids := make([]int64, len(batch))
		for i := range batch {
			ids[i] = batch[i].ID
		}
		claimed, err = s.store.ClaimPending(ctx, ids)
		if err != nil {
			return fmt.Errorf("claim pending invoices: %w", err)
		}
		if skipped := fetched - len(claimed); skipped > 0 {
			s.logger.WithField("skipped", skipped).Warn("some pending invoices were claimed concurrently")
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			s.metrics.RecordLeaseAcquisition(s.cfg.LockKey, err)
		}
		s.logger.WithError(err).Warn("claim of pending invoices failed")
		return nil, 0, err
	}

	s.metrics.RecordClaimed(len(claimed))
	return claimed, fetched, nil
}

// settleInvoice списывает один счёт и сохраняет результат. Перед списанием
// счёт продлевается через Touch, поэтому возврат зависших счетов его не
// заберёт; если счёт уже не в IN_PROGRESS, списание пропускается.
func (s *Service) settleInvoice(ctx context.Context, invoice domain.Invoice) (outcome, domain.FailureReason) {
	entry := s.logger.WithFields(log.Fields{
		"invoice_id":  invoice.ID,
		"customer_id": invoice.CustomerID,
		"amount":      invoice.Amount.String(),
	})

	if err := s.store.Touch(ctx, invoice.ID); err != nil {
		switch {
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			return outcomeInterrupted, ""
		case errors.Is(err, domain.ErrStatusConflict), errors.Is(err, domain.ErrInvoiceNotFound):
			entry.WithError(err).Warn("invoice is no longer owned by this run, charge skipped")
			s.metrics.RecordOwnershipLost()
			return outcomeLost, ""
		default:
			entry.WithError(err).Error("failed to refresh claimed invoice, charge skipped")
			s.metrics.RecordPersistError()
			return outcomePersistError, ""
		}
	}

	paid, err := s.chargeWithRetry(ctx, invoice)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		entry.WithError(err).Warn("charge interrupted by shutdown")
		return outcomeInterrupted, ""
	}

	status, reason := Classify(paid, err)
	if err != nil {
		entry = entry.WithError(err)
	}
	if reason != "" {
		entry = entry.WithField("failure_reason", reason)
	}

	// результат списания сохраняется даже при отмене ctx
	persistCtx := context.WithoutCancel(ctx)
	var persistErr error
	if status == domain.InvoiceStatusPaid {
		persistErr = s.store.SetStatus(persistCtx, invoice.ID, status)
	} else {
		_, persistErr = s.store.RecordFailure(persistCtx, invoice.ID, status, reason)
	}

	switch {
	case errors.Is(persistErr, domain.ErrStatusConflict):
		entry.WithField("persist_error", persistErr.Error()).WithField("charge_status", status).
			Error("invoice was taken over during charge, result discarded")
		s.metrics.RecordOwnershipLost()
		return outcomeLost, ""
	case persistErr != nil:
		entry.WithField("persist_error", persistErr.Error()).WithField("charge_status", status).
			Error("failed to persist charge result, invoice left in progress")
		s.metrics.RecordPersistError()
		return outcomePersistError, ""
	}

	s.metrics.RecordSettled(string(status), string(reason))
	if status == domain.InvoiceStatusPaid {
		entry.Info("invoice paid")
		return outcomePaid, ""
	}
	entry.Warn("invoice failed, routed to dlq")
	return outcomeFailed, reason
}

// revert возвращает необработанные счета в PENDING. Счета, которые уже
// не в IN_PROGRESS, пропускаются.
func (s *Service) revert(ctx context.Context, invoices []domain.Invoice) int {
	persistCtx := context.WithoutCancel(ctx)

	reverted := 0
	for _, inv := range invoices {
		err := s.store.SetStatus(persistCtx, inv.ID, domain.InvoiceStatusPending)
		switch {
		case err == nil:
			reverted++
		case errors.Is(err, domain.ErrStatusConflict):
		default:
			s.logger.WithError(err).WithField("invoice_id", inv.ID).Error("failed to return claimed invoice to pending")
		}
	}
	if reverted > 0 {
		s.metrics.RecordReverted(reverted)
		s.logger.WithField("invoices", reverted).Warn("claimed invoices returned to pending")
	}
	return reverted
}

// Classify сопоставляет результат списания статусу и причине отказа.
func Classify(paid bool, err error) (domain.InvoiceStatus, domain.FailureReason) {
	switch {
	case err == nil && paid:
		return domain.InvoiceStatusPaid, ""
	case err == nil:
		return domain.InvoiceStatusFailed, domain.FailureInsufficientFunds
	case errors.Is(err, domain.ErrCurrencyMismatch):
		return domain.InvoiceStatusFailed, domain.FailureCurrencyMismatch
	case errors.Is(err, domain.ErrCustomerNotFound):
		return domain.InvoiceStatusFailed, domain.FailureCustomerNotFound
	case errors.Is(err, domain.ErrNetworkFailure):
		return domain.InvoiceStatusFailed, domain.FailureNetwork
	default:
		return domain.InvoiceStatusFailed, domain.FailureUnknown
	}
}
