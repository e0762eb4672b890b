// Package reclaim возвращает в PENDING счета, застрявшие в IN_PROGRESS
// после падения экземпляра, который их захватил.
package reclaim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/billing/internal/lock"
)

const (
	defaultInterval   = 5 * time.Minute
	defaultBatchSize  = 100
	defaultStaleAfter = 30 * time.Minute
	defaultLockKey    = "billing-lock"
)

var (
	reclaimRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_reclaim_runs_total",
		Help: "Total number of stale invoice reclaim runs grouped by result.",
	}, []string{"result"})
	reclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_reclaim_invoices_total",
		Help: "Total number of IN_PROGRESS invoices returned to PENDING.",
	})
	reclaimLastCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "billing_reclaim_last_count",
		Help: "Number of invoices reclaimed during the last run.",
	})
)

// StaleReclaimer описывает часть хранилища, которая нужна воркеру.
type StaleReclaimer interface {
	ReclaimStale(ctx context.Context, before time.Time, limit int) (int, error)
}

// Options задаёт параметры воркера.
type Options struct {
	Logger     *log.Entry
	Interval   time.Duration
	BatchSize  int
	StaleAfter time.Duration
	LockKey    string
	Acquire    lock.AcquirePolicy
}

// Option настраивает Worker.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithInterval задаёт интервал между прогонами.
func WithInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.Interval = interval
	}
}

// WithBatchSize задаёт размер партии.
func WithBatchSize(batchSize int) Option {
	return func(opts *Options) {
		opts.BatchSize = batchSize
	}
}

// WithStaleAfter задаёт, сколько счёт может находиться в IN_PROGRESS.
func WithStaleAfter(d time.Duration) Option {
	return func(opts *Options) {
		opts.StaleAfter = d
	}
}

// WithLease задаёт ключ и политику аренды. По умолчанию воркер использует
// ключ конвейера списания, чтобы не пересекаться с захватом партий.
func WithLease(key string, policy lock.AcquirePolicy) Option {
	return func(opts *Options) {
		opts.LockKey = key
		opts.Acquire = policy
	}
}

// Worker периодически возвращает зависшие счета в PENDING.
type Worker struct {
	repo       StaleReclaimer
	leaser     lock.Leaser
	logger     *log.Entry
	interval   time.Duration
	batchSize  int
	staleAfter time.Duration
	lockKey    string
	acquire    lock.AcquirePolicy
}

// NewWorker создаёт воркер.
func NewWorker(repo StaleReclaimer, leaser lock.Leaser, options ...Option) *Worker {
	opts := Options{
		Interval:   defaultInterval,
		BatchSize:  defaultBatchSize,
		StaleAfter: defaultStaleAfter,
		LockKey:    defaultLockKey,
		Acquire:    lock.DefaultAcquirePolicy(),
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "stale-reclaim-worker")
	}

	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.LockKey == "" {
		opts.LockKey = defaultLockKey
	}

	return &Worker{
		repo:       repo,
		leaser:     leaser,
		logger:     logger,
		interval:   opts.Interval,
		batchSize:  opts.BatchSize,
		staleAfter: opts.StaleAfter,
		lockKey:    opts.LockKey,
		acquire:    opts.Acquire,
	}
}

// StaleAfter возвращает порог зависания.
func (w *Worker) StaleAfter() time.Duration { return w.staleAfter }

// Run запускает периодические прогоны до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("stale reclaim worker is disabled: repo is nil")
		return
	}

	w.run(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.run(ctx)
		}
	}
}

func (w *Worker) run(ctx context.Context) {
	reclaimed, err := w.Reclaim(ctx, time.Now().UTC().Add(-w.staleAfter))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		reclaimRunsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).Warn("stale reclaim run failed")
		return
	}

	reclaimRunsTotal.WithLabelValues("ok").Inc()
	reclaimLastCount.Set(float64(reclaimed))
	if reclaimed > 0 {
		w.logger.WithField("reclaimed", reclaimed).Warn("stale in-progress invoices returned to pending")
	}
}

// Reclaim возвращает в PENDING все счета, находящиеся в IN_PROGRESS
// с момента before и раньше. Каждая партия обрабатывается под арендой.
func (w *Worker) Reclaim(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC().Add(-w.staleAfter)
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		var reclaimed int
		err := w.leaser.WithLease(ctx, w.lockKey, w.acquire, func(ctx context.Context) error {
			n, err := w.repo.ReclaimStale(ctx, before, w.batchSize)
			if err != nil {
				return fmt.Errorf("reclaim stale invoices: %w", err)
			}
			reclaimed = n
			return nil
		})
		if err != nil {
			return total, err
		}

		total += reclaimed
		if reclaimed > 0 {
			reclaimedTotal.Add(float64(reclaimed))
		}
		if reclaimed < w.batchSize {
			break
		}
	}

	return total, nil
}
