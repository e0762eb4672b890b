package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

// RetryConfig конфигурация повторов списания.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию:
// 3 попытки, фиксированная пауза 1s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      time.Second,
		BackoffFactor: 1.0,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 1
	}
	return c
}

// shouldRetry определяет, стоит ли повторять списание при данной ошибке.
// Повторяются только транспортные сбои.
func shouldRetry(err error) bool {
	return errors.Is(err, domain.ErrNetworkFailure)
}

// chargeWithRetry вызывает провайдера, повторяя сетевые сбои.
// При отмене ctx во время паузы возвращает ошибку ctx.
func (s *Service) chargeWithRetry(ctx context.Context, invoice domain.Invoice) (bool, error) {
	cfg := s.cfg.Retry
	delay := cfg.InitialDelay
	entry := s.logger.WithField("invoice_id", invoice.ID)

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		paid, err := s.chargeOnce(ctx, invoice)
		if err == nil {
			s.metrics.RecordChargeAttempt("ok")
			if attempt > 1 {
				entry.WithField("attempt", attempt).Info("charge succeeded after retry")
			}
			return paid, nil
		}
		lastErr = err

		if !shouldRetry(err) {
			s.metrics.RecordChargeAttempt("error")
			return false, err
		}
		s.metrics.RecordChargeAttempt("network_error")

		if attempt < cfg.MaxAttempts {
			entry.WithError(err).WithFields(log.Fields{
				"attempt": attempt,
				"delay":   delay,
			}).Warn("charge failed with network error, retrying")

			if err := wait(ctx, delay); err != nil {
				return false, err
			}

			delay = time.Duration(float64(delay) * cfg.BackoffFactor)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
	}

	entry.WithError(lastErr).WithField("max_attempts", cfg.MaxAttempts).Error("charge failed after all retry attempts")
	return false, lastErr
}

// chargeOnce превращает панику провайдера в обычную ошибку.
func (s *Service) chargeOnce(ctx context.Context, invoice domain.Invoice) (paid bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			paid = false
			err = fmt.Errorf("payment provider panic: %v", r)
		}
	}()
	return s.provider.Charge(ctx, invoice)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
