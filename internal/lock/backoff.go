package lock

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Leaser выполняет функцию под арендой ключа.
type Leaser interface {
	WithLease(ctx context.Context, key string, policy AcquirePolicy, fn func(ctx context.Context) error) error
}

var _ Leaser = (*Locker)(nil)

// AcquirePolicy описывает раунды захвата аренды.
type AcquirePolicy struct {
	// LeaseDuration — TTL аренды.
	LeaseDuration time.Duration
	// AcquireTimeout — бюджет одного раунда Acquire.
	AcquireTimeout time.Duration
	// MaxRounds ограничивает количество раундов; 0 — до отмены ctx.
	MaxRounds      int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultAcquirePolicy возвращает политику по умолчанию: аренда 2s,
// раунд 500ms, до 20 раундов с экспоненциальной паузой 50ms..2s.
func DefaultAcquirePolicy() AcquirePolicy {
	return AcquirePolicy{
		LeaseDuration:  2 * time.Second,
		AcquireTimeout: 500 * time.Millisecond,
		MaxRounds:      20,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
	}
}

func (p AcquirePolicy) normalized() AcquirePolicy {
	def := DefaultAcquirePolicy()
	if p.LeaseDuration <= 0 {
		p.LeaseDuration = def.LeaseDuration
	}
	if p.AcquireTimeout <= 0 {
		p.AcquireTimeout = def.AcquireTimeout
	}
	if p.MaxRounds < 0 {
		p.MaxRounds = 0
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = 1
	}
	return p
}

// AcquireWithBackoff повторяет Acquire раундами с экспоненциальной паузой,
// пока аренда не получена, не исчерпаны раунды или не отменён ctx.
func (l *Locker) AcquireWithBackoff(ctx context.Context, key string, policy AcquirePolicy) (string, error) {
	policy = policy.normalized()
	delay := policy.InitialBackoff

	var lastErr error
	for round := 1; policy.MaxRounds == 0 || round <= policy.MaxRounds; round++ {
		token, err := l.Acquire(ctx, key, policy.LeaseDuration, policy.AcquireTimeout)
		if err == nil {
			if round > 1 {
				l.logger.WithFields(log.Fields{"key": key, "round": round}).Info("lease acquired after retry")
			}
			return token, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		lastErr = err

		if policy.MaxRounds > 0 && round == policy.MaxRounds {
			break
		}

		l.logger.WithError(err).WithFields(log.Fields{
			"key":   key,
			"round": round,
			"delay": delay,
		}).Debug("lease busy, backing off")

		if err := sleep(ctx, delay); err != nil {
			return "", err
		}

		delay = time.Duration(float64(delay) * policy.BackoffFactor)
		if delay > policy.MaxBackoff {
			delay = policy.MaxBackoff
		}
	}

	l.logger.WithError(lastErr).WithFields(log.Fields{
		"key":    key,
		"rounds": policy.MaxRounds,
	}).Warn("lease acquisition rounds exhausted")

	return "", fmt.Errorf("%w: key %s after %d rounds", ErrNotAcquired, key, policy.MaxRounds)
}

// WithLease выполняет fn под арендой key и освобождает её после выхода,
// в том числе при отмене ctx.
func (l *Locker) WithLease(ctx context.Context, key string, policy AcquirePolicy, fn func(ctx context.Context) error) error {
	token, err := l.AcquireWithBackoff(ctx, key, policy)
	if err != nil {
		return err
	}
	defer l.Release(context.WithoutCancel(ctx), key, token)

	return fn(ctx)
}
