// Package lock реализует аренду (lease) поверх общего key-value хранилища:
// взаимное исключение между независимыми экземплярами сервиса с ограниченным
// временем владения и освобождением с проверкой владельца.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	defaultPollInterval = 10 * time.Millisecond
)

// ErrNotAcquired возвращается, если аренду не удалось получить: ключ занят
// до истечения таймаута или хранилище недоступно.
var ErrNotAcquired = errors.New("lease not acquired")

// Store — граница хранилища аренды. Каждый вызов может завершиться
// временной сетевой ошибкой.
type Store interface {
	// SetNX атомарно записывает value с TTL, только если key отсутствует.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get возвращает текущее значение; ok=false, если ключа нет.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// CompareAndDelete удаляет key, только если его значение равно value и не
	// изменилось до фиксации. Возвращает, была ли транзакция зафиксирована.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	// Exists проверяет наличие ключа.
	Exists(ctx context.Context, key string) (bool, error)
}

// Options задаёт параметры Locker.
type Options struct {
	Logger       *log.Entry
	PollInterval time.Duration
	TokenFunc    func() string
}

// Option настраивает Locker.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithPollInterval задаёт паузу между попытками захвата внутри Acquire.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.PollInterval = interval
	}
}

// WithTokenFunc подменяет генератор токенов владельца.
func WithTokenFunc(fn func() string) Option {
	return func(opts *Options) {
		opts.TokenFunc = fn
	}
}

// Locker выдаёт и освобождает аренды.
type Locker struct {
	store        Store
	logger       *log.Entry
	pollInterval time.Duration
	newToken     func() string
}

// NewLocker создаёт Locker поверх store.
func NewLocker(store Store, options ...Option) *Locker {
	opts := Options{PollInterval: defaultPollInterval}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "lease-lock")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.TokenFunc == nil {
		opts.TokenFunc = uuid.NewString
	}

	return &Locker{
		store:        store,
		logger:       logger,
		pollInterval: opts.PollInterval,
		newToken:     opts.TokenFunc,
	}
}

// Acquire пытается получить аренду key на lease, опрашивая хранилище каждые
// pollInterval, пока не истечёт timeout. Возвращает токен владельца.
func (l *Locker) Acquire(ctx context.Context, key string, lease, timeout time.Duration) (string, error) {
	token := l.newToken()
	deadline := time.Now().Add(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		ok, err := l.store.SetNX(ctx, key, token, lease)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			l.logger.WithError(err).WithField("key", key).Warn("lease store unavailable")
			return "", fmt.Errorf("%w: %v", ErrNotAcquired, err)
		}
		if ok {
			l.logger.WithFields(log.Fields{"key": key, "lease": lease}).Debug("lease acquired")
			return token, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrNotAcquired
		}

		wait := l.pollInterval
		if remaining < wait {
			wait = remaining
		}
		if err := sleep(ctx, wait); err != nil {
			return "", err
		}
	}
}

// Release освобождает аренду, если она всё ещё принадлежит token.
// Если ключ уже истёк или занят другим владельцем, ничего не делает и
// возвращает true. Иначе возвращает, зафиксировалась ли транзакция удаления.
func (l *Locker) Release(ctx context.Context, key, token string) bool {
	entry := l.logger.WithField("key", key)

	current, ok, err := l.store.Get(ctx, key)
	if err != nil {
		entry.WithError(err).Warn("lease release: read failed")
		return false
	}
	if !ok || current != token {
		entry.Debug("lease already released or owned by another holder")
		return true
	}

	committed, err := l.store.CompareAndDelete(ctx, key, token)
	if err != nil {
		entry.WithError(err).Warn("lease release: delete failed")
		return false
	}
	if !committed {
		entry.Info("lease changed during release, delete aborted")
	}
	return committed
}

// IsHeld проверяет, существует ли аренда key. Ошибки хранилища
// трактуются как "не удалось подтвердить" и дают false.
func (l *Locker) IsHeld(ctx context.Context, key string) bool {
	exists, err := l.store.Exists(ctx, key)
	if err != nil {
		l.logger.WithError(err).WithField("key", key).Warn("lease existence check failed")
		return false
	}
	return exists
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
