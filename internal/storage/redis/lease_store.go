// Package redis хранит аренды в Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/billing/internal/lock"
)

const opTimeout = 2 * time.Second

// Connect создаёт клиента по URL (redis://...) или адресу host:port
// и проверяет доступность сервера.
func Connect(ctx context.Context, addr string) (*goredis.Client, error) {
	var opts *goredis.Options
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := goredis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &goredis.Options{Addr: addr}
	}

	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// LeaseStore реализует lock.Store поверх Redis.
type LeaseStore struct {
	client *goredis.Client
}

var _ lock.Store = (*LeaseStore)(nil)

// NewLeaseStore оборачивает готового клиента.
func NewLeaseStore(client *goredis.Client) *LeaseStore {
	return &LeaseStore{client: client}
}

// SetNX выполняет SET key value NX PX ttl одной командой.
func (s *LeaseStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// Get возвращает значение ключа.
func (s *LeaseStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, true, nil
}

// CompareAndDelete удаляет ключ через WATCH/MULTI/DEL/EXEC. Если значение
// изменилось между чтением и EXEC, транзакция отменяется и возвращается false.
func (s *LeaseStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	committed := false

	txf := func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if current != value {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err != nil {
			return err
		}
		committed = true
		return nil
	}

	err := s.client.Watch(ctx, txf, key)
	if errors.Is(err, goredis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete %s: %w", key, err)
	}
	return committed, nil
}

// Exists проверяет наличие ключа.
func (s *LeaseStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Ping проверяет доступность Redis для health checks.
func (s *LeaseStore) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.client.Ping(pingCtx).Err()
}

// Close закрывает клиента.
func (s *LeaseStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
