package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/billing/internal/lock"
)

type leaseRecord struct {
	value     string
	expiresAt time.Time
}

// LeaseStore — in-memory хранилище аренды для одного процесса и тестов.
// Истёкшие записи удаляются лениво при обращении.
type LeaseStore struct {
	mu     sync.Mutex
	leases map[string]leaseRecord
	now    func() time.Time
}

var _ lock.Store = (*LeaseStore)(nil)

// NewLeaseStore создаёт пустое хранилище аренды.
func NewLeaseStore() *LeaseStore {
	return &LeaseStore{
		leases: make(map[string]leaseRecord),
		now:    time.Now,
	}
}

func (s *LeaseStore) liveLocked(key string) (leaseRecord, bool) {
	record, ok := s.leases[key]
	if !ok {
		return leaseRecord{}, false
	}
	if !record.expiresAt.After(s.now()) {
		delete(s.leases, key)
		return leaseRecord{}, false
	}
	return record, true
}

// SetNX записывает value с TTL, если ключ свободен.
func (s *LeaseStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.liveLocked(key); ok {
		return false, nil
	}
	s.leases[key] = leaseRecord{value: value, expiresAt: s.now().Add(ttl)}
	return true, nil
}

// Get возвращает значение живой аренды.
func (s *LeaseStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.liveLocked(key)
	return record.value, ok, nil
}

// CompareAndDelete удаляет ключ, если его значение равно value.
func (s *LeaseStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.liveLocked(key)
	if !ok || record.value != value {
		return false, nil
	}
	delete(s.leases, key)
	return true, nil
}

// Exists проверяет наличие живой аренды.
func (s *LeaseStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}
