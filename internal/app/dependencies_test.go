package app

import (
	"context"
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/billing/internal/domain"
	"github.com/vladislavdragonenkov/billing/internal/service/dlq"
	"github.com/vladislavdragonenkov/billing/internal/service/payment"
	"github.com/vladislavdragonenkov/billing/internal/storage/memory"
)

func newMemoryDeps(t *testing.T, provider domain.PaymentProvider) *Dependencies {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Billing.RetryDelay = 0

	deps, err := NewDependencies(context.Background(), cfg, nil,
		WithRegisterer(prometheus.NewRegistry()),
		WithProvider(provider),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = deps.Close() })
	return deps
}

func TestNewDependencies_MemoryDefaults(t *testing.T) {
	deps := newMemoryDeps(t, nil)

	require.IsType(t, &memory.Store{}, deps.Storage)
	require.IsType(t, &payment.SimulatedProvider{}, deps.Provider)
	require.IsType(t, &dlq.LogPublisher{}, deps.Publisher)
	require.Nil(t, deps.Postgres)
	require.NotNil(t, deps.Billing)
	require.NotNil(t, deps.Dispatcher)
	require.NotNil(t, deps.Reclaimer)
	require.Empty(t, deps.Health.Names())
	require.NoError(t, deps.Close())
}

func TestNewDependencies_UnreachableRedisFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lock.Driver = LockDriverRedis
	cfg.Lock.RedisAddr = "127.0.0.1:1"

	_, err := NewDependencies(context.Background(), cfg, nil, WithRegisterer(prometheus.NewRegistry()))
	require.Error(t, err)
}

func TestDependencies_SettleAndDrainEndToEnd(t *testing.T) {
	provider := payment.NewMockProvider()
	provider.Paid = false
	deps := newMemoryDeps(t, provider)
	ctx := context.Background()

	n, err := Seed(ctx, deps.Storage, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	require.Equal(t, seedCustomers*seedInvoicesPerCustomer, n)

	report, err := deps.Billing.SettleInvoices(ctx)
	require.NoError(t, err)
	require.Equal(t, seedCustomers, report.Claimed)
	require.Equal(t, seedCustomers, report.Failed[domain.FailureInsufficientFunds])

	drained, err := deps.Dispatcher.DrainFailedPayments(ctx)
	require.NoError(t, err)
	require.Equal(t, seedCustomers, drained.Claimed)
	require.Equal(t, seedCustomers, drained.Handled)

	// Каждый отказ порождает повторный счёт в PENDING.
	pending, err := deps.Storage.FetchPendingBatch(ctx, 1000)
	require.NoError(t, err)
	require.Len(t, pending, seedCustomers)
}

func TestSeed_SkipsNonEmptyStorage(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	n, err := Seed(ctx, store, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.Equal(t, 1000, n)

	invoices, err := store.List(ctx)
	require.NoError(t, err)
	pending := 0
	for _, inv := range invoices {
		if inv.Status == domain.InvoiceStatusPending {
			pending++
		}
	}
	require.Equal(t, seedCustomers, pending)

	n, err = Seed(ctx, store, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.Zero(t, n)
}
