package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/billing/internal/domain"
	"github.com/vladislavdragonenkov/billing/internal/storage/memory"
)

func mustMoney(t *testing.T, value string) domain.Money {
	t.Helper()
	money, err := domain.NewMoney(value, domain.CurrencyEUR)
	if err != nil {
		t.Fatalf("new money: %v", err)
	}
	return money
}

func TestStore_FetchPendingBatchOrderedAndLimited(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	for i := 0; i < 5; i++ {
		status := domain.InvoiceStatusPending
		if i == 2 {
			status = domain.InvoiceStatusPaid
		}
		if _, err := store.Create(ctx, 1, mustMoney(t, "10"), status); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	batch, err := store.FetchPendingBatch(ctx, 3)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 invoices, got %d", len(batch))
	}
	want := []int64{1, 2, 4}
	for i, inv := range batch {
		if inv.ID != want[i] {
			t.Fatalf("unexpected id at %d: got=%d want=%d", i, inv.ID, want[i])
		}
	}
}

func TestStore_SetStatusesIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	inv, err := store.Create(ctx, 1, mustMoney(t, "10"), domain.InvoiceStatusPending)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	err = store.SetStatuses(ctx, []int64{inv.ID, 404}, domain.InvoiceStatusInProgress)
	if !errors.Is(err, domain.ErrInvoiceNotFound) {
		t.Fatalf("expected ErrInvoiceNotFound, got %v", err)
	}

	stored, err := store.Get(ctx, inv.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Status != domain.InvoiceStatusPending {
		t.Fatalf("status must stay pending, got %s", stored.Status)
	}
}

func TestStore_RecordFailureAndDLQLifecycle(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	inv, err := store.Create(ctx, 7, mustMoney(t, "10"), domain.InvoiceStatusInProgress)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	entry, err := store.RecordFailure(ctx, inv.ID, domain.InvoiceStatusFailed, domain.FailureInsufficientFunds)
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if entry.InvoiceID != inv.ID || entry.IsHandled || entry.FailureReason != domain.FailureInsufficientFunds {
		t.Fatalf("unexpected dlq entry: %+v", entry)
	}

	stored, _ := store.Get(ctx, inv.ID)
	if stored.Status != domain.InvoiceStatusFailed {
		t.Fatalf("expected FAILED, got %s", stored.Status)
	}

	unhandled, err := store.FetchUnhandledDLQBatch(ctx, 100)
	if err != nil || len(unhandled) != 1 {
		t.Fatalf("expected 1 unhandled entry, got %d (err=%v)", len(unhandled), err)
	}

	if err := store.MarkHandled(ctx, []int64{entry.ID}); err != nil {
		t.Fatalf("mark handled: %v", err)
	}
	unhandled, _ = store.FetchUnhandledDLQBatch(ctx, 100)
	if len(unhandled) != 0 {
		t.Fatalf("expected no unhandled entries, got %d", len(unhandled))
	}

	requeued, err := store.Requeue(ctx, domain.FailureInsufficientFunds)
	if err != nil || requeued != 1 {
		t.Fatalf("expected 1 requeued entry, got %d (err=%v)", requeued, err)
	}

	filtered, _ := store.ListDLQ(ctx, domain.FailureNetwork)
	if len(filtered) != 0 {
		t.Fatalf("expected empty filter result, got %d", len(filtered))
	}

	if _, err := store.RecordFailure(ctx, 999, domain.InvoiceStatusFailed, domain.FailureUnknown); !errors.Is(err, domain.ErrInvoiceNotFound) {
		t.Fatalf("expected ErrInvoiceNotFound, got %v", err)
	}
}

func TestStore_ReclaimStale(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := memory.NewStore(memory.WithClock(func() time.Time { return now }))

	stale, _ := store.Create(ctx, 1, mustMoney(t, "10"), domain.InvoiceStatusInProgress)

	now = now.Add(time.Hour)
	fresh, _ := store.Create(ctx, 1, mustMoney(t, "10"), domain.InvoiceStatusInProgress)

	reclaimed, err := store.ReclaimStale(ctx, now.Add(-30*time.Minute), 10)
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed invoice, got %d", reclaimed)
	}

	got, _ := store.Get(ctx, stale.ID)
	if got.Status != domain.InvoiceStatusPending {
		t.Fatalf("stale invoice must be pending, got %s", got.Status)
	}
	got, _ = store.Get(ctx, fresh.ID)
	if got.Status != domain.InvoiceStatusInProgress {
		t.Fatalf("fresh invoice must stay in progress, got %s", got.Status)
	}
}

func TestStore_ReissueAndCustomers(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	customer, err := store.CreateCustomer(ctx, domain.CurrencyDKK)
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}
	if _, err := store.GetCustomer(ctx, 42); !errors.Is(err, domain.ErrCustomerMissing) {
		t.Fatalf("expected ErrCustomerMissing, got %v", err)
	}

	source, _ := store.Create(ctx, customer.ID, mustMoney(t, "12.30"), domain.InvoiceStatusFailed)
	reissued, err := store.Reissue(ctx, source.ID)
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if reissued.ID == source.ID || reissued.Status != domain.InvoiceStatusPending {
		t.Fatalf("unexpected reissued invoice: %+v", reissued)
	}
	if reissued.CustomerID != customer.ID || !reissued.Amount.Value.Equal(source.Amount.Value) {
		t.Fatalf("reissued invoice must keep customer and amount: %+v", reissued)
	}

	again, err := store.Reissue(ctx, source.ID)
	if err != nil {
		t.Fatalf("second reissue: %v", err)
	}
	if again.ID != reissued.ID || again.ReissuedFrom != source.ID {
		t.Fatalf("second reissue must return the same follow-up invoice: first=%+v second=%+v", reissued, again)
	}
	all, _ := store.List(ctx)
	if len(all) != 2 {
		t.Fatalf("expected source and one follow-up invoice, got %d", len(all))
	}

	customers, _ := store.ListCustomers(ctx)
	if len(customers) != 1 || customers[0].Currency != domain.CurrencyDKK {
		t.Fatalf("unexpected customers: %+v", customers)
	}
}

func TestStore_ClaimPendingSkipsClaimedInvoices(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	first, _ := store.Create(ctx, 1, mustMoney(t, "10"), domain.InvoiceStatusPending)
	second, _ := store.Create(ctx, 1, mustMoney(t, "10"), domain.InvoiceStatusPending)
	paid, _ := store.Create(ctx, 1, mustMoney(t, "10"), domain.InvoiceStatusPaid)

	claimed, err := store.ClaimPending(ctx, []int64{second.ID, first.ID, paid.ID, 404})
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 2 || claimed[0].ID != first.ID || claimed[1].ID != second.ID {
		t.Fatalf("unexpected claimed invoices: %+v", claimed)
	}
	for _, inv := range claimed {
		if inv.Status != domain.InvoiceStatusInProgress {
			t.Fatalf("claimed invoice must be IN_PROGRESS, got %s", inv.Status)
		}
	}

	again, err := store.ClaimPending(ctx, []int64{first.ID, second.ID})
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("already claimed invoices must not be claimed twice, got %+v", again)
	}
}

func TestStore_StatusWritesRequireOwnership(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	pending, _ := store.Create(ctx, 1, mustMoney(t, "10"), domain.InvoiceStatusPending)
	paid, _ := store.Create(ctx, 1, mustMoney(t, "10"), domain.InvoiceStatusPaid)

	if err := store.SetStatus(ctx, pending.ID, domain.InvoiceStatusPaid); !errors.Is(err, domain.ErrStatusConflict) {
		t.Fatalf("PENDING -> PAID must conflict, got %v", err)
	}
	if err := store.SetStatus(ctx, paid.ID, domain.InvoiceStatusPending); !errors.Is(err, domain.ErrStatusConflict) {
		t.Fatalf("PAID -> PENDING must conflict, got %v", err)
	}
	if _, err := store.RecordFailure(ctx, paid.ID, domain.InvoiceStatusFailed, domain.FailureUnknown); !errors.Is(err, domain.ErrStatusConflict) {
		t.Fatalf("RecordFailure on PAID must conflict, got %v", err)
	}
	if err := store.Touch(ctx, pending.ID); !errors.Is(err, domain.ErrStatusConflict) {
		t.Fatalf("Touch on PENDING must conflict, got %v", err)
	}
	if err := store.Touch(ctx, 404); !errors.Is(err, domain.ErrInvoiceNotFound) {
		t.Fatalf("expected ErrInvoiceNotFound, got %v", err)
	}

	entries, _ := store.ListDLQ(ctx, "")
	if len(entries) != 0 {
		t.Fatalf("conflicting RecordFailure must not write dlq entries, got %d", len(entries))
	}
	got, _ := store.Get(ctx, paid.ID)
	if got.Status != domain.InvoiceStatusPaid {
		t.Fatalf("paid invoice must stay PAID, got %s", got.Status)
	}
}

func TestStore_TouchKeepsInvoiceFresh(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := memory.NewStore(memory.WithClock(func() time.Time { return now }))

	inv, _ := store.Create(ctx, 1, mustMoney(t, "10"), domain.InvoiceStatusInProgress)

	now = now.Add(time.Hour)
	if err := store.Touch(ctx, inv.ID); err != nil {
		t.Fatalf("touch failed: %v", err)
	}

	reclaimed, err := store.ReclaimStale(ctx, now.Add(-30*time.Minute), 10)
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("touched invoice must not be reclaimed, got %d", reclaimed)
	}
}
