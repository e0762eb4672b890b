package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/billing/internal/domain"
	"github.com/vladislavdragonenkov/billing/internal/lock"
	"github.com/vladislavdragonenkov/billing/internal/service/billing"
	"github.com/vladislavdragonenkov/billing/internal/service/dlq"
	"github.com/vladislavdragonenkov/billing/internal/storage/memory"
)

type settlerStub struct {
	report billing.Report
	err    error
	calls  int
}

func (s *settlerStub) SettleInvoices(context.Context) (billing.Report, error) {
	s.calls++
	return s.report, s.err
}

type drainerStub struct {
	report dlq.DrainReport
	err    error
}

func (d *drainerStub) DrainFailedPayments(context.Context) (dlq.DrainReport, error) {
	return d.report, d.err
}

type fixture struct {
	store   *memory.Store
	settler *settlerStub
	drainer *drainerStub
	router  http.Handler
	invoice domain.Invoice
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctx := context.Background()
	store := memory.NewStore()
	customer, err := store.CreateCustomer(ctx, domain.CurrencyEUR)
	require.NoError(t, err)
	amount, err := domain.NewMoney("42.50", domain.CurrencyEUR)
	require.NoError(t, err)
	invoice, err := store.Create(ctx, customer.ID, amount, domain.InvoiceStatusInProgress)
	require.NoError(t, err)
	_, err = store.RecordFailure(ctx, invoice.ID, domain.InvoiceStatusFailed, domain.FailureInsufficientFunds)
	require.NoError(t, err)

	f := &fixture{
		store:   store,
		settler: &settlerStub{},
		drainer: &drainerStub{},
		invoice: invoice,
	}
	f.router = NewRouter(NewHandler(Deps{
		Invoices:  store,
		Customers: store,
		DLQ:       store,
		Settler:   f.settler,
		Drainer:   f.drainer,
	}))
	return f
}

func (f *fixture) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func TestRouter_Health(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/rest/v1/health")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, decode[bool](t, w))
}

func TestRouter_Invoices(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/rest/v1/invoices")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode[[]domain.Invoice](t, w), 1)

	w = f.do(t, http.MethodGet, fmt.Sprintf("/rest/v1/invoices/%d", f.invoice.ID))
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[domain.Invoice](t, w)
	require.Equal(t, domain.InvoiceStatusFailed, got.Status)
	require.Equal(t, "42.5", got.Amount.Value.String())

	w = f.do(t, http.MethodGet, "/rest/v1/invoices/999")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "not_found", decode[errorResponse](t, w).Error.Code)

	w = f.do(t, http.MethodGet, "/rest/v1/invoices/abc")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_Customers(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/rest/v1/customers")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode[[]domain.Customer](t, w), 1)

	w = f.do(t, http.MethodGet, "/rest/v1/customers/1")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, domain.CurrencyEUR, decode[domain.Customer](t, w).Currency)

	w = f.do(t, http.MethodGet, "/rest/v1/customers/77")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_DLQ(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/rest/v1/invoices-dlq")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode[[]domain.InvoiceDLQ](t, w), 1)

	w = f.do(t, http.MethodGet, "/rest/v1/invoices-dlq?failureReason=insufficient_funds")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode[[]domain.InvoiceDLQ](t, w), 1)

	w = f.do(t, http.MethodGet, "/rest/v1/invoices-dlq?failureReason=NETWORK_FAILURE")
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, decode[[]domain.InvoiceDLQ](t, w))

	w = f.do(t, http.MethodGet, "/rest/v1/invoices-dlq?failureReason=BOGUS")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_failure_reason", decode[errorResponse](t, w).Error.Code)
}

func TestRouter_Requeue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.MarkHandled(ctx, []int64{1}))

	w := f.do(t, http.MethodPost, "/rest/v1/invoices-dlq/requeue?failureReason=INSUFFICIENT_FUNDS")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, decode[requeueResponse](t, w).Requeued)

	batch, err := f.store.FetchUnhandledDLQBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	w = f.do(t, http.MethodPost, "/rest/v1/invoices-dlq/requeue")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_Settle(t *testing.T) {
	f := newFixture(t)
	f.settler.report = billing.Report{
		Batches:       1,
		Claimed:       5,
		Paid:          2,
		Failed:        map[domain.FailureReason]int{domain.FailureNetwork: 1},
		Lost:          1,
		PersistErrors: 1,
	}

	w := f.do(t, http.MethodPost, "/rest/v1/billing")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[settleResponse](t, w)
	require.Equal(t, 2, body.Paid)
	require.Equal(t, 1, body.Failed[domain.FailureNetwork])
	require.Equal(t, 1, body.Lost)
	require.Equal(t, 1, body.PersistErrors)
	require.Equal(t, 1, f.settler.calls)

	f.settler.err = fmt.Errorf("acquire: %w", lock.ErrNotAcquired)
	w = f.do(t, http.MethodPost, "/rest/v1/billing")
	require.Equal(t, http.StatusConflict, w.Code)

	f.settler.err = errors.New("boom")
	w = f.do(t, http.MethodPost, "/rest/v1/billing")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotEmpty(t, decode[errorResponse](t, w).Error.RequestID)

	w = f.do(t, http.MethodGet, "/rest/v1/billing")
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRouter_Drain(t *testing.T) {
	f := newFixture(t)
	f.drainer.report = dlq.DrainReport{Batches: 1, Claimed: 2, Handled: 1, HandlerErr: 1}

	w := f.do(t, http.MethodPost, "/rest/v1/invoices-dlq")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[drainResponse](t, w)
	require.Equal(t, 2, body.Claimed)
	require.Equal(t, 1, body.HandlerErrors)
}
