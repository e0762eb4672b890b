package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

// Store — in-memory хранилище счетов, клиентов и DLQ. Все три набора данных
// живут под одним мьютексом, поэтому RecordFailure атомарен.
type Store struct {
	mu sync.RWMutex

	invoices  map[int64]domain.Invoice
	customers map[int64]domain.Customer
	dlq       map[int64]domain.InvoiceDLQ

	// исходный счёт -> повторно выставленный
	reissued map[int64]int64

	nextInvoiceID  int64
	nextCustomerID int64
	nextDLQID      int64

	now func() time.Time
}

var (
	_ domain.InvoiceRepository  = (*Store)(nil)
	_ domain.DLQRepository      = (*Store)(nil)
	_ domain.CustomerRepository = (*Store)(nil)
	_ domain.InvoiceIssuer      = (*Store)(nil)
)

// StoreOption настраивает Store.
type StoreOption func(*Store)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore возвращает in-memory хранилище для локальной разработки и тестов.
func NewStore(options ...StoreOption) *Store {
	s := &Store{
		invoices:  make(map[int64]domain.Invoice),
		customers: make(map[int64]domain.Customer),
		dlq:       make(map[int64]domain.InvoiceDLQ),
		reissued:  make(map[int64]int64),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// FetchPendingBatch возвращает до limit счетов PENDING по возрастанию id.
func (s *Store) FetchPendingBatch(ctx context.Context, limit int) ([]domain.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.selectInvoicesLocked(limit, func(inv domain.Invoice) bool {
		return inv.Status == domain.InvoiceStatusPending
	}), nil
}

// ClaimPending переводит в IN_PROGRESS счета из ids, которые всё ещё в PENDING.
func (s *Store) ClaimPending(ctx context.Context, ids []int64) ([]domain.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	claimed := make([]domain.Invoice, 0, len(ids))
	for _, id := range ids {
		inv, ok := s.invoices[id]
		if !ok || inv.Status != domain.InvoiceStatusPending {
			continue
		}
		inv.Status = domain.InvoiceStatusInProgress
		inv.UpdatedAt = now
		s.invoices[id] = inv
		claimed = append(claimed, inv)
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].ID < claimed[j].ID })
	return claimed, nil
}

// Touch обновляет UpdatedAt счёта IN_PROGRESS.
func (s *Store) Touch(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[id]
	if !ok {
		return fmt.Errorf("touch invoice %d: %w", id, domain.ErrInvoiceNotFound)
	}
	if inv.Status != domain.InvoiceStatusInProgress {
		return fmt.Errorf("touch invoice %d in status %s: %w", id, inv.Status, domain.ErrStatusConflict)
	}
	inv.UpdatedAt = s.now()
	s.invoices[id] = inv
	return nil
}

// SetStatuses переводит все счета в status или не трогает ни один,
// если хотя бы один id не найден или его статус не допускает перехода.
func (s *Store) SetStatuses(ctx context.Context, ids []int64, status domain.InvoiceStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		inv, ok := s.invoices[id]
		if !ok {
			return fmt.Errorf("set status of invoice %d: %w", id, domain.ErrInvoiceNotFound)
		}
		if !inv.Status.CanTransitionTo(status) {
			return fmt.Errorf("set status of invoice %d from %s to %s: %w", id, inv.Status, status, domain.ErrStatusConflict)
		}
	}
	now := s.now()
	for _, id := range ids {
		inv := s.invoices[id]
		inv.Status = status
		inv.UpdatedAt = now
		s.invoices[id] = inv
	}
	return nil
}

// SetStatus переводит один счёт в status.
func (s *Store) SetStatus(ctx context.Context, id int64, status domain.InvoiceStatus) error {
	return s.SetStatuses(ctx, []int64{id}, status)
}

// RecordFailure обновляет статус и добавляет запись DLQ под одной блокировкой.
func (s *Store) RecordFailure(ctx context.Context, id int64, status domain.InvoiceStatus, reason domain.FailureReason) (domain.InvoiceDLQ, error) {
	if err := ctx.Err(); err != nil {
		return domain.InvoiceDLQ{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[id]
	if !ok {
		return domain.InvoiceDLQ{}, fmt.Errorf("record failure of invoice %d: %w", id, domain.ErrInvoiceNotFound)
	}
	if inv.Status != domain.InvoiceStatusInProgress || !inv.Status.CanTransitionTo(status) {
		return domain.InvoiceDLQ{}, fmt.Errorf("record failure of invoice %d in status %s: %w", id, inv.Status, domain.ErrStatusConflict)
	}

	now := s.now()
	inv.Status = status
	inv.UpdatedAt = now
	s.invoices[id] = inv

	s.nextDLQID++
	entry := domain.InvoiceDLQ{
		ID:            s.nextDLQID,
		InvoiceID:     id,
		FailureReason: reason,
		CreatedAt:     now,
	}
	s.dlq[entry.ID] = entry
	return entry, nil
}

// FetchUnhandledDLQBatch возвращает до limit необработанных записей по возрастанию id.
func (s *Store) FetchUnhandledDLQBatch(ctx context.Context, limit int) ([]domain.InvoiceDLQ, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.selectDLQLocked(limit, func(entry domain.InvoiceDLQ) bool { return !entry.IsHandled }), nil
}

// MarkHandled помечает записи обработанными.
func (s *Store) MarkHandled(ctx context.Context, ids []int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, ok := s.dlq[id]; !ok {
			return fmt.Errorf("mark dlq entry %d handled: %w", id, domain.ErrDLQEntryNotFound)
		}
	}
	for _, id := range ids {
		entry := s.dlq[id]
		entry.IsHandled = true
		s.dlq[id] = entry
	}
	return nil
}

// Get возвращает счёт или ErrInvoiceNotFound.
func (s *Store) Get(ctx context.Context, id int64) (domain.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return domain.Invoice{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[id]
	if !ok {
		return domain.Invoice{}, domain.ErrInvoiceNotFound
	}
	return inv, nil
}

// List возвращает все счета.
func (s *Store) List(ctx context.Context) ([]domain.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.selectInvoicesLocked(0, func(domain.Invoice) bool { return true }), nil
}

// Create сохраняет новый счёт.
func (s *Store) Create(ctx context.Context, customerID int64, amount domain.Money, status domain.InvoiceStatus) (domain.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return domain.Invoice{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.createLocked(customerID, amount, status), nil
}

func (s *Store) createLocked(customerID int64, amount domain.Money, status domain.InvoiceStatus) domain.Invoice {
	now := s.now()
	s.nextInvoiceID++
	inv := domain.Invoice{
		ID:         s.nextInvoiceID,
		CustomerID: customerID,
		Amount:     amount,
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.invoices[inv.ID] = inv
	return inv
}

// Reissue выставляет новый счёт PENDING с теми же клиентом и суммой.
// Для каждого исходного счёта создаётся не больше одного повторного.
func (s *Store) Reissue(ctx context.Context, invoiceID int64) (domain.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return domain.Invoice{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.reissued[invoiceID]; ok {
		return s.invoices[existing], nil
	}
	source, ok := s.invoices[invoiceID]
	if !ok {
		return domain.Invoice{}, fmt.Errorf("reissue invoice %d: %w", invoiceID, domain.ErrInvoiceNotFound)
	}

	inv := s.createLocked(source.CustomerID, source.Amount, domain.InvoiceStatusPending)
	inv.ReissuedFrom = invoiceID
	s.invoices[inv.ID] = inv
	s.reissued[invoiceID] = inv.ID
	return inv, nil
}

// ReclaimStale возвращает в PENDING счета, застрявшие в IN_PROGRESS.
func (s *Store) ReclaimStale(ctx context.Context, before time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stale := s.selectInvoicesLocked(limit, func(inv domain.Invoice) bool {
		return inv.Status == domain.InvoiceStatusInProgress && !inv.UpdatedAt.After(before)
	})
	now := s.now()
	for _, inv := range stale {
		inv.Status = domain.InvoiceStatusPending
		inv.UpdatedAt = now
		s.invoices[inv.ID] = inv
	}
	return len(stale), nil
}

// ListDLQ возвращает записи DLQ, опционально фильтруя по причине.
func (s *Store) ListDLQ(ctx context.Context, reason domain.FailureReason) ([]domain.InvoiceDLQ, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.selectDLQLocked(0, func(entry domain.InvoiceDLQ) bool {
		return reason == "" || entry.FailureReason == reason
	}), nil
}

// Requeue сбрасывает IsHandled у обработанных записей с причиной reason.
func (s *Store) Requeue(ctx context.Context, reason domain.FailureReason) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	requeued := 0
	for id, entry := range s.dlq {
		if !entry.IsHandled || entry.FailureReason != reason {
			continue
		}
		entry.IsHandled = false
		s.dlq[id] = entry
		requeued++
	}
	return requeued, nil
}

// GetCustomer возвращает клиента или ErrCustomerMissing.
func (s *Store) GetCustomer(ctx context.Context, id int64) (domain.Customer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Customer{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customers[id]
	if !ok {
		return domain.Customer{}, domain.ErrCustomerMissing
	}
	return customer, nil
}

// ListCustomers возвращает всех клиентов по возрастанию id.
func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Customer, 0, len(s.customers))
	for _, customer := range s.customers {
		result = append(result, customer)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// CreateCustomer сохраняет нового клиента.
func (s *Store) CreateCustomer(ctx context.Context, currency domain.Currency) (domain.Customer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Customer{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextCustomerID++
	customer := domain.Customer{ID: s.nextCustomerID, Currency: currency}
	s.customers[customer.ID] = customer
	return customer, nil
}

func (s *Store) selectInvoicesLocked(limit int, match func(domain.Invoice) bool) []domain.Invoice {
	result := make([]domain.Invoice, 0)
	for _, inv := range s.invoices {
		if match(inv) {
			result = append(result, inv)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (s *Store) selectDLQLocked(limit int, match func(domain.InvoiceDLQ) bool) []domain.InvoiceDLQ {
	result := make([]domain.InvoiceDLQ, 0)
	for _, entry := range s.dlq {
		if match(entry) {
			result = append(result, entry)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
