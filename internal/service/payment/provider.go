package payment

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

// MockProvider — конфигурируемая заглушка PaymentProvider для тестов.
type MockProvider struct {
	mu sync.Mutex

	Paid bool
	Err  error

	Calls int
}

// NewMockProvider возвращает mock с успешным сценарием по умолчанию.
func NewMockProvider() *MockProvider {
	return &MockProvider{Paid: true}
}

// Charge возвращает заранее настроенный результат и считает вызовы.
func (m *MockProvider) Charge(context.Context, domain.Invoice) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	return m.Paid, m.Err
}

// SimulatedRates задаёт вероятности исходов SimulatedProvider.
type SimulatedRates struct {
	Declined     float64
	NetworkError float64
}

// DefaultSimulatedRates: 20% отказов, 5% сетевых сбоев.
func DefaultSimulatedRates() SimulatedRates {
	return SimulatedRates{Declined: 0.2, NetworkError: 0.05}
}

// SimulatedProvider имитирует внешнего провайдера для локального запуска:
// проверяет клиента и валюту по хранилищу, остальное решает случайно.
type SimulatedProvider struct {
	customers domain.CustomerRepository
	rates     SimulatedRates

	mu  sync.Mutex
	rnd *rand.Rand
}

var (
	_ domain.PaymentProvider = (*MockProvider)(nil)
	_ domain.PaymentProvider = (*SimulatedProvider)(nil)
)

// NewSimulatedProvider создаёт провайдера с детерминированным seed.
func NewSimulatedProvider(customers domain.CustomerRepository, rates SimulatedRates, seed int64) *SimulatedProvider {
	return &SimulatedProvider{
		customers: customers,
		rates:     rates,
		rnd:       rand.New(rand.NewSource(seed)),
	}
}

// Charge имитирует списание.
func (p *SimulatedProvider) Charge(ctx context.Context, invoice domain.Invoice) (bool, error) {
	customer, err := p.customers.GetCustomer(ctx, invoice.CustomerID)
	if errors.Is(err, domain.ErrCustomerMissing) {
		return false, &domain.CustomerNotFoundError{CustomerID: invoice.CustomerID}
	}
	if err != nil {
		return false, &domain.NetworkError{Cause: err}
	}
	if customer.Currency != invoice.Amount.Currency {
		return false, &domain.CurrencyMismatchError{InvoiceID: invoice.ID, CustomerID: customer.ID}
	}

	p.mu.Lock()
	roll := p.rnd.Float64()
	p.mu.Unlock()

	switch {
	case roll < p.rates.NetworkError:
		return false, &domain.NetworkError{Cause: errors.New("simulated connection reset")}
	case roll < p.rates.NetworkError+p.rates.Declined:
		return false, nil
	default:
		return true, nil
	}
}
