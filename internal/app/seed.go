package app

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

const (
	seedCustomers           = 100
	seedInvoicesPerCustomer = 10
)

// Seed наполняет пустое хранилище демонстрационными данными: у каждого
// клиента десять счетов, из которых последний ждёт списания.
// Непустое хранилище не трогается.
func Seed(ctx context.Context, storage Storage, rnd *rand.Rand) (int, error) {
	existing, err := storage.ListCustomers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list customers: %w", err)
	}
	if len(existing) > 0 {
		return 0, nil
	}

	currencies := domain.Currencies()
	created := 0
	for i := 0; i < seedCustomers; i++ {
		customer, err := storage.CreateCustomer(ctx, currencies[rnd.Intn(len(currencies))])
		if err != nil {
			return created, fmt.Errorf("create customer: %w", err)
		}

		for j := 0; j < seedInvoicesPerCustomer; j++ {
			status := domain.InvoiceStatusPaid
			if j == seedInvoicesPerCustomer-1 {
				status = domain.InvoiceStatusPending
			}
			amount := domain.Money{
				Value:    decimal.NewFromInt(int64(rnd.Intn(49000) + 1000)).Shift(-2),
				Currency: customer.Currency,
			}
			if _, err := storage.Create(ctx, customer.ID, amount, status); err != nil {
				return created, fmt.Errorf("create invoice for customer %d: %w", customer.ID, err)
			}
			created++
		}
	}
	return created, nil
}
