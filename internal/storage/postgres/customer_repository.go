package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

// GetCustomer возвращает клиента или ErrCustomerMissing.
func (r *Repository) GetCustomer(ctx context.Context, id int64) (domain.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		c        domain.Customer
		currency string
	)
	err := r.db.QueryRowContext(ctx, `SELECT id, currency FROM customers WHERE id = $1`, id).Scan(&c.ID, &currency)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Customer{}, domain.ErrCustomerMissing
	}
	if err != nil {
		return domain.Customer{}, fmt.Errorf("get customer %d: %w", id, err)
	}
	c.Currency = domain.Currency(currency)
	return c, nil
}

// ListCustomers возвращает всех клиентов.
func (r *Repository) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT id, currency FROM customers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	defer rows.Close()

	var out []domain.Customer
	for rows.Next() {
		var (
			c        domain.Customer
			currency string
		)
		if err := rows.Scan(&c.ID, &currency); err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		c.Currency = domain.Currency(currency)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateCustomer сохраняет клиента.
func (r *Repository) CreateCustomer(ctx context.Context, currency domain.Currency) (domain.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	c := domain.Customer{Currency: currency}
	if err := r.db.QueryRowContext(ctx,
		`INSERT INTO customers (currency) VALUES ($1) RETURNING id`, string(currency),
	).Scan(&c.ID); err != nil {
		return domain.Customer{}, fmt.Errorf("create customer: %w", err)
	}
	return c, nil
}
