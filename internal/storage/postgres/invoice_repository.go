package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

const invoiceColumns = `id, customer_id, amount, currency, status, reissued_from, created_at, updated_at`

// Repository реализует порты хранилища биллинга поверх PostgreSQL.
type Repository struct {
	store *Store
	db    *sql.DB
}

var (
	_ domain.InvoiceRepository  = (*Repository)(nil)
	_ domain.DLQRepository      = (*Repository)(nil)
	_ domain.CustomerRepository = (*Repository)(nil)
	_ domain.InvoiceIssuer      = (*Repository)(nil)
)

// NewRepository создаёт репозиторий поверх открытого Store.
func NewRepository(store *Store) *Repository {
	return &Repository{store: store, db: store.DB()}
}

type rowScanner interface {
	Scan(dest ...any) error
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanInvoice(row rowScanner) (domain.Invoice, error) {
	var (
		inv          domain.Invoice
		amount       decimal.Decimal
		currency     string
		status       string
		reissuedFrom sql.NullInt64
	)
	if err := row.Scan(&inv.ID, &inv.CustomerID, &amount, &currency, &status, &reissuedFrom, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
		return domain.Invoice{}, err
	}
	inv.Amount = domain.Money{Value: amount, Currency: domain.Currency(currency)}
	inv.Status = domain.InvoiceStatus(status)
	inv.ReissuedFrom = reissuedFrom.Int64
	return inv, nil
}

// ownershipError объясняет, почему условное обновление счёта не затронуло
// строку: счёта нет (ErrInvoiceNotFound) или он в другом статусе (ErrStatusConflict).
func ownershipError(ctx context.Context, q rowQueryer, op string, id int64) error {
	var current string
	err := q.QueryRowContext(ctx, `SELECT status FROM invoices WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s invoice %d: %w", op, id, domain.ErrInvoiceNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s invoice %d: read status: %w", op, id, err)
	}
	return fmt.Errorf("%s invoice %d in status %s: %w", op, id, current, domain.ErrStatusConflict)
}

func (r *Repository) queryInvoices(ctx context.Context, query string, args ...any) ([]domain.Invoice, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// FetchPendingBatch возвращает до limit счетов PENDING по возрастанию id.
func (r *Repository) FetchPendingBatch(ctx context.Context, limit int) ([]domain.Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	invoices, err := r.queryInvoices(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE status = $1
		ORDER BY id
		LIMIT $2
	`, string(domain.InvoiceStatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending invoices: %w", err)
	}
	return invoices, nil
}

// ClaimPending переводит в IN_PROGRESS только те счета из ids, которые всё
// ещё в PENDING. Конкурирующий UPDATE ждёт блокировку строки и после неё
// перепроверяет условие, поэтому один счёт не захватывается дважды.
func (r *Repository) ClaimPending(ctx context.Context, ids []int64) ([]domain.Invoice, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	claimed, err := r.queryInvoices(ctx, `
		UPDATE invoices
		SET status = $1, updated_at = NOW()
		WHERE id = ANY($2) AND status = $3
		RETURNING `+invoiceColumns,
		string(domain.InvoiceStatusInProgress), ids, string(domain.InvoiceStatusPending))
	if err != nil {
		return nil, fmt.Errorf("claim pending invoices: %w", err)
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].ID < claimed[j].ID })
	return claimed, nil
}

// Touch обновляет updated_at счёта IN_PROGRESS.
func (r *Repository) Touch(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE invoices SET updated_at = NOW() WHERE id = $1 AND status = $2
	`, id, string(domain.InvoiceStatusInProgress))
	if err != nil {
		return fmt.Errorf("touch invoice %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return ownershipError(ctx, r.db, "touch", id)
	}
	return nil
}

// SetStatuses обновляет все счета одним запросом при условии, что каждый
// находится в статусе-предшественнике. Иначе транзакция откатывается.
func (r *Repository) SetStatuses(ctx context.Context, ids []int64, status domain.InvoiceStatus) error {
	if len(ids) == 0 {
		return nil
	}
	from, ok := status.Predecessor()
	if !ok {
		return fmt.Errorf("set status %s: %w", status, domain.ErrStatusConflict)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return r.store.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE invoices
			SET status = $1, updated_at = NOW()
			WHERE id = ANY($2) AND status = $3
		`, string(status), ids, string(from))
		if err != nil {
			return fmt.Errorf("update invoice statuses: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == int64(len(ids)) {
			return nil
		}

		var existing int64
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM invoices WHERE id = ANY($1)`, ids).Scan(&existing); err != nil {
			return fmt.Errorf("count invoices: %w", err)
		}
		if existing != int64(len(ids)) {
			return fmt.Errorf("set status %s for %d invoices, %d exist: %w", status, len(ids), existing, domain.ErrInvoiceNotFound)
		}
		return fmt.Errorf("set status %s for %d invoices, %d in status %s: %w", status, len(ids), affected, from, domain.ErrStatusConflict)
	})
}

// SetStatus обновляет один счёт.
func (r *Repository) SetStatus(ctx context.Context, id int64, status domain.InvoiceStatus) error {
	return r.SetStatuses(ctx, []int64{id}, status)
}

// RecordFailure переводит счёт IN_PROGRESS в status и пишет запись DLQ
// в одной транзакции.
func (r *Repository) RecordFailure(ctx context.Context, id int64, status domain.InvoiceStatus, reason domain.FailureReason) (domain.InvoiceDLQ, error) {
	if !domain.InvoiceStatusInProgress.CanTransitionTo(status) {
		return domain.InvoiceDLQ{}, fmt.Errorf("record failure with status %s: %w", status, domain.ErrStatusConflict)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	entry := domain.InvoiceDLQ{InvoiceID: id, FailureReason: reason}
	err := r.store.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE invoices SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3
		`, string(status), id, string(domain.InvoiceStatusInProgress))
		if err != nil {
			return fmt.Errorf("update invoice status: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("rows affected: %w", err)
		} else if n == 0 {
			return ownershipError(ctx, tx, "record failure of", id)
		}

		return tx.QueryRowContext(ctx, `
			INSERT INTO invoice_dlq (invoice_id, failure_reason)
			VALUES ($1, $2)
			RETURNING id, created_at
		`, id, string(reason)).Scan(&entry.ID, &entry.CreatedAt)
	})
	if err != nil {
		return domain.InvoiceDLQ{}, err
	}
	return entry, nil
}

// Get возвращает счёт или ErrInvoiceNotFound.
func (r *Repository) Get(ctx context.Context, id int64) (domain.Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	inv, err := scanInvoice(r.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Invoice{}, domain.ErrInvoiceNotFound
	}
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("get invoice %d: %w", id, err)
	}
	return inv, nil
}

// List возвращает все счета.
func (r *Repository) List(ctx context.Context) ([]domain.Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	invoices, err := r.queryInvoices(ctx, `SELECT `+invoiceColumns+` FROM invoices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	return invoices, nil
}

// Create сохраняет новый счёт.
func (r *Repository) Create(ctx context.Context, customerID int64, amount domain.Money, status domain.InvoiceStatus) (domain.Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	inv, err := scanInvoice(r.db.QueryRowContext(ctx, `
		INSERT INTO invoices (customer_id, amount, currency, status)
		VALUES ($1, $2, $3, $4)
		RETURNING `+invoiceColumns,
		customerID, amount.Value, string(amount.Currency), string(status),
	))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Invoice{}, fmt.Errorf("create invoice: duplicate id: %w", err)
		}
		return domain.Invoice{}, fmt.Errorf("create invoice: %w", err)
	}
	return inv, nil
}

// Reissue выставляет новый PENDING-счёт с клиентом и суммой исходного.
// Уникальный индекс по reissued_from не даёт выставить второй счёт на тот же
// исходный: в этом случае возвращается существующий.
func (r *Repository) Reissue(ctx context.Context, invoiceID int64) (domain.Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	inv, err := scanInvoice(r.db.QueryRowContext(ctx, `
		INSERT INTO invoices (customer_id, amount, currency, status, reissued_from)
		SELECT customer_id, amount, currency, $2, id
		FROM invoices
		WHERE id = $1
		ON CONFLICT (reissued_from) DO NOTHING
		RETURNING `+invoiceColumns,
		invoiceID, string(domain.InvoiceStatusPending),
	))
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Invoice{}, fmt.Errorf("reissue invoice %d: %w", invoiceID, err)
	}

	inv, err = scanInvoice(r.db.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices WHERE reissued_from = $1
	`, invoiceID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Invoice{}, fmt.Errorf("reissue invoice %d: %w", invoiceID, domain.ErrInvoiceNotFound)
	}
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("load reissued invoice for %d: %w", invoiceID, err)
	}
	return inv, nil
}

// ReclaimStale возвращает в PENDING до limit счетов IN_PROGRESS,
// не обновлявшихся с before.
func (r *Repository) ReclaimStale(ctx context.Context, before time.Time, limit int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE invoices
		SET status = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM invoices
			WHERE status = $2 AND updated_at <= $3
			ORDER BY id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
	`, string(domain.InvoiceStatusPending), string(domain.InvoiceStatusInProgress), before, limit)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale invoices: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
