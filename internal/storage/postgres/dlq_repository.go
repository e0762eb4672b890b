package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

const dlqColumns = `id, invoice_id, failure_reason, is_handled, created_at`

func scanDLQ(rows *sql.Rows) ([]domain.InvoiceDLQ, error) {
	defer rows.Close()

	var out []domain.InvoiceDLQ
	for rows.Next() {
		var (
			entry  domain.InvoiceDLQ
			reason string
		)
		if err := rows.Scan(&entry.ID, &entry.InvoiceID, &reason, &entry.IsHandled, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dlq entry: %w", err)
		}
		entry.FailureReason = domain.FailureReason(reason)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// FetchUnhandledDLQBatch возвращает до limit необработанных записей.
func (r *Repository) FetchUnhandledDLQBatch(ctx context.Context, limit int) ([]domain.InvoiceDLQ, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+dlqColumns+`
		FROM invoice_dlq
		WHERE is_handled = FALSE
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch unhandled dlq entries: %w", err)
	}
	return scanDLQ(rows)
}

// MarkHandled помечает записи обработанными; отсутствующий id откатывает всё.
func (r *Repository) MarkHandled(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return r.store.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE invoice_dlq SET is_handled = TRUE WHERE id = ANY($1)`, ids)
		if err != nil {
			return fmt.Errorf("mark dlq entries handled: %w", err)
		}
		if n, _ := res.RowsAffected(); n != int64(len(ids)) {
			return fmt.Errorf("mark %d dlq entries handled, %d found: %w", len(ids), n, domain.ErrDLQEntryNotFound)
		}
		return nil
	})
}

// ListDLQ возвращает записи DLQ; пустая причина означает все.
func (r *Repository) ListDLQ(ctx context.Context, reason domain.FailureReason) ([]domain.InvoiceDLQ, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+dlqColumns+`
		FROM invoice_dlq
		WHERE $1 = '' OR failure_reason = $1
		ORDER BY id
	`, string(reason))
	if err != nil {
		return nil, fmt.Errorf("list dlq entries: %w", err)
	}
	return scanDLQ(rows)
}

// Requeue сбрасывает is_handled у записей причины reason.
func (r *Repository) Requeue(ctx context.Context, reason domain.FailureReason) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE invoice_dlq SET is_handled = FALSE
		WHERE is_handled = TRUE AND failure_reason = $1
	`, string(reason))
	if err != nil {
		return 0, fmt.Errorf("requeue dlq entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}
