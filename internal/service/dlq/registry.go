// Package dlq разбирает записи DLQ и передаёт каждую обработчику её причины.
package dlq

import (
	"context"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

var (
	// ErrHandlerMissing — для причины не зарегистрирован обработчик.
	ErrHandlerMissing = errors.New("no failure handler registered")
	// ErrDuplicateHandler — для причины зарегистрировано несколько обработчиков.
	ErrDuplicateHandler = errors.New("duplicate failure handler")
	// ErrNilHandler — в реестр передан nil вместо обработчика.
	ErrNilHandler = errors.New("nil failure handler")
)

// Handler устраняет последствия неуспешного списания одной причины.
type Handler interface {
	IsResponsibleFor() domain.FailureReason
	Handle(ctx context.Context, entry domain.InvoiceDLQ) error
}

// Registry сопоставляет каждой причине ровно один обработчик.
type Registry struct {
	handlers map[domain.FailureReason]Handler
}

// NewRegistry строит реестр и проверяет, что каждая причина из
// domain.FailureReasons покрыта ровно одним обработчиком.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	known := make(map[domain.FailureReason]struct{})
	for _, reason := range domain.FailureReasons() {
		known[reason] = struct{}{}
	}

	byReason := make(map[domain.FailureReason]Handler, len(handlers))
	for i, handler := range handlers {
		if handler == nil {
			return nil, fmt.Errorf("%w at position %d", ErrNilHandler, i)
		}
		reason := handler.IsResponsibleFor()
		if _, ok := known[reason]; !ok {
			return nil, fmt.Errorf("%w: %q", domain.ErrUnknownFailureReason, reason)
		}
		if _, exists := byReason[reason]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateHandler, reason)
		}
		byReason[reason] = handler
	}

	var missing []domain.FailureReason
	for _, reason := range domain.FailureReasons() {
		if _, ok := byReason[reason]; !ok {
			missing = append(missing, reason)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrHandlerMissing, missing)
	}

	return &Registry{handlers: byReason}, nil
}

// HandlerFor возвращает обработчик причины.
func (r *Registry) HandlerFor(reason domain.FailureReason) (Handler, error) {
	handler, ok := r.handlers[reason]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerMissing, reason)
	}
	return handler, nil
}
