package dlq

import (
	"context"
	"fmt"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

// alertHandler поднимает алерт по записи DLQ.
type alertHandler struct {
	reason    domain.FailureReason
	kind      domain.RemediationKind
	message   string
	publisher domain.RemediationPublisher
	logger    *log.Entry
}

func newAlertHandler(reason domain.FailureReason, kind domain.RemediationKind, message string, publisher domain.RemediationPublisher, logger *log.Entry) *alertHandler {
	if logger == nil {
		logger = log.WithField("component", "dlq-handler")
	}
	return &alertHandler{
		reason:    reason,
		kind:      kind,
		message:   message,
		publisher: publisher,
		logger:    logger.WithField("failure_reason", reason),
	}
}

func (h *alertHandler) IsResponsibleFor() domain.FailureReason { return h.reason }

func (h *alertHandler) Handle(ctx context.Context, entry domain.InvoiceDLQ) error {
	h.logger.WithFields(log.Fields{
		"dlq_id":     entry.ID,
		"invoice_id": entry.InvoiceID,
	}).Warn(h.message)

	return h.publisher.Publish(ctx, domain.Remediation{
		Kind:          h.kind,
		DLQID:         entry.ID,
		InvoiceID:     entry.InvoiceID,
		FailureReason: entry.FailureReason,
		Message:       h.message,
	})
}

// NewNetworkFailureHandler поднимает операционный алерт: провайдер был недоступен.
func NewNetworkFailureHandler(publisher domain.RemediationPublisher, logger *log.Entry) Handler {
	return newAlertHandler(domain.FailureNetwork, domain.RemediationOperationalAlert,
		"payment provider unreachable after retries", publisher, logger)
}

// NewCurrencyMismatchHandler поднимает алерт оператору.
func NewCurrencyMismatchHandler(publisher domain.RemediationPublisher, logger *log.Entry) Handler {
	return newAlertHandler(domain.FailureCurrencyMismatch, domain.RemediationOperatorAlert,
		"invoice currency does not match customer account currency", publisher, logger)
}

// NewCustomerNotFoundHandler поднимает алерт оператору.
func NewCustomerNotFoundHandler(publisher domain.RemediationPublisher, logger *log.Entry) Handler {
	return newAlertHandler(domain.FailureCustomerNotFound, domain.RemediationOperatorAlert,
		"customer is unknown to payment provider", publisher, logger)
}

// NewUnknownFailureHandler поднимает алерт оператору по неклассифицированной ошибке.
func NewUnknownFailureHandler(publisher domain.RemediationPublisher, logger *log.Entry) Handler {
	return newAlertHandler(domain.FailureUnknown, domain.RemediationOperatorAlert,
		"invoice failed with unclassified error", publisher, logger)
}

// InsufficientFundsHandler выставляет повторный счёт на следующий цикл
// и запускает dunning.
type InsufficientFundsHandler struct {
	issuer    domain.InvoiceIssuer
	publisher domain.RemediationPublisher
	logger    *log.Entry
}

// NewInsufficientFundsHandler создаёт обработчик INSUFFICIENT_FUNDS.
func NewInsufficientFundsHandler(issuer domain.InvoiceIssuer, publisher domain.RemediationPublisher, logger *log.Entry) *InsufficientFundsHandler {
	if logger == nil {
		logger = log.WithField("component", "dlq-handler")
	}
	return &InsufficientFundsHandler{
		issuer:    issuer,
		publisher: publisher,
		logger:    logger.WithField("failure_reason", domain.FailureInsufficientFunds),
	}
}

func (h *InsufficientFundsHandler) IsResponsibleFor() domain.FailureReason {
	return domain.FailureInsufficientFunds
}

func (h *InsufficientFundsHandler) Handle(ctx context.Context, entry domain.InvoiceDLQ) error {
	reissued, err := h.issuer.Reissue(ctx, entry.InvoiceID)
	if err != nil {
		return fmt.Errorf("reissue invoice %d: %w", entry.InvoiceID, err)
	}

	h.logger.WithFields(log.Fields{
		"dlq_id":         entry.ID,
		"invoice_id":     entry.InvoiceID,
		"new_invoice_id": reissued.ID,
	}).Info("invoice reissued for next cycle")

	metadata := map[string]string{
		"new_invoice_id": strconv.FormatInt(reissued.ID, 10),
		"customer_id":    strconv.FormatInt(reissued.CustomerID, 10),
		"amount":         reissued.Amount.String(),
	}
	if err := h.publisher.Publish(ctx, domain.Remediation{
		Kind:          domain.RemediationInvoiceReissued,
		DLQID:         entry.ID,
		InvoiceID:     entry.InvoiceID,
		FailureReason: entry.FailureReason,
		Message:       "follow-up invoice issued",
		Metadata:      metadata,
	}); err != nil {
		return fmt.Errorf("publish reissue of invoice %d: %w", entry.InvoiceID, err)
	}

	return h.publisher.Publish(ctx, domain.Remediation{
		Kind:          domain.RemediationDunningStarted,
		DLQID:         entry.ID,
		InvoiceID:     entry.InvoiceID,
		FailureReason: entry.FailureReason,
		Message:       "customer balance insufficient, dunning started",
		Metadata:      metadata,
	})
}

// DefaultHandlers возвращает по одному обработчику на каждую причину.
func DefaultHandlers(issuer domain.InvoiceIssuer, publisher domain.RemediationPublisher, logger *log.Entry) []Handler {
	return []Handler{
		NewNetworkFailureHandler(publisher, logger),
		NewCurrencyMismatchHandler(publisher, logger),
		NewCustomerNotFoundHandler(publisher, logger),
		NewInsufficientFundsHandler(issuer, publisher, logger),
		NewUnknownFailureHandler(publisher, logger),
	}
}

// LogPublisher пишет события в лог, когда брокер не настроен.
type LogPublisher struct {
	logger *log.Entry
}

var _ domain.RemediationPublisher = (*LogPublisher)(nil)

// NewLogPublisher создаёт LogPublisher.
func NewLogPublisher(logger *log.Entry) *LogPublisher {
	if logger == nil {
		logger = log.WithField("component", "remediation-log")
	}
	return &LogPublisher{logger: logger}
}

// Publish пишет событие в лог.
func (p *LogPublisher) Publish(_ context.Context, r domain.Remediation) error {
	fields := log.Fields{
		"kind":           r.Kind,
		"dlq_id":         r.DLQID,
		"invoice_id":     r.InvoiceID,
		"failure_reason": r.FailureReason,
	}
	for k, v := range r.Metadata {
		fields[k] = v
	}
	p.logger.WithFields(fields).Info(r.Message)
	return nil
}
