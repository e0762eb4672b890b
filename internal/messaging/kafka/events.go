package kafka

import (
	"strconv"
	"time"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

// Топики событий биллинга.
const (
	TopicAlerts   = "billing.alerts"
	TopicDunning  = "billing.dunning"
	TopicInvoices = "billing.invoices"
)

// RemediationEvent — JSON-представление domain.Remediation в Kafka.
type RemediationEvent struct {
	EventType     domain.RemediationKind `json:"event_type"`
	DLQID         int64                  `json:"dlq_id"`
	InvoiceID     int64                  `json:"invoice_id"`
	FailureReason domain.FailureReason   `json:"failure_reason"`
	Message       string                 `json:"message"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]string      `json:"metadata,omitempty"`
}

// NewRemediationEvent переводит remediation в событие.
func NewRemediationEvent(r domain.Remediation) RemediationEvent {
	return RemediationEvent{
		EventType:     r.Kind,
		DLQID:         r.DLQID,
		InvoiceID:     r.InvoiceID,
		FailureReason: r.FailureReason,
		Message:       r.Message,
		Timestamp:     time.Now().UTC(),
		Metadata:      r.Metadata,
	}
}

// Key возвращает ключ партиционирования: события одного счёта попадают в одну партицию.
func (e RemediationEvent) Key() string {
	return strconv.FormatInt(e.InvoiceID, 10)
}

// TopicFor возвращает топик для вида события.
func TopicFor(kind domain.RemediationKind) string {
	switch kind {
	case domain.RemediationDunningStarted:
		return TopicDunning
	case domain.RemediationInvoiceReissued:
		return TopicInvoices
	default:
		return TopicAlerts
	}
}
