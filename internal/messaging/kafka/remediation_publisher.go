package kafka

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

// RemediationPublisher отправляет события обработчиков DLQ в Kafka.
type RemediationPublisher struct {
	producer *Producer
	// topicPrefix добавляется к имени топика, например "staging.".
	topicPrefix string
}

var _ domain.RemediationPublisher = (*RemediationPublisher)(nil)

// NewRemediationPublisher создаёт publisher поверх producer.
func NewRemediationPublisher(producer *Producer, topicPrefix string) *RemediationPublisher {
	return &RemediationPublisher{producer: producer, topicPrefix: topicPrefix}
}

// Publish отправляет remediation в топик его вида.
func (p *RemediationPublisher) Publish(ctx context.Context, r domain.Remediation) error {
	if p == nil || p.producer == nil {
		return errProducerClosed
	}

	event := NewRemediationEvent(r)
	topic := p.topicPrefix + TopicFor(r.Kind)
	if err := p.producer.PublishEvent(ctx, topic, event.Key(), event); err != nil {
		return fmt.Errorf("publish %s for invoice %d: %w", r.Kind, r.InvoiceID, err)
	}
	return nil
}
