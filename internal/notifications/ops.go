// Package notifications carries billing events out of the service: an ops
// Kafka channel for operators and email for customers. Both degrade to
// no-ops when unconfigured so billing never depends on them.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"suiftly/api_billing/pkg/logging"
)

// OpsTopic is the operational notifications topic.
const OpsTopic = "billing.ops_notifications"

// OpsEvent is one operational notification.
type OpsEvent struct {
	EventID    string                 `json:"event_id"`
	EventType  string                 `json:"event_type"`
	CustomerID string                 `json:"customer_id,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// OpsProducer publishes operational events to Kafka. A nil-client producer
// (no brokers configured) silently drops events.
type OpsProducer struct {
	client *kgo.Client
	logger logging.Logger
}

// NewOpsProducer creates the ops channel producer. An empty broker list
// yields a no-op producer rather than an error.
func NewOpsProducer(brokers []string, logger logging.Logger) (*OpsProducer, error) {
	p := &OpsProducer{logger: logger}
	if len(brokers) == 0 {
		logger.Warn("Kafka brokers not configured, ops notifications disabled")
		return p, nil
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("bursar"),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	p.client = client
	return p, nil
}

// Client returns the underlying kgo client for health checks; nil when
// unconfigured.
func (p *OpsProducer) Client() *kgo.Client { return p.client }

// Close flushes and shuts down the producer.
func (p *OpsProducer) Close() {
	if p.client != nil {
		p.client.Close()
	}
}

// Publish emits one operational event. Delivery failures are logged, not
// returned: billing outcomes must not hinge on the ops channel.
func (p *OpsProducer) Publish(eventType, customerID string, details map[string]interface{}) {
	if p.client == nil {
		return
	}

	event := OpsEvent{
		EventID:    uuid.New().String(),
		EventType:  eventType,
		CustomerID: customerID,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}

	value, err := json.Marshal(event)
	if err != nil {
		p.logger.WithError(err).Error("Failed to marshal ops event")
		return
	}

	record := &kgo.Record{
		Topic: OpsTopic,
		Key:   []byte(customerID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(eventType)},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		p.logger.WithError(err).WithFields(logging.Fields{
			"event_type":  eventType,
			"customer_id": customerID,
		}).Error("Failed to publish ops event")
	}
}

// NotifyLockTimeout implements locks.TimeoutNotifier. Sustained lock
// contention is a capacity signal operators need to see.
func (p *OpsProducer) NotifyLockTimeout(customerID, operation string, waited time.Duration) {
	p.Publish("lock_timeout", customerID, map[string]interface{}{
		"operation": operation,
		"waited_ms": waited.Milliseconds(),
	})
}

// NotifyPaymentFailed reports a settlement that exhausted the provider chain.
func (p *OpsProducer) NotifyPaymentFailed(customerID, invoiceID, reason string, retryable bool) {
	p.Publish("payment_failed", customerID, map[string]interface{}{
		"invoice_id": invoiceID,
		"reason":     reason,
		"retryable":  retryable,
	})
}

// NotifyInvoiceOverdue reports an invoice past its retry budget.
func (p *OpsProducer) NotifyInvoiceOverdue(customerID, invoiceID string, retryCount int) {
	p.Publish("invoice_overdue", customerID, map[string]interface{}{
		"invoice_id":  invoiceID,
		"retry_count": retryCount,
	})
}
