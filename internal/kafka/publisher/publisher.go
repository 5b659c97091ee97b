// Package publisher serialises dispatch results, dead-lettered messages and
// provider health snapshots onto Kafka topics.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/mailconnect/internal/logger"
	"github.com/example/mailconnect/internal/models"
)

// ErrProducerNotInitialised is returned when a publisher has no producer.
var ErrProducerNotInitialised = errors.New("kafka publisher: producer not initialised")

// Header names set on every published event.
const (
	HeaderContentType = "content-type"
	HeaderEventType   = "event-type"
)

// Event types carried in the event-type header.
const (
	EventSendResult     = "send_result"
	EventProviderHealth = "provider_health"
	EventDeadLetter     = "dead_letter"
)

// SyncProducer is the subset of the producer the publishers need.
type SyncProducer interface {
	PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error
}

// ResultPublisher emits one event per finished dispatch, keyed by message id.
type ResultPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewResultPublisher returns nil when prod is nil.
func NewResultPublisher(prod SyncProducer, topic string, log zerolog.Logger) *ResultPublisher {
	if prod == nil {
		return nil
	}
	return &ResultPublisher{producer: prod, topic: topic, logger: logger.Component(log, "result_publisher")}
}

// PublishResult writes res to the result topic.
func (p *ResultPublisher) PublishResult(_ context.Context, res models.SendResult) error {
	if p == nil || p.producer == nil {
		return ErrProducerNotInitialised
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal send result: %w", err)
	}
	if err := p.producer.PublishSync(p.topic, []byte(res.MessageID), headers(EventSendResult), payload); err != nil {
		return fmt.Errorf("kafka publisher: publish send result: %w", err)
	}
	p.logger.Debug().
		Str("message_id", res.MessageID).
		Bool("success", res.Success).
		Msg("send result published")
	return nil
}

// DLQPublisher writes messages the worker gave up on to the dead-letter topic.
type DLQPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewDLQPublisher returns nil when prod is nil or topic is empty.
func NewDLQPublisher(prod SyncProducer, topic string, log zerolog.Logger) *DLQPublisher {
	if prod == nil || topic == "" {
		return nil
	}
	return &DLQPublisher{producer: prod, topic: topic, logger: logger.Component(log, "dlq_publisher")}
}

// PublishDLQ writes record synchronously, keyed by message id.
func (p *DLQPublisher) PublishDLQ(_ context.Context, record models.DLQRecord) error {
	if p == nil || p.producer == nil {
		return ErrProducerNotInitialised
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal dlq record: %w", err)
	}
	if err := p.producer.PublishSync(p.topic, []byte(record.MessageID), headers(EventDeadLetter), payload); err != nil {
		return fmt.Errorf("kafka publisher: publish dlq record: %w", err)
	}
	p.logger.Info().
		Str("message_id", record.MessageID).
		Str("failure_type", record.FailureType).
		Int("attempts", record.Attempts).
		Msg("message dead-lettered")
	return nil
}

// HealthPublisher emits provider snapshots, one event per provider keyed by
// provider id so compacted topics keep the latest state.
type HealthPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewHealthPublisher returns nil when prod is nil or topic is empty.
func NewHealthPublisher(prod SyncProducer, topic string, log zerolog.Logger) *HealthPublisher {
	if prod == nil || topic == "" {
		return nil
	}
	return &HealthPublisher{producer: prod, topic: topic, logger: logger.Component(log, "health_publisher")}
}

// PublishHealth writes every snapshot. All snapshots are attempted; the
// errors are joined.
func (p *HealthPublisher) PublishHealth(_ context.Context, snapshots []models.ProviderSnapshot) error {
	if p == nil || p.producer == nil {
		return ErrProducerNotInitialised
	}
	var errs []error
	for _, snap := range snapshots {
		payload, err := json.Marshal(snap)
		if err != nil {
			errs = append(errs, fmt.Errorf("kafka publisher: marshal snapshot %s: %w", snap.ProviderID, err))
			continue
		}
		if err := p.producer.PublishSync(p.topic, []byte(snap.ProviderID), headers(EventProviderHealth), payload); err != nil {
			errs = append(errs, fmt.Errorf("kafka publisher: publish snapshot %s: %w", snap.ProviderID, err))
		}
	}
	return errors.Join(errs...)
}

func headers(eventType string) map[string][]byte {
	return map[string][]byte{
		HeaderContentType: []byte("application/json"),
		HeaderEventType:   []byte(eventType),
	}
}
