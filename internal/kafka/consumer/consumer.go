// Package consumer reads send requests from a Kafka consumer group with
// manual offset commits.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/example/mailconnect/internal/logger"
)

const (
	defaultSessionTimeout   = 30 * time.Second
	defaultHeartbeat        = 3 * time.Second
	defaultRebalanceTimeout = 30 * time.Second
	defaultConsumeBackoff   = time.Second
)

// Handler is invoked for every record delivered by the consumer.
type Handler func(ctx context.Context, record *Record) error

// Option customises the consumer during construction.
type Option func(*sarama.Config)

// WithConfig replaces the default Sarama config. Auto-commit is still derived
// from the commit mode passed to New.
func WithConfig(cfg *sarama.Config) Option {
	return func(dst *sarama.Config) {
		if cfg != nil {
			*dst = *cfg
		}
	}
}

// WithInitialOffset selects where a new group starts reading.
func WithInitialOffset(offset int64) Option {
	return func(cfg *sarama.Config) {
		cfg.Consumer.Offsets.Initial = offset
	}
}

// Consumer wraps a Sarama consumer group.
type Consumer struct {
	logger      zerolog.Logger
	group       sarama.ConsumerGroup
	groupID     string
	commitOnAck bool
	ready       atomic.Bool
	errorsDone  chan struct{}
	wg          sync.WaitGroup
}

// Record is a Kafka message plus the session needed to commit it.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte

	session   sarama.ConsumerGroupSession
	message   *sarama.ConsumerMessage
	committed atomic.Bool
}

// New joins groupID on brokers. With commitOnSuccessOnly the offset of a
// record is only flushed when Commit is called for it.
func New(brokers []string, groupID string, log zerolog.Logger, commitOnSuccessOnly bool, opts ...Option) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka consumer: at least one broker is required")
	}
	if groupID == "" {
		return nil, errors.New("kafka consumer: group id is required")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = !commitOnSuccessOnly

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: create consumer group: %w", err)
	}

	c := &Consumer{
		logger:      logger.Component(log, "kafka_consumer").With().Str("group_id", groupID).Logger(),
		group:       group,
		groupID:     groupID,
		commitOnAck: commitOnSuccessOnly,
		errorsDone:  make(chan struct{}),
	}
	go c.drainErrors()

	return c, nil
}

// Consume subscribes to topics and calls handler for each record until ctx is
// cancelled or the group is closed. Rebalances re-enter the loop.
func (c *Consumer) Consume(ctx context.Context, topics []string, handler Handler) error {
	if len(topics) == 0 {
		return errors.New("kafka consumer: at least one topic is required")
	}
	if handler == nil {
		return errors.New("kafka consumer: handler is required")
	}

	c.wg.Add(1)
	defer c.wg.Done()

	gh := &groupHandler{consumer: c, handler: handler}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.group.Consume(ctx, topics, gh)
		if err == nil {
			continue
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		c.logger.Error().Err(err).Strs("topics", topics).Msg("consume error")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(defaultConsumeBackoff):
		}
	}
}

// Commit marks record as processed. Repeated commits are no-ops.
func (c *Consumer) Commit(_ context.Context, record *Record) error {
	if record == nil {
		return errors.New("kafka consumer: record is required")
	}
	if record.session == nil || record.message == nil {
		return errors.New("kafka consumer: record missing session data")
	}
	if !record.committed.CompareAndSwap(false, true) {
		return nil
	}

	record.session.MarkMessage(record.message, "")
	if c.commitOnAck {
		record.session.Commit()
	}
	return nil
}

// IsReady reports whether the consumer currently holds a group session.
func (c *Consumer) IsReady() bool {
	return c.ready.Load()
}

// Close leaves the group and waits for Consume to return.
func (c *Consumer) Close() error {
	err := c.group.Close()
	c.wg.Wait()
	<-c.errorsDone
	return err
}

func (c *Consumer) drainErrors() {
	defer close(c.errorsDone)
	for err := range c.group.Errors() {
		if err != nil {
			c.logger.Error().Err(err).Msg("consumer group error")
		}
	}
}

type groupHandler struct {
	consumer *Consumer
	handler  Handler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.consumer.ready.Store(true)
	h.consumer.logger.Info().Msg("consumer group session started")
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.consumer.ready.Store(false)
	h.consumer.logger.Info().Msg("consumer group session ended")
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		record := &Record{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Key:       append([]byte(nil), msg.Key...),
			Value:     append([]byte(nil), msg.Value...),
			Timestamp: msg.Timestamp,
			Headers:   fromHeaders(msg.Headers),
			session:   session,
			message:   msg,
		}

		if err := h.handler(session.Context(), record); err != nil {
			h.consumer.logger.Error().
				Err(err).
				Str("topic", msg.Topic).
				Int32("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("handler error")
		}
	}
	return nil
}

func defaultConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = "mailconnect-dispatch-worker"
	cfg.Consumer.Group.Session.Timeout = defaultSessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = defaultHeartbeat
	cfg.Consumer.Group.Rebalance.Timeout = defaultRebalanceTimeout
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true
	return cfg
}

func fromHeaders(headers []*sarama.RecordHeader) map[string][]byte {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(headers))
	for _, h := range headers {
		if h == nil || len(h.Key) == 0 {
			continue
		}
		out[string(h.Key)] = append([]byte(nil), h.Value...)
	}
	return out
}
