// Package producer wraps a Sarama sync producer with readiness tracking.
package producer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/example/mailconnect/internal/logger"
)

const defaultMetadataRefreshInterval = 30 * time.Second

// Option customises the producer during construction.
type Option func(*options)

type options struct {
	config          *sarama.Config
	refreshInterval time.Duration
	clientID        string
}

// WithConfig supplies a preconfigured Sarama config. It is copied so the
// caller retains ownership.
func WithConfig(cfg *sarama.Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.config = cfg
		}
	}
}

// WithMetadataRefreshInterval overrides how often cluster metadata is
// refreshed to keep readiness current.
func WithMetadataRefreshInterval(interval time.Duration) Option {
	return func(o *options) {
		if interval > 0 {
			o.refreshInterval = interval
		}
	}
}

// WithClientID sets the Kafka client id.
func WithClientID(id string) Option {
	return func(o *options) {
		if id != "" {
			o.clientID = id
		}
	}
}

// Producer publishes result and health events. Every publish waits for the
// broker acknowledgement.
type Producer struct {
	logger zerolog.Logger
	client sarama.Client
	sync   sarama.SyncProducer
	ready  atomic.Bool

	refreshInterval time.Duration
	stopCh          chan struct{}
	closeOnce       sync.Once
	wg              sync.WaitGroup
}

// New connects to brokers and starts the metadata watcher.
func New(brokers []string, log zerolog.Logger, opts ...Option) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka producer: at least one broker is required")
	}

	settings := &options{
		config:          defaultConfig(),
		refreshInterval: defaultMetadataRefreshInterval,
		clientID:        "mailconnect-producer",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(settings)
		}
	}

	cfg := *settings.config
	cfg.ClientID = settings.clientID
	cfg.Metadata.RefreshFrequency = settings.refreshInterval

	client, err := sarama.NewClient(brokers, &cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: create client: %w", err)
	}
	syncProd, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kafka producer: create sync producer: %w", err)
	}

	p := &Producer{
		logger:          logger.Component(log, "kafka_producer"),
		client:          client,
		sync:            syncProd,
		refreshInterval: settings.refreshInterval,
		stopCh:          make(chan struct{}),
	}
	p.refresh()

	p.wg.Add(1)
	go p.watchMetadata()

	return p, nil
}

// PublishSync publishes one message and waits for the broker to acknowledge it.
func (p *Producer) PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error {
	if topic == "" {
		return errors.New("kafka producer: topic is required")
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Value:   sarama.ByteEncoder(payload),
		Headers: toRecordHeaders(headers),
	}
	if len(key) > 0 {
		msg.Key = sarama.ByteEncoder(key)
	}

	partition, offset, err := p.sync.SendMessage(msg)
	if err != nil {
		p.ready.Store(false)
		return fmt.Errorf("kafka producer: send: %w", err)
	}
	p.ready.Store(true)
	p.logger.Debug().
		Str("topic", topic).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("message published")
	return nil
}

// IsReady reports whether the last metadata refresh or publish succeeded.
func (p *Producer) IsReady() bool {
	return p.ready.Load()
}

// Close stops the watcher and releases the producer and client.
func (p *Producer) Close() error {
	p.closeOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	return errors.Join(p.sync.Close(), p.client.Close())
}

func (p *Producer) watchMetadata() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.refresh()
		}
	}
}

func (p *Producer) refresh() {
	if err := p.client.RefreshMetadata(); err != nil {
		p.logger.Error().Err(err).Msg("metadata refresh failed")
		p.ready.Store(false)
		return
	}
	p.ready.Store(true)
}

func toRecordHeaders(headers map[string][]byte) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]sarama.RecordHeader, 0, len(headers))
	for k, v := range headers {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: append([]byte(nil), v...)})
	}
	return out
}

func defaultConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 6
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Metadata.Full = false
	return cfg
}
