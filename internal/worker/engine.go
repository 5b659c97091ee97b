// Package worker turns Kafka send-request records into dispatches, retries
// retryable outcomes with jittered backoff and publishes the final result.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/mailconnect/internal/logger"
	"github.com/example/mailconnect/internal/models"
)

// Codes for records that never reach the dispatcher.
const (
	CodePayloadTooLarge = "payload_too_large"
	CodeMalformed       = "malformed_request"
)

// Config contains the runtime settings for the engine.
type Config struct {
	MsgMaxBytes       int
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	WorkerConcurrency int
}

// Record is a Kafka message handed to the engine, decoupled from the
// concrete consumer.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte
}

// Dispatcher delivers a single request. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *models.SendRequest) models.SendResult
}

// ResultPublisher emits the final result of a record.
type ResultPublisher interface {
	PublishResult(ctx context.Context, res models.SendResult) error
}

// DLQPublisher receives messages the engine gave up on.
type DLQPublisher interface {
	PublishDLQ(ctx context.Context, record models.DLQRecord) error
}

// Committer commits a record's offset after it has been fully handled.
type Committer interface {
	Commit(ctx context.Context, record *Record) error
}

// CommitFunc adapts a function to Committer.
type CommitFunc func(ctx context.Context, record *Record) error

// Commit implements Committer.
func (f CommitFunc) Commit(ctx context.Context, record *Record) error { return f(ctx, record) }

// Dependencies collects the engine's collaborators. DeadLetters and Committer
// are optional.
type Dependencies struct {
	Dispatcher  Dispatcher
	Publisher   ResultPublisher
	DeadLetters DLQPublisher
	Committer   Committer
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Engine processes records concurrently up to WorkerConcurrency.
type Engine struct {
	cfg        Config
	dispatcher Dispatcher
	publisher  ResultPublisher
	dlq        DLQPublisher
	committer  Committer
	logger     zerolog.Logger
	sem        *semaphore.Weighted
	now        func() time.Time

	randMu sync.Mutex
	rnd    *rand.Rand
}

// NewEngine validates cfg and deps.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if cfg.MaxAttempts < 1 {
		return nil, errors.New("worker: max attempts must be >= 1")
	}
	if cfg.WorkerConcurrency < 1 {
		return nil, errors.New("worker: worker concurrency must be >= 1")
	}
	if cfg.MsgMaxBytes < 0 {
		return nil, errors.New("worker: msg max bytes cannot be negative")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("worker: dispatcher dependency is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("worker: result publisher dependency is required")
	}
	committer := deps.Committer
	if committer == nil {
		committer = CommitFunc(func(context.Context, *Record) error { return nil })
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		cfg:        cfg,
		dispatcher: deps.Dispatcher,
		publisher:  deps.Publisher,
		dlq:        deps.DeadLetters,
		committer:  committer,
		logger:     logger.Component(deps.Logger, "worker_engine"),
		sem:        semaphore.NewWeighted(int64(cfg.WorkerConcurrency)),
		now:        now,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only.
	}, nil
}

// HandleRecord decodes the record and starts processing it in the background.
// Records that cannot be decoded are answered and committed immediately.
func (e *Engine) HandleRecord(ctx context.Context, record *Record) {
	e.HandleRecordWith(ctx, record, e.committer)
}

// HandleRecordWith is HandleRecord with a per-record committer.
func (e *Engine) HandleRecordWith(ctx context.Context, record *Record, committer Committer) {
	if record == nil {
		return
	}
	if committer == nil {
		committer = e.committer
	}

	if e.cfg.MsgMaxBytes > 0 && len(record.Value) > e.cfg.MsgMaxBytes {
		e.reject(ctx, record, committer, CodePayloadTooLarge,
			fmt.Sprintf("payload exceeds maximum size: got %d bytes, limit %d bytes", len(record.Value), e.cfg.MsgMaxBytes))
		return
	}

	var req models.SendRequest
	if err := json.Unmarshal(record.Value, &req); err != nil {
		e.reject(ctx, record, committer, CodeMalformed, "request payload is not valid JSON")
		return
	}
	if req.MessageID == "" {
		req.MessageID = string(record.Key)
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.logger.Warn().Err(err).Str("message_id", req.MessageID).Msg("context cancelled before processing; record left uncommitted")
		return
	}
	go e.process(ctx, record, committer, &req)
}

// Drain blocks until every in-flight record has finished or ctx is done.
func (e *Engine) Drain(ctx context.Context) error {
	if err := e.sem.Acquire(ctx, int64(e.cfg.WorkerConcurrency)); err != nil {
		return err
	}
	e.sem.Release(int64(e.cfg.WorkerConcurrency))
	return nil
}

func (e *Engine) process(ctx context.Context, record *Record, committer Committer, req *models.SendRequest) {
	defer e.sem.Release(1)

	log := e.logger.With().Str("message_id", req.MessageID).Logger()
	attempts := 0
	var firstFailedAt time.Time

	for round := 1; ; round++ {
		res := e.dispatcher.Dispatch(ctx, req)
		attempts += res.Attempts
		res.Attempts = attempts

		if res.Success {
			e.finish(ctx, record, committer, res, nil, log)
			return
		}
		if firstFailedAt.IsZero() {
			firstFailedAt = e.now()
		}
		if !res.Retryable() {
			e.finish(ctx, record, committer, res, e.deadLetter(req, nil, res, models.FailureTypePermanent, firstFailedAt), log)
			return
		}
		if ctx.Err() != nil {
			log.Warn().Msg("context cancelled during dispatch; record left uncommitted")
			return
		}
		if round >= e.cfg.MaxAttempts {
			log.Warn().Int("rounds", round).Str("code", res.Error.Code).Msg("retry budget exhausted")
			e.finish(ctx, record, committer, res, e.deadLetter(req, nil, res, models.FailureTypeRetriesExhausted, firstFailedAt), log)
			return
		}

		backoff := e.computeBackoff(round)
		log.Info().
			Int("round", round).
			Str("code", res.Error.Code).
			Dur("backoff", backoff).
			Msg("scheduling retry")
		if !e.wait(ctx, backoff) {
			log.Warn().Msg("context cancelled while waiting for retry; record left uncommitted")
			return
		}
	}
}

// finish publishes the result, dead-letters terminal failures and commits.
// The record stays uncommitted when the result could not be published.
func (e *Engine) finish(ctx context.Context, record *Record, committer Committer, res models.SendResult, dl *models.DLQRecord, log zerolog.Logger) {
	if err := e.publisher.PublishResult(ctx, res); err != nil {
		log.Error().Err(err).Msg("failed to publish result; record left uncommitted")
		return
	}
	if dl != nil && e.dlq != nil {
		if err := e.dlq.PublishDLQ(ctx, *dl); err != nil {
			log.Error().Err(err).Str("failure_type", dl.FailureType).Msg("failed to publish dlq record")
		}
	}
	if err := committer.Commit(ctx, record); err != nil {
		log.Error().
			Err(err).
			Str("topic", record.Topic).
			Int32("partition", record.Partition).
			Int64("offset", record.Offset).
			Msg("failed to commit record offset")
	}
}

func (e *Engine) reject(ctx context.Context, record *Record, committer Committer, code, message string) {
	now := e.now()
	res := models.Failed("", 0, now, &models.SendError{Code: code, Message: message})
	res.MessageID = string(record.Key)
	log := e.logger.With().Str("message_id", res.MessageID).Logger()
	log.Warn().Str("code", code).Msg("record rejected")

	var raw []byte
	if code != CodePayloadTooLarge {
		raw = record.Value
	}
	e.finish(ctx, record, committer, res, e.deadLetter(nil, raw, res, models.FailureTypeValidation, now), log)
}

func (e *Engine) deadLetter(req *models.SendRequest, raw []byte, res models.SendResult, failureType string, firstFailedAt time.Time) *models.DLQRecord {
	dl := &models.DLQRecord{
		MessageID:     res.MessageID,
		Request:       req,
		RawPayload:    raw,
		Result:        res,
		FailureType:   failureType,
		Attempts:      res.Attempts,
		FirstFailedAt: firstFailedAt,
		LastAttemptAt: e.now(),
	}
	if req != nil && dl.MessageID == "" {
		dl.MessageID = req.MessageID
	}
	if res.Error != nil {
		dl.LastError = res.Error.Code + ": " + res.Error.Message
	}
	if res.ProviderID != "" {
		dl.Meta = map[string]string{"provider_id": res.ProviderID}
	}
	return dl
}

func (e *Engine) computeBackoff(round int) time.Duration {
	if e.cfg.BaseBackoff <= 0 {
		return 0
	}
	raw := time.Duration(float64(e.cfg.BaseBackoff) * math.Pow(2, float64(round-1)))
	if e.cfg.MaxBackoff > 0 && raw > e.cfg.MaxBackoff {
		raw = e.cfg.MaxBackoff
	}

	e.randMu.Lock()
	defer e.randMu.Unlock()
	return time.Duration(e.rnd.Int63n(int64(raw) + 1))
}

func (e *Engine) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
