// Package dispatch selects a delivery provider for each outbound message,
// enforces quotas and fails over between providers on retryable errors.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/mailconnect/internal/logger"
	"github.com/example/mailconnect/internal/models"
	"github.com/example/mailconnect/internal/providers/common"
)

// Dispatcher defaults.
const (
	DefaultMaxHops     = 3
	DefaultSendTimeout = 30 * time.Second
)

// Terminal codes produced when no provider could take the message.
const (
	CodeCapacityExhausted   = "capacity_exhausted"
	CodeNoProviderAvailable = "no_provider_available"
)

// Lifecycle states of one dispatch, used in logs.
const (
	stateQueued    = "queued"
	stateSelecting = "selecting"
	stateSending   = "sending"
	stateSent      = "sent"
	stateRetryable = "retryable"
	stateFatal     = "fatal"
)

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithMaxHops caps how many providers are tried for one message.
func WithMaxHops(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxHops = n
		}
	}
}

// WithSendTimeout bounds each provider Send call.
func WithSendTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.sendTimeout = t
		}
	}
}

// WithClock overrides the clock used for result timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithIDGenerator overrides how missing message ids are assigned.
func WithIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.newID = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger.Component(log, "dispatcher")
	}
}

// Dispatcher routes messages to registered providers.
type Dispatcher struct {
	registry    *Registry
	maxHops     int
	sendTimeout time.Duration
	now         func() time.Time
	newID       func() string
	logger      zerolog.Logger
}

// NewDispatcher builds a dispatcher over reg.
func NewDispatcher(reg *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:    reg,
		maxHops:     DefaultMaxHops,
		sendTimeout: DefaultSendTimeout,
		now:         time.Now,
		newID:       uuid.NewString,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.registry == nil {
		d.registry = NewRegistry()
	}
	return d
}

// Registry exposes the underlying provider registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// attempt tracks the progress of one dispatch across hops.
type attempt struct {
	tried       map[string]bool
	sends       int
	lastErr     *models.SendError
	lastErrID   string
	preflight   *models.SendError
	capacityHit bool
}

// Dispatch delivers req through the best eligible provider, failing over on
// retryable errors. It always returns a result; the request is not modified.
func (d *Dispatcher) Dispatch(ctx context.Context, req *models.SendRequest) models.SendResult {
	if req == nil {
		return d.fatal(d.logger, "", 0, &models.SendError{Code: CodeInvalidRequest, Message: "send request is required"})
	}

	msg := *req
	if msg.MessageID == "" {
		msg.MessageID = d.newID()
	}
	log := d.logger.With().Str("message_id", msg.MessageID).Logger()
	log.Debug().Str("state", stateQueued).Int("recipients", len(msg.Recipients())).Msg("dispatch queued")

	res := d.dispatch(ctx, &msg, log)
	if res.MessageID == "" {
		res.MessageID = msg.MessageID
	}
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, msg *models.SendRequest, log zerolog.Logger) models.SendResult {
	if verr := ValidateRequest(msg); verr != nil {
		return d.fatal(log, "", 0, verr)
	}

	st := &attempt{tried: make(map[string]bool)}
	for st.sends < d.maxHops {
		if err := ctx.Err(); err != nil {
			st.lastErr = &models.SendError{Code: "canceled", Message: err.Error(), Retryable: true}
			break
		}

		log.Debug().Str("state", stateSelecting).Int("hop", st.sends+1).Msg("selecting provider")
		e, res := d.selectProvider(ctx, msg, st, log)
		if e == nil {
			break
		}

		id := e.provider.ID()
		st.tried[id] = true
		st.sends++

		plog := log.With().Str("provider_id", id).Int("attempt", st.sends).Logger()
		plog.Debug().Str("state", stateSending).Msg("sending")

		sctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		receipt, err := e.provider.Send(sctx, msg)
		cancel()

		if err == nil {
			d.registry.Record(id, true)
			messageID := msg.MessageID
			if receipt != nil && receipt.MessageID != "" {
				messageID = receipt.MessageID
			}
			plog.Info().Str("state", stateSent).Str("provider_message_id", messageID).Msg("message sent")
			return models.Succeeded(id, messageID, st.sends, d.now())
		}

		sendErr := common.ToSendError(err)

		switch kind := common.KindOf(err); kind {
		case common.KindUnsupported:
			d.registry.Release(res)
			_ = d.registry.MarkUnsupported(id)
			if st.lastErr != nil && st.lastErr.Retryable {
				plog.Warn().Str("code", sendErr.Code).Msg("provider unsupported, keeping earlier retryable failure")
				return d.retryable(log, st)
			}
			return d.fatal(plog, id, st.sends, sendErr)
		case common.KindTransient, common.KindCapacity:
			st.lastErr = sendErr
			st.lastErrID = id
			d.registry.Record(id, false)
			plog.Warn().Str("state", stateRetryable).Str("code", sendErr.Code).Msg("provider failed, trying next")
		default:
			return d.fatal(plog, id, st.sends, sendErr)
		}
	}

	switch {
	case st.lastErr != nil && st.lastErr.Retryable:
		return d.retryable(log, st)
	case st.lastErr != nil:
		return d.fatal(log, st.lastErrID, st.sends, st.lastErr)
	case st.capacityHit:
		log.Warn().Str("state", stateRetryable).Msg("all providers at capacity")
		return models.Failed("", 0, d.now(), &models.SendError{
			Code:      CodeCapacityExhausted,
			Message:   "every eligible provider has exhausted its quota",
			Retryable: true,
		})
	case st.preflight != nil:
		return d.fatal(log, "", 0, st.preflight)
	default:
		return d.fatal(log, "", 0, &models.SendError{
			Code:      CodeNoProviderAvailable,
			Message:   "no delivery provider is available",
			Retryable: d.registry.Len() > 0,
		})
	}
}

// selectProvider walks providers that are not down in priority order and
// returns the first one that fits the message and has quota left, together
// with its quota reservation.
func (d *Dispatcher) selectProvider(ctx context.Context, msg *models.SendRequest, st *attempt, log zerolog.Logger) (*entry, Reservation) {
	for _, e := range d.registry.ordered() {
		id := e.provider.ID()
		if st.tried[id] {
			continue
		}
		if d.registry.Status(id) == models.HealthDown {
			log.Debug().Str("provider_id", id).Msg("skipping down provider")
			continue
		}
		if verr := CheckLimits(msg, e.limits); verr != nil {
			st.tried[id] = true
			if st.preflight == nil {
				st.preflight = verr
			}
			log.Debug().Str("provider_id", id).Str("code", verr.Code).Msg("message exceeds provider limits")
			continue
		}
		res, err := d.registry.Reserve(id)
		if err != nil {
			st.tried[id] = true
			st.capacityHit = true
			log.Debug().Err(err).Str("provider_id", id).Msg("provider at capacity")
			continue
		}
		if err := e.wait(ctx); err != nil {
			d.registry.Release(res)
			st.tried[id] = true
			st.capacityHit = true
			log.Debug().Err(err).Str("provider_id", id).Msg("provider rate limit wait aborted")
			continue
		}
		return e, res
	}
	return nil, Reservation{}
}

func (d *Dispatcher) retryable(log zerolog.Logger, st *attempt) models.SendResult {
	log.Warn().
		Str("state", stateRetryable).
		Str("provider_id", st.lastErrID).
		Str("code", st.lastErr.Code).
		Int("attempts", st.sends).
		Msg("dispatch exhausted retryable attempts")
	return models.Failed(st.lastErrID, st.sends, d.now(), st.lastErr)
}

func (d *Dispatcher) fatal(log zerolog.Logger, providerID string, attempts int, sendErr *models.SendError) models.SendResult {
	ev := log.Warn()
	if sendErr.Retryable {
		ev = ev.Str("state", stateRetryable)
	} else {
		ev = ev.Str("state", stateFatal)
	}
	ev.Str("provider_id", providerID).
		Str("code", sendErr.Code).
		Int("attempts", attempts).
		Msg("dispatch failed")
	return models.Failed(providerID, attempts, d.now(), sendErr)
}
