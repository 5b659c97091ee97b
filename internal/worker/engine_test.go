package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/mailconnect/internal/models"
	"github.com/example/mailconnect/internal/worker"
)

type dispatcherStub struct {
	mu      sync.Mutex
	results []models.SendResult
	calls   int
	seen    []string
}

func (d *dispatcherStub) Dispatch(_ context.Context, req *models.SendRequest) models.SendResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, req.MessageID)
	res := d.results[min(d.calls, len(d.results)-1)]
	d.calls++
	return res
}

type resultCollector struct {
	mu      sync.Mutex
	results []models.SendResult
	err     error
}

func (r *resultCollector) PublishResult(_ context.Context, res models.SendResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return r.err
}

func (r *resultCollector) snapshot() []models.SendResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.SendResult(nil), r.results...)
}

var epoch = time.Unix(0, 0).UTC()

func transient() models.SendResult {
	return models.Failed("relay", 1, epoch, &models.SendError{Code: "451", Message: "later", Retryable: true})
}

func requestPayload(t *testing.T, id string) []byte {
	t.Helper()
	data, err := json.Marshal(models.SendRequest{
		MessageID: id,
		From:      "sender@example.com",
		To:        []string{"rcpt@example.com"},
		Text:      "hello",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func newEngine(t *testing.T, cfg worker.Config, disp worker.Dispatcher, pub worker.ResultPublisher, commit func(context.Context, *worker.Record) error) *worker.Engine {
	t.Helper()
	engine, err := worker.NewEngine(cfg, worker.Dependencies{
		Dispatcher: disp,
		Publisher:  pub,
		Committer:  worker.CommitFunc(commit),
		Logger:     zerolog.New(io.Discard),
		Now:        func() time.Time { return epoch },
	})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}
	return engine
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestEngineHandleRecordSuccess(t *testing.T) {
	disp := &dispatcherStub{results: []models.SendResult{models.Succeeded("relay", "msg-1", 1, epoch)}}
	pub := &resultCollector{}
	commitCh := make(chan struct{})

	engine := newEngine(t, worker.Config{MsgMaxBytes: 4096, MaxAttempts: 3, WorkerConcurrency: 1}, disp, pub,
		func(context.Context, *worker.Record) error { close(commitCh); return nil })

	engine.HandleRecord(context.Background(), &worker.Record{Topic: "send.request", Key: []byte("msg-1"), Value: requestPayload(t, "msg-1")})
	waitFor(t, commitCh, "commit")

	results := pub.snapshot()
	if len(results) != 1 || !results[0].Success || results[0].ProviderID != "relay" {
		t.Fatalf("unexpected results %+v", results)
	}
	if disp.calls != 1 {
		t.Fatalf("expected one dispatch, got %d", disp.calls)
	}
}

func TestEngineRejectsOversizeAndMalformedRecords(t *testing.T) {
	tests := []struct {
		name  string
		value []byte
		code  string
	}{
		{"oversize", make([]byte, 64), worker.CodePayloadTooLarge},
		{"malformed", []byte("{not json"), worker.CodeMalformed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			disp := &dispatcherStub{results: []models.SendResult{models.Succeeded("relay", "x", 1, epoch)}}
			pub := &resultCollector{}
			committed := false

			engine := newEngine(t, worker.Config{MsgMaxBytes: 32, MaxAttempts: 1, WorkerConcurrency: 1}, disp, pub,
				func(context.Context, *worker.Record) error { committed = true; return nil })

			engine.HandleRecord(context.Background(), &worker.Record{Key: []byte("msg-2"), Value: tc.value})

			results := pub.snapshot()
			if len(results) != 1 || results[0].Error == nil || results[0].Error.Code != tc.code || results[0].Error.Retryable {
				t.Fatalf("unexpected results %+v", results)
			}
			if results[0].MessageID != "msg-2" {
				t.Fatalf("expected record key as message id, got %q", results[0].MessageID)
			}
			if !committed {
				t.Fatalf("expected commit for rejected record")
			}
			if disp.calls != 0 {
				t.Fatalf("dispatcher must not be called")
			}
		})
	}
}

func TestEngineRetriesRetryableResults(t *testing.T) {
	disp := &dispatcherStub{results: []models.SendResult{transient(), transient(), models.Succeeded("http-api", "msg-3", 1, epoch)}}
	pub := &resultCollector{}
	commitCh := make(chan struct{})

	engine := newEngine(t, worker.Config{MaxAttempts: 3, WorkerConcurrency: 1, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}, disp, pub,
		func(context.Context, *worker.Record) error { close(commitCh); return nil })

	engine.HandleRecord(context.Background(), &worker.Record{Value: requestPayload(t, "msg-3")})
	waitFor(t, commitCh, "commit")

	results := pub.snapshot()
	if len(results) != 1 || !results[0].Success || results[0].Attempts != 3 {
		t.Fatalf("expected success with cumulative attempts, got %+v", results)
	}
	for _, id := range disp.seen {
		if id != "msg-3" {
			t.Fatalf("message id must be stable across retries, got %v", disp.seen)
		}
	}
}

func TestEngineStopsAfterMaxAttempts(t *testing.T) {
	disp := &dispatcherStub{results: []models.SendResult{transient()}}
	pub := &resultCollector{}
	commitCh := make(chan struct{})

	engine := newEngine(t, worker.Config{MaxAttempts: 2, WorkerConcurrency: 1}, disp, pub,
		func(context.Context, *worker.Record) error { close(commitCh); return nil })

	engine.HandleRecord(context.Background(), &worker.Record{Value: requestPayload(t, "")})
	waitFor(t, commitCh, "commit")

	results := pub.snapshot()
	if len(results) != 1 || results[0].Success || !results[0].Retryable() {
		t.Fatalf("expected final retryable failure, got %+v", results)
	}
	if disp.calls != 2 {
		t.Fatalf("expected 2 dispatches, got %d", disp.calls)
	}
	if disp.seen[0] == "" || disp.seen[0] != disp.seen[1] {
		t.Fatalf("expected generated stable message id, got %v", disp.seen)
	}
}

func TestEngineDoesNotRetryTerminalFailures(t *testing.T) {
	disp := &dispatcherStub{results: []models.SendResult{
		models.Failed("relay", 1, epoch, &models.SendError{Code: "550", Message: "no such user"}),
	}}
	pub := &resultCollector{}
	commitCh := make(chan struct{})

	engine := newEngine(t, worker.Config{MaxAttempts: 5, WorkerConcurrency: 1}, disp, pub,
		func(context.Context, *worker.Record) error { close(commitCh); return nil })

	engine.HandleRecord(context.Background(), &worker.Record{Value: requestPayload(t, "msg-4")})
	waitFor(t, commitCh, "commit")

	if disp.calls != 1 {
		t.Fatalf("expected a single dispatch, got %d", disp.calls)
	}
}

func TestEngineLeavesRecordUncommittedWhenPublishFails(t *testing.T) {
	disp := &dispatcherStub{results: []models.SendResult{models.Succeeded("relay", "msg-5", 1, epoch)}}
	pub := &resultCollector{err: errors.New("broker down")}
	var committed bool

	engine := newEngine(t, worker.Config{MaxAttempts: 1, WorkerConcurrency: 1}, disp, pub,
		func(context.Context, *worker.Record) error { committed = true; return nil })

	engine.HandleRecord(context.Background(), &worker.Record{Value: requestPayload(t, "msg-5")})
	if err := engine.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if committed {
		t.Fatalf("record must not be committed when the result was not published")
	}
	if len(pub.snapshot()) != 1 {
		t.Fatalf("expected publish attempt")
	}
}

type dlqCollector struct {
	mu      sync.Mutex
	records []models.DLQRecord
}

func (d *dlqCollector) PublishDLQ(_ context.Context, record models.DLQRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, record)
	return nil
}

func (d *dlqCollector) snapshot() []models.DLQRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.DLQRecord(nil), d.records...)
}

func TestEngineDeadLettersTerminalFailures(t *testing.T) {
	permanent := models.Failed("relay", 1, epoch, &models.SendError{Code: "550", Message: "no such user"})

	tests := []struct {
		name        string
		results     []models.SendResult
		value       func(t *testing.T) []byte
		maxAttempts int
		wantType    string
		wantRequest bool
		wantRaw     bool
		wantCode    string
		wantTries   int
	}{
		{"permanent", []models.SendResult{permanent}, func(t *testing.T) []byte { return requestPayload(t, "msg-6") }, 3, models.FailureTypePermanent, true, false, "550", 1},
		{"retries exhausted", []models.SendResult{transient()}, func(t *testing.T) []byte { return requestPayload(t, "msg-6") }, 2, models.FailureTypeRetriesExhausted, true, false, "451", 2},
		{"malformed", nil, func(*testing.T) []byte { return []byte("{not json") }, 1, models.FailureTypeValidation, false, true, worker.CodeMalformed, 0},
		{"oversize", nil, func(*testing.T) []byte { return make([]byte, 8192) }, 1, models.FailureTypeValidation, false, false, worker.CodePayloadTooLarge, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			disp := &dispatcherStub{results: tc.results}
			pub := &resultCollector{}
			dlq := &dlqCollector{}
			var committed bool

			engine, err := worker.NewEngine(worker.Config{MsgMaxBytes: 4096, MaxAttempts: tc.maxAttempts, WorkerConcurrency: 1}, worker.Dependencies{
				Dispatcher:  disp,
				Publisher:   pub,
				DeadLetters: dlq,
				Committer:   worker.CommitFunc(func(context.Context, *worker.Record) error { committed = true; return nil }),
				Logger:      zerolog.New(io.Discard),
				Now:         func() time.Time { return epoch },
			})
			if err != nil {
				t.Fatalf("unexpected engine error: %v", err)
			}

			engine.HandleRecord(context.Background(), &worker.Record{Key: []byte("msg-6"), Value: tc.value(t)})
			if err := engine.Drain(context.Background()); err != nil {
				t.Fatalf("drain: %v", err)
			}

			records := dlq.snapshot()
			if len(records) != 1 {
				t.Fatalf("expected one dlq record, got %d", len(records))
			}
			got := records[0]
			if got.MessageID != "msg-6" || got.FailureType != tc.wantType || got.Attempts != tc.wantTries {
				t.Fatalf("unexpected dlq record %+v", got)
			}
			if got.Result.Error == nil || got.Result.Error.Code != tc.wantCode {
				t.Fatalf("expected result code %s, got %+v", tc.wantCode, got.Result)
			}
			if (got.Request != nil) != tc.wantRequest || (len(got.RawPayload) > 0) != tc.wantRaw {
				t.Fatalf("unexpected payload fields request=%v raw=%d", got.Request != nil, len(got.RawPayload))
			}
			if !got.FirstFailedAt.Equal(epoch) || !got.LastAttemptAt.Equal(epoch) {
				t.Fatalf("unexpected timestamps %+v", got)
			}
			if len(pub.snapshot()) != 1 || !committed {
				t.Fatalf("expected the result published and the record committed")
			}
		})
	}
}

func TestEngineDoesNotDeadLetterSuccess(t *testing.T) {
	dlq := &dlqCollector{}
	engine, err := worker.NewEngine(worker.Config{MaxAttempts: 1, WorkerConcurrency: 1}, worker.Dependencies{
		Dispatcher:  &dispatcherStub{results: []models.SendResult{models.Succeeded("relay", "msg-7", 1, epoch)}},
		Publisher:   &resultCollector{},
		DeadLetters: dlq,
		Logger:      zerolog.New(io.Discard),
	})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}

	engine.HandleRecord(context.Background(), &worker.Record{Value: requestPayload(t, "msg-7")})
	if err := engine.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n := len(dlq.snapshot()); n != 0 {
		t.Fatalf("expected no dlq records, got %d", n)
	}
}

func TestNewEngineValidatesDependencies(t *testing.T) {
	_, err := worker.NewEngine(worker.Config{MaxAttempts: 1, WorkerConcurrency: 1}, worker.Dependencies{})
	if err == nil {
		t.Fatalf("expected error without dispatcher")
	}
	_, err = worker.NewEngine(worker.Config{MaxAttempts: 0, WorkerConcurrency: 1}, worker.Dependencies{
		Dispatcher: &dispatcherStub{}, Publisher: &resultCollector{},
	})
	if err == nil {
		t.Fatalf("expected error for zero attempts")
	}
}
