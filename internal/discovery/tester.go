package discovery

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/textproto"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/mailconnect/internal/logger"
	"github.com/example/mailconnect/internal/models"
)

const (
	// DefaultProbeTimeout is the hard limit for a single probe.
	DefaultProbeTimeout = 5 * time.Second
	// DefaultProbeConcurrency caps in-flight probes per Test call.
	DefaultProbeConcurrency = 5
	// DefaultProbeCandidates is how many top-ranked candidates are probed.
	DefaultProbeCandidates = 5
)

// Dialer opens network connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// TestOptions tunes a single Test call.
type TestOptions struct {
	// FirstWorking probes sequentially in rank order and stops at the first
	// success.
	FirstWorking bool
}

// Tester probes candidates and re-ranks them by the outcome.
type Tester struct {
	dialer        Dialer
	timeout       time.Duration
	concurrency   int64
	maxCandidates int
	greeting      bool
	tlsConfig     *tls.Config
	logger        zerolog.Logger
}

// TesterOption customises a Tester.
type TesterOption func(*Tester)

// WithDialer injects the dialer used for probes.
func WithDialer(d Dialer) TesterOption {
	return func(t *Tester) {
		if d != nil {
			t.dialer = d
		}
	}
}

// WithProbeTimeout sets the per-probe deadline.
func WithProbeTimeout(d time.Duration) TesterOption {
	return func(t *Tester) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithProbeConcurrency caps in-flight probes.
func WithProbeConcurrency(n int) TesterOption {
	return func(t *Tester) {
		if n > 0 {
			t.concurrency = int64(n)
		}
	}
}

// WithMaxCandidates sets how many top-ranked candidates are probed.
func WithMaxCandidates(n int) TesterOption {
	return func(t *Tester) {
		if n > 0 {
			t.maxCandidates = n
		}
	}
}

// WithGreetingCheck makes a probe succeed only once the server greeting has
// been read, not just after the TCP or TLS handshake.
func WithGreetingCheck(enabled bool) TesterOption {
	return func(t *Tester) {
		t.greeting = enabled
	}
}

// WithTLSConfig sets the base TLS configuration for secure candidates.
func WithTLSConfig(cfg *tls.Config) TesterOption {
	return func(t *Tester) {
		t.tlsConfig = cfg
	}
}

// WithTesterLogger sets the tester logger.
func WithTesterLogger(l zerolog.Logger) TesterOption {
	return func(t *Tester) {
		t.logger = l
	}
}

// NewTester builds a Tester with the default limits.
func NewTester(opts ...TesterOption) *Tester {
	t := &Tester{
		dialer:        &net.Dialer{},
		timeout:       DefaultProbeTimeout,
		concurrency:   DefaultProbeConcurrency,
		maxCandidates: DefaultProbeCandidates,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logger.Component(t.logger, "connectivity_tester")
	return t
}

// Test probes the top-ranked results, adjusts their confidence and returns
// the list re-sorted. Results beyond the probe limit keep their score. The
// input slice is not modified.
func (t *Tester) Test(ctx context.Context, results []models.DiscoveryResult, opts TestOptions) []models.DiscoveryResult {
	out := make([]models.DiscoveryResult, len(results))
	copy(out, results)

	n := min(t.maxCandidates, len(out))
	if opts.FirstWorking {
		for i := 0; i < n; i++ {
			if ctx.Err() != nil {
				break
			}
			if t.apply(ctx, &out[i]) {
				break
			}
		}
	} else {
		sem := semaphore.NewWeighted(t.concurrency)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			if err := sem.Acquire(ctx, 1); err != nil {
				break
			}
			wg.Add(1)
			go func(r *models.DiscoveryResult) {
				defer wg.Done()
				defer sem.Release(1)
				t.apply(ctx, r)
			}(&out[i])
		}
		wg.Wait()
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

func (t *Tester) apply(ctx context.Context, r *models.DiscoveryResult) bool {
	outcome := t.Probe(ctx, r.Candidate)
	r.TestOutcome = &outcome
	r.Confidence = AdjustForTest(r.Confidence, outcome)

	t.logger.Debug().
		Str("candidate", r.Candidate.String()).
		Bool("success", outcome.Success).
		Int64("response_time_ms", outcome.ResponseTimeMs).
		Msg("probe finished")
	return outcome.Success
}

// Probe opens a bounded-time connection to c and reports whether it worked
// and how long it took. It never returns an error; failures are recorded in
// the outcome.
func (t *Tester) Probe(ctx context.Context, c models.Candidate) models.TestOutcome {
	pctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	err := t.probe(pctx, c)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return models.TestOutcome{Success: false, ResponseTimeMs: elapsed, Error: err.Error()}
	}
	return models.TestOutcome{Success: true, ResponseTimeMs: elapsed}
}

func (t *Tester) probe(ctx context.Context, c models.Candidate) error {
	conn, err := t.dialer.DialContext(ctx, "tcp", c.Address())
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.Address(), err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if c.IsSecure {
		tlsConn := tls.Client(conn, t.tlsFor(c))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return fmt.Errorf("tls handshake %s: %w", c.Address(), err)
		}
		conn = tlsConn
	}

	if !t.greeting {
		return nil
	}
	if err := readGreeting(conn, c.Protocol); err != nil {
		return fmt.Errorf("greeting %s: %w", c.Address(), err)
	}
	return nil
}

func (t *Tester) tlsFor(c models.Candidate) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if t.tlsConfig != nil {
		cfg = t.tlsConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = models.NormalizeHost(c.Host)
	}
	return cfg
}

// readGreeting waits for the server banner of the given protocol.
func readGreeting(conn net.Conn, protocol models.Protocol) error {
	switch protocol {
	case models.ProtocolIMAP:
		client := imapclient.New(conn, nil)
		defer client.Close()
		return client.WaitGreeting()
	case models.ProtocolPOP3:
		line, err := textproto.NewReader(bufio.NewReader(conn)).ReadLine()
		if err != nil {
			return err
		}
		if !strings.HasPrefix(line, "+OK") {
			return fmt.Errorf("unexpected pop3 greeting")
		}
		return nil
	case models.ProtocolSMTP:
		_, _, err := textproto.NewReader(bufio.NewReader(conn)).ReadResponse(220)
		return err
	default:
		return nil
	}
}
