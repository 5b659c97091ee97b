// Package relay implements the socket-relay delivery backend: messages are
// handed to an SMTP relay over a direct TCP connection.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/mailconnect/internal/config"
	"github.com/example/mailconnect/internal/logger"
	"github.com/example/mailconnect/internal/models"
	"github.com/example/mailconnect/internal/providers/common"
)

// Default size caps used when the operator configures none.
const (
	DefaultMaxRecipients     = 100
	DefaultMaxEmailSize      = 25 << 20
	DefaultMaxAttachmentSize = 20 << 20
)

// CodeUnsupportedEnvironment is reported when raw sockets are unavailable.
const CodeUnsupportedEnvironment = "unsupported_environment"

// Dialer abstracts net.Dialer to simplify testing.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Option configures the behaviour of the relay provider.
type Option func(*Provider)

// WithTLSConfig overrides the TLS configuration used for STARTTLS and
// implicit TLS. A nil config disables STARTTLS.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(p *Provider) {
		p.tlsConfig = cfg
	}
}

// WithDialer swaps the network dialer used to establish SMTP connections.
func WithDialer(d Dialer) Option {
	return func(p *Provider) {
		if d != nil {
			p.dialer = d
		}
	}
}

// WithAuth supplies a custom SMTP auth strategy. When omitted the provider
// uses PLAIN auth with the configured credentials.
func WithAuth(auth smtp.Auth) Option {
	return func(p *Provider) {
		p.auth = auth
	}
}

// WithClock replaces the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// WithHelloName customises the EHLO/HELO identity presented to the server.
func WithHelloName(name string) Option {
	return func(p *Provider) {
		if strings.TrimSpace(name) != "" {
			p.helloName = strings.TrimSpace(name)
		}
	}
}

// WithSandboxed marks the runtime as unable to open raw sockets. Every call
// then fails immediately with an unsupported error.
func WithSandboxed(sandboxed bool) Option {
	return func(p *Provider) {
		p.sandboxed = sandboxed
	}
}

// WithLimits overrides the advertised size caps and quotas.
func WithLimits(l common.Limits) Option {
	return func(p *Provider) {
		p.limits = l
	}
}

// Provider delivers messages through an SMTP relay.
type Provider struct {
	id          string
	logger      zerolog.Logger
	host        string
	port        int
	from        string
	auth        smtp.Auth
	implicitTLS bool
	sandboxed   bool
	tlsConfig   *tls.Config
	dialer      Dialer
	now         func() time.Time
	helloName   string
	limits      common.Limits
}

// New constructs a relay provider from cfg. Missing connection settings or a
// user without a password are configuration errors.
func New(cfg config.SMTPConfig, log zerolog.Logger, opts ...Option) (*Provider, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("relay provider: host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("relay provider: invalid port %d", cfg.Port)
	}
	if strings.TrimSpace(cfg.User) != "" && cfg.Pass == "" {
		return nil, errors.New("relay provider: password is required when a user is configured")
	}

	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		id = "smtp-relay"
	}

	p := &Provider{
		id:          id,
		logger:      logger.Component(log, "relay_provider").With().Str("provider_id", id).Logger(),
		host:        strings.TrimSpace(cfg.Host),
		port:        cfg.Port,
		from:        strings.TrimSpace(cfg.From),
		implicitTLS: cfg.ImplicitTLS,
		sandboxed:   cfg.Sandboxed,
		dialer:      &net.Dialer{Timeout: 30 * time.Second},
		now:         time.Now,
		helloName:   "localhost",
		limits: common.Limits{
			DailyLimit:        cfg.DailyLimit,
			HourlyLimit:       cfg.HourlyLimit,
			PerSecondLimit:    cfg.PerSecond,
			MaxRecipients:     DefaultMaxRecipients,
			MaxAttachmentSize: DefaultMaxAttachmentSize,
			MaxEmailSize:      DefaultMaxEmailSize,
		},
	}

	if strings.TrimSpace(cfg.User) != "" {
		p.auth = smtp.PlainAuth("", cfg.User, cfg.Pass, p.host)
	}

	p.tlsConfig = &tls.Config{
		ServerName: p.host,
		MinVersion: tls.VersionTLS12,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	return p, nil
}

// ID implements common.Provider.
func (p *Provider) ID() string { return p.id }

// Limits implements common.Provider.
func (p *Provider) Limits() common.Limits { return p.limits }

// Send delivers req through the relay.
func (p *Provider) Send(ctx context.Context, req *models.SendRequest) (*common.Receipt, error) {
	if req == nil {
		return nil, common.NewError(common.KindValidation, "invalid_request", "send request is required", nil)
	}
	if p.sandboxed {
		return nil, unsupported(nil)
	}

	recipients := uniqueAddresses(req.To, req.CC, req.BCC)
	if len(recipients) == 0 {
		return nil, common.NewError(common.KindValidation, "invalid_request", "at least one recipient is required", nil)
	}

	from := strings.TrimSpace(req.From)
	if from == "" {
		from = p.from
	}
	envelopeFrom, err := normalizeEnvelopeAddress(from)
	if err != nil {
		return nil, common.NewError(common.KindPermanent, "invalid_sender", fmt.Sprintf("invalid from address: %v", err), err)
	}
	envelopeRecipients, err := normalizeEnvelopeList(recipients)
	if err != nil {
		return nil, common.NewError(common.KindPermanent, "invalid_recipient", fmt.Sprintf("invalid recipient: %v", err), err)
	}

	messageID := req.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	message, err := buildMessage(req, envelopeFrom, messageID, p.now())
	if err != nil {
		return nil, common.NewError(common.KindPermanent, "malformed_message", err.Error(), err)
	}

	if err := p.deliver(ctx, envelopeFrom, envelopeRecipients, message); err != nil {
		classified := classify(err)
		p.logger.Warn().Str("message_id", messageID).Err(classified).Msg("relay delivery failed")
		return nil, classified
	}

	p.logger.Debug().Str("message_id", messageID).Int("recipients", len(envelopeRecipients)).Msg("relay accepted message")
	return &common.Receipt{MessageID: messageID, Code: "250", Timestamp: p.now()}, nil
}

// Verify connects, greets and authenticates without sending anything.
func (p *Provider) Verify(ctx context.Context) error {
	if p.sandboxed {
		return unsupported(nil)
	}
	err := p.session(ctx, func(*smtp.Client) error { return nil })
	if err != nil {
		return classify(err)
	}
	return nil
}

func (p *Provider) deliver(ctx context.Context, from string, recipients []string, message []byte) error {
	return p.session(ctx, func(client *smtp.Client) error {
		if err := client.Mail(from); err != nil {
			return fmt.Errorf("relay provider: mail from: %w", err)
		}

		for _, rcpt := range recipients {
			if err := client.Rcpt(rcpt); err != nil {
				return fmt.Errorf("relay provider: rcpt to %s: %w", rcpt, err)
			}
		}

		writer, err := client.Data()
		if err != nil {
			return fmt.Errorf("relay provider: data: %w", err)
		}
		if _, err := writer.Write(message); err != nil {
			_ = writer.Close()
			return fmt.Errorf("relay provider: data write: %w", err)
		}
		if err := writer.Close(); err != nil {
			return fmt.Errorf("relay provider: data close: %w", err)
		}
		return nil
	})
}

// session dials the relay, negotiates TLS and auth, runs fn and quits. The
// connection is torn down as soon as ctx is done.
func (p *Provider) session(ctx context.Context, fn func(*smtp.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := net.JoinHostPort(p.host, strconv.Itoa(p.port))
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("relay provider: dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	raw := conn
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = raw.Close()
		case <-done:
		}
	}()
	defer close(done)

	if p.implicitTLS {
		cfg := p.sessionTLSConfig()
		if cfg == nil {
			cfg = &tls.Config{ServerName: p.host, MinVersion: tls.VersionTLS12}
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return fmt.Errorf("relay provider: tls handshake: %w", err)
		}
		conn = tlsConn
	}

	client, err := smtp.NewClient(conn, p.host)
	if err != nil {
		return fmt.Errorf("relay provider: new client: %w", err)
	}
	defer client.Close()

	if err := client.Hello(p.helloName); err != nil {
		return fmt.Errorf("relay provider: hello: %w", err)
	}

	if cfg := p.sessionTLSConfig(); cfg != nil && !p.implicitTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(cfg); err != nil {
				return fmt.Errorf("relay provider: starttls: %w", err)
			}
		}
	}

	if p.auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(p.auth); err != nil {
				return fmt.Errorf("relay provider: auth: %w", err)
			}
		}
	}

	if err := fn(client); err != nil {
		return err
	}

	if err := client.Quit(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("relay provider: quit: %w", err)
	}

	return ctx.Err()
}

func (p *Provider) sessionTLSConfig() *tls.Config {
	if p.tlsConfig == nil {
		return nil
	}
	cfg := p.tlsConfig.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = p.host
	}
	return cfg
}

func unsupported(cause error) error {
	return common.NewError(common.KindUnsupported, CodeUnsupportedEnvironment,
		"socket relay is unavailable in this execution environment", cause)
}

// classify turns a session error into a *common.Error. SMTP 4xx replies are
// transient and 5xx permanent; transport failures are transient unless the
// runtime forbids sockets altogether.
func classify(err error) error {
	var perr *common.Error
	if errors.As(err, &perr) {
		return err
	}

	if socketDenied(err) {
		return unsupported(err)
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		code := strconv.Itoa(tpErr.Code)
		msg := strings.TrimSpace(tpErr.Msg)
		if tpErr.Code >= 400 && tpErr.Code < 500 {
			return common.NewError(common.KindTransient, code, msg, err)
		}
		return common.NewError(common.KindPermanent, code, msg, err)
	}

	switch {
	case common.IsTimeout(err):
		return common.NewError(common.KindTransient, "timeout", err.Error(), err)
	case errors.Is(err, context.Canceled):
		return common.NewError(common.KindTransient, "canceled", err.Error(), err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return common.NewError(common.KindTransient, "connection_closed", err.Error(), err)
	default:
		return common.NewError(common.KindTransient, "network_error", err.Error(), err)
	}
}

func socketDenied(err error) bool {
	if errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "operation not permitted")
}
