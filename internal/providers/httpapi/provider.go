// Package httpapi implements the HTTP-API delivery backend: one JSON POST per
// message to a transactional mail API.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/example/mailconnect/internal/config"
	"github.com/example/mailconnect/internal/logger"
	"github.com/example/mailconnect/internal/models"
	"github.com/example/mailconnect/internal/providers/common"
)

// DefaultBaseURL is used when no base URL is configured.
const DefaultBaseURL = "https://api.sendgrid.com/v3"

// Default caps advertised by the API.
const (
	DefaultMaxRecipients     = 1000
	DefaultMaxEmailSize      = 30 << 20
	DefaultMaxAttachmentSize = 20 << 20
)

// HTTPClient abstracts the http.Client Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option customises the behaviour of the HTTP-API provider.
type Option func(*Provider)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client HTTPClient) Option {
	return func(p *Provider) {
		if client != nil {
			p.httpClient = client
		}
	}
}

// WithBaseURL sets the API base URL. Useful for tests.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// WithBodyLimit adjusts how many bytes are retained from the HTTP response body.
func WithBodyLimit(limit int64) Option {
	return func(p *Provider) {
		if limit > 0 {
			p.maxBodyBytes = limit
		}
	}
}

// WithLimits overrides the advertised size caps and quotas.
func WithLimits(l common.Limits) Option {
	return func(p *Provider) {
		p.limits = l
	}
}

// Provider sends mail through a JSON HTTP API.
type Provider struct {
	id           string
	logger       zerolog.Logger
	apiKey       string
	httpClient   HTTPClient
	baseURL      string
	now          func() time.Time
	maxBodyBytes int64
	limits       common.Limits
}

// New constructs an HTTP-API provider. The API key is required.
func New(cfg config.HTTPAPIConfig, log zerolog.Logger, opts ...Option) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("httpapi provider: api key is required")
	}

	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		id = "http-api"
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	p := &Provider{
		id:           id,
		logger:       logger.Component(log, "httpapi_provider").With().Str("provider_id", id).Logger(),
		apiKey:       strings.TrimSpace(cfg.APIKey),
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		now:          time.Now,
		maxBodyBytes: 16 * 1024,
		limits: common.Limits{
			DailyLimit:        cfg.DailyLimit,
			HourlyLimit:       cfg.HourlyLimit,
			PerSecondLimit:    cfg.PerSecond,
			MaxRecipients:     DefaultMaxRecipients,
			MaxAttachmentSize: DefaultMaxAttachmentSize,
			MaxEmailSize:      DefaultMaxEmailSize,
		},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	if p.baseURL == "" {
		p.baseURL = DefaultBaseURL
	}

	return p, nil
}

// ID implements common.Provider.
func (p *Provider) ID() string { return p.id }

// Limits implements common.Provider.
func (p *Provider) Limits() common.Limits { return p.limits }

// Send issues one POST for req.
func (p *Provider) Send(ctx context.Context, req *models.SendRequest) (*common.Receipt, error) {
	payload, err := BuildPayload(req)
	if err != nil {
		return nil, common.NewError(common.KindValidation, "invalid_request", err.Error(), err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, common.NewError(common.KindPermanent, "malformed_payload", err.Error(), err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/mail/send", bytes.NewReader(body))
	if err != nil {
		return nil, common.NewError(common.KindPermanent, "malformed_request", err.Error(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.authorize(httpReq)

	status, header, respBody, err := p.do(httpReq)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		classified := classifyStatus(status, respBody)
		p.logger.Warn().Str("message_id", req.MessageID).Int("status", status).Err(classified).Msg("http api rejected message")
		return nil, classified
	}

	messageID := header.Get(headerMessageID)
	if messageID == "" {
		messageID = firstString(respBody, "id", "message_id")
	}
	if messageID == "" {
		messageID = req.MessageID
	}

	p.logger.Debug().Str("message_id", messageID).Int("status", status).Msg("http api accepted message")
	return &common.Receipt{MessageID: messageID, Code: strconv.Itoa(status), Timestamp: p.now()}, nil
}

// Verify checks the API key against the scopes endpoint.
func (p *Provider) Verify(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/scopes", nil)
	if err != nil {
		return common.NewError(common.KindPermanent, "malformed_request", err.Error(), err)
	}
	p.authorize(httpReq)

	status, _, body, err := p.do(httpReq)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return classifyStatus(status, body)
	}
	return nil
}

func (p *Provider) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")
}

// do performs req. Transport failures are returned classified; HTTP error
// statuses are left to the caller.
func (p *Provider) do(req *http.Request) (int, http.Header, string, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		code := "network_error"
		if common.IsTimeout(err) {
			code = "timeout"
		}
		return 0, nil, "", common.NewError(common.KindTransient, code, fmt.Sprintf("http request failed: %v", redactURLError(err)), err)
	}
	defer resp.Body.Close()

	body, err := p.readBody(resp.Body)
	if err != nil {
		return 0, nil, "", common.NewError(common.KindTransient, "network_error", err.Error(), err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

func (p *Provider) readBody(rc io.ReadCloser) (string, error) {
	if rc == nil {
		return "", nil
	}
	data, err := io.ReadAll(io.LimitReader(rc, p.maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("httpapi provider: read body: %w", err)
	}
	return string(data), nil
}

// classifyStatus maps an HTTP error status: 429 and 5xx are transient, any
// other status is permanent.
func classifyStatus(status int, body string) error {
	message := firstString(body, "errors.0.message", "message", "error")
	if message == "" {
		message = strings.TrimSpace(body)
	}
	if message == "" {
		message = http.StatusText(status)
	}

	kind := common.KindPermanent
	if status == http.StatusTooManyRequests || status >= 500 {
		kind = common.KindTransient
	}
	return common.NewError(kind, strconv.Itoa(status), message, nil)
}

func firstString(body string, paths ...string) string {
	if !gjson.Valid(body) {
		return ""
	}
	for _, path := range paths {
		if v := gjson.Get(body, path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// redactURLError keeps only the cause of a *url.Error so the request URL
// never reaches logs.
func redactURLError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Err != nil {
		return uerr.Err
	}
	return err
}
