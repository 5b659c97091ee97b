package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/rs/zerolog"

	"github.com/example/mailconnect/internal/logger"
	"github.com/example/mailconnect/internal/models"
)

const (
	// DefaultISPDBURL is the public Thunderbird autoconfig database.
	DefaultISPDBURL = "https://autoconfig.thunderbird.net/v1.1"

	autoconfigConfidence = 0.8
	maxAutoconfigBody    = 1 << 20
)

// HTTPClient abstracts http.Client for tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// AutoconfigStrategy fetches the published client configuration for a domain
// from an ISPDB-compatible endpoint.
type AutoconfigStrategy struct {
	baseURL string
	client  HTTPClient
	logger  zerolog.Logger
}

// AutoconfigOption customises an AutoconfigStrategy.
type AutoconfigOption func(*AutoconfigStrategy)

// WithAutoconfigHTTPClient injects the HTTP client.
func WithAutoconfigHTTPClient(client HTTPClient) AutoconfigOption {
	return func(s *AutoconfigStrategy) {
		if client != nil {
			s.client = client
		}
	}
}

// WithAutoconfigLogger sets the strategy logger.
func WithAutoconfigLogger(l zerolog.Logger) AutoconfigOption {
	return func(s *AutoconfigStrategy) {
		s.logger = l
	}
}

// NewAutoconfigStrategy builds the strategy. An empty baseURL disables it.
func NewAutoconfigStrategy(baseURL string, timeout time.Duration, opts ...AutoconfigOption) *AutoconfigStrategy {
	if timeout <= 0 {
		timeout = DefaultDNSTimeout
	}
	s := &AutoconfigStrategy{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.Component(s.logger, "autoconfig_strategy")
	return s
}

// Name implements Strategy.
func (s *AutoconfigStrategy) Name() string { return string(models.SourceAutoconfig) }

// Propose implements Strategy. A missing document is not an error.
func (s *AutoconfigStrategy) Propose(ctx context.Context, domain string) ([]models.DiscoveryResult, error) {
	if s.baseURL == "" {
		return nil, nil
	}
	domain = models.NormalizeHost(domain)

	endpoint := s.baseURL + "/" + url.PathEscape(domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("autoconfig request: %w", err)
	}
	req.Header.Set("Accept", "application/xml, text/xml")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("autoconfig fetch %s: %w", domain, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("autoconfig fetch %s: unexpected status %d", domain, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAutoconfigBody))
	if err != nil {
		return nil, fmt.Errorf("autoconfig read %s: %w", domain, err)
	}

	results, err := ParseAutoconfig(body)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Str("domain", domain).Int("count", len(results)).Msg("autoconfig document parsed")
	return results, nil
}

// ParseAutoconfig extracts incoming and outgoing servers from a clientConfig
// XML document.
func ParseAutoconfig(body []byte) ([]models.DiscoveryResult, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("autoconfig parse: %w", err)
	}

	root := doc.SelectElement("clientConfig")
	if root == nil {
		return nil, fmt.Errorf("autoconfig parse: missing clientConfig element")
	}
	provider := root.SelectElement("emailProvider")
	if provider == nil {
		return nil, nil
	}

	var out []models.DiscoveryResult
	servers := append(provider.SelectElements("incomingServer"), provider.SelectElements("outgoingServer")...)
	for _, el := range servers {
		c, ok := autoconfigCandidate(el)
		if !ok {
			continue
		}
		out = append(out, models.DiscoveryResult{
			Candidate:  c,
			Confidence: autoconfigConfidence,
			Source:     models.SourceAutoconfig,
		})
	}
	return out, nil
}

func autoconfigCandidate(el *etree.Element) (models.Candidate, bool) {
	var protocol models.Protocol
	switch strings.ToLower(el.SelectAttrValue("type", "")) {
	case "imap":
		protocol = models.ProtocolIMAP
	case "pop3":
		protocol = models.ProtocolPOP3
	case "smtp":
		protocol = models.ProtocolSMTP
	default:
		return models.Candidate{}, false
	}

	host := childText(el, "hostname")
	port, err := strconv.Atoi(childText(el, "port"))
	if host == "" || err != nil || port <= 0 || port > 65535 {
		return models.Candidate{}, false
	}

	return models.Candidate{
		Protocol:   protocol,
		Host:       models.NormalizeHost(host),
		Port:       port,
		IsSecure:   strings.EqualFold(childText(el, "socketType"), "SSL"),
		AuthMethod: autoconfigAuth(childText(el, "authentication")),
	}, true
}

func autoconfigAuth(v string) models.AuthMethod {
	switch strings.ToLower(v) {
	case "password-encrypted":
		return models.AuthCRAMMD5
	case "oauth2":
		return models.AuthOAuth2
	case "none":
		return models.AuthNone
	default:
		return models.AuthPlain
	}
}

func childText(el *etree.Element, tag string) string {
	child := el.SelectElement(tag)
	if child == nil {
		return ""
	}
	return strings.TrimSpace(child.Text())
}
