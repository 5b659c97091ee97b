package discovery

import (
	"context"

	"github.com/example/mailconnect/internal/models"
)

type portSpec struct {
	protocol models.Protocol
	port     int
	secure   bool
}

// Hostname templates; an empty prefix means the bare domain.
var hostTemplates = []string{"mail.", "imap.", "", "imap4.", "secure.", "mx.", "email."}

// Extra templates only crossed with POP3 ports.
var pop3Templates = []string{"pop.", "pop3."}

var patternPorts = []portSpec{
	{models.ProtocolIMAP, 993, true},
	{models.ProtocolIMAP, 143, false},
	{models.ProtocolIMAP, 585, false},
	{models.ProtocolPOP3, 995, true},
	{models.ProtocolPOP3, 110, false},
}

// PatternStrategy guesses candidates from conventional mail hostnames and
// well-known ports. It does no network I/O.
type PatternStrategy struct{}

// NewPatternStrategy returns the hostname-template strategy.
func NewPatternStrategy() *PatternStrategy { return &PatternStrategy{} }

// Name implements Strategy.
func (PatternStrategy) Name() string { return string(models.SourcePattern) }

// Propose implements Strategy.
func (p PatternStrategy) Propose(ctx context.Context, domain string) ([]models.DiscoveryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return GeneratePatterns(domain), nil
}

// GeneratePatterns crosses the hostname templates with the IMAP and POP3
// port families and scores each candidate with ScorePattern.
func GeneratePatterns(domain string) []models.DiscoveryResult {
	domain = models.NormalizeHost(domain)
	if domain == "" {
		return nil
	}

	var out []models.DiscoveryResult
	for _, ps := range patternPorts {
		templates := hostTemplates
		if ps.protocol == models.ProtocolPOP3 {
			templates = append(append([]string{}, hostTemplates...), pop3Templates...)
		}
		for _, prefix := range templates {
			c := models.Candidate{
				Protocol:   ps.protocol,
				Host:       prefix + domain,
				Port:       ps.port,
				IsSecure:   ps.secure,
				AuthMethod: models.AuthPlain,
			}
			out = append(out, models.DiscoveryResult{
				Candidate:  c,
				Confidence: ScorePattern(c, domain),
				Source:     models.SourcePattern,
			})
		}
	}
	return out
}
