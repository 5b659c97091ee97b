package discovery

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"

	"github.com/example/mailconnect/internal/logger"
	"github.com/example/mailconnect/internal/models"
)

const heuristicConfidence = 0.75

// Model scores a candidate for a domain. ok is false when the model has no
// opinion and the heuristic score should stand.
type Model interface {
	Score(domain string, c models.Candidate) (score float64, ok bool)
}

// MXLookupFunc returns the mail exchangers of a domain in preference order.
type MXLookupFunc func(ctx context.Context, domain string) ([]string, error)

// Registrable MX domains operated by hosted mailbox providers.
var mxHostingProfiles = map[string]string{
	"google.com":          "gmail",
	"googlemail.com":      "gmail",
	"outlook.com":         "outlook",
	"office365.com":       "outlook",
	"yahoodns.net":        "yahoo",
	"zoho.com":            "zoho",
	"zoho.eu":             "zoho",
	"icloud.com":          "icloud",
	"yandex.net":          "yandex",
	"yandex.ru":           "yandex",
	"messagingengine.com": "fastmail",
	"gmx.net":             "gmx",
	"mail.ru":             "mailru",
}

// Substrings in a domain name that hint at a provider family.
var domainHints = []struct {
	fragment string
	profile  string
}{
	{"google", "gmail"},
	{"outlook", "outlook"},
	{"office365", "outlook"},
	{"hotmail", "outlook"},
	{"yahoo", "yahoo"},
	{"zoho", "zoho"},
}

// HeuristicStrategy infers the hosting provider of a domain and proposes that
// provider's servers. A trained Model may rescore what it proposes; without
// one it relies on the static hint tables.
type HeuristicStrategy struct {
	kb       *KnowledgeBase
	lookupMX MXLookupFunc
	model    Model
	logger   zerolog.Logger
}

// HeuristicOption customises a HeuristicStrategy.
type HeuristicOption func(*HeuristicStrategy)

// WithMXLookup enables MX based hosting detection.
func WithMXLookup(fn MXLookupFunc) HeuristicOption {
	return func(s *HeuristicStrategy) {
		s.lookupMX = fn
	}
}

// WithModel installs a scoring model.
func WithModel(m Model) HeuristicOption {
	return func(s *HeuristicStrategy) {
		s.model = m
	}
}

// WithHeuristicLogger sets the strategy logger.
func WithHeuristicLogger(l zerolog.Logger) HeuristicOption {
	return func(s *HeuristicStrategy) {
		s.logger = l
	}
}

// NewHeuristicStrategy builds the strategy on top of kb.
func NewHeuristicStrategy(kb *KnowledgeBase, opts ...HeuristicOption) *HeuristicStrategy {
	if kb == nil {
		kb = DefaultKnowledgeBase()
	}
	s := &HeuristicStrategy{kb: kb}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.Component(s.logger, "heuristic_strategy")
	return s
}

// Name implements Strategy.
func (s *HeuristicStrategy) Name() string { return string(models.SourceHeuristicModel) }

// Propose implements Strategy.
func (s *HeuristicStrategy) Propose(ctx context.Context, domain string) ([]models.DiscoveryResult, error) {
	domain = models.NormalizeHost(domain)

	profile := hintProfile(domain)
	if profile == "" && s.lookupMX != nil {
		hosts, err := s.lookupMX(ctx, domain)
		if err != nil {
			return nil, err
		}
		profile = hostingProfile(hosts)
	}
	if profile == "" {
		return nil, nil
	}

	results, ok := s.kb.Profile(profile)
	if !ok {
		return nil, nil
	}
	for i := range results {
		results[i].Source = models.SourceHeuristicModel
		results[i].Confidence = heuristicConfidence
		if s.model != nil {
			if score, ok := s.model.Score(domain, results[i].Candidate); ok {
				results[i].Confidence = Clamp(score)
			}
		}
	}

	s.logger.Debug().Str("domain", domain).Str("profile", profile).Msg("hosting provider inferred")
	return results, nil
}

func hintProfile(domain string) string {
	for _, h := range domainHints {
		if strings.Contains(domain, h.fragment) {
			return h.profile
		}
	}
	return ""
}

func hostingProfile(mxHosts []string) string {
	for _, host := range mxHosts {
		registrable, err := publicsuffix.EffectiveTLDPlusOne(models.NormalizeHost(host))
		if err != nil {
			continue
		}
		if profile, ok := mxHostingProfiles[registrable]; ok {
			return profile
		}
	}
	return ""
}
