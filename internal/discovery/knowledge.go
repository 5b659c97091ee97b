package discovery

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/example/mailconnect/internal/models"
)

type knownServer struct {
	protocol   models.Protocol
	host       string
	port       int
	secure     bool
	confidence float64
}

// Profiles of well-known mailbox providers. Every entry scores at least 0.85.
var knownProfiles = map[string][]knownServer{
	"gmail": {
		{models.ProtocolIMAP, "imap.gmail.com", 993, true, 0.9},
		{models.ProtocolPOP3, "pop.gmail.com", 995, true, 0.85},
		{models.ProtocolSMTP, "smtp.gmail.com", 465, true, 0.85},
		{models.ProtocolSMTP, "smtp.gmail.com", 587, false, 0.85},
	},
	"outlook": {
		{models.ProtocolIMAP, "outlook.office365.com", 993, true, 0.9},
		{models.ProtocolPOP3, "outlook.office365.com", 995, true, 0.85},
		{models.ProtocolSMTP, "smtp-mail.outlook.com", 587, false, 0.85},
	},
	"yahoo": {
		{models.ProtocolIMAP, "imap.mail.yahoo.com", 993, true, 0.9},
		{models.ProtocolPOP3, "pop.mail.yahoo.com", 995, true, 0.85},
		{models.ProtocolSMTP, "smtp.mail.yahoo.com", 465, true, 0.85},
	},
	"icloud": {
		{models.ProtocolIMAP, "imap.mail.me.com", 993, true, 0.9},
		{models.ProtocolSMTP, "smtp.mail.me.com", 587, false, 0.85},
	},
	"aol": {
		{models.ProtocolIMAP, "imap.aol.com", 993, true, 0.9},
		{models.ProtocolPOP3, "pop.aol.com", 995, true, 0.85},
		{models.ProtocolSMTP, "smtp.aol.com", 465, true, 0.85},
	},
	"zoho": {
		{models.ProtocolIMAP, "imap.zoho.com", 993, true, 0.9},
		{models.ProtocolPOP3, "pop.zoho.com", 995, true, 0.85},
		{models.ProtocolSMTP, "smtp.zoho.com", 465, true, 0.85},
	},
	"gmx": {
		{models.ProtocolIMAP, "imap.gmx.net", 993, true, 0.9},
		{models.ProtocolPOP3, "pop.gmx.net", 995, true, 0.85},
		{models.ProtocolSMTP, "mail.gmx.net", 587, false, 0.85},
	},
	"webde": {
		{models.ProtocolIMAP, "imap.web.de", 993, true, 0.9},
		{models.ProtocolPOP3, "pop3.web.de", 995, true, 0.85},
		{models.ProtocolSMTP, "smtp.web.de", 587, false, 0.85},
	},
	"yandex": {
		{models.ProtocolIMAP, "imap.yandex.com", 993, true, 0.9},
		{models.ProtocolPOP3, "pop.yandex.com", 995, true, 0.85},
		{models.ProtocolSMTP, "smtp.yandex.com", 465, true, 0.85},
	},
	"mailru": {
		{models.ProtocolIMAP, "imap.mail.ru", 993, true, 0.9},
		{models.ProtocolPOP3, "pop.mail.ru", 995, true, 0.85},
		{models.ProtocolSMTP, "smtp.mail.ru", 465, true, 0.85},
	},
	"fastmail": {
		{models.ProtocolIMAP, "imap.fastmail.com", 993, true, 0.9},
		{models.ProtocolPOP3, "pop.fastmail.com", 995, true, 0.85},
		{models.ProtocolSMTP, "smtp.fastmail.com", 465, true, 0.85},
	},
	"comcast": {
		{models.ProtocolIMAP, "imap.comcast.net", 993, true, 0.9},
		{models.ProtocolSMTP, "smtp.comcast.net", 587, false, 0.85},
	},
}

// Mailbox domains and the profile they use.
var knownDomains = map[string]string{
	"gmail.com":      "gmail",
	"googlemail.com": "gmail",
	"outlook.com":    "outlook",
	"hotmail.com":    "outlook",
	"live.com":       "outlook",
	"msn.com":        "outlook",
	"yahoo.com":      "yahoo",
	"ymail.com":      "yahoo",
	"rocketmail.com": "yahoo",
	"icloud.com":     "icloud",
	"me.com":         "icloud",
	"mac.com":        "icloud",
	"aol.com":        "aol",
	"zoho.com":       "zoho",
	"zohomail.com":   "zoho",
	"gmx.com":        "gmx",
	"gmx.net":        "gmx",
	"gmx.de":         "gmx",
	"web.de":         "webde",
	"yandex.com":     "yandex",
	"yandex.ru":      "yandex",
	"mail.ru":        "mailru",
	"fastmail.com":   "fastmail",
	"fastmail.fm":    "fastmail",
	"comcast.net":    "comcast",
}

// KnowledgeBase is the static domain to known-good configuration table.
type KnowledgeBase struct {
	profiles map[string][]knownServer
	domains  map[string]string
}

// DefaultKnowledgeBase returns the built-in table of popular providers.
func DefaultKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{profiles: knownProfiles, domains: knownDomains}
}

// Domains lists every mailbox domain the table knows, sorted.
func (kb *KnowledgeBase) Domains() []string {
	out := make([]string, 0, len(kb.domains))
	for d := range kb.domains {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the known configuration for domain. Subdomains of a known
// registrable domain (for example eu.gmx.net) resolve to the same entry.
func (kb *KnowledgeBase) Lookup(domain string) ([]models.DiscoveryResult, bool) {
	domain = models.NormalizeHost(domain)
	if name, ok := kb.domains[domain]; ok {
		return kb.Profile(name)
	}

	registrable, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil || registrable == domain {
		return nil, false
	}
	if name, ok := kb.domains[registrable]; ok {
		return kb.Profile(name)
	}
	return nil, false
}

// Profile returns the servers of a named provider profile.
func (kb *KnowledgeBase) Profile(name string) ([]models.DiscoveryResult, bool) {
	servers, ok := kb.profiles[strings.ToLower(name)]
	if !ok {
		return nil, false
	}

	out := make([]models.DiscoveryResult, 0, len(servers))
	for _, s := range servers {
		out = append(out, models.DiscoveryResult{
			Candidate: models.Candidate{
				Protocol:   s.protocol,
				Host:       s.host,
				Port:       s.port,
				IsSecure:   s.secure,
				AuthMethod: models.AuthPlain,
			},
			Confidence: s.confidence,
			Source:     models.SourceStaticDB,
		})
	}
	return out, true
}

// StaticStrategy proposes candidates from a KnowledgeBase.
type StaticStrategy struct {
	kb *KnowledgeBase
}

// NewStaticStrategy wraps kb, falling back to the default table when nil.
func NewStaticStrategy(kb *KnowledgeBase) *StaticStrategy {
	if kb == nil {
		kb = DefaultKnowledgeBase()
	}
	return &StaticStrategy{kb: kb}
}

// Name implements Strategy.
func (s *StaticStrategy) Name() string { return string(models.SourceStaticDB) }

// Propose implements Strategy.
func (s *StaticStrategy) Propose(ctx context.Context, domain string) ([]models.DiscoveryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	results, _ := s.kb.Lookup(domain)
	return results, nil
}
