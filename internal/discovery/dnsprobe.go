package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/example/mailconnect/internal/logger"
	"github.com/example/mailconnect/internal/models"
)

const (
	// DefaultResolver is queried when no resolver address is configured.
	DefaultResolver = "8.8.8.8:53"
	// DefaultDNSTimeout bounds each individual DNS exchange.
	DefaultDNSTimeout = 5 * time.Second

	srvBestConfidence = 0.9
	srvRankPenalty    = 0.05
	srvFloor          = 0.7
	mxGuessConfidence = 0.6
)

// QueryFunc performs a single DNS question and returns the answer section.
// A name that does not exist yields an empty answer, not an error.
type QueryFunc func(ctx context.Context, name string, qtype uint16) ([]dns.RR, error)

type srvService struct {
	label    string
	protocol models.Protocol
	secure   bool
}

// RFC 6186 / RFC 8314 service labels.
var srvServices = []srvService{
	{"_imaps._tcp.", models.ProtocolIMAP, true},
	{"_imap._tcp.", models.ProtocolIMAP, false},
	{"_pop3s._tcp.", models.ProtocolPOP3, true},
	{"_pop3._tcp.", models.ProtocolPOP3, false},
	{"_submissions._tcp.", models.ProtocolSMTP, true},
	{"_submission._tcp.", models.ProtocolSMTP, false},
}

// DNSStrategy proposes candidates advertised through SRV records, falling back
// to an IMAP guess on the primary MX host.
type DNSStrategy struct {
	query  QueryFunc
	logger zerolog.Logger
}

// DNSOption customises a DNSStrategy.
type DNSOption func(*DNSStrategy)

// WithQueryFunc replaces the resolver used for lookups.
func WithQueryFunc(fn QueryFunc) DNSOption {
	return func(s *DNSStrategy) {
		if fn != nil {
			s.query = fn
		}
	}
}

// WithDNSLogger sets the logger used for lookup diagnostics.
func WithDNSLogger(l zerolog.Logger) DNSOption {
	return func(s *DNSStrategy) {
		s.logger = l
	}
}

// NewDNSStrategy builds a DNSStrategy that queries resolver directly.
func NewDNSStrategy(resolver string, timeout time.Duration, opts ...DNSOption) *DNSStrategy {
	s := &DNSStrategy{query: NewResolverQuery(resolver, timeout)}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.Component(s.logger, "dns_strategy")
	return s
}

// NewResolverQuery returns a QueryFunc that sends recursive queries to
// resolver over UDP, retrying over TCP when the answer is truncated.
func NewResolverQuery(resolver string, timeout time.Duration) QueryFunc {
	if resolver == "" {
		resolver = DefaultResolver
	}
	if timeout <= 0 {
		timeout = DefaultDNSTimeout
	}

	return func(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(name), qtype)
		msg.RecursionDesired = true

		client := &dns.Client{Net: "udp", Timeout: timeout}
		resp, _, err := client.ExchangeContext(ctx, msg, resolver)
		if err == nil && resp.Truncated {
			client.Net = "tcp"
			resp, _, err = client.ExchangeContext(ctx, msg, resolver)
		}
		if err != nil {
			return nil, fmt.Errorf("dns query %s %s: %w", dns.TypeToString[qtype], name, err)
		}

		switch resp.Rcode {
		case dns.RcodeSuccess, dns.RcodeNameError:
			return resp.Answer, nil
		default:
			return nil, fmt.Errorf("dns query %s %s: rcode %s", dns.TypeToString[qtype], name, dns.RcodeToString[resp.Rcode])
		}
	}
}

// Name implements Strategy.
func (s *DNSStrategy) Name() string { return string(models.SourceDNS) }

// Propose implements Strategy. It only fails when every SRV query failed.
func (s *DNSStrategy) Propose(ctx context.Context, domain string) ([]models.DiscoveryResult, error) {
	domain = models.NormalizeHost(domain)
	perService := make([][]models.DiscoveryResult, len(srvServices))
	errs := make([]error, len(srvServices))

	g, gctx := errgroup.WithContext(ctx)
	for i, svc := range srvServices {
		i, svc := i, svc
		g.Go(func() error {
			records, err := s.lookupSRV(gctx, svc.label+domain)
			if err != nil {
				errs[i] = err
				return nil
			}
			perService[i] = srvResults(svc, records)
			return nil
		})
	}
	_ = g.Wait()

	var (
		out    []models.DiscoveryResult
		failed int
	)
	for i := range srvServices {
		if errs[i] != nil {
			failed++
			s.logger.Debug().Err(errs[i]).Str("domain", domain).Str("service", srvServices[i].label).Msg("srv lookup failed")
			continue
		}
		out = append(out, perService[i]...)
	}
	if failed == len(srvServices) {
		return nil, fmt.Errorf("dns strategy %s: %w", domain, errors.Join(errs...))
	}

	if len(out) == 0 {
		hosts, err := s.LookupMX(ctx, domain)
		if err != nil {
			s.logger.Debug().Err(err).Str("domain", domain).Msg("mx lookup failed")
		} else if len(hosts) > 0 {
			out = append(out, models.DiscoveryResult{
				Candidate: models.Candidate{
					Protocol:   models.ProtocolIMAP,
					Host:       hosts[0],
					Port:       993,
					IsSecure:   true,
					AuthMethod: models.AuthPlain,
				},
				Confidence: mxGuessConfidence,
				Source:     models.SourceDNS,
			})
		}
	}

	return out, nil
}

// LookupMX returns the mail exchangers of domain ordered by preference.
func (s *DNSStrategy) LookupMX(ctx context.Context, domain string) ([]string, error) {
	answer, err := s.query(ctx, domain, dns.TypeMX)
	if err != nil {
		return nil, err
	}

	var mxs []*dns.MX
	for _, rr := range answer {
		if mx, ok := rr.(*dns.MX); ok && mx.Mx != "." {
			mxs = append(mxs, mx)
		}
	}
	sort.SliceStable(mxs, func(i, j int) bool { return mxs[i].Preference < mxs[j].Preference })

	hosts := make([]string, 0, len(mxs))
	for _, mx := range mxs {
		hosts = append(hosts, models.NormalizeHost(mx.Mx))
	}
	return hosts, nil
}

func (s *DNSStrategy) lookupSRV(ctx context.Context, name string) ([]*dns.SRV, error) {
	answer, err := s.query(ctx, name, dns.TypeSRV)
	if err != nil {
		return nil, err
	}

	var records []*dns.SRV
	for _, rr := range answer {
		srv, ok := rr.(*dns.SRV)
		if !ok || srv.Target == "." || srv.Port == 0 {
			continue
		}
		records = append(records, srv)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})
	return records, nil
}

func srvResults(svc srvService, records []*dns.SRV) []models.DiscoveryResult {
	out := make([]models.DiscoveryResult, 0, len(records))
	for rank, srv := range records {
		conf := srvBestConfidence - float64(rank)*srvRankPenalty
		if conf < srvFloor {
			conf = srvFloor
		}
		out = append(out, models.DiscoveryResult{
			Candidate: models.Candidate{
				Protocol:   svc.protocol,
				Host:       models.NormalizeHost(srv.Target),
				Port:       int(srv.Port),
				IsSecure:   svc.secure,
				AuthMethod: models.AuthPlain,
			},
			Confidence: Clamp(conf),
			Source:     models.SourceDNS,
		})
	}
	return out
}
