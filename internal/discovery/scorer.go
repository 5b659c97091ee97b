package discovery

import (
	"strings"

	"github.com/example/mailconnect/internal/models"
)

// Pattern scoring weights.
const (
	patternBase      = 0.5
	bonusExactHost   = 0.3
	bonusStrongHost  = 0.25
	bonusWeakHost    = 0.15
	bonusSSLPort     = 0.2
	bonusPlainPort   = 0.15
	fastProbeMs      = 1000
	slowProbeMs      = 3000
	fastProbeBoost   = 1.2
	slowProbePenalty = 0.9
	failedProbeScale = 0.1
)

var (
	wellKnownSSLPorts   = map[int]bool{993: true, 995: true, 465: true}
	wellKnownPlainPorts = map[int]bool{143: true, 110: true, 587: true}
)

// Clamp bounds a confidence value to [0, 1].
func Clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// ScorePattern rates a heuristically generated candidate for domain. The score
// depends only on how closely the hostname matches a conventional mail
// hostname and whether the port is a well-known mail port.
func ScorePattern(c models.Candidate, domain string) float64 {
	score := patternBase + hostBonus(c, domain)

	switch {
	case wellKnownSSLPorts[c.Port]:
		score += bonusSSLPort
	case wellKnownPlainPorts[c.Port]:
		score += bonusPlainPort
	}

	return Clamp(score)
}

func hostBonus(c models.Candidate, domain string) float64 {
	host := models.NormalizeHost(c.Host)
	domain = models.NormalizeHost(domain)
	if domain == "" {
		return 0
	}
	if host == domain {
		return bonusWeakHost
	}

	prefix, ok := strings.CutSuffix(host, "."+domain)
	if !ok || prefix == "" || strings.Contains(prefix, ".") {
		return 0
	}

	switch prefix {
	case "mail":
		return bonusExactHost
	case "imap":
		if c.Protocol == models.ProtocolIMAP {
			return bonusExactHost
		}
	case "pop":
		if c.Protocol == models.ProtocolPOP3 {
			return bonusExactHost
		}
	case "smtp":
		if c.Protocol == models.ProtocolSMTP {
			return bonusExactHost
		}
	case "imap4":
		if c.Protocol == models.ProtocolIMAP {
			return bonusStrongHost
		}
	case "pop3":
		if c.Protocol == models.ProtocolPOP3 {
			return bonusStrongHost
		}
	case "email":
		return bonusStrongHost
	}
	return bonusWeakHost
}

// AdjustForTest rescales a confidence according to a probe outcome: failures
// are penalised heavily, fast successes boosted and slow successes trimmed.
func AdjustForTest(confidence float64, outcome models.TestOutcome) float64 {
	switch {
	case !outcome.Success:
		return Clamp(confidence * failedProbeScale)
	case outcome.ResponseTimeMs < fastProbeMs:
		return Clamp(confidence * fastProbeBoost)
	case outcome.ResponseTimeMs < slowProbeMs:
		return Clamp(confidence)
	default:
		return Clamp(confidence * slowProbePenalty)
	}
}
