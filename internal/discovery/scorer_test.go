package discovery_test

import (
	"math"
	"testing"

	"github.com/example/mailconnect/internal/discovery"
	"github.com/example/mailconnect/internal/models"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestScorePattern(t *testing.T) {
	tests := []struct {
		name string
		c    models.Candidate
		want float64
	}{
		{"mail prefix ssl", models.Candidate{Protocol: models.ProtocolIMAP, Host: "mail.example.org", Port: 993}, 1.0},
		{"imap prefix plain", models.Candidate{Protocol: models.ProtocolIMAP, Host: "imap.example.org", Port: 143}, 0.95},
		{"imap4 prefix ssl", models.Candidate{Protocol: models.ProtocolIMAP, Host: "imap4.example.org", Port: 993}, 0.95},
		{"bare domain unusual port", models.Candidate{Protocol: models.ProtocolIMAP, Host: "example.org", Port: 585}, 0.65},
		{"pop prefix on imap", models.Candidate{Protocol: models.ProtocolIMAP, Host: "pop.example.org", Port: 585}, 0.65},
		{"foreign host", models.Candidate{Protocol: models.ProtocolIMAP, Host: "imap.other.net", Port: 585}, 0.5},
		{"case insensitive", models.Candidate{Protocol: models.ProtocolPOP3, Host: "POP.Example.org.", Port: 995}, 1.0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := discovery.ScorePattern(tc.c, "example.org")
			if !approx(got, tc.want) {
				t.Fatalf("ScorePattern(%s) = %v, want %v", tc.c, got, tc.want)
			}
		})
	}
}

func TestScorePatternSSLPortIsMonotonic(t *testing.T) {
	for _, host := range []string{"secure.example.org", "mx.example.org", "example.org", "other.net"} {
		base := models.Candidate{Protocol: models.ProtocolIMAP, Host: host, Port: 585}
		ssl := base
		ssl.Port = 993

		if discovery.ScorePattern(ssl, "example.org") <= discovery.ScorePattern(base, "example.org") {
			t.Fatalf("expected ssl port to raise score for %s", host)
		}
	}
}

func TestAdjustForTest(t *testing.T) {
	tests := []struct {
		name    string
		in      float64
		outcome models.TestOutcome
		want    float64
	}{
		{"failure", 0.8, models.TestOutcome{Success: false}, 0.08},
		{"fast success", 0.5, models.TestOutcome{Success: true, ResponseTimeMs: 200}, 0.6},
		{"fast success capped", 0.9, models.TestOutcome{Success: true, ResponseTimeMs: 999}, 1.0},
		{"medium success", 0.7, models.TestOutcome{Success: true, ResponseTimeMs: 1000}, 0.7},
		{"medium upper bound", 0.7, models.TestOutcome{Success: true, ResponseTimeMs: 2999}, 0.7},
		{"slow success", 0.5, models.TestOutcome{Success: true, ResponseTimeMs: 3000}, 0.45},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := discovery.AdjustForTest(tc.in, tc.outcome); !approx(got, tc.want) {
				t.Fatalf("AdjustForTest(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestAdjustForTestFailureAlwaysDecreases(t *testing.T) {
	for _, v := range []float64{0.01, 0.1, 0.5, 0.85, 1} {
		if got := discovery.AdjustForTest(v, models.TestOutcome{}); got >= v {
			t.Fatalf("failure did not decrease %v (got %v)", v, got)
		}
	}
}

func TestClamp(t *testing.T) {
	if discovery.Clamp(-0.2) != 0 || discovery.Clamp(1.3) != 1 || discovery.Clamp(0.4) != 0.4 {
		t.Fatalf("clamp returned out of range value")
	}
}
