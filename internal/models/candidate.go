package models

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Protocol identifies the mail protocol family a candidate serves.
type Protocol string

const (
	ProtocolIMAP Protocol = "imap"
	ProtocolPOP3 Protocol = "pop3"
	ProtocolSMTP Protocol = "smtp"
)

// Source records which discovery strategy proposed a candidate.
type Source string

const (
	SourceDNS            Source = "dns"
	SourceStaticDB       Source = "staticDb"
	SourcePattern        Source = "pattern"
	SourceHeuristicModel Source = "heuristicModel"
	SourceManual         Source = "manual"
	SourceAutoconfig     Source = "autoconfig"
)

// AuthMethod names the authentication mechanism expected by the server.
type AuthMethod string

const (
	AuthPlain   AuthMethod = "plain"
	AuthLogin   AuthMethod = "login"
	AuthOAuth2  AuthMethod = "oauth2"
	AuthCRAMMD5 AuthMethod = "cram-md5"
	AuthNone    AuthMethod = "none"
)

// Candidate is one proposed set of connection parameters for a mail server.
// Two candidates are considered equal when their Key values match.
type Candidate struct {
	Protocol   Protocol   `json:"protocol"`
	Host       string     `json:"host"`
	Port       int        `json:"port"`
	IsSecure   bool       `json:"is_secure"`
	Username   string     `json:"username,omitempty"`
	Password   string     `json:"-"`
	AuthMethod AuthMethod `json:"auth_method,omitempty"`
}

// CandidateKey is the identity of a candidate used for deduplication.
type CandidateKey struct {
	Host     string
	Port     int
	IsSecure bool
}

// Key returns the (host, port, isSecure) identity of the candidate. Hosts are
// compared case-insensitively and without a trailing root dot.
func (c Candidate) Key() CandidateKey {
	return CandidateKey{
		Host:     NormalizeHost(c.Host),
		Port:     c.Port,
		IsSecure: c.IsSecure,
	}
}

// Address returns the host:port dial address.
func (c Candidate) Address() string {
	return net.JoinHostPort(NormalizeHost(c.Host), strconv.Itoa(c.Port))
}

// Redacted returns a copy of the candidate without secret material.
func (c Candidate) Redacted() Candidate {
	c.Password = ""
	return c
}

// String renders the candidate for logs. The password is never included.
func (c Candidate) String() string {
	security := "plain"
	if c.IsSecure {
		security = "tls"
	}
	return fmt.Sprintf("%s://%s (%s)", c.Protocol, c.Address(), security)
}

// NormalizeHost lowercases a hostname and strips the DNS root dot.
func NormalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}

// TestOutcome records the result of a live connectivity probe.
type TestOutcome struct {
	Success        bool   `json:"success"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	Error          string `json:"error,omitempty"`
}

// DiscoveryResult couples a candidate with its score and provenance.
type DiscoveryResult struct {
	Candidate   Candidate    `json:"candidate"`
	Confidence  float64      `json:"confidence"`
	Source      Source       `json:"source"`
	TestOutcome *TestOutcome `json:"test_outcome,omitempty"`
}
