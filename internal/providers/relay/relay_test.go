package relay_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/mailconnect/internal/config"
	"github.com/example/mailconnect/internal/models"
	"github.com/example/mailconnect/internal/providers/common"
	"github.com/example/mailconnect/internal/providers/relay"
)

func TestNewValidation(t *testing.T) {
	logger := zerolog.New(io.Discard)

	tests := []struct {
		name string
		cfg  config.SMTPConfig
	}{
		{name: "missing host", cfg: config.SMTPConfig{Port: 25}},
		{name: "invalid port", cfg: config.SMTPConfig{Host: "smtp.example.com", Port: 70000}},
		{name: "user without password", cfg: config.SMTPConfig{Host: "smtp.example.com", Port: 587, User: "bot"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := relay.New(tc.cfg, logger); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}

func TestSendBuildsMultipartMessage(t *testing.T) {
	cfg := config.SMTPConfig{ID: "relay-a", Host: "smtp.example.com", Port: 2525, DailyLimit: 500}
	server := &fakeSMTP{}

	var wait func()
	defer func() {
		if wait != nil {
			wait()
		}
	}()

	p, err := relay.New(cfg, zerolog.New(io.Discard),
		relay.WithTLSConfig(nil),
		relay.WithDialer(dialerFunc(func(context.Context, string, string) (net.Conn, error) {
			conn, w := server.start(t)
			wait = w
			return conn, nil
		})),
	)
	if err != nil {
		t.Fatalf("unexpected error creating provider: %v", err)
	}
	if p.ID() != "relay-a" || p.Limits().DailyLimit != 500 {
		t.Fatalf("unexpected identity %s %+v", p.ID(), p.Limits())
	}

	req := &models.SendRequest{
		MessageID: "msg-1",
		From:      "sender@example.com",
		FromName:  "Sender",
		To:        []string{"a@example.com", "A@example.com"},
		CC:        []string{"c@example.com"},
		BCC:       []string{"hidden@example.com"},
		Subject:   "Quarterly report",
		Text:      "Line 1\nLine 2",
		HTML:      "<p>Line 1</p>",
		Attachments: []models.Attachment{
			{Filename: "report.pdf", ContentType: "application/pdf", Content: []byte("%PDF-1.4")},
			{Filename: "logo.png", ContentType: "image/png", Disposition: models.DispositionInline, ContentID: "logo", Content: []byte{0x89, 0x50}},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	receipt, err := p.Send(ctx, req)
	if err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if receipt.MessageID != "msg-1" || receipt.Code != "250" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	wait()
	wait = nil

	if server.mailFrom != "sender@example.com" {
		t.Fatalf("unexpected MAIL FROM %q", server.mailFrom)
	}
	wantRcpts := []string{"a@example.com", "c@example.com", "hidden@example.com"}
	if !reflect.DeepEqual(server.rcpts, wantRcpts) {
		t.Fatalf("unexpected rcpt list: got %v, want %v", server.rcpts, wantRcpts)
	}

	data := server.data
	for _, want := range []string{
		"multipart/mixed",
		"multipart/alternative",
		"text/plain",
		"text/html",
		"application/pdf",
		"report.pdf",
		"inline",
		"<logo>",
		"Subject: Quarterly report",
	} {
		if !strings.Contains(data, want) {
			t.Fatalf("expected message to contain %q, got %q", want, data)
		}
	}
	if strings.Contains(data, "hidden@example.com") {
		t.Fatalf("bcc recipient leaked into headers")
	}
}

func TestSendAcceptsDisplayNameRecipients(t *testing.T) {
	server := &fakeSMTP{}
	var wait func()
	p, err := relay.New(config.SMTPConfig{Host: "smtp.example.com", Port: 2525}, zerolog.New(io.Discard),
		relay.WithTLSConfig(nil),
		relay.WithDialer(dialerFunc(func(context.Context, string, string) (net.Conn, error) {
			conn, w := server.start(t)
			wait = w
			return conn, nil
		})),
	)
	if err != nil {
		t.Fatalf("unexpected error creating provider: %v", err)
	}

	req := &models.SendRequest{
		From:    "sender@example.com",
		To:      []string{"Jane Doe <jane@example.com>"},
		Subject: "Hi",
		Text:    "hello",
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := p.Send(ctx, req); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	wait()

	if !reflect.DeepEqual(server.rcpts, []string{"jane@example.com"}) {
		t.Fatalf("expected bare envelope address, got %v", server.rcpts)
	}
	if !strings.Contains(server.data, "Jane Doe") || !strings.Contains(server.data, "<jane@example.com>") {
		t.Fatalf("expected display name in To header, got %q", server.data)
	}
}

func TestSendClassifiesReplyCodes(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		code      string
		retryable bool
	}{
		{"mailbox busy", "450 4.2.1 mailbox busy", "450", true},
		{"unknown user", "550 5.1.1 no such user", "550", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := &fakeSMTP{rcptReply: tc.reply}
			var wait func()
			p, err := relay.New(config.SMTPConfig{Host: "smtp.example.com", Port: 25}, zerolog.New(io.Discard),
				relay.WithTLSConfig(nil),
				relay.WithDialer(dialerFunc(func(context.Context, string, string) (net.Conn, error) {
					conn, w := server.start(t)
					wait = w
					return conn, nil
				})),
			)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			_, err = p.Send(context.Background(), simpleRequest())
			if wait != nil {
				wait()
			}
			if err == nil {
				t.Fatalf("expected send to fail")
			}

			sendErr := common.ToSendError(err)
			if sendErr.Code != tc.code || sendErr.Retryable != tc.retryable {
				t.Fatalf("unexpected classification %+v", sendErr)
			}
		})
	}
}

func TestSendAuthFailureDoesNotLeakPassword(t *testing.T) {
	server := &fakeSMTP{advertiseAuth: true, authReply: "535 5.7.8 authentication failed"}
	var wait func()
	cfg := config.SMTPConfig{Host: "localhost", Port: 25, User: "bot", Pass: "s3cret-pass"}

	p, err := relay.New(cfg, zerolog.New(io.Discard),
		relay.WithTLSConfig(nil),
		relay.WithDialer(dialerFunc(func(context.Context, string, string) (net.Conn, error) {
			conn, w := server.start(t)
			wait = w
			return conn, nil
		})),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = p.Send(context.Background(), simpleRequest())
	if wait != nil {
		wait()
	}
	if err == nil {
		t.Fatalf("expected auth failure")
	}
	if !errors.Is(err, common.ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if strings.Contains(err.Error(), "s3cret-pass") || strings.Contains(common.ToSendError(err).Message, "s3cret-pass") {
		t.Fatalf("password leaked into error: %v", err)
	}
}

func TestSendSandboxedFailsFast(t *testing.T) {
	p, err := relay.New(config.SMTPConfig{Host: "smtp.example.com", Port: 25}, zerolog.New(io.Discard),
		relay.WithSandboxed(true),
		relay.WithDialer(dialerFunc(func(context.Context, string, string) (net.Conn, error) {
			t.Fatalf("dialer must not be used in sandboxed mode")
			return nil, nil
		})),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = p.Send(context.Background(), simpleRequest())
	if !errors.Is(err, common.ErrUnsupported) {
		t.Fatalf("expected unsupported error, got %v", err)
	}
	if common.ToSendError(err).Retryable {
		t.Fatalf("unsupported error must not be retryable")
	}
	if err := p.Verify(context.Background()); !errors.Is(err, common.ErrUnsupported) {
		t.Fatalf("expected verify to report unsupported, got %v", err)
	}
}

func TestSendDialFailures(t *testing.T) {
	tests := []struct {
		name    string
		dialErr error
		want    error
	}{
		{
			name:    "socket not permitted",
			dialErr: &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("socket", syscall.EPERM)},
			want:    common.ErrUnsupported,
		},
		{
			name:    "timeout",
			dialErr: context.DeadlineExceeded,
			want:    common.ErrTransient,
		},
		{
			name:    "connection refused",
			dialErr: &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)},
			want:    common.ErrTransient,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := relay.New(config.SMTPConfig{Host: "smtp.example.com", Port: 25}, zerolog.New(io.Discard),
				relay.WithDialer(dialerFunc(func(context.Context, string, string) (net.Conn, error) {
					return nil, tc.dialErr
				})),
			)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if _, err := p.Send(context.Background(), simpleRequest()); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestVerify(t *testing.T) {
	server := &fakeSMTP{}
	var wait func()
	p, err := relay.New(config.SMTPConfig{Host: "smtp.example.com", Port: 25}, zerolog.New(io.Discard),
		relay.WithTLSConfig(nil),
		relay.WithDialer(dialerFunc(func(context.Context, string, string) (net.Conn, error) {
			conn, w := server.start(t)
			wait = w
			return conn, nil
		})),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := p.Verify(context.Background()); err != nil {
		t.Fatalf("unexpected verify error: %v", err)
	}
	wait()
	if server.mailFrom != "" || len(server.rcpts) != 0 {
		t.Fatalf("verify must not start a transaction")
	}
}

// Helpers.

func simpleRequest() *models.SendRequest {
	return &models.SendRequest{
		MessageID: "msg-simple",
		From:      "sender@example.com",
		To:        []string{"rcpt@example.com"},
		Subject:   "hi",
		Text:      "hello",
	}
}

type dialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (d dialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d(ctx, network, address)
}

type fakeSMTP struct {
	rcptReply     string
	authReply     string
	advertiseAuth bool

	mailFrom string
	rcpts    []string
	data     string
}

func (s *fakeSMTP) start(t *testing.T) (net.Conn, func()) {
	t.Helper()

	server, client := net.Pipe()
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer server.Close()
		if err := s.converse(server); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
			t.Errorf("fake smtp server: %v", err)
		}
	}()

	return client, wg.Wait
}

func (s *fakeSMTP) converse(conn net.Conn) error {
	writer := bufio.NewWriter(conn)
	reader := bufio.NewReader(conn)

	writeLine := func(format string, args ...interface{}) error {
		if _, err := fmt.Fprintf(writer, format+"\r\n", args...); err != nil {
			return err
		}
		return writer.Flush()
	}

	if err := writeLine("220 fake smtp ready"); err != nil {
		return err
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		upper := strings.ToUpper(line)

		switch {
		case strings.HasPrefix(upper, "EHLO ") || strings.HasPrefix(upper, "HELO "):
			if s.advertiseAuth {
				if err := writeLine("250-fake"); err != nil {
					return err
				}
				if err := writeLine("250 AUTH PLAIN"); err != nil {
					return err
				}
				continue
			}
			if err := writeLine("250-fake"); err != nil {
				return err
			}
			if err := writeLine("250 OK"); err != nil {
				return err
			}
		case strings.HasPrefix(upper, "AUTH "):
			reply := s.authReply
			if reply == "" {
				reply = "235 2.7.0 accepted"
			}
			if err := writeLine("%s", reply); err != nil {
				return err
			}
		case strings.HasPrefix(upper, "MAIL FROM:"):
			s.mailFrom = extractSMTPAddress(line)
			if err := writeLine("250 OK"); err != nil {
				return err
			}
		case strings.HasPrefix(upper, "RCPT TO:"):
			if s.rcptReply != "" {
				if err := writeLine("%s", s.rcptReply); err != nil {
					return err
				}
				continue
			}
			s.rcpts = append(s.rcpts, extractSMTPAddress(line))
			if err := writeLine("250 OK"); err != nil {
				return err
			}
		case upper == "DATA":
			if err := writeLine("354 Start mail input; end with <CRLF>.<CRLF>"); err != nil {
				return err
			}
			var data strings.Builder
			for {
				msgLine, err := reader.ReadString('\n')
				if err != nil {
					return err
				}
				if msgLine == ".\r\n" {
					break
				}
				data.WriteString(msgLine)
			}
			s.data = data.String()
			if err := writeLine("250 OK"); err != nil {
				return err
			}
		case upper == "QUIT":
			if err := writeLine("221 Bye"); err != nil {
				return err
			}
			return nil
		default:
			if err := writeLine("250 OK"); err != nil {
				return err
			}
		}
	}
}

func extractSMTPAddress(line string) string {
	start := strings.Index(line, "<")
	end := strings.Index(line, ">")
	if start != -1 && end != -1 && end > start+1 {
		return strings.TrimSpace(line[start+1 : end])
	}
	if idx := strings.Index(line, ":"); idx != -1 && idx+1 < len(line) {
		return strings.TrimSpace(line[idx+1:])
	}
	return strings.TrimSpace(line)
}
