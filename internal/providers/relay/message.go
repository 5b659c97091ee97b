package relay

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/example/mailconnect/internal/models"
)

// buildMessage renders req as an RFC 5322 message: a multipart/alternative
// body with the text and HTML parts followed by any attachments.
func buildMessage(req *models.SendRequest, from, messageID string, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now.UTC())
	h.SetSubject(sanitizeHeaderValue(req.Subject))
	h.SetMessageID(sanitizeHeaderValue(messageID))
	h.SetAddressList("From", []*mail.Address{{Name: sanitizeHeaderValue(req.FromName), Address: from}})

	to, err := addressList(req.To)
	if err != nil {
		return nil, err
	}
	h.SetAddressList("To", to)

	if len(req.CC) > 0 {
		cc, err := addressList(req.CC)
		if err != nil {
			return nil, err
		}
		h.SetAddressList("Cc", cc)
	}
	if strings.TrimSpace(req.ReplyTo) != "" {
		replyTo, err := addressList([]string{req.ReplyTo})
		if err != nil {
			return nil, err
		}
		h.SetAddressList("Reply-To", replyTo)
	}
	if len(req.Tags) > 0 {
		h.Set("X-Tags", sanitizeHeaderValue(strings.Join(req.Tags, ",")))
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline: %w", err)
	}
	if req.Text != "" {
		if err := writeInlinePart(iw, "text/plain", req.Text); err != nil {
			return nil, err
		}
	}
	if req.HTML != "" {
		if err := writeInlinePart(iw, "text/html", req.HTML); err != nil {
			return nil, err
		}
	}
	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("close inline: %w", err)
	}

	for _, a := range req.Attachments {
		if err := writeAttachment(mw, a); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), nil
}

func writeInlinePart(iw *mail.InlineWriter, contentType, body string) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	w, err := iw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, normalizeBody(body)); err != nil {
		_ = w.Close()
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return w.Close()
}

func writeAttachment(mw *mail.Writer, a models.Attachment) error {
	if strings.TrimSpace(a.Filename) == "" {
		return errors.New("attachment filename is required")
	}

	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	disposition := a.Disposition
	if disposition == "" {
		disposition = models.DispositionAttachment
	}

	var h mail.AttachmentHeader
	h.SetContentType(contentType, nil)
	h.SetContentDisposition(disposition, map[string]string{"filename": a.Filename})
	h.Set("Content-Transfer-Encoding", "base64")
	if a.ContentID != "" {
		h.Set("Content-Id", "<"+strings.Trim(sanitizeHeaderValue(a.ContentID), "<>")+">")
	}

	w, err := mw.CreateAttachment(h)
	if err != nil {
		return fmt.Errorf("create attachment %s: %w", a.Filename, err)
	}
	if _, err := w.Write(a.Content); err != nil {
		_ = w.Close()
		return fmt.Errorf("write attachment %s: %w", a.Filename, err)
	}
	return w.Close()
}

func addressList(values []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(values))
	for _, v := range values {
		addr, err := mail.ParseAddress(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("parse address: %w", err)
		}
		out = append(out, addr)
	}
	return out, nil
}

func normalizeBody(body string) string {
	if body == "" {
		return ""
	}
	normalized := strings.ReplaceAll(body, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	return strings.ReplaceAll(normalized, "\n", "\r\n")
}

func sanitizeHeaderValue(value string) string {
	clean := strings.ReplaceAll(value, "\r", " ")
	clean = strings.ReplaceAll(clean, "\n", " ")
	return strings.TrimSpace(clean)
}

func uniqueAddresses(list ...[]string) []string {
	result := make([]string, 0)
	seen := make(map[string]struct{})
	for _, group := range list {
		for _, raw := range group {
			addr := strings.TrimSpace(raw)
			if addr == "" {
				continue
			}
			key := strings.ToLower(addr)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			result = append(result, addr)
		}
	}
	return result
}

func normalizeEnvelopeList(addresses []string) ([]string, error) {
	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		parsed, err := normalizeEnvelopeAddress(addr)
		if err != nil {
			return nil, err
		}
		result = append(result, parsed)
	}
	return result, nil
}

func normalizeEnvelopeAddress(value string) (string, error) {
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return "", err
	}
	if addr.Address == "" {
		return "", errors.New("empty address")
	}
	return addr.Address, nil
}
