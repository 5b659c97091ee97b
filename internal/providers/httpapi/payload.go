package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/example/mailconnect/internal/models"
)

const headerMessageID = "X-Message-Id"

// Payload is the JSON body accepted by the mail send endpoint.
type Payload struct {
	Personalizations []Personalization `json:"personalizations"`
	From             EmailAddress      `json:"from"`
	ReplyTo          *EmailAddress     `json:"reply_to,omitempty"`
	Subject          string            `json:"subject"`
	Content          []Content         `json:"content"`
	Attachments      []Attachment      `json:"attachments,omitempty"`
	Categories       []string          `json:"categories,omitempty"`
	CustomArgs       map[string]string `json:"custom_args,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	TrackingSettings TrackingSettings  `json:"tracking_settings"`
}

// Personalization groups the recipients of one envelope.
type Personalization struct {
	To  []EmailAddress `json:"to"`
	CC  []EmailAddress `json:"cc,omitempty"`
	BCC []EmailAddress `json:"bcc,omitempty"`
}

// EmailAddress is a mailbox with an optional display name.
type EmailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Content is one body part.
type Content struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Attachment carries base64 encoded file content.
type Attachment struct {
	Content     string `json:"content"`
	Type        string `json:"type,omitempty"`
	Filename    string `json:"filename"`
	Disposition string `json:"disposition,omitempty"`
	ContentID   string `json:"content_id,omitempty"`
}

// TrackingSettings toggles engagement tracking.
type TrackingSettings struct {
	ClickTracking Toggle `json:"click_tracking"`
	OpenTracking  Toggle `json:"open_tracking"`
}

// Toggle is an enable flag.
type Toggle struct {
	Enable bool `json:"enable"`
}

// BuildPayload converts req into the endpoint's JSON shape.
func BuildPayload(req *models.SendRequest) (*Payload, error) {
	if req == nil {
		return nil, fmt.Errorf("httpapi provider: send request is required")
	}
	if len(req.To) == 0 {
		return nil, fmt.Errorf("httpapi provider: at least one recipient is required")
	}

	p := &Payload{
		Personalizations: []Personalization{{
			To:  addresses(req.To),
			CC:  addresses(req.CC),
			BCC: addresses(req.BCC),
		}},
		From:       EmailAddress{Email: strings.TrimSpace(req.From), Name: req.FromName},
		Subject:    req.Subject,
		Categories: req.Tags,
		CustomArgs: req.Metadata,
		TrackingSettings: TrackingSettings{
			ClickTracking: Toggle{Enable: req.Tracking.Clicks},
			OpenTracking:  Toggle{Enable: req.Tracking.Opens},
		},
	}
	if r := strings.TrimSpace(req.ReplyTo); r != "" {
		p.ReplyTo = &EmailAddress{Email: r}
	}
	if req.MessageID != "" {
		p.Headers = map[string]string{headerMessageID: req.MessageID}
	}

	// text/plain must precede text/html.
	if req.Text != "" {
		p.Content = append(p.Content, Content{Type: "text/plain", Value: req.Text})
	}
	if req.HTML != "" {
		p.Content = append(p.Content, Content{Type: "text/html", Value: req.HTML})
	}

	for _, a := range req.Attachments {
		p.Attachments = append(p.Attachments, Attachment{
			Content:     base64.StdEncoding.EncodeToString(a.Content),
			Type:        a.ContentType,
			Filename:    a.Filename,
			Disposition: a.Disposition,
			ContentID:   a.ContentID,
		})
	}

	return p, nil
}

// DecodePayload parses a serialized payload back into a SendRequest.
func DecodePayload(data []byte) (*models.SendRequest, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("httpapi provider: decode payload: %w", err)
	}

	req := &models.SendRequest{
		MessageID: p.Headers[headerMessageID],
		From:      p.From.Email,
		FromName:  p.From.Name,
		Subject:   p.Subject,
		Tags:      p.Categories,
		Metadata:  p.CustomArgs,
		Tracking: models.Tracking{
			Opens:  p.TrackingSettings.OpenTracking.Enable,
			Clicks: p.TrackingSettings.ClickTracking.Enable,
		},
	}
	if p.ReplyTo != nil {
		req.ReplyTo = p.ReplyTo.Email
	}
	for _, pers := range p.Personalizations {
		req.To = append(req.To, emails(pers.To)...)
		req.CC = append(req.CC, emails(pers.CC)...)
		req.BCC = append(req.BCC, emails(pers.BCC)...)
	}
	for _, c := range p.Content {
		switch c.Type {
		case "text/plain":
			req.Text = c.Value
		case "text/html":
			req.HTML = c.Value
		}
	}
	for _, a := range p.Attachments {
		content, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			return nil, fmt.Errorf("httpapi provider: decode attachment %s: %w", a.Filename, err)
		}
		req.Attachments = append(req.Attachments, models.Attachment{
			Filename:    a.Filename,
			ContentType: a.Type,
			Disposition: a.Disposition,
			ContentID:   a.ContentID,
			Content:     content,
		})
	}

	return req, nil
}

func addresses(values []string) []EmailAddress {
	if len(values) == 0 {
		return nil
	}
	out := make([]EmailAddress, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, EmailAddress{Email: v})
		}
	}
	return out
}

func emails(list []EmailAddress) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Email)
	}
	return out
}
