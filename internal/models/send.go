package models

import "time"

// Attachment disposition values.
const (
	DispositionAttachment = "attachment"
	DispositionInline     = "inline"
)

// Attachment is a single file carried by an outbound message.
type Attachment struct {
	Filename    string `json:"filename" validate:"required"`
	ContentType string `json:"content_type,omitempty"`
	Disposition string `json:"disposition,omitempty" validate:"omitempty,oneof=attachment inline"`
	ContentID   string `json:"content_id,omitempty"`
	Content     []byte `json:"content"`
}

// Tracking toggles provider-side engagement tracking.
type Tracking struct {
	Opens  bool `json:"opens,omitempty"`
	Clicks bool `json:"clicks,omitempty"`
}

// SendRequest is an outbound message handed to the dispatcher. The core never
// mutates it.
type SendRequest struct {
	MessageID   string            `json:"message_id,omitempty"`
	From        string            `json:"from" validate:"required,email"`
	FromName    string            `json:"from_name,omitempty"`
	ReplyTo     string            `json:"reply_to,omitempty" validate:"omitempty,email"`
	To          []string          `json:"to" validate:"required,min=1,dive,email"`
	CC          []string          `json:"cc,omitempty" validate:"omitempty,dive,email"`
	BCC         []string          `json:"bcc,omitempty" validate:"omitempty,dive,email"`
	Subject     string            `json:"subject"`
	HTML        string            `json:"html,omitempty" validate:"required_without=Text"`
	Text        string            `json:"text,omitempty" validate:"required_without=HTML"`
	Attachments []Attachment      `json:"attachments,omitempty" validate:"omitempty,dive"`
	Tracking    Tracking          `json:"tracking"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Recipients returns every envelope recipient in To, CC, BCC order.
func (r *SendRequest) Recipients() []string {
	out := make([]string, 0, len(r.To)+len(r.CC)+len(r.BCC))
	out = append(out, r.To...)
	out = append(out, r.CC...)
	out = append(out, r.BCC...)
	return out
}

// AttachmentBytes is the summed raw size of every attachment.
func (r *SendRequest) AttachmentBytes() int64 {
	var total int64
	for _, a := range r.Attachments {
		total += int64(len(a.Content))
	}
	return total
}

// EstimatedSize approximates the message size on the wire before encoding.
func (r *SendRequest) EstimatedSize() int64 {
	return int64(len(r.Subject)+len(r.HTML)+len(r.Text)) + r.AttachmentBytes()
}

// SendError is the provider-independent failure description attached to a
// failed SendResult.
type SendError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// SendResult is the terminal outcome of one dispatch. Error is set if and
// only if Success is false.
type SendResult struct {
	Success    bool       `json:"success"`
	ProviderID string     `json:"provider_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	MessageID  string     `json:"message_id,omitempty"`
	Attempts   int        `json:"attempts"`
	Error      *SendError `json:"error,omitempty"`
}

// Succeeded builds a successful SendResult.
func Succeeded(providerID, messageID string, attempts int, at time.Time) SendResult {
	return SendResult{
		Success:    true,
		ProviderID: providerID,
		Timestamp:  at,
		MessageID:  messageID,
		Attempts:   attempts,
	}
}

// Failed builds a failed SendResult. A nil error is replaced with a generic
// non-retryable one so the invariant holds.
func Failed(providerID string, attempts int, at time.Time, sendErr *SendError) SendResult {
	if sendErr == nil {
		sendErr = &SendError{Code: "unknown", Message: "send failed"}
	}
	return SendResult{
		Success:    false,
		ProviderID: providerID,
		Timestamp:  at,
		Attempts:   attempts,
		Error:      sendErr,
	}
}

// Retryable reports whether a failed result may succeed if re-dispatched.
func (r SendResult) Retryable() bool {
	return !r.Success && r.Error != nil && r.Error.Retryable
}
