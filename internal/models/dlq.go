package models

import "time"

// Failure types carried by dead-letter records.
const (
	FailureTypePermanent        = "permanent"
	FailureTypeRetriesExhausted = "retries_exhausted"
	FailureTypeValidation       = "validation"
)

// DLQRecord is written to the dead-letter topic for every message the worker
// gives up on. Request is nil when the record could not be decoded; in that
// case RawPayload holds the original bytes unless they were oversize.
type DLQRecord struct {
	MessageID     string            `json:"message_id"`
	Request       *SendRequest      `json:"request,omitempty"`
	RawPayload    []byte            `json:"raw_payload,omitempty"`
	Result        SendResult        `json:"result"`
	FailureType   string            `json:"failure_type"`
	Attempts      int               `json:"attempts"`
	LastError     string            `json:"last_error,omitempty"`
	FirstFailedAt time.Time         `json:"first_failed_at"`
	LastAttemptAt time.Time         `json:"last_attempt_at"`
	Meta          map[string]string `json:"meta,omitempty"`
}
