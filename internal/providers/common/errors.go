package common

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/example/mailconnect/internal/models"
)

// Sentinel errors used to classify provider failures. Every *Error unwraps to
// exactly one of them so callers can rely on errors.Is.
var (
	ErrTransient   = errors.New("transient error")
	ErrPermanent   = errors.New("permanent error")
	ErrUnsupported = errors.New("provider unsupported in environment")
	ErrCapacity    = errors.New("provider capacity exceeded")
	ErrValidation  = errors.New("message rejected by pre-flight validation")
)

// Kind is the closed set of provider failure classes.
type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
	KindUnsupported
	KindCapacity
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindUnsupported:
		return "unsupported"
	case KindCapacity:
		return "capacity"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Retryable reports whether the same operation may later succeed unchanged.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindCapacity
}

func (k Kind) sentinel() error {
	switch k {
	case KindTransient:
		return ErrTransient
	case KindUnsupported:
		return ErrUnsupported
	case KindCapacity:
		return ErrCapacity
	case KindValidation:
		return ErrValidation
	default:
		return ErrPermanent
	}
}

// Error is a classified provider failure. Code carries the provider's own
// status (SMTP reply code, HTTP status, or a symbolic name).
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

// NewError constructs a classified error.
func NewError(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: cause}
}

// WrapTransient annotates an error so callers can detect transient failures.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return NewError(KindTransient, "", err.Error(), err)
}

// WrapPermanent annotates an error as permanent.
func WrapPermanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return NewError(KindPermanent, "", err.Error(), err)
}

// KindOf classifies an arbitrary error. Unclassified errors are treated as
// transient when they look like network timeouts and permanent otherwise.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	switch {
	case errors.Is(err, ErrUnsupported):
		return KindUnsupported
	case errors.Is(err, ErrCapacity):
		return KindCapacity
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrPermanent):
		return KindPermanent
	case IsTimeout(err):
		return KindTransient
	default:
		return KindPermanent
	}
}

// ToSendError maps any provider error into the shared SendError shape. It is
// the single place where backend-specific failures become public outcomes.
func ToSendError(err error) *models.SendError {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	code := kind.String()
	message := err.Error()

	var perr *Error
	if errors.As(err, &perr) {
		if perr.Code != "" {
			code = perr.Code
		}
		message = perr.Message
	}

	return &models.SendError{
		Code:      code,
		Message:   message,
		Retryable: kind.Retryable(),
	}
}

// IsTimeout reports whether err represents a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
