package dispatch

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/example/mailconnect/internal/models"
	"github.com/example/mailconnect/internal/providers/common"
)

// Pre-flight error codes. None of them is retryable.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeMessageTooLarge    = "message_too_large"
	CodeAttachmentTooLarge = "attachment_too_large"
	CodeTooManyRecipients  = "too_many_recipients"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateRequest checks the request shape: a sender, at least one valid
// recipient and a body.
func ValidateRequest(req *models.SendRequest) *models.SendError {
	if req == nil {
		return &models.SendError{Code: CodeInvalidRequest, Message: "send request is required"}
	}

	err := structValidator().Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &models.SendError{Code: CodeInvalidRequest, Message: err.Error()}
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required", "required_without":
			msgs = append(msgs, field+" is required")
		case "min":
			msgs = append(msgs, field+" must have at least "+fe.Param()+" entry")
		case "email":
			msgs = append(msgs, field+" must be a valid email")
		case "oneof":
			msgs = append(msgs, field+" must be one of "+fe.Param())
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return &models.SendError{Code: CodeInvalidRequest, Message: strings.Join(msgs, ", ")}
}

// CheckLimits compares the request against a provider's size and recipient
// caps. Zero limits are not enforced.
func CheckLimits(req *models.SendRequest, limits common.Limits) *models.SendError {
	if size := req.EstimatedSize(); limits.MaxEmailSize > 0 && size > limits.MaxEmailSize {
		return &models.SendError{
			Code:    CodeMessageTooLarge,
			Message: fmt.Sprintf("message size %d exceeds limit %d", size, limits.MaxEmailSize),
		}
	}
	if size := req.AttachmentBytes(); limits.MaxAttachmentSize > 0 && size > limits.MaxAttachmentSize {
		return &models.SendError{
			Code:    CodeAttachmentTooLarge,
			Message: fmt.Sprintf("attachment size %d exceeds limit %d", size, limits.MaxAttachmentSize),
		}
	}
	if n := len(req.Recipients()); limits.MaxRecipients > 0 && n > limits.MaxRecipients {
		return &models.SendError{
			Code:    CodeTooManyRecipients,
			Message: fmt.Sprintf("%d recipients exceeds limit %d", n, limits.MaxRecipients),
		}
	}
	return nil
}
