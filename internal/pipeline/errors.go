package pipeline

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type ErrorCode string

const (
	CodeInvalidRecipient    ErrorCode = "INVALID_RECIPIENT"
	CodeTemplateNotFound    ErrorCode = "TEMPLATE_NOT_FOUND"
	CodeContactNotFound     ErrorCode = "CONTACT_NOT_FOUND"
	CodeJobNotFound         ErrorCode = "PIPELINE_JOB_NOT_FOUND"
	CodeSendFailed          ErrorCode = "SEND_FAILED"
	CodeChannelNotSupported ErrorCode = "CHANNEL_NOT_SUPPORTED"
)

// Error is the worker-facing taxonomy: a stable code plus whether the broker
// may retry the attempt. Only SendFailed defaults to retryable.
type Error struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func NewSendFailed(msg string, retryable bool) *Error {
	return &Error{Code: CodeSendFailed, Message: msg, Retryable: retryable}
}

// IsRetryable reports whether the broker should back off and retry rather
// than halt. Unknown errors (infra, timeouts) count as retryable.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	var ist *InvalidStateTransition
	if errors.As(err, &ist) {
		return false
	}
	return true
}

// JobNotFound means the job row vanished; callers must not double-write.
type JobNotFound struct {
	JobID uuid.UUID
}

func (e *JobNotFound) Error() string {
	return fmt.Sprintf("pipeline job not found: %s", e.JobID)
}

// InvalidStateTransition is a non-retryable programming error: the requested
// edge is not in the transition table.
type InvalidStateTransition struct {
	JobID uuid.UUID
	From  Status
	To    Status
}

func (e *InvalidStateTransition) Error() string {
	return fmt.Sprintf("invalid state transition for job %s: %s -> %s", e.JobID, e.From, e.To)
}
