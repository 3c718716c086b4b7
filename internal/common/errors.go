package common

import (
	"errors"
	"fmt"
)

// ErrorKind classifies unrecoverable pipeline failures. The kind (never a
// stack trace) is what gets recorded on the invoice row for operator triage.
type ErrorKind string

const (
	// KindUnsupportedFormat means the declared media type is neither image nor PDF.
	KindUnsupportedFormat ErrorKind = "UNSUPPORTED_FORMAT"
	// KindCorruptDocument means decoding failed on truncated or invalid bytes.
	KindCorruptDocument ErrorKind = "CORRUPT_DOCUMENT"
	// KindOCREngine means the engine itself failed (model load, timeout, transport).
	// Retryable by the messaging channel's redelivery, not within the pipeline.
	KindOCREngine ErrorKind = "OCR_ENGINE"
)

// PipelineError wraps a stage failure with its kind.
type PipelineError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

func NewPipelineError(kind ErrorKind, message string, cause error) *PipelineError {
	return &PipelineError{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the error kind from err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
