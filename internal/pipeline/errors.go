package pipeline

import (
	"context"
	"errors"
)

// Kind classifies pipeline failures for the boundary layer
type Kind string

const (
	KindModelLoad             Kind = "model_load"
	KindNotReady              Kind = "not_ready"
	KindInvalidInput          Kind = "invalid_input"
	KindInvalidOptions        Kind = "invalid_options"
	KindDecode                Kind = "decode"
	KindSegmentationFailure   Kind = "segmentation_failure"
	KindInternalInconsistency Kind = "internal_inconsistency"
	KindInference             Kind = "inference"
	KindCanceled              Kind = "canceled"
)

// Error is the single error type returned by the pipeline
type Error struct {
	Kind    Kind
	Op      string // Operation or stage that failed
	Message string
	Err     error // Underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg += ": " + e.Err.Error()
		}
	}
	s := string(e.Kind)
	if msg != "" {
		s += ": " + msg
	}
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotReady)
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

// Kind sentinels for errors.Is
var (
	ErrModelLoad             = &Error{Kind: KindModelLoad}
	ErrNotReady              = &Error{Kind: KindNotReady}
	ErrInvalidInput          = &Error{Kind: KindInvalidInput}
	ErrInvalidOptions        = &Error{Kind: KindInvalidOptions}
	ErrDecode                = &Error{Kind: KindDecode}
	ErrNoConfidentMask       = &Error{Kind: KindSegmentationFailure}
	ErrInternalInconsistency = &Error{Kind: KindInternalInconsistency}
	ErrInference             = &Error{Kind: KindInference}
	ErrCanceled              = &Error{Kind: KindCanceled}
)

func newError(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf returns the kind of err. Context errors map to KindCanceled and
// anything unclassified to KindInternalInconsistency.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindInternalInconsistency
}

// Failure is the structured failure handed to the boundary layer
type Failure struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// AsFailure converts err into a Failure
func AsFailure(err error) Failure {
	return Failure{Kind: KindOf(err), Message: err.Error()}
}

// contextError converts a context termination into a canceled error
func contextError(op string, err error) error {
	return newError(KindCanceled, op, "request canceled", err)
}
