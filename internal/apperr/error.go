package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure so the HTTP boundary can pick a status code.
type Kind int

const (
	KindUnknown Kind = iota
	KindMissingInput
	KindUnsupportedMedia
	KindPayloadTooLarge
	KindInference
	KindEmptyResult
	KindProcessing
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindMissingInput:     "missing_input",
	KindUnsupportedMedia: "unsupported_media",
	KindPayloadTooLarge:  "payload_too_large",
	KindInference:        "inference",
	KindEmptyResult:      "empty_result",
	KindProcessing:       "processing",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error annotates an error with its kind and where it occurred.
type Error struct {
	Kind      Kind
	Operation string
	RequestID string
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.Operation == "" {
		return e.Err.Error()
	}
	if e.RequestID != "" {
		return fmt.Sprintf("%s (request_id=%s): %v", e.Operation, e.RequestID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Message is the cause without operation metadata, suitable for response bodies.
func (e *Error) Message() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// New wraps err with a kind and operation. A nil err yields nil.
func New(kind Kind, operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Operation: operation, RequestID: requestID, Err: err}
}

// Newf builds a tagged error from a formatted message.
func Newf(kind Kind, operation, format string, args ...any) error {
	return &Error{Kind: kind, Operation: operation, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost tagged error in err's chain.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return KindUnknown
}

// MessageOf returns the innermost tagged error's cause, or err's text when untagged.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var tagged *Error
	if !errors.As(err, &tagged) {
		return err.Error()
	}
	for {
		var inner *Error
		if !errors.As(tagged.Err, &inner) {
			return tagged.Message()
		}
		tagged = inner
	}
}

// IsTransient reports whether err looks like a timeout or temporary failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
