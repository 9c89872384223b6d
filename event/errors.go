package event

import (
	"errors"
	"fmt"
)

// Common errors returned by Log implementations and sync components.
var (
	// ErrHeadMismatch indicates an optimistic-concurrency violation: an
	// append was proposed against a parent that is no longer the head.
	// Always recoverable by pulling, rebasing and resubmitting.
	ErrHeadMismatch = errors.New("head mismatch")

	// ErrUnknownEvent indicates an event name with no registered payload
	// validator. Unknown names are a decode error, never silently accepted.
	ErrUnknownEvent = errors.New("unknown event name")
)

// HeadMismatchError provides details about a rejected append.
type HeadMismatchError struct {
	// Expected is the current head (what the parent should have been).
	Expected SeqNum
	// Actual is the parent the batch was proposed against.
	Actual SeqNum
}

func (e *HeadMismatchError) Error() string {
	return fmt.Sprintf("head mismatch: expected parent %s, got %s", e.Expected, e.Actual)
}

func (e *HeadMismatchError) Unwrap() error {
	return ErrHeadMismatch
}

// InvalidPushError indicates the sync backend rejected a push. The push
// is never retried automatically; the caller must pull and rebase first.
type InvalidPushError struct {
	Message string
}

func (e *InvalidPushError) Error() string {
	return fmt.Sprintf("invalid push: %s", e.Message)
}

// InvalidPullError indicates the sync backend rejected a pull request.
type InvalidPullError struct {
	Message string
}

func (e *InvalidPullError) Error() string {
	return fmt.Sprintf("invalid pull: %s", e.Message)
}

// UnexpectedError wraps a defect (I/O fault, corrupt snapshot, protocol
// decode failure) together with whatever payload helps diagnose it.
// Fatal to the current operation but never to the process.
type UnexpectedError struct {
	Cause   error
	Payload map[string]any
}

func (e *UnexpectedError) Error() string {
	if len(e.Payload) == 0 {
		return fmt.Sprintf("unexpected error: %v", e.Cause)
	}
	return fmt.Sprintf("unexpected error: %v (payload: %v)", e.Cause, e.Payload)
}

func (e *UnexpectedError) Unwrap() error {
	return e.Cause
}

// Unexpected wraps cause as an UnexpectedError with optional payload
// key-value pairs.
func Unexpected(cause error, keysAndValues ...any) *UnexpectedError {
	var payload map[string]any
	if len(keysAndValues) > 0 {
		payload = make(map[string]any, len(keysAndValues)/2)
		for i := 0; i+1 < len(keysAndValues); i += 2 {
			key, ok := keysAndValues[i].(string)
			if !ok {
				key = fmt.Sprint(keysAndValues[i])
			}
			payload[key] = keysAndValues[i+1]
		}
	}
	return &UnexpectedError{Cause: cause, Payload: payload}
}
