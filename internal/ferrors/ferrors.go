// Package ferrors defines the error kinds a stage can raise while handling
// a message, per the error-handling design: store errors are retried via
// redelivery, validation/generator errors withhold the ack until the model
// or the generator is fixed, and config errors are fatal at compile time.
package ferrors

import (
	"errors"
	"fmt"
)

// TransientStoreError wraps a connectivity or command-level failure from the
// log store. The caller must not ack; redelivery is the retry mechanism.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error during %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// NewTransientStoreError wraps err as a TransientStoreError for operation op.
func NewTransientStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientStoreError{Op: op, Err: err}
}

// RaceLost indicates an optimistic write (WATCH/MULTI/EXEC) conflicted with
// a concurrent writer. Per spec it is treated identically to
// TransientStoreError: the caller retries without acking.
type RaceLost struct {
	Key string
}

func (e *RaceLost) Error() string {
	return fmt.Sprintf("lost optimistic race on %s", e.Key)
}

// AsTransientStoreError reports whether err should be handled like a
// TransientStoreError (covers RaceLost per spec.md §7).
func AsTransientStoreError(err error) bool {
	if err == nil {
		return false
	}
	var tse *TransientStoreError
	var rl *RaceLost
	return errors.As(err, &tse) || errors.As(err, &rl)
}

// ValidationError marks a payload that failed the declared schema. It
// carries the offending payload so callers can log or dead-letter it. The
// message is not acked; redelivery applies until the model is fixed.
type ValidationError struct {
	Field   string
	Reason  string
	Payload map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field %q: %s", e.Field, e.Reason)
}

// GeneratorError marks a user-supplied generator function panicking or
// returning an error. Handled identically to ValidationError.
type GeneratorError struct {
	FieldName string
	Err       error
}

func (e *GeneratorError) Error() string {
	return fmt.Sprintf("generator %q failed: %v", e.FieldName, e.Err)
}

func (e *GeneratorError) Unwrap() error { return e.Err }

// FatalConfig is detected at model-compile time: a duplicate consumer-group
// name, a missing dependency target, or a malformed model. Reported before
// any stage starts; never raised mid-run.
type FatalConfig struct {
	Reason string
}

func (e *FatalConfig) Error() string {
	return fmt.Sprintf("fatal model configuration error: %s", e.Reason)
}

// NewFatalConfig builds a FatalConfig with a formatted reason.
func NewFatalConfig(format string, args ...interface{}) error {
	return &FatalConfig{Reason: fmt.Sprintf(format, args...)}
}

// Redeliverable reports whether a message that raised err should remain
// unacked for redelivery (everything except FatalConfig, which can only
// occur before a stage starts reading).
func Redeliverable(err error) bool {
	var fc *FatalConfig
	return !errors.As(err, &fc)
}
