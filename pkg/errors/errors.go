// Package errors provides helpers for adding context to errors as they're
// propagated up the stack, and for marking errors that are safe to show
// directly to users.
package errors

import (
	goErrors "errors"
	"fmt"
)

// New returns an error with the given message.
func New(msg string) error {
	return goErrors.New(msg)
}

// Is and As are re-exported so that callers don't need to import both this
// package and the standard library's.
func Is(err, target error) bool {
	return goErrors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return goErrors.As(err, target)
}

type contextError struct {
	context string
	err     error
}

func (err contextError) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.err)
}

func (err contextError) Unwrap() error {
	return err.err
}

// WithContext annotates `err` with a description of what was being done when
// it occurred. The returned error prints as "context: err".
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return contextError{context: context, err: err}
}

// RootCause strips all context added by WithContext and returns the original
// error.
func RootCause(err error) error {
	for {
		ctxErr, ok := err.(contextError)
		if !ok {
			return err
		}
		err = ctxErr.err
	}
}

// FriendlyError is an error whose message is suitable for printing directly
// to the user, without any of the context used for debugging.
type FriendlyError interface {
	error
	FriendlyMessage() string
}

type friendlyError struct {
	msg string
}

func (err friendlyError) Error() string {
	return err.msg
}

func (err friendlyError) FriendlyMessage() string {
	return err.msg
}

// NewFriendlyError creates a FriendlyError with the formatted message.
func NewFriendlyError(format string, args ...interface{}) error {
	return friendlyError{fmt.Sprintf(format, args...)}
}

// GetPrintableMessage returns the message that should be shown to the user
// for `err`. Friendly errors are shown without their context.
func GetPrintableMessage(err error) string {
	if friendly, ok := RootCause(err).(FriendlyError); ok {
		return friendly.FriendlyMessage()
	}
	return err.Error()
}
