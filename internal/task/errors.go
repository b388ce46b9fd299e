package task

import (
	"errors"
	"fmt"
)

// Error is a failure reported by a task. Code and Message are chosen by the
// task and travel to the blocking caller unchanged.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Errorf builds a task error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError converts any error into a task error, keeping an existing one intact.
// Unclassified errors and task errors without a code get fallbackCode.
func AsError(err error, fallbackCode string) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		if te.Code == "" {
			return &Error{Code: fallbackCode, Message: te.Message}
		}
		return te
	}
	return &Error{Code: fallbackCode, Message: err.Error()}
}
