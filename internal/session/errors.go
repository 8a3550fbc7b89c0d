package session

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindCredentialMissing ErrorKind = "credential_missing"
	KindConnection        ErrorKind = "connection_error"
	KindToolExecution     ErrorKind = "tool_execution_error"
	KindMalformedEvent    ErrorKind = "malformed_event"
	KindModelIncompatible ErrorKind = "model_incompatible"
)

var ErrClosed = errors.New("session controller closed")

// Error classifies session failures. Only credential and connection
// errors end a session; the rest are reported and recovered from.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) IsFatal() bool {
	return e.Kind == KindCredentialMissing || e.Kind == KindConnection
}

// KindOf returns the kind of err, or "" when err is not a *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
