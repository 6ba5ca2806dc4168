// Package errs defines the single error type every domain error kind in
// the balancer is carried as, so HTTP handlers and WS framing can map
// kind to status/frame in one place instead of sniffing error strings.
package errs

import "fmt"

type Kind string

const (
	ConfigInvalid     Kind = "ConfigInvalid"
	NameConflict      Kind = "NameConflict"
	BackendBusy       Kind = "BackendBusy"
	BackendNotFound   Kind = "BackendNotFound"
	QueueFull         Kind = "QueueFull"
	NoCapacity        Kind = "NoCapacity"
	SubmitRejected    Kind = "SubmitRejected"
	SubmitUnavailable Kind = "SubmitUnavailable"
	SubmitExhausted   Kind = "SubmitExhausted"
	BackendLost       Kind = "BackendLost"
	InvalidTransition Kind = "InvalidTransition"
	SlowConsumer      Kind = "SlowConsumer"
	TaskNotFound      Kind = "TaskNotFound"
	NotFound          Kind = "NotFound"
	InvalidArgument   Kind = "InvalidArgument"
)

// Error is the one error type that crosses every component boundary in
// this module.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	be, ok := err.(*Error)
	if !ok {
		return false
	}
	return be.Kind == kind
}

// KindOf extracts the kind from err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	be, ok := err.(*Error)
	if !ok {
		return ""
	}
	return be.Kind
}
