package contracts

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the engines can report
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotInitialized
	KindInitializeFailure
	KindInvalidParameters
	KindThreadAlreadyRunning
	KindThreadNotRunning
	KindServerConnectionFailure
	KindServerAuthenticationFailure
	KindServerExceptionResponse
	KindChannelException
	KindUnableToSubscribe
	KindPublishError
	KindTimeoutOccurred
	KindNoRPCReply
	KindInvalidAMQPVersion
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotInitialized:
		return "not initialized"
	case KindInitializeFailure:
		return "initialize failure"
	case KindInvalidParameters:
		return "invalid parameters"
	case KindThreadAlreadyRunning:
		return "thread already running"
	case KindThreadNotRunning:
		return "thread not running"
	case KindServerConnectionFailure:
		return "server connection failure"
	case KindServerAuthenticationFailure:
		return "server authentication failure"
	case KindServerExceptionResponse:
		return "server exception response"
	case KindChannelException:
		return "channel exception"
	case KindUnableToSubscribe:
		return "unable to subscribe"
	case KindPublishError:
		return "publish error"
	case KindTimeoutOccurred:
		return "timeout occurred"
	case KindNoRPCReply:
		return "no rpc reply"
	case KindInvalidAMQPVersion:
		return "invalid amqp version"
	default:
		return "unknown"
	}
}

var (
	ErrNotInitialized              = &Error{Kind: KindNotInitialized}
	ErrInitializeFailure           = &Error{Kind: KindInitializeFailure}
	ErrInvalidParameters           = &Error{Kind: KindInvalidParameters}
	ErrThreadAlreadyRunning        = &Error{Kind: KindThreadAlreadyRunning}
	ErrThreadNotRunning            = &Error{Kind: KindThreadNotRunning}
	ErrServerConnectionFailure     = &Error{Kind: KindServerConnectionFailure}
	ErrServerAuthenticationFailure = &Error{Kind: KindServerAuthenticationFailure}
	ErrServerExceptionResponse     = &Error{Kind: KindServerExceptionResponse}
	ErrChannelException            = &Error{Kind: KindChannelException}
	ErrUnableToSubscribe           = &Error{Kind: KindUnableToSubscribe}
	ErrPublishError                = &Error{Kind: KindPublishError}
	ErrTimeoutOccurred             = &Error{Kind: KindTimeoutOccurred}
	ErrNoRPCReply                  = &Error{Kind: KindNoRPCReply}
	ErrInvalidAMQPVersion          = &Error{Kind: KindInvalidAMQPVersion}
)

// Error is the failure value returned by every engine and broker operation
type Error struct {
	Kind ErrorKind // Taxonomy entry
	Op   string    // Operation that failed
	Err  error     // Underlying cause, may be nil
}

// NewError builds an Error of the given kind
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("hare: %s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("hare: %s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("hare: %s: %v", e.Kind, e.Err)
	default:
		return "hare: " + e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is works against the
// Err* sentinels regardless of Op and cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of err, KindUnknown for foreign errors and for nil
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsServerFailure reports whether err requires tearing the connection down
// and reconnecting
func IsServerFailure(err error) bool {
	switch KindOf(err) {
	case KindServerConnectionFailure, KindServerExceptionResponse:
		return true
	}
	return false
}
