package transport

import (
	"errors"
	"fmt"
)

// ReplyType is the outcome class of a wire operation
type ReplyType int

const (
	ReplyNormal ReplyType = iota
	ReplyNone
	ReplyLibraryException
	ReplyServerException
)

// LibraryCode details a client-side failure
type LibraryCode int

const (
	LibraryUnexpectedState LibraryCode = iota
	LibraryIncompatibleVersion
	LibraryConnectionClosed
	LibraryInvalidParameter
	LibrarySocketError
	LibraryTimeout
	LibrarySocketClosed
	LibraryTLSFailure
	LibraryTLSHostnameFailure
	LibraryLoginFailure
)

func (c LibraryCode) String() string {
	switch c {
	case LibraryIncompatibleVersion:
		return "incompatible protocol version"
	case LibraryConnectionClosed:
		return "connection closed"
	case LibraryInvalidParameter:
		return "invalid parameter"
	case LibrarySocketError:
		return "socket error"
	case LibraryTimeout:
		return "timeout"
	case LibrarySocketClosed:
		return "socket closed"
	case LibraryTLSFailure:
		return "tls failure"
	case LibraryTLSHostnameFailure:
		return "tls hostname verification failure"
	case LibraryLoginFailure:
		return "login refused"
	default:
		return "unexpected state"
	}
}

// ServerMethod is the method a server exception arrived with
type ServerMethod int

const (
	MethodUnknown ServerMethod = iota
	MethodConnectionClose
	MethodChannelClose
)

// Reply is the decoded status of a wire operation
type Reply struct {
	Type    ReplyType
	Library LibraryCode
	Method  ServerMethod
	Code    int
	Text    string
	// Channel is the channel a channel-close applies to, 0 when unknown
	Channel int
}

func (r Reply) String() string {
	switch r.Type {
	case ReplyNormal:
		return "normal response"
	case ReplyNone:
		return "missing rpc reply"
	case ReplyLibraryException:
		if r.Text != "" {
			return fmt.Sprintf("%s: %s", r.Library, r.Text)
		}
		return r.Library.String()
	case ReplyServerException:
		switch r.Method {
		case MethodConnectionClose:
			return fmt.Sprintf("server connection error %d, message: %s", r.Code, r.Text)
		case MethodChannelClose:
			return fmt.Sprintf("server channel error %d, message: %s", r.Code, r.Text)
		}
		return fmt.Sprintf("unknown server error %d, message: %s", r.Code, r.Text)
	}
	return "unknown reply"
}

// ReplyError carries a non-normal Reply as an error
type ReplyError struct {
	Reply Reply
	Err   error
}

func (e *ReplyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reply, e.Err)
	}
	return e.Reply.String()
}

func (e *ReplyError) Unwrap() error {
	return e.Err
}

// LibraryError reports a client-side failure
func LibraryError(code LibraryCode, err error) error {
	r := Reply{Type: ReplyLibraryException, Library: code}
	return &ReplyError{Reply: r, Err: err}
}

// ServerError reports an exception raised by the broker
func ServerError(method ServerMethod, code int, text string) error {
	return &ReplyError{Reply: Reply{
		Type:   ReplyServerException,
		Method: method,
		Code:   code,
		Text:   text,
	}}
}

// ChannelError reports that the broker closed channel id
func ChannelError(id, code int, text string) error {
	return &ReplyError{Reply: Reply{
		Type:    ReplyServerException,
		Method:  MethodChannelClose,
		Code:    code,
		Text:    text,
		Channel: id,
	}}
}

// NoReply reports an operation the broker never answered
func NoReply() error {
	return &ReplyError{Reply: Reply{Type: ReplyNone}}
}

// ReplyOf extracts the Reply behind err. Nil maps to a normal reply and any
// error that is not a *ReplyError to an unexpected library state.
func ReplyOf(err error) Reply {
	if err == nil {
		return Reply{Type: ReplyNormal}
	}
	var re *ReplyError
	if errors.As(err, &re) {
		return re.Reply
	}
	return Reply{Type: ReplyLibraryException, Library: LibraryUnexpectedState, Text: err.Error()}
}
