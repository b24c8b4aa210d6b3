package broker

import (
	"github.com/rs/zerolog"

	"github.com/glimte/hare-go/contracts"
	"github.com/glimte/hare-go/internal/transport"
)

// classify maps a transport reply onto the error taxonomy and the level it
// is logged at
func classify(r transport.Reply) (contracts.ErrorKind, zerolog.Level) {
	switch r.Type {
	case transport.ReplyNone:
		return contracts.KindNoRPCReply, zerolog.WarnLevel
	case transport.ReplyLibraryException:
		switch r.Library {
		case transport.LibraryIncompatibleVersion:
			return contracts.KindInvalidAMQPVersion, zerolog.ErrorLevel
		case transport.LibraryInvalidParameter:
			return contracts.KindInvalidParameters, zerolog.ErrorLevel
		case transport.LibraryTimeout:
			return contracts.KindTimeoutOccurred, zerolog.DebugLevel
		case transport.LibraryTLSFailure, transport.LibraryTLSHostnameFailure, transport.LibraryLoginFailure:
			return contracts.KindServerAuthenticationFailure, zerolog.ErrorLevel
		default:
			return contracts.KindServerConnectionFailure, zerolog.ErrorLevel
		}
	case transport.ReplyServerException:
		switch r.Method {
		case transport.MethodConnectionClose:
			return contracts.KindServerConnectionFailure, zerolog.ErrorLevel
		case transport.MethodChannelClose:
			return contracts.KindChannelException, zerolog.ErrorLevel
		default:
			return contracts.KindServerExceptionResponse, zerolog.ErrorLevel
		}
	}
	return contracts.KindUnknown, zerolog.ErrorLevel
}

// decode turns a transport error into a *contracts.Error and logs it.
// A nil error stays nil.
func (c *Connection) decode(op string, err error) error {
	if err == nil {
		return nil
	}
	reply := transport.ReplyOf(err)
	if reply.Type == transport.ReplyNormal {
		return nil
	}

	kind, level := classify(reply)
	c.logger.WithLevel(level).
		Str("op", op).
		Str("kind", kind.String()).
		Str("reply", reply.String()).
		Msg("broker operation failed")

	return contracts.NewError(kind, op, err)
}
