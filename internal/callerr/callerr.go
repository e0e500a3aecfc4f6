// Package callerr defines the error taxonomy shared by econn, ecall and
// wcall (§7), and the error→reason mapping the application-facing close
// callback uses (§4.4).
package callerr

import "fmt"

// Code is one of the fixed error codes the signaling core produces.
// Unlike a raw error, a Code always maps to a single Reason.
type Code int

const (
	EOK Code = iota
	EINVAL
	EALREADY
	ENOENT
	EPROTO
	ENOTSUP
	ENOMEM
	EOVERFLOW
	EBADMSG
	ETIMEDOUT
	ETIMEDOUTECONN
	ECONNRESET
	ECANCELED
	EIO
	EDATACHANNEL
	EREMOTE
)

func (c Code) String() string {
	switch c {
	case EOK:
		return "OK"
	case EINVAL:
		return "EINVAL"
	case EALREADY:
		return "EALREADY"
	case ENOENT:
		return "ENOENT"
	case EPROTO:
		return "EPROTO"
	case ENOTSUP:
		return "ENOTSUP"
	case ENOMEM:
		return "ENOMEM"
	case EOVERFLOW:
		return "EOVERFLOW"
	case EBADMSG:
		return "EBADMSG"
	case ETIMEDOUT:
		return "ETIMEDOUT"
	case ETIMEDOUTECONN:
		return "ETIMEDOUT_ECONN"
	case ECONNRESET:
		return "ECONNRESET"
	case ECANCELED:
		return "ECANCELED"
	case EIO:
		return "EIO"
	case EDATACHANNEL:
		return "EDATACHANNEL"
	case EREMOTE:
		return "EREMOTE"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error wraps a Code with a human-readable message.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// New constructs an *Error for code with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Reason is the coarse, application-visible close reason (§4.4).
type Reason string

const (
	ReasonNormal            Reason = "NORMAL"
	ReasonTimeout           Reason = "TIMEOUT"
	ReasonTimeoutEconn      Reason = "TIMEOUT_ECONN"
	ReasonLostMedia         Reason = "LOST_MEDIA"
	ReasonCanceled          Reason = "CANCELED"
	ReasonAnsweredElsewhere Reason = "ANSWERED_ELSEWHERE"
	ReasonIOError           Reason = "IO_ERROR"
	ReasonDataChannel       Reason = "DATACHANNEL"
	ReasonRejected          Reason = "REJECTED"
	ReasonError             Reason = "ERROR"
)

// ReasonFor maps an error code to its application-facing close reason (§4.4).
func ReasonFor(code Code) Reason {
	switch code {
	case EOK:
		return ReasonNormal
	case ETIMEDOUT:
		return ReasonTimeout
	case ETIMEDOUTECONN:
		return ReasonTimeoutEconn
	case ECONNRESET:
		return ReasonLostMedia
	case ECANCELED:
		return ReasonCanceled
	case EALREADY:
		return ReasonAnsweredElsewhere
	case EIO:
		return ReasonIOError
	case EDATACHANNEL:
		return ReasonDataChannel
	case EREMOTE:
		return ReasonRejected
	default:
		return ReasonError
	}
}
