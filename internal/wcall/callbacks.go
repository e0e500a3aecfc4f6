package wcall

import (
	"context"

	"github.com/avscall/callcore/internal/callerr"
	"github.com/avscall/callcore/internal/codec"
	"github.com/avscall/callcore/internal/ecall"
	"github.com/avscall/callcore/internal/mediaflow"
)

// Transport is the application-supplied send primitive (§6 "Transport
// interface consumed from the application"): empty dest fields mean
// broadcast to the conversation; transient hints the transport may drop the
// message under congestion. The reference RelayClient in internal/transport
// has an (int, error) Send; cmd/callcored's relayTransport adapts it to this
// interface.
type Transport interface {
	Send(ctx context.Context, convid string, self, dest codec.UserClient, data []byte, transient bool) error
}

// State is the coarse, application-visible call state (§4.4 "coarse state
// mapping").
type State int

const (
	StateNone State = iota
	StateIncoming
	StateOutgoing
	StateAnswered
	StateMediaEstab
	StateTermLocal
	StateTermRemote
	StateUnknown
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateIncoming:
		return "INCOMING"
	case StateOutgoing:
		return "OUTGOING"
	case StateAnswered:
		return "ANSWERED"
	case StateMediaEstab:
		return "MEDIA_ESTAB"
	case StateTermLocal:
		return "TERM_LOCAL"
	case StateTermRemote:
		return "TERM_REMOTE"
	case StateUnknown:
		return "UNKNOWN"
	default:
		return "UNKNOWN"
	}
}

// Callbacks is the application-facing callback table (§6). Every field is
// optional; a nil callback is simply not invoked.
type Callbacks struct {
	Ready    func(version string)
	Incoming func(convid string, msgTime int64, userID string, video, shouldRing bool)
	Missed   func(convid string, msgTime int64, userID string, video bool)
	Answered func(convid string)
	Estab    func(convid, userID string)
	Close    func(reason callerr.Reason, convid string, msgTime int64, userID string)
	Metrics  func(convid, json string)
	CfgReq   func()
	State    func(convid string, state State)
	VState   func(convid, userID, clientID string, vstate mediaflow.VideoState)
	ACBR     func(userID string, enabled bool)

	MediaEstab   func(convid, userID string)
	MediaStopped func(convid string)
	DCEstab      func(convid, userID string)

	GroupChanged           func(convid string)
	ParticipantChangedJSON func(convid, json string)
	ReqClients             func(convid string)

	Mute func(muted bool)

	NetworkQuality func(convid, userID string, quality ecall.Quality, rtt, uplinkLoss, downlinkLoss float64)

	Shutdown func(handle Handle)
	Log      func(level, msg string)
}
