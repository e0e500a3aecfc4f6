// Package mediaflow defines the media flow capability interface Ecall
// drives (§6) and ships one reference implementation, PionFlow, built on
// pion/webrtc — the same library the teacher's internal/call package uses
// for its Session.externalPC. DTLS/SRTP/RTP/codec selection themselves stay
// out of scope (§1); PionFlow only needs to get far enough to exercise the
// signaling core end-to-end.
package mediaflow

import "github.com/avscall/callcore/internal/config"

// VideoState is the coarse video send/recv state named in §3 (WCall) and
// derived in §4.3 from remote PROPSYNC properties.
type VideoState int

const (
	VideoStopped VideoState = iota
	VideoStarted
	VideoScreenShare
	VideoPaused
	VideoBadConn
)

func (v VideoState) String() string {
	switch v {
	case VideoStopped:
		return "STOPPED"
	case VideoStarted:
		return "STARTED"
	case VideoScreenShare:
		return "SCREENSHARE"
	case VideoPaused:
		return "PAUSED"
	case VideoBadConn:
		return "BAD_CONN"
	default:
		return "UNKNOWN"
	}
}

// CallType is the call type named in §3 (normal | video | forced-audio).
type CallType int

const (
	CallNormal CallType = iota
	CallVideo
	CallForcedAudio
)

// Stats is the coarse connection quality sample the quality reporter polls
// for (§4.3).
type Stats struct {
	RTTMillis           float64
	UplinkLossPercent   float64
	DownlinkLossPercent float64
}

// Callbacks are the edge-triggered notifications a Flow raises back into
// Ecall (§6 set_callbacks).
type Callbacks struct {
	Estab    func()
	Close    func(err error)
	Stopped  func()
	RTPStart func()
	Restart  func()
	Gather   func()
	ChEstab  func()
	DCRecv   func(data []byte)
	ChClose  func()
}

// TurnServer is a TURN relay credential set (§6 add_turnserver).
type TurnServer struct {
	URL        string
	Username   string
	Credential string
}

// Flow is the media flow capability interface consumed by Ecall (§6). All
// methods run on the core thread (§5) except DCRecv/Gather/Estab/etc.
// callbacks, which arrive asynchronously and must be marshaled back by the
// caller before touching Ecall/Econn state.
type Flow interface {
	SetCallbacks(cb Callbacks)
	AddTURNServer(srv TurnServer) error
	SetRemoteUserClient(userID, clientID string)
	SetVideoState(v VideoState)
	GatherAllTURN(isOffer bool)
	IsGathered() bool
	HandleOffer(sdp string) error
	HandleAnswer(sdp string) error
	GenerateOffer() (string, error)
	GenerateAnswer() (string, error)
	DCSend(data []byte) error
	StopMedia()
	Close()
	GetStats() (Stats, error)
	SetAudioCBR(enabled bool)
	GetAudioCBR(includeNegotiated bool) bool
	EnablePrivacy(enabled bool)
	SetE2EEKey(idx int, key [32]byte)
}

// Allocator allocates a Flow bound to one call (§6 alloc(convid, conv_type,
// call_type, vstate)).
type Allocator interface {
	Alloc(convid string, convType config.ConvType, callType CallType, vstate VideoState) (Flow, error)
}
