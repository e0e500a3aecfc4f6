// Package econn implements the per-peer signaling state machine (§4.2):
// it sequences SETUP/UPDATE/HANGUP/PROPSYNC/ALERT/REJECT exchanges with one
// remote peer and raises edge-triggered events back to its owner (Ecall).
package econn

// State is one of the econn lifecycle states (§4.2).
type State int

const (
	StateIdle State = iota
	StatePendingOutgoing
	StatePendingIncoming
	StateAnswered
	StateDatachanEstablished
	StateHangupSent
	StateHangupRecv
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePendingOutgoing:
		return "PENDING_OUTGOING"
	case StatePendingIncoming:
		return "PENDING_INCOMING"
	case StateAnswered:
		return "ANSWERED"
	case StateDatachanEstablished:
		return "DATACHAN_ESTABLISHED"
	case StateHangupSent:
		return "HANGUP_SENT"
	case StateHangupRecv:
		return "HANGUP_RECV"
	case StateTerminating:
		return "TERMINATING"
	default:
		return "UNKNOWN"
	}
}

// Connected reports whether the state has a live offer/answer exchange
// (ANSWERED or later, short of teardown) — used to gate UPDATE handling and
// restarts. The §8 invariant 4 gate on data-channel-routed sends uses
// DataChannelReady instead.
func (s State) Connected() bool {
	return s == StateAnswered || s == StateDatachanEstablished
}

// DataChannelReady reports whether the econn has reached or passed
// DATACHAN_ESTABLISHED, at which point data-channel-eligible message types
// (§4.1) may be sent directly instead of via the backend relay. HANGUP_SENT
// and HANGUP_RECV still count: a HANGUP raised after a channel was already
// up should still prefer it over the backend (§8 invariant 4).
func (s State) DataChannelReady() bool {
	return s >= StateDatachanEstablished
}
