// Package codec encodes and decodes signaling messages exchanged between
// econn peers, over either the backend relay or the established data
// channel (§4.1).
package codec

import (
	"fmt"
)

// Type is the signaling message tag (§3).
type Type string

const (
	TypeSetup      Type = "SETUP"
	TypeUpdate     Type = "UPDATE"
	TypeCancel     Type = "CANCEL"
	TypeHangup     Type = "HANGUP"
	TypeReject     Type = "REJECT"
	TypeAlert      Type = "ALERT"
	TypePropSync   Type = "PROPSYNC"
	TypeGroupStart Type = "GROUP_START"
	TypeGroupCheck Type = "GROUP_CHECK"
	TypeConfStart  Type = "CONF_START"
)

// UserClient identifies a participant device. Comparisons are
// case-insensitive (§3); use Equal rather than ==.
type UserClient struct {
	UserID   string `json:"user"`
	ClientID string `json:"client"`
}

// Equal compares two UserClient pairs case-insensitively.
func (u UserClient) Equal(o UserClient) bool {
	return equalFold(u.UserID, o.UserID) && equalFold(u.ClientID, o.ClientID)
}

// IsZero reports whether u is the empty (broadcast) destination.
func (u UserClient) IsZero() bool { return u.UserID == "" && u.ClientID == "" }

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Payload carries the message-type-specific fields. Every field is optional;
// which ones are meaningful depends on Type.
type Payload struct {
	SDP    string `json:"sdp,omitempty"`
	Reason string `json:"reason,omitempty"`
	// Reset requests that the offerer discard its flow and treat this
	// SETUP(resp) payload as a fresh offer (§4.2 "reset").
	Reset bool `json:"reset,omitempty"`
}

// Message is the decoded form of one signaling exchange (§3).
type Message struct {
	ID        string      `json:"id,omitempty"`
	Type      Type        `json:"type"`
	Src       UserClient  `json:"src"`
	Dest      UserClient  `json:"dest,omitempty"`
	Time      int64       `json:"time"` // unix millis, monotonically assignable by the sender
	Age       int         `json:"age"`  // seconds since origination
	Request   bool        `json:"request"`
	Transient bool        `json:"transient,omitempty"`
	Payload   Payload     `json:"payload,omitempty"`
	Props     PropertySet `json:"props,omitempty"`

	// CurrTime and MsgTime are delivery-time metadata attached by Decode
	// from its transport; they are not part of the wire form.
	CurrTime int64 `json:"-"`
	MsgTime  int64 `json:"-"`
}

// Brief renders the canonical short diagnostic form used in logs, e.g.
// "SETUP(req) alice.dev1->bob.dev2 age=0".
func (m Message) Brief() string {
	dir := "resp"
	if m.Request {
		dir = "req"
	}
	dest := "*"
	if !m.Dest.IsZero() {
		dest = fmt.Sprintf("%s.%s", m.Dest.UserID, m.Dest.ClientID)
	}
	return fmt.Sprintf("%s(%s) %s.%s->%s age=%d", m.Type, dir, m.Src.UserID, m.Src.ClientID, dest, m.Age)
}

// TransportKind names which transport a message type is expected on (§4.1).
type TransportKind int

const (
	TransportBackend TransportKind = iota
	TransportDataChannel
	TransportEither
)

// transportTable is the per-message-type expected-transport table (§4.1).
// Receipt on the "wrong" transport is logged, not fatal — see econn.
var transportTable = map[Type]TransportKind{
	TypeSetup:      TransportBackend,
	TypeUpdate:     TransportBackend,
	TypeCancel:     TransportBackend,
	TypeAlert:      TransportBackend,
	TypeReject:     TransportBackend,
	TypePropSync:   TransportEither,
	TypeHangup:     TransportDataChannel,
	TypeGroupStart: TransportBackend,
	TypeGroupCheck: TransportBackend,
	TypeConfStart:  TransportBackend,
}

// ExpectedTransport returns the transport a message of type t is expected to
// travel on. Unknown types default to TransportBackend.
func ExpectedTransport(t Type) TransportKind {
	if k, ok := transportTable[t]; ok {
		return k
	}
	return TransportBackend
}
