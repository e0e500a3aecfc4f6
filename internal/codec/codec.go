package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// MaxSDPBytes is the largest SDP payload the codec will encode or decode
// (§6 "Maximum SDP size: 8 KiB").
const MaxSDPBytes = 8 * 1024

// ErrSDPTooLarge is returned by Encode/Decode when Payload.SDP exceeds
// MaxSDPBytes.
var ErrSDPTooLarge = errors.New("codec: sdp exceeds maximum size")

// Encode renders msg to its compact, self-delimited wire form: one line of
// JSON, newline-terminated. The byte count of the returned slice (minus the
// trailing newline) is the message's length, matching §4.1's "length given
// by byte count" framing — grounded on the teacher's mq.Manager, which frames
// its own envelope as newline-delimited JSON over a stream.
func Encode(msg Message) ([]byte, error) {
	if len(msg.Payload.SDP) > MaxSDPBytes {
		return nil, ErrSDPTooLarge
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("codec: encode %s: %w", msg.Type, err)
	}
	return append(b, '\n'), nil
}

// Decode parses raw (one line, trailing newline optional) into a Message and
// attaches the transport-supplied delivery metadata.
func Decode(raw []byte, currTime, msgTime int64) (Message, error) {
	raw = bytes.TrimRight(raw, "\n")
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("codec: decode: %w", err)
	}
	if len(msg.Payload.SDP) > MaxSDPBytes {
		return Message{}, ErrSDPTooLarge
	}
	msg.CurrTime = currTime
	msg.MsgTime = msgTime
	return msg, nil
}
