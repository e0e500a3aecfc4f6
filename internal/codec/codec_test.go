package codec

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	props := NewPropertySet()
	props.Set(PropVideoSend, PropTrue)
	props.Set(PropAudioCBR, PropTrue)

	msg := Message{
		ID:        "11111111-1111-1111-1111-111111111111",
		Type:      TypeSetup,
		Src:       UserClient{UserID: "alice", ClientID: "dev1"},
		Dest:      UserClient{UserID: "bob", ClientID: "dev2"},
		Time:      1700000000000,
		Age:       0,
		Request:   true,
		Transient: false,
		Payload:   Payload{SDP: "v=0\r\n..."},
		Props:     props,
	}

	raw, err := Encode(msg)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(raw), "\n"))

	got, err := Decode(raw, 42, 43)
	require.NoError(t, err)

	// CurrTime/MsgTime are decode-time metadata, not carried on the wire;
	// compare separately then zero them for the structural diff.
	require.EqualValues(t, 42, got.CurrTime)
	require.EqualValues(t, 43, got.MsgTime)
	got.CurrTime, got.MsgTime = 0, 0

	if diff := cmp.Diff(msg, got, cmp.AllowUnexported(PropertySet{})); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestPropertySetOrderPreserved(t *testing.T) {
	p := NewPropertySet()
	p.Set("z", "1")
	p.Set("a", "2")
	p.Set("m", "3")
	require.Equal(t, []string{"z", "a", "m"}, p.Keys())

	raw, err := Encode(Message{Type: TypePropSync, Props: p})
	require.NoError(t, err)

	decoded, err := Decode(raw, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"z", "a", "m"}, decoded.Props.Keys())
}

func TestEncodeRejectsOversizedSDP(t *testing.T) {
	msg := Message{Type: TypeSetup, Payload: Payload{SDP: strings.Repeat("x", MaxSDPBytes+1)}}
	_, err := Encode(msg)
	require.ErrorIs(t, err, ErrSDPTooLarge)
}

func TestExpectedTransportTable(t *testing.T) {
	cases := map[Type]TransportKind{
		TypeSetup:    TransportBackend,
		TypeUpdate:   TransportBackend,
		TypeCancel:   TransportBackend,
		TypeAlert:    TransportBackend,
		TypeReject:   TransportBackend,
		TypePropSync: TransportEither,
		TypeHangup:   TransportDataChannel,
	}
	for typ, want := range cases {
		if got := ExpectedTransport(typ); got != want {
			t.Errorf("ExpectedTransport(%s) = %v, want %v", typ, got, want)
		}
	}
}

func TestUserClientEqualCaseInsensitive(t *testing.T) {
	a := UserClient{UserID: "Alice", ClientID: "DEV1"}
	b := UserClient{UserID: "alice", ClientID: "dev1"}
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(UserClient{UserID: "bob", ClientID: "dev1"}))
}
