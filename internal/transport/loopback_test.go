package transport

import (
	"context"
	"testing"

	"github.com/avscall/callcore/internal/codec"
)

func TestLoopbackBroadcastsExceptSelf(t *testing.T) {
	lb := NewLoopback()
	alice := codec.UserClient{UserID: "alice", ClientID: "dev1"}
	bob := codec.UserClient{UserID: "bob", ClientID: "dev1"}

	var bobGot []byte
	lb.Register(bob, func(convid string, data []byte) { bobGot = data })

	var aliceGot []byte
	lb.Register(alice, func(convid string, data []byte) { aliceGot = data })

	n, err := lb.Send(context.Background(), "c1", alice, codec.UserClient{}, []byte("hello"), false)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
	if string(bobGot) != "hello" {
		t.Errorf("bob got %q, want hello", bobGot)
	}
	if aliceGot != nil {
		t.Errorf("alice (sender) should not receive its own broadcast, got %q", aliceGot)
	}
}

func TestLoopbackDirectedSend(t *testing.T) {
	lb := NewLoopback()
	alice := codec.UserClient{UserID: "alice", ClientID: "dev1"}
	bob := codec.UserClient{UserID: "bob", ClientID: "dev1"}
	carol := codec.UserClient{UserID: "carol", ClientID: "dev1"}

	var bobGot, carolGot bool
	lb.Register(bob, func(string, []byte) { bobGot = true })
	lb.Register(carol, func(string, []byte) { carolGot = true })

	if _, err := lb.Send(context.Background(), "c1", alice, bob, []byte("x"), false); err != nil {
		t.Fatal(err)
	}
	if !bobGot {
		t.Error("bob should have received the directed send")
	}
	if carolGot {
		t.Error("carol should not have received a send directed at bob")
	}
}
