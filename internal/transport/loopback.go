package transport

import (
	"context"
	"sync"

	"github.com/avscall/callcore/internal/codec"
)

// Loopback is an in-memory Backend that fans a Send out to every other
// registered endpoint (or to dest alone when it is set); convid is handed to
// the listener but not used for routing. It stands in for the real
// transport-to-the-backend collaborator (§1 out of scope) in this package's
// tests — grounded on the teacher's mq.Manager, which keeps a
// per-peer inbox and a set of listener channels rather than an actual
// network socket.
type Loopback struct {
	mu        sync.RWMutex
	listeners map[codec.UserClient]func(convid string, data []byte)
}

// NewLoopback creates an empty Loopback bus.
func NewLoopback() *Loopback {
	return &Loopback{listeners: make(map[codec.UserClient]func(convid string, data []byte))}
}

// Register attaches a delivery callback for uc. A second Register for the
// same UserClient replaces the first.
func (l *Loopback) Register(uc codec.UserClient, deliver func(convid string, data []byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners[uc] = deliver
}

// Unregister removes uc's delivery callback.
func (l *Loopback) Unregister(uc codec.UserClient) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.listeners, uc)
}

// Send implements Backend. A zero Dest broadcasts to every registered
// endpoint except self.
func (l *Loopback) Send(_ context.Context, convid string, self, dest codec.UserClient, data []byte, _ bool) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	delivered := 0
	for uc, deliver := range l.listeners {
		if uc.Equal(self) {
			continue
		}
		if !dest.IsZero() && !uc.Equal(dest) {
			continue
		}
		deliver(convid, data)
		delivered++
	}
	return delivered, nil
}
