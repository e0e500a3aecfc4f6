package wcall

import (
	"sync"

	"github.com/avscall/callcore/internal/callmetrics"
	"github.com/avscall/callcore/internal/codec"
	"github.com/avscall/callcore/internal/config"
	"github.com/avscall/callcore/internal/mediaflow"
)

// libraryVersion is bumped by hand; there is no build-time stamping in this
// port (the teacher has no equivalent — AVS's wcall exposes the same short
// string from its C build, so we keep the shape without the tooling).
const libraryVersion = "callcore/1.0"

// LibraryVersion returns the signaling core's short version string (§6).
func LibraryVersion() string { return libraryVersion }

// regMu guards the process-global instance registry (§5 "the process-global
// instance registry is protected by a reader/writer lock"). Hand-over
// ordering: acquire regMu before any Instance's own mu, never the reverse.
var (
	regMu sync.RWMutex
	reg   = make(map[Handle]*Instance)
)

// Create implements `create(userid, clientid, callbacks…) → handle` (§4.4).
// transport delivers backend-routed signaling sends; alloc allocates the
// media flow for each call the instance creates.
func Create(userID, clientID string, cfg config.Config, transport Transport, alloc mediaflow.Allocator, metrics *callmetrics.Registry, cb Callbacks) Handle {
	inst := newInstance(codec.UserClient{UserID: userID, ClientID: clientID}, cfg, transport, alloc, metrics, cb)
	h := nextHandle()
	inst.handle = h

	regMu.Lock()
	reg[h] = inst
	regMu.Unlock()

	if cb.Ready != nil {
		cb.Ready(LibraryVersion())
	}
	return h
}

// Destroy implements `destroy(handle)` (§4.4): ends every call the instance
// owns, drains its timers, and removes it from the registry.
func Destroy(h Handle) {
	regMu.Lock()
	inst, ok := reg[h]
	delete(reg, h)
	regMu.Unlock()
	if !ok {
		return
	}
	inst.shutdown()
}

func lookup(h Handle) (*Instance, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	inst, ok := reg[h]
	return inst, ok
}
