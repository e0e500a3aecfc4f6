// Package wcall is the session registry and dispatcher (§4.4): it exposes
// a handle-based API over one or more Instances, each owning a set of
// Ecalls keyed by conversation id, and demultiplexes inbound messages to
// the right call (creating one under the creator predicate when needed).
package wcall

import "sync/atomic"

// Handle is the opaque value the application holds in place of an Instance
// pointer (§4.4: "opaque 32-bit handles ... so the embedding application
// never sees pointers").
type Handle uint32

// handleMagic is XOR'd into the monotonic counter so handles don't look
// like small sequential integers to callers that might be tempted to treat
// them as array indices.
const handleMagic uint32 = 0x57434c43 // "WCLC"

var handleCounter uint32

func nextHandle() Handle {
	n := atomic.AddUint32(&handleCounter, 1)
	return Handle(n ^ handleMagic)
}
