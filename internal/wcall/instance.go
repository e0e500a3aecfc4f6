package wcall

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/avscall/callcore/internal/callerr"
	"github.com/avscall/callcore/internal/callmetrics"
	"github.com/avscall/callcore/internal/codec"
	"github.com/avscall/callcore/internal/config"
	"github.com/avscall/callcore/internal/ecall"
	"github.com/avscall/callcore/internal/mediaflow"
	"github.com/avscall/callcore/internal/obslog"
	"github.com/avscall/callcore/internal/util"
)

// recentEventsCap bounds the per-instance diagnostic ring buffer (a debug
// aid exposed via DumpRecentEvents, not part of any app-facing callback).
const recentEventsCap = 64

// callEntry is the WCall handle entry (§3 "WCall"): one per call known to
// the application, holding everything the registry needs that the Ecall
// itself doesn't expose directly.
type callEntry struct {
	convid     string
	convType   config.ConvType
	peer       codec.UserClient
	call       *ecall.Ecall
	state      State
	vstate     mediaflow.VideoState
	localClose bool
}

func (e *callEntry) peerUser() string { return e.peer.UserID }

// Instance is one (userid,clientid) login (§3 "Instance"): a registry of
// WCalls keyed by convid, configuration, callback table and mute state.
type Instance struct {
	mu sync.RWMutex

	handle Handle
	self   codec.UserClient

	cfg       config.Config
	transport Transport
	alloc     mediaflow.Allocator
	cb        Callbacks
	metrics   *callmetrics.Registry

	calls map[string]*callEntry
	muted bool

	qualityInterval time.Duration
	events          *util.RingBuffer[string]
}

func newInstance(self codec.UserClient, cfg config.Config, transport Transport, alloc mediaflow.Allocator, metrics *callmetrics.Registry, cb Callbacks) *Instance {
	return &Instance{
		self:      self,
		cfg:       cfg,
		transport: transport,
		alloc:     alloc,
		metrics:   metrics,
		cb:        cb,
		calls:     make(map[string]*callEntry),
		events:    util.NewRingBuffer[string](recentEventsCap),
	}
}

// shutdown ends every outstanding call concurrently and then fires the
// Shutdown callback (§5 "instance teardown"). Destroy calls it after it has
// already removed the instance from the registry.
func (inst *Instance) shutdown() {
	inst.mu.RLock()
	entries := make([]*callEntry, 0, len(inst.calls))
	for _, e := range inst.calls {
		entries = append(entries, e)
	}
	inst.mu.RUnlock()

	ctx := context.Background()
	var g errgroup.Group
	for _, e := range entries {
		e := e
		g.Go(func() error {
			e.call.End(ctx)
			return nil
		})
	}
	_ = g.Wait()
	if inst.cb.Shutdown != nil {
		inst.cb.Shutdown(inst.handle)
	}
}

// instanceSender adapts an Instance's Transport into an econn.Sender bound
// to one convid, encoding via codec.Encode before handing bytes to the app.
// It only ever reaches the backend relay; Ecall wraps it in a
// data-channel-routing sender (ecall.dcRoutingSender) before handing it to
// Econn, so once a flow's channel is up data-channel-eligible message types
// reach here only as a fallback, when the data-channel send fails.
type instanceSender struct {
	inst   *Instance
	convid string
}

func (s *instanceSender) Send(ctx context.Context, msg codec.Message) error {
	data, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	if s.inst.transport == nil {
		return callerr.New(callerr.ENOTSUP, "send: no transport configured")
	}
	s.inst.log("send", msg.Brief())
	return s.inst.transport.Send(ctx, s.convid, msg.Src, msg.Dest, data, msg.Transient)
}

func (inst *Instance) log(kind, brief string) {
	inst.events.Push(kind + ": " + brief)
	obslog.For("").Debug().Str("kind", kind).Str("brief", brief).Msg("wcall: event")
}

// DumpRecentEvents returns the most recent send/recv briefs for diagnostics,
// oldest first.
func (inst *Instance) DumpRecentEvents() []string { return inst.events.Snapshot() }

// setState applies the coarse state transition for convid and notifies the
// application only on an actual change (§4.4 "State changes are only
// signaled on actual transitions").
func (inst *Instance) setState(convid string, s State) {
	inst.mu.Lock()
	entry, ok := inst.calls[convid]
	changed := true
	if ok {
		changed = entry.state != s
		entry.state = s
	}
	inst.mu.Unlock()

	if !changed {
		return
	}
	if inst.cb.State != nil {
		inst.cb.State(convid, s)
	}
}

func (inst *Instance) removeCall(convid string) {
	inst.mu.Lock()
	delete(inst.calls, convid)
	inst.mu.Unlock()
}

// newCallEntryLocked constructs a callEntry and its owned Ecall, wiring
// Ecall's edge-triggered callbacks onto the coarse state machine and the
// application callback table (§4.4). Caller must hold inst.mu.
func (inst *Instance) newCallEntryLocked(convid string, peer codec.UserClient, convType config.ConvType, callType mediaflow.CallType) *callEntry {
	entry := &callEntry{convid: convid, convType: convType, peer: peer}
	sender := &instanceSender{inst: inst, convid: convid}

	cb := ecall.Callbacks{
		Incoming: func(msg codec.Message, video, shouldRing bool) {
			inst.mu.Lock()
			entry.peer = msg.Src
			inst.mu.Unlock()
			inst.setState(convid, StateIncoming)
			if inst.cb.Incoming != nil {
				inst.cb.Incoming(convid, msg.MsgTime, msg.Src.UserID, video, shouldRing)
			}
		},
		Answered: func() {
			inst.setState(convid, StateAnswered)
			if inst.cb.Answered != nil {
				inst.cb.Answered(convid)
			}
		},
		ChannelEstab: func() {
			if inst.cb.DCEstab != nil {
				inst.cb.DCEstab(convid, entry.peerUser())
			}
		},
		MediaEstab: func() {
			inst.setState(convid, StateMediaEstab)
			if inst.metrics != nil {
				inst.metrics.CallsEstablished.Inc()
			}
			if inst.cb.MediaEstab != nil {
				inst.cb.MediaEstab(convid, entry.peerUser())
			}
		},
		MediaStopped: func() {
			if inst.cb.MediaStopped != nil {
				inst.cb.MediaStopped(convid)
			}
		},
		Close: func(reason callerr.Reason) {
			inst.mu.Lock()
			local := entry.localClose
			inst.mu.Unlock()

			term := StateTermRemote
			if local {
				term = StateTermLocal
			}
			inst.setState(convid, term)
			if inst.metrics != nil {
				inst.metrics.CallsClosed.WithLabelValues(string(reason)).Inc()
			}
			inst.removeCall(convid)
			inst.setState(convid, StateNone)
			if inst.cb.Close != nil {
				inst.cb.Close(reason, convid, time.Now().UnixMilli(), entry.peerUser())
			}
		},
		VState: func(v mediaflow.VideoState) {
			inst.mu.Lock()
			entry.vstate = v
			inst.mu.Unlock()
			if inst.cb.VState != nil {
				inst.cb.VState(convid, entry.peerUser(), entry.peer.ClientID, v)
			}
		},
		ACBR: func(enabled bool) {
			if inst.cb.ACBR != nil {
				inst.cb.ACBR(entry.peerUser(), enabled)
			}
		},
		Restarted: func() {
			if inst.metrics != nil {
				inst.metrics.RestartsTotal.WithLabelValues(string(convType)).Inc()
			}
		},
		NetworkQuality: func(q ecall.Quality, rtt, up, dn float64) {
			if inst.metrics != nil {
				inst.metrics.QualitySamples.WithLabelValues(q.String()).Inc()
				inst.metrics.RTTMilliseconds.Observe(rtt)
			}
			if inst.cb.NetworkQuality != nil {
				inst.cb.NetworkQuality(convid, entry.peerUser(), q, rtt, up, dn)
			}
		},
	}

	entry.call = ecall.New(convid, inst.self, peer, convType, callType, inst.cfg, sender, inst.alloc, cb)
	if inst.qualityInterval > 0 {
		entry.call.SetQualityInterval(inst.qualityInterval)
	}
	if inst.metrics != nil {
		inst.metrics.CallsStarted.WithLabelValues(string(convType)).Inc()
	}
	return entry
}
