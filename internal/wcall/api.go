package wcall

import (
	"context"
	"time"

	"github.com/avscall/callcore/internal/callerr"
	"github.com/avscall/callcore/internal/codec"
	"github.com/avscall/callcore/internal/config"
	"github.com/avscall/callcore/internal/mediaflow"
)

// Start implements `start(handle, convid, call_type, conv_type, cbr)`
// (§4.4): creates the WCall if it doesn't exist yet (the local-originate
// half of the Ecall lifecycle, §3 "Lifecycles"), then starts it.
func Start(h Handle, convid string, callType mediaflow.CallType, convType config.ConvType, cbr bool) error {
	inst, ok := lookup(h)
	if !ok {
		return callerr.New(callerr.EINVAL, "start: unknown handle")
	}

	inst.mu.Lock()
	entry, exists := inst.calls[convid]
	if !exists {
		entry = inst.newCallEntryLocked(convid, codec.UserClient{}, convType, callType)
		inst.calls[convid] = entry
	}
	inst.mu.Unlock()

	if err := entry.call.Start(context.Background(), cbr); err != nil {
		return err
	}
	inst.setState(convid, StateOutgoing)
	return nil
}

// Answer implements `answer(handle, convid, call_type, cbr)` (§4.4).
func Answer(h Handle, convid string, callType mediaflow.CallType, cbr bool) error {
	entry, err := lookupCall(h, convid)
	if err != nil {
		return err
	}
	if err := entry.call.Answer(context.Background(), callType, cbr); err != nil {
		return err
	}
	if inst, ok := lookup(h); ok {
		inst.setState(convid, StateAnswered)
	}
	return nil
}

// End implements `end(handle, convid)` (§4.4).
func End(h Handle, convid string) error {
	entry, err := lookupCall(h, convid)
	if err != nil {
		return err
	}
	// Set before the call: a successful End/Reject tears the call down
	// synchronously, via Ecall's Close callback, before returning here.
	markLocalClose(h, convid)
	if err := entry.call.End(context.Background()); err != nil {
		clearLocalClose(h, convid)
		return err
	}
	return nil
}

// Reject implements `reject(handle, convid)` (§4.4).
func Reject(h Handle, convid string) error {
	entry, err := lookupCall(h, convid)
	if err != nil {
		return err
	}
	markLocalClose(h, convid)
	if err := entry.call.Reject(context.Background()); err != nil {
		clearLocalClose(h, convid)
		return err
	}
	return nil
}

// SetVideoSendState implements `set_video_send_state(handle, convid,
// vstate)` (§4.4, §4.3).
func SetVideoSendState(h Handle, convid string, vstate mediaflow.VideoState) error {
	entry, err := lookupCall(h, convid)
	if err != nil {
		return err
	}
	return entry.call.SetVideoSendState(context.Background(), vstate)
}

// AddTURNServer implements `add_turnserver(handle, convid, srv)` (§6).
func AddTURNServer(h Handle, convid string, srv mediaflow.TurnServer) error {
	entry, err := lookupCall(h, convid)
	if err != nil {
		return err
	}
	return entry.call.AddTURNServer(srv)
}

// SetQualityIntervalForCall implements `set_quality_interval(ms)` (§4.3) for
// one call in progress.
func SetQualityIntervalForCall(h Handle, convid string, interval time.Duration) error {
	entry, err := lookupCall(h, convid)
	if err != nil {
		return err
	}
	entry.call.SetQualityInterval(interval)
	return nil
}

// SetQualityInterval sets the default quality-reporter interval applied to
// every WCall the instance subsequently creates.
func SetQualityInterval(h Handle, interval time.Duration) error {
	inst, ok := lookup(h)
	if !ok {
		return callerr.New(callerr.EINVAL, "set_quality_interval: unknown handle")
	}
	inst.mu.Lock()
	inst.qualityInterval = interval
	inst.mu.Unlock()
	return nil
}

// SetMuted implements the `mute` application setting; it is instance-wide
// (the application mutes its own microphone, not a single call's peer).
func SetMuted(h Handle, muted bool) error {
	inst, ok := lookup(h)
	if !ok {
		return callerr.New(callerr.EINVAL, "set_muted: unknown handle")
	}
	inst.mu.Lock()
	changed := inst.muted != muted
	inst.muted = muted
	inst.mu.Unlock()
	if changed && inst.cb.Mute != nil {
		inst.cb.Mute(muted)
	}
	return nil
}

// GetState implements `get_state(handle, convid)` (§4.4): returns
// StateUnknown (not StateNone) for a convid the instance has never heard
// of, matching the WCall data model's UNKNOWN bucket (§3).
func GetState(h Handle, convid string) State {
	inst, ok := lookup(h)
	if !ok {
		return StateUnknown
	}
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	entry, ok := inst.calls[convid]
	if !ok {
		return StateUnknown
	}
	return entry.state
}

// IterateState implements `iterate_state(handle, fn)` (§4.4): calls fn once
// per known convid with its coarse state, in no particular order.
func IterateState(h Handle, fn func(convid string, state State)) {
	inst, ok := lookup(h)
	if !ok {
		return
	}
	inst.mu.RLock()
	snapshot := make(map[string]State, len(inst.calls))
	for convid, entry := range inst.calls {
		snapshot[convid] = entry.state
	}
	inst.mu.RUnlock()

	for convid, state := range snapshot {
		fn(convid, state)
	}
}

// GetMembers implements `get_members(handle, convid)` (§4.4): the set of
// (userid,clientid) pairs participating in the call — self and the single
// bound peer, since group/conference fan-out beyond one Econn per Ecall is
// out of scope (§1 Non-goals).
func GetMembers(h Handle, convid string) ([]codec.UserClient, error) {
	inst, ok := lookup(h)
	if !ok {
		return nil, callerr.New(callerr.EINVAL, "get_members: unknown handle")
	}
	inst.mu.RLock()
	entry, ok := inst.calls[convid]
	inst.mu.RUnlock()
	if !ok {
		return nil, callerr.New(callerr.EINVAL, "get_members: no call for convid %q", convid)
	}
	members := []codec.UserClient{inst.self}
	if !entry.peer.IsZero() {
		members = append(members, entry.peer)
	}
	return members, nil
}

func lookupCall(h Handle, convid string) (*callEntry, error) {
	inst, ok := lookup(h)
	if !ok {
		return nil, callerr.New(callerr.EINVAL, "unknown handle")
	}
	inst.mu.RLock()
	entry, ok := inst.calls[convid]
	inst.mu.RUnlock()
	if !ok {
		return nil, callerr.New(callerr.EINVAL, "no call for convid %q", convid)
	}
	return entry, nil
}

func markLocalClose(h Handle, convid string) {
	inst, ok := lookup(h)
	if !ok {
		return
	}
	inst.mu.Lock()
	if entry, ok := inst.calls[convid]; ok {
		entry.localClose = true
	}
	inst.mu.Unlock()
}

// clearLocalClose undoes a markLocalClose after End/Reject returns an error
// without actually tearing the call down (e.g. Reject on a call that's no
// longer PENDING_INCOMING), so a later real remote-initiated close isn't
// misattributed as local.
func clearLocalClose(h Handle, convid string) {
	inst, ok := lookup(h)
	if !ok {
		return
	}
	inst.mu.Lock()
	if entry, ok := inst.calls[convid]; ok {
		entry.localClose = false
	}
	inst.mu.Unlock()
}
