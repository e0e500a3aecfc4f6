package wcall

import (
	"context"
	"strings"
	"time"

	"github.com/avscall/callcore/internal/callerr"
	"github.com/avscall/callcore/internal/codec"
	"github.com/avscall/callcore/internal/config"
	"github.com/avscall/callcore/internal/econn"
	"github.com/avscall/callcore/internal/mediaflow"
)

// RecvMsg implements `recv_msg(handle, convid, sender, msg_bytes, curr_time,
// msg_time)` (§4.4): demultiplexes an inbound signaling message to its
// WCall, allocating one under the creator predicate if none exists yet.
func RecvMsg(h Handle, convid string, raw []byte, currTime, msgTime int64) error {
	inst, ok := lookup(h)
	if !ok {
		return callerr.New(callerr.EINVAL, "recv_msg: unknown handle")
	}
	msg, err := codec.Decode(raw, currTime, msgTime)
	if err != nil {
		return callerr.New(callerr.EBADMSG, "recv_msg: %v", err)
	}
	return inst.recvMsg(context.Background(), convid, msg)
}

func sameUser(a, b string) bool { return strings.EqualFold(a, b) }

func (inst *Instance) recvMsg(ctx context.Context, convid string, msg codec.Message) error {
	if msg.Src.Equal(inst.self) {
		return nil // echo of our own outbound message, ignore
	}
	inst.log("recv", msg.Brief())

	inst.mu.Lock()
	entry, ok := inst.calls[convid]
	inst.mu.Unlock()

	if !ok {
		created, err := inst.maybeCreateCall(convid, msg)
		if err != nil {
			return err
		}
		if created == nil {
			return nil // missed or otherwise dropped; already handled
		}
		return created.call.MsgRecv(ctx, msg)
	}

	// §4.4 step 2: a message whose src user equals self, within a oneonone
	// conversation, is a signal from another of this user's own devices.
	if sameUser(msg.Src.UserID, inst.self.UserID) && entry.convType == config.ConvOneOnOne {
		return inst.handleSameUserSignal(ctx, entry, msg)
	}

	return entry.call.MsgRecv(ctx, msg)
}

// maybeCreateCall implements §4.4 step 1: allocate a new WCall for a
// creator-role inbound message, emit `missed` for a stale self-originated
// one, or refuse with EPROTO.
func (inst *Instance) maybeCreateCall(convid string, msg codec.Message) (*callEntry, error) {
	setupTimeoutSeconds := int(inst.cfg.Timers.Setup / time.Second)
	if sameUser(msg.Src.UserID, inst.self.UserID) && msg.Age >= setupTimeoutSeconds {
		if inst.cb.Missed != nil {
			inst.cb.Missed(convid, msg.MsgTime, msg.Src.UserID, videoRequestedIn(msg))
		}
		return nil, nil
	}

	if isCreatorRoleInbound(msg) {
		inst.mu.Lock()
		entry := inst.newCallEntryLocked(convid, msg.Src, convTypeFor(msg.Type), mediaflow.CallVideo)
		inst.calls[convid] = entry
		inst.mu.Unlock()
		return entry, nil
	}

	return nil, callerr.New(callerr.EPROTO, "recv_msg: no call for convid %q (%s)", convid, msg.Brief())
}

// handleSameUserSignal implements the oneonone "own other client" race
// (§4.2 table, §4.4 step 2, §8 scenario S2). Two distinct sub-cases apply:
//
//   - PENDING_OUTGOING: the Econn's own recvSetup already distinguishes
//     the same-user-other-client SETUP(resp) race (§4.2 table), and its
//     recvReject terminates with EREMOTE for any REJECT in this state, so
//     the message is forwarded normally.
//   - PENDING_INCOMING: a remote SETUP(resp)/REJECT here means another of
//     the user's devices answered or declined first; Econn has no
//     transition for this on its own (it's waiting on a *local* answer),
//     so wcall closes it directly to stop local ringing.
//
// Every other state ignores the message, per §4.4 ("all other same-user
// messages are ignored").
func (inst *Instance) handleSameUserSignal(ctx context.Context, entry *callEntry, msg codec.Message) error {
	switch entry.call.Econn().State() {
	case econn.StatePendingOutgoing:
		return entry.call.MsgRecv(ctx, msg)
	case econn.StatePendingIncoming:
		switch {
		case msg.Type == codec.TypeSetup && !msg.Request:
			entry.call.Econn().Close(callerr.EALREADY)
		case msg.Type == codec.TypeReject:
			entry.call.Econn().Close(callerr.EREMOTE)
		}
		return nil
	default:
		return nil
	}
}

// isCreatorRoleInbound reports whether msg is one of the message
// forms that allocates a fresh WCall when no call exists yet for its
// convid (§4.4 step 1).
func isCreatorRoleInbound(msg codec.Message) bool {
	switch msg.Type {
	case codec.TypeSetup, codec.TypeGroupStart, codec.TypeConfStart:
		return msg.Request
	case codec.TypeGroupCheck:
		return !msg.Request
	default:
		return false
	}
}

func convTypeFor(t codec.Type) config.ConvType {
	switch t {
	case codec.TypeGroupStart, codec.TypeGroupCheck:
		return config.ConvGroup
	case codec.TypeConfStart:
		return config.ConvConference
	default:
		return config.ConvOneOnOne
	}
}

// videoRequestedIn reports whether msg's properties advertise an active
// video or screen share send, used to fill the `missed(... video)` callback
// argument (§6).
func videoRequestedIn(msg codec.Message) bool {
	if v, ok := msg.Props.Get(codec.PropVideoSend); ok && v == codec.PropTrue {
		return true
	}
	if v, ok := msg.Props.Get(codec.PropScreenSend); ok && v == codec.PropTrue {
		return true
	}
	return false
}
