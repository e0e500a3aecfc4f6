package econn

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avscall/callcore/internal/callerr"
	"github.com/avscall/callcore/internal/codec"
	"github.com/avscall/callcore/internal/obslog"
)

// Sender delivers an outbound signaling message. Implementations forward to
// either the backend relay or the data channel depending on
// codec.ExpectedTransport and current econn state (§4.1, §8 invariant 4).
type Sender interface {
	Send(ctx context.Context, msg codec.Message) error
}

// Callbacks are the edge-triggered notifications Econn raises into its
// owner (§4.2 "raise ConnHandler" etc). Every callback runs with the econn
// lock released.
type Callbacks struct {
	Conn         func(msg codec.Message) // reached PENDING_INCOMING
	Answer       func(msg codec.Message) // reached ANSWERED via remote SETUP(resp)
	ChannelEstab func()
	UpdateReq    func(msg codec.Message)
	PropSync     func(msg codec.Message)
	Close        func(code callerr.Code)
}

// Econn is the per-peer signaling state machine (§3, §4.2).
type Econn struct {
	mu sync.Mutex

	self   codec.UserClient
	remote codec.UserClient
	peerSet bool

	state   State
	errCode callerr.Code

	sender Sender
	cb     Callbacks

	setupTimeout time.Duration
	termTimeout  time.Duration
	setupTimer   *time.Timer
	termTimer    *time.Timer

	freed bool
}

// New creates an Econn owned by self, not yet bound to a remote peer.
func New(self codec.UserClient, sender Sender, cb Callbacks, setupTimeout, termTimeout time.Duration) *Econn {
	return &Econn{
		self:         self,
		sender:       sender,
		cb:           cb,
		state:        StateIdle,
		setupTimeout: setupTimeout,
		termTimeout:  termTimeout,
	}
}

// State returns the current state.
func (e *Econn) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ErrCode returns the error code that drove the last TERMINATING transition,
// or callerr.EOK if none.
func (e *Econn) ErrCode() callerr.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errCode
}

// Remote returns the bound remote identity, or the zero value if unset.
func (e *Econn) Remote() codec.UserClient {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote
}

// SetPeer binds the remote identity on first use. A later call naming a
// different identity is logged and dropped (§3 invariant, §9 open question
// resolved against re-assignment).
func (e *Econn) SetPeer(remote codec.UserClient) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.peerSet {
		e.remote = remote
		e.peerSet = true
		return
	}
	if !e.remote.Equal(remote) {
		obslog.L().Warn().
			Str("bound", fmt.Sprintf("%s.%s", e.remote.UserID, e.remote.ClientID)).
			Str("attempted", fmt.Sprintf("%s.%s", remote.UserID, remote.ClientID)).
			Msg("econn: peer re-assignment attempt dropped")
	}
}

// Start implements the local start(sdp,props) transition: IDLE ->
// PENDING_OUTGOING, emitting SETUP(req).
func (e *Econn) Start(ctx context.Context, sdp string, props codec.PropertySet) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return callerr.New(callerr.EALREADY, "start: econn not idle (state=%s)", e.state)
	}
	e.state = StatePendingOutgoing
	e.armSetupTimer()
	e.mu.Unlock()

	return e.emit(ctx, codec.Message{
		Type:    codec.TypeSetup,
		Src:     e.self,
		Dest:    e.remote,
		Request: true,
		Payload: codec.Payload{SDP: sdp},
		Props:   props,
	})
}

// Answer implements the local answer(sdp,props) transition:
// PENDING_INCOMING -> ANSWERED, emitting SETUP(resp).
func (e *Econn) Answer(ctx context.Context, sdp string, props codec.PropertySet) error {
	e.mu.Lock()
	if e.state != StatePendingIncoming {
		e.mu.Unlock()
		return callerr.New(callerr.EALREADY, "answer: econn not pending-incoming (state=%s)", e.state)
	}
	e.state = StateAnswered
	e.stopSetupTimer()
	e.mu.Unlock()

	return e.emit(ctx, codec.Message{
		Type:    codec.TypeSetup,
		Src:     e.self,
		Dest:    e.remote,
		Request: false,
		Payload: codec.Payload{SDP: sdp},
		Props:   props,
	})
}

// SendUpdate implements the local update_req(sdp,props) transition (when
// request is true) or the UPDATE(resp) reply to a received UPDATE(req)
// (when false). Either way the econn state is unchanged (§4.2).
func (e *Econn) SendUpdate(ctx context.Context, sdp string, props codec.PropertySet, request bool) error {
	e.mu.Lock()
	if !e.state.Connected() {
		e.mu.Unlock()
		return callerr.New(callerr.ENOTSUP, "update: econn not connected (state=%s)", e.state)
	}
	e.mu.Unlock()

	return e.emit(ctx, codec.Message{
		Type:    codec.TypeUpdate,
		Src:     e.self,
		Dest:    e.remote,
		Request: request,
		Payload: codec.Payload{SDP: sdp},
		Props:   props,
	})
}

// SendPropSync emits a PROPSYNC carrying props, as a request or a mirrored
// response (§4.3 "a request-form PROPSYNC must be mirrored back").
func (e *Econn) SendPropSync(ctx context.Context, props codec.PropertySet, request bool) error {
	return e.emit(ctx, codec.Message{
		Type:    codec.TypePropSync,
		Src:     e.self,
		Dest:    e.remote,
		Request: request,
		Props:   props,
	})
}

// DataChannelEstablished implements ANSWERED -> DATACHAN_ESTABLISHED.
func (e *Econn) DataChannelEstablished() {
	e.mu.Lock()
	if e.state != StateAnswered {
		e.mu.Unlock()
		return
	}
	e.state = StateDatachanEstablished
	cb := e.cb.ChannelEstab
	e.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// End implements the local end() transition: any state other than IDLE or
// TERMINATING (where End is a no-op) -> HANGUP_SENT -> TERMINATING,
// emitting HANGUP.
func (e *Econn) End(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateTerminating || e.state == StateIdle {
		e.mu.Unlock()
		return nil
	}
	e.state = StateHangupSent
	e.stopSetupTimer()
	e.armTermTimer()
	e.mu.Unlock()

	err := e.emit(ctx, codec.Message{
		Type: codec.TypeHangup,
		Src:  e.self,
		Dest: e.remote,
	})
	e.terminate(callerr.EOK)
	return err
}

// Reject implements the local reject() operation (§4.4 "reject(handle,
// convid)"): PENDING_INCOMING -> TERMINATING, emitting REJECT instead of
// HANGUP so the peer's Econn takes the recvReject same-state path.
func (e *Econn) Reject(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StatePendingIncoming {
		e.mu.Unlock()
		return callerr.New(callerr.ENOTSUP, "reject: econn not pending-incoming (state=%s)", e.state)
	}
	e.mu.Unlock()

	err := e.emit(ctx, codec.Message{
		Type: codec.TypeReject,
		Src:  e.self,
		Dest: e.remote,
	})
	e.terminate(callerr.EOK)
	return err
}

// RecvMsg routes an inbound message according to the current state (§4.2
// transition table). The "own other client" checks compare msg.Src with the
// local identity here at the econn level, whatever the conversation type;
// the wcall layer applies its own oneonone-only same-user handling before
// forwarding.
func (e *Econn) RecvMsg(ctx context.Context, msg codec.Message) error {
	switch msg.Type {
	case codec.TypeSetup:
		return e.recvSetup(ctx, msg)
	case codec.TypeReject:
		return e.recvReject(ctx, msg)
	case codec.TypeUpdate:
		return e.recvUpdate(msg)
	case codec.TypePropSync:
		return e.recvPropSync(ctx, msg)
	case codec.TypeHangup:
		return e.recvHangup(msg)
	case codec.TypeAlert:
		obslog.L().Info().Str("brief", msg.Brief()).Msg("econn: alert received (no-op)")
		return nil
	default:
		obslog.L().Warn().Str("brief", msg.Brief()).Msg("econn: unhandled message type")
		return callerr.New(callerr.EPROTO, "unhandled message type %s", msg.Type)
	}
}

func (e *Econn) recvSetup(ctx context.Context, msg codec.Message) error {
	e.mu.Lock()

	sameUser := strings.EqualFold(msg.Src.UserID, e.self.UserID)
	differentClient := !equalClient(msg.Src, e.self)

	switch {
	case e.state == StateIdle && msg.Request:
		e.remote = msg.Src
		e.peerSet = true
		e.state = StatePendingIncoming
		e.armSetupTimer()
		cb := e.cb.Conn
		e.mu.Unlock()
		if cb != nil {
			cb(msg)
		}
		return nil

	case e.state == StatePendingOutgoing && !msg.Request && sameUser && differentClient:
		e.mu.Unlock()
		e.terminate(callerr.EALREADY)
		return nil

	case e.state == StatePendingOutgoing && msg.Request && !sameUser:
		// Glare (§4.2): both peers independently sent SETUP(req) for this
		// convid before either observed the other's message. IsCreator is
		// the deterministic tie-break both sides compute the same way:
		// whichever identity sorts higher keeps waiting on its own outgoing
		// attempt (ignores the peer's offer, since the peer is about to
		// back off and answer this side's SETUP instead); the other side
		// abandons its attempt and accepts the peer's offer as incoming.
		if IsCreator(e.self.UserID, e.self.ClientID, msg.Src.UserID, msg.Src.ClientID, msg) {
			e.mu.Unlock()
			return nil
		}
		e.remote = msg.Src
		e.peerSet = true
		e.state = StatePendingIncoming
		e.stopSetupTimer()
		e.armSetupTimer()
		cb := e.cb.Conn
		e.mu.Unlock()
		if cb != nil {
			cb(msg)
		}
		return nil

	case e.state == StatePendingOutgoing && !msg.Request:
		if msg.Payload.Reset {
			// Treated the same as an inbound UPDATE with a new SDP (§4.2
			// "reset"): state still moves to ANSWERED, UpdateReq callback
			// carries the fresh offer instead of AnswerHandler.
			e.state = StateAnswered
			e.stopSetupTimer()
			cb := e.cb.UpdateReq
			e.mu.Unlock()
			if cb != nil {
				cb(msg)
			}
			return nil
		}
		e.state = StateAnswered
		e.stopSetupTimer()
		cb := e.cb.Answer
		e.mu.Unlock()
		if cb != nil {
			cb(msg)
		}
		return nil

	default:
		e.mu.Unlock()
		obslog.L().Debug().Str("brief", msg.Brief()).Str("state", e.State().String()).Msg("econn: SETUP dropped, unexpected state")
		return callerr.New(callerr.EPROTO, "unexpected SETUP in state %s", e.State())
	}
}

func (e *Econn) recvReject(ctx context.Context, msg codec.Message) error {
	e.mu.Lock()
	if e.state == StatePendingOutgoing || e.state == StatePendingIncoming {
		e.mu.Unlock()
		e.terminate(callerr.EREMOTE)
		return nil
	}
	e.mu.Unlock()
	return callerr.New(callerr.EPROTO, "unexpected REJECT in state %s", e.State())
}

func (e *Econn) recvUpdate(msg codec.Message) error {
	e.mu.Lock()
	if !e.state.Connected() {
		e.mu.Unlock()
		return callerr.New(callerr.ENOTSUP, "update received while not connected (state=%s)", e.state)
	}
	cb := e.cb.UpdateReq
	e.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
	return nil
}

func (e *Econn) recvPropSync(ctx context.Context, msg codec.Message) error {
	e.mu.Lock()
	cb := e.cb.PropSync
	e.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
	return nil
}

func (e *Econn) recvHangup(msg codec.Message) error {
	e.mu.Lock()
	if e.state == StateTerminating {
		e.mu.Unlock()
		return nil
	}
	e.state = StateHangupRecv
	e.armTermTimer()
	e.mu.Unlock()
	e.terminate(callerr.EOK)
	return nil
}

// terminate moves the econn to TERMINATING, stops the setup and term
// timers, and raises Close exactly once (§7 "never invoke close twice for the same
// call").
func (e *Econn) terminate(code callerr.Code) {
	e.mu.Lock()
	if e.freed {
		e.mu.Unlock()
		return
	}
	e.freed = true
	e.state = StateTerminating
	e.errCode = code
	e.stopSetupTimer()
	e.stopTermTimer()
	cb := e.cb.Close
	e.mu.Unlock()

	if cb != nil {
		cb(code)
	}
}

// Close tears down the econn from the owner's side (e.g. Ecall reacting to a
// fatal media error) without waiting on a further wire message.
func (e *Econn) Close(code callerr.Code) {
	e.terminate(code)
}

func (e *Econn) armSetupTimer() {
	e.stopSetupTimer()
	e.setupTimer = time.AfterFunc(e.setupTimeout, func() {
		e.onSetupTimeout()
	})
}

func (e *Econn) stopSetupTimer() {
	if e.setupTimer != nil {
		e.setupTimer.Stop()
		e.setupTimer = nil
	}
}

func (e *Econn) stopTermTimer() {
	if e.termTimer != nil {
		e.termTimer.Stop()
		e.termTimer = nil
	}
}

// armTermTimer starts the §4.2 "timer: term (default 5s) after hangup"
// safety net. Entering HANGUP_SENT/HANGUP_RECV is normally followed
// synchronously by terminate(EOK), which cancels this timer via
// stopTermTimer; it only fires (with ETIMEDOUT_ECONN) if that teardown is
// ever deferred or gets stuck instead of completing inline.
func (e *Econn) armTermTimer() {
	e.stopTermTimer()
	e.termTimer = time.AfterFunc(e.termTimeout, func() {
		e.onTermTimeout()
	})
}

func (e *Econn) onTermTimeout() {
	e.terminate(callerr.ETIMEDOUTECONN)
}

func (e *Econn) onSetupTimeout() {
	e.mu.Lock()
	if e.state.Connected() || e.state == StateTerminating || e.freed {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.terminate(callerr.ETIMEDOUT)
}

func (e *Econn) emit(ctx context.Context, msg codec.Message) error {
	if e.sender == nil {
		return nil
	}
	if err := e.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("econn: send %s: %w", msg.Type, err)
	}
	return nil
}

func equalClient(a, b codec.UserClient) bool {
	return strings.EqualFold(a.ClientID, b.ClientID)
}
