package ecall

import (
	"context"
	"time"

	"github.com/avscall/callcore/internal/callerr"
	"github.com/avscall/callcore/internal/codec"
	"github.com/avscall/callcore/internal/econn"
	"github.com/avscall/callcore/internal/mediaflow"
	"github.com/avscall/callcore/internal/obslog"
)

// wireFlowCallbacks binds flow's edge-triggered events back into the
// controller (§6 media flow interface).
func (c *Ecall) wireFlowCallbacks(flow mediaflow.Flow) {
	flow.SetCallbacks(mediaflow.Callbacks{
		Estab:    c.onFlowEstab,
		Close:    c.onFlowClose,
		Stopped:  c.onFlowStopped,
		RTPStart: func() {},
		Restart:  c.onFlowRestart,
		Gather:   c.onFlowGather,
		ChEstab:  c.onFlowChEstab,
		DCRecv:   c.onFlowDCRecv,
		ChClose:  c.onFlowChClose,
	})
	if !c.peer.IsZero() {
		flow.SetRemoteUserClient(c.peer.UserID, c.peer.ClientID)
	}
}

// generateOffer implements the OFFER leg of the async gather protocol
// (§4.3): emit immediately if already gathered, else arm phase=OFFER and
// wait for the gather callback.
func (c *Ecall) generateOffer(ctx context.Context) error {
	c.mu.Lock()
	flow := c.flow
	if flow == nil {
		c.mu.Unlock()
		return callerr.New(callerr.ENOTSUP, "generate_offer: no flow allocated")
	}
	if !flow.IsGathered() {
		c.phase = PhaseOffer
		c.mu.Unlock()
		flow.GatherAllTURN(true)
		return nil
	}
	c.phase = PhaseComplete
	c.mu.Unlock()
	return c.emitOffer(ctx, flow)
}

func (c *Ecall) emitOffer(ctx context.Context, flow mediaflow.Flow) error {
	sdp, err := flow.GenerateOffer()
	if err != nil {
		return callerr.New(callerr.EPROTO, "generate_offer: %v", err)
	}
	if len(sdp) > codec.MaxSDPBytes {
		c.closeWithReason(callerr.EPROTO)
		return callerr.New(callerr.EPROTO, "offer SDP exceeds 8KiB")
	}

	c.mu.Lock()
	props := c.localProps.Clone()
	update := c.update
	c.mu.Unlock()

	if update {
		return c.conn.SendUpdate(ctx, sdp, props, true)
	}
	return c.conn.Start(ctx, sdp, props)
}

// generateOrGatherAnswer implements the ANSWER leg (§4.3): feed the pending
// offer to the flow first, then emit immediately if gathered, else arm
// phase=ANSWER and wait for the gather callback.
func (c *Ecall) generateOrGatherAnswer(ctx context.Context) error {
	c.mu.Lock()
	flow := c.flow
	pendingOffer := c.pendingOfferSDP
	c.mu.Unlock()

	if flow == nil {
		return callerr.New(callerr.ENOTSUP, "generate_answer: no flow allocated")
	}
	if pendingOffer != "" {
		if err := flow.HandleOffer(pendingOffer); err != nil {
			c.closeWithReason(callerr.EBADMSG)
			return callerr.New(callerr.EBADMSG, "handle_offer: %v", err)
		}
	}

	if flow.IsGathered() {
		c.mu.Lock()
		c.phase = PhaseComplete
		c.mu.Unlock()
		return c.emitAnswer(ctx, flow)
	}

	c.mu.Lock()
	c.phase = PhaseAnswer
	c.pendingAnswerConn = true
	c.mu.Unlock()
	flow.GatherAllTURN(false)
	return nil
}

func (c *Ecall) emitAnswer(ctx context.Context, flow mediaflow.Flow) error {
	sdp, err := flow.GenerateAnswer()
	if err != nil {
		return callerr.New(callerr.EPROTO, "generate_answer: %v", err)
	}
	if len(sdp) > codec.MaxSDPBytes {
		c.closeWithReason(callerr.EPROTO)
		return callerr.New(callerr.EPROTO, "answer SDP exceeds 8KiB")
	}

	c.mu.Lock()
	props := c.localProps.Clone()
	update := c.update
	c.mu.Unlock()

	if update {
		return c.conn.SendUpdate(ctx, sdp, props, false)
	}
	return c.conn.Answer(ctx, sdp, props)
}

// onFlowGather is the flow's gather-complete callback (§4.3 async phase).
func (c *Ecall) onFlowGather() {
	c.mu.Lock()
	phase := c.phase
	flow := c.flow
	state := c.conn.State()
	c.mu.Unlock()

	if flow == nil {
		return
	}
	switch state {
	case econn.StateTerminating, econn.StateHangupSent, econn.StateHangupRecv:
		return // dropped: gather callback in TERMINATING/HANGUP_* (§4.3)
	}

	switch phase {
	case PhaseOffer:
		c.mu.Lock()
		c.phase = PhaseComplete
		c.mu.Unlock()
		if err := c.emitOffer(context.Background(), flow); err != nil {
			obslog.For(c.convid).Warn().Err(err).Msg("ecall: emit offer after gather failed")
		}
	case PhaseAnswer:
		c.mu.Lock()
		c.phase = PhaseComplete
		c.pendingAnswerConn = false
		c.mu.Unlock()
		if err := c.emitAnswer(context.Background(), flow); err != nil {
			obslog.For(c.convid).Warn().Err(err).Msg("ecall: emit answer after gather failed")
		}
	case PhaseComplete:
		// second gather callback while COMPLETE is a no-op (§4.3).
	}
}

// onFlowEstab fires when the flow reports media established; it arms the
// media-start watchdog (§4.3), disarmed by MediaStart once the application
// acknowledges it observed media flowing.
func (c *Ecall) onFlowEstab() {
	c.mu.Lock()
	if c.mediaStartTimer != nil {
		c.mediaStartTimer.Stop()
	}
	c.mediaStartTimer = time.AfterFunc(c.cfg.Timers.MediaStart, func() {
		c.closeWithReason(callerr.EIO)
	})
	c.mu.Unlock()

	if c.cb.MediaEstab != nil {
		c.cb.MediaEstab()
	}
}

func (c *Ecall) onFlowClose(err error) {
	obslog.For(c.convid).Warn().Err(err).Msg("ecall: flow reported fatal error")
	c.mu.Lock()
	retries := c.retries
	maxRetries := c.maxRetries()
	c.mu.Unlock()

	if retries < maxRetries {
		if rerr := c.Restart(context.Background(), c.callType); rerr != nil {
			obslog.For(c.convid).Warn().Err(rerr).Msg("ecall: restart after flow error failed")
			c.closeWithReason(callerr.EIO)
		}
		return
	}
	c.closeWithReason(callerr.EIO)
}

func (c *Ecall) onFlowStopped() {
	if c.cb.MediaStopped != nil {
		c.cb.MediaStopped()
	}
}

// onFlowRestart is the flow's network-drop restart request (§4.3 trigger b).
func (c *Ecall) onFlowRestart() {
	c.mu.Lock()
	retries := c.retries
	maxRetries := c.maxRetries()
	callType := c.callType
	c.mu.Unlock()

	if retries >= maxRetries {
		c.closeWithReason(callerr.ETIMEDOUT)
		return
	}
	if err := c.Restart(context.Background(), callType); err != nil {
		obslog.For(c.convid).Warn().Err(err).Msg("ecall: flow-triggered restart failed")
	}
}

func (c *Ecall) onFlowChEstab() {
	c.mu.Lock()
	if c.dcCloseTimer != nil {
		c.dcCloseTimer.Stop()
		c.dcCloseTimer = nil
	}
	c.mu.Unlock()
	c.conn.DataChannelEstablished()
}

func (c *Ecall) onFlowDCRecv(data []byte) {
	msg, err := codec.Decode(data, 0, 0)
	if err != nil {
		obslog.For(c.convid).Warn().Err(err).Msg("ecall: malformed data-channel message")
		return
	}
	if err := c.MsgRecv(context.Background(), msg); err != nil {
		obslog.For(c.convid).Debug().Err(err).Str("brief", msg.Brief()).Msg("ecall: data-channel msg_recv failed")
	}
}

func (c *Ecall) onFlowChClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dcCloseTimer != nil {
		return
	}
	c.dcCloseTimer = time.AfterFunc(c.cfg.Timers.DcClose, func() {
		c.closeWithReason(callerr.EDATACHANNEL)
	})
}

// onEconnConn raises the inbound-call notification when the econn reaches
// PENDING_INCOMING from a fresh SETUP(req) (§4.2).
func (c *Ecall) onEconnConn(msg codec.Message) {
	c.mu.Lock()
	c.peer = msg.Src
	c.remoteProps = msg.Props.Clone()
	c.pendingOfferSDP = msg.Payload.SDP
	video := deriveVideoState(c.remoteProps) != mediaflow.VideoStopped
	cb := c.cb.Incoming
	c.mu.Unlock()

	if cb != nil {
		cb(msg, video, true)
	}
}

// onEconnAnswer handles the outgoing call being answered remotely
// (PENDING_OUTGOING -> ANSWERED via SETUP(resp)).
func (c *Ecall) onEconnAnswer(msg codec.Message) {
	c.mu.Lock()
	c.remoteProps = msg.Props.Clone()
	c.answered = true
	c.answeredMs = c.nowMillis()
	flow := c.flow
	cb := c.cb.Answered
	c.mu.Unlock()

	if flow != nil {
		if err := flow.HandleAnswer(msg.Payload.SDP); err != nil {
			obslog.For(c.convid).Warn().Err(err).Msg("ecall: handle_answer failed")
			c.closeWithReason(callerr.EBADMSG)
			return
		}
	}
	if cb != nil {
		cb()
	}
}

// onEconnChannelEstab fires when the data channel comes up; it raises the
// coarse DC_ESTAB event. The media-start watchdog is a separate concern,
// armed off the flow's own "media established" event (onFlowEstab).
func (c *Ecall) onEconnChannelEstab() {
	c.mu.Lock()
	c.callEstabMs = c.nowMillis()
	cbChan := c.cb.ChannelEstab
	c.mu.Unlock()

	if cbChan != nil {
		cbChan()
	}
}

// onEconnUpdateReq handles a received UPDATE message, or a reset SETUP(resp)
// which econn routes the same way (still carrying codec.TypeSetup, not
// TypeUpdate): a request-form UPDATE and a reset SETUP(resp) are both
// inbound offers needing an answer; a response-form UPDATE is the answer to
// an offer this side sent via Restart.
func (c *Ecall) onEconnUpdateReq(msg codec.Message) {
	if msg.Request || msg.Type == codec.TypeSetup {
		c.handleUpdateOffer(msg)
		return
	}
	c.handleUpdateAnswer(msg)
}

func (c *Ecall) handleUpdateOffer(msg codec.Message) {
	c.mu.Lock()
	flow := c.flow
	c.mu.Unlock()
	if flow == nil {
		return
	}

	if err := flow.HandleOffer(msg.Payload.SDP); err != nil {
		obslog.For(c.convid).Warn().Err(err).Msg("ecall: handle_offer (update) failed")
		c.closeWithReason(callerr.EBADMSG)
		return
	}
	sdp, err := flow.GenerateAnswer()
	if err != nil {
		obslog.For(c.convid).Warn().Err(err).Msg("ecall: generate_answer (update) failed")
		return
	}

	c.mu.Lock()
	props := c.localProps.Clone()
	c.mu.Unlock()

	if err := c.conn.SendUpdate(context.Background(), sdp, props, false); err != nil {
		obslog.For(c.convid).Warn().Err(err).Msg("ecall: send update response failed")
	}
}

// handleUpdateAnswer completes the offer leg of a Restart: the peer's
// UPDATE(resp) carries the SDP answer to the offer Restart generated, not a
// fresh offer of its own.
func (c *Ecall) handleUpdateAnswer(msg codec.Message) {
	c.mu.Lock()
	flow := c.flow
	c.mu.Unlock()
	if flow == nil {
		return
	}

	if err := flow.HandleAnswer(msg.Payload.SDP); err != nil {
		obslog.For(c.convid).Warn().Err(err).Msg("ecall: handle_answer (update) failed")
		c.closeWithReason(callerr.EBADMSG)
		return
	}

	c.mu.Lock()
	c.update = false
	c.retries = 0
	c.mu.Unlock()
}

func (c *Ecall) onEconnClose(code callerr.Code) {
	c.closeWithReason(code)
}
