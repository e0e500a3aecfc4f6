// Package ecall implements the per-call controller (§4.3): it binds an
// econn state machine to a media flow, sequencing asynchronous SDP
// gathering, property sync, restart/recovery and quality reporting.
package ecall

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avscall/callcore/internal/callerr"
	"github.com/avscall/callcore/internal/codec"
	"github.com/avscall/callcore/internal/config"
	"github.com/avscall/callcore/internal/econn"
	"github.com/avscall/callcore/internal/mediaflow"
	"github.com/avscall/callcore/internal/obslog"
)

// Phase is the async SDP gather phase (§4.3).
type Phase int

const (
	PhaseNone Phase = iota
	PhaseOffer
	PhaseAnswer
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "NONE"
	case PhaseOffer:
		return "OFFER"
	case PhaseAnswer:
		return "ANSWER"
	case PhaseComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// Quality is the coarse connection quality bucket (§4.3).
type Quality int

const (
	QualityNormal Quality = iota
	QualityMedium
	QualityPoor
)

func (q Quality) String() string {
	switch q {
	case QualityNormal:
		return "NORMAL"
	case QualityMedium:
		return "MEDIUM"
	case QualityPoor:
		return "POOR"
	default:
		return "UNKNOWN"
	}
}

// Callbacks are the events Ecall raises to its owner (the WCall instance),
// which maps them onto the application-facing callback table (§4.4, §6).
type Callbacks struct {
	Incoming       func(msg codec.Message, video, shouldRing bool)
	Answered       func()
	ChannelEstab   func()
	MediaEstab     func()
	MediaStopped   func()
	Close          func(reason callerr.Reason)
	VState         func(v mediaflow.VideoState)
	ACBR           func(enabled bool)
	NetworkQuality func(q Quality, rtt, uplinkLoss, downlinkLoss float64)
	Restarted      func()
}

// Ecall is the per-call controller (§3 "Ecall").
type Ecall struct {
	mu sync.Mutex

	convid   string
	self     codec.UserClient
	peer     codec.UserClient
	convType config.ConvType
	callType mediaflow.CallType

	update   bool
	answered bool

	localProps  codec.PropertySet
	remoteProps codec.PropertySet

	conn  *econn.Econn
	flow  mediaflow.Flow
	alloc mediaflow.Allocator

	turnServers []mediaflow.TurnServer

	pendingOfferSDP   string
	phase             Phase
	pendingAnswerConn bool

	cfg     config.Config
	retries int

	dcCloseTimer    *time.Timer
	mediaStartTimer *time.Timer
	qualityStop     chan struct{}
	qualityInterval time.Duration

	callStartMs  int64
	answeredMs   int64
	audioSetupMs int64
	callEstabMs  int64

	cb     Callbacks
	sender econn.Sender

	closed bool
}

// New creates an Ecall bound to convid/self/peer, owning a fresh Econn.
// sender delivers backend-routed signaling messages (§4.1); alloc allocates
// the media flow on demand.
func New(convid string, self, peer codec.UserClient, convType config.ConvType, callType mediaflow.CallType,
	cfg config.Config, sender econn.Sender, alloc mediaflow.Allocator, cb Callbacks) *Ecall {

	c := &Ecall{
		convid:      convid,
		self:        self,
		peer:        peer,
		convType:    convType,
		callType:    callType,
		localProps:  codec.PropertySet{},
		remoteProps: codec.PropertySet{},
		cfg:         cfg,
		alloc:       alloc,
		cb:          cb,
		sender:      sender,
	}

	c.conn = econn.New(self, &dcRoutingSender{ecall: c, backend: sender}, econn.Callbacks{
		Conn:         c.onEconnConn,
		Answer:       c.onEconnAnswer,
		ChannelEstab: c.onEconnChannelEstab,
		UpdateReq:    c.onEconnUpdateReq,
		PropSync:     c.onEconnPropSync,
		Close:        c.onEconnClose,
	}, cfg.Timers.Setup, cfg.Timers.Term)
	if !peer.IsZero() {
		c.conn.SetPeer(peer)
	}
	return c
}

// Econn exposes the owned state machine (used by the wcall dispatcher to
// check coarse state without re-deriving it).
func (c *Ecall) Econn() *econn.Econn { return c.conn }

// ConvID returns the owning conversation id.
func (c *Ecall) ConvID() string { return c.convid }

func (c *Ecall) nowMillis() int64 { return time.Now().UnixMilli() }

// maxRetries returns the retry cap for this call's conversation type
// (§4.3: 0 for one-to-one, 2 for group/conference).
func (c *Ecall) maxRetries() int { return c.cfg.MaxRetriesFor(c.convType) }

// Start implements the `start(call_type, cbr)` operation (§4.3): creates
// the flow in the OFFER role and kicks off generate_offer.
func (c *Ecall) Start(ctx context.Context, cbr bool) error {
	c.mu.Lock()
	if c.flow != nil {
		c.mu.Unlock()
		return callerr.New(callerr.EALREADY, "start: flow already allocated")
	}
	c.callStartMs = c.nowMillis()
	c.localProps.Set(codec.PropAudioCBR, boolProp(cbr))
	flow, err := c.allocFlowLocked()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.flow = flow
	c.mu.Unlock()

	c.wireFlowCallbacks(flow)
	return c.generateOffer(ctx)
}

// Answer implements the `answer(call_type, cbr)` operation (§4.3). callType
// overrides whatever maybeCreateCall guessed at inbound-SETUP time — in
// particular, answering FORCED_AUDIO on a call created as CallVideo must
// suppress video state changes from here on (§4.3 "If call_type =
// FORCED_AUDIO, video state changes are suppressed").
func (c *Ecall) Answer(ctx context.Context, callType mediaflow.CallType, cbr bool) error {
	c.mu.Lock()
	if c.conn.State() != econn.StatePendingIncoming {
		c.mu.Unlock()
		return callerr.New(callerr.ENOTSUP, "answer: econn not pending-incoming")
	}
	c.callType = callType
	c.localProps.Set(codec.PropAudioCBR, boolProp(cbr))
	if c.flow == nil {
		flow, err := c.allocFlowLocked()
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.flow = flow
		c.mu.Unlock()
		c.wireFlowCallbacks(flow)
	} else {
		c.mu.Unlock()
	}
	return c.generateOrGatherAnswer(ctx)
}

// End implements the `end()` operation: stop media, hang up via Econn.
func (c *Ecall) End(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	flow := c.flow
	c.mu.Unlock()

	if flow != nil {
		flow.StopMedia()
	}
	return c.conn.End(ctx)
}

// Reject implements the `reject()` operation (§4.4): refuse an incoming
// call without answering, emitting REJECT rather than HANGUP.
func (c *Ecall) Reject(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	flow := c.flow
	c.mu.Unlock()

	if err := c.conn.Reject(ctx); err != nil {
		return err
	}
	if flow != nil {
		flow.StopMedia()
	}
	return nil
}

// Restart implements the `restart(call_type)` operation (§4.3): closes the
// existing flow, allocates a new one in the OFFER role with update=true,
// resets the gather phase, generates a fresh offer as UPDATE(req). Counts
// toward the retry cap.
func (c *Ecall) Restart(ctx context.Context, callType mediaflow.CallType) error {
	c.mu.Lock()
	if !c.conn.State().Connected() {
		c.mu.Unlock()
		return callerr.New(callerr.ENOTSUP, "restart: econn not answered/datachan-established")
	}
	if c.retries >= c.maxRetries() {
		c.mu.Unlock()
		c.closeWithReason(callerr.ETIMEDOUT)
		return callerr.New(callerr.ETIMEDOUT, "restart: retry cap (%d) exceeded", c.maxRetries())
	}
	c.retries++
	if c.flow != nil {
		c.flow.Close()
		c.flow = nil
	}
	c.callType = callType
	c.update = true
	c.phase = PhaseNone

	flow, err := c.allocFlowLocked()
	if err != nil {
		c.mu.Unlock()
		// The old flow is already gone and the retry already counted; leaving
		// the call connected with c.flow == nil strands it, so tear it down
		// rather than returning it to the caller in a half-restarted state.
		c.closeWithReason(callerr.EIO)
		return err
	}
	c.flow = flow
	restarted := c.cb.Restarted
	c.mu.Unlock()

	if restarted != nil {
		restarted()
	}
	c.wireFlowCallbacks(flow)
	return c.generateOffer(ctx)
}

// AddTURNServer implements `add_turnserver(srv)`, bounded at
// config.MaxTurnServers (§3 invariant, §8 S4).
func (c *Ecall) AddTURNServer(srv mediaflow.TurnServer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.turnServers) >= config.MaxTurnServers {
		return callerr.New(callerr.EOVERFLOW, "turn server list full (max %d)", config.MaxTurnServers)
	}
	c.turnServers = append(c.turnServers, srv)
	if c.flow != nil {
		if err := c.flow.AddTURNServer(srv); err != nil {
			return fmt.Errorf("ecall: add turn server: %w", err)
		}
	}
	return nil
}

// SetVideoSendState implements `set_video_send_state(vs)` (§4.3). If the
// call type is FORCED_AUDIO, video changes are suppressed entirely.
func (c *Ecall) SetVideoSendState(ctx context.Context, vs mediaflow.VideoState) error {
	c.mu.Lock()
	if c.callType == mediaflow.CallForcedAudio && vs != mediaflow.VideoStopped {
		c.mu.Unlock()
		return callerr.New(callerr.ENOTSUP, "set_video_send_state: call is forced-audio")
	}

	current, _ := c.localProps.Get(codec.PropVideoSend)
	next := videoStateProp(vs)
	if current == next {
		c.mu.Unlock()
		return nil // idempotent: no duplicate vstate callback (§8 round-trip)
	}
	c.localProps.Set(codec.PropVideoSend, next)
	if c.flow != nil {
		c.flow.SetVideoState(vs)
	}

	escalate := vs != mediaflow.VideoStopped && c.callType == mediaflow.CallNormal && c.conn.State().Connected()
	props := c.localProps.Clone()
	c.mu.Unlock()

	if err := c.conn.SendPropSync(ctx, props, true); err != nil {
		return err
	}
	if escalate {
		return c.Restart(ctx, mediaflow.CallVideo)
	}
	return nil
}

// MediaStart implements `media_start`: acknowledges that the application has
// observed media established, disarming the media-start watchdog (§4.3).
// RTP itself is started by the flow once connected; there is nothing further
// to command here.
func (c *Ecall) MediaStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mediaStartTimer != nil {
		c.mediaStartTimer.Stop()
		c.mediaStartTimer = nil
	}
	c.audioSetupMs = c.nowMillis()
}

// MediaStop implements `media_stop`.
func (c *Ecall) MediaStop() {
	c.mu.Lock()
	flow := c.flow
	c.mu.Unlock()
	if flow != nil {
		flow.StopMedia()
	}
	if c.cb.MediaStopped != nil {
		c.cb.MediaStopped()
	}
}

// SetQualityInterval implements `set_quality_interval(ms)`: (re)arms the
// periodic stats timer.
func (c *Ecall) SetQualityInterval(interval time.Duration) {
	c.mu.Lock()
	if c.qualityStop != nil {
		close(c.qualityStop)
		c.qualityStop = nil
	}
	c.qualityInterval = interval
	if interval <= 0 {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.qualityStop = stop
	c.mu.Unlock()

	go c.qualityLoop(interval, stop)
}

func (c *Ecall) qualityLoop(interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.reportQuality()
		}
	}
}

func (c *Ecall) reportQuality() {
	c.mu.Lock()
	flow := c.flow
	cb := c.cb.NetworkQuality
	c.mu.Unlock()
	if flow == nil || cb == nil {
		return
	}
	stats, err := flow.GetStats()
	if err != nil {
		obslog.For(c.convid).Debug().Err(err).Msg("ecall: get_stats failed")
		return
	}
	cb(classifyQuality(stats), stats.RTTMillis, stats.UplinkLossPercent, stats.DownlinkLossPercent)
}

// classifyQuality implements the §4.3 quality bucket thresholds.
func classifyQuality(s mediaflow.Stats) Quality {
	switch {
	case s.RTTMillis > 800 || s.UplinkLossPercent > 20 || s.DownlinkLossPercent > 20:
		return QualityPoor
	case s.RTTMillis > 400 || s.UplinkLossPercent > 5 || s.DownlinkLossPercent > 5:
		return QualityMedium
	default:
		return QualityNormal
	}
}

// MsgRecv implements `msg_recv` (§4.3 routing): every message is forwarded
// to the owned Econn, which raises PropSync/UpdateReq/etc back to us.
func (c *Ecall) MsgRecv(ctx context.Context, msg codec.Message) error {
	return c.conn.RecvMsg(ctx, msg)
}

func (c *Ecall) onEconnPropSync(msg codec.Message) {
	if err := c.handlePropSync(context.Background(), msg); err != nil {
		obslog.For(c.convid).Warn().Err(err).Msg("ecall: propsync handling failed")
	}
}

func (c *Ecall) handlePropSync(ctx context.Context, msg codec.Message) error {
	c.mu.Lock()
	c.remoteProps = msg.Props.Clone()
	vstate := deriveVideoState(c.remoteProps)
	cbrEnabled := c.cbrEnabledLocked()
	vstateCB := c.cb.VState
	acbrCB := c.cb.ACBR
	suppressed := c.callType == mediaflow.CallForcedAudio
	localProps := c.localProps.Clone()
	c.mu.Unlock()

	if !suppressed && vstateCB != nil {
		vstateCB(vstate)
	}
	if acbrCB != nil {
		acbrCB(cbrEnabled)
	}

	if msg.Request {
		return c.conn.SendPropSync(ctx, localProps, false)
	}
	return nil
}

// deriveVideoState implements the §4.3 remote-props -> video-recv-state
// derivation table.
func deriveVideoState(props codec.PropertySet) mediaflow.VideoState {
	screen, _ := props.Get(codec.PropScreenSend)
	video, _ := props.Get(codec.PropVideoSend)

	switch {
	case screen == codec.PropTrue:
		return mediaflow.VideoScreenShare
	case video == codec.PropTrue:
		return mediaflow.VideoStarted
	case screen == codec.PropPaused:
		return mediaflow.VideoPaused
	case video == codec.PropPaused:
		return mediaflow.VideoPaused
	default:
		return mediaflow.VideoStopped
	}
}

func (c *Ecall) cbrEnabledLocked() bool {
	local, _ := c.localProps.Get(codec.PropAudioCBR)
	remote, _ := c.remoteProps.Get(codec.PropAudioCBR)
	return local == codec.PropTrue && remote == codec.PropTrue
}

func boolProp(b bool) string {
	if b {
		return codec.PropTrue
	}
	return codec.PropFalse
}

func videoStateProp(v mediaflow.VideoState) string {
	switch v {
	case mediaflow.VideoStarted, mediaflow.VideoScreenShare:
		return codec.PropTrue
	case mediaflow.VideoPaused:
		return codec.PropPaused
	default:
		return codec.PropFalse
	}
}

func (c *Ecall) allocFlowLocked() (mediaflow.Flow, error) {
	if c.alloc == nil {
		return nil, callerr.New(callerr.ENOTSUP, "no media flow allocator configured")
	}
	vstate := mediaflow.VideoStopped
	flow, err := c.alloc.Alloc(c.convid, c.convType, c.callType, vstate)
	if err != nil {
		return nil, fmt.Errorf("ecall: alloc flow: %w", err)
	}
	for _, srv := range c.turnServers {
		if err := flow.AddTURNServer(srv); err != nil {
			obslog.For(c.convid).Warn().Err(err).Msg("ecall: re-applying turn server to new flow failed")
		}
	}
	return flow, nil
}

func (c *Ecall) closeWithReason(code callerr.Code) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	flow := c.flow
	c.flow = nil
	if c.mediaStartTimer != nil {
		c.mediaStartTimer.Stop()
	}
	if c.dcCloseTimer != nil {
		c.dcCloseTimer.Stop()
	}
	if c.qualityStop != nil {
		close(c.qualityStop)
		c.qualityStop = nil
	}
	cb := c.cb.Close
	c.mu.Unlock()

	if flow != nil {
		flow.StopMedia()
		flow.Close()
	}
	c.conn.Close(code)
	if cb != nil {
		cb(callerr.ReasonFor(code))
	}
}
