package ecall

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avscall/callcore/internal/callerr"
	"github.com/avscall/callcore/internal/codec"
	"github.com/avscall/callcore/internal/config"
	"github.com/avscall/callcore/internal/mediaflow"
)

// fakeFlow is a deterministic, synchronous stand-in for mediaflow.Flow.
type fakeFlow struct {
	mu             sync.Mutex
	cb             mediaflow.Callbacks
	gathered       bool
	turnCount      int
	offerSDP       string
	answerSDP      string
	offersHandled  []string
	answersHandled []string
	stopMediaCalls int
}

func (f *fakeFlow) SetCallbacks(cb mediaflow.Callbacks) { f.mu.Lock(); f.cb = cb; f.mu.Unlock() }
func (f *fakeFlow) AddTURNServer(mediaflow.TurnServer) error {
	f.mu.Lock()
	f.turnCount++
	f.mu.Unlock()
	return nil
}
func (f *fakeFlow) SetRemoteUserClient(string, string) {}
func (f *fakeFlow) SetVideoState(mediaflow.VideoState)  {}
func (f *fakeFlow) GatherAllTURN(isOffer bool) {
	f.mu.Lock()
	f.gathered = true
	cb := f.cb.Gather
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}
func (f *fakeFlow) IsGathered() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.gathered }
func (f *fakeFlow) HandleOffer(sdp string) error {
	f.mu.Lock()
	f.offersHandled = append(f.offersHandled, sdp)
	f.mu.Unlock()
	return nil
}
func (f *fakeFlow) HandleAnswer(sdp string) error {
	f.mu.Lock()
	f.answersHandled = append(f.answersHandled, sdp)
	f.mu.Unlock()
	return nil
}
func (f *fakeFlow) GenerateOffer() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offerSDP == "" {
		f.offerSDP = "offer-sdp"
	}
	return f.offerSDP, nil
}
func (f *fakeFlow) GenerateAnswer() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.answerSDP == "" {
		f.answerSDP = "answer-sdp"
	}
	return f.answerSDP, nil
}
func (f *fakeFlow) DCSend(data []byte) error             { return nil }
func (f *fakeFlow) StopMedia() {
	f.mu.Lock()
	f.stopMediaCalls++
	f.mu.Unlock()
}
func (f *fakeFlow) Close()                               {}
func (f *fakeFlow) GetStats() (mediaflow.Stats, error)   { return mediaflow.Stats{}, nil }
func (f *fakeFlow) SetAudioCBR(bool)                     {}
func (f *fakeFlow) GetAudioCBR(bool) bool                { return false }
func (f *fakeFlow) EnablePrivacy(bool)                   {}
func (f *fakeFlow) SetE2EEKey(int, [32]byte)             {}

type fakeAllocator struct {
	flows []*fakeFlow
}

func (a *fakeAllocator) Alloc(convid string, convType config.ConvType, callType mediaflow.CallType, vstate mediaflow.VideoState) (mediaflow.Flow, error) {
	f := &fakeFlow{}
	a.flows = append(a.flows, f)
	return f, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []codec.Message
}

func (s *fakeSender) Send(_ context.Context, msg codec.Message) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) last() codec.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

func newTestCall(self, peer codec.UserClient) (*Ecall, *fakeSender, *fakeAllocator) {
	sender := &fakeSender{}
	alloc := &fakeAllocator{}
	cfg := config.Default()
	call := New("c1", self, peer, config.ConvOneOnOne, mediaflow.CallVideo, cfg, sender, alloc, Callbacks{})
	return call, sender, alloc
}

func TestStartEmitsSetupAfterGather(t *testing.T) {
	call, sender, alloc := newTestCall(
		codec.UserClient{UserID: "alice", ClientID: "d1"},
		codec.UserClient{UserID: "bob", ClientID: "d1"},
	)
	_ = alloc

	require.NoError(t, call.Start(context.Background(), true))
	msg := sender.last()
	require.Equal(t, codec.TypeSetup, msg.Type)
	require.True(t, msg.Request)
	require.Equal(t, "offer-sdp", msg.Payload.SDP)
	cbr, _ := msg.Props.Get(codec.PropAudioCBR)
	require.Equal(t, codec.PropTrue, cbr)
}

func TestAddTurnServerOverflow(t *testing.T) {
	call, _, _ := newTestCall(codec.UserClient{UserID: "alice", ClientID: "d1"}, codec.UserClient{})

	for i := 0; i < config.MaxTurnServers; i++ {
		require.NoError(t, call.AddTURNServer(mediaflow.TurnServer{URL: "turn:x"}))
	}
	err := call.AddTURNServer(mediaflow.TurnServer{URL: "turn:overflow"})
	require.Error(t, err)
	cerr, ok := err.(*callerr.Error)
	require.True(t, ok)
	require.Equal(t, callerr.EOVERFLOW, cerr.Code)
	require.Len(t, call.turnServers, config.MaxTurnServers)
}

func TestSetVideoSendStateIsIdempotent(t *testing.T) {
	call, sender, _ := newTestCall(
		codec.UserClient{UserID: "alice", ClientID: "d1"},
		codec.UserClient{UserID: "bob", ClientID: "d1"},
	)
	require.NoError(t, call.Start(context.Background(), false))

	require.NoError(t, call.SetVideoSendState(context.Background(), mediaflow.VideoStarted))
	before := len(sender.sent)
	require.NoError(t, call.SetVideoSendState(context.Background(), mediaflow.VideoStarted))
	require.Equal(t, before, len(sender.sent), "duplicate set_video_send_state must not re-emit PROPSYNC")
}

func TestDeriveVideoStatePrecedence(t *testing.T) {
	props := codec.NewPropertySet()
	props.Set(codec.PropScreenSend, codec.PropTrue)
	props.Set(codec.PropVideoSend, codec.PropTrue)
	require.Equal(t, mediaflow.VideoScreenShare, deriveVideoState(props))

	props2 := codec.NewPropertySet()
	props2.Set(codec.PropVideoSend, codec.PropPaused)
	require.Equal(t, mediaflow.VideoPaused, deriveVideoState(props2))

	props3 := codec.NewPropertySet()
	require.Equal(t, mediaflow.VideoStopped, deriveVideoState(props3))
}

func TestClassifyQualityThresholds(t *testing.T) {
	require.Equal(t, QualityNormal, classifyQuality(mediaflow.Stats{RTTMillis: 100}))
	require.Equal(t, QualityMedium, classifyQuality(mediaflow.Stats{RTTMillis: 500}))
	require.Equal(t, QualityPoor, classifyQuality(mediaflow.Stats{UplinkLossPercent: 25}))
}

func TestRestartRetryCapExceededClosesTimeout(t *testing.T) {
	var closedReason callerr.Reason
	var closedOnce int
	sender := &fakeSender{}
	alloc := &fakeAllocator{}
	cfg := config.Default() // one-to-one => max retries 0
	call := New("c1", codec.UserClient{UserID: "alice", ClientID: "d1"}, codec.UserClient{UserID: "bob", ClientID: "d1"},
		config.ConvOneOnOne, mediaflow.CallVideo, cfg, sender, alloc, Callbacks{
			Close: func(r callerr.Reason) { closedReason = r; closedOnce++ },
		})
	require.NoError(t, call.Start(context.Background(), false))
	require.NoError(t, call.MsgRecv(context.Background(), codec.Message{
		Type: codec.TypeSetup, Request: false,
		Src:     codec.UserClient{UserID: "bob", ClientID: "d1"},
		Payload: codec.Payload{SDP: "remote-answer-sdp"},
	}))
	require.True(t, call.Econn().State().Connected())

	err := call.Restart(context.Background(), mediaflow.CallVideo)
	require.Error(t, err)
	require.Equal(t, callerr.ReasonTimeout, closedReason)
	require.Equal(t, 1, closedOnce)
}

func TestRejectOutOfStateLeavesMediaRunning(t *testing.T) {
	call, _, alloc := newTestCall(codec.UserClient{UserID: "alice", ClientID: "d1"}, codec.UserClient{UserID: "bob", ClientID: "d1"})
	require.NoError(t, call.Start(context.Background(), false))
	require.NoError(t, call.MsgRecv(context.Background(), codec.Message{
		Type: codec.TypeSetup, Request: false,
		Src:     codec.UserClient{UserID: "bob", ClientID: "d1"},
		Payload: codec.Payload{SDP: "remote-answer-sdp"},
	}))
	require.True(t, call.Econn().State().Connected())

	err := call.Reject(context.Background())
	require.Error(t, err, "reject on an already-answered call must fail")

	flow := alloc.flows[len(alloc.flows)-1]
	flow.mu.Lock()
	stopped := flow.stopMediaCalls
	flow.mu.Unlock()
	require.Zero(t, stopped, "a failed Reject must not stop media on an unrelated live call")
}

func TestRestartUpdateRespHandledAsAnswerNotOffer(t *testing.T) {
	sender := &fakeSender{}
	alloc := &fakeAllocator{}
	cfg := config.Default() // group => max retries 2, so Restart doesn't hit the cap
	call := New("c1", codec.UserClient{UserID: "alice", ClientID: "d1"}, codec.UserClient{UserID: "bob", ClientID: "d1"},
		config.ConvGroup, mediaflow.CallVideo, cfg, sender, alloc, Callbacks{})
	require.NoError(t, call.Start(context.Background(), false))
	require.NoError(t, call.MsgRecv(context.Background(), codec.Message{
		Type: codec.TypeSetup, Request: false,
		Src:     codec.UserClient{UserID: "bob", ClientID: "d1"},
		Payload: codec.Payload{SDP: "remote-answer-sdp"},
	}))
	require.True(t, call.Econn().State().Connected())

	require.NoError(t, call.Restart(context.Background(), mediaflow.CallVideo))
	require.True(t, call.update)
	require.Equal(t, 1, call.retries)

	offerMsg := sender.last()
	require.Equal(t, codec.TypeUpdate, offerMsg.Type)
	require.True(t, offerMsg.Request)

	require.NoError(t, call.MsgRecv(context.Background(), codec.Message{
		Type: codec.TypeUpdate, Request: false,
		Src:     codec.UserClient{UserID: "bob", ClientID: "d1"},
		Payload: codec.Payload{SDP: "peer-answer-sdp"},
	}))

	restartedFlow := alloc.flows[len(alloc.flows)-1]
	require.Equal(t, []string{"peer-answer-sdp"}, restartedFlow.answersHandled)
	require.Empty(t, restartedFlow.offersHandled, "UPDATE(resp) must not be routed through HandleOffer")
	require.False(t, call.update)
	require.Equal(t, 0, call.retries)
}

func TestMediaStartDisarmsWatchdog(t *testing.T) {
	call, _, _ := newTestCall(codec.UserClient{UserID: "alice", ClientID: "d1"}, codec.UserClient{UserID: "bob", ClientID: "d1"})
	require.NoError(t, call.Start(context.Background(), false))
	call.onFlowEstab()
	require.NotNil(t, call.mediaStartTimer)
	call.MediaStart()
	require.Nil(t, call.mediaStartTimer)
}

func TestQualityReporterArmsAndDisarms(t *testing.T) {
	call, _, _ := newTestCall(codec.UserClient{UserID: "alice", ClientID: "d1"}, codec.UserClient{})
	call.SetQualityInterval(5 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	call.SetQualityInterval(0)
}
