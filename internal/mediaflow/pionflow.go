package mediaflow

import (
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/avscall/callcore/internal/config"
	"github.com/avscall/callcore/internal/obslog"
)

// PionAllocator allocates PionFlow instances. It is the reference Allocator
// (§6) — a real flow implementation would instead wrap whatever production
// media stack the embedding application already has.
type PionAllocator struct {
	api *webrtc.API
}

// NewPionAllocator builds a webrtc.API with default codecs and
// interceptors registered once, shared by every allocated flow.
func NewPionAllocator() (*PionAllocator, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("mediaflow: register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("mediaflow: register interceptors: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(registry))
	return &PionAllocator{api: api}, nil
}

// Alloc implements Allocator (§6 alloc(convid, conv_type, call_type, vstate)).
func (a *PionAllocator) Alloc(convid string, convType config.ConvType, callType CallType, vstate VideoState) (Flow, error) {
	pc, err := a.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("mediaflow: new peer connection: %w", err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("mediaflow: add audio transceiver: %w", err)
	}
	if callType != CallForcedAudio {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("mediaflow: add video transceiver: %w", err)
		}
	}

	f := &PionFlow{
		convid:   convid,
		pc:       pc,
		callType: callType,
		vstate:   vstate,
	}
	f.wireConnectionCallbacks()
	return f, nil
}

// PionFlow is the reference Flow implementation on top of
// webrtc.PeerConnection — grounded on the teacher's internal/call/session.go
// (Session.externalPC), generalized from a fixed caller/callee Session into
// the Flow interface Ecall drives.
type PionFlow struct {
	convid   string
	callType CallType

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	dc       *webrtc.DataChannel
	cb       Callbacks
	vstate   VideoState
	gathered bool
	cbr      bool
	privacy  bool
}

func (f *PionFlow) wireConnectionCallbacks() {
	f.pc.OnICEGatheringStateChange(func(state webrtc.ICEGathererState) {
		if state != webrtc.ICEGathererStateComplete {
			return
		}
		f.mu.Lock()
		f.gathered = true
		cb := f.cb.Gather
		f.mu.Unlock()
		if cb != nil {
			cb()
		}
	})

	f.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		f.mu.Lock()
		cb := f.cb
		f.mu.Unlock()

		switch state {
		case webrtc.PeerConnectionStateConnected:
			if cb.Estab != nil {
				cb.Estab()
			}
		case webrtc.PeerConnectionStateFailed:
			if cb.Close != nil {
				cb.Close(fmt.Errorf("mediaflow: connection failed"))
			}
		case webrtc.PeerConnectionStateDisconnected:
			if cb.Restart != nil {
				cb.Restart()
			}
		case webrtc.PeerConnectionStateClosed:
			if cb.Stopped != nil {
				cb.Stopped()
			}
		}
	})

	f.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f.mu.Lock()
		f.dc = dc
		cb := f.cb
		f.mu.Unlock()

		dc.OnOpen(func() {
			if cb.ChEstab != nil {
				cb.ChEstab()
			}
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if cb.DCRecv != nil {
				cb.DCRecv(msg.Data)
			}
		})
		dc.OnClose(func() {
			if cb.ChClose != nil {
				cb.ChClose()
			}
		})
	})
}

// SetCallbacks implements Flow.
func (f *PionFlow) SetCallbacks(cb Callbacks) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
}

// AddTURNServer implements Flow.
func (f *PionFlow) AddTURNServer(srv TurnServer) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cfg := f.pc.GetConfiguration()
	cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
		URLs:       []string{srv.URL},
		Username:   srv.Username,
		Credential: srv.Credential,
	})
	if err := f.pc.SetConfiguration(cfg); err != nil {
		return fmt.Errorf("mediaflow: add turn server: %w", err)
	}
	return nil
}

// SetRemoteUserClient implements Flow. The reference flow has no use for
// the remote identity itself — it only routes the signaling traffic, which
// carries the identity separately — so this is bookkeeping only.
func (f *PionFlow) SetRemoteUserClient(userID, clientID string) {
	obslog.For(f.convid).Debug().Str("remote_user", userID).Str("remote_client", clientID).Msg("mediaflow: remote identity bound")
}

// SetVideoState implements Flow.
func (f *PionFlow) SetVideoState(v VideoState) {
	f.mu.Lock()
	f.vstate = v
	f.mu.Unlock()
}

// GatherAllTURN implements Flow: creates the local description (offer or
// answer) which kicks off ICE gathering; completion fires via
// OnICEGatheringStateChange into Callbacks.Gather.
func (f *PionFlow) GatherAllTURN(isOffer bool) {
	f.mu.Lock()
	pc := f.pc
	f.mu.Unlock()

	if isOffer {
		offer, err := pc.CreateOffer(nil)
		if err != nil {
			obslog.For(f.convid).Warn().Err(err).Msg("mediaflow: create offer failed")
			return
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			obslog.For(f.convid).Warn().Err(err).Msg("mediaflow: set local description (offer) failed")
		}
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		obslog.For(f.convid).Warn().Err(err).Msg("mediaflow: create answer failed")
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		obslog.For(f.convid).Warn().Err(err).Msg("mediaflow: set local description (answer) failed")
	}
}

// IsGathered implements Flow.
func (f *PionFlow) IsGathered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gathered
}

// HandleOffer implements Flow.
func (f *PionFlow) HandleOffer(sdp string) error {
	f.mu.Lock()
	pc := f.pc
	f.mu.Unlock()
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("mediaflow: handle offer: %w", err)
	}
	return nil
}

// HandleAnswer implements Flow.
func (f *PionFlow) HandleAnswer(sdp string) error {
	f.mu.Lock()
	pc := f.pc
	f.mu.Unlock()
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("mediaflow: handle answer: %w", err)
	}
	return nil
}

// GenerateOffer implements Flow: returns the (gathered) local offer SDP.
func (f *PionFlow) GenerateOffer() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ld := f.pc.LocalDescription()
	if ld == nil {
		return "", fmt.Errorf("mediaflow: generate offer: no local description set")
	}
	return ld.SDP, nil
}

// GenerateAnswer implements Flow: returns the (gathered) local answer SDP.
func (f *PionFlow) GenerateAnswer() (string, error) {
	return f.GenerateOffer()
}

// DCSend implements Flow.
func (f *PionFlow) DCSend(data []byte) error {
	f.mu.Lock()
	dc := f.dc
	f.mu.Unlock()
	if dc == nil {
		return fmt.Errorf("mediaflow: data channel not established")
	}
	return dc.Send(data)
}

// StopMedia implements Flow. Actual RTP start/stop is out of scope (§1);
// this only logs the request.
func (f *PionFlow) StopMedia() {
	obslog.For(f.convid).Debug().Msg("mediaflow: stop media")
}

// Close implements Flow.
func (f *PionFlow) Close() {
	f.mu.Lock()
	pc := f.pc
	f.mu.Unlock()
	if pc != nil {
		_ = pc.Close()
	}
}

// GetStats implements Flow, deriving an approximate RTT from the selected
// ICE candidate pair. Packet loss requires RTP-level accounting that's out
// of scope (§1); it is reported as 0 by this reference flow.
func (f *PionFlow) GetStats() (Stats, error) {
	f.mu.Lock()
	pc := f.pc
	f.mu.Unlock()

	report := pc.GetStats()
	for _, s := range report {
		if pair, ok := s.(webrtc.ICECandidatePairStats); ok && pair.State == webrtc.StatsICECandidatePairStateSucceeded {
			return Stats{RTTMillis: pair.CurrentRoundTripTime * 1000}, nil
		}
	}
	return Stats{}, nil
}

// SetAudioCBR implements Flow.
func (f *PionFlow) SetAudioCBR(enabled bool) {
	f.mu.Lock()
	f.cbr = enabled
	f.mu.Unlock()
}

// GetAudioCBR implements Flow. includeNegotiated is accepted for interface
// parity with §6 but this reference flow never distinguishes requested from
// negotiated CBR.
func (f *PionFlow) GetAudioCBR(includeNegotiated bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cbr
}

// EnablePrivacy implements Flow. Privacy/E2EE key material is out of scope
// for the signaling core (§1 Non-goals: key exchange); these are bookkeeping
// stubs so callers compiling against the full interface don't need a
// different Flow in production.
func (f *PionFlow) EnablePrivacy(enabled bool) {
	f.mu.Lock()
	f.privacy = enabled
	f.mu.Unlock()
}

// SetE2EEKey implements Flow. See EnablePrivacy.
func (f *PionFlow) SetE2EEKey(idx int, key [32]byte) {}
