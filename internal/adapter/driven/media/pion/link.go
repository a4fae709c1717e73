// Package pion adapts pion/webrtc to the media ports: PeerLink drives the
// participant side of the relay negotiation, Forwarder implements the relay
// itself.
package pion

import (
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/huddlehq/huddle/internal/core/domain"
	"github.com/huddlehq/huddle/internal/core/port"
)

// Transceiver layout of the relay's offer: 0 and 1 are the bidirectional
// camera audio/video channels, 2 and 3 (when present) are reserved for this
// participant's own screen video/audio. The order is a wire contract with
// the relay; the indices are recomputed at every inbound offer and never
// carried across negotiation epochs.
const (
	screenVideoIndex = 2
	screenAudioIndex = 3
)

type LinkConfig struct {
	ICEServers []webrtc.ICEServer
}

// PeerLink owns one peer media connection for one participant session.
type PeerLink struct {
	clientID domain.ClientID
	roomID   domain.RoomID
	name     string

	cfg      LinkConfig
	channel  port.SignalingChannel
	events   port.SessionEvents
	onStream func(domain.RemoteMedia)

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	state       domain.LinkState
	answered    bool
	negotiating bool
	pending     bool
	screenVideo *webrtc.RTPSender
	screenAudio *webrtc.RTPSender
}

func NewPeerLink(cfg LinkConfig, clientID domain.ClientID, roomID domain.RoomID, name string,
	channel port.SignalingChannel, events port.SessionEvents, onStream func(domain.RemoteMedia)) *PeerLink {
	return &PeerLink{
		clientID: clientID,
		roomID:   roomID,
		name:     name,
		cfg:      cfg,
		channel:  channel,
		events:   events,
		onStream: onStream,
		state:    domain.LinkInactive,
	}
}

// Connect creates the peer connection, attaches the local camera and
// microphone tracks, registers the connection handlers and announces this
// participant to the relay. The relay answers with an offer through the
// signaling channel.
func (l *PeerLink) Connect(tracks []webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pc != nil {
		return fmt.Errorf("media link already connected")
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: l.cfg.ICEServers})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	for _, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			pc.Close()
			return fmt.Errorf("add local track: %w", err)
		}
		go drainRTCP(sender)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		l.send(domain.EnvelopeCandidate, domain.CandidatePayload{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})

	pc.OnConnectionStateChange(l.onConnectionState)

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		// Ask the sender for a keyframe right away so late joiners do not
		// wait for the next scheduled one.
		if err := pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		}); err != nil {
			log.Debug().Err(err).Msg("Requesting keyframe for new remote track")
		}
		l.send(domain.EnvelopePLI, nil)
		l.onStream(track)
	})

	pc.OnNegotiationNeeded(l.negotiate)

	l.pc = pc
	l.setStateLocked(domain.LinkConnecting)

	l.send(domain.EnvelopeJoin, domain.JoinPayload{Name: l.name})
	return nil
}

// HandleOffer applies a relay offer: set the remote description, rebind the
// screen transceivers from the fresh transceiver list, answer. Local
// renegotiation triggers are honored only after the first answer went out.
func (l *PeerLink) HandleOffer(sdp string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pc == nil {
		return domain.ErrSessionClosed
	}

	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: sdp,
	}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}

	l.bindScreenSendersLocked()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}

	l.send(domain.EnvelopeAnswer, domain.SDPPayload{SDP: answer.SDP})
	l.answered = true

	if l.pending {
		l.pending = false
		go l.negotiate()
	}
	return nil
}

// HandleAnswer completes a locally initiated renegotiation.
func (l *PeerLink) HandleAnswer(sdp string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pc == nil {
		return domain.ErrSessionClosed
	}

	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: sdp,
	}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}

	l.negotiating = false
	if l.pending {
		l.pending = false
		go l.negotiate()
	}
	return nil
}

func (l *PeerLink) AddRemoteCandidate(cand domain.CandidatePayload) error {
	l.mu.Lock()
	pc := l.pc
	l.mu.Unlock()

	if pc == nil {
		return domain.ErrSessionClosed
	}
	return pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

// StartScreenShare puts the screen track on the reserved send-only
// transceiver and tells the relay a share begins. The relay learns the
// stream mapping from the renegotiated description, so no stream id travels
// in the request.
func (l *PeerLink) StartScreenShare(track webrtc.TrackLocal) error {
	l.mu.Lock()

	if l.pc == nil {
		l.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if l.screenVideo == nil {
		l.mu.Unlock()
		log.Error().Msg("Screen share requested but the relay reserved no screen transceivers")
		return domain.ErrScreenShareUnavailable
	}

	if err := l.screenVideo.ReplaceTrack(track); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("replace screen track: %w", err)
	}

	// pion exposes no degradation-preference knob, so favoring resolution
	// over frame rate stays with the relay's encoder defaults.
	log.Debug().Msg("Encoder degradation preference unsupported by transport, using relay defaults")

	l.mu.Unlock()

	l.send(domain.EnvelopeScreenShareRequest, nil)
	l.negotiate()
	return nil
}

// StopScreenShare announces the end of this participant's share. Local
// tracks are stopped by the caller.
func (l *PeerLink) StopScreenShare(id string) error {
	return l.channelSend(domain.EnvelopePeerScreenShareStop, domain.PeerScreenShareStopPayload{PeerID: id})
}

// Disconnect tears the media connection down. Idempotent: a second call is a
// no-op. The signaling channel is left untouched.
func (l *PeerLink) Disconnect() {
	l.mu.Lock()
	if l.state == domain.LinkInactive {
		l.mu.Unlock()
		return
	}

	l.send(domain.EnvelopeExit, domain.ExitPayload{PeerName: l.name})

	pc := l.pc
	l.pc = nil
	l.screenVideo = nil
	l.screenAudio = nil
	l.answered = false
	l.negotiating = false
	l.pending = false
	l.state = domain.LinkInactive
	l.mu.Unlock()

	if pc != nil {
		pc.OnICECandidate(func(*webrtc.ICECandidate) {})
		pc.OnConnectionStateChange(func(webrtc.PeerConnectionState) {})
		pc.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {})
		pc.OnNegotiationNeeded(func() {})
		if err := pc.Close(); err != nil {
			log.Debug().Err(err).Msg("Closing peer connection")
		}
	}

	l.events.OnStatusChange(domain.LinkInactive)
	l.events.OnRemoteStreamEnded()
}

func (l *PeerLink) State() domain.LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// negotiate runs one locally initiated offer/answer round. Exactly one
// round may be in flight; a trigger during a pending round is deferred and
// replayed when the answer lands.
func (l *PeerLink) negotiate() {
	l.mu.Lock()
	if l.pc == nil || !l.answered {
		l.mu.Unlock()
		return
	}
	if l.negotiating {
		l.pending = true
		l.mu.Unlock()
		return
	}
	l.negotiating = true
	pc := l.pc
	l.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}

	l.mu.Lock()
	if l.pc != pc {
		// Disconnected while the offer was being built.
		l.mu.Unlock()
		return
	}
	if err != nil {
		l.negotiating = false
		l.mu.Unlock()
		log.Error().Err(err).Msg("Renegotiation offer failed")
		l.events.OnError("renegotiation failed: " + err.Error())
		return
	}
	l.mu.Unlock()

	l.send(domain.EnvelopeOffer, domain.SDPPayload{SDP: offer.SDP})
}

// bindScreenSendersLocked re-derives the reserved screen senders from the
// current transceiver list. Fewer than four transceivers means the relay did
// not reserve them and screen sharing is disabled for this session.
func (l *PeerLink) bindScreenSendersLocked() {
	l.screenVideo = nil
	l.screenAudio = nil

	trs := l.pc.GetTransceivers()
	if len(trs) <= screenAudioIndex {
		log.Warn().Int("transceivers", len(trs)).Msg("Relay offer has no screen transceivers, screen share disabled")
		return
	}

	video := trs[screenVideoIndex]
	audio := trs[screenAudioIndex]
	if video.Kind() != webrtc.RTPCodecTypeVideo || audio.Kind() != webrtc.RTPCodecTypeAudio {
		log.Warn().
			Str("index2", video.Kind().String()).
			Str("index3", audio.Kind().String()).
			Msg("Unexpected screen transceiver kinds, screen share disabled")
		return
	}

	l.screenVideo = video.Sender()
	l.screenAudio = audio.Sender()
}

func (l *PeerLink) onConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		l.mu.Lock()
		changed := l.state != domain.LinkActive && l.pc != nil
		if changed {
			l.state = domain.LinkActive
		}
		l.mu.Unlock()
		if changed {
			l.events.OnStatusChange(domain.LinkActive)
		}

	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		log.Warn().Str("state", state.String()).Msg("Peer connection ended")
		go l.Disconnect()
	}
}

func (l *PeerLink) setStateLocked(state domain.LinkState) {
	l.state = state
	go l.events.OnStatusChange(state)
}

// send builds and sends an envelope; an unavailable transport drops the
// message with a log line and nothing else.
func (l *PeerLink) send(t domain.EnvelopeType, payload any) {
	if err := l.channelSend(t, payload); err != nil {
		log.Debug().Err(err).Str("type", string(t)).Msg("Envelope not sent")
	}
}

func (l *PeerLink) channelSend(t domain.EnvelopeType, payload any) error {
	env, err := domain.NewEnvelope(t, l.clientID, l.roomID, payload)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", t, err)
	}
	return l.channel.Send(env)
}

// drainRTCP reads and discards sender reports to keep the transport fed.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
