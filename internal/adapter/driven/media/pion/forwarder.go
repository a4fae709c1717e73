package pion

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/huddlehq/huddle/internal/core/domain"
	"github.com/huddlehq/huddle/internal/core/port"
)

const keyframeInterval = 3 * time.Second

// Forwarder is the relay-side media engine: one peer connection per
// participant, every participant's tracks forwarded to the others. Each
// offer it produces opens with the fixed transceiver plan the participants
// rely on: camera audio/video at 0/1, the participant's own send-only screen
// video/audio at 2/3, forwarded tracks after that.
type Forwarder struct {
	api *webrtc.API

	mu    sync.Mutex
	rooms map[domain.RoomID]map[domain.ClientID]*relayPeer
	sink  port.ForwarderSink
}

type relayPeer struct {
	id domain.ClientID
	pc *webrtc.PeerConnection

	screenVideoRecv *webrtc.RTPTransceiver
	screenAudioRecv *webrtc.RTPTransceiver

	mu           sync.Mutex
	negotiating  bool
	pending      bool
	remoteTracks []*webrtc.TrackRemote
	published    []forwardedTrack
	screenStream string // republished stream id of this peer's active share
	screenMsid   string // source msid learned from the renegotiated offer
}

type forwardedTrack struct {
	owner    domain.ClientID
	track    *webrtc.TrackLocalStaticRTP
	streamID string
}

func NewForwarder() *Forwarder {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		panic(err)
	}
	return &Forwarder{
		api:   webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		rooms: make(map[domain.RoomID]map[domain.ClientID]*relayPeer),
	}
}

func (f *Forwarder) SetSink(sink port.ForwarderSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
}

// forwarded tracks per room, rebuilt from the peers that own them
func (f *Forwarder) roomTracksLocked(roomID domain.RoomID) []forwardedTrack {
	var out []forwardedTrack
	for _, peer := range f.rooms[roomID] {
		peer.mu.Lock()
		out = append(out, peer.published...)
		peer.mu.Unlock()
	}
	return out
}

// AddPeer creates the participant's peer connection and sends the initial
// offer through the sink.
func (f *Forwarder) AddPeer(roomID domain.RoomID, clientID domain.ClientID) error {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return fmt.Errorf("create relay peer connection: %w", err)
	}

	// Fixed plan: 0 audio sendrecv, 1 video sendrecv, 2 video recvonly,
	// 3 audio recvonly. Indices 2/3 are the participant's screen channels.
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		pc.Close()
		return err
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		pc.Close()
		return err
	}
	screenVideo, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		pc.Close()
		return err
	}
	screenAudio, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		pc.Close()
		return err
	}

	peer := &relayPeer{
		id:              clientID,
		pc:              pc,
		screenVideoRecv: screenVideo,
		screenAudioRecv: screenAudio,
	}

	f.mu.Lock()
	if _, ok := f.rooms[roomID]; !ok {
		f.rooms[roomID] = make(map[domain.ClientID]*relayPeer)
	}
	if stale, ok := f.rooms[roomID][clientID]; ok {
		// Rejoin before the old connection was torn down.
		stale.pc.Close()
	}
	existing := f.roomTracksLocked(roomID)
	// Shares already running in the room: the joiner missed the original
	// ownership announcement and needs its own.
	var shares []domain.PeerScreenSharePayload
	for id, p := range f.rooms[roomID] {
		if id == clientID {
			continue
		}
		p.mu.Lock()
		if p.screenStream != "" {
			shares = append(shares, domain.PeerScreenSharePayload{
				StreamID: p.screenStream,
				PeerID:   id.String(),
			})
		}
		p.mu.Unlock()
	}
	f.rooms[roomID][clientID] = peer
	sink := f.sink
	f.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		f.deliver(sink, roomID, clientID, domain.EnvelopeCandidate, domain.CandidatePayload{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		f.onRemoteTrack(roomID, peer, track, receiver)
	})

	// Forward what the room already carries.
	for _, t := range existing {
		if t.owner == clientID {
			continue
		}
		if _, err := pc.AddTrack(t.track); err != nil {
			log.Error().Err(err).Str("stream_id", t.streamID).Msg("Adding existing track to new peer")
		}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		f.RemovePeer(roomID, clientID)
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		f.RemovePeer(roomID, clientID)
		return fmt.Errorf("set local offer: %w", err)
	}

	f.deliver(sink, roomID, clientID, domain.EnvelopeOffer, domain.SDPPayload{SDP: offer.SDP})

	for _, share := range shares {
		f.deliver(sink, roomID, clientID, domain.EnvelopePeerScreenShare, share)
	}
	return nil
}

// HandleOffer applies a participant's renegotiation offer. The screen msid
// is read out of the description: that is how the relay learns which of the
// participant's streams carries the share.
func (f *Forwarder) HandleOffer(roomID domain.RoomID, clientID domain.ClientID, raw string) error {
	peer, err := f.peer(roomID, clientID)
	if err != nil {
		return err
	}

	if msid, ok := screenSourceMsid(raw); ok {
		peer.mu.Lock()
		peer.screenMsid = msid
		peer.mu.Unlock()
		log.Debug().Str("client_id", clientID.String()).Str("msid", msid).Msg("Screen source learned from renegotiated offer")
	}

	if err := peer.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: raw,
	}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := peer.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := peer.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}

	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	f.deliver(sink, roomID, clientID, domain.EnvelopeAnswer, domain.SDPPayload{SDP: answer.SDP})
	return nil
}

func (f *Forwarder) HandleAnswer(roomID domain.RoomID, clientID domain.ClientID, raw string) error {
	peer, err := f.peer(roomID, clientID)
	if err != nil {
		return err
	}

	if err := peer.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: raw,
	}); err != nil {
		return err
	}

	peer.mu.Lock()
	pending := peer.pending
	peer.pending = false
	peer.negotiating = false
	peer.mu.Unlock()

	if pending {
		go f.renegotiate(roomID, peer)
	}
	return nil
}

func (f *Forwarder) AddCandidate(roomID domain.RoomID, clientID domain.ClientID, cand domain.CandidatePayload) error {
	peer, err := f.peer(roomID, clientID)
	if err != nil {
		return err
	}
	return peer.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

// RequestKeyframes asks every publisher in the room for a fresh keyframe.
func (f *Forwarder) RequestKeyframes(roomID domain.RoomID) {
	f.mu.Lock()
	peers := make([]*relayPeer, 0, len(f.rooms[roomID]))
	for _, p := range f.rooms[roomID] {
		peers = append(peers, p)
	}
	f.mu.Unlock()

	for _, p := range peers {
		p.mu.Lock()
		tracks := append([]*webrtc.TrackRemote(nil), p.remoteTracks...)
		p.mu.Unlock()
		for _, t := range tracks {
			if t.Kind() != webrtc.RTPCodecTypeVideo {
				continue
			}
			if err := p.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(t.SSRC())},
			}); err != nil {
				log.Debug().Err(err).Msg("Requesting keyframe")
			}
		}
	}
}

// StopScreen forgets the peer's share and removes the republished screen
// tracks from every subscriber.
func (f *Forwarder) StopScreen(roomID domain.RoomID, clientID domain.ClientID) {
	peer, err := f.peer(roomID, clientID)
	if err != nil {
		return
	}

	peer.mu.Lock()
	streamID := peer.screenStream
	peer.screenStream = ""
	peer.screenMsid = ""
	var kept []forwardedTrack
	var dropped []*webrtc.TrackLocalStaticRTP
	for _, t := range peer.published {
		if t.streamID == streamID && streamID != "" {
			dropped = append(dropped, t.track)
		} else {
			kept = append(kept, t)
		}
	}
	peer.published = kept
	peer.mu.Unlock()

	if len(dropped) > 0 {
		f.removeFromSubscribers(roomID, clientID, dropped)
	}
}

// RemovePeer closes the participant's connection and withdraws their tracks
// from everyone else.
func (f *Forwarder) RemovePeer(roomID domain.RoomID, clientID domain.ClientID) {
	f.mu.Lock()
	room, ok := f.rooms[roomID]
	if !ok {
		f.mu.Unlock()
		return
	}
	peer, ok := room[clientID]
	if ok {
		delete(room, clientID)
	}
	if len(room) == 0 {
		delete(f.rooms, roomID)
	}
	f.mu.Unlock()

	if !ok {
		return
	}

	peer.mu.Lock()
	var owned []*webrtc.TrackLocalStaticRTP
	for _, t := range peer.published {
		owned = append(owned, t.track)
	}
	peer.published = nil
	peer.mu.Unlock()

	peer.pc.Close()
	f.removeFromSubscribers(roomID, clientID, owned)
}

func (f *Forwarder) onRemoteTrack(roomID domain.RoomID, peer *relayPeer, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	isScreen := peer.screenSource(f.isScreenReceiver(peer, receiver), track.StreamID())

	peer.mu.Lock()
	peer.remoteTracks = append(peer.remoteTracks, track)
	var streamID string
	announce := false
	if isScreen {
		if peer.screenStream == "" {
			peer.screenStream = domain.NewScreenStreamID()
			announce = true
		}
		streamID = peer.screenStream
	} else {
		streamID = peer.id.String()
	}
	peer.mu.Unlock()

	log.Debug().
		Str("client_id", peer.id.String()).
		Str("kind", track.Kind().String()).
		Bool("screen", isScreen).
		Msg("Remote track received")

	local, err := webrtc.NewTrackLocalStaticRTP(track.Codec().RTPCodecCapability, track.ID(), streamID)
	if err != nil {
		log.Error().Err(err).Msg("Creating forwarded track")
		return
	}

	peer.mu.Lock()
	peer.published = append(peer.published, forwardedTrack{owner: peer.id, track: local, streamID: streamID})
	peer.mu.Unlock()

	f.fanOut(roomID, peer.id, local)

	if announce {
		f.mu.Lock()
		sink := f.sink
		f.mu.Unlock()
		if sink != nil {
			sink.ScreenPublished(roomID, peer.id, streamID)
		}
	}

	// Relay loop until the publisher stops sending.
	go func() {
		buf := make([]byte, 1500)
		for {
			n, _, err := track.Read(buf)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Debug().Err(err).Msg("Forward loop ended")
				}
				return
			}
			if _, err := local.Write(buf[:n]); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				return
			}
		}
	}()

	// Keyframe immediately, then on an interval, so new subscribers can
	// start decoding without waiting.
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go func() {
			pli := func() {
				if err := peer.pc.WriteRTCP([]rtcp.Packet{
					&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
				}); err != nil {
					return
				}
			}
			pli()
			ticker := time.NewTicker(keyframeInterval)
			defer ticker.Stop()
			for range ticker.C {
				if peer.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
					return
				}
				pli()
			}
		}()
	}
}

// fanOut adds a freshly republished track to every other peer in the room
// and renegotiates with each of them.
func (f *Forwarder) fanOut(roomID domain.RoomID, owner domain.ClientID, track *webrtc.TrackLocalStaticRTP) {
	f.mu.Lock()
	var others []*relayPeer
	for id, p := range f.rooms[roomID] {
		if id != owner {
			others = append(others, p)
		}
	}
	f.mu.Unlock()

	for _, p := range others {
		if p.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
			continue
		}
		if _, err := p.pc.AddTrack(track); err != nil {
			log.Error().Err(err).Str("client_id", p.id.String()).Msg("Adding forwarded track")
			continue
		}
		go f.renegotiate(roomID, p)
	}
}

func (f *Forwarder) removeFromSubscribers(roomID domain.RoomID, owner domain.ClientID, tracks []*webrtc.TrackLocalStaticRTP) {
	if len(tracks) == 0 {
		return
	}

	f.mu.Lock()
	var others []*relayPeer
	for id, p := range f.rooms[roomID] {
		if id != owner {
			others = append(others, p)
		}
	}
	f.mu.Unlock()

	for _, p := range others {
		if p.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
			continue
		}
		changed := false
		for _, sender := range p.pc.GetSenders() {
			st := sender.Track()
			if st == nil {
				continue
			}
			for _, removed := range tracks {
				if st == removed {
					if err := p.pc.RemoveTrack(sender); err != nil {
						log.Error().Err(err).Str("client_id", p.id.String()).Msg("Removing forwarded track")
					} else {
						changed = true
					}
				}
			}
		}
		if changed {
			go f.renegotiate(roomID, p)
		}
	}
}

// renegotiate sends a fresh offer to one subscriber, deferring if a round is
// already in flight or the signaling state is not stable.
func (f *Forwarder) renegotiate(roomID domain.RoomID, peer *relayPeer) {
	peer.mu.Lock()
	if peer.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		peer.mu.Unlock()
		return
	}
	if peer.negotiating || peer.pc.SignalingState() != webrtc.SignalingStateStable {
		peer.pending = true
		peer.mu.Unlock()
		return
	}
	peer.negotiating = true
	peer.mu.Unlock()

	offer, err := peer.pc.CreateOffer(nil)
	if err == nil {
		err = peer.pc.SetLocalDescription(offer)
	}
	if err != nil {
		peer.mu.Lock()
		peer.negotiating = false
		peer.mu.Unlock()
		log.Error().Err(err).Str("client_id", peer.id.String()).Msg("Relay renegotiation failed")
		return
	}

	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	f.deliver(sink, roomID, peer.id, domain.EnvelopeOffer, domain.SDPPayload{SDP: offer.SDP})
}

// screenSource decides whether a remote track carries the peer's share. A
// track on one of the reserved screen receivers always does; otherwise the
// stream id is matched against the msid learned from the renegotiated offer,
// which covers senders that announce the share on a different m-line. A
// disagreement between the two signals is logged.
func (p *relayPeer) screenSource(onScreenReceiver bool, streamID string) bool {
	p.mu.Lock()
	msid := p.screenMsid
	p.mu.Unlock()

	byMsid := msid != "" && streamID == msid
	if onScreenReceiver && msid != "" && !byMsid {
		log.Warn().
			Str("client_id", p.id.String()).
			Str("stream_id", streamID).
			Str("msid", msid).
			Msg("Screen receiver carries a stream the renegotiated offer did not announce")
	}
	return onScreenReceiver || byMsid
}

func (f *Forwarder) isScreenReceiver(peer *relayPeer, receiver *webrtc.RTPReceiver) bool {
	for _, tr := range peer.pc.GetTransceivers() {
		if tr.Receiver() == receiver {
			return tr == peer.screenVideoRecv || tr == peer.screenAudioRecv
		}
	}
	return false
}

func (f *Forwarder) peer(roomID domain.RoomID, clientID domain.ClientID) (*relayPeer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("unknown room %s", roomID)
	}
	peer, ok := room[clientID]
	if !ok {
		return nil, fmt.Errorf("unknown peer %s", clientID)
	}
	return peer, nil
}

func (f *Forwarder) deliver(sink port.ForwarderSink, roomID domain.RoomID, target domain.ClientID, t domain.EnvelopeType, payload any) {
	if sink == nil {
		log.Warn().Str("type", string(t)).Msg("No sink configured, dropping relay signal")
		return
	}
	env, err := domain.NewEnvelope(t, target, roomID, payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("Encoding relay envelope")
		return
	}
	sink.DeliverSignal(roomID, target, env)
}

// screenSourceMsid pulls the msid of the screen video section (index 2) out
// of a session description, if that section announces one.
func screenSourceMsid(raw string) (string, bool) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		log.Warn().Err(err).Msg("Unparseable session description")
		return "", false
	}
	if len(desc.MediaDescriptions) <= screenVideoIndex {
		return "", false
	}
	msid, ok := desc.MediaDescriptions[screenVideoIndex].Attribute("msid")
	if !ok {
		return "", false
	}
	if i := strings.IndexByte(msid, ' '); i > 0 {
		msid = msid[:i]
	}
	return msid, true
}
