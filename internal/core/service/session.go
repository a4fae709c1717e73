package service

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/huddlehq/huddle/internal/core/domain"
	"github.com/huddlehq/huddle/internal/core/port"
)

// LinkFactory builds a fresh media link for one connection epoch. onStream is
// invoked for every remote track the link receives.
type LinkFactory func(onStream func(domain.RemoteMedia)) port.MediaLink

// RoomSession is the top-level session orchestrator for one participant in
// one room. It owns the signaling channel for the whole session, creates a
// media link per connect, routes inbound envelopes, and surfaces everything
// to the application through the injected SessionEvents.
//
// Disconnect is idempotent and always leaves the signaling channel open so a
// later Connect can reuse it; Cleanup tears the channel down too.
type RoomSession struct {
	clientID domain.ClientID
	roomID   domain.RoomID
	name     string

	channel  port.SignalingChannel
	events   port.SessionEvents
	newLink  LinkFactory
	resolver *StreamResolver

	mu     sync.Mutex
	link   port.MediaLink
	exited bool
	gone   map[string]struct{}
	done   chan struct{}
}

func NewRoomSession(clientID domain.ClientID, roomID domain.RoomID, name string,
	channel port.SignalingChannel, events port.SessionEvents, newLink LinkFactory) *RoomSession {
	return &RoomSession{
		clientID: clientID,
		roomID:   roomID,
		name:     name,
		channel:  channel,
		events:   events,
		newLink:  newLink,
		resolver: NewStreamResolver(events),
		exited:   true,
		gone:     make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// InitSignaling opens the signaling transport and starts the single consumer
// loop that processes inbound envelopes for the rest of the session.
func (s *RoomSession) InitSignaling(ctx context.Context) error {
	if err := s.channel.Open(ctx); err != nil {
		return err
	}
	go s.run()
	return nil
}

func (s *RoomSession) run() {
	for {
		select {
		case env, ok := <-s.channel.Incoming():
			if !ok {
				// A draining incoming channel is a transport drop too: the
				// adapter closes it together with the Closed signal and the
				// select may observe either one first.
				s.transportLost()
				return
			}
			s.dispatch(env)

		case <-s.channel.Closed():
			s.transportLost()
			return

		case <-s.done:
			return
		}
	}
}

func (s *RoomSession) transportLost() {
	log.Warn().Msg("Signaling transport closed")
	s.Disconnect()
	s.events.OnError("signaling transport closed")
}

// Connect creates a fresh media link, attaches the local camera/microphone
// tracks and announces this participant to the relay. The relay responds
// with an offer which arrives through the signaling loop.
func (s *RoomSession) Connect(tracks []webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.link != nil && s.link.State() != domain.LinkInactive {
		return domain.ErrAlreadyConnected
	}

	link := s.newLink(s.resolver.OnStream)
	if err := link.Connect(tracks); err != nil {
		return err
	}
	s.link = link
	s.exited = false
	return nil
}

// StartScreenShare hands the screen track to the media link. Fails
// gracefully when the relay did not reserve screen transceivers or no
// connection is active.
func (s *RoomSession) StartScreenShare(track webrtc.TrackLocal) error {
	s.mu.Lock()
	link := s.link
	exited := s.exited
	s.mu.Unlock()

	if exited || link == nil {
		log.Warn().Msg("Screen share requested without an active connection")
		return domain.ErrSessionClosed
	}
	return link.StartScreenShare(track)
}

// StopScreenShare announces that this participant's share with the given id
// ended. Local track teardown is the caller's responsibility.
func (s *RoomSession) StopScreenShare(id string) error {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()

	if link == nil {
		log.Warn().Str("id", id).Msg("Screen share stop without an active connection")
		return domain.ErrSessionClosed
	}
	return link.StopScreenShare(id)
}

// Disconnect tears down the media connection. Safe to call any number of
// times; the signaling channel stays open for a future Connect.
func (s *RoomSession) Disconnect() {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return
	}
	s.exited = true
	link := s.link
	s.link = nil
	// Duplicate suppression is scoped to one connection epoch: a peer that
	// rejoins after the next Connect may exit again.
	s.gone = make(map[string]struct{})
	s.mu.Unlock()

	if link != nil {
		link.Disconnect()
	}
	s.resolver.Reset()
}

// Cleanup ends the session: disconnects the media link, stops the consumer
// loop and closes the signaling transport.
func (s *RoomSession) Cleanup() {
	s.Disconnect()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	if err := s.channel.Close(); err != nil {
		log.Debug().Err(err).Msg("Closing signaling channel")
	}
}

func (s *RoomSession) dispatch(env domain.Envelope) {
	switch env.Type {
	case domain.EnvelopeOffer:
		s.negotiationStep(env, "offer", func(link port.MediaLink, sdp string) error {
			return link.HandleOffer(sdp)
		})

	case domain.EnvelopeAnswer:
		s.negotiationStep(env, "answer", func(link port.MediaLink, sdp string) error {
			return link.HandleAnswer(sdp)
		})

	case domain.EnvelopeCandidate:
		var cand domain.CandidatePayload
		if err := env.DecodePayload(&cand); err != nil {
			log.Warn().Err(err).Msg("Malformed candidate payload")
			return
		}
		s.mu.Lock()
		link := s.link
		s.mu.Unlock()
		if link == nil {
			log.Debug().Msg("Candidate without an active connection, dropping")
			return
		}
		if err := link.AddRemoteCandidate(cand); err != nil {
			log.Warn().Err(err).Msg("Adding remote candidate")
		}

	case domain.EnvelopePeerExit:
		var p domain.PeerExitPayload
		if err := env.DecodePayload(&p); err != nil {
			log.Warn().Err(err).Msg("Malformed peerExit payload")
			return
		}
		s.mu.Lock()
		_, dup := s.gone[p.PeerID]
		if !dup {
			s.gone[p.PeerID] = struct{}{}
		}
		s.mu.Unlock()
		if dup {
			log.Warn().Str("peer_id", p.PeerID).Msg("Duplicate peerExit, already removed")
			return
		}
		s.resolver.OnPeerGone(p.PeerID)
		s.events.OnPeerExit(p.PeerID, p.PeerName)

	case domain.EnvelopePeerScreenShare:
		var p domain.PeerScreenSharePayload
		if err := env.DecodePayload(&p); err != nil {
			log.Warn().Err(err).Msg("Malformed peerScreenShare payload")
			return
		}
		s.resolver.OnOwnership(p.StreamID, p.PeerID)

	case domain.EnvelopePeerScreenShareStop:
		var p domain.PeerScreenShareStopPayload
		if err := env.DecodePayload(&p); err != nil {
			log.Warn().Err(err).Msg("Malformed peerScreenShareStop payload")
			return
		}
		s.resolver.OnStop(p.PeerID)

	default:
		log.Warn().Str("type", string(env.Type)).Msg("Unrecognized envelope type")
	}
}

// negotiationStep applies one offer/answer description to the active link.
// Any negotiation failure is reported through the error callback and forces
// a disconnect; the signaling channel is preserved.
func (s *RoomSession) negotiationStep(env domain.Envelope, kind string, apply func(port.MediaLink, string) error) {
	var p domain.SDPPayload
	if err := env.DecodePayload(&p); err != nil {
		log.Warn().Err(err).Str("kind", kind).Msg("Malformed session description payload")
		return
	}

	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil {
		log.Debug().Str("kind", kind).Msg("Session description without an active connection, dropping")
		return
	}

	if err := apply(link, p.SDP); err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("Negotiation failed")
		s.events.OnError("negotiation failed: " + err.Error())
		s.Disconnect()
	}
}
