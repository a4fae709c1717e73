package service

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/huddlehq/huddle/internal/core/domain"
	"github.com/huddlehq/huddle/internal/core/port"
)

// RoomService is the relay's room registry: it tracks which participant sits
// behind which gateway, routes inbound envelopes to the media forwarder and
// fans relay announcements out to the rest of a room. It also implements the
// forwarder's sink.
type RoomService struct {
	media port.Forwarder

	mu    sync.Mutex
	rooms map[domain.RoomID]map[domain.ClientID]*participant
}

type participant struct {
	gateway port.ClientGateway
	name    string
}

func NewRoomService(media port.Forwarder) *RoomService {
	s := &RoomService{
		media: media,
		rooms: make(map[domain.RoomID]map[domain.ClientID]*participant),
	}
	media.SetSink(s)
	return s
}

// HandleEnvelope routes one inbound participant message.
func (s *RoomService) HandleEnvelope(env domain.Envelope, gw port.ClientGateway) {
	clientID, err := domain.ParseClientID(env.ClientID)
	if err != nil {
		log.Warn().Str("client_id", env.ClientID).Msg("Envelope with malformed client id")
		return
	}
	roomID, err := domain.ParseRoomID(env.RoomID)
	if err != nil {
		log.Warn().Str("room_id", env.RoomID).Msg("Envelope with malformed room id")
		return
	}

	switch env.Type {
	case domain.EnvelopeJoin:
		var p domain.JoinPayload
		if err := env.DecodePayload(&p); err != nil {
			log.Warn().Err(err).Msg("Malformed join payload")
			return
		}
		s.join(roomID, clientID, p.Name, gw)

	case domain.EnvelopeOffer:
		var p domain.SDPPayload
		if err := env.DecodePayload(&p); err != nil {
			log.Warn().Err(err).Msg("Malformed offer payload")
			return
		}
		if err := s.media.HandleOffer(roomID, clientID, p.SDP); err != nil {
			log.Error().Err(err).Str("client_id", clientID.String()).Msg("Handling renegotiation offer")
		}

	case domain.EnvelopeAnswer:
		var p domain.SDPPayload
		if err := env.DecodePayload(&p); err != nil {
			log.Warn().Err(err).Msg("Malformed answer payload")
			return
		}
		if err := s.media.HandleAnswer(roomID, clientID, p.SDP); err != nil {
			log.Error().Err(err).Str("client_id", clientID.String()).Msg("Handling answer")
		}

	case domain.EnvelopeCandidate:
		var p domain.CandidatePayload
		if err := env.DecodePayload(&p); err != nil {
			log.Warn().Err(err).Msg("Malformed candidate payload")
			return
		}
		if err := s.media.AddCandidate(roomID, clientID, p); err != nil {
			log.Warn().Err(err).Str("client_id", clientID.String()).Msg("Adding candidate")
		}

	case domain.EnvelopePLI:
		s.media.RequestKeyframes(roomID)

	case domain.EnvelopeScreenShareRequest:
		// The stream mapping arrives with the renegotiated description; the
		// request itself is informational.
		log.Info().Str("client_id", clientID.String()).Msg("Screen share requested")

	case domain.EnvelopePeerScreenShareStop:
		var p domain.PeerScreenShareStopPayload
		if err := env.DecodePayload(&p); err != nil {
			log.Warn().Err(err).Msg("Malformed screen share stop payload")
			return
		}
		s.media.StopScreen(roomID, clientID)
		s.broadcast(roomID, clientID, domain.EnvelopePeerScreenShareStop, p)

	case domain.EnvelopeExit:
		var p domain.ExitPayload
		if err := env.DecodePayload(&p); err != nil {
			log.Warn().Err(err).Msg("Malformed exit payload")
		}
		s.exit(roomID, clientID, p.PeerName)

	default:
		log.Warn().Str("type", string(env.Type)).Msg("Unrecognized envelope type")
	}
}

// Disconnected handles a participant whose transport dropped without a
// proper exit.
func (s *RoomService) Disconnected(gw port.ClientGateway) {
	s.mu.Lock()
	var foundRoom domain.RoomID
	var foundID domain.ClientID
	var name string
	found := false
	for roomID, room := range s.rooms {
		for id, p := range room {
			if p.gateway == gw {
				foundRoom, foundID, name = roomID, id, p.name
				found = true
			}
		}
	}
	s.mu.Unlock()

	if found {
		s.exit(foundRoom, foundID, name)
	}
}

// DeliverSignal implements port.ForwarderSink.
func (s *RoomService) DeliverSignal(roomID domain.RoomID, target domain.ClientID, env domain.Envelope) {
	s.mu.Lock()
	p, ok := s.rooms[roomID][target]
	s.mu.Unlock()

	if !ok {
		log.Debug().Str("client_id", target.String()).Msg("Signal for absent participant, dropping")
		return
	}
	if err := p.gateway.Send(env); err != nil {
		log.Warn().Err(err).Str("client_id", target.String()).Msg("Delivering signal")
	}
}

// ScreenPublished implements port.ForwarderSink: announce stream ownership
// to everyone but the owner.
func (s *RoomService) ScreenPublished(roomID domain.RoomID, owner domain.ClientID, streamID string) {
	s.broadcast(roomID, owner, domain.EnvelopePeerScreenShare, domain.PeerScreenSharePayload{
		StreamID: streamID,
		PeerID:   owner.String(),
	})
}

func (s *RoomService) join(roomID domain.RoomID, clientID domain.ClientID, name string, gw port.ClientGateway) {
	s.mu.Lock()
	if _, ok := s.rooms[roomID]; !ok {
		s.rooms[roomID] = make(map[domain.ClientID]*participant)
	}
	s.rooms[roomID][clientID] = &participant{gateway: gw, name: name}
	count := len(s.rooms[roomID])
	s.mu.Unlock()

	log.Info().Str("client_id", clientID.String()).Str("name", name).Int("count", count).Msg("Participant joined room")

	if err := s.media.AddPeer(roomID, clientID); err != nil {
		log.Error().Err(err).Str("client_id", clientID.String()).Msg("Adding media peer")
	}
}

func (s *RoomService) exit(roomID domain.RoomID, clientID domain.ClientID, name string) {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if ok {
		if p, present := room[clientID]; present {
			if name == "" {
				name = p.name
			}
			delete(room, clientID)
		} else {
			ok = false
		}
		if len(room) == 0 {
			delete(s.rooms, roomID)
		}
	}
	s.mu.Unlock()

	if !ok {
		log.Warn().Str("client_id", clientID.String()).Msg("Exit for unknown participant")
		return
	}

	log.Info().Str("client_id", clientID.String()).Str("name", name).Msg("Participant left room")
	s.media.RemovePeer(roomID, clientID)
	s.broadcast(roomID, clientID, domain.EnvelopePeerExit, domain.PeerExitPayload{
		PeerID:   clientID.String(),
		PeerName: name,
	})
}

// broadcast sends one announcement to every participant in the room except
// the subject.
func (s *RoomService) broadcast(roomID domain.RoomID, except domain.ClientID, t domain.EnvelopeType, payload any) {
	s.mu.Lock()
	targets := make(map[domain.ClientID]*participant, len(s.rooms[roomID]))
	for id, p := range s.rooms[roomID] {
		if id != except {
			targets[id] = p
		}
	}
	s.mu.Unlock()

	for id, p := range targets {
		env, err := domain.NewEnvelope(t, id, roomID, payload)
		if err != nil {
			log.Error().Err(err).Str("type", string(t)).Msg("Encoding broadcast envelope")
			continue
		}
		if err := p.gateway.Send(env); err != nil {
			log.Warn().Err(err).Str("client_id", id.String()).Msg("Broadcasting envelope")
		}
	}
}
