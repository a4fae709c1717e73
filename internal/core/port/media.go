package port

import (
	"github.com/pion/webrtc/v4"

	"github.com/huddlehq/huddle/internal/core/domain"
)

// MediaLink owns exactly one peer media connection and drives the
// offer/answer/ICE exchange with the relay. At most one negotiation is in
// flight at a time; a trigger during a pending negotiation is deferred, not
// interleaved. Disconnect is idempotent and never touches the signaling
// channel.
type MediaLink interface {
	Connect(tracks []webrtc.TrackLocal) error
	HandleOffer(sdp string) error
	HandleAnswer(sdp string) error
	AddRemoteCandidate(cand domain.CandidatePayload) error
	StartScreenShare(track webrtc.TrackLocal) error
	StopScreenShare(id string) error
	Disconnect()
	State() domain.LinkState
}

// Forwarder is the relay-side media engine: one peer connection per
// participant, forwarding every participant's tracks to the others.
type Forwarder interface {
	AddPeer(roomID domain.RoomID, clientID domain.ClientID) error
	HandleOffer(roomID domain.RoomID, clientID domain.ClientID, sdp string) error
	HandleAnswer(roomID domain.RoomID, clientID domain.ClientID, sdp string) error
	AddCandidate(roomID domain.RoomID, clientID domain.ClientID, cand domain.CandidatePayload) error
	RequestKeyframes(roomID domain.RoomID)
	StopScreen(roomID domain.RoomID, clientID domain.ClientID)
	RemovePeer(roomID domain.RoomID, clientID domain.ClientID)
	SetSink(sink ForwarderSink)
}

// ForwarderSink receives the forwarder's outbound events: negotiation
// envelopes addressed to one participant and screen publication notices.
type ForwarderSink interface {
	DeliverSignal(roomID domain.RoomID, target domain.ClientID, env domain.Envelope)
	ScreenPublished(roomID domain.RoomID, owner domain.ClientID, streamID string)
}
