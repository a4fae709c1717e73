package domain

import "encoding/json"

type EnvelopeType string

const (
	EnvelopeJoin                EnvelopeType = "join"
	EnvelopeOffer               EnvelopeType = "offer"
	EnvelopeAnswer              EnvelopeType = "answer"
	EnvelopeCandidate           EnvelopeType = "candidate"
	EnvelopeExit                EnvelopeType = "exit"
	EnvelopeScreenShareRequest  EnvelopeType = "screenShareRequest"
	EnvelopePeerScreenShareStop EnvelopeType = "peerScreenShareStop"
	EnvelopePeerExit            EnvelopeType = "peerExit"
	EnvelopePeerScreenShare     EnvelopeType = "peerScreenShare"
	EnvelopePLI                 EnvelopeType = "pli"
)

// Envelope is the wire message exchanged with the relay over the signaling
// channel. Payload shape depends on Type; types with no payload leave it nil.
type Envelope struct {
	Type     EnvelopeType    `json:"type"`
	ClientID string          `json:"clientId"`
	RoomID   string          `json:"roomId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type JoinPayload struct {
	Name string `json:"name"`
}

type ExitPayload struct {
	PeerName string `json:"peerName"`
}

type SDPPayload struct {
	SDP string `json:"sdp"`
}

// CandidatePayload mirrors the standard ICE candidate fields.
type CandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type PeerExitPayload struct {
	PeerID   string `json:"peerId"`
	PeerName string `json:"peerName"`
}

type PeerScreenSharePayload struct {
	StreamID string `json:"streamId"`
	PeerID   string `json:"peerId"`
}

type PeerScreenShareStopPayload struct {
	PeerID string `json:"peerId"`
}

// NewEnvelope builds an envelope for the given session identity. A nil
// payload produces an empty-payload envelope (screenShareRequest, pli).
func NewEnvelope(t EnvelopeType, clientID ClientID, roomID RoomID, payload any) (Envelope, error) {
	env := Envelope{
		Type:     t,
		ClientID: clientID.String(),
		RoomID:   roomID.String(),
	}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = raw
	return env, nil
}

// DecodePayload unmarshals the envelope payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	return json.Unmarshal(e.Payload, dst)
}
