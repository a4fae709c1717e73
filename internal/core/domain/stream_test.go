package domain

import "testing"

func TestClassifyStreamID(t *testing.T) {
	cases := []struct {
		id   string
		want StreamKind
	}{
		{NewClientID().String(), StreamCamera},
		{NewScreenStreamID(), StreamScreen},
		{"screen-fixed", StreamScreen},
		{"not-a-stream", StreamUnknown},
		{"", StreamUnknown},
	}

	for _, c := range cases {
		if got := ClassifyStreamID(c.id); got != c.want {
			t.Errorf("ClassifyStreamID(%q) = %s, want %s", c.id, got, c.want)
		}
	}
}

func TestEnvelopeWithoutPayload(t *testing.T) {
	env, err := NewEnvelope(EnvelopePLI, NewClientID(), NewRoomID(), nil)
	if err != nil {
		t.Fatalf("building pli envelope: %v", err)
	}
	if env.Payload != nil {
		t.Fatalf("pli envelope must carry no payload, got %s", env.Payload)
	}
}

func TestEnvelopeCarriesIdentity(t *testing.T) {
	clientID := NewClientID()
	roomID := NewRoomID()

	env, err := NewEnvelope(EnvelopePeerScreenShare, clientID, roomID, PeerScreenSharePayload{
		StreamID: "screen-1", PeerID: clientID.String(),
	})
	if err != nil {
		t.Fatalf("building envelope: %v", err)
	}

	if env.ClientID != clientID.String() || env.RoomID != roomID.String() {
		t.Fatalf("identity mismatch: %s/%s", env.ClientID, env.RoomID)
	}

	var p PeerScreenSharePayload
	if err := env.DecodePayload(&p); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if p.StreamID != "screen-1" {
		t.Fatalf("payload round trip lost stream id: %+v", p)
	}
}
