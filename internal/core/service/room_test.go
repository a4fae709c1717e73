package service

import (
	"testing"

	"github.com/huddlehq/huddle/internal/core/domain"
	"github.com/huddlehq/huddle/internal/core/port"
)

type fakeForwarder struct {
	sink     port.ForwarderSink
	added    []domain.ClientID
	removed  []domain.ClientID
	offers   []string
	answers  []string
	stops    []domain.ClientID
	keyframe int
}

func (f *fakeForwarder) AddPeer(roomID domain.RoomID, clientID domain.ClientID) error {
	f.added = append(f.added, clientID)
	return nil
}

func (f *fakeForwarder) HandleOffer(roomID domain.RoomID, clientID domain.ClientID, sdp string) error {
	f.offers = append(f.offers, sdp)
	return nil
}

func (f *fakeForwarder) HandleAnswer(roomID domain.RoomID, clientID domain.ClientID, sdp string) error {
	f.answers = append(f.answers, sdp)
	return nil
}

func (f *fakeForwarder) AddCandidate(roomID domain.RoomID, clientID domain.ClientID, cand domain.CandidatePayload) error {
	return nil
}

func (f *fakeForwarder) RequestKeyframes(roomID domain.RoomID) { f.keyframe++ }

func (f *fakeForwarder) StopScreen(roomID domain.RoomID, clientID domain.ClientID) {
	f.stops = append(f.stops, clientID)
}

func (f *fakeForwarder) RemovePeer(roomID domain.RoomID, clientID domain.ClientID) {
	f.removed = append(f.removed, clientID)
}

func (f *fakeForwarder) SetSink(sink port.ForwarderSink) { f.sink = sink }

type fakeGateway struct {
	id      string
	sent    []domain.Envelope
	sendErr error
}

func (g *fakeGateway) ID() string { return g.id }

func (g *fakeGateway) Send(env domain.Envelope) error {
	if g.sendErr != nil {
		return g.sendErr
	}
	g.sent = append(g.sent, env)
	return nil
}

func (g *fakeGateway) Close() error { return nil }

func joinEnvelope(t *testing.T, clientID domain.ClientID, roomID domain.RoomID, name string) domain.Envelope {
	t.Helper()
	env, err := domain.NewEnvelope(domain.EnvelopeJoin, clientID, roomID, domain.JoinPayload{Name: name})
	if err != nil {
		t.Fatalf("building join envelope: %v", err)
	}
	return env
}

func TestJoinRegistersMediaPeer(t *testing.T) {
	fwd := &fakeForwarder{}
	rooms := NewRoomService(fwd)

	roomID := domain.NewRoomID()
	clientID := domain.NewClientID()
	gw := &fakeGateway{id: clientID.String()}

	rooms.HandleEnvelope(joinEnvelope(t, clientID, roomID, "alice"), gw)

	if len(fwd.added) != 1 || fwd.added[0] != clientID {
		t.Fatalf("expected media peer for %s, got %v", clientID, fwd.added)
	}
	if fwd.sink == nil {
		t.Fatalf("room service must register itself as the forwarder sink")
	}
}

func TestExitBroadcastsPeerExitOnce(t *testing.T) {
	fwd := &fakeForwarder{}
	rooms := NewRoomService(fwd)

	roomID := domain.NewRoomID()
	alice, bob := domain.NewClientID(), domain.NewClientID()
	aliceGW := &fakeGateway{id: alice.String()}
	bobGW := &fakeGateway{id: bob.String()}

	rooms.HandleEnvelope(joinEnvelope(t, alice, roomID, "alice"), aliceGW)
	rooms.HandleEnvelope(joinEnvelope(t, bob, roomID, "bob"), bobGW)

	exit, err := domain.NewEnvelope(domain.EnvelopeExit, alice, roomID, domain.ExitPayload{PeerName: "alice"})
	if err != nil {
		t.Fatalf("building exit envelope: %v", err)
	}
	rooms.HandleEnvelope(exit, aliceGW)
	rooms.HandleEnvelope(exit, aliceGW) // already gone

	var exits int
	for _, env := range bobGW.sent {
		if env.Type == domain.EnvelopePeerExit {
			exits++
			var p domain.PeerExitPayload
			if err := env.DecodePayload(&p); err != nil {
				t.Fatalf("decoding peerExit payload: %v", err)
			}
			if p.PeerID != alice.String() || p.PeerName != "alice" {
				t.Fatalf("unexpected peerExit payload: %+v", p)
			}
		}
	}
	if exits != 1 {
		t.Fatalf("expected exactly one peerExit broadcast, got %d", exits)
	}
	if len(fwd.removed) != 1 {
		t.Fatalf("expected one media removal, got %v", fwd.removed)
	}
}

func TestScreenPublishedAnnouncesToOthersOnly(t *testing.T) {
	fwd := &fakeForwarder{}
	rooms := NewRoomService(fwd)

	roomID := domain.NewRoomID()
	alice, bob := domain.NewClientID(), domain.NewClientID()
	aliceGW := &fakeGateway{id: alice.String()}
	bobGW := &fakeGateway{id: bob.String()}

	rooms.HandleEnvelope(joinEnvelope(t, alice, roomID, "alice"), aliceGW)
	rooms.HandleEnvelope(joinEnvelope(t, bob, roomID, "bob"), bobGW)

	rooms.ScreenPublished(roomID, alice, "screen-xyz")

	for _, env := range aliceGW.sent {
		if env.Type == domain.EnvelopePeerScreenShare {
			t.Fatalf("owner must not receive their own share announcement")
		}
	}

	var found bool
	for _, env := range bobGW.sent {
		if env.Type == domain.EnvelopePeerScreenShare {
			var p domain.PeerScreenSharePayload
			if err := env.DecodePayload(&p); err != nil {
				t.Fatalf("decoding payload: %v", err)
			}
			if p.StreamID != "screen-xyz" || p.PeerID != alice.String() {
				t.Fatalf("unexpected announcement payload: %+v", p)
			}
			found = true
		}
	}
	if !found {
		t.Fatalf("other participant never received the share announcement")
	}
}

func TestDisconnectedActsAsExit(t *testing.T) {
	fwd := &fakeForwarder{}
	rooms := NewRoomService(fwd)

	roomID := domain.NewRoomID()
	alice, bob := domain.NewClientID(), domain.NewClientID()
	aliceGW := &fakeGateway{id: alice.String()}
	bobGW := &fakeGateway{id: bob.String()}

	rooms.HandleEnvelope(joinEnvelope(t, alice, roomID, "alice"), aliceGW)
	rooms.HandleEnvelope(joinEnvelope(t, bob, roomID, "bob"), bobGW)

	rooms.Disconnected(aliceGW)

	if len(fwd.removed) != 1 || fwd.removed[0] != alice {
		t.Fatalf("dropped transport must remove the media peer, got %v", fwd.removed)
	}

	var exits int
	for _, env := range bobGW.sent {
		if env.Type == domain.EnvelopePeerExit {
			exits++
		}
	}
	if exits != 1 {
		t.Fatalf("expected one peerExit after transport drop, got %d", exits)
	}
}

func TestBroadcastContinuesPastFailingRecipient(t *testing.T) {
	fwd := &fakeForwarder{}
	rooms := NewRoomService(fwd)

	roomID := domain.NewRoomID()
	alice, bob, carol := domain.NewClientID(), domain.NewClientID(), domain.NewClientID()
	aliceGW := &fakeGateway{id: alice.String()}
	bobGW := &fakeGateway{id: bob.String(), sendErr: domain.ErrTransportUnavailable}
	carolGW := &fakeGateway{id: carol.String()}

	rooms.HandleEnvelope(joinEnvelope(t, alice, roomID, "alice"), aliceGW)
	rooms.HandleEnvelope(joinEnvelope(t, bob, roomID, "bob"), bobGW)
	rooms.HandleEnvelope(joinEnvelope(t, carol, roomID, "carol"), carolGW)

	rooms.ScreenPublished(roomID, alice, "screen-xyz")

	var found bool
	for _, env := range carolGW.sent {
		if env.Type == domain.EnvelopePeerScreenShare {
			found = true
		}
	}
	if !found {
		t.Fatalf("a failing recipient must not block delivery to the rest of the room")
	}
}

func TestStopScreenRoutedToForwarderAndPeers(t *testing.T) {
	fwd := &fakeForwarder{}
	rooms := NewRoomService(fwd)

	roomID := domain.NewRoomID()
	alice, bob := domain.NewClientID(), domain.NewClientID()
	aliceGW := &fakeGateway{id: alice.String()}
	bobGW := &fakeGateway{id: bob.String()}

	rooms.HandleEnvelope(joinEnvelope(t, alice, roomID, "alice"), aliceGW)
	rooms.HandleEnvelope(joinEnvelope(t, bob, roomID, "bob"), bobGW)

	stop, err := domain.NewEnvelope(domain.EnvelopePeerScreenShareStop, alice, roomID,
		domain.PeerScreenShareStopPayload{PeerID: alice.String()})
	if err != nil {
		t.Fatalf("building stop envelope: %v", err)
	}
	rooms.HandleEnvelope(stop, aliceGW)

	if len(fwd.stops) != 1 || fwd.stops[0] != alice {
		t.Fatalf("stop not routed to forwarder, got %v", fwd.stops)
	}

	var found bool
	for _, env := range bobGW.sent {
		if env.Type == domain.EnvelopePeerScreenShareStop {
			found = true
		}
	}
	if !found {
		t.Fatalf("stop announcement never reached the other participant")
	}
}
