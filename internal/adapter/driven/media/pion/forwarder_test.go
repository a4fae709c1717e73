package pion

import (
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/huddlehq/huddle/internal/core/domain"
)

type captureSink struct {
	mu        sync.Mutex
	delivered []domain.Envelope
	published []string // "ownerID/streamID"
}

func (s *captureSink) DeliverSignal(roomID domain.RoomID, target domain.ClientID, env domain.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, env)
}

func (s *captureSink) ScreenPublished(roomID domain.RoomID, owner domain.ClientID, streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, owner.String()+"/"+streamID)
}

func (s *captureSink) byType(target domain.ClientID, t domain.EnvelopeType) []domain.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Envelope
	for _, env := range s.delivered {
		if env.Type == t && env.ClientID == target.String() {
			out = append(out, env)
		}
	}
	return out
}

// participantOffer builds a participant-shaped renegotiation offer with the
// screen video at m-line 2, carrying the stream id of the given track.
func participantOffer(t *testing.T, screen webrtc.TrackLocal) string {
	t.Helper()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("peer connection: %v", err)
	}
	defer pc.Close()

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		t.Fatalf("add audio transceiver: %v", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		t.Fatalf("add video transceiver: %v", err)
	}
	if screen != nil {
		if _, err := pc.AddTransceiverFromTrack(screen, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		}); err != nil {
			t.Fatalf("add screen transceiver: %v", err)
		}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	return offer.SDP
}

func TestScreenSourceMsidFromRenegotiatedOffer(t *testing.T) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"screen0", "screen-local")
	if err != nil {
		t.Fatalf("screen track: %v", err)
	}

	msid, ok := screenSourceMsid(participantOffer(t, track))
	if !ok || msid != "screen-local" {
		t.Fatalf("expected msid screen-local from the renegotiated offer, got %q ok=%v", msid, ok)
	}
}

func TestScreenSourceMsidAbsentWithoutShare(t *testing.T) {
	if msid, ok := screenSourceMsid(participantOffer(t, nil)); ok {
		t.Fatalf("offer without a screen section must yield no msid, got %q", msid)
	}
	if _, ok := screenSourceMsid("not an sdp"); ok {
		t.Fatalf("garbage description must yield no msid")
	}
}

func TestScreenSourceMatchesLearnedMsid(t *testing.T) {
	peer := &relayPeer{id: domain.NewClientID()}

	if !peer.screenSource(true, "whatever") {
		t.Fatalf("reserved screen receiver must always classify as screen")
	}
	if peer.screenSource(false, "screen-a") {
		t.Fatalf("nothing learned yet, stream must not classify as screen")
	}

	peer.mu.Lock()
	peer.screenMsid = "screen-a"
	peer.mu.Unlock()

	if !peer.screenSource(false, "screen-a") {
		t.Fatalf("stream matching the learned msid must classify as screen")
	}
	if peer.screenSource(false, "screen-b") {
		t.Fatalf("stream with a different id must not classify as screen")
	}
}

func TestHandleOfferLearnsScreenMsid(t *testing.T) {
	f := NewForwarder()
	sink := &captureSink{}
	f.SetSink(sink)

	roomID := domain.NewRoomID()
	alice := domain.NewClientID()
	if err := f.AddPeer(roomID, alice); err != nil {
		t.Fatalf("add peer: %v", err)
	}
	defer f.RemovePeer(roomID, alice)

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"screen0", "screen-local")
	if err != nil {
		t.Fatalf("screen track: %v", err)
	}

	// The relay only reads the description here; applying it would need a
	// full ICE exchange.
	offer := participantOffer(t, track)
	f.HandleOffer(roomID, alice, offer)

	peer, err := f.peer(roomID, alice)
	if err != nil {
		t.Fatalf("peer lookup: %v", err)
	}
	peer.mu.Lock()
	msid := peer.screenMsid
	peer.mu.Unlock()
	if msid != "screen-local" {
		t.Fatalf("relay did not learn the share source from the offer, got %q", msid)
	}
	if !peer.screenSource(false, "screen-local") {
		t.Fatalf("learned msid must classify the share's tracks as screen")
	}
}

func TestJoinerReceivesActiveShareAnnouncement(t *testing.T) {
	f := NewForwarder()
	sink := &captureSink{}
	f.SetSink(sink)

	roomID := domain.NewRoomID()
	alice, bob := domain.NewClientID(), domain.NewClientID()

	if err := f.AddPeer(roomID, alice); err != nil {
		t.Fatalf("add alice: %v", err)
	}
	defer f.RemovePeer(roomID, alice)

	// Alice's share is already running when bob arrives.
	peer, err := f.peer(roomID, alice)
	if err != nil {
		t.Fatalf("peer lookup: %v", err)
	}
	peer.mu.Lock()
	peer.screenStream = "screen-live"
	peer.mu.Unlock()

	if err := f.AddPeer(roomID, bob); err != nil {
		t.Fatalf("add bob: %v", err)
	}
	defer f.RemovePeer(roomID, bob)

	shares := sink.byType(bob, domain.EnvelopePeerScreenShare)
	if len(shares) != 1 {
		t.Fatalf("late joiner must receive one share announcement, got %d", len(shares))
	}
	var p domain.PeerScreenSharePayload
	if err := shares[0].DecodePayload(&p); err != nil {
		t.Fatalf("decoding announcement: %v", err)
	}
	if p.StreamID != "screen-live" || p.PeerID != alice.String() {
		t.Fatalf("unexpected announcement payload: %+v", p)
	}

	if shares := sink.byType(alice, domain.EnvelopePeerScreenShare); len(shares) != 0 {
		t.Fatalf("existing members must not be re-announced on a join, got %d", len(shares))
	}
}
