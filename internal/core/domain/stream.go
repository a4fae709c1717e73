package domain

import (
	"strings"

	"github.com/google/uuid"
)

// ScreenStreamMarker tags stream ids that carry a screen share. The relay
// republishes screen tracks under "screen-<uuid>"; camera tracks travel under
// the owner's client id.
const ScreenStreamMarker = "screen"

type StreamKind int

const (
	StreamUnknown StreamKind = iota
	StreamCamera
	StreamScreen
)

func (k StreamKind) String() string {
	switch k {
	case StreamCamera:
		return "camera"
	case StreamScreen:
		return "screen"
	default:
		return "unknown"
	}
}

// ClassifyStreamID decides what a stream id identifies: a client-id-shaped
// id is a peer's camera stream, an id containing the screen marker is a
// screen-share candidate, anything else is unclassifiable.
func ClassifyStreamID(id string) StreamKind {
	if IsClientID(id) {
		return StreamCamera
	}
	if strings.Contains(id, ScreenStreamMarker) {
		return StreamScreen
	}
	return StreamUnknown
}

// NewScreenStreamID mints a relay-side stream id for a republished screen
// track.
func NewScreenStreamID() string {
	return ScreenStreamMarker + "-" + uuid.NewString()
}

// RemoteMedia is the handle to an inbound media stream handed to the
// application. *webrtc.TrackRemote satisfies it; tests use lightweight fakes.
type RemoteMedia interface {
	ID() string
	StreamID() string
}
