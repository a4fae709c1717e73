package port

import "github.com/huddlehq/huddle/internal/core/domain"

// SessionEvents is the callback surface the consuming application injects at
// construction. It is the session core's only output channel.
type SessionEvents interface {
	OnStatusChange(state domain.LinkState)
	OnRemoteStream(media domain.RemoteMedia)
	OnRemoteStreamEnded()
	OnPeerExit(peerID, peerName string)
	OnPeerScreenShare(peerID string, media domain.RemoteMedia)
	OnPeerScreenShareStop(peerID string)
	OnError(msg string)
}
