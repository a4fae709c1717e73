package service

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/huddlehq/huddle/internal/core/domain"
	"github.com/huddlehq/huddle/internal/core/port"
)

// StreamResolver reconciles two independently timed facts about a screen
// share: the media stream arriving on the peer connection and the relay's
// announcement of which peer owns that stream id. Whichever fact arrives
// first is buffered; the second completes the correlation and fires the
// screen-share callback at most once per (peer, stream) pair. Camera streams
// need no correlation because their stream id is the owner's client id.
type StreamResolver struct {
	events port.SessionEvents

	mu             sync.Mutex
	pendingStreams map[string]domain.RemoteMedia // streamID -> stream, owner not yet announced
	pendingOwners  map[string]string             // streamID -> peerID, stream not yet arrived
	activeShares   map[string]string             // peerID -> streamID
	fired          map[string]struct{}           // peerID+"/"+streamID pairs already announced
}

func NewStreamResolver(events port.SessionEvents) *StreamResolver {
	return &StreamResolver{
		events:         events,
		pendingStreams: make(map[string]domain.RemoteMedia),
		pendingOwners:  make(map[string]string),
		activeShares:   make(map[string]string),
		fired:          make(map[string]struct{}),
	}
}

// OnStream classifies an inbound stream by its identifier and either hands it
// to the application directly (camera), correlates or buffers it (screen),
// or discards it (unclassifiable).
func (r *StreamResolver) OnStream(media domain.RemoteMedia) {
	id := media.StreamID()

	switch domain.ClassifyStreamID(id) {
	case domain.StreamCamera:
		r.events.OnRemoteStream(media)

	case domain.StreamScreen:
		r.mu.Lock()
		owner, ok := r.pendingOwners[id]
		if ok {
			delete(r.pendingOwners, id)
		} else {
			r.pendingStreams[id] = media
		}
		r.mu.Unlock()

		if ok {
			r.fireShare(owner, media)
		} else {
			log.Debug().Str("stream_id", id).Msg("Screen stream buffered, owner not yet announced")
		}

	default:
		log.Warn().Str("stream_id", id).Msg("Unclassifiable stream identifier, discarding")
	}
}

// OnOwnership records that peerID owns streamID. If the stream already
// arrived the correlation completes immediately, otherwise the announcement
// waits for it.
func (r *StreamResolver) OnOwnership(streamID, peerID string) {
	r.mu.Lock()
	media, ok := r.pendingStreams[streamID]
	if ok {
		delete(r.pendingStreams, streamID)
	} else {
		r.pendingOwners[streamID] = peerID
	}
	r.mu.Unlock()

	if ok {
		r.fireShare(peerID, media)
	} else {
		log.Debug().Str("stream_id", streamID).Str("peer_id", peerID).Msg("Ownership buffered, stream not yet arrived")
	}
}

// OnStop handles a stop announcement for peerID's share. A share that starts
// and stops before correlation ever completes produces no callback at all:
// the buffered half is dropped silently. Stopping an active share fires the
// stopped callback; stopping nothing is a logged inconsistency.
func (r *StreamResolver) OnStop(peerID string) {
	r.mu.Lock()
	removed := false
	for sid, owner := range r.pendingOwners {
		if owner == peerID {
			delete(r.pendingOwners, sid)
			delete(r.pendingStreams, sid)
			removed = true
		}
	}

	if removed {
		r.mu.Unlock()
		log.Debug().Str("peer_id", peerID).Msg("Share stopped before correlation completed")
		return
	}

	_, active := r.activeShares[peerID]
	if active {
		delete(r.activeShares, peerID)
	}
	r.mu.Unlock()

	if active {
		r.events.OnPeerScreenShareStop(peerID)
		return
	}
	log.Warn().Str("peer_id", peerID).Msg("Stop announcement without active or buffered share")
}

// OnPeerGone drops every buffered entry attributable to a departed peer.
func (r *StreamResolver) OnPeerGone(peerID string) {
	r.mu.Lock()
	for sid, owner := range r.pendingOwners {
		if owner == peerID {
			delete(r.pendingOwners, sid)
			delete(r.pendingStreams, sid)
		}
	}
	delete(r.activeShares, peerID)
	r.mu.Unlock()
}

// Reset clears all correlation state, the announcement dedup included: the
// at-most-once guarantee is per correlation, and a share that is still live
// after a reconnect gets re-announced and must fire again.
func (r *StreamResolver) Reset() {
	r.mu.Lock()
	r.pendingStreams = make(map[string]domain.RemoteMedia)
	r.pendingOwners = make(map[string]string)
	r.activeShares = make(map[string]string)
	r.fired = make(map[string]struct{})
	r.mu.Unlock()
}

func (r *StreamResolver) fireShare(peerID string, media domain.RemoteMedia) {
	key := peerID + "/" + media.StreamID()

	r.mu.Lock()
	if _, dup := r.fired[key]; dup {
		r.mu.Unlock()
		log.Debug().Str("peer_id", peerID).Str("stream_id", media.StreamID()).Msg("Share already announced, ignoring duplicate correlation")
		return
	}
	r.fired[key] = struct{}{}
	r.activeShares[peerID] = media.StreamID()
	r.mu.Unlock()

	r.events.OnPeerScreenShare(peerID, media)
}
