package domain

import "errors"

var (
	// ErrTransportUnavailable is returned by Send when the signaling channel
	// is not open. The message is dropped, never queued or retried.
	ErrTransportUnavailable = errors.New("signaling transport unavailable")

	// ErrScreenShareUnavailable means the relay's offer did not reserve the
	// dedicated screen transceivers, so screen sharing is disabled for the
	// session.
	ErrScreenShareUnavailable = errors.New("screen share transceivers not negotiated")

	// ErrSessionClosed is returned by operations invoked after the media
	// link was torn down.
	ErrSessionClosed = errors.New("session closed")

	// ErrAlreadyConnected is returned by Connect while a media link is
	// still active; Disconnect first.
	ErrAlreadyConnected = errors.New("media link already connected")
)
