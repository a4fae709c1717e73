package domain

// LinkState is the lifecycle state of the peer media connection. It is owned
// by the media adapter and mirrored to the application through the events
// callback, never mutated from outside.
type LinkState int

const (
	LinkInactive LinkState = iota
	LinkConnecting
	LinkActive
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkInactive:
		return "inactive"
	case LinkConnecting:
		return "connecting"
	case LinkActive:
		return "active"
	case LinkClosed:
		return "closed"
	default:
		return "invalid"
	}
}
