package domain

import (
	"github.com/google/uuid"
)

type ClientID uuid.UUID
type RoomID uuid.UUID

func NewClientID() ClientID {
	return ClientID(uuid.New())
}

func NewRoomID() RoomID {
	return RoomID(uuid.New())
}

func ParseClientID(s string) (ClientID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ClientID{}, err
	}
	return ClientID(id), nil
}

func ParseRoomID(s string) (RoomID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return RoomID{}, err
	}
	return RoomID(id), nil
}

// IsClientID reports whether s is shaped like a generated client identity.
// Camera streams are forwarded under their owner's client id, so this is
// also the camera-stream check.
func IsClientID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

func (id ClientID) String() string {
	return uuid.UUID(id).String()
}

func (id RoomID) String() string {
	return uuid.UUID(id).String()
}
