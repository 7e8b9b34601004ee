package server

import (
	"fmt"
	"regexp"
	"strings"
)

// RoomKind classifies a room. The kind decides which membership rules apply.
type RoomKind int

const (
	RoomPublic RoomKind = iota
	RoomWhisper
	RoomDevice
	RoomBroadcast
	RoomImportant
	RoomAdmin
)

const (
	whisperSuffix = "-whisper"
	deviceSuffix  = "-device"

	BroadcastRoom = "broadcast"
	ImportantRoom = "important"
	AdminRoom     = "admin"
)

var publicRoomRegex = regexp.MustCompile(`^[a-z0-9_]{2,30}$`)

func (k RoomKind) String() string {
	switch k {
	case RoomPublic:
		return "public"
	case RoomWhisper:
		return "whisper"
	case RoomDevice:
		return "device"
	case RoomBroadcast:
		return "broadcast"
	case RoomImportant:
		return "important"
	case RoomAdmin:
		return "admin"
	}
	return fmt.Sprintf("RoomKind(%d)", int(k))
}

// RoomRef identifies a room by kind. Key is the public room name, the owning
// identity of a whisper room, or the device id of a device room. It is empty
// for the system rooms.
type RoomRef struct {
	Kind RoomKind
	Key  string
}

func PublicRoom(name string) RoomRef      { return RoomRef{Kind: RoomPublic, Key: name} }
func WhisperRoom(identity string) RoomRef { return RoomRef{Kind: RoomWhisper, Key: identity} }
func DeviceRoom(deviceID string) RoomRef  { return RoomRef{Kind: RoomDevice, Key: deviceID} }

// Name returns the canonical room name. All room naming goes through here.
func (r RoomRef) Name() string {
	switch r.Kind {
	case RoomWhisper:
		return r.Key + whisperSuffix
	case RoomDevice:
		return r.Key + deviceSuffix
	case RoomBroadcast:
		return BroadcastRoom
	case RoomImportant:
		return ImportantRoom
	case RoomAdmin:
		return AdminRoom
	}
	return r.Key
}

// IsSystem reports whether the room is one of the global rooms seeded at startup.
func (r RoomRef) IsSystem() bool {
	return r.Kind == RoomBroadcast || r.Kind == RoomImportant || r.Kind == RoomAdmin
}

// OwnedBy reports whether the room is the private whisper room of identity.
func (r RoomRef) OwnedBy(identity string) bool {
	return r.Kind == RoomWhisper && r.Key == identity
}

// ParseRoomName is the inverse of RoomRef.Name.
func ParseRoomName(name string) (RoomRef, error) {
	name = strings.ToLower(name)
	switch name {
	case BroadcastRoom:
		return RoomRef{Kind: RoomBroadcast}, nil
	case ImportantRoom:
		return RoomRef{Kind: RoomImportant}, nil
	case AdminRoom:
		return RoomRef{Kind: RoomAdmin}, nil
	}
	if key, ok := strings.CutSuffix(name, whisperSuffix); ok && key != "" {
		return WhisperRoom(key), nil
	}
	if key, ok := strings.CutSuffix(name, deviceSuffix); ok && key != "" {
		return DeviceRoom(key), nil
	}
	if !publicRoomRegex.MatchString(name) {
		return RoomRef{}, fmt.Errorf("%w: invalid room name %q", ErrValidationFailure, name)
	}
	return PublicRoom(name), nil
}
