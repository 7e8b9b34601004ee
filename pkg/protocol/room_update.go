package protocol

import (
	"encoding/json"
	"fmt"
)

// RoomUpdate is one of AccessLevelUpdate, VisibilityUpdate or PasswordUpdate.
type RoomUpdate interface {
	roomUpdateKind() string
}

// AccessLevelUpdate sets the level required to join a room.
type AccessLevelUpdate struct {
	AccessLevel int `json:"accessLevel" validate:"gte=0"`
}

// VisibilityUpdate sets the level required to see a room in listings.
type VisibilityUpdate struct {
	VisibilityLevel int `json:"visibilityLevel" validate:"gte=0"`
}

// PasswordUpdate sets or clears (nil) a room password.
type PasswordUpdate struct {
	Password *string `json:"password" validate:"omitempty,min=1,max=72"`
}

func (*AccessLevelUpdate) roomUpdateKind() string { return "accessLevel" }
func (*VisibilityUpdate) roomUpdateKind() string  { return "visibility" }
func (*PasswordUpdate) roomUpdateKind() string    { return "password" }

// UpdateRoom changes a single property of a room.
//
// Wire form: {"roomName":"x","update":{"kind":"accessLevel","accessLevel":3}}
type UpdateRoom struct {
	RoomName string     `json:"roomName" validate:"required,roomname"`
	Update   RoomUpdate `json:"-"`
}

type updateRoomWire struct {
	RoomName string          `json:"roomName"`
	Update   json.RawMessage `json:"update"`
}

// UnmarshalJSON resolves the update variant from its "kind" tag.
func (u *UpdateRoom) UnmarshalJSON(data []byte) error {
	var wire updateRoomWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	u.RoomName = wire.RoomName
	u.Update = nil
	if len(wire.Update) == 0 {
		return nil
	}

	var tag struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(wire.Update, &tag); err != nil {
		return err
	}

	var update RoomUpdate
	switch tag.Kind {
	case "accessLevel":
		update = &AccessLevelUpdate{}
	case "visibility":
		update = &VisibilityUpdate{}
	case "password":
		update = &PasswordUpdate{}
	default:
		return fmt.Errorf("unsupported room update kind %q", tag.Kind)
	}
	if err := json.Unmarshal(wire.Update, update); err != nil {
		return err
	}
	u.Update = update
	return nil
}

// MarshalJSON writes the update with its "kind" tag.
func (u UpdateRoom) MarshalJSON() ([]byte, error) {
	wire := updateRoomWire{RoomName: u.RoomName}
	if u.Update != nil {
		body, err := json.Marshal(u.Update)
		if err != nil {
			return nil, err
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, err
		}
		kind, _ := json.Marshal(u.Update.roomUpdateKind())
		fields["kind"] = kind
		if wire.Update, err = json.Marshal(fields); err != nil {
			return nil, err
		}
	}
	return json.Marshal(wire)
}
