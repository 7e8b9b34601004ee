package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// Inbound event types (client → server)
const (
	TypeRegister        = 0x01
	TypeLogin           = 0x02
	TypeLogout          = 0x03
	TypeReconnectAttach = 0x04

	TypeSendChatMessage = 0x10
	TypeSendWhisper     = 0x11
	TypeSendBroadcast   = 0x12
	TypeSendImportant   = 0x13
	TypeSendMorse       = 0x14

	TypeJoinRoom    = 0x20
	TypeLeaveRoom   = 0x21
	TypeCreateRoom  = 0x22
	TypeRemoveRoom  = 0x23
	TypeUpdateRoom  = 0x24
	TypeBanFromRoom = 0x25
	TypeListRooms   = 0x26

	TypeRequestHistory = 0x30

	TypeBanIdentity   = 0x40
	TypeUnbanIdentity = 0x41
)

// Outbound event types (server → client)
const (
	TypeMessage        = 0x80
	TypeForcedLogout   = 0x81
	TypeJoinConfirmed  = 0x82
	TypeLeaveConfirmed = 0x83
	TypeCommandDenied  = 0x84
	TypeError          = 0x85
	TypeLoggedIn       = 0x86
	TypeRoomCreated    = 0x87
	TypeRoomRemoved    = 0x88
	TypeHistoryBatch   = 0x89
	TypeRoomList       = 0x8A
	TypeLoggedOut      = 0x8B
)

var (
	// ErrUnknownEventType is returned when a frame carries a type with no event record.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrInvalidPayload is returned when a payload is malformed or fails validation.
	ErrInvalidPayload = errors.New("invalid payload")
)

// eventNames maps event types to their transport-agnostic command names.
// Inbound names double as command catalog keys.
var eventNames = map[uint8]string{
	TypeRegister:        "register",
	TypeLogin:           "login",
	TypeLogout:          "logout",
	TypeReconnectAttach: "reconnectAttach",
	TypeSendChatMessage: "sendChatMessage",
	TypeSendWhisper:     "sendWhisper",
	TypeSendBroadcast:   "sendBroadcast",
	TypeSendImportant:   "sendImportant",
	TypeSendMorse:       "sendMorse",
	TypeJoinRoom:        "joinRoom",
	TypeLeaveRoom:       "leaveRoom",
	TypeCreateRoom:      "createRoom",
	TypeRemoveRoom:      "removeRoom",
	TypeUpdateRoom:      "updateRoom",
	TypeBanFromRoom:     "banFromRoom",
	TypeListRooms:       "listRooms",
	TypeRequestHistory:  "requestHistory",
	TypeBanIdentity:     "banIdentity",
	TypeUnbanIdentity:   "unbanIdentity",

	TypeMessage:        "message",
	TypeForcedLogout:   "forcedLogout",
	TypeJoinConfirmed:  "joinConfirmed",
	TypeLeaveConfirmed: "leaveConfirmed",
	TypeCommandDenied:  "commandDenied",
	TypeError:          "error",
	TypeLoggedIn:       "loggedIn",
	TypeRoomCreated:    "roomCreated",
	TypeRoomRemoved:    "roomRemoved",
	TypeHistoryBatch:   "historyBatch",
	TypeRoomList:       "roomList",
	TypeLoggedOut:      "loggedOut",
}

var eventTypes = func() map[string]uint8 {
	m := make(map[string]uint8, len(eventNames))
	for t, name := range eventNames {
		m[name] = t
	}
	return m
}()

// EventName returns the command name for an event type ("" if unknown).
func EventName(t uint8) string {
	return eventNames[t]
}

// EventTypeByName returns the event type for a command name.
func EventTypeByName(name string) (uint8, bool) {
	t, ok := eventTypes[name]
	return t, ok
}

// Event is implemented by every inbound and outbound event record.
type Event interface {
	EventType() uint8
}

var (
	identityNameRegex = regexp.MustCompile(`^[A-Za-z0-9_]{2,20}$`)
	roomNameRegex     = regexp.MustCompile(`^[A-Za-z0-9_-]{2,48}$`)
	deviceIDRegex     = regexp.MustCompile(`^[a-z0-9_]{1,40}$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("identname", func(fl validator.FieldLevel) bool {
		return identityNameRegex.MatchString(fl.Field().String())
	})
	v.RegisterValidation("roomname", func(fl validator.FieldLevel) bool {
		return roomNameRegex.MatchString(fl.Field().String())
	})
	v.RegisterValidation("deviceid", func(fl validator.FieldLevel) bool {
		return deviceIDRegex.MatchString(fl.Field().String())
	})
	return v
}

// ===== Inbound events =====

type Register struct {
	Name     string `json:"name" validate:"required,identname"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

type Login struct {
	Name     string `json:"name" validate:"required,identname"`
	Password string `json:"password" validate:"required,max=72"`
}

type Logout struct{}

// ReconnectAttach re-binds a known identity to a fresh connection using the
// resume token handed out at login.
type ReconnectAttach struct {
	Name     string `json:"name" validate:"required,identname"`
	Token    string `json:"token" validate:"required,uuid"`
	DeviceID string `json:"deviceId,omitempty" validate:"omitempty,deviceid"`
}

type SendChatMessage struct {
	RoomName string   `json:"roomName" validate:"required,roomname"`
	Text     []string `json:"text" validate:"required,min=1,dive,required"`
}

type SendWhisper struct {
	RecipientName string   `json:"recipientName" validate:"required,identname"`
	Text          []string `json:"text" validate:"required,min=1,dive,required"`
}

type SendBroadcast struct {
	Text []string `json:"text" validate:"required,min=1,dive,required"`
}

type SendImportant struct {
	Text []string `json:"text" validate:"required,min=1,dive,required"`
}

type SendMorse struct {
	RoomName string   `json:"roomName" validate:"required,roomname"`
	Text     []string `json:"text" validate:"required,min=1,dive,required"`
}

type JoinRoom struct {
	RoomName string  `json:"roomName" validate:"required,roomname"`
	Password *string `json:"password,omitempty" validate:"omitempty,max=72"`
}

type LeaveRoom struct {
	RoomName string `json:"roomName" validate:"required,roomname"`
}

type CreateRoom struct {
	RoomName        string  `json:"roomName" validate:"required,roomname"`
	Password        *string `json:"password,omitempty" validate:"omitempty,min=1,max=72"`
	AccessLevel     int     `json:"accessLevel" validate:"gte=0"`
	VisibilityLevel int     `json:"visibilityLevel" validate:"gte=0"`
}

type RemoveRoom struct {
	RoomName string `json:"roomName" validate:"required,roomname"`
}

type BanFromRoom struct {
	RoomName string `json:"roomName" validate:"required,roomname"`
	Name     string `json:"name" validate:"required,identname"`
}

type ListRooms struct{}

type RequestHistory struct {
	LineLimit *int `json:"lineLimit,omitempty" validate:"omitempty,gte=1"`
}

type BanIdentity struct {
	Name string `json:"name" validate:"required,identname"`
}

type UnbanIdentity struct {
	Name string `json:"name" validate:"required,identname"`
}

func (*Register) EventType() uint8        { return TypeRegister }
func (*Login) EventType() uint8           { return TypeLogin }
func (*Logout) EventType() uint8          { return TypeLogout }
func (*ReconnectAttach) EventType() uint8 { return TypeReconnectAttach }
func (*SendChatMessage) EventType() uint8 { return TypeSendChatMessage }
func (*SendWhisper) EventType() uint8     { return TypeSendWhisper }
func (*SendBroadcast) EventType() uint8   { return TypeSendBroadcast }
func (*SendImportant) EventType() uint8   { return TypeSendImportant }
func (*SendMorse) EventType() uint8       { return TypeSendMorse }
func (*JoinRoom) EventType() uint8        { return TypeJoinRoom }
func (*LeaveRoom) EventType() uint8       { return TypeLeaveRoom }
func (*CreateRoom) EventType() uint8      { return TypeCreateRoom }
func (*RemoveRoom) EventType() uint8      { return TypeRemoveRoom }
func (*UpdateRoom) EventType() uint8      { return TypeUpdateRoom }
func (*BanFromRoom) EventType() uint8     { return TypeBanFromRoom }
func (*ListRooms) EventType() uint8       { return TypeListRooms }
func (*RequestHistory) EventType() uint8  { return TypeRequestHistory }
func (*BanIdentity) EventType() uint8     { return TypeBanIdentity }
func (*UnbanIdentity) EventType() uint8   { return TypeUnbanIdentity }

// ===== Outbound events =====

// Message is a chat message as delivered to clients.
type Message struct {
	ID     int64           `json:"id"`
	Room   string          `json:"room"`
	Sender string          `json:"sender"`
	Text   []string        `json:"text"`
	Time   int64           `json:"time"` // Unix milliseconds
	Class  string          `json:"class"`
	Meta   json.RawMessage `json:"meta,omitempty"`
}

type ForcedLogout struct {
	Reason string `json:"reason"`
}

type JoinConfirmed struct {
	Room string `json:"room"`
}

type LeaveConfirmed struct {
	Room string `json:"room"`
}

type CommandDenied struct {
	CommandName string `json:"commandName"`
}

type Error struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

type LoggedIn struct {
	Name        string `json:"name"`
	AccessLevel int    `json:"accessLevel"`
	ResumeToken string `json:"resumeToken"`
}

type LoggedOut struct{}

type RoomCreated struct {
	Room string `json:"room"`
}

type RoomRemoved struct {
	Room string `json:"room"`
}

// HistoryBatch carries one chunk of a history replay. Final is set on the last chunk.
type HistoryBatch struct {
	Messages []Message `json:"messages"`
	Final    bool      `json:"final"`
}

type RoomInfo struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	AccessLevel int    `json:"accessLevel"`
	HasPassword bool   `json:"hasPassword"`
	Owner       string `json:"owner,omitempty"`
}

type RoomList struct {
	Rooms []RoomInfo `json:"rooms"`
}

func (*Message) EventType() uint8        { return TypeMessage }
func (*ForcedLogout) EventType() uint8   { return TypeForcedLogout }
func (*JoinConfirmed) EventType() uint8  { return TypeJoinConfirmed }
func (*LeaveConfirmed) EventType() uint8 { return TypeLeaveConfirmed }
func (*CommandDenied) EventType() uint8  { return TypeCommandDenied }
func (*Error) EventType() uint8          { return TypeError }
func (*LoggedIn) EventType() uint8       { return TypeLoggedIn }
func (*LoggedOut) EventType() uint8      { return TypeLoggedOut }
func (*RoomCreated) EventType() uint8    { return TypeRoomCreated }
func (*RoomRemoved) EventType() uint8    { return TypeRoomRemoved }
func (*HistoryBatch) EventType() uint8   { return TypeHistoryBatch }
func (*RoomList) EventType() uint8       { return TypeRoomList }

// newEvent allocates an empty record for the given type.
func newEvent(t uint8) (Event, bool) {
	switch t {
	case TypeRegister:
		return &Register{}, true
	case TypeLogin:
		return &Login{}, true
	case TypeLogout:
		return &Logout{}, true
	case TypeReconnectAttach:
		return &ReconnectAttach{}, true
	case TypeSendChatMessage:
		return &SendChatMessage{}, true
	case TypeSendWhisper:
		return &SendWhisper{}, true
	case TypeSendBroadcast:
		return &SendBroadcast{}, true
	case TypeSendImportant:
		return &SendImportant{}, true
	case TypeSendMorse:
		return &SendMorse{}, true
	case TypeJoinRoom:
		return &JoinRoom{}, true
	case TypeLeaveRoom:
		return &LeaveRoom{}, true
	case TypeCreateRoom:
		return &CreateRoom{}, true
	case TypeRemoveRoom:
		return &RemoveRoom{}, true
	case TypeUpdateRoom:
		return &UpdateRoom{}, true
	case TypeBanFromRoom:
		return &BanFromRoom{}, true
	case TypeListRooms:
		return &ListRooms{}, true
	case TypeRequestHistory:
		return &RequestHistory{}, true
	case TypeBanIdentity:
		return &BanIdentity{}, true
	case TypeUnbanIdentity:
		return &UnbanIdentity{}, true
	case TypeMessage:
		return &Message{}, true
	case TypeForcedLogout:
		return &ForcedLogout{}, true
	case TypeJoinConfirmed:
		return &JoinConfirmed{}, true
	case TypeLeaveConfirmed:
		return &LeaveConfirmed{}, true
	case TypeCommandDenied:
		return &CommandDenied{}, true
	case TypeError:
		return &Error{}, true
	case TypeLoggedIn:
		return &LoggedIn{}, true
	case TypeLoggedOut:
		return &LoggedOut{}, true
	case TypeRoomCreated:
		return &RoomCreated{}, true
	case TypeRoomRemoved:
		return &RoomRemoved{}, true
	case TypeHistoryBatch:
		return &HistoryBatch{}, true
	case TypeRoomList:
		return &RoomList{}, true
	}
	return nil, false
}

// DecodePayload decodes and validates a payload for the given event type.
// Malformed or invalid payloads yield an error wrapping ErrInvalidPayload.
func DecodePayload(t uint8, payload []byte) (Event, error) {
	ev, ok := newEvent(t)
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownEventType, t)
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}

	if err := Validate(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Validate runs struct validation on an event record.
func Validate(ev Event) error {
	if err := validate.Struct(ev); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if u, ok := ev.(*UpdateRoom); ok {
		if u.Update == nil {
			return fmt.Errorf("%w: update is required", ErrInvalidPayload)
		}
		if err := validate.Struct(u.Update); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	return nil
}

// DecodeEvent decodes the event carried by a frame.
func DecodeEvent(f *Frame) (Event, error) {
	return DecodePayload(f.Type, f.Payload)
}

// EncodeEvent builds a frame carrying the event.
func EncodeEvent(ev Event) (*Frame, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", EventName(ev.EventType()), err)
	}
	return &Frame{
		Version: ProtocolVersion,
		Type:    ev.EventType(),
		Payload: payload,
	}, nil
}

// Envelope is the self-describing form used by text transports (WebSocket).
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope encodes an event as a JSON envelope.
func MarshalEnvelope(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: EventName(ev.EventType()), Payload: payload})
}

// UnmarshalEnvelope decodes and validates a JSON envelope.
func UnmarshalEnvelope(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	t, ok := EventTypeByName(env.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}
	return DecodePayload(t, env.Payload)
}
