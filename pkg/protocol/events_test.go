package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayloadValidation(t *testing.T) {
	tests := []struct {
		name    string
		msgType uint8
		payload string
		wantErr error
	}{
		{"valid login", TypeLogin, `{"name":"alice","password":"secret"}`, nil},
		{"mixed case name accepted", TypeLogin, `{"name":"Alice","password":"secret"}`, nil},
		{"name with space rejected", TypeLogin, `{"name":"al ice","password":"secret"}`, ErrInvalidPayload},
		{"missing password", TypeLogin, `{"name":"alice"}`, ErrInvalidPayload},
		{"malformed json", TypeLogin, `{"name":`, ErrInvalidPayload},
		{"short register password", TypeRegister, `{"name":"alice","password":"abc"}`, ErrInvalidPayload},
		{"empty text", TypeSendChatMessage, `{"roomName":"public","text":[]}`, ErrInvalidPayload},
		{"blank line", TypeSendChatMessage, `{"roomName":"public","text":[""]}`, ErrInvalidPayload},
		{"valid chat", TypeSendChatMessage, `{"roomName":"public","text":["hi"]}`, nil},
		{"whisper room name accepted", TypeLeaveRoom, `{"roomName":"alice-whisper"}`, nil},
		{"bad room name", TypeJoinRoom, `{"roomName":"Bad Room"}`, ErrInvalidPayload},
		{"reconnect needs uuid token", TypeReconnectAttach, `{"name":"alice","token":"nope"}`, ErrInvalidPayload},
		{"reconnect valid", TypeReconnectAttach, `{"name":"alice","token":"0b7e5c6e-3f5a-4c43-9d38-3c7d2f6f4a10","deviceId":"phone1"}`, nil},
		{"history limit zero", TypeRequestHistory, `{"lineLimit":0}`, ErrInvalidPayload},
		{"history without limit", TypeRequestHistory, ``, nil},
		{"logout empty", TypeLogout, ``, nil},
		{"unknown type", 0x7F, `{}`, ErrUnknownEventType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePayload(tt.msgType, []byte(tt.payload))
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestUpdateRoomVariants(t *testing.T) {
	t.Run("access level", func(t *testing.T) {
		ev, err := DecodePayload(TypeUpdateRoom, []byte(`{"roomName":"public","update":{"kind":"accessLevel","accessLevel":3}}`))
		require.NoError(t, err)
		update := ev.(*UpdateRoom).Update
		require.IsType(t, &AccessLevelUpdate{}, update)
		assert.Equal(t, 3, update.(*AccessLevelUpdate).AccessLevel)
	})

	t.Run("clear password", func(t *testing.T) {
		ev, err := DecodePayload(TypeUpdateRoom, []byte(`{"roomName":"public","update":{"kind":"password","password":null}}`))
		require.NoError(t, err)
		update := ev.(*UpdateRoom).Update
		require.IsType(t, &PasswordUpdate{}, update)
		assert.Nil(t, update.(*PasswordUpdate).Password)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := DecodePayload(TypeUpdateRoom, []byte(`{"roomName":"public","update":{"kind":"owner","owner":"bob"}}`))
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("missing update", func(t *testing.T) {
		_, err := DecodePayload(TypeUpdateRoom, []byte(`{"roomName":"public"}`))
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("negative level", func(t *testing.T) {
		_, err := DecodePayload(TypeUpdateRoom, []byte(`{"roomName":"public","update":{"kind":"visibility","visibilityLevel":-1}}`))
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("marshal keeps kind tag", func(t *testing.T) {
		data, err := json.Marshal(&UpdateRoom{RoomName: "public", Update: &VisibilityUpdate{VisibilityLevel: 2}})
		require.NoError(t, err)
		ev, err := DecodePayload(TypeUpdateRoom, data)
		require.NoError(t, err)
		assert.Equal(t, &VisibilityUpdate{VisibilityLevel: 2}, ev.(*UpdateRoom).Update)
	})
}

func TestEnvelope(t *testing.T) {
	data, err := MarshalEnvelope(&JoinRoom{RoomName: "public"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"joinRoom","payload":{"roomName":"public"}}`, string(data))

	ev, err := UnmarshalEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, &JoinRoom{RoomName: "public"}, ev)

	_, err = UnmarshalEnvelope([]byte(`{"type":"dance"}`))
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestEventNamesAreUnique(t *testing.T) {
	seen := map[string]uint8{}
	for typ, name := range eventNames {
		if other, dup := seen[name]; dup {
			t.Fatalf("name %q used by 0x%02X and 0x%02X", name, typ, other)
		}
		seen[name] = typ
		ev, ok := newEvent(typ)
		require.True(t, ok, "no record for %s", name)
		assert.Equal(t, typ, ev.EventType())
	}
}
