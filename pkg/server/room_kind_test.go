package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseRoomName(t *testing.T) {
	tests := []struct {
		name string
		want RoomRef
	}{
		{"public", PublicRoom("public")},
		{"Help_Desk", PublicRoom("help_desk")},
		{"alice-whisper", WhisperRoom("alice")},
		{"phone-device", DeviceRoom("phone")},
		{"broadcast", RoomRef{Kind: RoomBroadcast}},
		{"IMPORTANT", RoomRef{Kind: RoomImportant}},
		{"admin", RoomRef{Kind: RoomAdmin}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := ParseRoomName(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ref)
		})
	}
}

func TestParseRoomNameInvalid(t *testing.T) {
	for _, name := range []string{"", "x", "-whisper", "-device", "has space", "dash-ed"} {
		_, err := ParseRoomName(name)
		assert.ErrorIs(t, err, ErrValidationFailure, "%q", name)
	}
}

func TestRoomRefOwnership(t *testing.T) {
	assert.True(t, WhisperRoom("alice").OwnedBy("alice"))
	assert.False(t, WhisperRoom("alice").OwnedBy("bob"))
	assert.False(t, PublicRoom("alice").OwnedBy("alice"))
	assert.True(t, RoomRef{Kind: RoomAdmin}.IsSystem())
	assert.False(t, DeviceRoom("phone").IsSystem())
}

// TestRoomNameRoundTrip checks that parsing a canonical name yields the ref it came from
func TestRoomNameRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		key := rapid.StringMatching(`[a-z0-9_]{2,20}`).Draw(rt, "key")
		kind := rapid.SampledFrom([]RoomKind{RoomPublic, RoomWhisper, RoomDevice}).Draw(rt, "kind")
		ref := RoomRef{Kind: kind, Key: key}
		if kind == RoomPublic && (key == BroadcastRoom || key == ImportantRoom || key == AdminRoom) {
			rt.Skip("reserved name")
		}

		parsed, err := ParseRoomName(ref.Name())
		if err != nil {
			rt.Fatalf("parse %q: %v", ref.Name(), err)
		}
		if parsed != ref {
			rt.Fatalf("parse %q = %+v, want %+v", ref.Name(), parsed, ref)
		}
	})
}
