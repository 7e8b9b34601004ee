package protocol

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

// TestFrameRoundTrip tests that any valid frame can be encoded and decoded
func TestFrameRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msgType := rapid.Byte().Draw(t, "type")
		flags := rapid.Byte().Draw(t, "flags") &^ FlagCompressed
		payloadLen := rapid.IntRange(0, 2048).Draw(t, "payloadLen")
		payload := rapid.SliceOfN(rapid.Byte(), payloadLen, payloadLen).Draw(t, "payload")

		original := &Frame{
			Version: ProtocolVersion,
			Type:    msgType,
			Flags:   flags,
			Payload: payload,
		}

		var buf bytes.Buffer
		if err := EncodeFrame(&buf, original); err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		decoded, err := DecodeFrame(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		if decoded.Type != original.Type {
			t.Fatalf("type mismatch: got %d, want %d", decoded.Type, original.Type)
		}
		if decoded.Flags != original.Flags {
			t.Fatalf("flags mismatch: got %d, want %d", decoded.Flags, original.Flags)
		}
		if !bytes.Equal(decoded.Payload, original.Payload) {
			t.Fatalf("payload mismatch")
		}
	})
}

// TestChatMessageEventRoundTrip checks that any valid chat message survives the frame codec.
func TestChatMessageEventRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		room := rapid.StringMatching(`[a-z0-9_]{2,30}`).Draw(t, "room")
		lines := rapid.SliceOfN(rapid.StringMatching(`[a-zA-Z0-9 .,!?]{1,80}`), 1, 20).Draw(t, "lines")

		frame, err := EncodeEvent(&SendChatMessage{RoomName: room, Text: lines})
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		var buf bytes.Buffer
		if err := EncodeFrame(&buf, frame); err != nil {
			t.Fatalf("frame encode failed: %v", err)
		}
		decodedFrame, err := DecodeFrame(&buf)
		if err != nil {
			t.Fatalf("frame decode failed: %v", err)
		}

		ev, err := DecodeEvent(decodedFrame)
		if err != nil {
			t.Fatalf("event decode failed: %v", err)
		}
		msg, ok := ev.(*SendChatMessage)
		if !ok {
			t.Fatalf("unexpected event %T", ev)
		}
		if msg.RoomName != room || len(msg.Text) != len(lines) {
			t.Fatalf("round trip mismatch: %+v", msg)
		}
		for i := range lines {
			if msg.Text[i] != lines[i] {
				t.Fatalf("line %d mismatch: %q != %q", i, msg.Text[i], lines[i])
			}
		}
	})
}
