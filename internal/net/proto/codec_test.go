package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
)

func TestAppendDecodeEveryVariant(t *testing.T) {
	envelopes := []Envelope{
		BroadcastLocal{Center: Vec3{X: 1, Y: -2.5, Z: 3}, Exclude: 1 << 7, Order: 9, Payload: []byte("near")},
		Unicast{Stream: 42, Order: 3, Payload: []byte("hello")},
		BroadcastChannel{Channel: 5, Exclude: 2, Order: 4, Payload: []byte("chan")},
		BroadcastGlobal{Exclude: 0, Order: 1, Payload: []byte("all")},
		UpdatePositions{Streams: []uint64{1, 2}, Positions: []Vec3{{X: 1}, {Y: 2}}},
		SetReceiveBroadcasts{Stream: 7},
		Flush{Tick: 99},
		Shutdown{Stream: 8, Reason: NewReason(ReasonProtocolError, "bad length")},
		Subscribe{Stream: 3, Channel: 12},
		Unsubscribe{Stream: 3, Channel: 12},
		AddChannel{Channel: 12, UnsubscribePayload: []byte("bye")},
		RemoveChannel{Channel: 12},
		UpdateChannelPositions{Channels: []uint32{12, 13}, Positions: []Vec3{{X: 4}, {Z: -8}}},
		SubscribeChannelPackets{Channel: 12, Exclude: 1 << 3, Payload: []byte("state")},
		RequestSubscribeChannelPackets{Channels: []uint32{12, 13}},
		PlayerConnect{Stream: 11},
		PlayerDisconnect{Stream: 11, Reason: NewReason(ReasonLostConnection, "")},
		PlayerPackets{Stream: 11, Data: []byte{0x01, 0x00}},
	}

	var frame []byte
	for _, env := range envelopes {
		frame = Append(frame, env)
	}

	var decoded []Envelope
	skipped, err := Walk(frame, func(env Envelope) error {
		decoded = append(decoded, env)
		return nil
	})
	if err != nil {
		t.Fatalf("walk failed: %v", err)
	}
	if skipped != 0 {
		t.Fatalf("expected no skipped envelopes, got %d", skipped)
	}
	if len(decoded) != len(envelopes) {
		t.Fatalf("expected %d envelopes, got %d", len(envelopes), len(decoded))
	}
	for i := range envelopes {
		if decoded[i].Tag() != envelopes[i].Tag() {
			t.Fatalf("envelope %d: expected tag %s, got %s", i, envelopes[i].Tag(), decoded[i].Tag())
		}
		if !reflect.DeepEqual(decoded[i], envelopes[i]) {
			t.Fatalf("envelope %d mismatch: want %+v got %+v", i, envelopes[i], decoded[i])
		}
	}
}

func TestDecodeBorrowsPayload(t *testing.T) {
	frame := Append(nil, Unicast{Stream: 1, Order: 0, Payload: []byte("abc")})
	env, n, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if n != len(frame) {
		t.Fatalf("expected to consume %d bytes, consumed %d", len(frame), n)
	}
	unicast := env.(Unicast)
	frame[len(frame)-1] = 'z'
	if !bytes.Equal(unicast.Payload, []byte("abz")) {
		t.Fatalf("expected payload to alias the frame, got %q", unicast.Payload)
	}
}

func TestWalkSkipsUnknownTag(t *testing.T) {
	frame := Append(nil, Flush{Tick: 1})
	unknown := []byte{0, 0, 0, 0, 200, 1, 2, 3}
	binary.LittleEndian.PutUint32(unknown, uint32(len(unknown)-4))
	frame = append(frame, unknown...)
	frame = Append(frame, Flush{Tick: 2})

	var ticks []uint64
	skipped, err := Walk(frame, func(env Envelope) error {
		ticks = append(ticks, env.(Flush).Tick)
		return nil
	})
	if err != nil {
		t.Fatalf("walk failed: %v", err)
	}
	if skipped != 1 {
		t.Fatalf("expected one skipped envelope, got %d", skipped)
	}
	if len(ticks) != 2 || ticks[0] != 1 || ticks[1] != 2 {
		t.Fatalf("unexpected decoded ticks: %v", ticks)
	}
}

func TestDecodeTruncated(t *testing.T) {
	frame := Append(nil, Unicast{Stream: 1, Payload: []byte("abcdef")})
	_, _, err := Decode(frame[:len(frame)-2])
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	_, _, err = Decode(frame[:3])
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated for short header, got %v", err)
	}
}

func TestDecodeMalformedBodyIsSkippable(t *testing.T) {
	// Declared payload length runs past the envelope body.
	env := []byte{0, 0, 0, 0, byte(TagUnicast)}
	env = binary.LittleEndian.AppendUint64(env, 1)
	env = binary.LittleEndian.AppendUint32(env, 0)
	env = binary.LittleEndian.AppendUint32(env, 100)
	binary.LittleEndian.PutUint32(env, uint32(len(env)-4))

	_, n, err := Decode(env)
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if decodeErr.Tag != TagUnicast {
		t.Fatalf("expected unicast tag in error, got %s", decodeErr.Tag)
	}
	if n != len(env) {
		t.Fatalf("expected consumed length %d, got %d", len(env), n)
	}
}

func TestDecodeRejectsInflatedChannelCount(t *testing.T) {
	env := []byte{0, 0, 0, 0, byte(TagRequestSubscribeChannelPackets)}
	env = binary.LittleEndian.AppendUint32(env, 1<<20)
	env = binary.LittleEndian.AppendUint32(env, 7)
	binary.LittleEndian.PutUint32(env, uint32(len(env)-4))

	_, n, err := Decode(env)
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if n != len(env) {
		t.Fatalf("expected consumed length %d, got %d", len(env), n)
	}
}

func TestDecodeRejectsOversized(t *testing.T) {
	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header, MaxEnvelopeSize+1)
	if _, _, err := Decode(header); !errors.Is(err, ErrOversized) {
		t.Fatalf("expected ErrOversized, got %v", err)
	}
}

func TestExcludeBit(t *testing.T) {
	if ExcludeBit(0) != 1 {
		t.Fatalf("expected stream 0 to map to bit 0")
	}
	if ExcludeBit(65) != 2 {
		t.Fatalf("expected stream 65 to wrap to bit 1, got %#x", ExcludeBit(65))
	}
	if ExcludeBit(63) != 1<<63 {
		t.Fatalf("expected stream 63 to map to the top bit")
	}
}

func TestReasonString(t *testing.T) {
	if got := NewReason(ReasonIdleTimeout, "").String(); got != "idle_timeout" {
		t.Fatalf("unexpected reason string: %q", got)
	}
	if got := NewReason(ReasonOther, "kicked").String(); got != "other: kicked" {
		t.Fatalf("unexpected reason string: %q", got)
	}
}
