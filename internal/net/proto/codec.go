package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// HeaderSize is the length prefix plus the tag byte.
	HeaderSize = 5

	vec3Size = 12
)

var (
	// ErrTruncated reports an envelope whose declared length exceeds the input.
	ErrTruncated = errors.New("proto: truncated envelope")
	// ErrUnknownTag reports an envelope with an unrecognised tag. The envelope
	// can be skipped using the consumed length returned alongside it.
	ErrUnknownTag = errors.New("proto: unknown envelope tag")
	// ErrOversized reports a declared length above MaxEnvelopeSize.
	ErrOversized = errors.New("proto: envelope too large")
)

// DecodeError describes a malformed envelope body.
type DecodeError struct {
	Tag    Tag
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("proto: malformed %s envelope: %s", e.Tag, e.Reason)
}

// Append encodes env onto dst and returns the extended slice.
func Append(dst []byte, env Envelope) []byte {
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0, byte(env.Tag()))
	switch e := env.(type) {
	case BroadcastLocal:
		dst = appendVec3(dst, e.Center)
		dst = binary.LittleEndian.AppendUint64(dst, e.Exclude)
		dst = binary.LittleEndian.AppendUint32(dst, e.Order)
		dst = appendBytes(dst, e.Payload)
	case Unicast:
		dst = binary.LittleEndian.AppendUint64(dst, e.Stream)
		dst = binary.LittleEndian.AppendUint32(dst, e.Order)
		dst = appendBytes(dst, e.Payload)
	case BroadcastChannel:
		dst = binary.LittleEndian.AppendUint32(dst, e.Channel)
		dst = binary.LittleEndian.AppendUint64(dst, e.Exclude)
		dst = binary.LittleEndian.AppendUint32(dst, e.Order)
		dst = appendBytes(dst, e.Payload)
	case BroadcastGlobal:
		dst = binary.LittleEndian.AppendUint64(dst, e.Exclude)
		dst = binary.LittleEndian.AppendUint32(dst, e.Order)
		dst = appendBytes(dst, e.Payload)
	case UpdatePositions:
		count := len(e.Streams)
		if len(e.Positions) < count {
			count = len(e.Positions)
		}
		dst = binary.LittleEndian.AppendUint32(dst, uint32(count))
		for i := 0; i < count; i++ {
			dst = binary.LittleEndian.AppendUint64(dst, e.Streams[i])
			dst = appendVec3(dst, e.Positions[i])
		}
	case SetReceiveBroadcasts:
		dst = binary.LittleEndian.AppendUint64(dst, e.Stream)
	case Flush:
		dst = binary.LittleEndian.AppendUint64(dst, e.Tick)
	case Shutdown:
		dst = binary.LittleEndian.AppendUint64(dst, e.Stream)
		dst = appendReason(dst, e.Reason)
	case Subscribe:
		dst = binary.LittleEndian.AppendUint64(dst, e.Stream)
		dst = binary.LittleEndian.AppendUint32(dst, e.Channel)
	case Unsubscribe:
		dst = binary.LittleEndian.AppendUint64(dst, e.Stream)
		dst = binary.LittleEndian.AppendUint32(dst, e.Channel)
	case AddChannel:
		dst = binary.LittleEndian.AppendUint32(dst, e.Channel)
		dst = appendBytes(dst, e.UnsubscribePayload)
	case RemoveChannel:
		dst = binary.LittleEndian.AppendUint32(dst, e.Channel)
	case UpdateChannelPositions:
		count := min(len(e.Channels), len(e.Positions))
		dst = binary.LittleEndian.AppendUint32(dst, uint32(count))
		for i := 0; i < count; i++ {
			dst = binary.LittleEndian.AppendUint32(dst, e.Channels[i])
			dst = appendVec3(dst, e.Positions[i])
		}
	case SubscribeChannelPackets:
		dst = binary.LittleEndian.AppendUint32(dst, e.Channel)
		dst = binary.LittleEndian.AppendUint64(dst, e.Exclude)
		dst = appendBytes(dst, e.Payload)
	case RequestSubscribeChannelPackets:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(e.Channels)))
		for _, id := range e.Channels {
			dst = binary.LittleEndian.AppendUint32(dst, id)
		}
	case PlayerConnect:
		dst = binary.LittleEndian.AppendUint64(dst, e.Stream)
	case PlayerDisconnect:
		dst = binary.LittleEndian.AppendUint64(dst, e.Stream)
		dst = appendReason(dst, e.Reason)
	case PlayerPackets:
		dst = binary.LittleEndian.AppendUint64(dst, e.Stream)
		dst = appendBytes(dst, e.Data)
	}
	binary.LittleEndian.PutUint32(dst[start:], uint32(len(dst)-start-4))
	return dst
}

// Decode reads the first envelope in src. It returns the envelope, the number
// of bytes consumed, and an error. Payload fields alias src.
//
// On ErrUnknownTag or a *DecodeError the consumed length is still valid so
// callers may skip the envelope and continue.
func Decode(src []byte) (Envelope, int, error) {
	if len(src) < HeaderSize {
		return nil, 0, ErrTruncated
	}
	length := binary.LittleEndian.Uint32(src)
	if length == 0 {
		return nil, 0, &DecodeError{Reason: "zero length"}
	}
	if length > MaxEnvelopeSize {
		return nil, 0, ErrOversized
	}
	total := int(length) + 4
	if len(src) < total {
		return nil, 0, ErrTruncated
	}
	tag := Tag(src[4])
	r := reader{buf: src[HeaderSize:total]}

	var env Envelope
	switch tag {
	case TagBroadcastLocal:
		var e BroadcastLocal
		e.Center = r.vec3()
		e.Exclude = r.u64()
		e.Order = r.u32()
		e.Payload = r.bytes()
		env = e
	case TagUnicast:
		var e Unicast
		e.Stream = r.u64()
		e.Order = r.u32()
		e.Payload = r.bytes()
		env = e
	case TagBroadcastChannel:
		var e BroadcastChannel
		e.Channel = r.u32()
		e.Exclude = r.u64()
		e.Order = r.u32()
		e.Payload = r.bytes()
		env = e
	case TagBroadcastGlobal:
		var e BroadcastGlobal
		e.Exclude = r.u64()
		e.Order = r.u32()
		e.Payload = r.bytes()
		env = e
	case TagUpdatePositions:
		count := int(r.u32())
		if r.err == nil && count*(8+vec3Size) > len(r.buf)-r.off {
			r.err = errShort
		}
		var e UpdatePositions
		if r.err == nil {
			e.Streams = make([]uint64, count)
			e.Positions = make([]Vec3, count)
			for i := 0; i < count; i++ {
				e.Streams[i] = r.u64()
				e.Positions[i] = r.vec3()
			}
		}
		env = e
	case TagSetReceiveBroadcasts:
		env = SetReceiveBroadcasts{Stream: r.u64()}
	case TagFlush:
		env = Flush{Tick: r.u64()}
	case TagShutdown:
		var e Shutdown
		e.Stream = r.u64()
		e.Reason = r.reason()
		env = e
	case TagSubscribe:
		var e Subscribe
		e.Stream = r.u64()
		e.Channel = r.u32()
		env = e
	case TagUnsubscribe:
		var e Unsubscribe
		e.Stream = r.u64()
		e.Channel = r.u32()
		env = e
	case TagAddChannel:
		var e AddChannel
		e.Channel = r.u32()
		e.UnsubscribePayload = r.bytes()
		env = e
	case TagRemoveChannel:
		env = RemoveChannel{Channel: r.u32()}
	case TagUpdateChannelPositions:
		count := int(r.u32())
		if r.err == nil && count*(4+vec3Size) > len(r.buf)-r.off {
			r.err = errShort
		}
		var e UpdateChannelPositions
		if r.err == nil {
			e.Channels = make([]uint32, count)
			e.Positions = make([]Vec3, count)
			for i := 0; i < count; i++ {
				e.Channels[i] = r.u32()
				e.Positions[i] = r.vec3()
			}
		}
		env = e
	case TagSubscribeChannelPackets:
		var e SubscribeChannelPackets
		e.Channel = r.u32()
		e.Exclude = r.u64()
		e.Payload = r.bytes()
		env = e
	case TagRequestSubscribeChannelPackets:
		count := int(r.u32())
		if r.err == nil && count*4 > len(r.buf)-r.off {
			r.err = errShort
		}
		var e RequestSubscribeChannelPackets
		if r.err == nil {
			e.Channels = make([]uint32, count)
			for i := range e.Channels {
				e.Channels[i] = r.u32()
			}
		}
		env = e
	case TagPlayerConnect:
		env = PlayerConnect{Stream: r.u64()}
	case TagPlayerDisconnect:
		var e PlayerDisconnect
		e.Stream = r.u64()
		e.Reason = r.reason()
		env = e
	case TagPlayerPackets:
		var e PlayerPackets
		e.Stream = r.u64()
		e.Data = r.bytes()
		env = e
	default:
		return nil, total, ErrUnknownTag
	}
	if r.err != nil {
		return nil, total, &DecodeError{Tag: tag, Reason: r.err.Error()}
	}
	return env, total, nil
}

// Walk decodes every envelope in frame and calls fn for each one in order.
// Unknown tags and malformed bodies are skipped and counted; a truncated or
// oversized envelope stops the walk with an error because the remaining bytes
// cannot be framed.
func Walk(frame []byte, fn func(Envelope) error) (skipped int, err error) {
	for len(frame) > 0 {
		env, n, derr := Decode(frame)
		if derr != nil {
			if n == 0 {
				return skipped, derr
			}
			skipped++
			frame = frame[n:]
			continue
		}
		frame = frame[n:]
		if err := fn(env); err != nil {
			return skipped, err
		}
	}
	return skipped, nil
}

func appendVec3(dst []byte, v Vec3) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v.X))
	dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v.Y))
	return binary.LittleEndian.AppendUint32(dst, math.Float32bits(v.Z))
}

func appendBytes(dst []byte, b []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

func appendReason(dst []byte, reason Reason) []byte {
	dst = append(dst, byte(reason.Code))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(reason.Text)))
	return append(dst, reason.Text...)
}

var errShort = errors.New("body shorter than declared fields")

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = errShort
		return nil
	}
	b := r.buf[r.off : r.off+n : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) f32() float32 {
	return math.Float32frombits(r.u32())
}

func (r *reader) vec3() Vec3 {
	return Vec3{X: r.f32(), Y: r.f32(), Z: r.f32()}
}

func (r *reader) bytes() []byte {
	n := r.u32()
	if r.err != nil {
		return nil
	}
	return r.take(int(n))
}

func (r *reader) reason() Reason {
	code := ReasonCode(r.u8())
	text := r.bytes()
	return Reason{Code: code, Text: string(text)}
}
