package ingress

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/multiformats/go-varint"

	"tickrelay/server/internal/fragment"
)

const (
	// DefaultMaxUncompressed bounds an inflated frame body.
	DefaultMaxUncompressed = 8 << 20

	// CompressionDisabled turns off the compressed frame layout.
	CompressionDisabled = -1
)

// ProtocolError reports malformed client input. The connection that produced
// it is torn down.
type ProtocolError struct {
	Stream uint64
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ingress: stream %d: %s: %v", e.Stream, e.Reason, e.Err)
	}
	return fmt.Sprintf("ingress: stream %d: %s", e.Stream, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Frame is a decoded packet id plus its payload, before it leaves the chain.
type Frame struct {
	Stream  uint64
	Index   uint64
	ID      int32
	Payload []byte

	// owned is set when Payload is already a private buffer, as it is after
	// decompression.
	owned bool
}

// Own returns the payload as an owned handle, copying it only if it still
// borrows from the fragment chain.
func (f Frame) Own() Bytes {
	if f.owned {
		return Bytes{b: f.Payload}
	}
	return CopyBytes(f.Payload)
}

// OwnText validates the payload as UTF-8 and returns it as an owned handle,
// copying it only if it still borrows from the fragment chain.
func (f Frame) OwnText(b []byte) (UTF8Bytes, error) {
	if f.owned {
		return ownedUTF8(b)
	}
	return CopyUTF8(b)
}

// Kind classifies a decoded event.
type Kind uint8

const (
	KindRaw Kind = iota
	KindText
)

// Event is one decoded client packet with an unbounded lifetime.
type Event struct {
	Stream   uint64
	Index    uint64
	PacketID int32
	Kind     Kind
	Payload  Bytes
	Text     UTF8Bytes
}

// DecodeFunc turns a frame into an event.
type DecodeFunc func(Frame) (Event, error)

// DecoderConfig tunes frame decoding.
type DecoderConfig struct {
	// CompressionThreshold enables the compressed frame layout when zero or
	// positive.
	CompressionThreshold int
	MaxUncompressed      int
}

// DefaultDecoderConfig returns an uncompressed decoder configuration.
func DefaultDecoderConfig() DecoderConfig {
	return DecoderConfig{
		CompressionThreshold: CompressionDisabled,
		MaxUncompressed:      DefaultMaxUncompressed,
	}
}

// Decoder maps packet ids to decode functions. Unregistered ids decode as
// raw payloads. A Decoder is read-only once pipelines start using it.
type Decoder struct {
	cfg      DecoderConfig
	handlers map[int32]DecodeFunc
}

// NewDecoder constructs a Decoder.
func NewDecoder(cfg DecoderConfig) *Decoder {
	if cfg.MaxUncompressed <= 0 {
		cfg.MaxUncompressed = DefaultMaxUncompressed
	}
	return &Decoder{cfg: cfg, handlers: make(map[int32]DecodeFunc)}
}

// Register installs fn for packet id.
func (d *Decoder) Register(id int32, fn DecodeFunc) {
	d.handlers[id] = fn
}

// RegisterText marks id as carrying a single varint-prefixed UTF-8 string.
func (d *Decoder) RegisterText(id int32) {
	d.Register(id, DecodeText)
}

// Decode turns one committed packet into an event.
func (d *Decoder) Decode(stream uint64, pkt fragment.Packet) (Event, error) {
	body := pkt.Body
	owned := false
	if d.cfg.CompressionThreshold >= 0 {
		inflated, wasCompressed, err := d.inflate(body)
		if err != nil {
			return Event{}, &ProtocolError{Stream: stream, Reason: "bad compressed frame", Err: err}
		}
		body = inflated
		owned = wasCompressed
	}

	id, n, err := varint.FromUvarint(body)
	if err != nil {
		return Event{}, &ProtocolError{Stream: stream, Reason: "bad packet id", Err: err}
	}
	if id > 1<<31-1 {
		return Event{}, &ProtocolError{Stream: stream, Reason: "packet id out of range"}
	}
	frame := Frame{
		Stream:  stream,
		Index:   pkt.Index,
		ID:      int32(id),
		Payload: body[n:],
		owned:   owned,
	}
	fn, ok := d.handlers[frame.ID]
	if !ok {
		fn = DecodeRaw
	}
	ev, err := fn(frame)
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			return Event{}, err
		}
		return Event{}, &ProtocolError{Stream: stream, Reason: fmt.Sprintf("packet %d", frame.ID), Err: err}
	}
	return ev, nil
}

// inflate unwraps the compressed layout: [varint dataLen][data], where a zero
// dataLen means data is stored as is.
func (d *Decoder) inflate(body []byte) ([]byte, bool, error) {
	dataLen, n, err := varint.FromUvarint(body)
	if err != nil {
		return nil, false, err
	}
	data := body[n:]
	if dataLen == 0 {
		return data, false, nil
	}
	if dataLen > uint64(d.cfg.MaxUncompressed) {
		return nil, false, fmt.Errorf("declared size %d exceeds %d", dataLen, d.cfg.MaxUncompressed)
	}
	if int(dataLen) < d.cfg.CompressionThreshold {
		return nil, false, fmt.Errorf("compressed frame of %d bytes below threshold %d", dataLen, d.cfg.CompressionThreshold)
	}
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, false, err
	}
	defer zr.Close()
	out := make([]byte, dataLen)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, false, err
	}
	var trailing [1]byte
	if extra, _ := zr.Read(trailing[:]); extra != 0 {
		return nil, false, errors.New("inflated data longer than declared")
	}
	return out, true, nil
}

// DecodeRaw keeps the payload as opaque owned bytes.
func DecodeRaw(f Frame) (Event, error) {
	return Event{
		Stream:   f.Stream,
		Index:    f.Index,
		PacketID: f.ID,
		Kind:     KindRaw,
		Payload:  f.Own(),
	}, nil
}

// DecodeText reads a varint-prefixed UTF-8 string payload.
func DecodeText(f Frame) (Event, error) {
	length, n, err := varint.FromUvarint(f.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("text length: %w", err)
	}
	if length > uint64(len(f.Payload)-n) {
		return Event{}, errors.New("text longer than packet")
	}
	text, err := f.OwnText(f.Payload[n : n+int(length)])
	if err != nil {
		return Event{}, err
	}
	return Event{
		Stream:   f.Stream,
		Index:    f.Index,
		PacketID: f.ID,
		Kind:     KindText,
		Text:     text,
	}, nil
}
