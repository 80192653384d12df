// Package link frames envelope batches between the simhost and its proxies.
//
// A frame is [u32 length][u8 flags][payload], little endian, where length
// counts the flags byte and the payload. FlagLZ4 marks a payload stored as an
// lz4 stream.
package link

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pierrec/lz4/v4"
)

const (
	// HeaderSize is the fixed frame header length.
	HeaderSize = 5
	// FlagLZ4 marks an lz4 compressed payload.
	FlagLZ4 uint8 = 1 << 0

	// DefaultMaxFrameSize bounds a decoded frame payload.
	DefaultMaxFrameSize = 64 << 20
	// DefaultCompressThreshold is the smallest payload worth compressing.
	DefaultCompressThreshold = 4 << 10
	// CompressionDisabled turns compression off when used as the threshold.
	CompressionDisabled = -1
)

var (
	// ErrFrameTooLarge is returned for frames above the configured maximum.
	ErrFrameTooLarge = errors.New("link: frame too large")
	// ErrUnknownFlags is returned for frames with unsupported flag bits.
	ErrUnknownFlags = errors.New("link: unknown frame flags")
	// ErrEmptyFrame is returned for a frame without a flags byte.
	ErrEmptyFrame = errors.New("link: empty frame")
)

// Config tunes framing.
type Config struct {
	MaxFrameSize      int
	CompressThreshold int
}

// DefaultConfig returns the production framing settings.
func DefaultConfig() Config {
	return Config{MaxFrameSize: DefaultMaxFrameSize, CompressThreshold: DefaultCompressThreshold}
}

// Stats counts traffic over one link.
type Stats struct {
	FramesIn   uint64
	FramesOut  uint64
	BytesIn    uint64
	BytesOut   uint64
	Compressed uint64
}

var bufferPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Conn reads and writes frames over a net.Conn. ReadFrame must be called from
// one goroutine; WriteFrame is safe for concurrent use.
type Conn struct {
	conn net.Conn
	cfg  Config
	r    *bufio.Reader

	wmu sync.Mutex

	framesIn   atomic.Uint64
	framesOut  atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
	compressed atomic.Uint64
}

// NewConn wraps c.
func NewConn(c net.Conn, cfg Config) *Conn {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.CompressThreshold == 0 {
		cfg.CompressThreshold = DefaultCompressThreshold
	}
	return &Conn{conn: c, cfg: cfg, r: bufio.NewReaderSize(c, 64<<10)}
}

// ReadFrame returns the next frame payload in a freshly allocated slice that
// the caller owns.
func (c *Conn) ReadFrame() ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header[:4])
	if length == 0 {
		return nil, ErrEmptyFrame
	}
	size := int(length) - 1
	if size > c.cfg.MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	flags := header[4]
	if flags&^FlagLZ4 != 0 {
		return nil, fmt.Errorf("%w: %#x", ErrUnknownFlags, flags)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, err
	}
	c.framesIn.Add(1)
	c.bytesIn.Add(uint64(HeaderSize + size))
	if flags&FlagLZ4 == 0 {
		return payload, nil
	}
	return c.decompress(payload)
}

func (c *Conn) decompress(src []byte) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)
	zr := lz4.NewReader(bytes.NewReader(src))
	limited := io.LimitReader(zr, int64(c.cfg.MaxFrameSize)+1)
	if _, err := io.Copy(buf, limited); err != nil {
		return nil, fmt.Errorf("link: decompress frame: %w", err)
	}
	if buf.Len() > c.cfg.MaxFrameSize {
		return nil, fmt.Errorf("%w: inflated past %d bytes", ErrFrameTooLarge, c.cfg.MaxFrameSize)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// WriteFrame writes payload as one frame, compressing it when that pays off.
func (c *Conn) WriteFrame(payload []byte) error {
	return c.WriteFrames([][]byte{payload})
}

// WriteFrames writes the concatenation of parts as one frame. Uncompressed
// parts go to the socket as a vectored write without being joined.
func (c *Conn) WriteFrames(parts [][]byte) error {
	size := 0
	for _, part := range parts {
		size += len(part)
	}
	if size > c.cfg.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	var header [HeaderSize]byte
	bufs := make(net.Buffers, 0, len(parts)+1)
	bufs = append(bufs, header[:])
	bodyLen := size
	if c.cfg.CompressThreshold > 0 && size >= c.cfg.CompressThreshold {
		buf := bufferPool.Get().(*bytes.Buffer)
		buf.Reset()
		defer bufferPool.Put(buf)
		if err := compressInto(buf, parts); err != nil {
			return err
		}
		if buf.Len() < size {
			header[4] = FlagLZ4
			bufs = append(bufs, buf.Bytes())
			bodyLen = buf.Len()
			c.compressed.Add(1)
		}
	}
	if header[4] == 0 {
		bufs = append(bufs, parts...)
	}
	binary.LittleEndian.PutUint32(header[:4], uint32(bodyLen+1))

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := bufs.WriteTo(c.conn); err != nil {
		return err
	}
	c.framesOut.Add(1)
	c.bytesOut.Add(uint64(HeaderSize + bodyLen))
	return nil
}

func compressInto(dst *bytes.Buffer, parts [][]byte) error {
	zw := lz4.NewWriter(dst)
	for _, part := range parts {
		if _, err := zw.Write(part); err != nil {
			return fmt.Errorf("link: compress frame: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("link: compress frame: %w", err)
	}
	return nil
}

// Stats returns traffic counters.
func (c *Conn) Stats() Stats {
	return Stats{
		FramesIn:   c.framesIn.Load(),
		FramesOut:  c.framesOut.Load(),
		BytesIn:    c.bytesIn.Load(),
		BytesOut:   c.bytesOut.Load(),
		Compressed: c.compressed.Load(),
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// NetConn exposes the wrapped connection.
func (c *Conn) NetConn() net.Conn { return c.conn }

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
