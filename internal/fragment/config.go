package fragment

import (
	"errors"

	"github.com/multiformats/go-varint"
)

const (
	// DefaultChunkSize is the capacity of a freshly allocated fragment.
	DefaultChunkSize = 4096
	// DefaultMaxPacketSize is the largest body a three byte varint can describe.
	DefaultMaxPacketSize = 1<<21 - 1
	// DefaultMaxOutstanding bounds committed bytes still referenced by readers.
	DefaultMaxOutstanding = 8 << 20
)

var (
	// ErrZeroLength reports a frame declaring an empty body.
	ErrZeroLength = errors.New("fragment: zero length frame")
	// ErrTooLarge reports a frame body above the configured maximum.
	ErrTooLarge = errors.New("fragment: frame too large")
	// ErrMalformedLength reports a length prefix that is not a valid minimal varint.
	ErrMalformedLength = errors.New("fragment: malformed length prefix")
	// ErrClosed reports use of a closed buffer.
	ErrClosed = errors.New("fragment: buffer closed")
	// ErrOutstandingLimit reports that accepting the chunk would exceed MaxOutstanding.
	ErrOutstandingLimit = errors.New("fragment: outstanding byte limit reached")
)

// Config tunes fragment sizing and limits.
type Config struct {
	ChunkSize      int
	MaxPacketSize  int
	MaxOutstanding int64
}

// DefaultConfig returns the standard fragment sizing.
func DefaultConfig() Config {
	return Config{
		ChunkSize:      DefaultChunkSize,
		MaxPacketSize:  DefaultMaxPacketSize,
		MaxOutstanding: DefaultMaxOutstanding,
	}
}

func (c Config) normalized() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = DefaultMaxPacketSize
	}
	if c.MaxOutstanding <= 0 {
		c.MaxOutstanding = DefaultMaxOutstanding
	}
	return c
}

func (c Config) maxHeaderLen() int {
	return varint.UvarintSize(uint64(c.MaxPacketSize))
}

// IsProtocolError reports whether err was caused by malformed client framing.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrZeroLength) || errors.Is(err, ErrTooLarge) || errors.Is(err, ErrMalformedLength)
}
