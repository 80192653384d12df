package ingress

import (
	"errors"
	"unicode/utf8"
)

// ErrInvalidUTF8 reports a text payload that is not valid UTF-8.
var ErrInvalidUTF8 = errors.New("ingress: invalid utf-8")

// Bytes is an independently owned byte payload. It never aliases the
// fragment chain it was decoded from.
type Bytes struct {
	b []byte
}

// CopyBytes detaches src into an owned payload.
func CopyBytes(src []byte) Bytes {
	if len(src) == 0 {
		return Bytes{}
	}
	owned := make([]byte, len(src))
	copy(owned, src)
	return Bytes{b: owned}
}

// Bytes returns the payload. Callers must not modify it.
func (b Bytes) Bytes() []byte { return b.b }

// Len returns the payload length.
func (b Bytes) Len() int { return len(b.b) }

// UTF8Bytes is an owned payload that has been validated as UTF-8.
type UTF8Bytes struct {
	b []byte
}

// CopyUTF8 validates src and copies it once into an owned handle.
func CopyUTF8(src []byte) (UTF8Bytes, error) {
	if !utf8.Valid(src) {
		return UTF8Bytes{}, ErrInvalidUTF8
	}
	return UTF8Bytes{b: CopyBytes(src).b}, nil
}

// ownedUTF8 wraps an already owned buffer after validating it.
func ownedUTF8(b []byte) (UTF8Bytes, error) {
	if !utf8.Valid(b) {
		return UTF8Bytes{}, ErrInvalidUTF8
	}
	return UTF8Bytes{b: b}, nil
}

// Bytes returns the validated text bytes. Callers must not modify them.
func (u UTF8Bytes) Bytes() []byte { return u.b }

// String returns the text as a string.
func (u UTF8Bytes) String() string { return string(u.b) }

// Len returns the byte length of the text.
func (u UTF8Bytes) Len() int { return len(u.b) }
