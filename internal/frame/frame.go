package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderLen is the size of an encoded frame header.
	HeaderLen = 9

	// DefaultMaxFrameSize bounds the payload of a single frame.
	DefaultMaxFrameSize = 16 * 1024

	maxStreamID = 1<<31 - 1
	maxLength   = 1<<24 - 1
)

// Type identifies a frame.
type Type uint8

const (
	TypeData         = Type(0x0)
	TypeRstStream    = Type(0x3)
	TypeSettings     = Type(0x4)
	TypePing         = Type(0x6)
	TypeGoAway       = Type(0x7)
	TypeWindowUpdate = Type(0x8)
)

// Flags.
const (
	FlagEndStream = uint8(0x1)
	FlagAck       = uint8(0x1)
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeRstStream:
		return "RST_STREAM"
	case TypeSettings:
		return "SETTINGS"
	case TypePing:
		return "PING"
	case TypeGoAway:
		return "GOAWAY"
	case TypeWindowUpdate:
		return "WINDOW_UPDATE"
	}
	return fmt.Sprintf("UNKNOWN(0x%x)", uint8(t))
}

var (
	// ErrInvalidStreamID is returned for stream ids outside 31 bits, or a zero
	// id on a stream-scoped frame.
	ErrInvalidStreamID = errors.New("invalid stream id")
	// ErrFrameTooLarge is returned when a payload exceeds the frame size limit.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrInvalidDelta is returned for a window update of 0 or above 2^31-1.
	ErrInvalidDelta = errors.New("invalid window update delta")
	// ErrBadPayload is returned when a control frame payload has the wrong size.
	ErrBadPayload = errors.New("malformed frame payload")
)

// Header is the fixed prefix of every frame: a 24-bit payload length, the
// type, flags and a 31-bit stream id, big endian.
type Header struct {
	Length   uint32
	Type     Type
	Flags    uint8
	StreamID uint32
}

// Encode returns the wire form of h.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderLen)
	buf[0] = byte(h.Length >> 16)
	buf[1] = byte(h.Length >> 8)
	buf[2] = byte(h.Length)
	buf[3] = byte(h.Type)
	buf[4] = h.Flags
	binary.BigEndian.PutUint32(buf[5:], h.StreamID&maxStreamID)
	return buf
}

// ParseHeader decodes a header from the first HeaderLen bytes of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, fmt.Errorf("short frame header (%d bytes): %w", len(buf), ErrBadPayload)
	}
	return Header{
		Length:   uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2]),
		Type:     Type(buf[3]),
		Flags:    buf[4],
		StreamID: binary.BigEndian.Uint32(buf[5:]) & maxStreamID,
	}, nil
}

// Frame is a decoded frame.
type Frame struct {
	Header
	Payload []byte
}

// EndStream reports whether a DATA frame closes its stream.
func (f Frame) EndStream() bool {
	return f.Type == TypeData && f.Flags&FlagEndStream != 0
}

// Setting is one SETTINGS entry.
type Setting struct {
	ID    uint16
	Value uint32
}

// Setting identifiers.
const (
	SettingInitialWindowSize = uint16(0x4)
	SettingMaxFrameSize      = uint16(0x5)
)

// GoAway is the decoded payload of a GOAWAY frame.
type GoAway struct {
	LastStreamID uint32
	Code         uint32
}

// ParseSettings decodes a SETTINGS payload.
func ParseSettings(f Frame) ([]Setting, error) {
	if f.Type != TypeSettings || len(f.Payload)%6 != 0 {
		return nil, fmt.Errorf("settings payload of %d bytes: %w", len(f.Payload), ErrBadPayload)
	}
	out := make([]Setting, 0, len(f.Payload)/6)
	for p := f.Payload; len(p) > 0; p = p[6:] {
		out = append(out, Setting{
			ID:    binary.BigEndian.Uint16(p),
			Value: binary.BigEndian.Uint32(p[2:]),
		})
	}
	return out, nil
}

// ParseGoAway decodes a GOAWAY payload.
func ParseGoAway(f Frame) (GoAway, error) {
	if f.Type != TypeGoAway || len(f.Payload) != 8 {
		return GoAway{}, fmt.Errorf("goaway payload of %d bytes: %w", len(f.Payload), ErrBadPayload)
	}
	return GoAway{
		LastStreamID: binary.BigEndian.Uint32(f.Payload) & maxStreamID,
		Code:         binary.BigEndian.Uint32(f.Payload[4:]),
	}, nil
}

// ParseUint32 decodes the single 32-bit field carried by WINDOW_UPDATE and
// RST_STREAM frames.
func ParseUint32(f Frame) (uint32, error) {
	if len(f.Payload) != 4 {
		return 0, fmt.Errorf("%s payload of %d bytes: %w", f.Type, len(f.Payload), ErrBadPayload)
	}
	v := binary.BigEndian.Uint32(f.Payload)
	if f.Type == TypeWindowUpdate {
		v &= maxStreamID
	}
	return v, nil
}
