package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/smdlink/pkg"
)

// Kind identifies a logical channel kind and, for framed kinds, its wire layout.
type Kind uint8

// Channel kinds.
const (
	KindFmt  Kind = iota // IPC formatted messages
	KindRaw              // Multiplexed CSD / ROUTER / LB / PDP
	KindRfs              // Remote file system relay
	KindCmd              // Link control opcodes (unframed)
	KindDown             // Boot image download (unframed)
)

// NumKinds is the number of channel kinds.
const NumKinds = 5

// String returns the channel kind name.
func (k Kind) String() string {
	switch k {
	case KindFmt:
		return "fmt"
	case KindRaw:
		return "raw"
	case KindRfs:
		return "rfs"
	case KindCmd:
		return "cmd"
	case KindDown:
		return "down"
	default:
		return "unknown"
	}
}

// ParseKind returns the Kind named s.
func ParseKind(s string) (Kind, error) {
	for k := KindFmt; k < NumKinds; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: channel kind %q", pkg.ErrInvalidParameter, s)
}

// Framed reports whether the kind uses sentinel framing on the wire.
func (k Kind) Framed() bool {
	return k == KindFmt || k == KindRaw || k == KindRfs
}

// Sentinel bytes.
const (
	StartFlag = 0x7F
	EndFlag   = 0x7E
)

// Header and trailer sizes on the wire, start sentinel included.
const (
	FmtHeaderSize = 1 + 2 + 1     // flag, len16, ctrl
	RawHeaderSize = 1 + 4 + 1 + 1 // flag, len32, id, ctrl
	RfsHeaderSize = 1 + 4 + 1 + 1 // flag, len32, cmd, id

	FmtTrailerSize = 1
	RawTrailerSize = 1
	RfsTrailerSize = 2
)

// Length limits.
const (
	// MaxRawLength caps the RAW length field; larger values are corrupt.
	MaxRawLength = 1550

	// MaxRawPayload is the largest RAW payload (len = total - 1 = 7 + payload).
	MaxRawPayload = MaxRawLength - 7

	// MaxFmtPayload is the largest FMT payload (len = 3 + payload, 16 bits).
	MaxFmtPayload = 0xFFFF - 3

	// MaxRfsPayload caps RFS payloads (len = 6 + payload).
	MaxRfsPayload = 64 * 1024
)

// Frame is one decoded record. Which header fields are meaningful depends
// on the kind: FMT carries Ctrl, RAW carries ID and Ctrl, RFS carries Cmd
// and ID.
type Frame struct {
	Ctrl    uint8
	ID      uint8
	Cmd     uint8
	Payload []byte
}

// HeaderSize returns the header size of a framed kind, or 0.
func HeaderSize(k Kind) int {
	switch k {
	case KindFmt:
		return FmtHeaderSize
	case KindRaw:
		return RawHeaderSize
	case KindRfs:
		return RfsHeaderSize
	}
	return 0
}

// TrailerSize returns the number of end sentinels of a framed kind, or 0.
func TrailerSize(k Kind) int {
	switch k {
	case KindFmt:
		return FmtTrailerSize
	case KindRaw:
		return RawTrailerSize
	case KindRfs:
		return RfsTrailerSize
	}
	return 0
}

// MaxPayload returns the payload limit of a framed kind.
func MaxPayload(k Kind) int {
	switch k {
	case KindFmt:
		return MaxFmtPayload
	case KindRaw:
		return MaxRawPayload
	case KindRfs:
		return MaxRfsPayload
	}
	return 0
}

// EncodedLen returns the wire size of a frame carrying n payload bytes.
func EncodedLen(k Kind, n int) int {
	return HeaderSize(k) + n + TrailerSize(k)
}

// lengthField returns the value stored in the length field for a payload of
// n bytes. The conventions differ per kind and are kept as observed on the
// wire:
//
//	FMT: len16 = 2 (len) + 1 (ctrl) + n
//	RAW: len32 = total frame size - 1 (everything but the start flag)
//	RFS: len32 = 4 (len) + 1 (cmd) + 1 (id) + n
func lengthField(k Kind, n int) int {
	switch k {
	case KindFmt:
		return 3 + n
	case KindRaw:
		return EncodedLen(KindRaw, n) - 1
	case KindRfs:
		return 6 + n
	}
	return 0
}

// payloadLen inverts lengthField. The result may be negative for corrupt
// length values.
func payloadLen(k Kind, field int) int {
	switch k {
	case KindFmt:
		return field - 3
	case KindRaw:
		return field + 1 - RawHeaderSize - RawTrailerSize
	case KindRfs:
		return field - 6
	}
	return -1
}

// Encode serializes f as a kind frame.
func Encode(k Kind, f Frame) ([]byte, error) {
	return AppendEncode(make([]byte, 0, EncodedLen(k, len(f.Payload))), k, f)
}

// AppendEncode appends the wire form of f to dst.
// Returns [pkg.ErrInvalidParameter] for unframed kinds and
// [pkg.ErrBufferTooSmall] when the payload exceeds the kind's limit.
func AppendEncode(dst []byte, k Kind, f Frame) ([]byte, error) {
	if !k.Framed() {
		return dst, fmt.Errorf("%w: kind %s is not framed", pkg.ErrInvalidParameter, k)
	}
	if len(f.Payload) > MaxPayload(k) {
		return dst, fmt.Errorf("%w: %s payload %d > %d", pkg.ErrBufferTooSmall, k, len(f.Payload), MaxPayload(k))
	}

	length := lengthField(k, len(f.Payload))
	dst = append(dst, StartFlag)
	switch k {
	case KindFmt:
		dst = binary.LittleEndian.AppendUint16(dst, uint16(length))
		dst = append(dst, f.Ctrl)
	case KindRaw:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(length))
		dst = append(dst, f.ID, f.Ctrl)
	case KindRfs:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(length))
		dst = append(dst, f.Cmd, f.ID)
	}
	dst = append(dst, f.Payload...)
	for i := 0; i < TrailerSize(k); i++ {
		dst = append(dst, EndFlag)
	}
	return dst, nil
}
