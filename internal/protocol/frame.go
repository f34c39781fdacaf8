// Package protocol implements the 5-byte-header framed wire protocol
// spoken between a tunnel client and the server: type(1) || length_be(4) || payload.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type is the 1-byte message tag on the wire.
type Type byte

const (
	TypeAuthRequest  Type = 0x01
	TypeAuthResponse Type = 0x02
	TypeConfigPush   Type = 0x03
	TypeKeepalive    Type = 0x04
	TypeKeepaliveAck Type = 0x05
	TypeDisconnect   Type = 0x06
	TypeError        Type = 0x0F
	TypeDataPacket   Type = 0x10
)

// HeaderLen is the fixed size of type+length on the wire.
const HeaderLen = 5

// DefaultMaxPayload is the policy cap recommended by the protocol: 64 KiB.
const DefaultMaxPayload = 64 * 1024

var (
	// ErrUnknownType is returned for the one tag value (0x00) that is
	// reserved and never valid on the wire.
	ErrUnknownType = errors.New("protocol: unknown frame type")
	// ErrFrameTooLarge is returned when the declared length exceeds the
	// codec's configured maximum, including the 0xFFFFFFFF sentinel.
	ErrFrameTooLarge = errors.New("protocol: frame length exceeds maximum")
)

// controlTypes is the set of assigned control tags (0x01-0x0F range).
// Tags in this range that are not present here are unassigned control
// tags: the codec still decodes them, but session dispatch logs and
// ignores them without advancing state, per §4.1.
var controlTypes = map[Type]bool{
	TypeAuthRequest:  true,
	TypeAuthResponse: true,
	TypeConfigPush:   true,
	TypeKeepalive:    true,
	TypeKeepaliveAck: true,
	TypeDisconnect:   true,
	TypeError:        true,
}

// IsControl reports whether t is one of the assigned control tags.
func IsControl(t Type) bool {
	return controlTypes[t]
}

// IsDataRange reports whether t falls in the data tag range. Only
// TypeDataPacket is assigned today; other values in the range are
// logged and dropped by session dispatch rather than rejected by the
// codec.
func IsDataRange(t Type) bool {
	return t >= TypeDataPacket
}

// Message is an immutable decoded wire unit.
type Message struct {
	Type    Type
	Payload []byte
}

// Encode produces header||payload for a message. The total wire size
// (5 + len(payload)) must not exceed maxPayload+HeaderLen.
func Encode(t Type, payload []byte, maxPayload uint32) ([]byte, error) {
	if uint32(len(payload)) > maxPayload {
		return nil, fmt.Errorf("protocol: encode payload %d exceeds max %d: %w", len(payload), maxPayload, ErrFrameTooLarge)
	}
	buf := make([]byte, HeaderLen+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf, nil
}

// DecodeOne extracts at most one complete message from the front of buf.
//
// On success, msg is non-nil, consumed is the number of bytes the
// message occupied, and needMore is 0.
//
// When buf does not yet contain a complete message, msg is nil, err is
// nil, and needMore reports the minimum number of additional bytes
// required before calling again (mirroring the spec's Need(n)).
//
// On a framing error, msg is nil, consumed and needMore are 0, and err
// is ErrUnknownType or ErrFrameTooLarge.
func DecodeOne(buf []byte, maxPayload uint32) (msg *Message, consumed int, needMore int, err error) {
	if len(buf) < HeaderLen {
		return nil, 0, HeaderLen - len(buf), nil
	}

	t := Type(buf[0])
	if t == 0x00 {
		return nil, 0, 0, ErrUnknownType
	}

	length := binary.BigEndian.Uint32(buf[1:5])
	if length > maxPayload {
		return nil, 0, 0, ErrFrameTooLarge
	}

	total := HeaderLen + int(length)
	if len(buf) < total {
		return nil, 0, total - len(buf), nil
	}

	payload := make([]byte, length)
	copy(payload, buf[HeaderLen:total])

	return &Message{Type: t, Payload: payload}, total, 0, nil
}

// DecodeAll repeatedly applies DecodeOne to buf, returning every
// complete message found in arrival order and the residual bytes left
// over (a partial trailing message, if any). If a framing error is
// encountered, the messages decoded before it are still returned
// alongside the error; the caller treats the error as fatal to the
// session regardless.
func DecodeAll(buf []byte, maxPayload uint32) (msgs []*Message, residual []byte, err error) {
	offset := 0
	for {
		msg, consumed, needMore, decErr := DecodeOne(buf[offset:], maxPayload)
		if decErr != nil {
			return msgs, nil, decErr
		}
		if needMore > 0 {
			break
		}
		msgs = append(msgs, msg)
		offset += consumed
	}
	residual = buf[offset:]
	return msgs, residual, nil
}
