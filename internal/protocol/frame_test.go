package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte("hello tunnel")
	wire, err := Encode(TypeDataPacket, payload, DefaultMaxPayload)
	require.NoError(t, err)

	msg, consumed, needMore, err := DecodeOne(wire, DefaultMaxPayload)
	require.NoError(t, err)
	assert.Equal(t, 0, needMore)
	assert.Equal(t, len(wire), consumed)
	assert.Equal(t, TypeDataPacket, msg.Type)
	assert.Equal(t, payload, msg.Payload)
}

func TestDecodeOneNeedsMoreHeaderBytes(t *testing.T) {
	_, consumed, needMore, err := DecodeOne([]byte{0x10, 0x00}, DefaultMaxPayload)
	require.NoError(t, err)
	assert.Equal(t, 0, consumed)
	assert.Equal(t, HeaderLen-2, needMore)
}

func TestDecodeOneNeedsMorePayloadBytes(t *testing.T) {
	header := make([]byte, HeaderLen)
	header[0] = byte(TypeDataPacket)
	binary.BigEndian.PutUint32(header[1:], 10)

	_, consumed, needMore, err := DecodeOne(header, DefaultMaxPayload)
	require.NoError(t, err)
	assert.Equal(t, 0, consumed)
	assert.Equal(t, 10, needMore)
}

func TestDecodeOneRejectsUnknownType(t *testing.T) {
	buf := []byte{0x00, 0, 0, 0, 0}
	_, _, _, err := DecodeOne(buf, DefaultMaxPayload)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeOneRejectsLengthOverflowSentinel(t *testing.T) {
	buf := make([]byte, HeaderLen)
	buf[0] = byte(TypeDataPacket)
	binary.BigEndian.PutUint32(buf[1:], 0xFFFFFFFF)
	_, _, _, err := DecodeOne(buf, DefaultMaxPayload)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeOneRejectsLengthAboveConfiguredMax(t *testing.T) {
	buf := make([]byte, HeaderLen)
	buf[0] = byte(TypeDataPacket)
	binary.BigEndian.PutUint32(buf[1:], DefaultMaxPayload+1)
	_, _, _, err := DecodeOne(buf, DefaultMaxPayload)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeAllSplitAcrossFragments(t *testing.T) {
	m1, _ := Encode(TypeKeepalive, nil, DefaultMaxPayload)
	m2, _ := Encode(TypeDataPacket, []byte("packet-two"), DefaultMaxPayload)
	whole := append(append([]byte{}, m1...), m2...)

	// Split into three arbitrary fragments, none aligned to a message boundary.
	f1 := whole[:3]
	f2 := whole[3:12]
	f3 := whole[12:]

	var buf []byte
	var all []*Message

	buf = append(buf, f1...)
	msgs, residual, err := DecodeAll(buf, DefaultMaxPayload)
	require.NoError(t, err)
	all = append(all, msgs...)
	buf = residual

	buf = append(buf, f2...)
	msgs, residual, err = DecodeAll(buf, DefaultMaxPayload)
	require.NoError(t, err)
	all = append(all, msgs...)
	buf = residual

	buf = append(buf, f3...)
	msgs, residual, err = DecodeAll(buf, DefaultMaxPayload)
	require.NoError(t, err)
	all = append(all, msgs...)

	require.Len(t, all, 2)
	assert.Equal(t, TypeKeepalive, all[0].Type)
	assert.Equal(t, TypeDataPacket, all[1].Type)
	assert.Equal(t, []byte("packet-two"), all[1].Payload)
	assert.Empty(t, residual)
}

func TestDecodeAllConcatenatedMessagesInOneBuffer(t *testing.T) {
	m1, _ := Encode(TypeAuthRequest, []byte(`{"username":"a"}`), DefaultMaxPayload)
	m2, _ := Encode(TypeKeepaliveAck, nil, DefaultMaxPayload)
	m3, _ := Encode(TypeDisconnect, nil, DefaultMaxPayload)
	buf := append(append(append([]byte{}, m1...), m2...), m3...)

	msgs, residual, err := DecodeAll(buf, DefaultMaxPayload)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Empty(t, residual)
}

func TestDecodeAllStopsAtFramingError(t *testing.T) {
	good, _ := Encode(TypeKeepalive, nil, DefaultMaxPayload)
	bad := []byte{0x00, 0, 0, 0, 0}
	buf := append(append([]byte{}, good...), bad...)

	msgs, _, err := DecodeAll(buf, DefaultMaxPayload)
	assert.ErrorIs(t, err, ErrUnknownType)
	require.Len(t, msgs, 1)
}

func BenchmarkEncodeDecodeDataPacket(b *testing.B) {
	payload := make([]byte, 1400)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		wire, _ := Encode(TypeDataPacket, payload, DefaultMaxPayload)
		_, _, _, _ = DecodeOne(wire, DefaultMaxPayload)
	}
}
