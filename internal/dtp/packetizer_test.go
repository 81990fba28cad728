package dtp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketizer_SingleFitsInOnePacket(t *testing.T) {
	pz := NewPacketizer(10)
	packets, err := pz.Packetize([]byte("short payload"), 256, nil)
	require.NoError(t, err)
	require.Len(t, packets, 1)
	assert.Equal(t, MarkerSingle, packets[0].Marker)
}

func TestPacketizer_E4_Scenario(t *testing.T) {
	// local data track with MTU 256 bytes, frame payload 784 bytes.
	pz := NewPacketizer(1)
	payload := bytes.Repeat([]byte{0xAB}, 784)

	packets, err := pz.Packetize(payload, 256, nil)
	require.NoError(t, err)

	headerLen := HeaderLen(nil)
	expected := (784 + (256 - headerLen) - 1) / (256 - headerLen)
	require.Len(t, packets, expected)

	assert.Equal(t, MarkerStart, packets[0].Marker)
	for i := 1; i < len(packets)-1; i++ {
		assert.Equal(t, MarkerInter, packets[i].Marker)
	}
	assert.Equal(t, MarkerFinal, packets[len(packets)-1].Marker)

	frameNumber := packets[0].FrameNumber
	var reassembled []byte
	for i, p := range packets {
		assert.Equal(t, frameNumber, p.FrameNumber)
		assert.Equal(t, uint16(i), p.Sequence)
		reassembled = append(reassembled, p.Payload...)
	}
	assert.Equal(t, payload, reassembled)
}

func TestPacketizer_MTUTooSmall(t *testing.T) {
	pz := NewPacketizer(1)
	_, err := pz.Packetize([]byte("x"), HeaderLen(nil), nil)
	var tooSmall *ErrMTUTooSmall
	require.ErrorAs(t, err, &tooSmall)
}

func TestPacketizer_SequenceAndFrameNumberIncrementAcrossFrames(t *testing.T) {
	pz := NewPacketizer(1)

	first, err := pz.Packetize([]byte("abc"), 256, nil)
	require.NoError(t, err)
	second, err := pz.Packetize([]byte("def"), 256, nil)
	require.NoError(t, err)

	assert.Equal(t, uint16(0), first[0].FrameNumber)
	assert.Equal(t, uint16(1), second[0].FrameNumber)
	assert.Equal(t, uint16(0), first[0].Sequence)
	assert.Equal(t, uint16(1), second[0].Sequence)
}

func TestPacketizer_EmptyPayloadProducesSingleEmptyPacket(t *testing.T) {
	pz := NewPacketizer(1)
	packets, err := pz.Packetize(nil, 64, nil)
	require.NoError(t, err)
	require.Len(t, packets, 1)
	assert.Equal(t, MarkerSingle, packets[0].Marker)
	assert.Empty(t, packets[0].Payload)
}
