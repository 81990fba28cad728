package dtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDepacketizer_SinglePacketFrame(t *testing.T) {
	d := NewDepacketizer()
	p := &Packet{Marker: MarkerSingle, TrackHandle: 1, Sequence: 0, FrameNumber: 0, Payload: []byte("hello")}

	payload, _, ok, err := d.Push(p)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), payload)
}

func TestDepacketizer_MultiPacketFrame(t *testing.T) {
	d := NewDepacketizer()

	payload, _, ok, err := d.Push(&Packet{Marker: MarkerStart, TrackHandle: 1, Sequence: 0, FrameNumber: 5, Payload: []byte("ab")})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, payload)

	payload, _, ok, err = d.Push(&Packet{Marker: MarkerInter, TrackHandle: 1, Sequence: 1, FrameNumber: 5, Payload: []byte("cd")})
	require.NoError(t, err)
	assert.False(t, ok)

	payload, _, ok, err = d.Push(&Packet{Marker: MarkerFinal, TrackHandle: 1, Sequence: 2, FrameNumber: 5, Payload: []byte("ef")})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("abcdef"), payload)
}

func TestDepacketizer_SequenceGapDropsFrame(t *testing.T) {
	d := NewDepacketizer()
	_, _, _, err := d.Push(&Packet{Marker: MarkerStart, TrackHandle: 1, Sequence: 0, FrameNumber: 0, Payload: []byte("a")})
	require.NoError(t, err)

	_, _, ok, err := d.Push(&Packet{Marker: MarkerInter, TrackHandle: 1, Sequence: 2, FrameNumber: 0, Payload: []byte("c")})
	assert.ErrorIs(t, err, ErrMissedChunk)
	assert.False(t, ok)

	// Assembly must resume cleanly on the next Start/Single.
	payload, _, ok, err := d.Push(&Packet{Marker: MarkerSingle, TrackHandle: 1, Sequence: 0, FrameNumber: 1, Payload: []byte("fresh")})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("fresh"), payload)
}

func TestDepacketizer_ContinuationWithNoStartErrors(t *testing.T) {
	d := NewDepacketizer()
	_, _, ok, err := d.Push(&Packet{Marker: MarkerInter, TrackHandle: 1, Sequence: 1, FrameNumber: 0, Payload: []byte("x")})
	assert.ErrorIs(t, err, ErrUnexpectedContinuation)
	assert.False(t, ok)
}

func TestDepacketizer_StaleFrameRejectedPastTwoGenerationWatermark(t *testing.T) {
	d := NewDepacketizer()

	_, _, ok, err := d.Push(&Packet{Marker: MarkerSingle, TrackHandle: 1, Sequence: 0, FrameNumber: 10, Payload: []byte("ten")})
	require.NoError(t, err)
	require.True(t, ok)

	_, _, ok, err = d.Push(&Packet{Marker: MarkerSingle, TrackHandle: 1, Sequence: 0, FrameNumber: 11, Payload: []byte("eleven")})
	require.NoError(t, err)
	require.True(t, ok)

	_, _, ok, err = d.Push(&Packet{Marker: MarkerSingle, TrackHandle: 1, Sequence: 0, FrameNumber: 12, Payload: []byte("twelve")})
	require.NoError(t, err)
	require.True(t, ok)

	// Frame 10 is now two generations behind watermark 12; a stray late
	// packet for it must be rejected rather than silently assembled.
	_, _, ok, err = d.Push(&Packet{Marker: MarkerStart, TrackHandle: 1, Sequence: 0, FrameNumber: 10, Payload: []byte("late")})
	assert.ErrorIs(t, err, ErrStaleFrame)
	assert.False(t, ok)
}
