package dtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_Roundtrip(t *testing.T) {
	tests := []struct {
		name string
		pkt  *Packet
	}{
		{
			name: "no extensions",
			pkt: &Packet{
				Version:     CurrentVersion,
				Marker:      MarkerSingle,
				TrackHandle: 7,
				Sequence:    100,
				FrameNumber: 4,
				Timestamp:   123456,
				Payload:     []byte("hello world"),
			},
		},
		{
			name: "empty payload",
			pkt: &Packet{
				Marker:      MarkerSingle,
				TrackHandle: 1,
				Sequence:    0,
				FrameNumber: 0,
			},
		},
		{
			name: "with e2ee extension",
			pkt: &Packet{
				Marker:      MarkerStart,
				TrackHandle: 42,
				Sequence:    5,
				FrameNumber: 2,
				Extensions:  WithE2eeExt(nil, 3, make([]byte, 12)),
				Payload:     []byte{1, 2, 3, 4, 5},
			},
		},
		{
			name: "with both extensions",
			pkt: &Packet{
				Marker:      MarkerFinal,
				TrackHandle: 42,
				Sequence:    6,
				FrameNumber: 2,
				Extensions:  WithUserTimestampExt(WithE2eeExt(nil, 9, make([]byte, 12)), 1700000000000),
				Payload:     []byte("tail"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := Encode(tt.pkt)
			require.NoError(t, err)

			got, err := Decode(buf)
			require.NoError(t, err)

			assert.Equal(t, tt.pkt.TrackHandle, got.TrackHandle)
			assert.Equal(t, tt.pkt.Sequence, got.Sequence)
			assert.Equal(t, tt.pkt.FrameNumber, got.FrameNumber)
			assert.Equal(t, tt.pkt.Marker, got.Marker)
			assert.Equal(t, tt.pkt.Payload, got.Payload)
			assert.Equal(t, len(tt.pkt.Extensions), len(got.Extensions))
		})
	}
}

func TestDecode_ZeroTrackHandle(t *testing.T) {
	buf, err := Encode(&Packet{TrackHandle: 1, Marker: MarkerSingle})
	require.NoError(t, err)
	buf[1], buf[2] = 0, 0 // stomp the track handle field

	_, err = Decode(buf)
	assert.ErrorIs(t, err, ErrZeroTrackHandle)
}

func TestDecode_TruncatedHeader(t *testing.T) {
	_, err := Decode(make([]byte, 5))
	assert.ErrorIs(t, err, ErrTruncatedHeader)
}

func TestDecode_UnsupportedVersion(t *testing.T) {
	buf, err := Encode(&Packet{TrackHandle: 1, Marker: MarkerSingle})
	require.NoError(t, err)
	buf[0] |= 0x01 << 5 // bump version field to 1

	_, err = Decode(buf)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDecode_SkipsUnknownExtensionTag(t *testing.T) {
	exts := []Extension{{Tag: 99, Value: []byte("future")}}
	pkt := &Packet{TrackHandle: 3, Marker: MarkerSingle, Extensions: exts, Payload: []byte("x")}

	buf, err := Encode(pkt)
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Len(t, got.Extensions, 1)
	assert.Equal(t, uint16(99), got.Extensions[0].Tag)
	assert.Equal(t, []byte("x"), got.Payload)
}

func TestE2eeExt_RoundTrip(t *testing.T) {
	iv := make([]byte, 12)
	for i := range iv {
		iv[i] = byte(i)
	}
	pkt := &Packet{Extensions: WithE2eeExt(nil, 5, iv)}
	keyIndex, gotIV, ok := pkt.E2eeExt()
	require.True(t, ok)
	assert.Equal(t, byte(5), keyIndex)
	assert.Equal(t, iv, gotIV)
}
