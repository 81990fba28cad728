package datatrack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtcsdk/core/internal/engine"
)

func TestLegacyDataPacket_EncodeDecodeRoundTrip(t *testing.T) {
	want := legacyDataPacket{
		Kind:                  "reliable",
		Payload:                []byte("hello"),
		ParticipantIdentity:   "alice",
		DestinationIdentities: []string{"bob", "carol"},
		Topic:                 "chat",
	}

	buf, err := encodeLegacyDataPacket(want)
	require.NoError(t, err)

	got, err := decodeLegacyDataPacket(buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLegacyDataPacket_DecodeFailsOnGarbage(t *testing.T) {
	_, err := decodeLegacyDataPacket([]byte{0xff, 0x00, 0xff})
	assert.Error(t, err)
}

func TestSendDataPacket_FailsWhenEngineNotConnected(t *testing.T) {
	eng := engine.New(nil)
	err := SendDataPacket(eng, "alice", DataPacket{Payload: []byte("hi"), Topic: "chat"})
	assert.Error(t, err)
}
