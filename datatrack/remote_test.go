package datatrack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtcsdk/core/internal/dtp"
	"github.com/rtcsdk/core/internal/signal"
)

func TestRemoteManager_ReconcilePublicationsAddsAndRemoves(t *testing.T) {
	m := NewRemoteManager(nil, nil, nil)

	fresh := m.ReconcilePublications("alice", []DataTrackInfo{
		{Sid: "TR_1", Name: "chat"},
		{Sid: "TR_2", Name: "whiteboard"},
	})
	require.Len(t, fresh, 2)

	// A second reconciliation with only TR_1 present removes TR_2.
	fresh = m.ReconcilePublications("alice", []DataTrackInfo{
		{Sid: "TR_1", Name: "chat"},
	})
	assert.Empty(t, fresh)

	m.mu.Lock()
	_, stillThere := m.bySid["TR_1"]
	_, removed := m.bySid["TR_2"]
	m.mu.Unlock()
	assert.True(t, stillThere)
	assert.False(t, removed)
}

func TestRemoteManager_HandleSignalMessageWiresSubscriberHandle(t *testing.T) {
	m := NewRemoteManager(nil, nil, nil)
	m.ReconcilePublications("alice", []DataTrackInfo{{Sid: "TR_1", Name: "chat"}})

	env, err := signal.NewEnvelope(signal.KindDataTrackSubscriberHandles, subscriberHandlesPayload{
		Handles: map[string]uint16{"TR_1": 7},
	})
	require.NoError(t, err)
	m.HandleSignalMessage(env)

	m.mu.Lock()
	state, ok := m.byHandle[TrackHandle(7)]
	m.mu.Unlock()
	require.True(t, ok)
	assert.True(t, state.subscribed)
	assert.Equal(t, "TR_1", state.track.Sid)
}

func TestRemoteManager_PacketReceivedDeliversCompletedFrameToSubscriber(t *testing.T) {
	m := NewRemoteManager(nil, nil, nil)
	m.ReconcilePublications("alice", []DataTrackInfo{{Sid: "TR_1", Name: "chat"}})
	env, _ := signal.NewEnvelope(signal.KindDataTrackSubscriberHandles, subscriberHandlesPayload{
		Handles: map[string]uint16{"TR_1": 3},
	})
	m.HandleSignalMessage(env)

	m.mu.Lock()
	track := m.byHandle[TrackHandle(3)].track
	m.mu.Unlock()
	sub := track.Subscribe()

	packetizer := dtp.NewPacketizer(3)
	packets, err := packetizer.Packetize([]byte("hello world"), 1200, nil)
	require.NoError(t, err)
	require.Len(t, packets, 1)

	raw, err := dtp.Encode(packets[0])
	require.NoError(t, err)
	m.PacketReceived(raw)

	select {
	case ev := <-sub:
		assert.Equal(t, []byte("hello world"), ev.Payload)
	default:
		t.Fatal("expected a completed frame to be delivered")
	}
}

func TestRemoteManager_PacketReceivedDropsUnknownHandle(t *testing.T) {
	m := NewRemoteManager(nil, nil, nil)

	packetizer := dtp.NewPacketizer(99)
	packets, err := packetizer.Packetize([]byte("orphan"), 1200, nil)
	require.NoError(t, err)
	raw, err := dtp.Encode(packets[0])
	require.NoError(t, err)

	// Must not panic on an unknown track handle.
	m.PacketReceived(raw)
}

func TestRemoteManager_PacketReceivedLegacyReturnsDecodedPacketRegardlessOfTrackMatch(t *testing.T) {
	m := NewRemoteManager(nil, nil, nil)

	buf, err := encodeLegacyDataPacket(legacyDataPacket{
		Kind:                "reliable",
		Payload:             []byte("hi"),
		ParticipantIdentity: "alice",
		Topic:               "no-such-track",
	})
	require.NoError(t, err)

	dr, err := m.PacketReceivedLegacy(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), dr.Payload)
	assert.Equal(t, "no-such-track", dr.Topic)
	assert.Equal(t, "alice", dr.ParticipantIdentity)
	assert.True(t, dr.Reliable)
}

func TestRemoteManager_PacketReceivedLegacyErrorsOnGarbage(t *testing.T) {
	m := NewRemoteManager(nil, nil, nil)
	_, err := m.PacketReceivedLegacy([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}
