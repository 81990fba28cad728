package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rtcsdk/core/internal/signal"
)

func TestConnectionState_String(t *testing.T) {
	cases := map[ConnectionState]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateReconnecting: "reconnecting",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}

func TestEngine_HandleSignalMessage_ResolvesPendingAddTrack(t *testing.T) {
	e := New(nil)

	respCh := make(chan trackPublishedPayload, 1)
	e.pendingTrackMu.Lock()
	e.pendingTrack["cid-1"] = respCh
	e.pendingTrackMu.Unlock()

	msg, err := signal.NewEnvelope(signal.KindTrackPublished, trackPublishedPayload{Cid: "cid-1", Sid: "TR_abc"})
	assert.NoError(t, err)

	e.handleSignalMessage(msg)

	select {
	case resp := <-respCh:
		assert.Equal(t, "TR_abc", resp.Sid)
	default:
		t.Fatal("expected the pending add-track request to be resolved")
	}
}

func TestEngine_PublishData_FailsWhenNotConnected(t *testing.T) {
	e := New(nil)
	err := e.PublishData([]byte("hello"), Reliable)
	assert.Error(t, err)
}

func TestEngine_DataChannelFor(t *testing.T) {
	e := New(nil)
	assert.Nil(t, e.dataChannelFor(Reliable))
	assert.Nil(t, e.dataChannelFor(Lossy))
}

func TestEngine_PublishMediaTrack_FailsWhenNotConnected(t *testing.T) {
	e := New(nil)
	sid, sender, err := e.PublishMediaTrack(context.Background(), nil, AddTrackRequest{Name: "cam", Kind: "video"})
	assert.Error(t, err)
	assert.Empty(t, sid)
	assert.Nil(t, sender)
}

func TestEngine_UnpublishMediaTrack_FailsWhenNotConnected(t *testing.T) {
	e := New(nil)
	err := e.UnpublishMediaTrack(nil)
	assert.Error(t, err)
}

func TestEngine_SupportsDataTrackProtocol_DefaultsTrueBeforeConnect(t *testing.T) {
	e := New(nil)
	assert.True(t, e.SupportsDataTrackProtocol())
}
