package datatrack

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtcsdk/core/internal/engine"
	"github.com/rtcsdk/core/internal/signal"
)

func newTestSignalServer(t *testing.T, onPublish func(pubHandle uint16) (sid string, rejected bool, reason string)) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		join, _ := signal.NewEnvelope(signal.KindJoin, map[string]string{"sid": "room-1"})
		body, _ := signal.EncodeMessage(join)
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, body))

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := signal.DecodeMessage(raw)
			if err != nil {
				continue
			}
			if msg.Kind != signal.KindPublishDataTrack {
				continue
			}
			var p publishDataTrackRequestPayload
			require.NoError(t, msg.Get(&p))

			sid, rejected, reason := onPublish(p.PubHandle)
			var resp signal.Envelope
			if rejected {
				resp, _ = signal.NewEnvelope(signal.KindRequestResponse, requestResponsePayload{PubHandle: p.PubHandle, Reason: reason})
			} else {
				resp, _ = signal.NewEnvelope(signal.KindPublishDataTrackResponse, publishDataTrackResponsePayload{PubHandle: p.PubHandle, Sid: sid})
			}
			respBody, _ := signal.EncodeMessage(resp)
			conn.WriteMessage(websocket.BinaryMessage, respBody)
		}
	}))
}

func connectedSignalClient(t *testing.T, srv *httptest.Server) *signal.Client {
	t.Helper()
	c := signal.New(nil)
	t.Cleanup(func() { c.Close() })
	wsURL := "ws" + srv.URL[len("http"):]
	_, err := c.Connect(t.Context(), wsURL, "token", signal.Options{})
	require.NoError(t, err)
	return c
}

func TestLocalManager_PublishResolvesOnSuccess(t *testing.T) {
	srv := newTestSignalServer(t, func(pubHandle uint16) (string, bool, string) {
		return "TR_abc123", false, ""
	})
	defer srv.Close()

	sig := connectedSignalClient(t, srv)
	go func() {
		for range sig.Events() {
		}
	}()

	eng := engine.New(nil)
	m := NewLocalManager(nil, sig, eng, nil)

	track, err := m.Publish(t.Context(), PublishOptions{Name: "chat"})
	require.NoError(t, err)
	assert.Equal(t, "chat", track.Name())
	assert.NotZero(t, track.Handle())
}

func TestLocalManager_PublishFailsOnRejection(t *testing.T) {
	srv := newTestSignalServer(t, func(pubHandle uint16) (string, bool, string) {
		return "", true, "DuplicateName"
	})
	defer srv.Close()

	sig := connectedSignalClient(t, srv)
	go func() {
		for range sig.Events() {
		}
	}()

	eng := engine.New(nil)
	m := NewLocalManager(nil, sig, eng, nil)

	_, err := m.Publish(t.Context(), PublishOptions{Name: "dup"})
	assert.Error(t, err)
}

func TestLocalDataTrack_PublishDropsFrameWhenQueueFull(t *testing.T) {
	eng := engine.New(nil)
	m := NewLocalManager(nil, nil, eng, nil)
	track := m.startTrack(TrackHandle(1), "TR_full", PublishOptions{Name: "full-queue"})

	// Saturate the frame queue before any consumer drains it by stopping
	// the per-track task immediately.
	m.mu.Lock()
	state := m.tracks[track.handle]
	m.mu.Unlock()
	state.cancel()
	time.Sleep(10 * time.Millisecond)

	for i := 0; i < defaultFrameQueueSize; i++ {
		require.NoError(t, track.Publish([]byte("frame")))
	}
	err := track.Publish([]byte("one too many"))
	assert.Error(t, err)
}
