package signal

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJoinServer(t *testing.T, onMessage func(Envelope)) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		join, err := NewEnvelope(KindJoin, map[string]string{"sid": "room-1"})
		require.NoError(t, err)
		body, err := EncodeMessage(join)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, body))

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := DecodeMessage(raw)
			if err != nil {
				continue
			}
			if onMessage != nil {
				onMessage(msg)
			}
		}
	}))
	return srv
}

func wsURL(t *testing.T, httpURL string) string {
	t.Helper()
	return "ws" + httpURL[len("http"):]
}

func TestClient_ConnectReceivesJoin(t *testing.T) {
	srv := newJoinServer(t, nil)
	defer srv.Close()

	c := New(nil)
	defer c.Close()

	env, err := c.Connect(t.Context(), wsURL(t, srv.URL), "token", Options{AutoSubscribe: true})
	require.NoError(t, err)
	assert.Equal(t, KindJoin, env.Kind)

	var payload struct {
		Sid string `json:"sid"`
	}
	require.NoError(t, env.Get(&payload))
	assert.Equal(t, "room-1", payload.Sid)
}

func TestClient_SendDeliversAfterConnect(t *testing.T) {
	received := make(chan Envelope, 1)
	srv := newJoinServer(t, func(e Envelope) {
		received <- e
	})
	defer srv.Close()

	c := New(nil)
	defer c.Close()

	_, err := c.Connect(t.Context(), wsURL(t, srv.URL), "token", Options{})
	require.NoError(t, err)

	leave, err := NewEnvelope(KindLeave, map[string]bool{"reason": true})
	require.NoError(t, err)
	require.NoError(t, c.Send(leave))

	select {
	case got := <-received:
		assert.Equal(t, KindLeave, got.Kind)
	case <-time.After(time.Second):
		t.Fatal("server never received the message")
	}
}

func TestClient_SendBuffersWhenDisconnected(t *testing.T) {
	c := New(nil)
	defer c.Close()

	msg, err := NewEnvelope(KindPing, nil)
	require.NoError(t, err)
	require.NoError(t, c.Send(msg))
	assert.Equal(t, 1, c.pending.len())
}

func TestBuildURL_SetsQueryParams(t *testing.T) {
	u, err := buildURL("https://example.livekit.cloud", "tok", Options{AutoSubscribe: true, AdaptiveStream: true})
	require.NoError(t, err)
	assert.Contains(t, u, "wss://")
	assert.Contains(t, u, "access_token=tok")
	assert.Contains(t, u, "protocol=15")
	assert.Contains(t, u, "auto_subscribe=1")
	assert.Contains(t, u, "adaptive_stream=1")
}

func TestBuildURL_ReconnectIncludesSid(t *testing.T) {
	u, err := buildURL("wss://example.com", "tok", Options{Reconnect: true, Sid: "pc-1"})
	require.NoError(t, err)
	assert.Contains(t, u, "reconnect=1")
	assert.Contains(t, u, "sid=pc-1")
}
