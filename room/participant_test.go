package room

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtcsdk/core/datastream"
	"github.com/rtcsdk/core/datatrack"
	"github.com/rtcsdk/core/internal/engine"
	"github.com/rtcsdk/core/internal/signal"
)

// newTestSignalServer accepts a Join, then replies to every
// PublishDataTrack request it sees with a success response and sends
// nothing back for UnpublishDataTrack, mirroring datatrack's own test
// fixture.
func newTestSignalServer(t *testing.T) *httptest.Server {
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
			switch msg.Kind {
			case signal.KindPublishDataTrack:
				var p struct {
					PubHandle uint16 `json:"pub_handle"`
				}
				require.NoError(t, msg.Get(&p))
				resp, _ := signal.NewEnvelope(signal.KindPublishDataTrackResponse, struct {
					PubHandle uint16 `json:"pub_handle"`
					Sid       string `json:"sid"`
				}{PubHandle: p.PubHandle, Sid: "TR_abc123"})
				respBody, _ := signal.EncodeMessage(resp)
				conn.WriteMessage(websocket.BinaryMessage, respBody)
			case signal.KindUnpublishDataTrack:
				// no response expected
			}
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

func newTestLocalParticipant(t *testing.T) *LocalParticipant {
	srv := newTestSignalServer(t)
	t.Cleanup(srv.Close)

	sig := connectedSignalClient(t, srv)
	go func() {
		for range sig.Events() {
		}
	}()

	eng := engine.New(nil)
	local := datatrack.NewLocalManager(nil, sig, eng, nil)
	streams := datastream.NewManager(nil, eng)
	return newLocalParticipant("me", "PA_me", "", eng, local, streams)
}

func TestLocalParticipant_PublishDataTrackEmitsLocalTrackPublished(t *testing.T) {
	p := newTestLocalParticipant(t)

	var published *Publication
	p.onPublished = func(pub *Publication) { published = pub }

	track, err := p.PublishDataTrack(t.Context(), datatrack.PublishOptions{Name: "chat"})
	require.NoError(t, err)

	require.NotNil(t, published)
	assert.Equal(t, track.Sid(), published.Sid)
	assert.Equal(t, TrackKindData, published.Kind)
	assert.Len(t, p.Publications(), 1)
}

func TestLocalParticipant_UnpublishDataTrackEmitsLocalTrackUnpublished(t *testing.T) {
	p := newTestLocalParticipant(t)

	track, err := p.PublishDataTrack(t.Context(), datatrack.PublishOptions{Name: "chat"})
	require.NoError(t, err)

	var unpublished *Publication
	p.onUnpublished = func(pub *Publication) { unpublished = pub }

	require.NoError(t, p.UnpublishDataTrack(track))
	require.NotNil(t, unpublished)
	assert.Equal(t, track.Sid(), unpublished.Sid)
	assert.Empty(t, p.Publications())
}

func TestLocalParticipant_PublishTrack_FailsOnNilTrack(t *testing.T) {
	p := newTestLocalParticipant(t)
	_, err := p.PublishTrack(t.Context(), nil, PublishTrackOptions{Name: "cam"})
	assert.Error(t, err)
}

func TestLocalParticipant_PublishTrack_FailsWhenEngineNotConnected(t *testing.T) {
	p := newTestLocalParticipant(t)
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "stream",
	)
	require.NoError(t, err)

	_, err = p.PublishTrack(t.Context(), track, PublishTrackOptions{Name: "cam", Source: TrackSourceCamera})
	assert.Error(t, err)
}

func TestPublication_MutedAndSubscribedGetters(t *testing.T) {
	pub := &Publication{Sid: "TR_1", Kind: TrackKindData}
	assert.False(t, pub.Muted())
	pub.setMuted(true)
	assert.True(t, pub.Muted())

	assert.False(t, pub.Subscribed())
	pub.setSubscribed(true)
	assert.True(t, pub.Subscribed())
}
