// Package engine implements the RTC Engine (spec component C): it owns the
// Signal Client and the two PeerTransports, creates the publisher's
// reliable/lossy data channels, and drives the connection state machine and
// reconnection policy described in spec.md §4.3. Grounded on the teacher's
// webrtcStreamer.setupAudioAndHandshake/createPeerConnection orchestration
// (channel/webrtc/streamer.go), generalized from one audio peer connection
// to the publisher/subscriber pair this spec calls for.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/rtcsdk/core/internal/logging"
	"github.com/rtcsdk/core/internal/rtcerrors"
	"github.com/rtcsdk/core/internal/signal"
	"github.com/rtcsdk/core/internal/transport"
)

const (
	iceConnectTimeout = 10 * time.Second
	dataChannelTimeout = 10 * time.Second
	addTrackTimeout    = 10 * time.Second
	maxSignalReconnectAttempts = 3
)

// ConnectOptions configure one Connect call.
type ConnectOptions struct {
	AutoSubscribe  bool
	AdaptiveStream bool
}

// IncomingPacket is one payload received on either data channel, handed off
// to the Data-Track Manager. Channel label distinguishes reliable/lossy on
// receive, per spec.md §4.3.
type IncomingPacket struct {
	Reliability Reliability
	Payload     []byte
}

type addTrackRequestPayload struct {
	Cid  string `json:"cid"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

type trackPublishedPayload struct {
	Cid string `json:"cid"`
	Sid string `json:"sid"`
}

type iceServerPayload struct {
	Urls       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
}

type serverInfoPayload struct {
	Features []string `json:"features"`
}

type joinPayload struct {
	IceServers []iceServerPayload `json:"ice_servers"`
	ServerInfo serverInfoPayload  `json:"server_info"`
}

// FeatureDataTrackProtocol is the server_info.features flag a Join/
// ReconnectResponse advertises when the server understands DTP-framed data
// tracks (protocol 15+). Its absence means the Engine must fall back to
// legacy protobuf-encoded DataPacket traffic, sent as raw data-channel
// payloads with no DTP header, resolving Open Question 1 in spec.md §9.
const FeatureDataTrackProtocol = "DATA_TRACK_PROTOCOL"

// AddTrackRequest is the application-facing request to publish a new track
// (media or data) through the signal connection.
type AddTrackRequest struct {
	Name string
	Kind string
}

// Engine owns the Signal Client, both PeerTransports, and the publisher's
// two data channels, and is the single place reconnection policy is
// decided. Engine is not safe for concurrent Connect calls; all other
// methods are.
type Engine struct {
	logger logging.Logger

	mu    sync.Mutex
	state ConnectionState

	sig *signal.Client
	pub *transport.PeerTransport
	sub *transport.PeerTransport

	reliableDC *webrtc.DataChannel
	lossyDC    *webrtc.DataChannel

	txQueue *txQueue

	pendingTrackMu sync.Mutex
	pendingTrack   map[string]chan trackPublishedPayload

	region *signal.RegionResolver

	Incoming chan IncomingPacket

	onSignalMessage func(signal.Envelope)

	url   string
	token string
	opts  ConnectOptions
	sid   string

	// legacyDataTrackOnly is false until a Join response proves the
	// server lacks DTP support; this means a not-yet-connected Engine
	// defaults to DTP, matching protocol 15's baseline expectation.
	legacyDataTrackOnly bool

	closed bool
}

// OnSignalMessage registers a handler invoked for every signal message
// after the Engine's own handling of SDP/track-correlation kinds, so the
// Room and the Data-Track/Data-Stream managers can react to Join,
// ParticipantUpdate, SpeakersChanged, and the rest without the Engine
// needing to know about them.
func (e *Engine) OnSignalMessage(handler func(signal.Envelope)) {
	e.mu.Lock()
	e.onSignalMessage = handler
	e.mu.Unlock()
}

// New constructs an idle Engine. Call Connect to open it.
func New(logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Engine{
		logger:       logger,
		state:        StateDisconnected,
		txQueue:      newTxQueue(4096),
		pendingTrack: make(map[string]chan trackPublishedPayload),
		Incoming:     make(chan IncomingPacket, 256),
	}
}

// State returns the current connection state.
func (e *Engine) State() ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s ConnectionState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.logger.Infow("connection state changed", "state", s.String())
}

// Connect opens the signal connection, reads Join, constructs both
// PeerTransports with the ICE servers it carries, creates the publisher's
// two data channels, and waits for ICE connectivity and the reliable
// channel to open.
func (e *Engine) Connect(ctx context.Context, url, token string, opts ConnectOptions) (signal.Envelope, error) {
	e.mu.Lock()
	e.url, e.token, e.opts = url, token, opts
	e.mu.Unlock()

	e.setState(StateConnecting)

	e.region = signal.NewRegionResolver(url)
	e.sig = signal.New(e.logger)

	join, err := e.sig.Connect(ctx, url, token, signal.Options{
		AutoSubscribe:  opts.AutoSubscribe,
		AdaptiveStream: opts.AdaptiveStream,
	})
	if err != nil {
		e.setState(StateDisconnected)
		return signal.Envelope{}, err
	}

	var jp joinPayload
	_ = join.Get(&jp)

	e.mu.Lock()
	e.legacyDataTrackOnly = !hasFeature(jp.ServerInfo.Features, FeatureDataTrackProtocol)
	e.mu.Unlock()

	iceServers := make([]webrtc.ICEServer, 0, len(jp.IceServers))
	for _, s := range jp.IceServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.Urls,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pub, err := transport.New(e.logger, transport.RolePublisher, iceServers)
	if err != nil {
		e.setState(StateDisconnected)
		return signal.Envelope{}, rtcerrors.Wrap(rtcerrors.KindConnection, rtcerrors.ReasonNone, "creating publisher transport", err)
	}
	sub, err := transport.New(e.logger, transport.RoleSubscriber, iceServers)
	if err != nil {
		pub.Close()
		e.setState(StateDisconnected)
		return signal.Envelope{}, rtcerrors.Wrap(rtcerrors.KindConnection, rtcerrors.ReasonNone, "creating subscriber transport", err)
	}
	e.pub, e.sub = pub, sub

	e.wireTransportSignaling(pub)
	e.wireTransportSignaling(sub)

	iceConnected := make(chan struct{}, 2)
	notifyOnce := func(ch chan struct{}) func(webrtc.ICEConnectionState) {
		var once sync.Once
		return func(s webrtc.ICEConnectionState) {
			if s == webrtc.ICEConnectionStateConnected || s == webrtc.ICEConnectionStateCompleted {
				once.Do(func() { ch <- struct{}{} })
			}
		}
	}
	pub.OnConnectionStateChange(notifyOnce(iceConnected))
	sub.OnConnectionStateChange(notifyOnce(iceConnected))

	if err := e.createDataChannels(); err != nil {
		return signal.Envelope{}, err
	}

	reliableOpen := make(chan struct{})
	e.reliableDC.OnOpen(func() { close(reliableOpen) })

	pub.Negotiate(false)

	connectCtx, cancel := context.WithTimeout(ctx, iceConnectTimeout)
	defer cancel()
	select {
	case <-iceConnected:
	case <-connectCtx.Done():
		e.setState(StateDisconnected)
		return signal.Envelope{}, rtcerrors.New(rtcerrors.KindTimeout, rtcerrors.ReasonNone, "timed out waiting for ice connectivity")
	}

	dcCtx, dcCancel := context.WithTimeout(ctx, dataChannelTimeout)
	defer dcCancel()
	select {
	case <-reliableOpen:
	case <-dcCtx.Done():
		e.setState(StateDisconnected)
		return signal.Envelope{}, rtcerrors.New(rtcerrors.KindTimeout, rtcerrors.ReasonNone, "timed out waiting for reliable data channel to open")
	}

	go e.readSignalEvents()

	e.setState(StateConnected)
	return join, nil
}

func (e *Engine) wireTransportSignaling(t *transport.PeerTransport) {
	role := t.Role()
	t.OnOffer(func(offer webrtc.SessionDescription) {
		env, _ := signal.NewEnvelope(signal.KindOffer, map[string]string{"type": offer.Type.String(), "sdp": offer.SDP})
		if err := e.sig.Send(env); err != nil {
			e.logger.Warnw("failed to send offer", "role", role.String(), "err", err)
		}
	})
	t.OnICECandidate(func(c webrtc.ICECandidateInit) {
		env, _ := signal.NewEnvelope(signal.KindTrickle, map[string]interface{}{"candidate": c.Candidate})
		if err := e.sig.Send(env); err != nil {
			e.logger.Warnw("failed to send trickle candidate", "role", role.String(), "err", err)
		}
	})
}

func (e *Engine) createDataChannels() error {
	ordered := true
	reliableDC, err := e.pub.PeerConnection().CreateDataChannel("_reliable", &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return rtcerrors.Wrap(rtcerrors.KindConnection, rtcerrors.ReasonNone, "creating reliable data channel", err)
	}

	unordered := false
	zeroRetransmits := uint16(0)
	lossyDC, err := e.pub.PeerConnection().CreateDataChannel("_lossy", &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &zeroRetransmits,
	})
	if err != nil {
		return rtcerrors.Wrap(rtcerrors.KindConnection, rtcerrors.ReasonNone, "creating lossy data channel", err)
	}

	e.reliableDC, e.lossyDC = reliableDC, lossyDC
	e.wireDataChannel(reliableDC, Reliable)
	e.wireDataChannel(lossyDC, Lossy)
	return nil
}

func (e *Engine) wireDataChannel(dc *webrtc.DataChannel, reliability Reliability) {
	dc.SetBufferedAmountLowThreshold(DCBufLow)
	dc.OnBufferedAmountLow(func() {
		e.drainTxQueue(reliability)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case e.Incoming <- IncomingPacket{Reliability: reliability, Payload: msg.Data}:
		default:
			e.logger.Warnw("dropping incoming packet, incoming channel full", "reliability", reliability)
		}
	})
}

func (e *Engine) dataChannelFor(reliability Reliability) *webrtc.DataChannel {
	if reliability == Reliable {
		return e.reliableDC
	}
	return e.lossyDC
}

func hasFeature(features []string, want string) bool {
	for _, f := range features {
		if f == want {
			return true
		}
	}
	return false
}

// SupportsDataTrackProtocol reports whether the connected server advertised
// DTP support in its Join response. The Data-Track Manager checks this
// once per publish to decide between DTP framing and the legacy DataPacket
// fallback (spec.md §9 Open Question 1).
func (e *Engine) SupportsDataTrackProtocol() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.legacyDataTrackOnly
}

// SignalClient returns the signal connection negotiated by Connect, so the
// Data-Track Manager can send PublishDataTrack/UpdateDataSubscription/
// UnpublishDataTrack requests on the same connection the Engine itself
// uses. Nil before Connect has run.
func (e *Engine) SignalClient() *signal.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sig
}

// PublishData routes payload to the reliable or lossy data channel,
// applying back-pressure against DCBufHigh/DCBufLow as described in
// spec.md §4.3.
func (e *Engine) PublishData(payload []byte, reliability Reliability) error {
	dc := e.dataChannelFor(reliability)
	if dc == nil {
		return rtcerrors.New(rtcerrors.KindDataFramePublish, rtcerrors.ReasonTrackUnpublished, "engine is not connected")
	}

	if e.txQueue.isPaused() || dc.BufferedAmount() > DCBufHigh {
		e.txQueue.setPaused(true)
		e.txQueue.enqueue(outboundFrame{reliability: reliability, payload: payload})
		return nil // Enqueued
	}

	if err := dc.Send(payload); err != nil {
		return rtcerrors.Wrap(rtcerrors.KindDataFramePublish, rtcerrors.ReasonNone, "writing to data channel", err)
	}
	return nil
}

func (e *Engine) drainTxQueue(reliability Reliability) {
	if e.dataChannelFor(reliability).BufferedAmount() >= DCBufLow {
		return
	}
	e.txQueue.setPaused(false)
	for _, f := range e.txQueue.drain() {
		dc := e.dataChannelFor(f.reliability)
		if dc == nil {
			continue
		}
		if dc.BufferedAmount() > DCBufHigh {
			e.txQueue.setPaused(true)
			e.txQueue.enqueue(f)
			continue
		}
		if err := dc.Send(f.payload); err != nil {
			e.logger.Warnw("failed to drain queued frame", "err", err)
		}
	}
}

// AddTrack sends an AddTrackRequest on the signal connection and awaits the
// matching TrackPublished response, correlated by a client-generated id.
func (e *Engine) AddTrack(ctx context.Context, req AddTrackRequest) (string, error) {
	cid := uuid.NewString()
	respCh := make(chan trackPublishedPayload, 1)
	e.pendingTrackMu.Lock()
	e.pendingTrack[cid] = respCh
	e.pendingTrackMu.Unlock()
	defer func() {
		e.pendingTrackMu.Lock()
		delete(e.pendingTrack, cid)
		e.pendingTrackMu.Unlock()
	}()

	env, err := signal.NewEnvelope(signal.KindAddTrack, addTrackRequestPayload{Cid: cid, Name: req.Name, Kind: req.Kind})
	if err != nil {
		return "", err
	}
	if err := e.sig.Send(env); err != nil {
		return "", err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, addTrackTimeout)
	defer cancel()
	select {
	case resp := <-respCh:
		return resp.Sid, nil
	case <-timeoutCtx.Done():
		return "", rtcerrors.New(rtcerrors.KindTimeout, rtcerrors.ReasonNone, "timed out waiting for track_published")
	}
}

// PublishMediaTrack registers a media track with the server via AddTrack,
// then adds it to the publisher PeerTransport and renegotiates. The track's
// capture/encode is an external collaborator (spec.md §1 places media
// codecs and capture out of scope); the Engine only owns the signaling
// sequence and the resulting RTCRtpSender.
func (e *Engine) PublishMediaTrack(ctx context.Context, track webrtc.TrackLocal, req AddTrackRequest) (string, *webrtc.RTPSender, error) {
	e.mu.Lock()
	pub := e.pub
	e.mu.Unlock()
	if pub == nil {
		return "", nil, rtcerrors.New(rtcerrors.KindPublish, rtcerrors.ReasonDisconnected, "publish media track: not connected")
	}

	sid, err := e.AddTrack(ctx, req)
	if err != nil {
		return "", nil, err
	}

	sender, err := pub.PeerConnection().AddTrack(track)
	if err != nil {
		return "", nil, rtcerrors.Wrap(rtcerrors.KindConnection, rtcerrors.ReasonNone, "adding media track to publisher transport", err)
	}
	pub.Negotiate(false)
	return sid, sender, nil
}

// UnpublishMediaTrack removes sender from the publisher transport and
// renegotiates; the server detects the track's disappearance from the
// resulting offer, the same way it detects AddTrack's addition.
func (e *Engine) UnpublishMediaTrack(sender *webrtc.RTPSender) error {
	e.mu.Lock()
	pub := e.pub
	e.mu.Unlock()
	if pub == nil {
		return rtcerrors.New(rtcerrors.KindPublish, rtcerrors.ReasonDisconnected, "unpublish media track: not connected")
	}

	if err := pub.PeerConnection().RemoveTrack(sender); err != nil {
		return rtcerrors.Wrap(rtcerrors.KindConnection, rtcerrors.ReasonNone, "removing media track from publisher transport", err)
	}
	pub.Negotiate(false)
	return nil
}

// SimulateScenario injects a fault for testing, per spec.md §4.3.
func (e *Engine) SimulateScenario(ctx context.Context, scenario string) error {
	switch scenario {
	case "signal-reconnect":
		return e.reconnectSignalOnly(ctx)
	case "full-reconnect":
		return e.reconnectFull(ctx)
	default:
		env, err := signal.NewEnvelope(signal.KindSimulateScenario, map[string]string{"scenario": scenario})
		if err != nil {
			return err
		}
		return e.sig.Send(env)
	}
}

func (e *Engine) readSignalEvents() {
	for ev := range e.sig.Events() {
		switch ev.Type {
		case signal.EventSignal:
			e.handleSignalMessage(ev.Message)
		case signal.EventClose:
			e.onSignalClosed(ev.Err)
			return
		}
	}
}

func (e *Engine) handleSignalMessage(msg signal.Envelope) {
	switch msg.Kind {
	case signal.KindTrackPublished:
		var p trackPublishedPayload
		if err := msg.Get(&p); err != nil {
			return
		}
		e.pendingTrackMu.Lock()
		ch, ok := e.pendingTrack[p.Cid]
		e.pendingTrackMu.Unlock()
		if ok {
			ch <- p
		}
	case signal.KindAnswer:
		var p struct {
			SDP string `json:"sdp"`
		}
		if err := msg.Get(&p); err != nil {
			return
		}
		if err := e.pub.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}); err != nil {
			e.logger.Warnw("failed to apply answer", "err", err)
		}
	case signal.KindOffer:
		var p struct {
			SDP string `json:"sdp"`
		}
		if err := msg.Get(&p); err != nil {
			return
		}
		answer, err := e.sub.CreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP})
		if err != nil {
			e.logger.Warnw("failed to answer subscriber offer", "err", err)
			return
		}
		env, _ := signal.NewEnvelope(signal.KindAnswer, map[string]string{"type": answer.Type.String(), "sdp": answer.SDP})
		if err := e.sig.Send(env); err != nil {
			e.logger.Warnw("failed to send answer", "err", err)
		}
	case signal.KindTrickle:
		var p struct {
			Candidate string `json:"candidate"`
		}
		if err := msg.Get(&p); err != nil {
			return
		}
		if err := e.sub.AddICECandidate(webrtc.ICECandidateInit{Candidate: p.Candidate}); err != nil {
			e.logger.Warnw("failed to add trickled candidate", "err", err)
		}
	}

	e.mu.Lock()
	handler := e.onSignalMessage
	e.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

func (e *Engine) onSignalClosed(err error) {
	if e.State() == StateConnected && e.sub != nil {
		e.reconnectSignalThenFull()
		return
	}
	go func() {
		if reconnErr := e.reconnectFull(context.Background()); reconnErr != nil {
			e.logger.Errorw("full reconnect failed", "err", reconnErr)
			e.setState(StateDisconnected)
		}
	}()
}

// reconnectSignalThenFull implements the policy in spec.md §4.3: try a
// signal-only reconnect up to maxSignalReconnectAttempts times before
// escalating to a full reconnect.
func (e *Engine) reconnectSignalThenFull() {
	e.setState(StateReconnecting)
	for attempt := 0; attempt < maxSignalReconnectAttempts; attempt++ {
		if err := e.reconnectSignalOnly(context.Background()); err == nil {
			e.setState(StateConnected)
			return
		}
		time.Sleep(time.Duration(reconnectBackoffMillis[min(attempt, len(reconnectBackoffMillis)-1)]) * time.Millisecond)
	}
	if err := e.reconnectFull(context.Background()); err != nil {
		e.logger.Errorw("full reconnect failed after exhausting signal reconnect attempts", "err", err)
		e.setState(StateDisconnected)
	}
}

// reconnectSignalOnly reopens the signal socket only; the existing peer
// connections are reused and the server replays state via
// ReconnectResponse.
func (e *Engine) reconnectSignalOnly(ctx context.Context) error {
	e.mu.Lock()
	url, token, sid := e.url, e.token, e.sid
	e.mu.Unlock()

	_, err := e.sig.Reconnect(ctx, url, token, sid, false)
	return err
}

// reconnectFull tears down both PeerTransports, trims the TxQueue, and
// reruns Connect under the fixed backoff sequence. Each attempt opens a new
// signal connection without reconnect=true, so it waits for a Join rather
// than a ReconnectResponse and rebuilds both transports from that Join's
// ICE servers.
func (e *Engine) reconnectFull(ctx context.Context) error {
	e.setState(StateReconnecting)
	e.txQueue.trimForFullReconnect(e.txQueue.maxSize)

	if e.pub != nil {
		e.pub.Close()
	}
	if e.sub != nil {
		e.sub.Close()
	}

	b := newReconnectBackoff()
	operation := func() error {
		e.mu.Lock()
		url, token := e.url, e.token
		e.mu.Unlock()
		if e.region != nil {
			url = e.region.Next()
		}
		_, err := e.Connect(ctx, url, token, e.opts)
		return err
	}

	if err := backoff.Retry(operation, b); err != nil {
		return fmt.Errorf("engine: full reconnect exhausted retry budget: %w", err)
	}
	return nil
}

// Close gracefully tears down the Engine: it sends a Leave on the signal
// connection, closes both transports (which closes their data channels),
// and then closes the signal socket.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.sig != nil {
		if leave, err := signal.NewEnvelope(signal.KindLeave, map[string]string{}); err == nil {
			_ = e.sig.Send(leave)
		}
	}
	if e.pub != nil {
		_ = e.pub.Close()
	}
	if e.sub != nil {
		_ = e.sub.Close()
	}
	var errs error
	if e.sig != nil {
		if err := e.sig.Close(); err != nil {
			errs = err
		}
	}
	e.setState(StateDisconnected)
	return errs
}
