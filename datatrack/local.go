// Package datatrack implements the Data-Track Manager (spec component E):
// a local manager that publishes application data tracks and a remote
// manager that subscribes to others', both built as single-owner event
// loops around internal/dtp's Packetizer/Depacketizer and internal/engine's
// data channel send path, following the teacher's per-connection
// goroutine-plus-channel shape in channel/webrtc/streamer.go
// (inputCh/outputCh) generalized to one goroutine per track.
package datatrack

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rtcsdk/core/e2ee"
	"github.com/rtcsdk/core/internal/dtp"
	"github.com/rtcsdk/core/internal/engine"
	"github.com/rtcsdk/core/internal/logging"
	"github.com/rtcsdk/core/internal/rtcerrors"
	"github.com/rtcsdk/core/internal/signal"
)

// TrackHandle is the 16-bit non-zero routing tag demultiplexing concurrent
// data tracks over one data channel (spec.md glossary).
type TrackHandle uint16

const (
	// ControlHandle is reserved for data-stream header/chunk/trailer
	// traffic (spec.md §6).
	ControlHandle TrackHandle = 0xFFFE
	// LegacyDataPacketHandle is reserved for protobuf-encoded legacy
	// DataPacket traffic. The legacy path in this package sends DataPackets
	// as raw data-channel payloads with no DTP header, so this handle never
	// appears on the wire.
	LegacyDataPacketHandle TrackHandle = 0xFFFF

	defaultFrameQueueSize = 64
	defaultMTU            = 1200
	publishTimeout        = 10 * time.Second
)

type publishDataTrackRequestPayload struct {
	PubHandle  uint16 `json:"pub_handle"`
	Name       string `json:"name"`
	Encryption bool   `json:"encryption"`
}

type publishDataTrackResponsePayload struct {
	PubHandle uint16 `json:"pub_handle"`
	Sid       string `json:"sid"`
}

type requestResponsePayload struct {
	PubHandle uint16 `json:"pub_handle"`
	Reason    string `json:"reason"`
}

type publishResult struct {
	sid string
	err error
}

// PublishOptions configure a new local data track.
type PublishOptions struct {
	Name     string
	UsesE2EE bool
}

type localTrackState struct {
	handle   TrackHandle
	name     string
	usesE2EE bool

	packetizer *dtp.Packetizer
	frameCh    chan []byte
	cancel     context.CancelFunc

	sfuInitiatedUnpublish bool
}

// LocalManager is the local half of the Data-Track Manager: it allocates
// TrackHandles, negotiates publish/unpublish over the signal connection,
// and runs one per-track task per published track.
type LocalManager struct {
	logger logging.Logger
	sig    *signal.Client
	eng    *engine.Engine
	e2ee   *e2ee.Manager
	mtu    int

	mu         sync.Mutex
	nextHandle uint16
	tracks     map[TrackHandle]*localTrackState

	pendingMu sync.Mutex
	pending   map[TrackHandle]chan publishResult
}

// NewLocalManager builds a LocalManager. e2eeManager may be nil when the
// application never enables E2EE.
func NewLocalManager(logger logging.Logger, sig *signal.Client, eng *engine.Engine, e2eeManager *e2ee.Manager) *LocalManager {
	if logger == nil {
		logger = logging.Noop()
	}
	return &LocalManager{
		logger:  logger,
		sig:     sig,
		eng:     eng,
		e2ee:    e2eeManager,
		mtu:     defaultMTU,
		tracks:  make(map[TrackHandle]*localTrackState),
		pending: make(map[TrackHandle]chan publishResult),
	}
}

func (m *LocalManager) allocateHandle() TrackHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextHandle++
	if m.nextHandle == 0 || m.nextHandle > 0xEFFF { // wrap within the application range 0x0001-0xEFFF; 0 and the reserved handles above it are never allocated
		m.nextHandle = 1
	}
	return TrackHandle(m.nextHandle)
}

// Publish allocates a fresh TrackHandle, requests publication over the
// signal connection, and on success starts the per-track task and returns
// a LocalDataTrack handle.
func (m *LocalManager) Publish(ctx context.Context, opts PublishOptions) (*LocalDataTrack, error) {
	handle := m.allocateHandle()

	respCh := make(chan publishResult, 1)
	m.pendingMu.Lock()
	m.pending[handle] = respCh
	m.pendingMu.Unlock()
	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, handle)
		m.pendingMu.Unlock()
	}()

	env, err := signal.NewEnvelope(signal.KindPublishDataTrack, publishDataTrackRequestPayload{
		PubHandle:  uint16(handle),
		Name:       opts.Name,
		Encryption: opts.UsesE2EE,
	})
	if err != nil {
		return nil, err
	}
	if err := m.sig.Send(env); err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	select {
	case res := <-respCh:
		if res.err != nil {
			return nil, res.err
		}
		return m.startTrack(handle, res.sid, opts), nil
	case <-timeoutCtx.Done():
		return nil, rtcerrors.New(rtcerrors.KindPublish, rtcerrors.ReasonNone, "timed out waiting for publish_data_track_response")
	}
}

func (m *LocalManager) startTrack(handle TrackHandle, sid string, opts PublishOptions) *LocalDataTrack {
	taskCtx, cancel := context.WithCancel(context.Background())
	state := &localTrackState{
		handle:     handle,
		name:       opts.Name,
		usesE2EE:   opts.UsesE2EE,
		packetizer: dtp.NewPacketizer(uint16(handle)),
		frameCh:    make(chan []byte, defaultFrameQueueSize),
		cancel:     cancel,
	}

	m.mu.Lock()
	m.tracks[handle] = state
	m.mu.Unlock()

	go m.runTrackTask(taskCtx, state)
	return &LocalDataTrack{handle: handle, name: opts.Name, sid: sid, manager: m}
}

// runTrackTask drains state.frameCh: optional AES-GCM encryption, then
// Packetizer, then hand each serialized packet to the Engine for the
// reliable data channel (spec.md §4.5).
func (m *LocalManager) runTrackTask(ctx context.Context, state *localTrackState) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-state.frameCh:
			m.publishFrame(state, frame)
		}
	}
}

func (m *LocalManager) publishFrame(state *localTrackState, frame []byte) {
	if !m.eng.SupportsDataTrackProtocol() {
		m.publishFrameLegacy(state, frame)
		return
	}

	payload := frame
	var firstExts []dtp.Extension

	if state.usesE2EE && m.e2ee != nil {
		enc, err := m.e2ee.DataTrackCryptor().Encrypt("", frame)
		if err != nil {
			m.logger.Warnw("dropping frame, encryption failed", "track", state.name, "err", err)
			return
		}
		payload = enc.Ciphertext
		firstExts = dtp.WithE2eeExt(nil, byte(enc.KeyIndex), enc.IV[:])
	}

	packets, err := state.packetizer.Packetize(payload, m.mtu, firstExts)
	if err != nil {
		m.logger.Warnw("dropping frame, packetize failed", "track", state.name, "err", err)
		return
	}

	for _, p := range packets {
		buf, err := dtp.Encode(p)
		if err != nil {
			m.logger.Warnw("dropping packet, encode failed", "track", state.name, "err", err)
			continue
		}
		if err := m.eng.PublishData(buf, engine.Reliable); err != nil {
			m.logger.Warnw("dropping packet, engine publish failed", "track", state.name, "err", err)
		}
	}
}

// publishFrameLegacy sends frame as a single protobuf-encoded legacy
// DataPacket, written to the data channel as a raw payload with no DTP
// header (and so no track_handle), for servers that never acknowledged DTP
// support (spec.md §9 Open Question 1). Legacy
// DataPacket has no fragmentation of its own; oversized frames are the
// caller's problem, same as upstream LiveKit clients.
func (m *LocalManager) publishFrameLegacy(state *localTrackState, frame []byte) {
	payload := frame
	if state.usesE2EE && m.e2ee != nil {
		enc, err := m.e2ee.DataTrackCryptor().Encrypt("", frame)
		if err != nil {
			m.logger.Warnw("dropping legacy frame, encryption failed", "track", state.name, "err", err)
			return
		}
		payload = enc.Ciphertext
	}

	buf, err := encodeLegacyDataPacket(legacyDataPacket{Kind: "reliable", Payload: payload, Topic: state.name})
	if err != nil {
		m.logger.Warnw("dropping legacy frame, encode failed", "track", state.name, "err", err)
		return
	}
	if err := m.eng.PublishData(buf, engine.Reliable); err != nil {
		m.logger.Warnw("dropping legacy packet, engine publish failed", "track", state.name, "err", err)
	}
}

// Unpublish drops the per-track task and sends an UnpublishDataTrackRequest
// unless the unpublish was server-initiated.
func (m *LocalManager) unpublish(handle TrackHandle) error {
	m.mu.Lock()
	state, ok := m.tracks[handle]
	if ok {
		delete(m.tracks, handle)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	sfuInitiated := state.sfuInitiatedUnpublish
	state.cancel()

	if sfuInitiated {
		return nil
	}
	env, err := signal.NewEnvelope(signal.KindUnpublishDataTrack, map[string]uint16{"pub_handle": uint16(handle)})
	if err != nil {
		return err
	}
	return m.sig.Send(env)
}

// HandleSfuUnpublish handles a server-initiated unpublish: the per-track
// task exits without re-sending an unpublish request.
func (m *LocalManager) HandleSfuUnpublish(handle TrackHandle) {
	m.mu.Lock()
	state, ok := m.tracks[handle]
	m.mu.Unlock()
	if !ok {
		return
	}
	state.sfuInitiatedUnpublish = true
	_ = m.unpublish(handle)
}

// HandleSignalMessage resolves publish_data_track_response and
// request_response (error) messages keyed by pub_handle.
func (m *LocalManager) HandleSignalMessage(msg signal.Envelope) {
	switch msg.Kind {
	case signal.KindPublishDataTrackResponse:
		var p publishDataTrackResponsePayload
		if err := msg.Get(&p); err != nil {
			return
		}
		m.resolvePending(TrackHandle(p.PubHandle), publishResult{sid: p.Sid})
	case signal.KindRequestResponse:
		var p requestResponsePayload
		if err := msg.Get(&p); err != nil {
			return
		}
		m.resolvePending(TrackHandle(p.PubHandle), publishResult{
			err: rtcerrors.New(rtcerrors.KindPublish, rtcerrors.Reason(p.Reason), fmt.Sprintf("publish rejected: %s", p.Reason)),
		})
	case signal.KindTrackUnpublished:
		var p struct {
			PubHandle uint16 `json:"pub_handle"`
		}
		if err := msg.Get(&p); err != nil {
			return
		}
		m.HandleSfuUnpublish(TrackHandle(p.PubHandle))
	}
}

func (m *LocalManager) resolvePending(handle TrackHandle, res publishResult) {
	m.pendingMu.Lock()
	ch, ok := m.pending[handle]
	m.pendingMu.Unlock()
	if ok {
		ch <- res
	}
}

// LocalDataTrack is the application-facing handle returned by Publish.
type LocalDataTrack struct {
	handle  TrackHandle
	name    string
	sid     string
	manager *LocalManager
}

// Handle returns this track's routing handle.
func (t *LocalDataTrack) Handle() TrackHandle { return t.handle }

// Name returns this track's name.
func (t *LocalDataTrack) Name() string { return t.name }

// Sid returns the server-assigned sid this track was published under.
func (t *LocalDataTrack) Sid() string { return t.sid }

// Publish enqueues a frame for packetization and transmission. If the
// per-track frame queue is full the frame is dropped and an error
// surfaces to the caller; the track itself remains published.
func (t *LocalDataTrack) Publish(frame []byte) error {
	t.manager.mu.Lock()
	state, ok := t.manager.tracks[t.handle]
	t.manager.mu.Unlock()
	if !ok {
		return rtcerrors.New(rtcerrors.KindDataFramePublish, rtcerrors.ReasonTrackUnpublished, "track is unpublished")
	}

	select {
	case state.frameCh <- frame:
		return nil
	default:
		return rtcerrors.New(rtcerrors.KindDataFramePublish, rtcerrors.ReasonDropped, "frame queue full")
	}
}

// Unpublish explicitly unpublishes the track.
func (t *LocalDataTrack) Unpublish() error {
	return t.manager.unpublish(t.handle)
}
