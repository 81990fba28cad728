package datatrack

import (
	"sync"

	"github.com/rtcsdk/core/e2ee"
	"github.com/rtcsdk/core/internal/dtp"
	"github.com/rtcsdk/core/internal/logging"
	"github.com/rtcsdk/core/internal/signal"
)

// DataTrackInfo describes one participant's published data track as carried
// in a ParticipantUpdate's track list (spec.md §4.5's SfuPublicationUpdates
// rides piggy-backed on that message rather than arriving as its own wire
// kind, since the signal protocol has no distinct kind for it).
type DataTrackInfo struct {
	Sid  string `json:"sid"`
	Name string `json:"name"`
}

type sfuPublicationUpdatesPayload struct {
	Participant string          `json:"participant"`
	Tracks      []DataTrackInfo `json:"tracks"`
}

type subscriberHandlesPayload struct {
	Handles map[string]uint16 `json:"handles"` // track_sid -> track_handle
}

// RemoteDataTrack is the application-facing handle for a remote
// participant's published data track.
type RemoteDataTrack struct {
	Sid  string
	Name string

	mgr *RemoteManager

	mu          sync.Mutex
	subscribers []chan FrameEvent
}

// FrameEvent is one completed, depacketized (and possibly decrypted) frame
// delivered to a RemoteDataTrack's subscribers.
type FrameEvent struct {
	Payload       []byte
	UserTimestamp uint64
	HasTimestamp  bool
}

// Subscription is the channel returned by Subscribe.
type Subscription <-chan FrameEvent

// Subscribe opens a new frame stream; multiple subscribers on the same
// track share one depacketizer via broadcast (spec.md §4.5). The first
// subscriber on a track that auto-subscribe never claimed sends
// UpdateDataSubscription{subscribe=true} itself; later subscribers reuse
// the existing subscription.
func (t *RemoteDataTrack) Subscribe() Subscription {
	ch := make(chan FrameEvent, 32)
	t.mu.Lock()
	t.subscribers = append(t.subscribers, ch)
	t.mu.Unlock()
	if t.mgr != nil {
		_ = t.mgr.Subscribe(t.Sid)
	}
	return ch
}

// Unsubscribe closes sub and, if it was the last subscriber on this track,
// tears down the subscription with UpdateDataSubscription{subscribe=false}
// (spec.md §4.5's "last-subscriber-out" rule).
func (t *RemoteDataTrack) Unsubscribe(sub Subscription) {
	t.mu.Lock()
	last := false
	for i, ch := range t.subscribers {
		if Subscription(ch) == sub {
			t.subscribers = append(t.subscribers[:i], t.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
	last = len(t.subscribers) == 0
	t.mu.Unlock()

	if last && t.mgr != nil {
		_ = t.mgr.Unsubscribe(t.Sid)
	}
}

func (t *RemoteDataTrack) broadcast(ev FrameEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

type remoteTrackState struct {
	track        *RemoteDataTrack
	handle       TrackHandle
	depacketizer *dtp.Depacketizer
	subscribed   bool
	usesE2EE     bool
	participant  string
}

// RemoteManager is the remote half of the Data-Track Manager: it reconciles
// SfuPublicationUpdates, drives subscribe/unsubscribe over the signal
// connection, and routes incoming DTP packets by track_handle to each
// track's Depacketizer.
type RemoteManager struct {
	logger logging.Logger
	sig    *signal.Client
	e2ee   *e2ee.Manager

	mu          sync.Mutex
	bySid       map[string]*remoteTrackState
	byHandle    map[TrackHandle]*remoteTrackState
	pendingSubs map[string]struct{} // sids awaiting a subscriber handle
}

// NewRemoteManager builds a RemoteManager. e2eeManager may be nil.
func NewRemoteManager(logger logging.Logger, sig *signal.Client, e2eeManager *e2ee.Manager) *RemoteManager {
	if logger == nil {
		logger = logging.Noop()
	}
	return &RemoteManager{
		logger:      logger,
		sig:         sig,
		e2ee:        e2eeManager,
		bySid:       make(map[string]*remoteTrackState),
		byHandle:    make(map[TrackHandle]*remoteTrackState),
		pendingSubs: make(map[string]struct{}),
	}
}

// ReconcilePublications applies an SfuPublicationUpdates event: tracks not
// seen before are available for subscription; tracks no longer present are
// torn down.
func (m *RemoteManager) ReconcilePublications(participant string, tracks []DataTrackInfo) []*RemoteDataTrack {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(tracks))
	var fresh []*RemoteDataTrack
	for _, info := range tracks {
		seen[info.Sid] = struct{}{}
		if _, ok := m.bySid[info.Sid]; ok {
			continue
		}
		rt := &RemoteDataTrack{Sid: info.Sid, Name: info.Name, mgr: m}
		m.bySid[info.Sid] = &remoteTrackState{track: rt, participant: participant}
		fresh = append(fresh, rt)
	}

	for sid, state := range m.bySid {
		if state.participant != participant {
			continue
		}
		if _, ok := seen[sid]; !ok {
			if state.handle != 0 {
				delete(m.byHandle, state.handle)
			}
			delete(m.bySid, sid)
		}
	}
	return fresh
}

// Subscribe sends UpdateDataSubscription{subscribe=true} for sid; the
// matching handle arrives later via HandleSignalMessage's
// data_track_subscriber_handles branch. A sid already subscribed or
// awaiting a handle is left alone, so auto-subscribe and an application's
// own RemoteDataTrack.Subscribe call don't each send their own request.
func (m *RemoteManager) Subscribe(sid string) error {
	m.mu.Lock()
	if state, ok := m.bySid[sid]; ok && state.subscribed {
		m.mu.Unlock()
		return nil
	}
	if _, pending := m.pendingSubs[sid]; pending {
		m.mu.Unlock()
		return nil
	}
	m.pendingSubs[sid] = struct{}{}
	m.mu.Unlock()

	env, err := signal.NewEnvelope(signal.KindUpdateDataSubscription, map[string]interface{}{
		"track_sid": sid,
		"subscribe": true,
	})
	if err != nil {
		return err
	}
	return m.sig.Send(env)
}

// Unsubscribe tears down the last subscriber for sid and sends
// UpdateDataSubscription{subscribe=false}.
func (m *RemoteManager) Unsubscribe(sid string) error {
	m.mu.Lock()
	state, ok := m.bySid[sid]
	if ok {
		state.subscribed = false
		if state.handle != 0 {
			delete(m.byHandle, state.handle)
			state.handle = 0
		}
	}
	delete(m.pendingSubs, sid)
	m.mu.Unlock()

	env, err := signal.NewEnvelope(signal.KindUpdateDataSubscription, map[string]interface{}{
		"track_sid": sid,
		"subscribe": false,
	})
	if err != nil {
		return err
	}
	return m.sig.Send(env)
}

// HandleSignalMessage processes data_track_subscriber_handles responses.
func (m *RemoteManager) HandleSignalMessage(msg signal.Envelope) {
	if msg.Kind != signal.KindDataTrackSubscriberHandles {
		return
	}
	var p subscriberHandlesPayload
	if err := msg.Get(&p); err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for sid, handle := range p.Handles {
		state, ok := m.bySid[sid]
		if !ok {
			continue
		}
		state.handle = TrackHandle(handle)
		state.subscribed = true
		state.depacketizer = dtp.NewDepacketizer()
		m.byHandle[TrackHandle(handle)] = state
		delete(m.pendingSubs, sid)
	}
}

// PacketReceived parses a raw DTP packet and routes it by track_handle to
// the owning track's Depacketizer; unknown handles are dropped.
func (m *RemoteManager) PacketReceived(raw []byte) {
	p, err := dtp.Decode(raw)
	if err != nil {
		m.logger.Debugw("dropping undecodable dtp packet", "err", err)
		return
	}

	m.mu.Lock()
	state, ok := m.byHandle[TrackHandle(p.TrackHandle)]
	m.mu.Unlock()
	if !ok {
		return
	}

	payload, exts, complete, err := state.depacketizer.Push(p)
	if err != nil {
		m.logger.Debugw("dropping frame, depacketizer rejected packet", "sid", state.track.Sid, "err", err)
		return
	}
	if !complete {
		return
	}

	extCarrier := &dtp.Packet{Extensions: exts}
	ev := FrameEvent{Payload: payload}
	if ts, ok := extCarrier.UserTimestampExt(); ok {
		ev.UserTimestamp = ts
		ev.HasTimestamp = true
	}

	if state.usesE2EE && m.e2ee != nil {
		keyIndex, iv, ok := extCarrier.E2eeExt()
		if !ok {
			m.e2ee.NotifyDecryptResult(state.participant, nil, true)
			return
		}
		var ivArr [e2ee.NonceSize]byte
		copy(ivArr[:], iv)
		decrypted, err := m.e2ee.DataTrackCryptor().Decrypt(state.participant, keyIndex, ivArr, ev.Payload)
		m.e2ee.NotifyDecryptResult(state.participant, err, false)
		if err != nil {
			return
		}
		ev.Payload = decrypted
	}

	state.track.broadcast(ev)
}

// LegacyDataReceived is what PacketReceivedLegacy hands back so a caller
// can raise a room-level DataReceived event alongside any per-track
// delivery; ParticipantIdentity and Reliable mirror the legacy DataPacket
// fields that have no per-track handle to carry them under.
type LegacyDataReceived struct {
	Payload             []byte
	Topic               string
	ParticipantIdentity string
	Reliable            bool
}

// PacketReceivedLegacy decodes a protobuf legacy DataPacket, dispatches it
// to every subscribed track whose Name matches the packet's topic field
// (legacy DataPacket has no per-track handle, only the topic convention
// LiveKit's pre-DTP clients used; see SPEC_FULL.md's legacy compatibility
// supplement), and returns the decoded packet for a room-level DataReceived
// event regardless of whether any track matched.
func (m *RemoteManager) PacketReceivedLegacy(raw []byte) (LegacyDataReceived, error) {
	p, err := decodeLegacyDataPacket(raw)
	if err != nil {
		m.logger.Debugw("dropping undecodable legacy data packet", "err", err)
		return LegacyDataReceived{}, err
	}

	m.mu.Lock()
	var matches []*remoteTrackState
	for _, state := range m.bySid {
		if state.subscribed && state.track.Name == p.Topic {
			matches = append(matches, state)
		}
	}
	m.mu.Unlock()

	for _, state := range matches {
		// Legacy DataPacket carries no E2EE extension envelope (no
		// key_index/IV fields), so E2EE-enabled tracks are simply
		// unavailable over this fallback path, same as upstream.
		state.track.broadcast(FrameEvent{Payload: p.Payload})
	}

	return LegacyDataReceived{
		Payload:             p.Payload,
		Topic:               p.Topic,
		ParticipantIdentity: p.ParticipantIdentity,
		Reliable:            p.Kind == "reliable",
	}, nil
}
