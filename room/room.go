// Package room implements the Room/Participant Model (spec component H):
// the top-level object applications hold, bootstrapped from the signal
// connection's Join payload and kept in sync by reconciling
// ParticipantUpdate against the local view, the way the teacher's
// channel_webrtc.baseStreamer (internal/channel/webrtc/base_streamer.go)
// guards its lifecycle state and closed flag with a mutex, generalized
// from one streamer's buffers to a room's participant/publication maps.
package room

import (
	"context"
	"fmt"
	"sync"

	"github.com/rtcsdk/core/datastream"
	"github.com/rtcsdk/core/datatrack"
	"github.com/rtcsdk/core/e2ee"
	"github.com/rtcsdk/core/internal/engine"
	"github.com/rtcsdk/core/internal/logging"
	"github.com/rtcsdk/core/internal/signal"
)

type roomInfoPayload struct {
	Sid          string `json:"sid"`
	Name         string `json:"name"`
	Metadata     string `json:"metadata"`
	CreationTime int64  `json:"creation_time"`
}

type participantInfoPayload struct {
	Identity string                    `json:"identity"`
	Sid      string                    `json:"sid"`
	Metadata string                    `json:"metadata"`
	State    string                    `json:"state"`
	Tracks   []datatrack.DataTrackInfo `json:"tracks"`
}

type joinResponsePayload struct {
	Room              roomInfoPayload          `json:"room"`
	Participant       participantInfoPayload   `json:"participant"`
	OtherParticipants []participantInfoPayload `json:"other_participants"`
}

type participantUpdatePayload struct {
	Participants []participantInfoPayload `json:"participants"`
}

type speakersChangedPayload struct {
	Speakers []string `json:"speakers"`
}

type roomUpdatePayload struct {
	Metadata string `json:"metadata"`
}

type mutePayload struct {
	TrackSid string `json:"track_sid"`
	Muted    bool   `json:"muted"`
}

// Options configure Connect; AutoSubscribe mirrors spec.md §4.8's default
// of subscribing to every remote data track as soon as it's announced.
type Options struct {
	AutoSubscribe  bool
	AdaptiveStream bool
	E2EE           *e2ee.Manager
}

// Room is the application-facing handle for one connected session: it owns
// the Engine, both halves of the Data-Track Manager, the Data-Stream
// Manager, and the participant roster, and fans out everything that
// happens as Events.
type Room struct {
	logger logging.Logger

	eng     *engine.Engine
	localMgr  *datatrack.LocalManager
	remoteMgr *datatrack.RemoteManager
	streams   *datastream.Manager
	e2eeMgr   *e2ee.Manager

	bus *eventBus

	mu      sync.RWMutex
	name    string
	sid     string
	meta    string
	local   *LocalParticipant
	remotes map[string]*RemoteParticipant // keyed by identity

	autoSubscribe bool

	closeOnce sync.Once
}

// New builds an unconnected Room. Call Connect to join.
func New(logger logging.Logger) *Room {
	if logger == nil {
		logger = logging.Noop()
	}
	e2eeMgr := e2ee.NewManager(e2ee.NewPerIdentityKeyProvider(e2ee.DefaultKeyProviderOptions()))
	return &Room{
		logger:  logger,
		eng:     engine.New(logger),
		e2eeMgr: e2eeMgr,
		bus:     newEventBus(),
		remotes: make(map[string]*RemoteParticipant),
	}
}

// Connect joins url with token, bootstraps the participant roster from the
// Join payload, and starts the background loops that keep it current.
func (r *Room) Connect(ctx context.Context, url, token string, opts Options) error {
	if opts.E2EE != nil {
		r.e2eeMgr = opts.E2EE
	}
	r.autoSubscribe = opts.AutoSubscribe

	join, err := r.eng.Connect(ctx, url, token, engine.ConnectOptions{
		AutoSubscribe:  opts.AutoSubscribe,
		AdaptiveStream: opts.AdaptiveStream,
	})
	if err != nil {
		return err
	}

	var jp joinResponsePayload
	if err := join.Get(&jp); err != nil {
		return fmt.Errorf("room: parsing join payload: %w", err)
	}

	// The Data-Track managers send requests over the same signal connection
	// the Engine negotiated in Connect, so they're built once that
	// connection exists rather than alongside r.eng.
	r.localMgr = datatrack.NewLocalManager(r.logger, r.engineSignalClient(), r.eng, r.e2eeMgr)
	r.remoteMgr = datatrack.NewRemoteManager(r.logger, r.engineSignalClient(), r.e2eeMgr)
	r.streams = datastream.NewManager(r.logger, r.eng)
	r.streams.SetLocalIdentity(jp.Participant.Identity)

	r.mu.Lock()
	r.name = jp.Room.Name
	r.sid = jp.Room.Sid
	r.meta = jp.Room.Metadata
	r.local = newLocalParticipant(jp.Participant.Identity, jp.Participant.Sid, jp.Participant.Metadata, r.eng, r.localMgr, r.streams)
	r.local.onPublished = func(pub *Publication) { r.bus.emit(LocalTrackPublished{Publication: pub}) }
	r.local.onUnpublished = func(pub *Publication) { r.bus.emit(LocalTrackUnpublished{Publication: pub}) }
	for _, p := range jp.OtherParticipants {
		r.remotes[p.Identity] = r.bootstrapRemote(p)
	}
	r.mu.Unlock()

	r.eng.OnSignalMessage(r.handleSignalMessage)

	go r.readIncoming()
	go r.forwardE2eeEvents()

	r.bus.emit(Connected{})
	return nil
}

// engineSignalClient returns the signal connection the Engine negotiated in
// Connect, so the Data-Track managers send their PublishDataTrack/
// UpdateDataSubscription/UnpublishDataTrack requests over the same
// connection the Engine itself uses.
func (r *Room) engineSignalClient() *signal.Client { return r.eng.SignalClient() }

func (r *Room) bootstrapRemote(p participantInfoPayload) *RemoteParticipant {
	rp := newRemoteParticipant(p.Identity, p.Sid, p.Metadata, p.State)
	fresh := r.remoteMgr.ReconcilePublications(p.Identity, p.Tracks)
	for _, rt := range fresh {
		pub := &Publication{Sid: rt.Sid, Name: rt.Name, Kind: TrackKindData, remoteTrack: rt}
		rp.addPublication(pub)
		if r.autoSubscribe {
			pub.setSubscribed(true)
			_ = r.remoteMgr.Subscribe(rt.Sid)
		}
	}
	return rp
}

func (r *Room) handleSignalMessage(msg signal.Envelope) {
	r.localMgr.HandleSignalMessage(msg)
	r.remoteMgr.HandleSignalMessage(msg)

	switch msg.Kind {
	case signal.KindUpdate:
		var p participantUpdatePayload
		if err := msg.Get(&p); err != nil {
			return
		}
		r.reconcileParticipants(p.Participants)
	case signal.KindSpeakersChanged:
		var p speakersChangedPayload
		if err := msg.Get(&p); err != nil {
			return
		}
		r.bus.emit(ActiveSpeakersChanged{Speakers: r.resolveSpeakers(p.Speakers)})
	case signal.KindRoomUpdate:
		var p roomUpdatePayload
		if err := msg.Get(&p); err != nil {
			return
		}
		r.mu.Lock()
		r.meta = p.Metadata
		r.mu.Unlock()
		r.bus.emit(RoomMetadataChanged{Metadata: p.Metadata})
	case signal.KindMute:
		var p mutePayload
		if err := msg.Get(&p); err != nil {
			return
		}
		r.applyMute(p.TrackSid, p.Muted)
	}
}

func (r *Room) resolveSpeakers(identities []string) []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Participant, 0, len(identities))
	for _, id := range identities {
		if r.local != nil && r.local.Identity() == id {
			out = append(out, r.local)
			continue
		}
		if rp, ok := r.remotes[id]; ok {
			out = append(out, rp)
		}
	}
	return out
}

func (r *Room) resolveParticipant(identity string) Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.local != nil && r.local.Identity() == identity {
		return r.local
	}
	if rp, ok := r.remotes[identity]; ok {
		return rp
	}
	return nil
}

func (r *Room) applyMute(trackSid string, muted bool) {
	r.mu.RLock()
	local := r.local
	var remotes []*RemoteParticipant
	for _, rp := range r.remotes {
		remotes = append(remotes, rp)
	}
	r.mu.RUnlock()

	if local != nil {
		for _, pub := range local.Publications() {
			if pub.Sid == trackSid {
				pub.setMuted(muted)
				r.emitMuteEvent(pub, local, muted)
				return
			}
		}
	}
	for _, rp := range remotes {
		for _, pub := range rp.Publications() {
			if pub.Sid == trackSid {
				pub.setMuted(muted)
				r.emitMuteEvent(pub, rp, muted)
				return
			}
		}
	}
}

func (r *Room) emitMuteEvent(pub *Publication, participant Participant, muted bool) {
	if muted {
		r.bus.emit(TrackMuted{Publication: pub, Participant: participant})
	} else {
		r.bus.emit(TrackUnmuted{Publication: pub, Participant: participant})
	}
}

// reconcileParticipants applies spec.md §4.8's authoritative-list rule: a
// participant moving to state "disconnected" tears down its publications
// (emitting TrackUnpublished for each) before ParticipantDisconnected; an
// unseen identity is a new ParticipantConnected; otherwise its track list
// is diffed against what Room already knows to raise TrackPublished and
// TrackUnpublished for the difference.
func (r *Room) reconcileParticipants(incoming []participantInfoPayload) {
	for _, p := range incoming {
		r.mu.Lock()
		rp, known := r.remotes[p.Identity]
		if !known {
			rp = newRemoteParticipant(p.Identity, p.Sid, p.Metadata, p.State)
			r.remotes[p.Identity] = rp
		}
		r.mu.Unlock()

		if !known {
			r.bus.emit(ParticipantConnected{Participant: rp})
		} else if rp.Metadata() != p.Metadata {
			rp.applyUpdate(p.Metadata, p.State)
			r.bus.emit(ParticipantMetadataChanged{Participant: rp})
		} else {
			rp.applyUpdate(p.Metadata, p.State)
		}

		if p.State == "disconnected" {
			for sid := range rp.trackSids() {
				if pub, ok := rp.removePublication(sid); ok {
					r.bus.emit(TrackUnpublished{Publication: pub, Participant: rp})
					r.bus.emit(RemoteDataTrackUnpublished{Sid: sid})
				}
			}
			r.mu.Lock()
			delete(r.remotes, p.Identity)
			r.mu.Unlock()
			r.bus.emit(ParticipantDisconnected{Participant: rp})
			continue
		}

		before := rp.trackSids()
		fresh := r.remoteMgr.ReconcilePublications(p.Identity, p.Tracks)
		for _, rt := range fresh {
			pub := &Publication{Sid: rt.Sid, Name: rt.Name, Kind: TrackKindData, remoteTrack: rt}
			rp.addPublication(pub)
			r.bus.emit(TrackPublished{Publication: pub, Participant: rp})
			r.bus.emit(RemoteDataTrackPublished{Track: rt})
			if r.autoSubscribe {
				pub.setSubscribed(true)
				_ = r.remoteMgr.Subscribe(rt.Sid)
			}
		}

		still := make(map[string]struct{}, len(p.Tracks))
		for _, t := range p.Tracks {
			still[t.Sid] = struct{}{}
		}
		for sid := range before {
			if _, ok := still[sid]; ok {
				continue
			}
			if pub, ok := rp.removePublication(sid); ok {
				r.bus.emit(TrackUnpublished{Publication: pub, Participant: rp})
				r.bus.emit(RemoteDataTrackUnpublished{Sid: sid})
			}
		}
	}
}

// readIncoming drains the Engine's data-channel packets, routing each by
// its DTP track_handle to the Remote Data-Track Manager or the Data-Stream
// Manager, whichever owns that handle.
func (r *Room) readIncoming() {
	for pkt := range r.eng.Incoming {
		// When the server never advertised DTP support (spec.md §9 Open
		// Question 1), nothing on the wire is DTP-framed: every payload is
		// a legacy protobuf DataPacket instead, and data streams (which
		// require DTP's control handle) are unavailable.
		if !r.eng.SupportsDataTrackProtocol() {
			if dr, err := r.remoteMgr.PacketReceivedLegacy(pkt.Payload); err == nil {
				r.bus.emit(DataReceived{
					Payload:     dr.Payload,
					Topic:       dr.Topic,
					Participant: r.resolveParticipant(dr.ParticipantIdentity),
					Reliable:    dr.Reliable,
				})
			}
			continue
		}

		if len(pkt.Payload) < 3 {
			continue
		}
		// DTP byte 0 is [version|frame_marker|ext_flag|reserved]; the
		// 16-bit track_handle occupies bytes 1-2 (internal/dtp.Decode).
		handle := datatrack.TrackHandle(pkt.Payload[1])<<8 | datatrack.TrackHandle(pkt.Payload[2])
		if handle == datatrack.ControlHandle {
			r.streams.PacketReceived(pkt.Payload)
			continue
		}
		r.remoteMgr.PacketReceived(pkt.Payload)
	}
}

func (r *Room) forwardE2eeEvents() {
	for ev := range r.e2eeMgr.Events() {
		r.bus.emit(E2eeStateChanged{ParticipantIdentity: ev.ParticipantIdentity, State: ev.State})
	}
}

// LocalParticipant returns the application's own seat in the room.
func (r *Room) LocalParticipant() *LocalParticipant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.local
}

// RemoteParticipants returns a snapshot of every other participant
// currently in the room.
func (r *Room) RemoteParticipants() []*RemoteParticipant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RemoteParticipant, 0, len(r.remotes))
	for _, rp := range r.remotes {
		out = append(out, rp)
	}
	return out
}

// Name returns the room's name as reported at Join.
func (r *Room) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.name
}

// Sid returns the room's server-assigned sid.
func (r *Room) Sid() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sid
}

// Metadata returns the room's current metadata.
func (r *Room) Metadata() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta
}

// E2EEManager exposes the E2EE Manager so callers can SetEnabled and
// inspect frame-cryptor state outside of Events.
func (r *Room) E2EEManager() *e2ee.Manager { return r.e2eeMgr }

// RegisterByteStreamHandler registers fn for topic and emits
// ByteStreamOpened the moment a matching inbound stream is seen.
func (r *Room) RegisterByteStreamHandler(topic string, fn datastream.ByteStreamHandler) error {
	return r.streams.RegisterByteStreamHandler(topic, func(reader *datastream.StreamReader) {
		r.bus.emit(ByteStreamOpened{Topic: reader.Topic, ParticipantIdentity: reader.ParticipantIdentity})
		fn(reader)
	})
}

// RegisterTextStreamHandler registers fn for topic and emits
// TextStreamOpened the moment a matching inbound stream is seen.
func (r *Room) RegisterTextStreamHandler(topic string, fn datastream.TextStreamHandler) error {
	return r.streams.RegisterTextStreamHandler(topic, func(reader *datastream.TextStreamReader) {
		r.bus.emit(TextStreamOpened{Topic: reader.Topic, ParticipantIdentity: reader.ParticipantIdentity})
		fn(reader)
	})
}

// Events returns a new unbounded event subscription; every Room event
// published after this call is delivered on the returned channel until the
// Room closes.
func (r *Room) Events() <-chan Event {
	return r.bus.subscribe().Events()
}

// Close disconnects per spec.md §5: signal Leave, then both transports,
// then the data channels, then the signal socket itself, all inside
// Engine.Close; Room additionally tears down its event subscribers.
func (r *Room) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.eng.Close()
		r.bus.emit(Disconnected{Reason: "closed"})
		r.bus.closeAll()
	})
	return err
}
