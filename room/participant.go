package room

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/rtcsdk/core/datastream"
	"github.com/rtcsdk/core/datatrack"
	"github.com/rtcsdk/core/internal/engine"
	"github.com/rtcsdk/core/internal/rtcerrors"
)

// RemoteDataTrack is re-exported so Room callers don't need to import
// datatrack directly for event payloads.
type RemoteDataTrack = datatrack.RemoteDataTrack

// Participant is the common surface of LocalParticipant and
// RemoteParticipant.
type Participant interface {
	Identity() string
	Sid() string
	Metadata() string
}

// TrackKind classifies a Publication per spec.md §3.
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
	TrackKindData  TrackKind = "data"
)

// TrackSource describes where a media track's samples originate, per
// spec.md §3.
type TrackSource string

const (
	TrackSourceCamera           TrackSource = "camera"
	TrackSourceMicrophone       TrackSource = "microphone"
	TrackSourceScreenShare      TrackSource = "screenshare"
	TrackSourceScreenShareAudio TrackSource = "screenshare_audio"
	TrackSourceUnknown          TrackSource = "unknown"
)

// Dimensions is a video publication's frame size.
type Dimensions struct {
	Width  uint32
	Height uint32
}

// PublishTrackOptions configures LocalParticipant.PublishTrack.
type PublishTrackOptions struct {
	Name       string
	Source     TrackSource
	Simulcast  bool
	Dimensions *Dimensions
}

// Publication describes one published track, local or remote. Ownership of
// the underlying WebRTC track resource belongs to the PeerTransport
// (spec.md §8); Publication only refers to it by sid plus a non-owning
// pointer acquired once at construction.
type Publication struct {
	mu         sync.RWMutex
	Sid        string
	Name       string
	Kind       TrackKind
	Source     TrackSource
	Mime       string
	Simulcast  bool
	Dimensions *Dimensions
	UsesE2EE   bool
	muted      bool
	subscribed bool
	streamState string

	remoteTrack *datatrack.RemoteDataTrack // nil unless Kind == TrackKindData and remote
	localTrack  *datatrack.LocalDataTrack  // nil unless Kind == TrackKindData and local

	mediaTrack webrtc.TrackLocal  // non-owning; nil for data/remote publications
	sender     *webrtc.RTPSender  // non-owning; nil for data/remote publications
}

// Muted reports whether this publication is currently muted.
func (p *Publication) Muted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.muted
}

func (p *Publication) setMuted(v bool) {
	p.mu.Lock()
	p.muted = v
	p.mu.Unlock()
}

// RemoteTrack returns the subscribable RemoteDataTrack handle of a remote
// data publication, whether or not it has been subscribed yet.
func (p *Publication) RemoteTrack() *datatrack.RemoteDataTrack {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.remoteTrack
}

// LocalTrack returns the LocalDataTrack handle for a local publication.
func (p *Publication) LocalTrack() *datatrack.LocalDataTrack {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.localTrack
}

// MediaTrack returns the non-owning webrtc.TrackLocal handle for a local
// media publication, or nil for data/remote publications.
func (p *Publication) MediaTrack() webrtc.TrackLocal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mediaTrack
}

// Subscribed reports whether a remote publication currently has an active
// subscription.
func (p *Publication) Subscribed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.subscribed
}

// StreamState returns a remote publication's stream state ("active" or
// "paused"), per spec.md §3.
func (p *Publication) StreamState() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.streamState
}

func (p *Publication) setSubscribed(v bool) {
	p.mu.Lock()
	p.subscribed = v
	p.mu.Unlock()
}

// LocalParticipant is the application's own seat in the room: it publishes
// media and data tracks, sends byte/text streams, and publishes raw data
// frames.
type LocalParticipant struct {
	mu       sync.RWMutex
	identity string
	sid      string
	metadata string

	publications map[string]*Publication

	eng     *engine.Engine
	local   *datatrack.LocalManager
	streams *datastream.Manager

	onPublished   func(*Publication)
	onUnpublished func(*Publication)
}

func newLocalParticipant(identity, sid, metadata string, eng *engine.Engine, local *datatrack.LocalManager, streams *datastream.Manager) *LocalParticipant {
	return &LocalParticipant{
		identity:     identity,
		sid:          sid,
		metadata:     metadata,
		publications: make(map[string]*Publication),
		eng:          eng,
		local:        local,
		streams:      streams,
	}
}

func (p *LocalParticipant) setMetadata(metadata string) {
	p.mu.Lock()
	p.metadata = metadata
	p.mu.Unlock()
}

// Identity returns the local participant's identity.
func (p *LocalParticipant) Identity() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.identity
}

// Sid returns the local participant's server-assigned sid.
func (p *LocalParticipant) Sid() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sid
}

// Metadata returns the local participant's current metadata.
func (p *LocalParticipant) Metadata() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metadata
}

// Publications returns a snapshot of the local participant's publications.
func (p *LocalParticipant) Publications() []*Publication {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Publication, 0, len(p.publications))
	for _, pub := range p.publications {
		out = append(out, pub)
	}
	return out
}

// PublishDataTrack publishes a new local data track.
func (p *LocalParticipant) PublishDataTrack(ctx context.Context, opts datatrack.PublishOptions) (*datatrack.LocalDataTrack, error) {
	track, err := p.local.Publish(ctx, opts)
	if err != nil {
		return nil, err
	}
	pub := &Publication{Sid: track.Sid(), Name: track.Name(), Kind: TrackKindData, localTrack: track}
	p.mu.Lock()
	p.publications[track.Sid()] = pub
	p.mu.Unlock()
	if p.onPublished != nil {
		p.onPublished(pub)
	}
	return track, nil
}

// UnpublishDataTrack unpublishes a previously published local data track.
func (p *LocalParticipant) UnpublishDataTrack(track *datatrack.LocalDataTrack) error {
	p.mu.Lock()
	pub, ok := p.publications[track.Sid()]
	delete(p.publications, track.Sid())
	p.mu.Unlock()
	if err := track.Unpublish(); err != nil {
		return err
	}
	if ok && p.onUnpublished != nil {
		p.onUnpublished(pub)
	}
	return nil
}

// PublishTrack publishes a local media track (spec.md §6's
// LocalParticipant::publish_track): it registers the track with the server
// over the signal connection, then adds it to the publisher PeerTransport
// and renegotiates. track is an external collaborator (spec.md §1 places
// capture/encode out of scope); PublishTrack keeps a non-owning reference
// to the resulting RTCRtpSender for later unpublish.
func (p *LocalParticipant) PublishTrack(ctx context.Context, track webrtc.TrackLocal, opts PublishTrackOptions) (*Publication, error) {
	if track == nil {
		return nil, rtcerrors.New(rtcerrors.KindPublish, rtcerrors.ReasonNone, "publish track: track must not be nil")
	}

	kind := TrackKindVideo
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		kind = TrackKindAudio
	}

	name := opts.Name
	if name == "" {
		name = track.ID()
	}

	sid, sender, err := p.eng.PublishMediaTrack(ctx, track, engine.AddTrackRequest{Name: name, Kind: string(kind)})
	if err != nil {
		return nil, err
	}

	source := opts.Source
	if source == "" {
		source = TrackSourceUnknown
	}

	pub := &Publication{
		Sid:        sid,
		Name:       name,
		Kind:       kind,
		Source:     source,
		Simulcast:  opts.Simulcast,
		Dimensions: opts.Dimensions,
		mediaTrack: track,
		sender:     sender,
	}
	p.mu.Lock()
	p.publications[sid] = pub
	p.mu.Unlock()
	if p.onPublished != nil {
		p.onPublished(pub)
	}
	return pub, nil
}

// UnpublishTrack unpublishes a previously published local media track by
// its publication sid (spec.md §6's LocalParticipant::unpublish_track).
func (p *LocalParticipant) UnpublishTrack(sid string) error {
	p.mu.Lock()
	pub, ok := p.publications[sid]
	if ok {
		delete(p.publications, sid)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	if err := p.eng.UnpublishMediaTrack(pub.sender); err != nil {
		return err
	}
	if p.onUnpublished != nil {
		p.onUnpublished(pub)
	}
	return nil
}

// PublishData sends a one-shot legacy DataPacket directly over a data
// channel (spec.md §6's LocalParticipant::publish_data), independent of any
// published data track.
func (p *LocalParticipant) PublishData(ctx context.Context, pkt datatrack.DataPacket) error {
	return datatrack.SendDataPacket(p.eng, p.Identity(), pkt)
}

// SendBytes chunks and sends a byte stream on topic.
func (p *LocalParticipant) SendBytes(ctx context.Context, topic, mime string, data []byte, onProgress func(datastream.StreamProgress)) (string, error) {
	return p.streams.SendBytes(ctx, topic, mime, data, onProgress)
}

// SendText chunks and sends a text stream on topic.
func (p *LocalParticipant) SendText(ctx context.Context, topic string, text string, onProgress func(datastream.StreamProgress)) (string, error) {
	return p.streams.SendText(ctx, topic, text, onProgress)
}

// RemoteParticipant is another participant's seat in the room, reconciled
// from ParticipantUpdate messages.
type RemoteParticipant struct {
	mu       sync.RWMutex
	identity string
	sid      string
	metadata string
	state    string

	publications map[string]*Publication
}

func newRemoteParticipant(identity, sid, metadata, state string) *RemoteParticipant {
	return &RemoteParticipant{
		identity:     identity,
		sid:          sid,
		metadata:     metadata,
		state:        state,
		publications: make(map[string]*Publication),
	}
}

// State returns the participant's last-known connection state ("active",
// "disconnected", ...) as carried on ParticipantUpdate.
func (p *RemoteParticipant) State() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *RemoteParticipant) applyUpdate(metadata, state string) {
	p.mu.Lock()
	p.metadata, p.state = metadata, state
	p.mu.Unlock()
}

func (p *RemoteParticipant) addPublication(pub *Publication) {
	p.mu.Lock()
	p.publications[pub.Sid] = pub
	p.mu.Unlock()
}

func (p *RemoteParticipant) removePublication(sid string) (*Publication, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pub, ok := p.publications[sid]
	if ok {
		delete(p.publications, sid)
	}
	return pub, ok
}

func (p *RemoteParticipant) trackSids() map[string]struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]struct{}, len(p.publications))
	for sid := range p.publications {
		out[sid] = struct{}{}
	}
	return out
}

// Identity returns the remote participant's identity.
func (p *RemoteParticipant) Identity() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.identity
}

// Sid returns the remote participant's server-assigned sid.
func (p *RemoteParticipant) Sid() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sid
}

// Metadata returns the remote participant's current metadata.
func (p *RemoteParticipant) Metadata() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metadata
}

// Publications returns a snapshot of the remote participant's publications.
func (p *RemoteParticipant) Publications() []*Publication {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Publication, 0, len(p.publications))
	for _, pub := range p.publications {
		out = append(out, pub)
	}
	return out
}
