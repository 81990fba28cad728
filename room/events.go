package room

import "github.com/rtcsdk/core/e2ee"

// Event is the RoomEvent union described in spec.md §6: every concrete type
// below implements Event via the unexported marker method, giving callers
// an exhaustive type switch instead of a string-tagged struct.
type Event interface {
	isRoomEvent()
}

// Connected fires once Room.Connect succeeds.
type Connected struct{}

// Disconnected fires when the Room tears down, carrying why.
type Disconnected struct {
	Reason string
}

// Reconnecting marks the Engine entering its reconnection state machine.
// Room does not emit it.
type Reconnecting struct{}

// Reconnected marks a completed reconnect (signal-only or full). Room does
// not emit it.
type Reconnected struct{}

// ParticipantConnected fires when a new remote participant joins.
type ParticipantConnected struct {
	Participant *RemoteParticipant
}

// ParticipantDisconnected fires when a remote participant leaves.
type ParticipantDisconnected struct {
	Participant *RemoteParticipant
}

// LocalTrackPublished fires after the local participant successfully
// publishes a track.
type LocalTrackPublished struct {
	Publication *Publication
}

// LocalTrackUnpublished fires after the local participant unpublishes a
// track.
type LocalTrackUnpublished struct {
	Publication *Publication
}

// TrackPublished fires when a remote participant publishes a track.
type TrackPublished struct {
	Publication *Publication
	Participant *RemoteParticipant
}

// TrackUnpublished fires when a remote participant unpublishes a track.
type TrackUnpublished struct {
	Publication *Publication
	Participant *RemoteParticipant
}

// TrackSubscribed marks a remote track's subscription becoming active. Room
// does not emit it.
type TrackSubscribed struct {
	Track       *RemoteDataTrack
	Publication *Publication
	Participant *RemoteParticipant
}

// TrackUnsubscribed marks a remote track's subscription ending. Room does
// not emit it.
type TrackUnsubscribed struct {
	Publication *Publication
	Participant *RemoteParticipant
}

// TrackMuted fires when a track (local or remote) is muted.
type TrackMuted struct {
	Publication *Publication
	Participant Participant
}

// TrackUnmuted fires when a track (local or remote) is unmuted.
type TrackUnmuted struct {
	Publication *Publication
	Participant Participant
}

// ActiveSpeakersChanged fires when the server's active-speaker list
// changes.
type ActiveSpeakersChanged struct {
	Speakers []Participant
}

// RoomMetadataChanged fires when the room's metadata is updated.
type RoomMetadataChanged struct {
	Metadata string
}

// ParticipantMetadataChanged fires when a participant's metadata is
// updated.
type ParticipantMetadataChanged struct {
	Participant Participant
}

// ByteStreamOpened fires when an inbound byte stream starts for a topic
// with a registered handler.
type ByteStreamOpened struct {
	Topic               string
	ParticipantIdentity string
}

// TextStreamOpened fires when an inbound text stream starts for a topic
// with a registered handler.
type TextStreamOpened struct {
	Topic               string
	ParticipantIdentity string
}

// RemoteDataTrackPublished fires when a data track becomes available for
// subscription.
type RemoteDataTrackPublished struct {
	Track *RemoteDataTrack
}

// RemoteDataTrackUnpublished fires when a remote data track is withdrawn.
type RemoteDataTrackUnpublished struct {
	Sid string
}

// DataReceived carries a payload received as a legacy DataPacket, the path
// used while the server lacks DTP support. DTP data-track frames reach
// RemoteDataTrack subscriptions, not this event.
type DataReceived struct {
	Payload     []byte
	Topic       string
	Participant Participant
	Reliable    bool
}

// E2eeStateChanged forwards a frame cryptor state transition.
type E2eeStateChanged struct {
	ParticipantIdentity string
	State               e2ee.FrameCryptorState
}

func (Connected) isRoomEvent()                  {}
func (Disconnected) isRoomEvent()               {}
func (Reconnecting) isRoomEvent()               {}
func (Reconnected) isRoomEvent()                {}
func (ParticipantConnected) isRoomEvent()       {}
func (ParticipantDisconnected) isRoomEvent()    {}
func (LocalTrackPublished) isRoomEvent()        {}
func (LocalTrackUnpublished) isRoomEvent()      {}
func (TrackPublished) isRoomEvent()             {}
func (TrackUnpublished) isRoomEvent()           {}
func (TrackSubscribed) isRoomEvent()            {}
func (TrackUnsubscribed) isRoomEvent()          {}
func (TrackMuted) isRoomEvent()                 {}
func (TrackUnmuted) isRoomEvent()               {}
func (ActiveSpeakersChanged) isRoomEvent()      {}
func (RoomMetadataChanged) isRoomEvent()        {}
func (ParticipantMetadataChanged) isRoomEvent() {}
func (ByteStreamOpened) isRoomEvent()           {}
func (TextStreamOpened) isRoomEvent()           {}
func (RemoteDataTrackPublished) isRoomEvent()   {}
func (RemoteDataTrackUnpublished) isRoomEvent() {}
func (DataReceived) isRoomEvent()               {}
func (E2eeStateChanged) isRoomEvent()           {}
