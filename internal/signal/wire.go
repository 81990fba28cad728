// Package signal implements the Signal Client (spec component A): a
// WebSocket carrying protocol-buffer signal messages, one record per binary
// WebSocket message with no length prefix on the socket (EncodeFrame and
// DecodeFrame provide the length-prefixed form but the Client does not use
// them), with reconnect and a queued send path. Framing messages are modeled as
// a generic protobuf Struct (google.golang.org/protobuf/types/known/structpb)
// tagged with a Kind — this module doesn't have the LiveKit .proto schema
// compiled in, so it rides the protobuf runtime's own generic container
// instead of hand-rolled JSON, which keeps the "protocol-buffer records"
// framing in spec.md genuine rather than aspirational.
package signal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Kind enumerates the signal request/response message types named in
// spec.md §6.
type Kind string

const (
	// Requests (client -> server)
	KindOffer                  Kind = "offer"
	KindAnswer                 Kind = "answer"
	KindTrickle                Kind = "trickle"
	KindAddTrack               Kind = "add_track"
	KindMute                   Kind = "mute"
	KindSubscription           Kind = "subscription"
	KindTrackPermission        Kind = "track_permission"
	KindLeave                  Kind = "leave"
	KindUpdateLayers           Kind = "update_layers"
	KindSubscriptionPermission Kind = "subscription_permission"
	KindSyncState              Kind = "sync_state"
	KindSimulateScenario       Kind = "simulate_scenario"
	KindPing                   Kind = "ping"
	KindUpdateParticipantMeta  Kind = "update_participant_metadata"
	KindPublishDataTrack       Kind = "publish_data_track"
	KindUnpublishDataTrack     Kind = "unpublish_data_track"
	KindUpdateDataSubscription Kind = "update_data_subscription"

	// Responses (server -> client)
	KindJoin                         Kind = "join"
	KindUpdate                       Kind = "update"
	KindTrackPublished               Kind = "track_published"
	KindSpeakersChanged              Kind = "speakers_changed"
	KindRoomUpdate                   Kind = "room_update"
	KindConnectionQuality            Kind = "connection_quality"
	KindStreamStateUpdate            Kind = "stream_state_update"
	KindSubscribedQualityUpdate      Kind = "subscribed_quality_update"
	KindSubscriptionPermissionUpdate Kind = "subscription_permission_update"
	KindRefreshToken                 Kind = "refresh_token"
	KindTrackUnpublished             Kind = "track_unpublished"
	KindPong                         Kind = "pong"
	KindReconnectResponse            Kind = "reconnect_response"
	KindTrackSubscribed              Kind = "track_subscribed"
	KindRequestResponse              Kind = "request_response"
	KindSubscriptionResponse         Kind = "subscription_response"
	KindPublishDataTrackResponse     Kind = "publish_data_track_response"
	KindDataTrackSubscriberHandles   Kind = "data_track_subscriber_handles"
)

// Envelope is the in-memory form of one signal message: a Kind tag plus an
// arbitrary JSON-shaped payload, carried on the wire as a protobuf Struct.
type Envelope struct {
	Kind    Kind
	Payload map[string]interface{}
}

// Get unmarshals the payload into v via a JSON round-trip (the payload is
// already JSON-shaped; this just gives callers typed access).
func (e Envelope) Get(v interface{}) error {
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// NewEnvelope builds an Envelope from a typed payload struct.
func NewEnvelope(kind Kind, payload interface{}) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: kind, Payload: m}, nil
}

func (e Envelope) toProto() (*structpb.Struct, error) {
	fields := make(map[string]interface{}, len(e.Payload)+1)
	for k, v := range e.Payload {
		fields[k] = v
	}
	fields["__kind"] = string(e.Kind)
	return structpb.NewStruct(fields)
}

func fromProto(s *structpb.Struct) (Envelope, error) {
	m := s.AsMap()
	kind, _ := m["__kind"].(string)
	delete(m, "__kind")
	return Envelope{Kind: Kind(kind), Payload: m}, nil
}

// EncodeMessage serializes an Envelope to a single protobuf-encoded
// websocket binary message. The WebSocket frame boundary itself delimits
// the record, so no length prefix is needed here (unlike EncodeFrame,
// which is for a raw stream transport).
func EncodeMessage(e Envelope) ([]byte, error) {
	s, err := e.toProto()
	if err != nil {
		return nil, fmt.Errorf("signal: building struct: %w", err)
	}
	return proto.Marshal(s)
}

// DecodeMessage parses one websocket binary message into an Envelope.
func DecodeMessage(body []byte) (Envelope, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(body, &s); err != nil {
		return Envelope{}, fmt.Errorf("signal: unmarshaling struct: %w", err)
	}
	return fromProto(&s)
}

// EncodeFrame serializes an Envelope as a length-prefixed protobuf record:
// a 4-byte big-endian length followed by the marshaled Struct.
func EncodeFrame(e Envelope) ([]byte, error) {
	s, err := e.toProto()
	if err != nil {
		return nil, fmt.Errorf("signal: building struct: %w", err)
	}
	body, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("signal: marshaling struct: %w", err)
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// DecodeFrame parses a length-prefixed protobuf record back into an
// Envelope.
func DecodeFrame(frame []byte) (Envelope, error) {
	if len(frame) < 4 {
		return Envelope{}, io.ErrUnexpectedEOF
	}
	n := binary.BigEndian.Uint32(frame[:4])
	if uint32(len(frame)-4) < n {
		return Envelope{}, io.ErrUnexpectedEOF
	}
	var s structpb.Struct
	if err := proto.Unmarshal(frame[4:4+n], &s); err != nil {
		return Envelope{}, fmt.Errorf("signal: unmarshaling struct: %w", err)
	}
	return fromProto(&s)
}
