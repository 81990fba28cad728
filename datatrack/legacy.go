package datatrack

import (
	"encoding/base64"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rtcsdk/core/internal/engine"
)

// legacyDataPacket is the pre-DTP wire shape this module falls back to when
// a server's Join response doesn't advertise DATA_TRACK_PROTOCOL support
// (spec.md §9 Open Question 1, resolved in SPEC_FULL.md). It rides the same
// protobuf Struct container internal/signal uses for control messages,
// since the real LiveKit DataPacket schema isn't compiled into this
// module — see internal/signal/wire.go's doc comment for the rationale.
type legacyDataPacket struct {
	Kind                  string   `json:"kind"` // "reliable" | "lossy"
	Payload               []byte   `json:"payload"`
	ParticipantIdentity   string   `json:"participant_identity,omitempty"`
	DestinationIdentities []string `json:"destination_identities,omitempty"`
	Topic                 string   `json:"topic,omitempty"`
}

func encodeLegacyDataPacket(p legacyDataPacket) ([]byte, error) {
	m := map[string]interface{}{
		"kind":    p.Kind,
		"payload": p.Payload,
	}
	if p.ParticipantIdentity != "" {
		m["participant_identity"] = p.ParticipantIdentity
	}
	if len(p.DestinationIdentities) > 0 {
		ids := make([]interface{}, len(p.DestinationIdentities))
		for i, id := range p.DestinationIdentities {
			ids[i] = id
		}
		m["destination_identities"] = ids
	}
	if p.Topic != "" {
		m["topic"] = p.Topic
	}

	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("datatrack: building legacy struct: %w", err)
	}
	return proto.Marshal(s)
}

// DataPacket is a one-shot payload sent directly over a data channel,
// bypassing the per-track publish/subscribe flow entirely (spec.md §6's
// LocalParticipant::publish_data, kept distinct from
// publish_data_track/LocalDataTrack.Publish's DTP-framed per-track path).
// It always rides the legacy protobuf DataPacket shape, the same one
// non-DTP servers require for every data message, since publish_data has no
// notion of a track_handle to packetize under.
type DataPacket struct {
	Payload               []byte
	Topic                 string
	DestinationIdentities []string
	Reliable              bool
}

// SendDataPacket encodes pkt as a legacy DataPacket and writes it directly
// to the reliable or lossy channel, the same wire shape
// RemoteManager.PacketReceivedLegacy decodes on the receive side.
func SendDataPacket(eng *engine.Engine, senderIdentity string, pkt DataPacket) error {
	kind, reliability := "lossy", engine.Lossy
	if pkt.Reliable {
		kind, reliability = "reliable", engine.Reliable
	}

	buf, err := encodeLegacyDataPacket(legacyDataPacket{
		Kind:                  kind,
		Payload:               pkt.Payload,
		ParticipantIdentity:   senderIdentity,
		DestinationIdentities: pkt.DestinationIdentities,
		Topic:                 pkt.Topic,
	})
	if err != nil {
		return err
	}
	return eng.PublishData(buf, reliability)
}

func decodeLegacyDataPacket(body []byte) (legacyDataPacket, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(body, &s); err != nil {
		return legacyDataPacket{}, fmt.Errorf("datatrack: unmarshaling legacy struct: %w", err)
	}
	m := s.AsMap()

	// structpb.NewStruct base64-encodes []byte values into plain strings
	// (there's no raw-bytes Value kind), so AsMap always hands payload back
	// as a string here, not []byte; decode it back out the same way.
	var payload []byte
	if raw, ok := m["payload"].(string); ok {
		if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
			payload = decoded
		} else {
			payload = []byte(raw)
		}
	}

	p := legacyDataPacket{Payload: payload}
	if kind, ok := m["kind"].(string); ok {
		p.Kind = kind
	}
	if identity, ok := m["participant_identity"].(string); ok {
		p.ParticipantIdentity = identity
	}
	if topic, ok := m["topic"].(string); ok {
		p.Topic = topic
	}
	if ids, ok := m["destination_identities"].([]interface{}); ok {
		for _, v := range ids {
			if s, ok := v.(string); ok {
				p.DestinationIdentities = append(p.DestinationIdentities, s)
			}
		}
	}
	return p, nil
}
