package dtp

import "fmt"

// ErrMTUTooSmall is returned when the MTU cannot fit even one payload byte
// alongside the packet's header.
type ErrMTUTooSmall struct {
	MTU, HeaderLen int
}

func (e *ErrMTUTooSmall) Error() string {
	return fmt.Sprintf("dtp: mtu %d too small for header %d", e.MTU, e.HeaderLen)
}

// Packetizer slices application frames into DTP packets for a single
// track_handle, maintaining the per-track monotone sequence and
// frame_number counters required by the wire invariants. It is not safe
// for concurrent use; callers serialize access per track (see
// datatrack.LocalManager.runTrackTask).
type Packetizer struct {
	TrackHandle uint16
	sequence    uint16
	frameNumber uint16
}

// NewPacketizer constructs a packetizer for one track_handle. Sequence and
// frame_number both start at 0 and wrap at 2^16 as packets/frames are
// emitted.
func NewPacketizer(trackHandle uint16) *Packetizer {
	return &Packetizer{TrackHandle: trackHandle}
}

// Packetize splits payload into one or more packets of at most mtu bytes
// each (header included), carrying extensions only on the first packet of
// the frame (e.g. E2ee IV, user timestamp) since they describe the frame as
// a whole. Returns a non-empty slice whose payloads concatenate back to
// payload; the last packet is marked Final, or Single when only one packet
// is produced.
func (pz *Packetizer) Packetize(payload []byte, mtu int, firstPacketExtensions []Extension) ([]*Packet, error) {
	headerLen := HeaderLen(firstPacketExtensions)
	if mtu < headerLen+1 {
		return nil, &ErrMTUTooSmall{MTU: mtu, HeaderLen: headerLen}
	}

	frameNumber := pz.frameNumber
	pz.frameNumber++

	if len(payload) == 0 {
		pkt := &Packet{
			Version:     CurrentVersion,
			Marker:      MarkerSingle,
			TrackHandle: pz.TrackHandle,
			Sequence:    pz.nextSequence(),
			FrameNumber: frameNumber,
			Extensions:  firstPacketExtensions,
			Payload:     nil,
		}
		return []*Packet{pkt}, nil
	}

	maxChunk := mtu - headerLen
	var packets []*Packet
	for off := 0; off < len(payload); off += maxChunk {
		end := off + maxChunk
		if end > len(payload) {
			end = len(payload)
		}
		packets = append(packets, &Packet{
			Version:     CurrentVersion,
			TrackHandle: pz.TrackHandle,
			Sequence:    pz.nextSequence(),
			FrameNumber: frameNumber,
			Payload:     payload[off:end],
		})
	}

	packets[0].Extensions = firstPacketExtensions
	if len(packets) == 1 {
		packets[0].Marker = MarkerSingle
	} else {
		packets[0].Marker = MarkerStart
		for i := 1; i < len(packets)-1; i++ {
			packets[i].Marker = MarkerInter
		}
		packets[len(packets)-1].Marker = MarkerFinal
	}
	// Re-measure header for continuation packets (no extensions): they may
	// fit more payload than the first, but we keep a uniform chunk size for
	// simplicity and wire predictability.
	return packets, nil
}

func (pz *Packetizer) nextSequence() uint16 {
	s := pz.sequence
	pz.sequence++
	return s
}
