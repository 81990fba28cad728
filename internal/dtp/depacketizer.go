package dtp

import (
	"bytes"
	"errors"
)

// ErrMissedChunk indicates a sequence gap was observed within one frame.
var ErrMissedChunk = errors.New("dtp: missed chunk, sequence gap within frame")

// ErrStaleFrame indicates a packet arrived for a frame_number two or more
// generations behind the depacketizer's current watermark (spec.md §4.5:
// "rejects... if a frame arrives after its frame_number has advanced
// twice").
var ErrStaleFrame = errors.New("dtp: frame arrived after watermark advanced past it")

// ErrUnexpectedContinuation indicates an Inter/Final packet arrived with no
// frame currently being assembled (a missed Start).
var ErrUnexpectedContinuation = errors.New("dtp: continuation packet with no frame in progress")

type partialFrame struct {
	frameNumber uint16
	expectedSeq uint16
	buf         bytes.Buffer
	extensions  []Extension
}

// Depacketizer accumulates the packets of one data track's frames by
// frame_number, emitting a completed payload on Final/Single and rejecting
// frames with a sequence gap or that fall outside a two-generation
// watermark (spec.md §4.5). One Depacketizer is owned by exactly one
// per-track remote task; it is not concurrency-safe.
type Depacketizer struct {
	current        *partialFrame
	haveWatermark  bool
	watermarkFrame uint16 // highest frame_number a packet has been observed for
}

// NewDepacketizer builds an empty Depacketizer.
func NewDepacketizer() *Depacketizer {
	return &Depacketizer{}
}

// frameDistance returns how many generations behind the watermark `frame`
// is, interpreting the wraparound subtraction as signed: zero or negative
// means frame is at or ahead of the watermark (it becomes the new
// watermark); a positive n means frame is n generations behind.
func frameDistance(watermark, frame uint16) int16 {
	return int16(watermark - frame)
}

// Push feeds one decoded packet into the depacketizer. It returns a
// completed frame's payload and its first packet's extensions when the
// packet completes a frame (Final or Single); ok is false while a frame is
// still being assembled. Errors are non-fatal to the Depacketizer itself —
// the current in-flight frame is simply abandoned and assembly resumes
// cleanly on the next Start/Single packet.
func (d *Depacketizer) Push(p *Packet) (payload []byte, extensions []Extension, ok bool, err error) {
	if !d.haveWatermark || frameDistance(d.watermarkFrame, p.FrameNumber) <= 0 {
		d.watermarkFrame = p.FrameNumber
		d.haveWatermark = true
	} else if frameDistance(d.watermarkFrame, p.FrameNumber) >= 2 {
		return nil, nil, false, ErrStaleFrame
	}

	switch p.Marker {
	case MarkerSingle, MarkerStart:
		d.current = &partialFrame{
			frameNumber: p.FrameNumber,
			expectedSeq: p.Sequence + 1,
			extensions:  p.Extensions,
		}
		d.current.buf.Write(p.Payload)
		if p.Marker == MarkerSingle {
			return d.complete()
		}
		return nil, nil, false, nil

	case MarkerInter, MarkerFinal:
		if d.current == nil || d.current.frameNumber != p.FrameNumber {
			d.current = nil
			return nil, nil, false, ErrUnexpectedContinuation
		}
		if p.Sequence != d.current.expectedSeq {
			d.current = nil
			return nil, nil, false, ErrMissedChunk
		}
		d.current.buf.Write(p.Payload)
		d.current.expectedSeq++
		if p.Marker == MarkerFinal {
			return d.complete()
		}
		return nil, nil, false, nil
	}
	return nil, nil, false, nil
}

func (d *Depacketizer) complete() ([]byte, []Extension, bool, error) {
	out := append([]byte(nil), d.current.buf.Bytes()...)
	exts := d.current.extensions
	if frameDistance(d.watermarkFrame, d.current.frameNumber) == 0 {
		d.watermarkFrame = d.current.frameNumber
	}
	d.current = nil
	return out, exts, true, nil
}
