package datastream

import (
	"context"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/rtcsdk/core/internal/dtp"
	"github.com/rtcsdk/core/internal/engine"
	"github.com/rtcsdk/core/internal/logging"
	"github.com/rtcsdk/core/internal/rtcerrors"
)

// ControlHandle is the reserved track handle every stream frame is
// addressed to (spec.md §4.6). It mirrors datatrack.ControlHandle without
// importing that package, avoiding a cross-package dependency cycle between
// the two managers.
const ControlHandle uint16 = 0xFFFE

// maxChunkBytes bounds one Chunk's content, splitting at UTF-8-aware
// boundaries for text sends so no chunk ends mid-rune.
const maxChunkBytes = 15 * 1024

// StreamProgress reports how much of an outbound stream has been sent.
type StreamProgress struct {
	BytesProcessed int64
	BytesTotal     int64
}

// ByteStreamHandler is invoked once per inbound byte stream whose topic has
// a registered handler.
type ByteStreamHandler func(reader *StreamReader)

// TextStreamHandler is invoked once per inbound text stream whose topic has
// a registered handler.
type TextStreamHandler func(reader *TextStreamReader)

// StreamError reports a reassembly failure for one stream_id; the reader is
// dropped after this fires.
type StreamError struct {
	StreamID string
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("datastream: stream %s: %v", e.StreamID, e.Err)
}

// StreamReader delivers an inbound byte stream's chunks in order over a
// bounded channel (spec.md §4.6); Err carries the terminal error, if any,
// after Chunks closes.
type StreamReader struct {
	StreamID            string
	Topic               string
	Mime                string
	TotalLength         *int64
	ParticipantIdentity string

	chunks chan []byte
	errCh  chan error
}

// Chunks returns the channel of ordered payload slices; it closes on a
// clean Trailer or a reassembly failure.
func (r *StreamReader) Chunks() <-chan []byte { return r.chunks }

// Err returns the error that closed Chunks, if any (sends at most once,
// readable after Chunks is drained).
func (r *StreamReader) Err() <-chan error { return r.errCh }

// TextStreamReader decodes each chunk as UTF-8 text.
type TextStreamReader struct {
	*StreamReader
	text chan string
}

// Text returns the channel of ordered text chunks.
func (r *TextStreamReader) Text() <-chan string { return r.text }

type readerState struct {
	reader      *StreamReader
	textCh      chan string // non-nil when this is a text stream
	nextChunk   int64
	bytesSeen   int64
	totalLength *int64
	closed      bool
}

// Manager is the Data-Stream Manager: it chunks outbound sends into
// Header/Chunk/Trailer frames over the control handle and reassembles
// inbound frames per stream_id, dispatching to per-topic handlers.
//
// Inbound frames share a single internal/dtp.Depacketizer for the whole
// control handle, same as one per-track remote manager owns one
// Depacketizer (internal/dtp doc comment): only one multi-packet frame may
// be in flight on the control channel at a time. Two participants' chunks
// racing to fragment concurrently is rejected as a sequence/continuation
// error on the loser rather than silently corrupted: the rejected packet is
// logged and dropped, and when the lost frame was a Chunk, that stream's
// next Chunk fails the chunk_index check and its reader gets a StreamError.
type Manager struct {
	logger   logging.Logger
	eng      *engine.Engine
	identity string // local participant identity, stamped on outbound Headers

	sendMu     sync.Mutex
	packetizer *dtp.Packetizer

	depacketizer *dtp.Depacketizer

	mu           sync.Mutex
	byteHandlers map[string]ByteStreamHandler
	textHandlers map[string]TextStreamHandler
	readers      map[string]*readerState
}

// NewManager builds a Manager bound to eng's reliable data channel.
func NewManager(logger logging.Logger, eng *engine.Engine) *Manager {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Manager{
		logger:       logger,
		eng:          eng,
		packetizer:   dtp.NewPacketizer(ControlHandle),
		depacketizer: dtp.NewDepacketizer(),
		byteHandlers: make(map[string]ByteStreamHandler),
		textHandlers: make(map[string]TextStreamHandler),
		readers:      make(map[string]*readerState),
	}
}

// SetLocalIdentity stamps the local participant identity on every Header
// this Manager sends from here on.
func (m *Manager) SetLocalIdentity(identity string) {
	m.mu.Lock()
	m.identity = identity
	m.mu.Unlock()
}

// RegisterByteStreamHandler registers fn as the topic's byte handler. At
// most one byte handler may be registered per topic.
func (m *Manager) RegisterByteStreamHandler(topic string, fn ByteStreamHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byteHandlers[topic]; exists {
		return rtcerrors.New(rtcerrors.KindStream, rtcerrors.ReasonHandlerAlreadyRegistered, "byte stream handler already registered for topic "+topic)
	}
	m.byteHandlers[topic] = fn
	return nil
}

// RegisterTextStreamHandler registers fn as the topic's text handler. At
// most one text handler may be registered per topic.
func (m *Manager) RegisterTextStreamHandler(topic string, fn TextStreamHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.textHandlers[topic]; exists {
		return rtcerrors.New(rtcerrors.KindStream, rtcerrors.ReasonHandlerAlreadyRegistered, "text stream handler already registered for topic "+topic)
	}
	m.textHandlers[topic] = fn
	return nil
}

// SendBytes chunks data into Header/Chunk/Trailer frames and sends them
// over the reliable data channel, invoking onProgress after each chunk.
func (m *Manager) SendBytes(ctx context.Context, topic, mime string, data []byte, onProgress func(StreamProgress)) (string, error) {
	chunks := splitBytes(data, maxChunkBytes)
	return m.send(ctx, topic, mime, int64(len(data)), chunks, onProgress)
}

// SendText chunks text into Header/Chunk/Trailer frames at UTF-8-aware
// boundaries and sends them over the reliable data channel.
func (m *Manager) SendText(ctx context.Context, topic string, text string, onProgress func(StreamProgress)) (string, error) {
	chunks := splitUTF8(text, maxChunkBytes)
	return m.send(ctx, topic, "text/plain", int64(len(text)), chunks, onProgress)
}

func (m *Manager) send(ctx context.Context, topic, mime string, total int64, chunks [][]byte, onProgress func(StreamProgress)) (string, error) {
	streamID := uuid.NewString()

	m.mu.Lock()
	identity := m.identity
	m.mu.Unlock()

	if err := m.sendFrame(encodeHeader(Header{
		StreamID:            streamID,
		Topic:               topic,
		Mime:                mime,
		TotalLength:         &total,
		ParticipantIdentity: identity,
	})); err != nil {
		return "", err
	}

	var processed int64
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := m.sendFrame(encodeChunk(Chunk{StreamID: streamID, ChunkIndex: int64(i), Content: chunk})); err != nil {
			return "", err
		}
		processed += int64(len(chunk))
		if onProgress != nil {
			onProgress(StreamProgress{BytesProcessed: processed, BytesTotal: total})
		}
	}

	if err := m.sendFrame(encodeTrailer(Trailer{StreamID: streamID})); err != nil {
		return "", err
	}
	return streamID, nil
}

func (m *Manager) sendFrame(body []byte, encErr error) error {
	if encErr != nil {
		return encErr
	}
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	packets, err := m.packetizer.Packetize(body, defaultMTU, nil)
	if err != nil {
		return err
	}
	for _, p := range packets {
		buf, err := dtp.Encode(p)
		if err != nil {
			return err
		}
		if err := m.eng.PublishData(buf, engine.Reliable); err != nil {
			return err
		}
	}
	return nil
}

const defaultMTU = 1200

// PacketReceived handles one raw DTP packet addressed to the control
// handle; other track handles are ignored.
func (m *Manager) PacketReceived(raw []byte) {
	p, err := dtp.Decode(raw)
	if err != nil {
		m.logger.Debugw("dropping undecodable control packet", "err", err)
		return
	}
	if p.TrackHandle != ControlHandle {
		return
	}

	m.mu.Lock()
	payload, _, complete, err := m.depacketizer.Push(p)
	m.mu.Unlock()
	if err != nil {
		m.logger.Debugw("dropping control frame, depacketizer rejected packet", "err", err)
		return
	}
	if !complete {
		return
	}

	frame, err := decodeFrame(payload)
	if err != nil {
		m.logger.Debugw("dropping undecodable stream frame", "err", err)
		return
	}

	switch frame.kind {
	case frameHeader:
		var h Header
		if err := frame.into(&h); err != nil {
			return
		}
		m.handleHeader(h)
	case frameChunk:
		var c Chunk
		if err := frame.into(&c); err != nil {
			return
		}
		m.handleChunk(c)
	case frameTrailer:
		var t Trailer
		if err := frame.into(&t); err != nil {
			return
		}
		m.handleTrailer(t)
	}
}

func (m *Manager) handleHeader(h Header) {
	m.mu.Lock()
	byteFn, hasByte := m.byteHandlers[h.Topic]
	textFn, hasText := m.textHandlers[h.Topic]
	m.mu.Unlock()
	if !hasByte && !hasText {
		return
	}

	base := &StreamReader{
		StreamID:            h.StreamID,
		Topic:               h.Topic,
		Mime:                h.Mime,
		TotalLength:         h.TotalLength,
		ParticipantIdentity: h.ParticipantIdentity,
		chunks:              make(chan []byte, 32),
		errCh:               make(chan error, 1),
	}
	state := &readerState{reader: base, totalLength: h.TotalLength}

	m.mu.Lock()
	m.readers[h.StreamID] = state
	m.mu.Unlock()

	if hasText {
		tr := &TextStreamReader{StreamReader: base, text: make(chan string, 32)}
		state.textCh = tr.text
		go textFn(tr)
	} else {
		go byteFn(base)
	}
}

func (m *Manager) handleChunk(c Chunk) {
	m.mu.Lock()
	state, ok := m.readers[c.StreamID]
	m.mu.Unlock()
	if !ok || state.closed {
		return
	}

	if c.ChunkIndex != state.nextChunk {
		m.failReader(c.StreamID, state, rtcerrors.New(rtcerrors.KindStream, rtcerrors.ReasonMissedChunk, "chunk_index out of order"))
		return
	}
	state.bytesSeen += int64(len(c.Content))
	if state.totalLength != nil && state.bytesSeen > *state.totalLength {
		m.failReader(c.StreamID, state, rtcerrors.New(rtcerrors.KindStream, rtcerrors.ReasonLengthExceeded, "cumulative bytes exceeded total_length"))
		return
	}
	state.nextChunk++

	if state.textCh != nil {
		if !utf8.Valid(c.Content) {
			m.failReader(c.StreamID, state, rtcerrors.New(rtcerrors.KindStream, rtcerrors.ReasonIncomplete, "chunk is not valid utf-8"))
			return
		}
		select {
		case state.textCh <- string(c.Content):
		default:
		}
		return
	}
	select {
	case state.reader.chunks <- c.Content:
	default:
	}
}

func (m *Manager) handleTrailer(t Trailer) {
	m.mu.Lock()
	state, ok := m.readers[t.StreamID]
	if ok {
		delete(m.readers, t.StreamID)
	}
	m.mu.Unlock()
	if !ok || state.closed {
		return
	}

	if t.Reason != "" {
		m.failReader(t.StreamID, state, rtcerrors.New(rtcerrors.KindStream, rtcerrors.ReasonAbnormalEnd, t.Reason))
		return
	}
	state.closed = true
	close(state.reader.chunks)
	if state.textCh != nil {
		close(state.textCh)
	}
}

func (m *Manager) failReader(streamID string, state *readerState, err error) {
	m.mu.Lock()
	delete(m.readers, streamID)
	m.mu.Unlock()
	if state.closed {
		return
	}
	state.closed = true
	state.reader.errCh <- &StreamError{StreamID: streamID, Err: err}
	close(state.reader.chunks)
	if state.textCh != nil {
		close(state.textCh)
	}
}

func splitBytes(data []byte, max int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	for off := 0; off < len(data); off += max {
		end := off + max
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[off:end])
	}
	return out
}

// splitUTF8 chops s into byte slices of at most max bytes, never splitting
// inside a multi-byte rune.
func splitUTF8(s string, max int) [][]byte {
	if len(s) == 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	b := []byte(s)
	for len(b) > 0 {
		end := max
		if end >= len(b) {
			end = len(b)
		} else {
			for end > 0 && !utf8.RuneStart(b[end]) {
				end--
			}
			if end == 0 {
				end = max // a single rune longer than max; emit it whole anyway
				for end < len(b) && !utf8.RuneStart(b[end]) {
					end++
				}
			}
		}
		out = append(out, b[:end])
		b = b[end:]
	}
	return out
}
