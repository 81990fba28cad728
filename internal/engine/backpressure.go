package engine

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DCBufHigh is the buffered-amount watermark above which publishData
	// stops writing directly to the data channel and queues instead
	// (spec.md §4.3).
	DCBufHigh = 16 * 1024 * 1024
	// DCBufLow is the watermark the buffered amount must fall back under,
	// reported via the channel's on-buffered-amount-change callback,
	// before the queue resumes draining.
	DCBufLow = 1 * 1024 * 1024
)

// outboundFrame is one queued write awaiting a data channel.
type outboundFrame struct {
	reliability Reliability
	payload     []byte
}

// txQueue is the client-side back-pressure queue described in spec.md §4.3:
// while a data channel's buffered amount sits above DCBufHigh, writes are
// queued here instead of attempted directly; draining resumes once the
// buffered amount drops under DCBufLow.
type txQueue struct {
	mu      sync.Mutex
	items   []outboundFrame
	paused  bool
	maxSize int
}

func newTxQueue(maxSize int) *txQueue {
	return &txQueue{maxSize: maxSize}
}

func (q *txQueue) enqueue(f outboundFrame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		q.items = q.items[1:] // drop-oldest under sustained back-pressure
	}
	q.items = append(q.items, f)
}

func (q *txQueue) setPaused(paused bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = paused
}

func (q *txQueue) isPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

func (q *txQueue) drain() []outboundFrame {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *txQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// trimForFullReconnect implements spec.md §9's resolved TxQueue trim
// policy: on a full reconnect, lossy-reliability entries are dropped
// outright (they were never guaranteed to arrive anyway), while
// reliable-reliability entries are preserved, trimmed from the front down
// to targetSize if still over budget.
func (q *txQueue) trimForFullReconnect(targetSize int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	for _, f := range q.items {
		if f.reliability == Reliable {
			kept = append(kept, f)
		}
	}
	if targetSize > 0 && len(kept) > targetSize {
		kept = kept[len(kept)-targetSize:]
	}
	q.items = kept
}

// reconnectBackoffMillis is the fixed sequence from spec.md §4.3, capped at
// 10 attempts.
var reconnectBackoffMillis = []int{0, 300, 750, 1500, 3000, 6000, 9000}

// fixedSequenceBackoff implements backoff.BackOff over the fixed millisecond
// sequence above; once the sequence is exhausted, NextBackOff keeps
// returning its final interval and never reports backoff.Stop itself. The
// 10-attempt cap comes from the backoff.WithMaxRetries wrapper that
// newReconnectBackoff puts around it, so backoff.Retry gives up rather than
// looping forever.
type fixedSequenceBackoff struct {
	idx int
}

func newReconnectBackoff() backoff.BackOff {
	return backoff.WithMaxRetries(&fixedSequenceBackoff{}, 10)
}

func (b *fixedSequenceBackoff) NextBackOff() time.Duration {
	if b.idx >= len(reconnectBackoffMillis) {
		// Attempts beyond the declared sequence keep retrying at the final
		// (longest) interval until WithMaxRetries' cap of 10 stops them.
		return time.Duration(reconnectBackoffMillis[len(reconnectBackoffMillis)-1]) * time.Millisecond
	}
	d := time.Duration(reconnectBackoffMillis[b.idx]) * time.Millisecond
	b.idx++
	return d
}

func (b *fixedSequenceBackoff) Reset() { b.idx = 0 }
