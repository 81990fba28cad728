package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxQueue_EnqueueDrainFIFO(t *testing.T) {
	q := newTxQueue(4)
	q.enqueue(outboundFrame{reliability: Reliable, payload: []byte("a")})
	q.enqueue(outboundFrame{reliability: Lossy, payload: []byte("b")})

	assert.Equal(t, 2, q.len())
	drained := q.drain()
	require.Len(t, drained, 2)
	assert.Equal(t, []byte("a"), drained[0].payload)
	assert.Equal(t, []byte("b"), drained[1].payload)
	assert.Equal(t, 0, q.len())
}

func TestTxQueue_DropsOldestPastMaxSize(t *testing.T) {
	q := newTxQueue(2)
	q.enqueue(outboundFrame{payload: []byte("1")})
	q.enqueue(outboundFrame{payload: []byte("2")})
	q.enqueue(outboundFrame{payload: []byte("3")})

	drained := q.drain()
	require.Len(t, drained, 2)
	assert.Equal(t, []byte("2"), drained[0].payload)
	assert.Equal(t, []byte("3"), drained[1].payload)
}

func TestTxQueue_TrimForFullReconnectDropsLossyKeepsReliable(t *testing.T) {
	q := newTxQueue(10)
	q.enqueue(outboundFrame{reliability: Reliable, payload: []byte("r1")})
	q.enqueue(outboundFrame{reliability: Lossy, payload: []byte("l1")})
	q.enqueue(outboundFrame{reliability: Reliable, payload: []byte("r2")})

	q.trimForFullReconnect(10)

	drained := q.drain()
	require.Len(t, drained, 2)
	assert.Equal(t, []byte("r1"), drained[0].payload)
	assert.Equal(t, []byte("r2"), drained[1].payload)
}

func TestTxQueue_TrimForFullReconnectCapsReliableToTarget(t *testing.T) {
	q := newTxQueue(10)
	for i := 0; i < 5; i++ {
		q.enqueue(outboundFrame{reliability: Reliable, payload: []byte{byte(i)}})
	}

	q.trimForFullReconnect(2)

	drained := q.drain()
	require.Len(t, drained, 2)
	assert.Equal(t, []byte{3}, drained[0].payload)
	assert.Equal(t, []byte{4}, drained[1].payload)
}

func TestFixedSequenceBackoff_FollowsDeclaredSequence(t *testing.T) {
	b := &fixedSequenceBackoff{}
	var got []int
	for i := 0; i < len(reconnectBackoffMillis); i++ {
		got = append(got, int(b.NextBackOff().Milliseconds()))
	}
	assert.Equal(t, reconnectBackoffMillis, got)
}

func TestFixedSequenceBackoff_ReusesFinalIntervalPastSequence(t *testing.T) {
	b := &fixedSequenceBackoff{}
	for i := 0; i < len(reconnectBackoffMillis); i++ {
		b.NextBackOff()
	}
	last := reconnectBackoffMillis[len(reconnectBackoffMillis)-1]
	assert.Equal(t, last, int(b.NextBackOff().Milliseconds()))
}

func TestFixedSequenceBackoff_ResetRestartsSequence(t *testing.T) {
	b := &fixedSequenceBackoff{}
	b.NextBackOff()
	b.NextBackOff()
	b.Reset()
	assert.Equal(t, reconnectBackoffMillis[0], int(b.NextBackOff().Milliseconds()))
}
