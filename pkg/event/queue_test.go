// pkg/event/queue_test.go
package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkEvent(src Source, seq uint64, at time.Time) LogEvent {
	return LogEvent{Source: src, Content: "c", Timestamp: at, Sequence: seq}
}

func TestQueuePerSourceFIFO(t *testing.T) {
	q := NewQueue(16, DefaultDropOrder, nil)
	base := time.Now()
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, q.Enqueue(mkEvent(SourceFile, i, base.Add(time.Duration(i)*time.Millisecond))))
	}

	batch := q.DequeueBatch(context.Background(), 3, time.Millisecond)

	require.Len(t, batch, 3)
	for i, ev := range batch {
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
}

func TestQueueInterleavesSourcesByTimestamp(t *testing.T) {
	q := NewQueue(16, DefaultDropOrder, nil)
	base := time.Now()
	require.NoError(t, q.Enqueue(mkEvent(SourceProcess, 1, base.Add(2*time.Millisecond))))
	require.NoError(t, q.Enqueue(mkEvent(SourceFile, 1, base.Add(1*time.Millisecond))))
	require.NoError(t, q.Enqueue(mkEvent(SourceNetwork, 1, base.Add(3*time.Millisecond))))

	batch := q.DequeueBatch(context.Background(), 3, time.Millisecond)

	require.Len(t, batch, 3)
	assert.Equal(t, SourceFile, batch[0].Source)
	assert.Equal(t, SourceProcess, batch[1].Source)
	assert.Equal(t, SourceNetwork, batch[2].Source)
}

func TestQueueDropsOldestOfLeastCriticalSource(t *testing.T) {
	var dropped []LogEvent
	q := NewQueue(3, DefaultDropOrder, func(ev LogEvent) { dropped = append(dropped, ev) })
	base := time.Now()

	require.NoError(t, q.Enqueue(mkEvent(SourceFile, 1, base)))
	require.NoError(t, q.Enqueue(mkEvent(SourceFile, 2, base.Add(time.Millisecond))))
	require.NoError(t, q.Enqueue(mkEvent(SourceNetwork, 1, base.Add(2*time.Millisecond))))

	// Queue full: the incoming process event displaces the oldest file event.
	require.NoError(t, q.Enqueue(mkEvent(SourceProcess, 1, base.Add(3*time.Millisecond))))

	require.Len(t, dropped, 1)
	assert.Equal(t, SourceFile, dropped[0].Source)
	assert.Equal(t, uint64(1), dropped[0].Sequence)
	assert.Equal(t, 3, q.Len())
}

func TestQueueRejectsLessCriticalThanEverythingBuffered(t *testing.T) {
	q := NewQueue(2, DefaultDropOrder, nil)
	base := time.Now()

	require.NoError(t, q.Enqueue(mkEvent(SourceNetwork, 1, base)))
	require.NoError(t, q.Enqueue(mkEvent(SourceNetwork, 2, base.Add(time.Millisecond))))

	err := q.Enqueue(mkEvent(SourceFile, 1, base.Add(2*time.Millisecond)))

	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Len())
}

func TestQueueEnqueueNeverBlocksWhenFull(t *testing.T) {
	q := NewQueue(2, DefaultDropOrder, nil)
	base := time.Now()
	require.NoError(t, q.Enqueue(mkEvent(SourceFile, 1, base)))
	require.NoError(t, q.Enqueue(mkEvent(SourceFile, 2, base)))

	done := make(chan struct{})
	go func() {
		for i := uint64(3); i < 100; i++ {
			q.Enqueue(mkEvent(SourceFile, i, base))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
	assert.Equal(t, 2, q.Len())
}

func TestQueueBatchReturnsEarlyAfterMaxWait(t *testing.T) {
	q := NewQueue(16, DefaultDropOrder, nil)
	require.NoError(t, q.Enqueue(mkEvent(SourceFile, 1, time.Now())))

	start := time.Now()
	batch := q.DequeueBatch(context.Background(), 64, 50*time.Millisecond)
	elapsed := time.Since(start)

	require.Len(t, batch, 1, "a lone event must not wait for a full batch")
	assert.Less(t, elapsed, time.Second)
}

func TestQueueBatchReturnsImmediatelyAtMaxSize(t *testing.T) {
	q := NewQueue(16, DefaultDropOrder, nil)
	base := time.Now()
	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, q.Enqueue(mkEvent(SourceFile, i, base)))
	}

	start := time.Now()
	batch := q.DequeueBatch(context.Background(), 4, time.Hour)

	require.Len(t, batch, 4)
	assert.Less(t, time.Since(start), time.Second)
}

func TestQueueDequeueUnblocksOnClose(t *testing.T) {
	q := NewQueue(16, DefaultDropOrder, nil)

	result := make(chan []LogEvent, 1)
	go func() {
		result <- q.DequeueBatch(context.Background(), 8, time.Hour)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case batch := <-result:
		assert.Nil(t, batch)
	case <-time.After(2 * time.Second):
		t.Fatal("DequeueBatch did not unblock on Close")
	}
}

func TestQueueDrainsRemnantAfterClose(t *testing.T) {
	q := NewQueue(16, DefaultDropOrder, nil)
	base := time.Now()
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, q.Enqueue(mkEvent(SourceFile, i, base)))
	}
	q.Close()

	assert.ErrorIs(t, q.Enqueue(mkEvent(SourceFile, 4, base)), ErrQueueClosed)

	batch := q.DequeueBatch(context.Background(), 8, time.Hour)
	assert.Len(t, batch, 3)

	assert.Nil(t, q.DequeueBatch(context.Background(), 8, time.Hour))
}

func TestQueueDequeueReturnsNilOnContextCancel(t *testing.T) {
	q := NewQueue(16, DefaultDropOrder, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.Nil(t, q.DequeueBatch(ctx, 8, time.Hour))
}
