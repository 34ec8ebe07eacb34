// pkg/event/queue.go
package event

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned when the queue is at capacity and the overload
	// policy refuses to evict a more critical event for the incoming one.
	ErrQueueFull = fmt.Errorf("event queue is full")
	// ErrQueueClosed is returned once the queue has been closed for shutdown.
	ErrQueueClosed = fmt.Errorf("event queue is closed")
)

type queued struct {
	ev LogEvent
	at time.Time
}

// Queue is the bounded buffer between collectors and the dispatcher.
// Events are kept FIFO per source; DequeueBatch interleaves sources by
// timestamp with sequence as the tie-break. Enqueue never blocks: when the
// queue is full, the oldest event of the least critical non-empty source is
// dropped to make room, unless the incoming event is itself less critical
// than everything buffered, in which case ErrQueueFull is returned and the
// caller may back off locally.
type Queue struct {
	mu        sync.Mutex
	capacity  int
	size      int
	buffers   map[Source][]queued
	dropOrder []Source
	priority  map[Source]int
	onDrop    func(LogEvent)
	notify    chan struct{}
	closedCh  chan struct{}
	closed    bool
}

// NewQueue creates a bounded queue. dropOrder lists sources from least to most
// critical; onDrop is invoked (outside enqueue hot path decisions, but under
// the queue lock) for every event discarded by the overload policy.
func NewQueue(capacity int, dropOrder []Source, onDrop func(LogEvent)) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	if len(dropOrder) == 0 {
		dropOrder = DefaultDropOrder
	}
	priority := make(map[Source]int, len(dropOrder))
	for i, src := range dropOrder {
		priority[src] = i
	}
	return &Queue{
		capacity:  capacity,
		buffers:   make(map[Source][]queued),
		dropOrder: dropOrder,
		priority:  priority,
		onDrop:    onDrop,
		notify:    make(chan struct{}, 1),
		closedCh:  make(chan struct{}),
	}
}

// Enqueue adds an event, applying the overload policy when the queue is full.
func (q *Queue) Enqueue(ev LogEvent) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}

	if q.size >= q.capacity {
		victim, ok := q.dropCandidateLocked()
		if !ok || q.priority[victim] > q.priority[ev.Source] {
			q.mu.Unlock()
			return ErrQueueFull
		}
		dropped := q.buffers[victim][0]
		q.buffers[victim] = q.buffers[victim][1:]
		q.size--
		if q.onDrop != nil {
			q.onDrop(dropped.ev)
		}
	}

	q.buffers[ev.Source] = append(q.buffers[ev.Source], queued{ev: ev, at: time.Now()})
	q.size++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// dropCandidateLocked returns the least critical source with buffered events.
func (q *Queue) dropCandidateLocked() (Source, bool) {
	for _, src := range q.dropOrder {
		if len(q.buffers[src]) > 0 {
			return src, true
		}
	}
	return "", false
}

// DequeueBatch blocks until it can return between 1 and maxSize events. It
// returns early when maxWait has elapsed since the oldest undrained event, so
// a lone event is never held back waiting for a full batch. A nil slice means
// the context was cancelled or the queue was closed and drained.
func (q *Queue) DequeueBatch(ctx context.Context, maxSize int, maxWait time.Duration) []LogEvent {
	if maxSize <= 0 {
		maxSize = 1
	}
	for {
		q.mu.Lock()
		if q.size > 0 {
			oldest := q.oldestLocked()
			if q.size >= maxSize || q.closed || time.Since(oldest) >= maxWait {
				batch := q.popLocked(maxSize)
				q.mu.Unlock()
				return batch
			}
			wait := time.Until(oldest.Add(maxWait))
			q.mu.Unlock()

			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-q.notify:
				timer.Stop()
			case <-q.closedCh:
				timer.Stop()
			case <-ctx.Done():
				timer.Stop()
				q.mu.Lock()
				batch := q.popLocked(maxSize)
				q.mu.Unlock()
				return batch
			}
			continue
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil
		}

		select {
		case <-q.notify:
		case <-q.closedCh:
		case <-ctx.Done():
			return nil
		}
	}
}

// oldestLocked returns the enqueue time of the oldest buffered event.
func (q *Queue) oldestLocked() time.Time {
	var oldest time.Time
	for _, buf := range q.buffers {
		if len(buf) > 0 && (oldest.IsZero() || buf[0].at.Before(oldest)) {
			oldest = buf[0].at
		}
	}
	return oldest
}

// popLocked removes up to n events, interleaving sources by observation
// timestamp with the per-collector sequence as the tie-break.
func (q *Queue) popLocked(n int) []LogEvent {
	var batch []LogEvent
	for len(batch) < n && q.size > 0 {
		var best Source
		found := false
		for src, buf := range q.buffers {
			if len(buf) == 0 {
				continue
			}
			if !found || earlier(buf[0].ev, q.buffers[best][0].ev) {
				best = src
				found = true
			}
		}
		head := q.buffers[best][0]
		q.buffers[best] = q.buffers[best][1:]
		q.size--
		batch = append(batch, head.ev)
	}
	return batch
}

func earlier(a, b LogEvent) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.Sequence != b.Sequence {
		return a.Sequence < b.Sequence
	}
	return a.Source < b.Source
}

// Len returns the number of buffered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Close stops accepting events and wakes blocked consumers so residual
// contents can be drained during shutdown.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.closedCh)
}
