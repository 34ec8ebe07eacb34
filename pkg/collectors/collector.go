// pkg/collectors/collector.go
package collectors

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ironveil/hostwatch/pkg/control"
	"github.com/ironveil/hostwatch/pkg/event"
	"github.com/ironveil/hostwatch/pkg/metrics"
)

// Collector is any producer of normalized host events. Run blocks until the
// context is cancelled; failures inside a collector are local and recoverable
// and never terminate the pipeline.
type Collector interface {
	Name() string
	Run(ctx context.Context)
}

// Emitter is the shared production side of a collector: it assigns the
// per-collector sequence, respects the control plane's monitoring flag, and
// applies local backoff when the queue refuses an event.
type Emitter struct {
	source  event.Source
	queue   *event.Queue
	control *control.ControlPlane
	seq     atomic.Uint64
	logger  zerolog.Logger
	backoff time.Duration
}

// NewEmitter creates an emitter for one collector source.
func NewEmitter(source event.Source, q *event.Queue, cp *control.ControlPlane, logger zerolog.Logger) *Emitter {
	return &Emitter{
		source:  source,
		queue:   q,
		control: cp,
		logger:  logger.With().Str("collector", string(source)).Logger(),
		backoff: 250 * time.Millisecond,
	}
}

// Enabled reports whether monitoring is on; collectors check it once per
// poll cycle so disabling stops production cooperatively.
func (e *Emitter) Enabled() bool {
	return e.control.MonitoringEnabled()
}

// Emit creates an immutable event around the content and enqueues it. When
// the queue signals overload the collector sleeps briefly; the event is
// dropped locally rather than blocking the producer.
func (e *Emitter) Emit(ctx context.Context, content string) {
	ev := event.LogEvent{
		Source:    e.source,
		Content:   content,
		Timestamp: time.Now(),
		Sequence:  e.seq.Add(1),
	}

	err := e.queue.Enqueue(ev)
	switch err {
	case nil:
		metrics.EventsCollected.WithLabelValues(string(e.source)).Inc()
	case event.ErrQueueFull:
		e.control.AddDropped(1)
		e.logger.Warn().Str("event_id", ev.Identity()).Msg("Queue full, backing off")
		select {
		case <-time.After(e.backoff):
		case <-ctx.Done():
		}
	case event.ErrQueueClosed:
		e.logger.Debug().Msg("Queue closed, event discarded")
	default:
		e.logger.Error().Err(err).Msg("Failed to enqueue event")
	}
}

// Logger returns the collector-scoped logger.
func (e *Emitter) Logger() zerolog.Logger {
	return e.logger
}
