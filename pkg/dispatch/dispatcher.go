// pkg/dispatch/dispatcher.go
package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/ironveil/hostwatch/pkg/config"
	"github.com/ironveil/hostwatch/pkg/control"
	"github.com/ironveil/hostwatch/pkg/correlate"
	"github.com/ironveil/hostwatch/pkg/event"
	"github.com/ironveil/hostwatch/pkg/metrics"
	"github.com/ironveil/hostwatch/pkg/scorer"
)

const requeueTrackerSize = 8192

// Dispatcher drains the event queue, batches events, and issues scoring
// requests with bounded concurrency. Transient failures are retried with
// exponential backoff; sustained failure opens the circuit breaker, during
// which batches keep draining but are tagged unscored instead of discarded.
type Dispatcher struct {
	queue      *event.Queue
	scorer     scorer.Scorer
	control    *control.ControlPlane
	correlator *correlate.Correlator
	breaker    *Breaker
	cfg        config.DispatcherConfig

	// requeued tracks event identities already re-queued once after a
	// terminal batch failure, so nothing loops through the queue forever.
	requeued *lru.Cache[string, struct{}]

	sem    chan struct{}
	wg     sync.WaitGroup
	done   chan struct{}
	logger zerolog.Logger
}

// New creates a dispatcher. Run drives it.
func New(logger zerolog.Logger, q *event.Queue, sc scorer.Scorer, cp *control.ControlPlane, cor *correlate.Correlator, cfg config.DispatcherConfig) *Dispatcher {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	tracker, _ := lru.New[string, struct{}](requeueTrackerSize)
	return &Dispatcher{
		queue:      q,
		scorer:     sc,
		control:    cp,
		correlator: cor,
		breaker:    NewBreaker(cfg.FailureThreshold, cfg.Cooldown),
		cfg:        cfg,
		requeued:   tracker,
		sem:        make(chan struct{}, concurrency),
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Run consumes the queue until it is closed and drained (or ctx is
// cancelled), then waits for in-flight requests up to the shutdown grace
// period. Abandoned in-flight work is recorded as unscored by its goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	d.logger.Info().Msg("Dispatcher started")

	for {
		events := d.queue.DequeueBatch(ctx, d.cfg.BatchMaxSize, d.cfg.BatchMaxWait)
		if len(events) == 0 {
			break
		}
		metrics.QueueDepth.Set(float64(d.queue.Len()))

		allowed, probe := d.breaker.Allow()
		if !allowed {
			d.markUnscored(events)
			continue
		}

		d.sem <- struct{}{}
		d.wg.Add(1)
		batch := event.NewBatch(events)
		go func() {
			defer d.wg.Done()
			defer func() { <-d.sem }()
			d.dispatch(ctx, batch, probe)
		}()
	}

	if !waitTimeout(&d.wg, d.cfg.ShutdownGrace) {
		d.logger.Warn().Msg("Shutdown grace elapsed with requests still in flight")
	}
	d.logger.Info().Msg("Dispatcher stopped")
}

// Done is closed once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// dispatch issues one scoring request for the batch, retrying transient
// failures with exponential backoff and jitter.
func (d *Dispatcher) dispatch(ctx context.Context, batch *event.DetectionBatch, probe bool) {
	delay := d.cfg.RetryBaseDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	maxDelay := d.cfg.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	reqTimeout := d.cfg.RequestTimeout
	if reqTimeout <= 0 {
		reqTimeout = 10 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= d.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(jitter(delay)):
			case <-ctx.Done():
				d.markUnscored(batch.Events)
				return
			}
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
			// The breaker may have opened while we were backing off.
			if d.breaker.Degraded() {
				break
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, reqTimeout)
		start := time.Now()
		results, err := d.scorer.Score(reqCtx, batch)
		cancel()
		metrics.ScorerRequestDuration.Observe(time.Since(start).Seconds())

		if err == nil {
			d.breaker.RecordSuccess()
			d.control.SetDispatcherState(control.DispatcherHealthy)
			metrics.BatchesDispatched.WithLabelValues("scored").Inc()
			d.correlator.Submit(correlate.Verdict{Batch: batch, Results: results})
			return
		}

		lastErr = err
		d.logger.Warn().
			Err(err).
			Str("batch_id", batch.ID).
			Int("attempt", attempt+1).
			Msg("Scoring request failed")
		d.breaker.RecordFailure()
		if d.breaker.Degraded() {
			d.control.SetDispatcherState(control.DispatcherDegraded)
			break
		}
		if probe {
			break
		}
	}

	metrics.BatchesDispatched.WithLabelValues("failed").Inc()
	d.handleFailure(batch, lastErr)
}

// handleFailure re-queues each event at most once; events that already went
// around are recorded as undetected with an Operational diagnostic alert.
func (d *Dispatcher) handleFailure(batch *event.DetectionBatch, cause error) {
	var abandoned []event.LogEvent
	for _, ev := range batch.Events {
		id := ev.Identity()
		if _, seen := d.requeued.Get(id); seen {
			abandoned = append(abandoned, ev)
			continue
		}
		d.requeued.Add(id, struct{}{})
		if err := d.queue.Enqueue(ev); err != nil {
			abandoned = append(abandoned, ev)
		}
	}
	if len(abandoned) == 0 {
		return
	}

	d.control.AddUnscored(int64(len(abandoned)))
	d.logger.Error().
		Err(cause).
		Str("batch_id", batch.ID).
		Int("events", len(abandoned)).
		Msg("Events abandoned after scoring retries")

	diag := event.NewBatch(abandoned)
	results := make([]event.DetectionResult, len(abandoned))
	for i := range results {
		results[i] = event.DetectionResult{
			ThreatDetected: true,
			Kind:           event.KindOperational,
			Model:          "dispatcher",
			Severity:       event.SeverityLow,
			Explanation:    fmt.Sprintf("event left undetected, scoring abandoned: %v", cause),
		}
	}
	d.correlator.Submit(correlate.Verdict{Batch: diag, Results: results})
}

// markUnscored tags drained events during degraded operation or shutdown.
func (d *Dispatcher) markUnscored(events []event.LogEvent) {
	d.control.AddUnscored(int64(len(events)))
	metrics.BatchesDispatched.WithLabelValues("unscored").Inc()
	d.logger.Debug().Int("events", len(events)).Msg("Batch drained unscored")
}

func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	if d <= 0 {
		d = 10 * time.Second
	}
	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return true
	case <-time.After(d):
		return false
	}
}
