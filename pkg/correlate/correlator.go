// pkg/correlate/correlator.go
package correlate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/ironveil/hostwatch/pkg/config"
	"github.com/ironveil/hostwatch/pkg/control"
	"github.com/ironveil/hostwatch/pkg/event"
	"github.com/ironveil/hostwatch/pkg/metrics"
	"github.com/ironveil/hostwatch/pkg/storage"
)

// Verdict is the handoff unit from the dispatcher: one scored batch with one
// result per event, in submission order.
type Verdict struct {
	Batch   *event.DetectionBatch
	Results []event.DetectionResult
}

// Correlator consumes verdicts, deduplicates positive ones into alerts, and
// persists every create/merge before considering a verdict processed. It is
// the only writer to the alert store's content.
type Correlator struct {
	verdicts chan Verdict
	stop     chan struct{}
	done     chan struct{}

	store          storage.Store
	control        *control.ControlPlane
	window         time.Duration
	storageRetries int

	// index maps merge key (kind, model, source) to the live alert within
	// the dedup window; entries expire by last_seen, so lookups stay
	// sublinear in alert volume.
	index *expirable.LRU[string, *event.Alert]

	logger zerolog.Logger
}

// New creates a correlator. Run must be started for Submit to make progress.
func New(logger zerolog.Logger, store storage.Store, cp *control.ControlPlane, cfg config.CorrelatorConfig) *Correlator {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 256
	}
	indexSize := cfg.IndexSize
	if indexSize <= 0 {
		indexSize = 4096
	}
	window := cfg.DedupWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Correlator{
		verdicts:       make(chan Verdict, bufferSize),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		store:          store,
		control:        cp,
		window:         window,
		storageRetries: cfg.StorageRetries,
		index:          expirable.NewLRU[string, *event.Alert](indexSize, nil, window),
		logger:         logger.With().Str("component", "correlator").Logger(),
	}
}

// Submit hands a verdict to the correlator. It blocks while the buffer is
// full; after Stop, verdicts are dropped.
func (c *Correlator) Submit(v Verdict) {
	select {
	case c.verdicts <- v:
	case <-c.stop:
		c.logger.Warn().Str("batch_id", v.Batch.ID).Msg("Correlator stopping, verdict dropped")
	}
}

// Run processes verdicts until Stop is called, then flushes anything still
// buffered before returning.
func (c *Correlator) Run(ctx context.Context) {
	defer close(c.done)
	c.logger.Info().Msg("Correlator started")

	for {
		select {
		case v := <-c.verdicts:
			c.process(ctx, v)
		case <-c.stop:
			for {
				select {
				case v := <-c.verdicts:
					c.process(ctx, v)
				default:
					c.logger.Info().Msg("Correlator stopped")
					return
				}
			}
		}
	}
}

// Stop asks Run to flush buffered verdicts and exit.
func (c *Correlator) Stop() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

// Done is closed once Run has flushed and returned.
func (c *Correlator) Done() <-chan struct{} {
	return c.done
}

func (c *Correlator) process(ctx context.Context, v Verdict) {
	if len(v.Results) != len(v.Batch.Events) {
		c.logger.Error().
			Str("batch_id", v.Batch.ID).
			Int("events", len(v.Batch.Events)).
			Int("results", len(v.Results)).
			Msg("Verdict result count mismatch, batch skipped")
		return
	}

	now := time.Now()
	for i, res := range v.Results {
		if !res.ThreatDetected {
			continue
		}
		// Thresholds are read at processing time: changes apply only to
		// subsequent verdicts, never retroactively.
		if res.Severity < c.control.Threshold(res.Kind) {
			continue
		}

		ev := v.Batch.Events[i]
		key := mergeKey(res.Kind, res.Model, ev.Source)

		alert, merged := c.upsert(ctx, key, res, ev, now)
		if err := c.persist(ctx, alert); err != nil {
			c.logger.Error().
				Err(err).
				Str("alert_id", alert.ID).
				Msg("Alert persistence failed after retries")
			metrics.StorageErrors.Inc()
			c.recordStorageFailure(ctx, alert, err, now)
			continue
		}

		if merged {
			metrics.AlertsMerged.Inc()
			c.logger.Debug().
				Str("alert_id", alert.ID).
				Int("count", alert.Count).
				Msg("Verdict merged into existing alert")
		} else {
			metrics.AlertsCreated.WithLabelValues(string(res.Kind)).Inc()
			c.logger.Info().
				Str("alert_id", alert.ID).
				Str("kind", string(res.Kind)).
				Str("model", res.Model).
				Str("severity", res.Severity.String()).
				Str("event_id", ev.Identity()).
				Msg("Alert created")
		}
	}
}

// upsert merges into the live alert for the key when its last_seen is still
// inside the dedup window, otherwise starts a fresh Open alert. Only Open
// alerts collect further verdicts: once the operator acknowledges or clears
// one, its index entry is evicted and a fresh alert starts, so persisting
// the merge can never undo the operator's state change.
func (c *Correlator) upsert(ctx context.Context, key string, res event.DetectionResult, ev event.LogEvent, now time.Time) (*event.Alert, bool) {
	if existing, ok := c.index.Get(key); ok && now.Sub(existing.LastSeen) < c.window {
		if c.stillOpen(ctx, existing.ID) {
			existing.Merge(res, ev, now)
			c.index.Add(key, existing) // refresh expiry to follow last_seen
			return existing, true
		}
		c.index.Remove(key)
	}

	alert := event.NewAlert(res, ev, now)
	c.index.Add(key, alert)
	return alert, false
}

// stillOpen reports whether the stored alert remains Open. A transient read
// failure counts as open: merging against the same ID is retried by persist,
// while a spurious fresh alert would duplicate forever.
func (c *Correlator) stillOpen(ctx context.Context, id string) bool {
	stored, err := c.store.GetAlert(ctx, id)
	if err != nil {
		return !errors.Is(err, storage.ErrAlertNotFound)
	}
	return stored.State == event.AlertOpen
}

// persist writes the alert, retrying a bounded number of times. Durability
// precedes acknowledgement: a verdict is only considered processed once the
// store call succeeds.
func (c *Correlator) persist(ctx context.Context, alert *event.Alert) error {
	var lastErr error
	for attempt := 0; attempt <= c.storageRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if _, err := c.store.AppendOrMergeAlert(ctx, alert); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// recordStorageFailure surfaces a dropped verdict as an Operational alert,
// best effort: if the store is still unavailable the failure is only logged.
func (c *Correlator) recordStorageFailure(ctx context.Context, failed *event.Alert, cause error, now time.Time) {
	diag := &event.Alert{
		ID:             failed.ID + "-storage",
		SourceEventIDs: failed.SourceEventIDs,
		Severity:       event.SeverityMedium,
		Kind:           event.KindOperational,
		Model:          "correlator",
		Explanation:    fmt.Sprintf("alert dropped, persistence failed: %v", cause),
		FirstSeen:      now,
		LastSeen:       now,
		Count:          1,
		State:          event.AlertOpen,
	}
	if _, err := c.store.AppendOrMergeAlert(ctx, diag); err != nil {
		c.logger.Error().Err(err).Msg("Could not record storage failure alert")
	}
}

func mergeKey(kind event.Kind, model string, source event.Source) string {
	return string(kind) + "|" + model + "|" + string(source)
}
