// pkg/event/event.go
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Source identifies which collector produced an event.
type Source string

const (
	SourceFile    Source = "file"
	SourceProcess Source = "process"
	SourceNetwork Source = "network"
)

// DefaultDropOrder lists sources from least to most critical. When the queue
// is full, events are dropped from the least critical non-empty source first.
var DefaultDropOrder = []Source{SourceFile, SourceProcess, SourceNetwork}

// ParseSource converts a config string into a Source.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceFile, SourceProcess, SourceNetwork:
		return Source(s), nil
	}
	return "", fmt.Errorf("unknown event source %q", s)
}

// LogEvent is a normalized, immutable record of one host observation.
// A collector never emits two events with the same (Source, Sequence).
type LogEvent struct {
	Source    Source    `json:"source"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`
}

// Identity returns the stable identity of the event, unique per collector.
func (e LogEvent) Identity() string {
	return fmt.Sprintf("%s:%d", e.Source, e.Sequence)
}

// Kind classifies a detection verdict.
type Kind string

const (
	KindAnomaly    Kind = "anomaly"
	KindSignature  Kind = "signature"
	KindBehavioral Kind = "behavioral"
	// KindOperational marks diagnostic alerts raised by the pipeline itself,
	// e.g. a batch abandoned after exhausting retries.
	KindOperational Kind = "operational"
)

// Kinds lists every detection kind, in no particular order.
var Kinds = []Kind{KindAnomaly, KindSignature, KindBehavioral, KindOperational}

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindAnomaly, KindSignature, KindBehavioral, KindOperational:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown detection kind %q", s)
}

// Severity is an ordered scale; higher values are more severe.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityInfo:     "info",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ParseSeverity converts a string into a Severity.
func ParseSeverity(s string) (Severity, error) {
	for sev, name := range severityNames {
		if name == s {
			return sev, nil
		}
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q", s)
}

// MarshalJSON encodes severities by name so the wire format stays stable.
func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("severity must be a JSON string: %s", data)
	}
	sev, err := ParseSeverity(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*s = sev
	return nil
}

// DetectionBatch is an ordered, non-empty group of events submitted to the
// scorer in one request.
type DetectionBatch struct {
	ID     string     `json:"batch_id"`
	Events []LogEvent `json:"events"`
}

// NewBatch wraps events into a batch with a fresh unique ID.
func NewBatch(events []LogEvent) *DetectionBatch {
	return &DetectionBatch{
		ID:     uuid.NewString(),
		Events: events,
	}
}

// DetectionResult is the scorer's verdict for one submitted event, correlated
// by position within the batch.
type DetectionResult struct {
	ThreatDetected bool     `json:"threat_detected"`
	Kind           Kind     `json:"kind"`
	Model          string   `json:"model"`
	Severity       Severity `json:"severity"`
	Explanation    string   `json:"explanation"`
}

// AlertState is the operator-facing lifecycle state of an alert.
type AlertState string

const (
	AlertOpen         AlertState = "open"
	AlertAcknowledged AlertState = "acknowledged"
	AlertCleared      AlertState = "cleared"
)

// ParseAlertState converts a string into an AlertState.
func ParseAlertState(s string) (AlertState, error) {
	switch AlertState(s) {
	case AlertOpen, AlertAcknowledged, AlertCleared:
		return AlertState(s), nil
	}
	return "", fmt.Errorf("unknown alert state %q", s)
}

// Alert is a deduplicated, operator-facing record of one or more correlated
// positive verdicts. Within the dedup window, verdicts sharing the same
// (kind, model, source) merge into one alert: Count and LastSeen advance,
// FirstSeen never changes.
type Alert struct {
	ID             string     `json:"id"`
	SourceEventIDs []string   `json:"source_event_ids"`
	Severity       Severity   `json:"severity"`
	Kind           Kind       `json:"kind"`
	Model          string     `json:"model"`
	Explanation    string     `json:"explanation"`
	FirstSeen      time.Time  `json:"first_seen"`
	LastSeen       time.Time  `json:"last_seen"`
	Count          int        `json:"count"`
	State          AlertState `json:"state"`
}

// NewAlert creates an Open alert for a single triggering verdict.
func NewAlert(res DetectionResult, ev LogEvent, now time.Time) *Alert {
	return &Alert{
		ID:             uuid.NewString(),
		SourceEventIDs: []string{ev.Identity()},
		Severity:       res.Severity,
		Kind:           res.Kind,
		Model:          res.Model,
		Explanation:    res.Explanation,
		FirstSeen:      now,
		LastSeen:       now,
		Count:          1,
		State:          AlertOpen,
	}
}

// Merge folds another positive verdict into an existing alert.
func (a *Alert) Merge(res DetectionResult, ev LogEvent, now time.Time) {
	a.Count++
	a.LastSeen = now
	if res.Severity > a.Severity {
		a.Severity = res.Severity
	}
	if res.Explanation != "" && res.Explanation != a.Explanation {
		a.Explanation = a.Explanation + "; " + res.Explanation
	}
	id := ev.Identity()
	for _, existing := range a.SourceEventIDs {
		if existing == id {
			return
		}
	}
	a.SourceEventIDs = append(a.SourceEventIDs, id)
}
