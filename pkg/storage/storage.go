// pkg/storage/storage.go
package storage

import (
	"context"
	"fmt"

	"github.com/ironveil/hostwatch/pkg/event"
)

// ErrAlertNotFound is returned when an alert ID does not exist in the store.
var ErrAlertNotFound = fmt.Errorf("alert not found")

// Filter narrows QueryAlerts results. Zero values match everything.
type Filter struct {
	State       event.AlertState
	Kind        event.Kind
	MinSeverity event.Severity
	Limit       int
}

// Matches reports whether an alert passes the filter.
func (f Filter) Matches(a *event.Alert) bool {
	if f.State != "" && a.State != f.State {
		return false
	}
	if f.Kind != "" && a.Kind != f.Kind {
		return false
	}
	if a.Severity < f.MinSeverity {
		return false
	}
	return true
}

// Store is the narrow persistence contract the correlator writes through.
// The correlator is the only writer of alert content; operator actions change
// alert state through UpdateAlertState.
type Store interface {
	// AppendOrMergeAlert upserts the alert by ID and returns that ID.
	AppendOrMergeAlert(ctx context.Context, alert *event.Alert) (string, error)
	// GetAlert returns the alert with the given ID, or ErrAlertNotFound.
	GetAlert(ctx context.Context, id string) (*event.Alert, error)
	// QueryAlerts returns alerts matching the filter, most recent last_seen first.
	QueryAlerts(ctx context.Context, filter Filter) ([]event.Alert, error)
	// UpdateAlertState transitions an alert's lifecycle state.
	UpdateAlertState(ctx context.Context, id string, state event.AlertState) error
}
