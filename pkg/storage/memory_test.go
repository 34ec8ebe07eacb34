package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironveil/hostwatch/pkg/event"
)

func testAlert(id string, kind event.Kind, sev event.Severity, lastSeen time.Time) *event.Alert {
	return &event.Alert{
		ID:             id,
		SourceEventIDs: []string{"file:1"},
		Severity:       sev,
		Kind:           kind,
		Model:          "test-model",
		Explanation:    "test",
		FirstSeen:      lastSeen,
		LastSeen:       lastSeen,
		Count:          1,
		State:          event.AlertOpen,
	}
}

func TestMemoryStore_AppendAndQuery(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()
	now := time.Now()

	id, err := s.AppendOrMergeAlert(ctx, testAlert("a1", event.KindAnomaly, event.SeverityHigh, now))
	require.NoError(t, err)
	assert.Equal(t, "a1", id)

	_, err = s.AppendOrMergeAlert(ctx, testAlert("a2", event.KindSignature, event.SeverityLow, now.Add(time.Second)))
	require.NoError(t, err)

	alerts, err := s.QueryAlerts(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "a2", alerts[0].ID, "newest last_seen first")

	alerts, err = s.QueryAlerts(ctx, Filter{Kind: event.KindAnomaly})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "a1", alerts[0].ID)

	alerts, err = s.QueryAlerts(ctx, Filter{MinSeverity: event.SeverityHigh})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "a1", alerts[0].ID)
}

func TestMemoryStore_Upsert(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()

	a := testAlert("a1", event.KindAnomaly, event.SeverityLow, time.Now())
	_, err := s.AppendOrMergeAlert(ctx, a)
	require.NoError(t, err)

	a.Count = 2
	a.Severity = event.SeverityCritical
	_, err = s.AppendOrMergeAlert(ctx, a)
	require.NoError(t, err)

	assert.Equal(t, 1, s.Len())
	alerts, err := s.QueryAlerts(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, 2, alerts[0].Count)
	assert.Equal(t, event.SeverityCritical, alerts[0].Severity)
}

func TestMemoryStore_UpdateAlertState(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()

	_, err := s.AppendOrMergeAlert(ctx, testAlert("a1", event.KindAnomaly, event.SeverityHigh, time.Now()))
	require.NoError(t, err)

	require.NoError(t, s.UpdateAlertState(ctx, "a1", event.AlertCleared))
	alerts, err := s.QueryAlerts(ctx, Filter{State: event.AlertCleared})
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	err = s.UpdateAlertState(ctx, "missing", event.AlertCleared)
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestMemoryStore_EvictsOldestWhenFull(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"a1", "a2", "a3", "a4"} {
		_, err := s.AppendOrMergeAlert(ctx, testAlert(id, event.KindAnomaly, event.SeverityLow, now))
		require.NoError(t, err)
	}

	assert.Equal(t, 3, s.Len())
	err := s.UpdateAlertState(ctx, "a1", event.AlertCleared)
	assert.ErrorIs(t, err, ErrAlertNotFound, "oldest alert evicted")
}

func TestMemoryStore_QueryReturnsCopies(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()

	_, err := s.AppendOrMergeAlert(ctx, testAlert("a1", event.KindAnomaly, event.SeverityHigh, time.Now()))
	require.NoError(t, err)

	alerts, err := s.QueryAlerts(ctx, Filter{})
	require.NoError(t, err)
	alerts[0].SourceEventIDs[0] = "mutated"

	alerts2, err := s.QueryAlerts(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, "file:1", alerts2[0].SourceEventIDs[0])
}

func TestMemoryStore_GetAlert(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()
	now := time.Now()

	_, err := s.AppendOrMergeAlert(ctx, testAlert("a1", event.KindAnomaly, event.SeverityHigh, now))
	require.NoError(t, err)

	got, err := s.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.ID)
	assert.Equal(t, event.AlertOpen, got.State)

	// Returned alert is a copy.
	got.State = event.AlertCleared
	again, err := s.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, event.AlertOpen, again.State)

	_, err = s.GetAlert(ctx, "missing")
	assert.ErrorIs(t, err, ErrAlertNotFound)
}
