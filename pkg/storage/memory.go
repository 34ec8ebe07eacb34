// pkg/storage/memory.go
package storage

import (
	"container/ring"
	"context"
	"sort"
	"sync"

	"github.com/ironveil/hostwatch/pkg/event"
)

// MemoryStore keeps alerts in a bounded ring buffer with an ID index. When
// the buffer wraps, the oldest alert is evicted.
type MemoryStore struct {
	mu        sync.RWMutex
	order     *ring.Ring
	byID      map[string]*event.Alert
	maxAlerts int
}

// NewMemoryStore creates a memory store holding at most maxAlerts alerts.
func NewMemoryStore(maxAlerts int) *MemoryStore {
	if maxAlerts <= 0 {
		maxAlerts = 10000
	}
	return &MemoryStore{
		order:     ring.New(maxAlerts),
		byID:      make(map[string]*event.Alert),
		maxAlerts: maxAlerts,
	}
}

// AppendOrMergeAlert upserts the alert by ID.
func (s *MemoryStore) AppendOrMergeAlert(_ context.Context, alert *event.Alert) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := cloneAlert(alert)
	if _, exists := s.byID[alert.ID]; exists {
		s.byID[alert.ID] = cp
		return alert.ID, nil
	}

	// New slot; evict whatever the ring position previously held.
	if old, ok := s.order.Value.(string); ok {
		delete(s.byID, old)
	}
	s.order.Value = alert.ID
	s.order = s.order.Next()
	s.byID[alert.ID] = cp
	return alert.ID, nil
}

// GetAlert returns the alert with the given ID.
func (s *MemoryStore) GetAlert(_ context.Context, id string) (*event.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.byID[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	return cloneAlert(a), nil
}

// QueryAlerts returns matching alerts ordered by last_seen, newest first.
func (s *MemoryStore) QueryAlerts(_ context.Context, filter Filter) ([]event.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []event.Alert
	for _, a := range s.byID {
		if filter.Matches(a) {
			out = append(out, *cloneAlert(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateAlertState transitions an alert's lifecycle state.
func (s *MemoryStore) UpdateAlertState(_ context.Context, id string, state event.AlertState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return ErrAlertNotFound
	}
	a.State = state
	return nil
}

// Len returns the number of stored alerts.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func cloneAlert(a *event.Alert) *event.Alert {
	cp := *a
	cp.SourceEventIDs = append([]string(nil), a.SourceEventIDs...)
	return &cp
}
