// pkg/storage/redis.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/ironveil/hostwatch/pkg/event"
)

const (
	alertKeyPrefix = "hostwatch:alert:"
	alertIndexKey  = "hostwatch:alerts"
)

// RedisStore persists alerts as JSON documents with a set index of IDs.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps a redis client as an alert store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// AppendOrMergeAlert upserts the alert document and indexes its ID.
func (s *RedisStore) AppendOrMergeAlert(ctx context.Context, alert *event.Alert) (string, error) {
	data, err := json.Marshal(alert)
	if err != nil {
		return "", fmt.Errorf("marshal alert: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, alertKeyPrefix+alert.ID, data, 0)
	pipe.SAdd(ctx, alertIndexKey, alert.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("persist alert: %w", err)
	}
	return alert.ID, nil
}

// GetAlert returns the alert with the given ID.
func (s *RedisStore) GetAlert(ctx context.Context, id string) (*event.Alert, error) {
	raw, err := s.client.Get(ctx, alertKeyPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch alert: %w", err)
	}

	var a event.Alert
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("unmarshal alert: %w", err)
	}
	return &a, nil
}

// QueryAlerts returns matching alerts ordered by last_seen, newest first.
func (s *RedisStore) QueryAlerts(ctx context.Context, filter Filter) ([]event.Alert, error) {
	ids, err := s.client.SMembers(ctx, alertIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list alert ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = alertKeyPrefix + id
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch alerts: %w", err)
	}

	var out []event.Alert
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // index entry without document, skip
		}
		var a event.Alert
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("unmarshal alert: %w", err)
		}
		if filter.Matches(&a) {
			out = append(out, a)
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
func (s *RedisStore) UpdateAlertState(ctx context.Context, id string, state event.AlertState) error {
	a, err := s.GetAlert(ctx, id)
	if err != nil {
		return err
	}
	a.State = state

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := s.client.Set(ctx, alertKeyPrefix+id, data, 0).Err(); err != nil {
		return fmt.Errorf("persist alert: %w", err)
	}
	return nil
}
