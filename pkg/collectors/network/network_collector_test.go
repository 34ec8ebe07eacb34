// pkg/collectors/network/network_collector_test.go
package network

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironveil/hostwatch/pkg/collectors"
	"github.com/ironveil/hostwatch/pkg/config"
	"github.com/ironveil/hostwatch/pkg/control"
	"github.com/ironveil/hostwatch/pkg/event"
)

func newTestCollector(t *testing.T) (*Collector, *event.Queue) {
	t.Helper()
	q := event.NewQueue(64, event.DefaultDropOrder, nil)
	cp := control.New(zerolog.Nop(), nil)
	emitter := collectors.NewEmitter(event.SourceNetwork, q, cp, zerolog.Nop())
	c := New(emitter, config.NetworkCollectorConfig{PollInterval: time.Second})
	return c, q
}

func drainChanges(t *testing.T, q *event.Queue) []connChange {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	events := q.DequeueBatch(ctx, 64, 10*time.Millisecond)
	changes := make([]connChange, 0, len(events))
	for _, ev := range events {
		var ch connChange
		require.NoError(t, json.Unmarshal([]byte(ev.Content), &ch))
		changes = append(changes, ch)
	}
	return changes
}

func TestFirstScanEstablishesBaselineWithoutEvents(t *testing.T) {
	c, q := newTestCollector(t)
	c.list = func() ([]connInfo, error) {
		return []connInfo{
			{LocalAddr: "10.0.0.5", LocalPort: 22, RemoteAddr: "10.0.0.9", RemotePort: 50122, Status: "ESTABLISHED", PID: 812},
		}, nil
	}

	c.scan(context.Background())

	assert.Equal(t, 0, q.Len())
}

func TestScanEmitsOpenedAndClosed(t *testing.T) {
	c, q := newTestCollector(t)
	held := connInfo{LocalAddr: "10.0.0.5", LocalPort: 22, RemoteAddr: "10.0.0.9", RemotePort: 50122, Status: "ESTABLISHED", PID: 812}
	c.list = func() ([]connInfo, error) {
		return []connInfo{held}, nil
	}
	c.scan(context.Background())

	opened := connInfo{LocalAddr: "10.0.0.5", LocalPort: 44310, RemoteAddr: "203.0.113.8", RemotePort: 443, Status: "ESTABLISHED", PID: 2204}
	c.list = func() ([]connInfo, error) {
		return []connInfo{opened}, nil
	}
	c.scan(context.Background())

	changes := drainChanges(t, q)
	require.Len(t, changes, 2)

	byChange := make(map[string]connChange)
	for _, ch := range changes {
		byChange[ch.Change] = ch
	}
	o, ok := byChange["opened"]
	require.True(t, ok)
	assert.Equal(t, "203.0.113.8", o.RemoteAddr)
	assert.Equal(t, uint32(443), o.RemotePort)

	cl, ok := byChange["closed"]
	require.True(t, ok)
	assert.Equal(t, uint32(50122), cl.RemotePort)
}

func TestScanUnchangedTableEmitsNothing(t *testing.T) {
	c, q := newTestCollector(t)
	c.list = func() ([]connInfo, error) {
		return []connInfo{
			{LocalAddr: "10.0.0.5", LocalPort: 22, RemoteAddr: "10.0.0.9", RemotePort: 50122, Status: "ESTABLISHED", PID: 812},
		}, nil
	}
	c.scan(context.Background())
	c.scan(context.Background())

	assert.Equal(t, 0, q.Len())
}

func TestScanRecoversFromListFailure(t *testing.T) {
	c, q := newTestCollector(t)
	c.list = func() ([]connInfo, error) {
		return nil, errors.New("netlink unavailable")
	}
	c.scan(context.Background())
	assert.True(t, c.degraded)
	assert.Equal(t, 0, q.Len())

	c.list = func() ([]connInfo, error) {
		return []connInfo{
			{LocalAddr: "10.0.0.5", LocalPort: 22, RemoteAddr: "10.0.0.9", RemotePort: 50122, Status: "ESTABLISHED", PID: 812},
		}, nil
	}
	c.scan(context.Background())
	assert.False(t, c.degraded)
	// First successful scan after startup failure is still the baseline.
	assert.Equal(t, 0, q.Len())
}
