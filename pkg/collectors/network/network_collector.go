// pkg/collectors/network/network_collector.go
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/ironveil/hostwatch/pkg/collectors"
	"github.com/ironveil/hostwatch/pkg/config"
)

// connInfo identifies one observed connection.
type connInfo struct {
	LocalAddr  string `json:"local_addr"`
	LocalPort  uint32 `json:"local_port"`
	RemoteAddr string `json:"remote_addr"`
	RemotePort uint32 `json:"remote_port"`
	Status     string `json:"status"`
	PID        int32  `json:"pid"`
}

func (c connInfo) key() string {
	return fmt.Sprintf("%s:%d->%s:%d", c.LocalAddr, c.LocalPort, c.RemoteAddr, c.RemotePort)
}

// listFunc returns the current inet connection table. Tests inject their own.
type listFunc func() ([]connInfo, error)

func listConnections() ([]connInfo, error) {
	conns, err := psnet.Connections("inet")
	if err != nil {
		return nil, err
	}
	infos := make([]connInfo, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, connInfo{
			LocalAddr:  conn.Laddr.IP,
			LocalPort:  conn.Laddr.Port,
			RemoteAddr: conn.Raddr.IP,
			RemotePort: conn.Raddr.Port,
			Status:     conn.Status,
			PID:        conn.Pid,
		})
	}
	return infos, nil
}

// connChange is the event payload describing one connection transition.
type connChange struct {
	Change string `json:"change"`
	connInfo
}

// Collector snapshots the connection table on an interval and emits one
// event per new connection and one per teardown. The first snapshot only
// establishes the baseline and emits nothing.
type Collector struct {
	emitter      *collectors.Emitter
	pollInterval time.Duration
	list         listFunc
	previous     map[string]connInfo
	degraded     bool
}

// New creates the network collector.
func New(emitter *collectors.Emitter, cfg config.NetworkCollectorConfig) *Collector {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Collector{
		emitter:      emitter,
		pollInterval: interval,
		list:         listConnections,
	}
}

// Name returns the unique name of the collector.
func (c *Collector) Name() string {
	return "network_collector"
}

// Run snapshots on every tick until the context is cancelled.
func (c *Collector) Run(ctx context.Context) {
	logger := c.emitter.Logger()
	logger.Info().Dur("poll_interval", c.pollInterval).Msg("Network collector started")

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	c.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Network collector stopped")
			return
		case <-ticker.C:
			if c.emitter.Enabled() {
				c.scan(ctx)
			}
		}
	}
}

func (c *Collector) scan(ctx context.Context) {
	logger := c.emitter.Logger()

	infos, err := c.list()
	if err != nil {
		if !c.degraded {
			logger.Warn().Err(err).Msg("Connection table unreadable, will retry")
			c.degraded = true
		}
		return
	}
	if c.degraded {
		logger.Info().Msg("Connection table readable again")
		c.degraded = false
	}

	current := make(map[string]connInfo, len(infos))
	for _, info := range infos {
		current[info.key()] = info
	}

	if c.previous == nil {
		c.previous = current
		return
	}

	for key, info := range current {
		if _, seen := c.previous[key]; !seen {
			c.emit(ctx, connChange{Change: "opened", connInfo: info})
		}
	}
	for key, prev := range c.previous {
		if _, alive := current[key]; !alive {
			c.emit(ctx, connChange{Change: "closed", connInfo: prev})
		}
	}

	c.previous = current
}

func (c *Collector) emit(ctx context.Context, change connChange) {
	payload, err := json.Marshal(change)
	if err != nil {
		return
	}
	c.emitter.Emit(ctx, string(payload))
}
