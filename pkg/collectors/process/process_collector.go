// pkg/collectors/process/process_collector.go
package process

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/ironveil/hostwatch/pkg/collectors"
	"github.com/ironveil/hostwatch/pkg/config"
)

// procInfo is the per-process state tracked between snapshots.
type procInfo struct {
	PID  int32  `json:"pid"`
	Name string `json:"name"`
	UID  int32  `json:"uid"`
}

// listFunc returns the current process table. The default implementation
// reads it from the kernel via gopsutil; tests inject their own.
type listFunc func() ([]procInfo, error)

func listProcesses() ([]procInfo, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	infos := make([]procInfo, 0, len(procs))
	for _, p := range procs {
		info := procInfo{PID: p.Pid}
		// A process that exits mid-scan yields partial info; keep what we got.
		info.Name, _ = p.Name()
		if uids, err := p.Uids(); err == nil && len(uids) > 0 {
			info.UID = uids[0]
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// processChange is the event payload describing one observed transition.
type processChange struct {
	Change string `json:"change"`
	PID    int32  `json:"pid"`
	Name   string `json:"name"`
	UID    int32  `json:"uid"`
	OldUID int32  `json:"old_uid,omitempty"`
}

// Collector snapshots the process table on an interval and emits one event
// per created process, exited process, or real UID change. The first
// snapshot only establishes the baseline and emits nothing.
type Collector struct {
	emitter      *collectors.Emitter
	pollInterval time.Duration
	list         listFunc
	previous     map[int32]procInfo
	degraded     bool
}

// New creates the process collector.
func New(emitter *collectors.Emitter, cfg config.ProcessCollectorConfig) *Collector {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Collector{
		emitter:      emitter,
		pollInterval: interval,
		list:         listProcesses,
	}
}

// Name returns the unique name of the collector.
func (c *Collector) Name() string {
	return "process_collector"
}

// Run snapshots on every tick until the context is cancelled.
func (c *Collector) Run(ctx context.Context) {
	logger := c.emitter.Logger()
	logger.Info().Dur("poll_interval", c.pollInterval).Msg("Process collector started")

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	c.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Process collector stopped")
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
			logger.Warn().Err(err).Msg("Process table unreadable, will retry")
			c.degraded = true
		}
		return
	}
	if c.degraded {
		logger.Info().Msg("Process table readable again")
		c.degraded = false
	}

	current := make(map[int32]procInfo, len(infos))
	for _, info := range infos {
		current[info.PID] = info
	}

	// First successful scan establishes the baseline.
	if c.previous == nil {
		c.previous = current
		return
	}

	for pid, info := range current {
		prev, seen := c.previous[pid]
		if !seen {
			c.emit(ctx, processChange{Change: "created", PID: pid, Name: info.Name, UID: info.UID})
			continue
		}
		if prev.UID != info.UID {
			c.emit(ctx, processChange{Change: "uid_changed", PID: pid, Name: info.Name, UID: info.UID, OldUID: prev.UID})
		}
	}
	for pid, prev := range c.previous {
		if _, alive := current[pid]; !alive {
			c.emit(ctx, processChange{Change: "exited", PID: pid, Name: prev.Name, UID: prev.UID})
		}
	}

	c.previous = current
}

func (c *Collector) emit(ctx context.Context, change processChange) {
	payload, err := json.Marshal(change)
	if err != nil {
		return
	}
	c.emitter.Emit(ctx, string(payload))
}
