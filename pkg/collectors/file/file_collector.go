// pkg/collectors/file/file_collector.go
package file

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ironveil/hostwatch/pkg/collectors"
	"github.com/ironveil/hostwatch/pkg/config"
)

// Collector tails configured log files and emits one event per complete
// line. Rotation is detected by file identity change, truncation by the file
// shrinking below the read offset; both reopen or rewind and continue. A
// path that is temporarily unreadable is retried on the next poll cycle.
type Collector struct {
	emitter      *collectors.Emitter
	paths        []string
	pollInterval time.Duration
}

// New creates the file collector.
func New(emitter *collectors.Emitter, cfg config.FileCollectorConfig) *Collector {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Collector{
		emitter:      emitter,
		paths:        cfg.Paths,
		pollInterval: interval,
	}
}

// Name returns the unique name of the collector.
func (c *Collector) Name() string {
	return "file_collector"
}

// Run tails every configured path until the context is cancelled.
func (c *Collector) Run(ctx context.Context) {
	logger := c.emitter.Logger()
	logger.Info().Strs("paths", c.paths).Msg("File collector started")

	var wg sync.WaitGroup
	for _, path := range c.paths {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			c.tail(ctx, p)
		}(path)
	}
	wg.Wait()
	logger.Info().Msg("File collector stopped")
}

// tail follows a single path. fsnotify wakes the loop early on writes; the
// poll ticker is the fallback when watching the directory is not possible.
func (c *Collector) tail(ctx context.Context, path string) {
	logger := c.emitter.Logger().With().Str("path", path).Logger()

	t := newTailer(path, logger)
	defer t.close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn().Err(err).Msg("Could not create fsnotify watcher, polling only")
		watcher = nil
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			logger.Warn().Err(err).Msg("Could not watch directory, polling only")
		}
	}

	var watchEvents chan fsnotify.Event
	var watchErrors chan error
	if watcher != nil {
		watchEvents = watcher.Events
		watchErrors = watcher.Errors
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case ev := <-watchEvents:
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
		case err := <-watchErrors:
			logger.Warn().Err(err).Msg("Filesystem watcher error")
			continue
		}

		if !c.emitter.Enabled() {
			continue
		}
		for _, line := range t.readLines() {
			c.emitter.Emit(ctx, line)
		}
	}
}

// tailer holds per-file read state for one path.
type tailer struct {
	path   string
	file   *os.File
	offset int64
	// degraded suppresses repeated open-failure logs until recovery.
	degraded bool
	logger   zerolog.Logger
}

func newTailer(path string, logger zerolog.Logger) *tailer {
	return &tailer{path: path, logger: logger}
}

func (t *tailer) close() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
}

// readLines returns complete lines appended since the previous call,
// handling rotation and truncation. Source failures are logged as
// degradation and retried on the next cycle; they are never fatal.
func (t *tailer) readLines() []string {
	if t.file == nil {
		f, err := os.Open(t.path)
		if err != nil {
			if !t.degraded {
				t.logger.Warn().Err(err).Msg("Log file unreadable, will retry")
				t.degraded = true
			}
			return nil
		}
		if t.degraded {
			t.logger.Info().Msg("Log file readable again")
			t.degraded = false
		}
		t.file = f
		// Fresh start tails from the end; reopen after rotation reads
		// from the beginning via offset 0 set below.
		if t.offset < 0 {
			t.offset = 0
		} else if info, err := f.Stat(); err == nil {
			t.offset = info.Size()
		}
	}

	pathInfo, err := os.Stat(t.path)
	if err != nil {
		// Rotated away; reopen from the start when it reappears.
		t.logger.Warn().Err(err).Msg("Log file vanished, reopening on return")
		t.close()
		t.offset = -1
		return nil
	}
	fileInfo, err := t.file.Stat()
	if err != nil {
		t.close()
		t.offset = -1
		return nil
	}
	if !os.SameFile(pathInfo, fileInfo) {
		t.logger.Info().Msg("Log rotation detected, reopening")
		t.close()
		t.offset = -1
		return t.readLines()
	}
	if pathInfo.Size() < t.offset {
		t.logger.Info().Msg("Log truncation detected, rewinding")
		t.offset = 0
	}

	if _, err := t.file.Seek(t.offset, io.SeekStart); err != nil {
		t.logger.Warn().Err(err).Msg("Seek failed, reopening")
		t.close()
		t.offset = -1
		return nil
	}

	var lines []string
	reader := bufio.NewReader(t.file)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// Partial trailing line stays buffered until completed.
			break
		}
		t.offset += int64(len(line))
		if trimmed := strings.TrimRight(line, "\r\n"); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}
