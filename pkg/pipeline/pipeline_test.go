// pkg/pipeline/pipeline_test.go
package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironveil/hostwatch/pkg/config"
	"github.com/ironveil/hostwatch/pkg/control"
	"github.com/ironveil/hostwatch/pkg/event"
	"github.com/ironveil/hostwatch/pkg/scorer"
	"github.com/ironveil/hostwatch/pkg/storage"
)

// scoreHandler flags any event whose content mentions root as a high
// severity anomaly and passes everything else.
func scoreHandler(w http.ResponseWriter, r *http.Request) {
	var batch event.DetectionBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	results := make([]event.DetectionResult, len(batch.Events))
	for i, ev := range batch.Events {
		if strings.Contains(ev.Content, "root") {
			results[i] = event.DetectionResult{
				ThreatDetected: true,
				Kind:           event.KindAnomaly,
				Model:          "iforest-v2",
				Severity:       event.SeverityHigh,
				Explanation:    "suspicious root activity",
			}
		}
	}
	json.NewEncoder(w).Encode(map[string]any{"results": results})
}

func testConfig(logPath, scorerURL string) *config.Config {
	cfg := &config.Config{}
	cfg.Queue.Capacity = 64
	cfg.Dispatcher.BatchMaxSize = 8
	cfg.Dispatcher.BatchMaxWait = 20 * time.Millisecond
	cfg.Dispatcher.Concurrency = 2
	cfg.Dispatcher.RetryAttempts = 0
	cfg.Dispatcher.RetryBaseDelay = time.Millisecond
	cfg.Dispatcher.RequestTimeout = time.Second
	cfg.Dispatcher.FailureThreshold = 2
	cfg.Dispatcher.Cooldown = time.Hour
	cfg.Dispatcher.ShutdownGrace = 2 * time.Second
	cfg.Correlator.DedupWindow = time.Minute
	cfg.Correlator.IndexSize = 64
	cfg.Correlator.BufferSize = 64
	cfg.Collectors.File.Enabled = true
	cfg.Collectors.File.Paths = []string{logPath}
	cfg.Collectors.File.PollInterval = 20 * time.Millisecond
	cfg.Scorer.URL = scorerURL
	cfg.Scorer.Timeout = time.Second
	return cfg
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	require.NoError(t, err)
}

func TestPipelineEndToEndAlertFlow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(scoreHandler))
	defer srv.Close()

	dir := t.TempDir()
	logPath := filepath.Join(dir, "auth.log")
	require.NoError(t, os.WriteFile(logPath, nil, 0644))

	cfg := testConfig(logPath, srv.URL)
	cp := control.New(zerolog.Nop(), nil)
	store := storage.NewMemoryStore(100)
	sc := scorer.NewHTTPScorer(cfg.Scorer.URL, cfg.Scorer.Timeout)

	pl := New(zerolog.Nop(), cfg, cp, sc, store)
	pl.Start(context.Background())

	// Let the tailer establish its baseline before writing.
	time.Sleep(100 * time.Millisecond)
	appendLine(t, logPath, "session opened for user alice")
	appendLine(t, logPath, "failed password for root")
	appendLine(t, logPath, "session closed for user alice")

	require.Eventually(t, func() bool {
		alerts, err := store.QueryAlerts(context.Background(), storage.Filter{})
		return err == nil && len(alerts) == 1
	}, 5*time.Second, 20*time.Millisecond)

	pl.Stop()

	alerts, err := store.QueryAlerts(context.Background(), storage.Filter{})
	require.NoError(t, err)
	require.Len(t, alerts, 1, "only the flagged event produces an alert")
	alert := alerts[0]
	assert.Equal(t, event.AlertOpen, alert.State)
	assert.Equal(t, event.KindAnomaly, alert.Kind)
	assert.Equal(t, event.SeverityHigh, alert.Severity)
	assert.Equal(t, 1, alert.Count)
	require.Len(t, alert.SourceEventIDs, 1)
	assert.True(t, strings.HasPrefix(alert.SourceEventIDs[0], "file:"))
}

func TestPipelineDegradesWhenScorerUnreachable(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "auth.log")
	require.NoError(t, os.WriteFile(logPath, nil, 0644))

	// Nothing listens on this address.
	cfg := testConfig(logPath, "http://127.0.0.1:1")
	cp := control.New(zerolog.Nop(), nil)
	store := storage.NewMemoryStore(100)
	sc := scorer.NewHTTPScorer(cfg.Scorer.URL, 100*time.Millisecond)

	pl := New(zerolog.Nop(), cfg, cp, sc, store)
	pl.Start(context.Background())

	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 5; i++ {
		appendLine(t, logPath, "failed password for root")
	}

	require.Eventually(t, func() bool {
		diag := cp.Diagnostics()
		return diag.DispatcherState == control.DispatcherDegraded && diag.UnscoredEvents > 0
	}, 5*time.Second, 20*time.Millisecond)

	pl.Stop()

	alerts, err := store.QueryAlerts(context.Background(), storage.Filter{})
	require.NoError(t, err)
	for _, a := range alerts {
		assert.Equal(t, event.KindOperational, a.Kind, "degraded operation surfaces only diagnostics")
	}
}

func TestPipelineDisableMonitoringStopsCollection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(scoreHandler))
	defer srv.Close()

	dir := t.TempDir()
	logPath := filepath.Join(dir, "auth.log")
	require.NoError(t, os.WriteFile(logPath, nil, 0644))

	cfg := testConfig(logPath, srv.URL)
	cp := control.New(zerolog.Nop(), nil)
	store := storage.NewMemoryStore(100)
	sc := scorer.NewHTTPScorer(cfg.Scorer.URL, cfg.Scorer.Timeout)

	pl := New(zerolog.Nop(), cfg, cp, sc, store)
	pl.Start(context.Background())
	time.Sleep(100 * time.Millisecond)

	cp.SetMonitoring(false)
	time.Sleep(50 * time.Millisecond)
	appendLine(t, logPath, "failed password for root")
	time.Sleep(200 * time.Millisecond)

	alerts, err := store.QueryAlerts(context.Background(), storage.Filter{})
	require.NoError(t, err)
	assert.Empty(t, alerts, "disabled monitoring emits nothing")

	// Re-enabling resumes collection for lines written afterwards.
	cp.SetMonitoring(true)
	appendLine(t, logPath, "failed password for root")

	require.Eventually(t, func() bool {
		alerts, err := store.QueryAlerts(context.Background(), storage.Filter{})
		return err == nil && len(alerts) == 1
	}, 5*time.Second, 20*time.Millisecond)

	pl.Stop()
}
