package loop

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rookdaemon/substrate/internal/hostio"
)

// HealthSample is one line of the health metrics log written after
// every cycle (SPEC_FULL.md §4, generalized from the teacher's
// internal/timeline health-cache pattern into a persisted append).
type HealthSample struct {
	CycleNumber int       `json:"cycle"`
	Timestamp   time.Time `json:"timestamp"`
	State       string    `json:"state"`
	DurationMs  int64     `json:"durationMs"`
	IdleCycles  int       `json:"idleCycles"`
}

// Baseline is the rolling summary written to .metrics/baseline.json,
// used to detect regressions (a cycle taking far longer than usual).
type Baseline struct {
	SampleCount    int     `json:"sampleCount"`
	AvgDurationMs  float64 `json:"avgDurationMs"`
	LastCycle      int     `json:"lastCycle"`
	LastUpdated    time.Time `json:"lastUpdated"`
}

// MetricsWriter appends HealthSamples to .metrics/health_metrics.jsonl
// and maintains .metrics/baseline.json. Each write reads the current
// file and rewrites it whole with WriteFile (no temp-file-and-rename,
// no rotation), serialized only by the writer's own mutex (it does not
// share substrate.Kind locking, since metrics are not a substrate file
// subject to role read/write sets).
type MetricsWriter struct {
	fs       hostio.FileSystem
	clock    hostio.Clock
	dir      string
	logPath  string
	baseline string

	mu sync.Mutex
}

func NewMetricsWriter(fs hostio.FileSystem, clock hostio.Clock, dir string) *MetricsWriter {
	return &MetricsWriter{
		fs:       fs,
		clock:    clock,
		dir:      dir,
		logPath:  dir + "/health_metrics.jsonl",
		baseline: dir + "/baseline.json",
	}
}

// Record appends one sample and refreshes the rolling baseline.
func (m *MetricsWriter) Record(s HealthSample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fs.MkdirAll(m.dir, 0o755); err != nil {
		return
	}

	line, err := json.Marshal(s)
	if err != nil {
		return
	}
	m.appendLine(m.logPath, append(line, '\n'))

	b := m.loadBaseline()
	total := b.AvgDurationMs*float64(b.SampleCount) + float64(s.DurationMs)
	b.SampleCount++
	b.AvgDurationMs = total / float64(b.SampleCount)
	b.LastCycle = s.CycleNumber
	b.LastUpdated = m.clock.Now()
	m.saveBaseline(b)
}

func (m *MetricsWriter) appendLine(path string, data []byte) {
	existing, err := m.fs.ReadFile(path)
	if err != nil {
		if !m.fs.IsNotExist(err) {
			return
		}
		existing = nil
	}
	_ = m.fs.WriteFile(path, append(existing, data...), 0o644)
}

func (m *MetricsWriter) loadBaseline() Baseline {
	var b Baseline
	data, err := m.fs.ReadFile(m.baseline)
	if err != nil {
		return b
	}
	_ = json.Unmarshal(data, &b)
	return b
}

func (m *MetricsWriter) saveBaseline(b Baseline) {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return
	}
	_ = m.fs.WriteFile(m.baseline, data, 0o644)
}

// Regressed reports whether the most recent sample's duration exceeds
// the rolling average by more than factor (e.g. 3.0 for "3x slower
// than usual"). It returns false until at least three samples have
// been recorded. Nothing in this module calls it; the Watchdog does not
// consult it.
func (m *MetricsWriter) Regressed(lastDurationMs int64, factor float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.loadBaseline()
	if b.SampleCount < 3 {
		return false
	}
	return float64(lastDurationMs) > b.AvgDurationMs*factor
}
