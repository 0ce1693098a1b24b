// Package metrics records per-stage latencies of a cache publish run.
package metrics

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Stage names used by the publish pipeline.
const (
	StageLock    = "lock"
	StageProbe   = "probe"
	StageResolve = "resolve_paths"
	StageArchive = "archive"
	StageUpload  = "upload"
)

// LatencyTracker tracks latency quantiles using DDSketch.
type LatencyTracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	relativeAccuracy float64
}

// NewLatencyTracker creates a new latency tracker with DDSketch.
// relativeAccuracy determines the accuracy of quantile estimates (e.g., 0.01 = 1% accuracy)
func NewLatencyTracker(relativeAccuracy float64) *LatencyTracker {
	return &LatencyTracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		relativeAccuracy: relativeAccuracy,
	}
}

// Record records a duration for the given stage.
func (lt *LatencyTracker) Record(stage string, duration time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, exists := lt.sketches[stage]
	if !exists {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(lt.relativeAccuracy)
		}
		lt.sketches[stage] = sketch
	}

	// Milliseconds; DDSketch only accepts non-negative values.
	ms := float64(duration.Microseconds()) / 1000.0
	if ms < 0 {
		ms = 0
	}
	sketch.Add(ms)
}

// RecordFunc runs fn and records its execution time, whether or not it fails.
func (lt *LatencyTracker) RecordFunc(stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	lt.Record(stage, time.Since(start))
	return err
}

// Stats summarises the recorded latencies of one stage, in milliseconds.
type Stats struct {
	Operation string
	Count     int64
	Min       float64
	P50       float64
	P99       float64
	Max       float64
	Sum       float64
}

// GetStats returns statistics for the given stage.
func (lt *LatencyTracker) GetStats(stage string) (Stats, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.statsLocked(stage)
}

func (lt *LatencyTracker) statsLocked(stage string) (Stats, error) {
	sketch, exists := lt.sketches[stage]
	if !exists {
		return Stats{}, fmt.Errorf("no data for stage: %s", stage)
	}

	count := sketch.GetCount()
	if count == 0 {
		return Stats{Operation: stage}, nil
	}

	min, _ := sketch.GetMinValue()
	p50, _ := sketch.GetValueAtQuantile(0.50)
	p99, _ := sketch.GetValueAtQuantile(0.99)
	max, _ := sketch.GetMaxValue()

	return Stats{
		Operation: stage,
		Count:     int64(count),
		Min:       min,
		P50:       p50,
		P99:       p99,
		Max:       max,
		Sum:       sketch.GetSum(),
	}, nil
}

// GetAllStats returns statistics for all tracked stages, sorted by name.
func (lt *LatencyTracker) GetAllStats() []Stats {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	stats := make([]Stats, 0, len(lt.sketches))
	for stage := range lt.sketches {
		if s, err := lt.statsLocked(stage); err == nil {
			stats = append(stats, s)
		}
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Operation < stats[j].Operation })
	return stats
}

// Log writes one record per tracked stage.
func (lt *LatencyTracker) Log(logger *slog.Logger) {
	for _, s := range lt.GetAllStats() {
		logger.Info("stage timing",
			"stage", s.Operation,
			"count", s.Count,
			"totalMs", fmt.Sprintf("%.2f", s.Sum),
			"maxMs", fmt.Sprintf("%.2f", s.Max))
	}
}

func (s Stats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("  %s: no data", s.Operation)
	}
	return fmt.Sprintf("  %s (n=%d): min=%.2fms p50=%.2fms p99=%.2fms max=%.2fms",
		s.Operation, s.Count, s.Min, s.P50, s.P99, s.Max)
}
