package monitor

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ManuelReschke/pixelcore/internal/pkg/metrics"
)

// minWindowSamples is the fewest samples per window needed to compare them.
const minWindowSamples = 5

type Level string

const (
	LevelNone  Level = "none"
	LevelMinor Level = "minor"
	LevelMajor Level = "major"
)

// Classify maps a degradation percentage to a level.
func Classify(percent float64) Level {
	switch {
	case percent >= 50:
		return LevelMajor
	case percent >= 20:
		return LevelMinor
	default:
		return LevelNone
	}
}

type Dimension string

const (
	DimensionLatency    Dimension = "latency"
	DimensionThroughput Dimension = "throughput"
	DimensionStorage    Dimension = "storage"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Finding is one actionable observation from an analysis cycle.
type Finding struct {
	Dimension      Dimension `json:"dimension"`
	Level          Level     `json:"level"`
	Priority       Priority  `json:"priority"`
	Value          float64   `json:"value"`
	Message        string    `json:"message"`
	Recommendation string    `json:"recommendation"`
}

type Mitigation struct {
	Name      string    `json:"name"`
	Dimension Dimension `json:"dimension"`
	Action    string    `json:"action"`
}

// Comparison holds the baseline and recent values of one dimension.
// Percent is positive when the recent window is worse.
type Comparison struct {
	Baseline        float64 `json:"baseline"`
	Recent          float64 `json:"recent"`
	Percent         float64 `json:"percent"`
	Level           Level   `json:"level"`
	BaselineSamples int     `json:"baseline_samples"`
	RecentSamples   int     `json:"recent_samples"`
}

// StorageTrend is the least-squares growth estimate over the probe history.
type StorageTrend struct {
	UsedBytes      int64          `json:"used_bytes"`
	LimitBytes     int64          `json:"limit_bytes"`
	UsedPercent    float64        `json:"used_percent"`
	BytesPerSecond float64        `json:"bytes_per_second"`
	TimeToFull     *time.Duration `json:"time_to_full,omitempty"`
	Points         int            `json:"points"`
}

type Report struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Latency     Comparison   `json:"latency"`
	Throughput  Comparison   `json:"throughput"`
	Storage     StorageTrend `json:"storage"`
	Findings    []Finding    `json:"findings"`
	Mitigations []Mitigation `json:"mitigations,omitempty"`
}

type storagePoint struct {
	At    time.Time
	Bytes int64
}

func (m *Monitor) buildReport(now time.Time) Report {
	recentStart := now.Add(-m.cfg.RecentWindow)
	baselineStart := recentStart.Add(-m.cfg.BaselineWindow)

	var baseline, recent []Sample
	for _, s := range m.snapshot(baselineStart) {
		if s.Timestamp.Before(recentStart) {
			baseline = append(baseline, s)
		} else {
			recent = append(recent, s)
		}
	}

	r := Report{GeneratedAt: now, Findings: []Finding{}}
	r.Latency = compare(meanLatency(baseline), meanLatency(recent), len(baseline), len(recent), false)
	r.Throughput = compare(throughput(baseline), throughput(recent), len(baseline), len(recent), true)
	metrics.DegradationPercent.WithLabelValues(string(DimensionLatency)).Set(r.Latency.Percent)
	metrics.DegradationPercent.WithLabelValues(string(DimensionThroughput)).Set(r.Throughput.Percent)

	if f, ok := degradationFinding(DimensionLatency, r.Latency); ok {
		r.Findings = append(r.Findings, f)
	}
	if f, ok := degradationFinding(DimensionThroughput, r.Throughput); ok {
		r.Findings = append(r.Findings, f)
	}

	m.mu.RLock()
	points := append([]storagePoint(nil), m.storage...)
	m.mu.RUnlock()
	r.Storage = trend(points, m.cfg.StorageLimitBytes)
	if f, ok := storageFinding(r.Storage); ok {
		r.Findings = append(r.Findings, f)
	}
	return r
}

// compare computes how much worse recent is than baseline. For throughput
// a drop is a degradation, for latency a rise is.
func compare(baseline, recent float64, nBase, nRecent int, higherIsBetter bool) Comparison {
	c := Comparison{Baseline: baseline, Recent: recent, BaselineSamples: nBase, RecentSamples: nRecent, Level: LevelNone}
	if nBase < minWindowSamples || nRecent < minWindowSamples || baseline <= 0 {
		return c
	}
	if higherIsBetter {
		c.Percent = (baseline - recent) / baseline * 100
	} else {
		c.Percent = (recent - baseline) / baseline * 100
	}
	if c.Percent < 0 {
		c.Percent = 0
	}
	c.Level = Classify(c.Percent)
	return c
}

// meanLatency is the average duration in seconds.
func meanLatency(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range samples {
		total += s.Duration
	}
	return total.Seconds() / float64(len(samples))
}

// throughput is input bytes per second of processing time, or operations
// per second when no sample carries a size.
func throughput(samples []Sample) float64 {
	var total time.Duration
	var bytes int64
	for _, s := range samples {
		total += s.Duration
		bytes += s.InputBytes
	}
	if total <= 0 {
		return 0
	}
	if bytes == 0 {
		return float64(len(samples)) / total.Seconds()
	}
	return float64(bytes) / total.Seconds()
}

func degradationFinding(dim Dimension, c Comparison) (Finding, bool) {
	if c.Level == LevelNone {
		return Finding{}, false
	}
	f := Finding{Dimension: dim, Level: c.Level, Value: c.Percent, Priority: PriorityMedium}
	if c.Level == LevelMajor {
		f.Priority = PriorityHigh
	}
	switch dim {
	case DimensionLatency:
		f.Message = fmt.Sprintf("processing latency up %.0f%% against baseline", c.Percent)
		f.Recommendation = "lower the default compression quality or reduce thumbnail sizes"
	default:
		f.Message = fmt.Sprintf("processing throughput down %.0f%% against baseline", c.Percent)
		f.Recommendation = "reduce concurrent processing or add workers on another host"
	}
	return f, true
}

// trend fits used bytes over time with least squares.
func trend(points []storagePoint, limit int64) StorageTrend {
	t := StorageTrend{LimitBytes: limit, Points: len(points)}
	if len(points) == 0 {
		return t
	}
	t.UsedBytes = points[len(points)-1].Bytes
	if limit > 0 {
		t.UsedPercent = float64(t.UsedBytes) / float64(limit) * 100
	}
	if len(points) < 2 {
		return t
	}

	origin := points[0].At
	n := float64(len(points))
	var sumX, sumY, sumXY, sumXX float64
	for _, p := range points {
		x := p.At.Sub(origin).Seconds()
		y := float64(p.Bytes)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return t
	}
	t.BytesPerSecond = (n*sumXY - sumX*sumY) / denom

	if limit > 0 && t.BytesPerSecond > 0 && t.UsedBytes < limit {
		secs := float64(limit-t.UsedBytes) / t.BytesPerSecond
		d := time.Duration(secs * float64(time.Second))
		t.TimeToFull = &d
	}
	return t
}

func storageFinding(t StorageTrend) (Finding, bool) {
	if t.LimitBytes <= 0 || t.Points == 0 {
		return Finding{}, false
	}
	f := Finding{
		Dimension:      DimensionStorage,
		Value:          t.UsedPercent,
		Recommendation: "run temp file cleanup, shorten cache TTLs or lower the default compression quality",
	}
	switch {
	case t.UsedPercent >= 90 || (t.TimeToFull != nil && *t.TimeToFull < time.Hour):
		f.Level, f.Priority = LevelMajor, PriorityHigh
	case t.UsedPercent >= 75 || (t.TimeToFull != nil && *t.TimeToFull < 24*time.Hour):
		f.Level, f.Priority = LevelMinor, PriorityMedium
	default:
		return Finding{}, false
	}
	f.Message = fmt.Sprintf("storage at %.1f%% (%s of %s)", t.UsedPercent,
		humanize.IBytes(uint64(t.UsedBytes)), humanize.IBytes(uint64(t.LimitBytes)))
	if t.TimeToFull != nil {
		f.Message += fmt.Sprintf(", full in about %s", t.TimeToFull.Round(time.Minute))
	}
	return f, true
}
