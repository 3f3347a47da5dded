package monitor

import (
	"math"
	"sort"
	"time"
)

type OperationStats struct {
	Count       int           `json:"count"`
	Failures    int           `json:"failures"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// Stats summarizes the samples of a window.
type Stats struct {
	Window              time.Duration             `json:"window"`
	Count               int                       `json:"count"`
	Successes           int                       `json:"successes"`
	Failures            int                       `json:"failures"`
	SuccessRate         float64                   `json:"success_rate"`
	AvgDuration         time.Duration             `json:"avg_duration"`
	P50Duration         time.Duration             `json:"p50_duration"`
	P95Duration         time.Duration             `json:"p95_duration"`
	AvgCompressionRatio float64                   `json:"avg_compression_ratio"`
	InputBytes          int64                     `json:"input_bytes"`
	ByOperation         map[string]OperationStats `json:"by_operation"`
	ByErrorKind         map[string]int            `json:"by_error_kind"`
}

// Statistics summarizes samples recorded within window. A zero window covers
// the whole buffer.
func (m *Monitor) Statistics(window time.Duration) Stats {
	var cutoff time.Time
	if window > 0 {
		cutoff = m.now().Add(-window)
	}
	samples := m.snapshot(cutoff)

	st := Stats{
		Window:      window,
		Count:       len(samples),
		ByOperation: map[string]OperationStats{},
		ByErrorKind: map[string]int{},
	}
	if len(samples) == 0 {
		return st
	}

	durations := make([]time.Duration, 0, len(samples))
	opTotals := map[string]time.Duration{}
	var total time.Duration
	var ratioSum float64
	var ratios int
	for _, s := range samples {
		durations = append(durations, s.Duration)
		total += s.Duration
		st.InputBytes += s.InputBytes

		op := st.ByOperation[s.Operation]
		op.Count++
		opTotals[s.Operation] += s.Duration
		if s.Success {
			st.Successes++
		} else {
			st.Failures++
			op.Failures++
			kind := s.ErrorKind
			if kind == "" {
				kind = "unknown"
			}
			st.ByErrorKind[kind]++
		}
		st.ByOperation[s.Operation] = op

		if s.CompressionRatio != nil {
			ratioSum += *s.CompressionRatio
			ratios++
		}
	}

	for name, op := range st.ByOperation {
		op.AvgDuration = opTotals[name] / time.Duration(op.Count)
		st.ByOperation[name] = op
	}
	st.SuccessRate = float64(st.Successes) / float64(st.Count)
	st.AvgDuration = total / time.Duration(st.Count)
	if ratios > 0 {
		st.AvgCompressionRatio = ratioSum / float64(ratios)
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	st.P50Duration = percentile(durations, 0.50)
	st.P95Duration = percentile(durations, 0.95)
	return st
}

// percentile uses the nearest-rank method on sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
