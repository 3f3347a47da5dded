package pipeline

import (
	"time"

	"github.com/ManuelReschke/pixelcore/internal/pkg/imageprocessor"
	"github.com/ManuelReschke/pixelcore/internal/pkg/mediaerror"
)

type Status string

const (
	StatusCompleted             Status = "completed"
	StatusCompletedWithFallback Status = "completed_with_fallback"
	StatusFailed                Status = "failed"
)

// Stage outcomes, also used as metric labels.
const (
	outcomeOK       = "ok"
	outcomeFallback = "fallback"
	outcomeDegraded = "degraded"
	outcomeFailed   = "failed"
	outcomeSkipped  = "skipped"
	outcomeCached   = "cached"
)

type StageTiming struct {
	Stage    mediaerror.Stage `json:"stage"`
	Outcome  string           `json:"outcome"`
	Duration time.Duration    `json:"duration"`
}

// FallbackRecord notes a stage that did not complete on its primary path.
type FallbackRecord struct {
	Stage     mediaerror.Stage `json:"stage"`
	Kind      mediaerror.Kind  `json:"kind"`
	Strategy  string           `json:"strategy,omitempty"`
	Recovered bool             `json:"recovered"`
	Message   string           `json:"message"`
	Cause     string           `json:"cause"`
}

// Result is the outcome of one pipeline run.
type Result struct {
	RunID  string `json:"run_id"`
	Status Status `json:"status"`

	OriginalPath    string                `json:"original_path"`
	OriginalBytes   int64                 `json:"original_bytes"`
	OriginalFormat  imageprocessor.Format `json:"original_format"`
	ProcessedPath   string                `json:"processed_path,omitempty"`
	ProcessedKey    string                `json:"processed_key,omitempty"`
	ProcessedBytes  int64                 `json:"processed_bytes"`
	ProcessedFormat imageprocessor.Format `json:"processed_format"`
	// CompressionRatio is processed/original size after the compress
	// stage, 1.0 when the upload was kept unchanged.
	CompressionRatio float64 `json:"compression_ratio"`
	Quality          int     `json:"quality,omitempty"`

	Thumbnails []imageprocessor.Thumbnail `json:"thumbnails"`
	Metadata   *imageprocessor.Metadata   `json:"metadata,omitempty"`

	Elapsed   time.Duration    `json:"elapsed"`
	Stages    []StageTiming    `json:"stages"`
	Fallbacks []FallbackRecord `json:"fallbacks,omitempty"`

	Error     *mediaerror.Error `json:"-"`
	ErrorKind mediaerror.Kind   `json:"error_kind,omitempty"`
	ErrorMsg  string            `json:"error,omitempty"`
}

// Stage returns the timing entry of a stage.
func (r *Result) Stage(s mediaerror.Stage) (StageTiming, bool) {
	for _, st := range r.Stages {
		if st.Stage == s {
			return st, true
		}
	}
	return StageTiming{}, false
}
