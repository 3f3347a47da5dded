// Package fallback recovers failed pipeline stages by running ordered chains
// of cheaper strategies.
package fallback

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/pixelcore/internal/pkg/imageprocessor"
	"github.com/ManuelReschke/pixelcore/internal/pkg/mediaerror"
	"github.com/ManuelReschke/pixelcore/internal/pkg/metrics"
)

// Input is everything a strategy may need to redo a stage.
type Input struct {
	Stage mediaerror.Stage
	// Path is the stage input, SourcePath the original upload.
	Path       string
	SourcePath string
	Format     imageprocessor.Format

	TargetFormat  imageprocessor.Format
	Quality       int
	MinQuality    int
	SizeThreshold float64

	Sizes         []imageprocessor.Size
	Thumbnail     imageprocessor.ThumbnailOptions
	ThumbnailPath imageprocessor.PathFunc
	Metadata      imageprocessor.MetadataOptions

	// Scratch allocates a tracked temporary file with the given suffix.
	Scratch func(suffix string) (string, error)
	// Retry reruns the primary stage operation.
	Retry func(ctx context.Context) (Output, error)
}

// Output is the product of a recovered stage.
type Output struct {
	Path       string
	Format     imageprocessor.Format
	Thumbnails []imageprocessor.Thumbnail
	Metadata   *imageprocessor.Metadata
}

// Strategy is one recovery attempt.
type Strategy struct {
	Name string
	Run  func(ctx context.Context, in Input) (Output, error)
}

// Attempt records a failed strategy.
type Attempt struct {
	Strategy string `json:"strategy"`
	Error    string `json:"error"`
}

// Outcome is the result of Handle.
type Outcome struct {
	Recovered       bool
	Kind            mediaerror.Kind
	Strategy        string
	Output          Output
	Attempts        []Attempt
	UserMessage     string
	SuggestedAction string
}

// Handler maps stage failures to strategy chains.
type Handler struct {
	mu     sync.RWMutex
	chains map[mediaerror.Stage][]Strategy
	// prepended for resource pressure kinds
	pressure []Strategy
}

// NewHandler returns a handler with the default chains registered.
func NewHandler(p *imageprocessor.Processor) *Handler {
	h := &Handler{chains: make(map[mediaerror.Stage][]Strategy)}
	h.pressure = []Strategy{releaseMemoryRetry()}
	for stage, chain := range defaultChains(p) {
		h.chains[stage] = chain
	}
	return h
}

// Register replaces the chain for stage.
func (h *Handler) Register(stage mediaerror.Stage, strategies ...Strategy) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chains[stage] = append([]Strategy(nil), strategies...)
}

// Strategies returns the strategy names tried for stage and kind, in order.
func (h *Handler) Strategies(stage mediaerror.Stage, kind mediaerror.Kind) []string {
	chain := h.chain(stage, kind)
	names := make([]string, len(chain))
	for i, s := range chain {
		names[i] = s.Name
	}
	return names
}

func (h *Handler) chain(stage mediaerror.Stage, kind mediaerror.Kind) []Strategy {
	h.mu.RLock()
	defer h.mu.RUnlock()
	chain := h.chains[stage]
	if kind == mediaerror.KindInsufficientMemory || kind == mediaerror.KindProcessingTimeout {
		return append(append([]Strategy(nil), h.pressure...), chain...)
	}
	return chain
}

// Handle classifies cause and, when the kind is recoverable, runs the stage
// chain until a strategy succeeds. It never panics and never returns an
// error; the Outcome describes what happened.
func (h *Handler) Handle(ctx context.Context, in Input, cause error) Outcome {
	kind := mediaerror.Classify(cause, in.Stage)
	if kind == "" {
		kind = mediaerror.KindUnknown
	}
	out := Outcome{
		Kind:            kind,
		UserMessage:     kind.UserMessage(),
		SuggestedAction: kind.SuggestedAction(),
	}
	metrics.ErrorsTotal.WithLabelValues(string(in.Stage), string(kind)).Inc()

	if !kind.Recoverable() {
		log.Warnf("[Fallback] Stage %s failed with non-recoverable %s for %s: %v", in.Stage, kind, in.Path, cause)
		return out
	}

	for _, s := range h.chain(in.Stage, kind) {
		if err := ctx.Err(); err != nil {
			out.Attempts = append(out.Attempts, Attempt{Strategy: s.Name, Error: err.Error()})
			break
		}
		res, err := run(ctx, s, in)
		if err != nil {
			log.Debugf("[Fallback] Strategy %s for stage %s failed: %v", s.Name, in.Stage, err)
			metrics.FallbackAttemptsTotal.WithLabelValues(string(in.Stage), s.Name, "failed").Inc()
			out.Attempts = append(out.Attempts, Attempt{Strategy: s.Name, Error: err.Error()})
			continue
		}
		metrics.FallbackAttemptsTotal.WithLabelValues(string(in.Stage), s.Name, "recovered").Inc()
		log.Infof("[Fallback] Stage %s recovered from %s using %s", in.Stage, kind, s.Name)
		out.Recovered = true
		out.Strategy = s.Name
		out.Output = res
		return out
	}

	log.Errorf("[Fallback] Stage %s could not recover from %s after %d attempts: %v", in.Stage, kind, len(out.Attempts), cause)
	return out
}

func run(ctx context.Context, s Strategy, in Input) (out Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy %s panicked: %v", s.Name, r)
		}
	}()
	return s.Run(ctx, in)
}
