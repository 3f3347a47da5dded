// Package pipeline runs uploaded images through validation, conversion,
// orientation, compression, thumbnails, metadata and persistence.
//
// Every stage after validation is guarded by the fallback handler: a failed
// stage is recovered through its strategy chain or skipped with its input
// carried forward, so a valid image always yields a result. Only validation
// failures, non-recoverable kinds, an impossible essential conversion and
// a failed persist abort a run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/ManuelReschke/pixelcore/internal/pkg/cache"
	"github.com/ManuelReschke/pixelcore/internal/pkg/fallback"
	"github.com/ManuelReschke/pixelcore/internal/pkg/imageprocessor"
	"github.com/ManuelReschke/pixelcore/internal/pkg/mediaerror"
	"github.com/ManuelReschke/pixelcore/internal/pkg/metrics"
	"github.com/ManuelReschke/pixelcore/internal/pkg/monitor"
	"github.com/ManuelReschke/pixelcore/internal/pkg/storage"
	"github.com/ManuelReschke/pixelcore/internal/pkg/tempfiles"
)

const (
	DefaultMaxConcurrent = 4
	DefaultTimeout       = 2 * time.Minute
	DefaultMaxFileBytes  = 50 << 20
	DefaultMaxPixels     = 100_000_000

	// OperationProcessMedia is the monitor operation of a complete run.
	OperationProcessMedia = "process_media"
	tempPurpose           = "pipeline"
)

// Transformer is the set of image primitives the pipeline drives.
// *imageprocessor.Processor implements it.
type Transformer interface {
	Detect(path string) (imageprocessor.Format, error)
	Convert(src, dst string, target imageprocessor.Format, quality int) (bool, error)
	OrientAs(src, dst string, orientation int) (*imageprocessor.OrientationResult, error)
	Compress(src, dst string, quality, minQuality int) (*imageprocessor.CompressResult, error)
	Thumbnails(ctx context.Context, src string, sizes []imageprocessor.Size, pathFor imageprocessor.PathFunc, opts imageprocessor.ThumbnailOptions) ([]imageprocessor.Thumbnail, error)
	Metadata(path string, opts imageprocessor.MetadataOptions) (*imageprocessor.Metadata, error)
}

// Cache is the subset of the tiered cache the pipeline uses.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error
}

// Recorder receives one sample per stage and per run.
type Recorder interface {
	Record(s monitor.Sample)
}

type Config struct {
	MaxConcurrent int
	Timeout       time.Duration
	MaxFileBytes  int64
	MaxPixels     int
	SizeThreshold float64
	Fingerprint   cache.FingerprintMode
	CacheTTL      time.Duration
	Defaults      Options
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = DefaultMaxFileBytes
	}
	if c.MaxPixels <= 0 {
		c.MaxPixels = DefaultMaxPixels
	}
	if c.SizeThreshold <= 0 || c.SizeThreshold > 1 {
		c.SizeThreshold = imageprocessor.DefaultSizeThreshold
	}
	if c.Fingerprint == "" {
		c.Fingerprint = cache.FingerprintContent
	}
	d := &c.Defaults
	if d.Quality <= 0 {
		d.Quality = imageprocessor.DefaultQuality
	}
	if d.MinQuality <= 0 {
		d.MinQuality = imageprocessor.DefaultMinQuality
	}
	if len(d.ThumbnailSizes) == 0 {
		d.ThumbnailSizes = imageprocessor.DefaultThumbnailSizes
	}
	if d.ThumbnailFormat == "" {
		d.ThumbnailFormat = imageprocessor.FormatJPEG
	}
	if d.ThumbnailQuality <= 0 {
		d.ThumbnailQuality = imageprocessor.DefaultThumbnailQuality
	}
	return c
}

// Orchestrator runs the processing pipeline. It is safe for concurrent use.
type Orchestrator struct {
	cfg       Config
	transform Transformer
	fallback  *fallback.Handler
	temp      *tempfiles.Manager
	store     storage.Store
	cache     Cache
	recorder  Recorder

	sem     *semaphore.Weighted
	flights singleflight.Group
	now     func() time.Time
}

// New wires an orchestrator. cache and recorder may be nil.
func New(cfg Config, t Transformer, fb *fallback.Handler, temp *tempfiles.Manager, store storage.Store, c Cache, rec Recorder) (*Orchestrator, error) {
	if t == nil || fb == nil || temp == nil || store == nil {
		return nil, errors.New("pipeline requires a transformer, fallback handler, temp manager and store")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Defaults.Validate(); err != nil {
		return nil, fmt.Errorf("default options: %w", err)
	}
	return &Orchestrator{
		cfg:       cfg,
		transform: t,
		fallback:  fb,
		temp:      temp,
		store:     store,
		cache:     c,
		recorder:  rec,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		now:       time.Now,
	}, nil
}

// Defaults returns the options applied to zero fields of a request.
func (o *Orchestrator) Defaults() Options { return o.cfg.Defaults }

// Process runs the pipeline for the file at path. On failure the returned
// Result has StatusFailed and the error is a *mediaerror.Error, except for
// invalid options which wrap ErrInvalidOptions.
func (o *Orchestrator) Process(ctx context.Context, path string, opts Options) (*Result, error) {
	opts = opts.merge(o.cfg.Defaults)
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	start := o.now()
	r := &run{
		o:            o,
		id:           uuid.NewString(),
		opts:         opts,
		source:       path,
		storedThumbs: map[int]bool{},
		result:       &Result{OriginalPath: path, CompressionRatio: 1.0, Thumbnails: []imageprocessor.Thumbnail{}},
	}
	r.result.RunID = r.id
	r.tag = "run:" + r.id

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = o.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	r.ctx = ctx

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return r.fail(start, mediaerror.New(mediaerror.KindProcessingTimeout, mediaerror.StageValidate, path,
			fmt.Errorf("waiting for a processing slot: %w", err)))
	}
	defer o.sem.Release(1)

	metrics.PipelineInFlight.Inc()
	defer metrics.PipelineInFlight.Dec()
	// every scratch file of the run carries the run tag
	defer func() {
		if n := o.temp.CleanupByTags(r.tag); n > 0 {
			log.Debugf("[Pipeline] Run %s released %d scratch files", r.id, n)
		}
	}()

	stages := []struct {
		stage mediaerror.Stage
		fn    func() (string, error)
	}{
		{mediaerror.StageValidate, r.validate},
		{mediaerror.StageConvert, r.convert},
		{mediaerror.StageOrientation, r.orient},
		{mediaerror.StageCompress, r.compress},
		{mediaerror.StageThumbnails, r.thumbnails},
		{mediaerror.StageMetadata, r.metadata},
		{mediaerror.StageFinalize, r.finalize},
	}
	for _, s := range stages {
		if err := r.exec(s.stage, s.fn); err != nil {
			r.rollback()
			return r.fail(start, err)
		}
	}
	return r.complete(start), nil
}

func (o *Orchestrator) record(s monitor.Sample) {
	if o.recorder != nil {
		o.recorder.Record(s)
	}
}

// run is the state of one Process call.
type run struct {
	o    *Orchestrator
	ctx  context.Context
	id   string
	tag  string
	opts Options

	source       string
	sourceFormat imageprocessor.Format
	fingerprint  string

	cur         string
	curFormat   imageprocessor.Format
	orientation int
	fellBack    bool

	sourceOrientation int
	// upright rendition of cur when cur still depends on its EXIF tag
	upright           string

	stored       []string
	storedThumbs map[int]bool
	result       *Result
}

// exec runs one stage, recording its timing, metrics and monitor sample.
func (r *run) exec(stage mediaerror.Stage, fn func() (string, error)) (err error) {
	if ctxErr := r.ctx.Err(); ctxErr != nil {
		return mediaerror.New(mediaerror.KindProcessingTimeout, stage, r.source, ctxErr)
	}

	start := time.Now()
	outcome := outcomeFailed
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("[Pipeline] Stage %s panicked for %s: %v", stage, r.source, p)
			err = mediaerror.New(mediaerror.KindUnknown, stage, r.source, fmt.Errorf("panic: %v", p))
			outcome = outcomeFailed
		}
		d := time.Since(start)
		r.result.Stages = append(r.result.Stages, StageTiming{Stage: stage, Outcome: outcome, Duration: d})
		metrics.StageDuration.WithLabelValues(string(stage), outcome).Observe(d.Seconds())

		sample := monitor.Sample{Operation: "stage_" + string(stage), Duration: d, Success: err == nil}
		if err != nil {
			sample.ErrorKind = string(mediaerror.KindOf(err))
		}
		r.o.record(sample)
	}()

	outcome, err = fn()
	if err != nil {
		outcome = outcomeFailed
		// a deadline hit inside a stage is reported as a timeout
		if ctxErr := r.ctx.Err(); ctxErr != nil && mediaerror.KindOf(err) != mediaerror.KindProcessingTimeout {
			err = mediaerror.New(mediaerror.KindProcessingTimeout, stage, r.source, fmt.Errorf("%w: %v", ctxErr, err))
		}
	}
	return err
}

// scratch allocates a file tracked under the run tag.
func (r *run) scratch(suffix string) (string, error) {
	rec, err := r.o.temp.Create(tempfiles.Options{Purpose: tempPurpose, Suffix: suffix, Tags: []string{r.tag}})
	if err != nil {
		return "", err
	}
	return rec.Path, nil
}

func (r *run) thumbnailPath(size imageprocessor.Size, format imageprocessor.Format) (string, error) {
	return r.scratch("_" + size.Label() + format.Extension())
}

// input builds the fallback input for a stage operating on the current file.
func (r *run) input(stage mediaerror.Stage) fallback.Input {
	return fallback.Input{
		Stage:         stage,
		Path:          r.cur,
		SourcePath:    r.source,
		Format:        r.curFormat,
		TargetFormat:  r.opts.TargetFormat,
		Quality:       r.opts.Quality,
		MinQuality:    r.opts.MinQuality,
		SizeThreshold: r.o.cfg.SizeThreshold,
		Sizes:         r.opts.ThumbnailSizes,
		Thumbnail:     r.opts.thumbnailOptions(),
		ThumbnailPath: r.thumbnailPath,
		Metadata:      imageprocessor.MetadataOptions{StripLocation: r.opts.StripLocation},
		Scratch:       r.scratch,
	}
}

// handleFailure hands a stage failure to the fallback handler. It returns the
// recovered output and the stage outcome, or an error when the run has to
// stop: non-recoverable kinds, essential stages and expired contexts.
func (r *run) handleFailure(in fallback.Input, cause error, essential bool) (fallback.Output, string, error) {
	// set first so a retried stage does not cache its output
	r.fellBack = true
	out := r.o.fallback.Handle(r.ctx, in, cause)
	r.result.Fallbacks = append(r.result.Fallbacks, FallbackRecord{
		Stage:     in.Stage,
		Kind:      out.Kind,
		Strategy:  out.Strategy,
		Recovered: out.Recovered,
		Message:   out.UserMessage,
		Cause:     cause.Error(),
	})

	if out.Recovered {
		log.Infof("[Pipeline] Run %s: stage %s recovered with %s", r.id, in.Stage, out.Strategy)
		return out.Output, outcomeFallback, nil
	}
	if err := r.ctx.Err(); err != nil {
		return fallback.Output{}, outcomeFailed, mediaerror.New(mediaerror.KindProcessingTimeout, in.Stage, r.source, err)
	}
	if !out.Kind.Recoverable() || essential {
		return fallback.Output{}, outcomeFailed, mediaerror.New(out.Kind, in.Stage, r.source, cause)
	}
	log.Warnf("[Pipeline] Run %s: stage %s skipped after %s: %v", r.id, in.Stage, out.Kind, cause)
	return fallback.Output{}, outcomeDegraded, nil
}

// rollback deletes artifacts persisted before an abort.
func (r *run) rollback() {
	for _, key := range r.stored {
		if err := r.o.store.Delete(context.Background(), key); err != nil {
			log.Errorf("[Pipeline] Run %s: failed to roll back %s: %v", r.id, key, err)
		}
	}
	r.stored = nil
}

func (r *run) fail(start time.Time, err error) (*Result, error) {
	ce := mediaerror.Wrap(err, mediaerror.StageValidate, r.source)
	res := r.result
	res.Status = StatusFailed
	res.Error = ce
	res.ErrorKind = ce.Kind
	res.ErrorMsg = ce.Error()
	res.Thumbnails = []imageprocessor.Thumbnail{}
	res.ProcessedPath, res.ProcessedKey = "", ""
	res.Elapsed = r.o.now().Sub(start)

	r.finish(res)
	log.Errorf("[Pipeline] Run %s failed at %s for %s (%s): %v", r.id, ce.Stage, r.source, ce.Kind, ce.Err)
	return res, ce
}

func (r *run) complete(start time.Time) *Result {
	res := r.result
	res.Status = StatusCompleted
	if r.fellBack {
		res.Status = StatusCompletedWithFallback
	}
	res.Elapsed = r.o.now().Sub(start)

	r.finish(res)
	log.Infof("[Pipeline] Run %s %s: %s -> %s (%s -> %s) in %v", r.id, res.Status,
		res.OriginalFormat, res.ProcessedFormat,
		humanize.IBytes(uint64(res.OriginalBytes)), humanize.IBytes(uint64(res.ProcessedBytes)),
		res.Elapsed.Round(time.Millisecond))
	return res
}

func (r *run) finish(res *Result) {
	metrics.PipelineRunsTotal.WithLabelValues(string(res.Status)).Inc()
	metrics.PipelineDuration.WithLabelValues(string(res.Status)).Observe(res.Elapsed.Seconds())

	sample := monitor.Sample{
		Operation:  OperationProcessMedia,
		InputBytes: res.OriginalBytes,
		Duration:   res.Elapsed,
		Success:    res.Status != StatusFailed,
		ErrorKind:  string(res.ErrorKind),
	}
	if res.Status != StatusFailed {
		ratio := res.CompressionRatio
		sample.CompressionRatio = &ratio
		metrics.CompressionRatio.Observe(ratio)
	}
	r.o.record(sample)
}
