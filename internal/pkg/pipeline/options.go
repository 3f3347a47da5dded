package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/pixelcore/internal/pkg/config"
	"github.com/ManuelReschke/pixelcore/internal/pkg/imageprocessor"
)

var ErrInvalidOptions = errors.New("invalid processing options")

var validate = validator.New()

// Options tune a single run. Zero values fall back to the orchestrator
// defaults.
type Options struct {
	// TargetFormat forces a conversion. Empty keeps web-safe sources as they
	// are and converts everything else to JPEG.
	TargetFormat     imageprocessor.Format `json:"target_format,omitempty" validate:"omitempty,oneof=jpeg png webp"`
	Quality          int                   `json:"quality,omitempty" validate:"omitempty,min=1,max=100"`
	MinQuality       int                   `json:"min_quality,omitempty" validate:"omitempty,min=1,max=100,ltefield=Quality"`
	ThumbnailSizes   []imageprocessor.Size `json:"thumbnail_sizes,omitempty" validate:"omitempty,max=16,dive"`
	ThumbnailFormat  imageprocessor.Format `json:"thumbnail_format,omitempty" validate:"omitempty,oneof=jpeg png webp"`
	ThumbnailQuality int                   `json:"thumbnail_quality,omitempty" validate:"omitempty,min=1,max=100"`
	StripLocation    bool                  `json:"strip_location,omitempty"`

	SkipConvert     bool `json:"skip_convert,omitempty"`
	SkipOrientation bool `json:"skip_orientation,omitempty"`
	SkipCompression bool `json:"skip_compression,omitempty"`
	SkipThumbnails  bool `json:"skip_thumbnails,omitempty"`
	SkipMetadata    bool `json:"skip_metadata,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty" validate:"min=0"`
}

// merge fills zero fields from defaults.
func (o Options) merge(d Options) Options {
	if o.TargetFormat == "" {
		o.TargetFormat = d.TargetFormat
	}
	if o.Quality == 0 {
		o.Quality = d.Quality
	}
	if o.MinQuality == 0 {
		o.MinQuality = min(d.MinQuality, o.Quality)
	}
	if len(o.ThumbnailSizes) == 0 {
		o.ThumbnailSizes = d.ThumbnailSizes
	}
	if o.ThumbnailFormat == "" {
		o.ThumbnailFormat = d.ThumbnailFormat
	}
	if o.ThumbnailQuality == 0 {
		o.ThumbnailQuality = d.ThumbnailQuality
	}
	o.StripLocation = o.StripLocation || d.StripLocation
	if o.Timeout == 0 {
		o.Timeout = d.Timeout
	}
	return o
}

// Validate checks the options with the struct tags above.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return nil
}

func (o Options) thumbnailOptions() imageprocessor.ThumbnailOptions {
	return imageprocessor.ThumbnailOptions{Format: o.ThumbnailFormat, Quality: o.ThumbnailQuality}
}

// cacheKeyOptions are the options that shape the processed file and so
// every artifact derived from it.
type cacheKeyOptions struct {
	TargetFormat    imageprocessor.Format `json:"t"`
	Quality         int                   `json:"q"`
	MinQuality      int                   `json:"mq"`
	SkipConvert     bool                  `json:"sc,omitempty"`
	SkipOrientation bool                  `json:"so,omitempty"`
	SkipCompression bool                  `json:"sz,omitempty"`
}

func (o Options) processedKey() cacheKeyOptions {
	return cacheKeyOptions{
		TargetFormat:    o.TargetFormat,
		Quality:         o.Quality,
		MinQuality:      o.MinQuality,
		SkipConvert:     o.SkipConvert,
		SkipOrientation: o.SkipOrientation,
		SkipCompression: o.SkipCompression,
	}
}

// DefaultOptions derives the orchestrator defaults from configuration.
func DefaultOptions(cfg config.ProcessingConfig) (Options, error) {
	sizes, err := imageprocessor.ParseSizes(cfg.ThumbnailSizes)
	if err != nil {
		return Options{}, err
	}
	target, err := imageprocessor.ParseFormat(cfg.TargetFormat)
	if err != nil {
		return Options{}, err
	}
	thumbFormat, err := imageprocessor.ParseFormat(cfg.ThumbnailFormat)
	if err != nil {
		return Options{}, err
	}
	return Options{
		TargetFormat:     target,
		Quality:          cfg.DefaultQuality,
		MinQuality:       cfg.MinQuality,
		ThumbnailSizes:   sizes,
		ThumbnailFormat:  thumbFormat,
		ThumbnailQuality: cfg.ThumbnailQuality,
		StripLocation:    cfg.StripLocation,
		Timeout:          cfg.Timeout,
	}, nil
}
