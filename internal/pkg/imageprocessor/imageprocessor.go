// Package imageprocessor holds the stateless image transforms used by the
// processing pipeline: format detection and conversion, orientation
// correction, adaptive compression, thumbnails and EXIF metadata.
package imageprocessor

import (
	"context"
	"image/color"
	"runtime"
)

// Config configures a Processor.
type Config struct {
	Background        color.Color
	ThumbnailWorkers  int
	CompressThreshold float64
}

// Processor bundles the transforms behind one value so callers can swap
// the implementation in tests.
type Processor struct {
	cfg        Config
	thumbnails *ThumbnailGenerator
}

// NewProcessor creates a processor with sane defaults for zero values.
func NewProcessor(cfg Config) *Processor {
	if cfg.Background == nil {
		cfg.Background = color.White
	}
	if cfg.ThumbnailWorkers <= 0 {
		cfg.ThumbnailWorkers = min(runtime.GOMAXPROCS(0), 4)
	}
	if cfg.CompressThreshold <= 0 {
		cfg.CompressThreshold = DefaultSizeThreshold
	}
	return &Processor{cfg: cfg, thumbnails: NewThumbnailGenerator()}
}

func (p *Processor) Detect(path string) (Format, error) {
	return DetectFormat(path)
}

func (p *Processor) Convert(src, dst string, target Format, quality int) (bool, error) {
	return ConvertFormat(src, dst, target, ConvertOptions{Quality: quality, Background: p.cfg.Background})
}

func (p *Processor) CorrectOrientation(src, dst string) (*OrientationResult, error) {
	return CorrectOrientation(src, dst)
}

func (p *Processor) OrientAs(src, dst string, orientation int) (*OrientationResult, error) {
	return OrientAs(src, dst, orientation)
}

func (p *Processor) Compress(src, dst string, quality, minQuality int) (*CompressResult, error) {
	return Compress(src, dst, CompressOptions{
		Quality:       quality,
		MinQuality:    minQuality,
		SizeThreshold: p.cfg.CompressThreshold,
	})
}

func (p *Processor) Thumbnails(ctx context.Context, src string, sizes []Size, pathFor PathFunc, opts ThumbnailOptions) ([]Thumbnail, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = p.cfg.ThumbnailWorkers
	}
	return p.thumbnails.Generate(ctx, src, sizes, pathFor, opts)
}

func (p *Processor) Placeholders(sizes []Size, pathFor PathFunc, opts ThumbnailOptions) []Thumbnail {
	return p.thumbnails.Placeholders(sizes, pathFor, opts)
}

func (p *Processor) Metadata(path string, opts MetadataOptions) (*Metadata, error) {
	return ExtractMetadata(path, opts)
}
