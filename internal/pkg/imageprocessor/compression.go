package imageprocessor

import (
	"fmt"
	"os"

	"github.com/ManuelReschke/pixelcore/internal/pkg/mediaerror"
)

const (
	DefaultQuality    = 85
	DefaultMinQuality = 60
	// DefaultSizeThreshold is the largest output/input ratio that counts as a saving.
	DefaultSizeThreshold = 0.95
)

const (
	mib = 1 << 20
	mp  = 1_000_000
)

var byteTiers = []struct {
	minBytes int64
	penalty  int
}{
	{10 * mib, 15},
	{5 * mib, 10},
	{2 * mib, 5},
}

var pixelTiers = []struct {
	minPixels int
	penalty   int
}{
	{12 * mp, 10},
	{8 * mp, 5},
}

// CompressOptions control adaptive compression.
type CompressOptions struct {
	Quality       int
	MinQuality    int
	SizeThreshold float64
}

func (o CompressOptions) withDefaults() CompressOptions {
	if o.Quality <= 0 {
		o.Quality = DefaultQuality
	}
	if o.MinQuality <= 0 {
		o.MinQuality = DefaultMinQuality
	}
	if o.MinQuality > o.Quality {
		o.MinQuality = o.Quality
	}
	if o.SizeThreshold <= 0 || o.SizeThreshold > 1 {
		o.SizeThreshold = DefaultSizeThreshold
	}
	return o
}

// CompressResult describes the outcome of a compression attempt.
type CompressResult struct {
	// Path is the compressed file, or the input when compression was not kept.
	Path          string
	OriginalBytes int64
	Bytes         int64
	Ratio         float64
	Quality       int
	Applied       bool
}

// AdaptiveQuality lowers base for large files and high pixel counts, never
// below floor.
func AdaptiveQuality(base, floor int, size int64, pixels int) int {
	q := base
	for _, t := range byteTiers {
		if size >= t.minBytes {
			q -= t.penalty
			break
		}
	}
	for _, t := range pixelTiers {
		if pixels >= t.minPixels {
			q -= t.penalty
			break
		}
	}
	return max(q, floor)
}

// Compressible reports whether Compress can re-encode the format.
func Compressible(f Format) bool {
	return f == FormatJPEG || f == FormatWebP || f == FormatPNG
}

// Compress re-encodes src in its own format with an adaptive quality. The
// result is kept only when it is smaller than SizeThreshold times the input;
// otherwise dst is removed and the input is reported with ratio 1.
func Compress(src, dst string, opts CompressOptions) (*CompressResult, error) {
	opts = opts.withDefaults()

	size, err := fileSize(src)
	if err != nil {
		return nil, mediaerror.Wrap(err, mediaerror.StageCompress, src)
	}
	format, err := DetectFormat(src)
	if err != nil {
		return nil, mediaerror.Wrap(err, mediaerror.StageCompress, src)
	}
	if !Compressible(format) {
		return unchanged(src, size), nil
	}

	cfg, _, err := ReadConfig(src)
	if err != nil {
		return nil, mediaerror.Wrap(err, mediaerror.StageCompress, src)
	}
	quality := AdaptiveQuality(opts.Quality, opts.MinQuality, size, cfg.Width*cfg.Height)
	return CompressAt(src, dst, format, quality, opts.SizeThreshold)
}

// CompressAt encodes src as format at a fixed quality, keeping the output
// only if it beats threshold.
func CompressAt(src, dst string, format Format, quality int, threshold float64) (*CompressResult, error) {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultSizeThreshold
	}
	size, err := fileSize(src)
	if err != nil {
		return nil, mediaerror.Wrap(err, mediaerror.StageCompress, src)
	}
	img, _, err := openImage(src)
	if err != nil {
		return nil, mediaerror.Wrap(err, mediaerror.StageCompress, src)
	}
	if format == FormatJPEG && HasTransparency(img) {
		img = Flatten(img, nil)
	}
	if err := writeImage(img, dst, format, quality); err != nil {
		return nil, mediaerror.Wrap(fmt.Errorf("error encoding compressed image: %w", err), mediaerror.StageCompress, src)
	}

	compressed, err := fileSize(dst)
	if err != nil {
		return nil, mediaerror.Wrap(err, mediaerror.StageCompress, dst)
	}
	if size == 0 || float64(compressed) >= threshold*float64(size) {
		os.Remove(dst)
		res := unchanged(src, size)
		res.Quality = quality
		return res, nil
	}
	return &CompressResult{
		Path:          dst,
		OriginalBytes: size,
		Bytes:         compressed,
		Ratio:         float64(compressed) / float64(size),
		Quality:       quality,
		Applied:       true,
	}, nil
}

func unchanged(path string, size int64) *CompressResult {
	return &CompressResult{Path: path, OriginalBytes: size, Bytes: size, Ratio: 1.0}
}
