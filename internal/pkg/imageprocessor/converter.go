package imageprocessor

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/ManuelReschke/pixelcore/internal/pkg/mediaerror"
)

// ConvertOptions control format conversion.
type ConvertOptions struct {
	// Quality for lossy targets. Zero keeps same-format input untouched.
	Quality int
	// Background replaces transparency when the target has no alpha channel.
	Background color.Color
}

// NeedsConversion reports whether src must be re-encoded to reach target.
func NeedsConversion(src, target Format, quality int) bool {
	if src != target {
		return true
	}
	return target.Lossy() && quality > 0
}

// ConvertFormat re-encodes src into dst using the target format. It returns
// false without writing dst when src already satisfies the request.
func ConvertFormat(src, dst string, target Format, opts ConvertOptions) (bool, error) {
	if !target.Encodable() {
		return false, mediaerror.New(mediaerror.KindFormatConversionFailed, mediaerror.StageConvert, src,
			fmt.Errorf("target %q: %w", target, ErrUnsupportedFormat))
	}

	format, err := DetectFormat(src)
	if err != nil {
		return false, mediaerror.Wrap(err, mediaerror.StageConvert, src)
	}
	if !format.Decodable() {
		return false, mediaerror.New(mediaerror.KindFormatConversionFailed, mediaerror.StageConvert, src,
			fmt.Errorf("source %q: %w", format, ErrUnsupportedFormat))
	}
	if !NeedsConversion(format, target, opts.Quality) {
		return false, nil
	}

	img, _, err := openImage(src)
	if err != nil {
		return false, mediaerror.Wrap(err, mediaerror.StageConvert, src)
	}
	if target == FormatJPEG && HasTransparency(img) {
		img = Flatten(img, opts.Background)
	}

	quality := opts.Quality
	if quality <= 0 {
		quality = DefaultQuality
	}
	if err := writeImage(img, dst, target, quality); err != nil {
		return false, mediaerror.Wrap(err, mediaerror.StageConvert, src)
	}
	return true, nil
}

// HasTransparency reports whether img may contain non-opaque pixels.
func HasTransparency(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	return true
}

// Flatten composites img onto a solid background, white when bg is nil.
func Flatten(img image.Image, bg color.Color) *image.NRGBA {
	if bg == nil {
		bg = color.White
	}
	b := img.Bounds()
	canvas := imaging.New(b.Dx(), b.Dy(), bg)
	return imaging.Overlay(canvas, img, image.Pt(0, 0), 1.0)
}

// ParseHexColor parses "#rrggbb" or "rrggbb".
func ParseHexColor(s string) (color.NRGBA, error) {
	var c color.NRGBA
	if len(s) > 0 && s[0] == '#' {
		s = s[1:]
	}
	if len(s) != 6 {
		return c, fmt.Errorf("invalid color %q", s)
	}
	if _, err := fmt.Sscanf(s, "%02x%02x%02x", &c.R, &c.G, &c.B); err != nil {
		return c, fmt.Errorf("invalid color %q: %w", s, err)
	}
	c.A = 0xFF
	return c, nil
}
