package imageprocessor

import (
	"context"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultThumbnailQuality = 85
	defaultSharpenSigma     = 0.5
)

var placeholderColor = color.NRGBA{R: 0xE0, G: 0xE0, B: 0xE0, A: 0xFF}

// ThumbnailOptions control thumbnail encoding.
type ThumbnailOptions struct {
	Format  Format
	Quality int
	// SharpenSigma applies an unsharp pass after resizing; negative disables it.
	SharpenSigma float64
	Concurrency  int
}

func (o ThumbnailOptions) withDefaults() ThumbnailOptions {
	if !o.Format.Encodable() {
		o.Format = FormatJPEG
	}
	if o.Quality <= 0 {
		o.Quality = DefaultThumbnailQuality
	}
	if o.SharpenSigma == 0 {
		o.SharpenSigma = defaultSharpenSigma
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
	return o
}

// PathFunc returns the output file for a thumbnail size.
type PathFunc func(size Size, format Format) (string, error)

// ThumbnailGenerator renders preview images from a decoded source.
type ThumbnailGenerator struct {
	encode func(img image.Image, path string, format Format, quality int) error
}

func NewThumbnailGenerator() *ThumbnailGenerator {
	return &ThumbnailGenerator{encode: writeImage}
}

// Generate decodes src once and renders one thumbnail per size, in order.
// A size that fails is replaced by a placeholder so the batch always has
// len(sizes) entries. Only a source that cannot be decoded fails the batch.
func (g *ThumbnailGenerator) Generate(ctx context.Context, src string, sizes []Size, pathFor PathFunc, opts ThumbnailOptions) ([]Thumbnail, error) {
	opts = opts.withDefaults()

	img, _, err := openImage(src)
	if err != nil {
		return nil, err
	}

	thumbs := make([]Thumbnail, len(sizes))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(opts.Concurrency)
	for i, size := range sizes {
		i, size := i, size
		grp.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			thumbs[i] = g.renderOrPlaceholder(img, size, pathFor, opts)
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return thumbs, nil
}

// Placeholders renders a flat placeholder for every size.
func (g *ThumbnailGenerator) Placeholders(sizes []Size, pathFor PathFunc, opts ThumbnailOptions) []Thumbnail {
	opts = opts.withDefaults()
	thumbs := make([]Thumbnail, len(sizes))
	for i, size := range sizes {
		thumbs[i] = g.placeholder(size, pathFor, opts)
	}
	return thumbs
}

func (g *ThumbnailGenerator) renderOrPlaceholder(img image.Image, size Size, pathFor PathFunc, opts ThumbnailOptions) Thumbnail {
	thumb, err := g.render(img, size, pathFor, opts)
	if err != nil {
		log.Warnf("[Thumbnail] Size %s failed, using placeholder: %v", size.Label(), err)
		return g.placeholder(size, pathFor, opts)
	}
	return thumb
}

func (g *ThumbnailGenerator) render(img image.Image, size Size, pathFor PathFunc, opts ThumbnailOptions) (Thumbnail, error) {
	out := SmartResize(img, size)
	if opts.SharpenSigma > 0 {
		out = imaging.Sharpen(out, opts.SharpenSigma)
	}
	return g.write(out, size, pathFor, opts, false)
}

func (g *ThumbnailGenerator) placeholder(size Size, pathFor PathFunc, opts ThumbnailOptions) Thumbnail {
	img := imaging.New(size.Width, size.Height, placeholderColor)
	thumb, err := g.write(img, size, pathFor, opts, true)
	if err != nil {
		log.Errorf("[Thumbnail] Placeholder %s could not be written: %v", size.Label(), err)
		return Thumbnail{
			Label:       size.Label(),
			Width:       size.Width,
			Height:      size.Height,
			Format:      opts.Format,
			Placeholder: true,
			Error:       err.Error(),
		}
	}
	return thumb
}

func (g *ThumbnailGenerator) write(img *image.NRGBA, size Size, pathFor PathFunc, opts ThumbnailOptions, placeholder bool) (Thumbnail, error) {
	path, err := pathFor(size, opts.Format)
	if err != nil {
		return Thumbnail{}, err
	}
	if err := g.encode(img, path, opts.Format, opts.Quality); err != nil {
		return Thumbnail{}, err
	}
	n, err := fileSize(path)
	if err != nil {
		return Thumbnail{}, err
	}
	b := img.Bounds()
	return Thumbnail{
		Label:       size.Label(),
		Path:        path,
		Bytes:       n,
		Width:       b.Dx(),
		Height:      b.Dy(),
		Format:      opts.Format,
		Placeholder: placeholder,
	}, nil
}

// SmartResize fits img into size. Square targets are cropped first: landscape
// sources around the horizontal center, portrait sources with one third of the
// vertical slack above the crop window. Other targets keep the aspect ratio
// and are never upscaled.
func SmartResize(img image.Image, size Size) *image.NRGBA {
	if !size.Square() {
		return imaging.Fit(img, size.Width, size.Height, imaging.Lanczos)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	side := min(w, h)
	crop := image.Rect(0, 0, side, side)
	switch {
	case w > h:
		crop = crop.Add(image.Pt((w-side)/2, 0))
	case h > w:
		crop = crop.Add(image.Pt(0, (h-side)/3))
	}
	cropped := imaging.Crop(img, crop.Add(b.Min))
	return imaging.Resize(cropped, size.Width, size.Height, imaging.Lanczos)
}
