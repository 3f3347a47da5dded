package fallback

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/disintegration/imaging"

	"github.com/ManuelReschke/pixelcore/internal/pkg/imageprocessor"
	"github.com/ManuelReschke/pixelcore/internal/pkg/mediaerror"
)

const (
	// used when the input carries no MinQuality
	qualityFloor    = 30
	qualityStep     = 15
	storeRetries    = 2
	storeRetryDelay = 200 * time.Millisecond
)

var errNoRetry = errors.New("no retry operation available")

func defaultChains(p *imageprocessor.Processor) map[mediaerror.Stage][]Strategy {
	return map[mediaerror.Stage][]Strategy{
		mediaerror.StageConvert: {
			convertToPNG(),
			basicReencode(),
			useOriginalIfWebSafe(),
		},
		mediaerror.StageOrientation: {
			autoOrientDecode(),
			passThrough("skip_rotation"),
		},
		mediaerror.StageCompress: {
			lowerQuality(),
			basicRetry(),
			convertThenCompress(p),
			passThrough("use_original"),
		},
		mediaerror.StageThumbnails: {
			simpleResize(p),
			placeholders(p),
		},
		mediaerror.StageMetadata: {
			basicMetadata(),
			minimalMetadata(),
		},
		mediaerror.StageFinalize: {
			retryStore(),
		},
	}
}

func releaseMemoryRetry() Strategy {
	return Strategy{Name: "release_memory_retry", Run: func(ctx context.Context, in Input) (Output, error) {
		if in.Retry == nil {
			return Output{}, errNoRetry
		}
		runtime.GC()
		debug.FreeOSMemory()
		return in.Retry(ctx)
	}}
}

func passThrough(name string) Strategy {
	return Strategy{Name: name, Run: func(_ context.Context, in Input) (Output, error) {
		if _, err := os.Stat(in.Path); err != nil {
			return Output{}, err
		}
		return Output{Path: in.Path, Format: in.Format}, nil
	}}
}

func scratch(in Input, format imageprocessor.Format) (string, error) {
	if in.Scratch == nil {
		return "", errors.New("no scratch allocator")
	}
	return in.Scratch(format.Extension())
}

func convertToPNG() Strategy {
	return Strategy{Name: "convert_to_png", Run: func(_ context.Context, in Input) (Output, error) {
		dst, err := scratch(in, imageprocessor.FormatPNG)
		if err != nil {
			return Output{}, err
		}
		converted, err := imageprocessor.ConvertFormat(in.Path, dst, imageprocessor.FormatPNG, imageprocessor.ConvertOptions{})
		if err != nil {
			return Output{}, err
		}
		if !converted {
			return Output{Path: in.Path, Format: imageprocessor.FormatPNG}, nil
		}
		return Output{Path: dst, Format: imageprocessor.FormatPNG}, nil
	}}
}

// basicReencode decodes through the standard library registry and writes a
// baseline JPEG, bypassing the imaging pipeline.
func basicReencode() Strategy {
	return Strategy{Name: "stdlib_reencode", Run: func(_ context.Context, in Input) (Output, error) {
		f, err := os.Open(in.Path)
		if err != nil {
			return Output{}, err
		}
		img, _, err := image.Decode(f)
		f.Close()
		if err != nil {
			return Output{}, fmt.Errorf("decode: %w", err)
		}
		if imageprocessor.HasTransparency(img) {
			img = imageprocessor.Flatten(img, nil)
		}

		dst, err := scratch(in, imageprocessor.FormatJPEG)
		if err != nil {
			return Output{}, err
		}
		out, err := os.Create(dst)
		if err != nil {
			return Output{}, err
		}
		quality := in.Quality
		if quality <= 0 {
			quality = imageprocessor.DefaultQuality
		}
		if err := jpeg.Encode(out, img, &jpeg.Options{Quality: quality}); err != nil {
			out.Close()
			return Output{}, fmt.Errorf("encode: %w", err)
		}
		if err := out.Close(); err != nil {
			return Output{}, err
		}
		return Output{Path: dst, Format: imageprocessor.FormatJPEG}, nil
	}}
}

func useOriginalIfWebSafe() Strategy {
	return Strategy{Name: "use_original", Run: func(ctx context.Context, in Input) (Output, error) {
		if !in.Format.WebSafe() {
			return Output{}, fmt.Errorf("source format %q cannot be served without conversion", in.Format)
		}
		return passThrough("use_original").Run(ctx, in)
	}}
}

func autoOrientDecode() Strategy {
	return Strategy{Name: "auto_orient_decode", Run: func(_ context.Context, in Input) (Output, error) {
		format := in.Format
		if !format.Encodable() {
			format = imageprocessor.FormatJPEG
		}
		dst, err := scratch(in, format)
		if err != nil {
			return Output{}, err
		}
		if err := imageprocessor.AutoOrient(in.Path, dst, format); err != nil {
			return Output{}, err
		}
		return Output{Path: dst, Format: format}, nil
	}}
}

func compressAt(in Input, quality int) (Output, error) {
	if !imageprocessor.Compressible(in.Format) {
		return Output{}, fmt.Errorf("format %q is not compressible", in.Format)
	}
	dst, err := scratch(in, in.Format)
	if err != nil {
		return Output{}, err
	}
	res, err := imageprocessor.CompressAt(in.Path, dst, in.Format, quality, in.SizeThreshold)
	if err != nil {
		return Output{}, err
	}
	return Output{Path: res.Path, Format: in.Format}, nil
}

func lowerQuality() Strategy {
	return Strategy{Name: "lower_quality", Run: func(_ context.Context, in Input) (Output, error) {
		base := in.Quality
		if base <= 0 {
			base = imageprocessor.DefaultQuality
		}
		floor := in.MinQuality
		if floor <= 0 {
			floor = qualityFloor
		}
		q := max(base-qualityStep, floor)
		if q >= base {
			return Output{}, fmt.Errorf("quality %d already at floor %d", base, floor)
		}
		return compressAt(in, q)
	}}
}

func basicRetry() Strategy {
	return Strategy{Name: "basic_retry", Run: func(_ context.Context, in Input) (Output, error) {
		return compressAt(in, imageprocessor.DefaultQuality)
	}}
}

func convertThenCompress(p *imageprocessor.Processor) Strategy {
	return Strategy{Name: "convert_then_compress", Run: func(_ context.Context, in Input) (Output, error) {
		converted, err := scratch(in, imageprocessor.FormatJPEG)
		if err != nil {
			return Output{}, err
		}
		if _, err := p.Convert(in.Path, converted, imageprocessor.FormatJPEG, imageprocessor.DefaultQuality); err != nil {
			return Output{}, err
		}
		// the converted file always exists here: a JPEG input with quality
		// set is re-encoded, anything else changes format
		compressed, err := scratch(in, imageprocessor.FormatJPEG)
		if err != nil {
			return Output{}, err
		}
		res, err := p.Compress(converted, compressed, in.Quality, in.MinQuality)
		if err != nil {
			return Output{}, err
		}
		return Output{Path: res.Path, Format: imageprocessor.FormatJPEG}, nil
	}}
}

func simpleResize(p *imageprocessor.Processor) Strategy {
	return Strategy{Name: "simple_resize", Run: func(_ context.Context, in Input) (Output, error) {
		if in.ThumbnailPath == nil {
			return Output{}, errors.New("no thumbnail path function")
		}
		img, _, err := imageprocessor.OpenImage(in.Path)
		if err != nil {
			return Output{}, err
		}
		format := in.Thumbnail.Format
		if !format.Encodable() {
			format = imageprocessor.FormatJPEG
		}
		quality := in.Thumbnail.Quality
		if quality <= 0 {
			quality = imageprocessor.DefaultThumbnailQuality
		}

		thumbs := make([]imageprocessor.Thumbnail, 0, len(in.Sizes))
		for _, size := range in.Sizes {
			var out *image.NRGBA
			if size.Square() {
				out = imaging.Thumbnail(img, size.Width, size.Height, imaging.Box)
			} else {
				out = imaging.Fit(img, size.Width, size.Height, imaging.Box)
			}
			th, err := saveThumbnail(out, size, format, quality, in.ThumbnailPath)
			if err != nil {
				thumbs = append(thumbs, p.Placeholders([]imageprocessor.Size{size}, in.ThumbnailPath, in.Thumbnail)...)
				continue
			}
			thumbs = append(thumbs, th)
		}
		return Output{Thumbnails: thumbs}, nil
	}}
}

func saveThumbnail(img *image.NRGBA, size imageprocessor.Size, format imageprocessor.Format, quality int, pathFor imageprocessor.PathFunc) (imageprocessor.Thumbnail, error) {
	path, err := pathFor(size, format)
	if err != nil {
		return imageprocessor.Thumbnail{}, err
	}
	if err := imageprocessor.SaveImage(img, path, format, quality); err != nil {
		return imageprocessor.Thumbnail{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return imageprocessor.Thumbnail{}, err
	}
	return imageprocessor.Thumbnail{
		Label:  size.Label(),
		Path:   path,
		Bytes:  info.Size(),
		Width:  img.Bounds().Dx(),
		Height: img.Bounds().Dy(),
		Format: format,
	}, nil
}

func placeholders(p *imageprocessor.Processor) Strategy {
	return Strategy{Name: "placeholders", Run: func(_ context.Context, in Input) (Output, error) {
		if in.ThumbnailPath == nil {
			return Output{}, errors.New("no thumbnail path function")
		}
		return Output{Thumbnails: p.Placeholders(in.Sizes, in.ThumbnailPath, in.Thumbnail)}, nil
	}}
}

func basicMetadata() Strategy {
	return Strategy{Name: "basic_metadata", Run: func(_ context.Context, in Input) (Output, error) {
		path := in.Path
		if path == "" {
			path = in.SourcePath
		}
		cfg, format, err := imageprocessor.ReadConfig(path)
		if err != nil {
			return Output{}, err
		}
		return Output{Metadata: &imageprocessor.Metadata{
			Width:       cfg.Width,
			Height:      cfg.Height,
			Orientation: 1,
			Format:      format,
		}}, nil
	}}
}

func minimalMetadata() Strategy {
	return Strategy{Name: "minimal_metadata", Run: func(_ context.Context, in Input) (Output, error) {
		return Output{Metadata: &imageprocessor.Metadata{Orientation: 1, Format: in.Format}}, nil
	}}
}

func retryStore() Strategy {
	return Strategy{Name: "retry_store", Run: func(ctx context.Context, in Input) (Output, error) {
		if in.Retry == nil {
			return Output{}, errNoRetry
		}
		var lastErr error
		delay := storeRetryDelay
		for i := 0; i < storeRetries; i++ {
			select {
			case <-ctx.Done():
				return Output{}, ctx.Err()
			case <-time.After(delay):
			}
			out, err := in.Retry(ctx)
			if err == nil {
				return out, nil
			}
			lastErr = err
			delay *= 2
		}
		return Output{}, lastErr
	}}
}
