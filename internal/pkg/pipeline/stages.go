package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/pixelcore/internal/pkg/cache"
	"github.com/ManuelReschke/pixelcore/internal/pkg/fallback"
	"github.com/ManuelReschke/pixelcore/internal/pkg/imageprocessor"
	"github.com/ManuelReschke/pixelcore/internal/pkg/mediaerror"
	"github.com/ManuelReschke/pixelcore/internal/pkg/storage"
)

// adopt makes path the input of the following stages.
func (r *run) adopt(path string, format imageprocessor.Format) {
	if format == imageprocessor.FormatUnknown {
		if f, err := r.o.transform.Detect(path); err == nil {
			format = f
		}
	}
	r.cur = path
	r.curFormat = format
}

func invalid(path string, err error) error {
	return mediaerror.New(mediaerror.KindInvalidFormat, mediaerror.StageValidate, path, err)
}

func (r *run) validate() (string, error) {
	info, err := os.Stat(r.source)
	if err != nil {
		return "", mediaerror.Wrap(err, mediaerror.StageValidate, r.source)
	}
	switch {
	case info.IsDir():
		return "", invalid(r.source, errors.New("path is a directory"))
	case info.Size() == 0:
		return "", invalid(r.source, errors.New("file is empty"))
	case info.Size() > r.o.cfg.MaxFileBytes:
		return "", invalid(r.source, fmt.Errorf("file size %s exceeds the %s limit",
			humanize.IBytes(uint64(info.Size())), humanize.IBytes(uint64(r.o.cfg.MaxFileBytes))))
	}

	format, err := r.o.transform.Detect(r.source)
	if err != nil {
		return "", mediaerror.Wrap(err, mediaerror.StageValidate, r.source)
	}
	if !format.Decodable() {
		name := string(format)
		if name == "" {
			name = "unknown"
		}
		return "", invalid(r.source, fmt.Errorf("%w: %s", imageprocessor.ErrUnsupportedFormat, name))
	}
	cfg, _, err := imageprocessor.ReadConfig(r.source)
	if err != nil {
		return "", invalid(r.source, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return "", invalid(r.source, fmt.Errorf("invalid dimensions %dx%d", cfg.Width, cfg.Height))
	}
	if pixels := cfg.Width * cfg.Height; pixels > r.o.cfg.MaxPixels {
		return "", invalid(r.source, fmt.Errorf("%d pixels exceed the limit of %d", pixels, r.o.cfg.MaxPixels))
	}

	r.sourceFormat = format
	r.adopt(r.source, format)
	r.orientation = imageprocessor.ReadOrientation(r.source)
	r.sourceOrientation = r.orientation
	r.result.OriginalBytes = info.Size()
	r.result.OriginalFormat = format
	r.result.ProcessedBytes = info.Size()
	r.result.ProcessedFormat = format

	if r.o.cache != nil {
		fp, err := cache.Fingerprint(r.source, r.o.cfg.Fingerprint)
		if err != nil {
			log.Warnf("[Pipeline] Run %s: fingerprint failed, caching disabled: %v", r.id, err)
		} else {
			r.fingerprint = fp
		}
	}
	return outcomeOK, nil
}

// convert re-encodes into the requested format. Sources that browsers
// cannot display are always converted, and that conversion is essential.
func (r *run) convert() (string, error) {
	if r.opts.SkipConvert {
		return outcomeSkipped, nil
	}
	essential := !r.curFormat.WebSafe()
	target := r.opts.TargetFormat
	if target == imageprocessor.FormatUnknown {
		if !essential {
			return outcomeSkipped, nil
		}
		target = imageprocessor.FormatJPEG
	}
	quality := 0
	if target != r.curFormat {
		quality = r.opts.Quality
	}
	if !imageprocessor.NeedsConversion(r.curFormat, target, quality) {
		return outcomeSkipped, nil
	}

	attempt := func(context.Context) (fallback.Output, error) {
		dst, err := r.scratch(target.Extension())
		if err != nil {
			return fallback.Output{}, err
		}
		converted, err := r.o.transform.Convert(r.cur, dst, target, quality)
		if err != nil {
			return fallback.Output{}, err
		}
		if !converted {
			return fallback.Output{Path: r.cur, Format: r.curFormat}, nil
		}
		return fallback.Output{Path: dst, Format: target}, nil
	}
	out, err := attempt(r.ctx)
	if err == nil {
		r.adopt(out.Path, out.Format)
		return outcomeOK, nil
	}

	in := r.input(mediaerror.StageConvert)
	in.TargetFormat = target
	in.Retry = attempt
	out, outcome, ferr := r.handleFailure(in, err, essential)
	if ferr != nil {
		return outcome, ferr
	}
	if outcome == outcomeFallback {
		r.adopt(out.Path, out.Format)
	}
	return outcome, nil
}

// orient bakes the EXIF orientation into the pixels. A converted file has
// lost its tags, so the code read from the source is used instead.
func (r *run) orient() (string, error) {
	if r.opts.SkipOrientation {
		return outcomeSkipped, nil
	}
	code := imageprocessor.ReadOrientation(r.cur)
	if code == 1 && r.cur != r.source {
		code = r.orientation
	}
	if code == 1 {
		r.orientation = 1
		return outcomeSkipped, nil
	}

	format := r.curFormat
	if !format.Encodable() {
		format = imageprocessor.FormatJPEG
	}
	attempt := func(context.Context) (fallback.Output, error) {
		dst, err := r.scratch(format.Extension())
		if err != nil {
			return fallback.Output{}, err
		}
		res, err := r.o.transform.OrientAs(r.cur, dst, code)
		if err != nil {
			return fallback.Output{}, err
		}
		if !res.Applied {
			return fallback.Output{Path: r.cur, Format: r.curFormat}, nil
		}
		return fallback.Output{Path: res.Path, Format: format}, nil
	}
	out, err := attempt(r.ctx)
	if err == nil {
		r.adopt(out.Path, out.Format)
		r.orientation = 1
		return outcomeOK, nil
	}

	in := r.input(mediaerror.StageOrientation)
	in.Retry = attempt
	out, outcome, ferr := r.handleFailure(in, err, false)
	if ferr != nil {
		return outcome, ferr
	}
	r.orientation = code
	if outcome == outcomeFallback && out.Path != r.cur {
		r.adopt(out.Path, out.Format)
		r.orientation = 1
	}
	return outcome, nil
}

// compress re-encodes the current file and then holds the result to the
// size budget of the original upload. The budget applies even when
// compression itself is skipped.
func (r *run) compress() (string, error) {
	outcome := outcomeSkipped
	if !r.opts.SkipCompression {
		var err error
		if outcome, err = r.compressCurrent(); err != nil {
			return outcome, err
		}
	}
	r.enforceBudget()
	return outcome, nil
}

// compressCurrent keeps a re-encoded file only when it is below the size
// threshold of the stage input.
func (r *run) compressCurrent() (string, error) {
	if !imageprocessor.Compressible(r.curFormat) {
		return outcomeSkipped, nil
	}
	inputSize, err := fileSize(r.cur)
	if err != nil {
		return "", mediaerror.New(mediaerror.KindFileNotFound, mediaerror.StageCompress, r.cur, err)
	}

	key := r.cacheKey("compress", r.opts.processedKey())
	if v, ok := r.loadVariant(key); ok {
		if len(v.Data) == 0 {
			r.result.Quality = v.Quality
			return outcomeCached, nil
		}
		if path, err := r.writeVariant(v, r.curFormat.Extension()); err == nil {
			r.result.Quality = v.Quality
			r.adopt(path, r.curFormat)
			return outcomeCached, nil
		}
	}

	attempt := func(context.Context) (fallback.Output, error) {
		dst, err := r.scratch(r.curFormat.Extension())
		if err != nil {
			return fallback.Output{}, err
		}
		res, err := r.o.transform.Compress(r.cur, dst, r.opts.Quality, r.opts.MinQuality)
		if err != nil {
			return fallback.Output{}, err
		}
		r.result.Quality = res.Quality
		r.storeVariant(key, res.Applied, res.Path, res.Quality)
		if !res.Applied {
			return fallback.Output{Path: r.cur, Format: r.curFormat}, nil
		}
		return fallback.Output{Path: res.Path, Format: r.curFormat}, nil
	}
	out, err := attempt(r.ctx)
	if err == nil {
		r.adopt(out.Path, out.Format)
		return outcomeOK, nil
	}

	in := r.input(mediaerror.StageCompress)
	in.Retry = attempt
	out, outcome, ferr := r.handleFailure(in, err, false)
	if ferr != nil || outcome != outcomeFallback || out.Path == r.cur {
		return outcome, ferr
	}
	size, err := fileSize(out.Path)
	if err != nil || float64(size) >= r.o.cfg.SizeThreshold*float64(inputSize) {
		// not a saving, the stage input stays
		return outcome, nil
	}
	r.adopt(out.Path, out.Format)
	return outcome, nil
}

// enforceBudget publishes the upload unchanged when the derived file is not
// below SizeThreshold of it. Stage inputs can be larger than the upload, a
// re-encoded rotation for example, so passing the per-stage check is not
// enough. Explicit conversions to another format and sources browsers
// cannot display keep the derived file.
func (r *run) enforceBudget() {
	if r.cur == r.source || r.result.OriginalBytes <= 0 {
		return
	}
	size, err := fileSize(r.cur)
	if err != nil {
		return
	}
	keepable := r.curFormat == r.sourceFormat && r.sourceFormat.WebSafe()
	if !keepable || float64(size) <= r.o.cfg.SizeThreshold*float64(r.result.OriginalBytes) {
		r.result.CompressionRatio = float64(size) / float64(r.result.OriginalBytes)
		return
	}
	log.Infof("[Pipeline] Run %s: derived file of %s is not below %.0f%% of the %s upload, keeping the upload",
		r.id, humanize.IBytes(uint64(size)), r.o.cfg.SizeThreshold*100, humanize.IBytes(uint64(r.result.OriginalBytes)))
	if r.orientation == 1 && r.sourceOrientation != 1 {
		// the upload still relies on its EXIF tag; thumbnails render from
		// the upright pixels
		r.upright = r.cur
	}
	r.adopt(r.source, r.sourceFormat)
	r.orientation = r.sourceOrientation
	r.result.CompressionRatio = 1.0
	r.result.Quality = 0
}

type thumbnailKey struct {
	Processed cacheKeyOptions       `json:"p"`
	Size      imageprocessor.Size   `json:"s"`
	Format    imageprocessor.Format `json:"f"`
	Quality   int                   `json:"q"`
}

// thumbnails renders one thumbnail per requested size from the processed
// file, reusing cached renders. Sizes that cannot be rendered get
// placeholders so the count always matches the request.
func (r *run) thumbnails() (string, error) {
	sizes := r.opts.ThumbnailSizes
	if r.opts.SkipThumbnails || len(sizes) == 0 {
		return outcomeSkipped, nil
	}
	thumbOpts := r.opts.thumbnailOptions()

	thumbs := make([]imageprocessor.Thumbnail, len(sizes))
	keys := make([]string, len(sizes))
	var missing []int
	for i, size := range sizes {
		keys[i] = r.cacheKey("thumbnail", thumbnailKey{r.opts.processedKey(), size, thumbOpts.Format, thumbOpts.Quality})
		if th, ok := r.cachedThumbnail(keys[i], size); ok {
			thumbs[i] = th
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		r.result.Thumbnails = thumbs
		return outcomeCached, nil
	}

	missingSizes := make([]imageprocessor.Size, len(missing))
	for j, i := range missing {
		missingSizes[j] = sizes[i]
	}

	src := r.cur
	if r.upright != "" {
		src = r.upright
	}
	attempt := func(ctx context.Context) (fallback.Output, error) {
		rendered, err := r.o.transform.Thumbnails(ctx, src, missingSizes, r.thumbnailPath, thumbOpts)
		return fallback.Output{Thumbnails: rendered}, err
	}

	outcome := outcomeOK
	out, err := attempt(r.ctx)
	generated := out.Thumbnails
	if err != nil {
		in := r.input(mediaerror.StageThumbnails)
		in.Path = src
		in.Sizes = missingSizes
		in.Retry = attempt
		out, fo, ferr := r.handleFailure(in, err, false)
		if ferr != nil {
			return fo, ferr
		}
		outcome = fo
		generated = out.Thumbnails
	}

	placeholders := 0
	for j, i := range missing {
		var th imageprocessor.Thumbnail
		if j < len(generated) {
			th = generated[j]
		} else {
			th = unrendered(sizes[i], thumbOpts, "no thumbnail was produced")
		}
		thumbs[i] = th
		if th.Placeholder {
			placeholders++
			continue
		}
		if outcome == outcomeOK {
			r.storeThumbnail(keys[i], th)
		}
	}
	if placeholders > 0 && outcome == outcomeOK {
		outcome = outcomeFallback
		r.fellBack = true
		r.result.Fallbacks = append(r.result.Fallbacks, FallbackRecord{
			Stage:     mediaerror.StageThumbnails,
			Kind:      mediaerror.KindThumbnailGenerationFailed,
			Strategy:  "placeholder",
			Recovered: true,
			Message:   mediaerror.KindThumbnailGenerationFailed.UserMessage(),
			Cause:     fmt.Sprintf("%d of %d sizes could not be rendered", placeholders, len(missing)),
		})
	}

	r.result.Thumbnails = thumbs
	return outcome, nil
}

// unrendered describes a size that has no file at all, so the result still
// carries one descriptor per requested size.
func unrendered(size imageprocessor.Size, opts imageprocessor.ThumbnailOptions, reason string) imageprocessor.Thumbnail {
	return imageprocessor.Thumbnail{
		Label:       size.Label(),
		Width:       size.Width,
		Height:      size.Height,
		Format:      opts.Format,
		Placeholder: true,
		Error:       reason,
	}
}

type metadataKey struct {
	StripLocation bool `json:"strip"`
}

// metadata reads tags from the original upload, where they still exist, and
// reports the dimensions and effective orientation of the processed file.
func (r *run) metadata() (string, error) {
	if r.opts.SkipMetadata {
		return outcomeSkipped, nil
	}
	outcome := outcomeOK
	md, cached, err := r.extractMetadata()
	if err != nil {
		in := r.input(mediaerror.StageMetadata)
		in.Retry = func(context.Context) (fallback.Output, error) {
			md, _, err := r.extractMetadata()
			return fallback.Output{Metadata: md}, err
		}
		out, fo, ferr := r.handleFailure(in, err, false)
		if ferr != nil {
			return fo, ferr
		}
		outcome = fo
		md = out.Metadata
		if md == nil {
			md = &imageprocessor.Metadata{Orientation: 1, Format: r.sourceFormat}
		}
	} else if cached {
		outcome = outcomeCached
	}

	m := *md
	if cfg, _, err := imageprocessor.ReadConfig(r.cur); err == nil {
		m.Width, m.Height = cfg.Width, cfg.Height
	}
	m.Orientation = r.orientation
	if m.Orientation < 1 || m.Orientation > 8 {
		m.Orientation = 1
	}
	if m.Format == imageprocessor.FormatUnknown {
		m.Format = r.sourceFormat
	}
	r.result.Metadata = &m
	return outcome, nil
}

// finalize persists the processed file and thumbnails. A store failure the
// retry strategy cannot fix aborts the run and removes what was stored.
func (r *run) finalize() (string, error) {
	if size, err := fileSize(r.cur); err == nil {
		r.result.ProcessedBytes = size
	}
	r.result.ProcessedFormat = r.curFormat

	err := r.persist(r.ctx)
	if err == nil {
		return outcomeOK, nil
	}
	in := r.input(mediaerror.StageFinalize)
	in.Retry = func(ctx context.Context) (fallback.Output, error) {
		return fallback.Output{}, r.persist(ctx)
	}
	_, outcome, ferr := r.handleFailure(in, err, true)
	return outcome, ferr
}

// persist stores every artifact not stored yet, so it can be retried.
func (r *run) persist(ctx context.Context) error {
	now := r.o.now()
	if r.result.ProcessedKey == "" {
		key := storage.ObjectKey(now, r.id, "processed"+r.curFormat.Extension())
		path := r.cur
		if path == r.source {
			// the store may move its input; never hand it the caller's upload
			staged, err := r.stageCopy(path)
			if err != nil {
				return mediaerror.New(mediaerror.KindStorageFailed, mediaerror.StageFinalize, path, err)
			}
			path = staged
		}
		stored, err := r.o.store.Put(ctx, path, key)
		if err != nil {
			return mediaerror.New(mediaerror.KindStorageFailed, mediaerror.StageFinalize, key, err)
		}
		r.stored = append(r.stored, key)
		r.result.ProcessedKey = key
		r.result.ProcessedPath = stored.Location
		r.result.ProcessedBytes = stored.Size
	}

	for i := range r.result.Thumbnails {
		th := &r.result.Thumbnails[i]
		if r.storedThumbs[i] || th.Path == "" {
			continue
		}
		name := "thumb_" + th.Label + th.Format.Extension()
		key := storage.ObjectKey(now, r.id, name)
		stored, err := r.o.store.Put(ctx, th.Path, key)
		if err != nil {
			return mediaerror.New(mediaerror.KindStorageFailed, mediaerror.StageFinalize, key, err)
		}
		r.stored = append(r.stored, key)
		r.storedThumbs[i] = true
		th.Path = stored.Location
	}
	return nil
}

func (r *run) stageCopy(src string) (string, error) {
	dst, err := r.scratch(r.curFormat.Extension())
	if err != nil {
		return "", err
	}
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", err
	}
	return dst, out.Close()
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
