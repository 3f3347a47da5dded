package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"

	"github.com/ManuelReschke/pixelcore/internal/pkg/cache"
	"github.com/ManuelReschke/pixelcore/internal/pkg/fallback"
	"github.com/ManuelReschke/pixelcore/internal/pkg/imageprocessor"
	"github.com/ManuelReschke/pixelcore/internal/pkg/mediaerror"
	"github.com/ManuelReschke/pixelcore/internal/pkg/monitor"
	"github.com/ManuelReschke/pixelcore/internal/pkg/storage"
	"github.com/ManuelReschke/pixelcore/internal/pkg/tempfiles"
	"github.com/ManuelReschke/pixelcore/internal/pkg/testutil"
)

type fixture struct {
	orch    *Orchestrator
	proc    *imageprocessor.Processor
	fb      *fallback.Handler
	temp    *tempfiles.Manager
	store   *storage.LocalStore
	cache   *cache.Cache
	monitor *monitor.Monitor
	uploads string
}

type fixtureOptions struct {
	transform Transformer
	store     storage.Store
	noCache   bool
	cfg       Config
	monitor   monitor.Config
}

func newFixture(t *testing.T, fo fixtureOptions) *fixture {
	t.Helper()
	temp, err := tempfiles.NewManager(tempfiles.Config{Root: filepath.Join(t.TempDir(), "tmp")})
	require.NoError(t, err)
	t.Cleanup(func() { temp.Close() })

	local, err := storage.NewLocalStore(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)

	f := &fixture{
		proc:    imageprocessor.NewProcessor(imageprocessor.Config{}),
		temp:    temp,
		store:   local,
		monitor: monitor.New(fo.monitor),
		uploads: t.TempDir(),
	}
	f.fb = fallback.NewHandler(f.proc)

	var transform Transformer = f.proc
	if fo.transform != nil {
		transform = fo.transform
	}
	var store storage.Store = local
	if fo.store != nil {
		store = fo.store
	}
	var c Cache
	if !fo.noCache {
		f.cache = cache.New(cache.NewMemoryTier(64<<20), nil, time.Hour)
		c = f.cache
	}
	f.orch, err = New(fo.cfg, transform, f.fb, temp, store, c, f.monitor)
	require.NoError(t, err)
	return f
}

func (f *fixture) assertNoScratch(t *testing.T) {
	t.Helper()
	assert.Empty(t, testutil.ListFiles(t, f.temp.Root()), "scratch files left behind")
	assert.Zero(t, f.temp.Usage().Records)
}

func assertThumbnailsWithinBounds(t *testing.T, sizes []imageprocessor.Size, thumbs []imageprocessor.Thumbnail) {
	t.Helper()
	require.Len(t, thumbs, len(sizes))
	for i, size := range sizes {
		th := thumbs[i]
		assert.Equal(t, size.Label(), th.Label)
		if size.Square() && !th.Placeholder {
			assert.Equal(t, size.Width, th.Width, th.Label)
			assert.Equal(t, size.Height, th.Height, th.Label)
		}
		assert.LessOrEqual(t, th.Width, size.Width, th.Label)
		assert.LessOrEqual(t, th.Height, size.Height, th.Label)
		assert.FileExists(t, th.Path)
	}
}

func TestProcessValidImage(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	src := testutil.WriteJPEG(t, f.uploads, "photo.jpg", testutil.Noise(640, 480, 7), 100)
	original, err := os.ReadFile(src)
	require.NoError(t, err)

	res, err := f.orch.Process(context.Background(), src, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, imageprocessor.FormatJPEG, res.OriginalFormat)
	assert.Equal(t, int64(len(original)), res.OriginalBytes)
	assert.Len(t, res.Stages, len(mediaerror.Stages))
	assert.Empty(t, res.Fallbacks)

	require.FileExists(t, res.ProcessedPath)
	assert.True(t, strings.HasPrefix(res.ProcessedPath, f.store.Root()))
	assert.LessOrEqual(t, float64(res.ProcessedBytes), f.orch.cfg.SizeThreshold*float64(res.OriginalBytes))
	assert.Less(t, res.CompressionRatio, 1.0)

	assertThumbnailsWithinBounds(t, imageprocessor.DefaultThumbnailSizes, res.Thumbnails)

	require.NotNil(t, res.Metadata)
	assert.Equal(t, 640, res.Metadata.Width)
	assert.Equal(t, 480, res.Metadata.Height)
	assert.Equal(t, 1, res.Metadata.Orientation)
	assert.Nil(t, res.Metadata.GPS)

	// the upload itself is never consumed
	current, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(original, current))
	f.assertNoScratch(t)

	stats := f.monitor.Statistics(0)
	assert.Equal(t, 1, stats.ByOperation[OperationProcessMedia].Count)
	assert.Equal(t, 1, stats.ByOperation["stage_compress"].Count)
}

func TestProcessKeepsUploadWhenCompressionDoesNotPayOff(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	src := testutil.WriteJPEG(t, f.uploads, "small.jpg", testutil.Gradient(120, 80), 40)
	original, err := os.ReadFile(src)
	require.NoError(t, err)

	res, err := f.orch.Process(context.Background(), src, Options{SkipThumbnails: true})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1.0, res.CompressionRatio)

	stored, err := os.ReadFile(res.ProcessedPath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(original, stored), "processed bytes identical to the upload")
	assert.FileExists(t, src)
	assert.Empty(t, res.Thumbnails)
	st, ok := res.Stage(mediaerror.StageThumbnails)
	require.True(t, ok)
	assert.Equal(t, outcomeSkipped, st.Outcome)
	f.assertNoScratch(t)
}

func TestProcessRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, fixtureOptions{cfg: Config{MaxFileBytes: 64 << 10, MaxPixels: 1_000_000}})

	corrupt := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte("garbage"), 64)...)
	tests := []struct {
		name string
		path string
		kind mediaerror.Kind
	}{
		{"corrupt", testutil.WriteFile(t, f.uploads, "corrupt.jpg", corrupt), mediaerror.KindInvalidFormat},
		{"text", testutil.WriteFile(t, f.uploads, "notes.jpg", []byte("just some text")), mediaerror.KindInvalidFormat},
		{"empty", testutil.WriteFile(t, f.uploads, "empty.png", nil), mediaerror.KindInvalidFormat},
		{"directory", f.uploads, mediaerror.KindInvalidFormat},
		{"missing", filepath.Join(f.uploads, "gone.jpg"), mediaerror.KindFileNotFound},
		{"oversize", testutil.WriteJPEG(t, f.uploads, "big.jpg", testutil.Noise(400, 400, 3), 100), mediaerror.KindInvalidFormat},
		{"too many pixels", testutil.WritePNG(t, f.uploads, "wide.png", testutil.Gradient(1200, 1000)), mediaerror.KindInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.orch.Process(context.Background(), tt.path, Options{})
			require.Error(t, err)
			assert.Equal(t, tt.kind, mediaerror.KindOf(err))
			assert.False(t, tt.kind.Recoverable())

			require.NotNil(t, res)
			assert.Equal(t, StatusFailed, res.Status)
			assert.Equal(t, tt.kind, res.ErrorKind)
			assert.Empty(t, res.ProcessedPath)
			assert.Empty(t, res.Thumbnails)
			st, ok := res.Stage(mediaerror.StageValidate)
			require.True(t, ok)
			assert.Equal(t, outcomeFailed, st.Outcome)
		})
	}
	assert.Empty(t, testutil.ListFiles(t, f.store.Root()), "nothing persisted")
	f.assertNoScratch(t)
}

func TestProcessInvalidOptions(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	src := testutil.WriteJPEG(t, f.uploads, "a.jpg", testutil.Gradient(50, 50), 90)

	for name, opts := range map[string]Options{
		"quality":     {Quality: 101},
		"min quality": {Quality: 50, MinQuality: 70},
		"format":      {TargetFormat: imageprocessor.FormatBMP},
		"size":        {ThumbnailSizes: []imageprocessor.Size{{Width: 0, Height: 10}}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.orch.Process(context.Background(), src, opts)
			assert.ErrorIs(t, err, ErrInvalidOptions)
		})
	}
}

// flaky wraps the processor and fails selected operations.
type flaky struct {
	*imageprocessor.Processor
	failCompress   bool
	failConvert    bool
	failThumbnails bool
	slowCompress   time.Duration
	metadataCalls  atomic.Int32
	// compress calls left that fail as if the heap were exhausted
	oomCompress atomic.Int32
	// thumbnails returned per call, all when zero
	thumbnailLimit int
}

func (f *flaky) Convert(src, dst string, target imageprocessor.Format, quality int) (bool, error) {
	if f.failConvert {
		return false, errors.New("encoder exploded")
	}
	return f.Processor.Convert(src, dst, target, quality)
}

func (f *flaky) Compress(src, dst string, quality, minQuality int) (*imageprocessor.CompressResult, error) {
	if f.slowCompress > 0 {
		time.Sleep(f.slowCompress)
	}
	if f.failCompress {
		return nil, errors.New("encoder exploded")
	}
	if f.oomCompress.Add(-1) >= 0 {
		return nil, errors.New("runtime: cannot allocate memory")
	}
	return f.Processor.Compress(src, dst, quality, minQuality)
}

func (f *flaky) Thumbnails(ctx context.Context, src string, sizes []imageprocessor.Size, pathFor imageprocessor.PathFunc, opts imageprocessor.ThumbnailOptions) ([]imageprocessor.Thumbnail, error) {
	if f.failThumbnails {
		return nil, errors.New("resampler failed")
	}
	if f.thumbnailLimit > 0 && len(sizes) > f.thumbnailLimit {
		sizes = sizes[:f.thumbnailLimit]
	}
	return f.Processor.Thumbnails(ctx, src, sizes, pathFor, opts)
}

func (f *flaky) Metadata(path string, opts imageprocessor.MetadataOptions) (*imageprocessor.Metadata, error) {
	f.metadataCalls.Add(1)
	return f.Processor.Metadata(path, opts)
}

func TestProcessRecoversFailedCompression(t *testing.T) {
	tr := &flaky{Processor: imageprocessor.NewProcessor(imageprocessor.Config{}), failCompress: true}
	f := newFixture(t, fixtureOptions{transform: tr})
	src := testutil.WriteJPEG(t, f.uploads, "photo.jpg", testutil.Noise(320, 240, 11), 100)

	res, err := f.orch.Process(context.Background(), src, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedWithFallback, res.Status)
	require.Len(t, res.Fallbacks, 1)
	fb := res.Fallbacks[0]
	assert.Equal(t, mediaerror.StageCompress, fb.Stage)
	assert.Equal(t, mediaerror.KindCompressionFailed, fb.Kind)
	assert.True(t, fb.Recovered)
	assert.NotEmpty(t, fb.Strategy)

	st, _ := res.Stage(mediaerror.StageCompress)
	assert.Equal(t, outcomeFallback, st.Outcome)
	assert.LessOrEqual(t, res.CompressionRatio, 1.0)
	require.FileExists(t, res.ProcessedPath)
	assertThumbnailsWithinBounds(t, imageprocessor.DefaultThumbnailSizes, res.Thumbnails)
	f.assertNoScratch(t)
}

func TestProcessDegradesWhenNoStrategyRecovers(t *testing.T) {
	tr := &flaky{Processor: imageprocessor.NewProcessor(imageprocessor.Config{}), failThumbnails: true}
	f := newFixture(t, fixtureOptions{transform: tr})
	f.fb.Register(mediaerror.StageThumbnails, fallback.Strategy{
		Name: "always_fails",
		Run: func(context.Context, fallback.Input) (fallback.Output, error) {
			return fallback.Output{}, errors.New("still broken")
		},
	})
	src := testutil.WriteJPEG(t, f.uploads, "photo.jpg", testutil.Gradient(200, 100), 90)

	res, err := f.orch.Process(context.Background(), src, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedWithFallback, res.Status)
	require.Len(t, res.Thumbnails, len(imageprocessor.DefaultThumbnailSizes))
	for _, th := range res.Thumbnails {
		assert.True(t, th.Placeholder, th.Label)
		assert.Empty(t, th.Path, th.Label)
		assert.NotEmpty(t, th.Error, th.Label)
	}
	st, _ := res.Stage(mediaerror.StageThumbnails)
	assert.Equal(t, outcomeDegraded, st.Outcome)
	require.Len(t, res.Fallbacks, 1)
	assert.False(t, res.Fallbacks[0].Recovered)
	assert.FileExists(t, res.ProcessedPath)
	f.assertNoScratch(t)
}

func TestProcessThumbnailPlaceholders(t *testing.T) {
	tr := &flaky{Processor: imageprocessor.NewProcessor(imageprocessor.Config{}), failThumbnails: true}
	f := newFixture(t, fixtureOptions{transform: tr})
	// drop the resize strategy so the chain ends in placeholders
	chain := f.fb.Strategies(mediaerror.StageThumbnails, mediaerror.KindThumbnailGenerationFailed)
	require.Contains(t, chain, "placeholders")
	f.fb.Register(mediaerror.StageThumbnails, fallback.Strategy{
		Name: "placeholders",
		Run: func(_ context.Context, in fallback.Input) (fallback.Output, error) {
			return fallback.Output{Thumbnails: f.proc.Placeholders(in.Sizes, in.ThumbnailPath, in.Thumbnail)}, nil
		},
	})
	src := testutil.WriteJPEG(t, f.uploads, "photo.jpg", testutil.Gradient(200, 100), 90)

	res, err := f.orch.Process(context.Background(), src, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedWithFallback, res.Status)
	assertThumbnailsWithinBounds(t, imageprocessor.DefaultThumbnailSizes, res.Thumbnails)
	for _, th := range res.Thumbnails {
		assert.True(t, th.Placeholder, th.Label)
	}
	f.assertNoScratch(t)
}

func TestProcessEssentialConversionAborts(t *testing.T) {
	tr := &flaky{Processor: imageprocessor.NewProcessor(imageprocessor.Config{}), failConvert: true}
	f := newFixture(t, fixtureOptions{transform: tr})
	f.fb.Register(mediaerror.StageConvert, fallback.Strategy{
		Name: "always_fails",
		Run: func(context.Context, fallback.Input) (fallback.Output, error) {
			return fallback.Output{}, errors.New("no luck")
		},
	})

	var buf bytes.Buffer
	require.NoError(t, bmp.Encode(&buf, testutil.Gradient(60, 40)))
	src := testutil.WriteFile(t, f.uploads, "legacy.bmp", buf.Bytes())

	res, err := f.orch.Process(context.Background(), src, Options{})
	require.Error(t, err)
	assert.Equal(t, mediaerror.KindFormatConversionFailed, mediaerror.KindOf(err))
	assert.Equal(t, StatusFailed, res.Status)
	st, _ := res.Stage(mediaerror.StageConvert)
	assert.Equal(t, outcomeFailed, st.Outcome)
	_, ran := res.Stage(mediaerror.StageCompress)
	assert.False(t, ran)
	assert.Empty(t, testutil.ListFiles(t, f.store.Root()))
	f.assertNoScratch(t)
}

func TestProcessConvertsLegacyFormats(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	var buf bytes.Buffer
	require.NoError(t, bmp.Encode(&buf, testutil.Gradient(60, 40)))
	src := testutil.WriteFile(t, f.uploads, "legacy.bmp", buf.Bytes())

	res, err := f.orch.Process(context.Background(), src, Options{SkipThumbnails: true})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, imageprocessor.FormatBMP, res.OriginalFormat)
	assert.Equal(t, imageprocessor.FormatJPEG, res.ProcessedFormat)
	assert.True(t, strings.HasSuffix(res.ProcessedPath, ".jpg"))
	f.assertNoScratch(t)
}

func TestProcessOrientationSurvivesConversion(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	src := testutil.WriteJPEGWithExif(t, f.uploads, "rotated.jpg", testutil.Noise(40, 20, 9), 100,
		testutil.ExifFields{Orientation: 6, Make: "Canon"})

	for _, target := range []imageprocessor.Format{imageprocessor.FormatUnknown, imageprocessor.FormatPNG} {
		t.Run(string(target), func(t *testing.T) {
			res, err := f.orch.Process(context.Background(), src, Options{TargetFormat: target, SkipThumbnails: true})
			require.NoError(t, err)
			cfg, _, err := imageprocessor.ReadConfig(res.ProcessedPath)
			require.NoError(t, err)
			assert.Equal(t, 20, cfg.Width)
			assert.Equal(t, 40, cfg.Height)

			require.NotNil(t, res.Metadata)
			assert.Equal(t, 1, res.Metadata.Orientation)
			assert.Equal(t, 20, res.Metadata.Width)
			assert.Equal(t, 40, res.Metadata.Height)
			require.NotNil(t, res.Metadata.CameraMake)
			assert.Equal(t, "Canon", *res.Metadata.CameraMake)
		})
	}
	f.assertNoScratch(t)
}

func TestProcessOrientedUploadStaysWithinBudget(t *testing.T) {
	tests := []struct {
		name        string
		quality     int
		keepsUpload bool
	}{
		// re-encoding the rotated pixels costs more than the upload saves
		{"low quality upload", 50, true},
		{"high quality upload", 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixtureOptions{})
			src := testutil.WriteJPEGWithExif(t, f.uploads, "rotated.jpg", testutil.Noise(320, 240, 4), tt.quality,
				testutil.ExifFields{Orientation: 6})
			original, err := os.ReadFile(src)
			require.NoError(t, err)

			res, err := f.orch.Process(context.Background(), src, Options{})
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, res.Status)

			stored, err := os.ReadFile(res.ProcessedPath)
			require.NoError(t, err)
			identical := bytes.Equal(original, stored)
			within := float64(res.ProcessedBytes) <= f.orch.cfg.SizeThreshold*float64(res.OriginalBytes)
			assert.True(t, identical || within, "processed %d bytes from a %d byte upload", res.ProcessedBytes, res.OriginalBytes)
			assert.Equal(t, tt.keepsUpload, identical)

			require.NotNil(t, res.Metadata)
			if tt.keepsUpload {
				assert.Equal(t, 1.0, res.CompressionRatio)
				assert.Equal(t, 6, res.Metadata.Orientation)
				assert.Equal(t, 320, res.Metadata.Width)
			} else {
				assert.Less(t, res.CompressionRatio, f.orch.cfg.SizeThreshold)
				assert.Equal(t, 1, res.Metadata.Orientation)
				assert.Equal(t, 240, res.Metadata.Width)
			}

			// previews are upright either way
			assertThumbnailsWithinBounds(t, imageprocessor.DefaultThumbnailSizes, res.Thumbnails)
			wide := res.Thumbnails[2]
			assert.Greater(t, wide.Height, wide.Width, wide.Label)
			f.assertNoScratch(t)
		})
	}
}

func TestProcessRetriesStageAfterMemoryPressure(t *testing.T) {
	tr := &flaky{Processor: imageprocessor.NewProcessor(imageprocessor.Config{})}
	tr.oomCompress.Store(1)
	f := newFixture(t, fixtureOptions{transform: tr})
	src := testutil.WriteJPEG(t, f.uploads, "photo.jpg", testutil.Noise(320, 240, 12), 100)

	res, err := f.orch.Process(context.Background(), src, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedWithFallback, res.Status)
	require.Len(t, res.Fallbacks, 1)
	fb := res.Fallbacks[0]
	assert.Equal(t, mediaerror.StageCompress, fb.Stage)
	assert.Equal(t, mediaerror.KindInsufficientMemory, fb.Kind)
	assert.Equal(t, "release_memory_retry", fb.Strategy)
	assert.True(t, fb.Recovered)
	assert.Positive(t, res.Quality)
	assert.Less(t, res.CompressionRatio, 1.0)
	f.assertNoScratch(t)
}

func TestProcessThumbnailCountSurvivesWriteFailures(t *testing.T) {
	t.Run("placeholders cannot be written", func(t *testing.T) {
		tr := &flaky{Processor: imageprocessor.NewProcessor(imageprocessor.Config{}), failThumbnails: true}
		f := newFixture(t, fixtureOptions{transform: tr})
		f.fb.Register(mediaerror.StageThumbnails, fallback.Strategy{
			Name: "placeholders",
			Run: func(_ context.Context, in fallback.Input) (fallback.Output, error) {
				full := func(imageprocessor.Size, imageprocessor.Format) (string, error) {
					return "", tempfiles.ErrBudgetExceeded
				}
				return fallback.Output{Thumbnails: f.proc.Placeholders(in.Sizes, full, in.Thumbnail)}, nil
			},
		})
		src := testutil.WriteJPEG(t, f.uploads, "photo.jpg", testutil.Gradient(200, 100), 90)

		res, err := f.orch.Process(context.Background(), src, Options{})
		require.NoError(t, err)
		assert.Equal(t, StatusCompletedWithFallback, res.Status)
		require.Len(t, res.Thumbnails, len(imageprocessor.DefaultThumbnailSizes))
		for i, th := range res.Thumbnails {
			assert.Equal(t, imageprocessor.DefaultThumbnailSizes[i].Label(), th.Label)
			assert.True(t, th.Placeholder, th.Label)
			assert.Empty(t, th.Path, th.Label)
			assert.Contains(t, th.Error, "budget", th.Label)
		}
		assert.FileExists(t, res.ProcessedPath)
		f.assertNoScratch(t)
	})

	t.Run("renderer returns fewer thumbnails", func(t *testing.T) {
		tr := &flaky{Processor: imageprocessor.NewProcessor(imageprocessor.Config{}), thumbnailLimit: 1}
		f := newFixture(t, fixtureOptions{transform: tr, noCache: true})
		src := testutil.WriteJPEG(t, f.uploads, "photo.jpg", testutil.Gradient(200, 100), 90)

		res, err := f.orch.Process(context.Background(), src, Options{})
		require.NoError(t, err)
		assert.Equal(t, StatusCompletedWithFallback, res.Status)
		require.Len(t, res.Thumbnails, len(imageprocessor.DefaultThumbnailSizes))
		assert.False(t, res.Thumbnails[0].Placeholder)
		assert.FileExists(t, res.Thumbnails[0].Path)
		for _, th := range res.Thumbnails[1:] {
			assert.True(t, th.Placeholder, th.Label)
			assert.NotEmpty(t, th.Error, th.Label)
		}
		f.assertNoScratch(t)
	})
}

func TestProcessRaisesMemoryAlert(t *testing.T) {
	f := newFixture(t, fixtureOptions{monitor: monitor.Config{MaxMemoryBytes: 1}})
	src := testutil.WriteJPEG(t, f.uploads, "photo.jpg", testutil.Gradient(200, 100), 90)
	since := time.Now().Add(-time.Minute)

	_, err := f.orch.Process(context.Background(), src, Options{SkipThumbnails: true})
	require.NoError(t, err)

	var memory int
	for _, a := range f.monitor.Alerts(since) {
		if a.Type == monitor.AlertMemory {
			memory++
		}
	}
	assert.Positive(t, memory)
}

func TestProcessLargePhoto(t *testing.T) {
	if testing.Short() {
		t.Skip("encodes a 12 megapixel image")
	}
	f := newFixture(t, fixtureOptions{noCache: true})
	src := testutil.WriteJPEG(t, f.uploads, "camera.jpg", testutil.Noise(4000, 3000, 42), 100)

	res, err := f.orch.Process(context.Background(), src, Options{})
	require.NoError(t, err)
	assert.Contains(t, []Status{StatusCompleted, StatusCompletedWithFallback}, res.Status)
	assert.Less(t, res.Quality, imageprocessor.DefaultQuality, "large photos use a reduced quality tier")
	assert.GreaterOrEqual(t, res.Quality, imageprocessor.DefaultMinQuality)

	sizes := []imageprocessor.Size{{Width: 150, Height: 150}, {Width: 300, Height: 300}, {Width: 600, Height: 400}}
	assertThumbnailsWithinBounds(t, sizes, res.Thumbnails)

	require.NotNil(t, res.Metadata)
	assert.GreaterOrEqual(t, res.Metadata.Orientation, 1)
	assert.LessOrEqual(t, res.Metadata.Orientation, 8)
	assert.Nil(t, res.Metadata.GPS)
	assert.Equal(t, 4000, res.Metadata.Width)
	assert.Equal(t, 3000, res.Metadata.Height)
	f.assertNoScratch(t)
}

func TestProcessUsesCacheOnRepeat(t *testing.T) {
	tr := &flaky{Processor: imageprocessor.NewProcessor(imageprocessor.Config{})}
	f := newFixture(t, fixtureOptions{transform: tr})
	src := testutil.WriteJPEG(t, f.uploads, "photo.jpg", testutil.Noise(320, 240, 5), 100)

	first, err := f.orch.Process(context.Background(), src, Options{})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, first.Status)

	second, err := f.orch.Process(context.Background(), src, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, second.Status)
	assert.NotEqual(t, first.RunID, second.RunID)

	for _, stage := range []mediaerror.Stage{mediaerror.StageCompress, mediaerror.StageThumbnails, mediaerror.StageMetadata} {
		st, ok := second.Stage(stage)
		require.True(t, ok)
		assert.Equal(t, outcomeCached, st.Outcome, stage)
	}
	assert.Equal(t, int32(1), tr.metadataCalls.Load())
	assert.Equal(t, first.ProcessedBytes, second.ProcessedBytes)
	assert.Equal(t, first.Quality, second.Quality)
	assert.InDelta(t, first.CompressionRatio, second.CompressionRatio, 1e-9)
	assertThumbnailsWithinBounds(t, imageprocessor.DefaultThumbnailSizes, second.Thumbnails)
	assert.Greater(t, f.cache.Stats().HitRate(), 0.0)

	// a different quality is a different variant
	third, err := f.orch.Process(context.Background(), src, Options{Quality: 70})
	require.NoError(t, err)
	st, _ := third.Stage(mediaerror.StageCompress)
	assert.Equal(t, outcomeOK, st.Outcome)
	f.assertNoScratch(t)
}

func TestProcessTimeout(t *testing.T) {
	tr := &flaky{Processor: imageprocessor.NewProcessor(imageprocessor.Config{}), slowCompress: 300 * time.Millisecond}
	f := newFixture(t, fixtureOptions{transform: tr})
	src := testutil.WriteJPEG(t, f.uploads, "photo.jpg", testutil.Noise(120, 90, 2), 100)

	res, err := f.orch.Process(context.Background(), src, Options{Timeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, mediaerror.KindProcessingTimeout, mediaerror.KindOf(err))
	assert.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, testutil.ListFiles(t, f.store.Root()))
	f.assertNoScratch(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.orch.Process(ctx, src, Options{})
	assert.Equal(t, mediaerror.KindProcessingTimeout, mediaerror.KindOf(err))
}

// failingStore fails every Put whose key contains match.
type failingStore struct {
	storage.Store
	match string
	puts  atomic.Int32
}

func (s *failingStore) Put(ctx context.Context, localPath, key string) (*storage.Stored, error) {
	if strings.Contains(key, s.match) {
		s.puts.Add(1)
		return nil, errors.New("bucket unavailable")
	}
	return s.Store.Put(ctx, localPath, key)
}

func TestProcessStoreFailureRollsBack(t *testing.T) {
	local, err := storage.NewLocalStore(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	store := &failingStore{Store: local, match: "thumb_"}
	f := newFixture(t, fixtureOptions{store: store})
	src := testutil.WriteJPEG(t, f.uploads, "photo.jpg", testutil.Gradient(200, 100), 90)

	res, err := f.orch.Process(context.Background(), src, Options{})
	require.Error(t, err)
	assert.Equal(t, mediaerror.KindStorageFailed, mediaerror.KindOf(err))
	assert.Equal(t, StatusFailed, res.Status)
	// first attempt plus the retries of the store strategy
	assert.Greater(t, store.puts.Load(), int32(1))
	assert.Empty(t, testutil.ListFiles(t, local.Root()), "processed file rolled back")
	assert.FileExists(t, src)
	f.assertNoScratch(t)
}

func TestProcessConcurrentRuns(t *testing.T) {
	f := newFixture(t, fixtureOptions{cfg: Config{MaxConcurrent: 2}})
	src := testutil.WriteJPEG(t, f.uploads, "photo.jpg", testutil.Gradient(160, 120), 95)

	const runs = 6
	errs := make(chan error, runs)
	for i := 0; i < runs; i++ {
		go func() {
			res, err := f.orch.Process(context.Background(), src, Options{SkipThumbnails: true})
			if err == nil && res.Status == StatusFailed {
				err = errors.New("run failed")
			}
			errs <- err
		}()
	}
	for i := 0; i < runs; i++ {
		assert.NoError(t, <-errs)
	}
	f.assertNoScratch(t)
}
