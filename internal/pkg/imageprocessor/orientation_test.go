package imageprocessor

import (
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/pixelcore/internal/pkg/testutil"
)

func TestApplyOrientationDimensions(t *testing.T) {
	src := testutil.Gradient(4, 2)
	for o := 1; o <= 8; o++ {
		out := ApplyOrientation(src, o)
		b := out.Bounds()
		if o >= 5 {
			assert.Equal(t, 2, b.Dx(), "orientation %d", o)
			assert.Equal(t, 4, b.Dy(), "orientation %d", o)
		} else {
			assert.Equal(t, 4, b.Dx(), "orientation %d", o)
			assert.Equal(t, 2, b.Dy(), "orientation %d", o)
		}
	}
}

func TestCorrectOrientationRotates(t *testing.T) {
	dir := t.TempDir()
	red := color.NRGBA{R: 0xFF, A: 0xFF}
	blue := color.NRGBA{B: 0xFF, A: 0xFF}
	// orientation 6 means the stored pixels must turn 90 degrees clockwise
	src := testutil.WriteJPEGWithExif(t, dir, "rotated.jpg", testutil.SplitColors(40, 20, red, blue), 95,
		testutil.ExifFields{Orientation: 6})
	require.Equal(t, 6, ReadOrientation(src))

	res, err := CorrectOrientation(src, filepath.Join(dir, "upright.jpg"))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 6, res.Original)
	assert.Equal(t, 1, ReadOrientation(res.Path))

	img, err := imaging.Open(res.Path)
	require.NoError(t, err)
	assert.Equal(t, 20, img.Bounds().Dx())
	assert.Equal(t, 40, img.Bounds().Dy())

	r, _, b, _ := img.At(10, 5).RGBA()
	assert.Greater(t, r>>8, uint32(200), "top half should be red")
	assert.Less(t, b>>8, uint32(60))
	r, _, b, _ = img.At(10, 35).RGBA()
	assert.Greater(t, b>>8, uint32(200), "bottom half should be blue")
	assert.Less(t, r>>8, uint32(60))
}

func TestCorrectOrientationNoop(t *testing.T) {
	dir := t.TempDir()
	src := testutil.WriteJPEG(t, dir, "plain.jpg", testutil.Gradient(10, 10), 90)
	dst := filepath.Join(dir, "out.jpg")

	res, err := CorrectOrientation(src, dst)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, src, res.Path)
	assert.Equal(t, 1, res.Original)
	assert.NoFileExists(t, dst)
}

func TestAutoOrient(t *testing.T) {
	dir := t.TempDir()
	src := testutil.WriteJPEGWithExif(t, dir, "r.jpg", testutil.Gradient(40, 20), 90, testutil.ExifFields{Orientation: 8})
	dst := filepath.Join(dir, "auto.jpg")

	require.NoError(t, AutoOrient(src, dst, FormatJPEG))
	cfg, _, err := ReadConfig(dst)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Width)
	assert.Equal(t, 40, cfg.Height)
}

func TestOrientAsConvertedFile(t *testing.T) {
	dir := t.TempDir()
	// a PNG has no EXIF, the code comes from the original upload
	src := testutil.WritePNG(t, dir, "converted.png", testutil.Gradient(40, 20))
	require.Equal(t, 1, ReadOrientation(src))

	res, err := OrientAs(src, filepath.Join(dir, "upright.png"), 6)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 6, res.Original)

	cfg, format, err := ReadConfig(res.Path)
	require.NoError(t, err)
	assert.Equal(t, FormatPNG, format)
	assert.Equal(t, 20, cfg.Width)
	assert.Equal(t, 40, cfg.Height)

	for _, code := range []int{0, 1, 9, -3} {
		res, err := OrientAs(src, filepath.Join(dir, "noop.png"), code)
		require.NoError(t, err)
		assert.False(t, res.Applied, "orientation %d", code)
		assert.Equal(t, src, res.Path)
	}
}
