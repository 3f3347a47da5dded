package imageprocessor

import (
	"image"

	"github.com/disintegration/imaging"

	"github.com/ManuelReschke/pixelcore/internal/pkg/mediaerror"
)

// orientationQuality keeps re-encoding loss low; compression runs afterwards.
const orientationQuality = 95

// orientationTransforms maps EXIF orientation codes to the transform that
// yields upright pixels. imaging rotates counter-clockwise.
var orientationTransforms = map[int]func(image.Image) *image.NRGBA{
	2: imaging.FlipH,
	3: imaging.Rotate180,
	4: imaging.FlipV,
	5: imaging.Transpose,
	6: imaging.Rotate270,
	7: imaging.Transverse,
	8: imaging.Rotate90,
}

// OrientationResult describes an orientation correction.
type OrientationResult struct {
	Path     string
	Original int
	Applied  bool
}

// ApplyOrientation returns img transformed for the given EXIF code. Codes
// outside 2..8 return img unchanged.
func ApplyOrientation(img image.Image, orientation int) image.Image {
	if fn, ok := orientationTransforms[orientation]; ok {
		return fn(img)
	}
	return img
}

// CorrectOrientation writes an upright copy of src to dst when its EXIF
// orientation is not 1. The copy carries no EXIF, so readers see orientation 1.
func CorrectOrientation(src, dst string) (*OrientationResult, error) {
	return OrientAs(src, dst, ReadOrientation(src))
}

// OrientAs applies the given EXIF orientation code to the pixels of src. It
// is used when src lost its tags, e.g. after a format conversion.
func OrientAs(src, dst string, orientation int) (*OrientationResult, error) {
	if orientation < 2 || orientation > 8 {
		return &OrientationResult{Path: src, Original: 1}, nil
	}

	img, format, err := openImage(src)
	if err != nil {
		return nil, mediaerror.Wrap(err, mediaerror.StageOrientation, src)
	}
	if !format.Encodable() {
		format = FormatJPEG
	}
	if err := writeImage(ApplyOrientation(img, orientation), dst, format, orientationQuality); err != nil {
		return nil, mediaerror.Wrap(err, mediaerror.StageOrientation, src)
	}
	return &OrientationResult{Path: dst, Original: orientation, Applied: true}, nil
}

// AutoOrient decodes src with imaging's own EXIF handling and writes the
// result to dst in the given format.
func AutoOrient(src, dst string, format Format) error {
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return mediaerror.Wrap(err, mediaerror.StageOrientation, src)
	}
	if !format.Encodable() {
		format = FormatJPEG
	}
	if err := writeImage(img, dst, format, orientationQuality); err != nil {
		return mediaerror.Wrap(err, mediaerror.StageOrientation, src)
	}
	return nil
}
