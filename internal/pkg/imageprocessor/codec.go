package imageprocessor

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"

	"github.com/disintegration/imaging"
	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"

	// register the WebP decoder with image.Decode; imaging registers bmp and tiff
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedFormat is returned when a codec is not available for a format.
var ErrUnsupportedFormat = errors.New("unsupported format")

func clampQuality(q int) int {
	switch {
	case q < 1:
		return 1
	case q > 100:
		return 100
	}
	return q
}

// ReadConfig returns dimensions and format without decoding pixel data.
func ReadConfig(path string) (image.Config, Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, FormatUnknown, err
	}
	defer f.Close()

	cfg, name, err := image.DecodeConfig(f)
	if err != nil {
		return image.Config{}, FormatUnknown, fmt.Errorf("error reading image header: %w", err)
	}
	format, _ := ParseFormat(name)
	return cfg, format, nil
}

// openImage decodes the file as stored, ignoring the EXIF orientation.
func openImage(path string) (image.Image, Format, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, FormatUnknown, err
	}
	if !format.Decodable() {
		return nil, format, fmt.Errorf("cannot decode %q: %w", format, image.ErrFormat)
	}
	img, err := imaging.Open(path)
	if err != nil {
		return nil, format, fmt.Errorf("error opening image: %w", err)
	}
	return img, format, nil
}

func encodeImage(w io.Writer, img image.Image, format Format, quality int) error {
	switch format {
	case FormatJPEG:
		return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(clampQuality(quality)))
	case FormatPNG:
		return imaging.Encode(w, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	case FormatGIF:
		return imaging.Encode(w, img, imaging.GIF)
	case FormatBMP:
		return imaging.Encode(w, img, imaging.BMP)
	case FormatTIFF:
		return imaging.Encode(w, img, imaging.TIFF)
	case FormatWebP:
		options, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, float32(clampQuality(quality)))
		if err != nil {
			return fmt.Errorf("error creating encoder options: %w", err)
		}
		if err := webp.Encode(w, img, options); err != nil {
			return fmt.Errorf("error encoding WebP image: %w", err)
		}
		return nil
	}
	return fmt.Errorf("cannot encode %q: %w", format, ErrUnsupportedFormat)
}

// writeImage encodes img to path. A partially written file is removed.
func writeImage(img image.Image, path string, format Format, quality int) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating output file: %w", err)
	}
	if err := encodeImage(out, img, format, quality); err != nil {
		out.Close()
		os.Remove(path)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("error closing output file: %w", err)
	}
	return nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// SaveImage encodes img into a new file at path.
func SaveImage(img image.Image, path string, format Format, quality int) error {
	return writeImage(img, path, format, quality)
}

// OpenImage decodes the file at path without applying EXIF orientation.
func OpenImage(path string) (image.Image, Format, error) {
	return openImage(path)
}
