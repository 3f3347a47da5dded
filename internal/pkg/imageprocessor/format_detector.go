package imageprocessor

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
)

// Format identifies an image encoding.
type Format string

const (
	FormatUnknown Format = ""
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatGIF     Format = "gif"
	FormatWebP    Format = "webp"
	FormatBMP     Format = "bmp"
	FormatTIFF    Format = "tiff"
	FormatHEIF    Format = "heif"
	FormatAVIF    Format = "avif"
)

// ParseFormat accepts format names and common file extensions.
func ParseFormat(s string) (Format, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), ".") {
	case "":
		return FormatUnknown, nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "gif":
		return FormatGIF, nil
	case "webp":
		return FormatWebP, nil
	case "bmp":
		return FormatBMP, nil
	case "tif", "tiff":
		return FormatTIFF, nil
	case "heic", "heif":
		return FormatHEIF, nil
	case "avif":
		return FormatAVIF, nil
	}
	return FormatUnknown, fmt.Errorf("unsupported format %q", s)
}

// Decodable reports whether pixels of this format can be read.
func (f Format) Decodable() bool {
	switch f {
	case FormatJPEG, FormatPNG, FormatGIF, FormatWebP, FormatBMP, FormatTIFF:
		return true
	}
	return false
}

// Encodable reports whether this format can be written as a processing output.
func (f Format) Encodable() bool {
	switch f {
	case FormatJPEG, FormatPNG, FormatWebP:
		return true
	}
	return false
}

// WebSafe formats are served as-is and need no essential conversion.
// GIF is kept so animations survive.
func (f Format) WebSafe() bool {
	return f.Encodable() || f == FormatGIF
}

// Lossy reports whether the encoder takes a quality parameter.
func (f Format) Lossy() bool {
	return f == FormatJPEG || f == FormatWebP
}

func (f Format) Extension() string {
	switch f {
	case FormatJPEG:
		return ".jpg"
	case FormatUnknown:
		return ".bin"
	}
	return "." + string(f)
}

func (f Format) ContentType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatGIF:
		return "image/gif"
	case FormatWebP:
		return "image/webp"
	case FormatBMP:
		return "image/bmp"
	case FormatTIFF:
		return "image/tiff"
	case FormatHEIF:
		return "image/heif"
	case FormatAVIF:
		return "image/avif"
	}
	return "application/octet-stream"
}

// DetectFormatBytes sniffs the magic bytes at the start of an image.
func DetectFormatBytes(header []byte) Format {
	switch {
	case len(header) >= 3 && header[0] == 0xFF && header[1] == 0xD8 && header[2] == 0xFF:
		return FormatJPEG
	case bytes.HasPrefix(header, []byte("\x89PNG\r\n\x1a\n")):
		return FormatPNG
	case bytes.HasPrefix(header, []byte("GIF87a")), bytes.HasPrefix(header, []byte("GIF89a")):
		return FormatGIF
	case len(header) >= 12 && bytes.Equal(header[0:4], []byte("RIFF")) && bytes.Equal(header[8:12], []byte("WEBP")):
		return FormatWebP
	case bytes.HasPrefix(header, []byte("BM")):
		return FormatBMP
	case bytes.HasPrefix(header, []byte("II*\x00")), bytes.HasPrefix(header, []byte("MM\x00*")):
		return FormatTIFF
	case len(header) >= 12 && bytes.Equal(header[4:8], []byte("ftyp")):
		brand := string(header[8:12])
		switch brand {
		case "avif", "avis":
			return FormatAVIF
		case "heic", "heix", "hevc", "hevx", "mif1", "msf1":
			return FormatHEIF
		}
	}
	return FormatUnknown
}

// DetectFormat reads the header of the file at path and sniffs its format.
func DetectFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, err
	}
	defer f.Close()

	header := make([]byte, 32)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FormatUnknown, fmt.Errorf("error reading header: %w", err)
	}
	return DetectFormatBytes(header[:n]), nil
}
