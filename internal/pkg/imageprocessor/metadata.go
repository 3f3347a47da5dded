package imageprocessor

import (
	"os"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/mknote"
	"github.com/rwcarlsen/goexif/tiff"

	"github.com/ManuelReschke/pixelcore/internal/pkg/mediaerror"
)

func init() {
	// Register Nikon and Canon maker notes
	exif.RegisterParsers(mknote.All...)
}

const maxTagValueLen = 256

// deniedTags never leave the extractor: processing hints, serial numbers and
// raw timestamps that duplicate CapturedAt.
var deniedTags = map[string]struct{}{
	"Software":            {},
	"ProcessingSoftware":  {},
	"HostComputer":        {},
	"MakerNote":           {},
	"ImageUniqueID":       {},
	"OwnerName":           {},
	"CameraOwnerName":     {},
	"DateTime":            {},
	"DateTimeDigitized":   {},
	"SubSecTime":          {},
	"SubSecTimeOriginal":  {},
	"SubSecTimeDigitized": {},

	// IFD pointers and the embedded preview
	"ThumbJPEGInterchangeFormat":       {},
	"ThumbJPEGInterchangeFormatLength": {},
	"ExifIFDPointer":                   {},
	"GPSInfoIFDPointer":                {},
	"InteroperabilityIFDPointer":       {},
}

// normalizedTags are exposed as typed fields instead of the tag map.
var normalizedTags = map[string]struct{}{
	"Make":             {},
	"Model":            {},
	"DateTimeOriginal": {},
	"Orientation":      {},
	"PixelXDimension":  {},
	"PixelYDimension":  {},
}

// MetadataOptions tune metadata extraction.
type MetadataOptions struct {
	// StripLocation drops GPS coordinates entirely.
	StripLocation bool
}

// IsDeniedTag reports whether a tag is removed from extracted metadata.
func IsDeniedTag(name string) bool {
	if _, ok := deniedTags[name]; ok {
		return true
	}
	return strings.Contains(name, "Serial") || strings.HasPrefix(name, "GPS")
}

type tagCollector map[string]string

func (c tagCollector) Walk(name exif.FieldName, tag *tiff.Tag) error {
	key := string(name)
	if IsDeniedTag(key) {
		return nil
	}
	if _, ok := normalizedTags[key]; ok {
		return nil
	}
	val := strings.TrimSpace(strings.Trim(tag.String(), `"`))
	if val == "" || len(val) > maxTagValueLen {
		return nil
	}
	c[key] = val
	return nil
}

// ExtractMetadata reads the EXIF data of an image into normalized Metadata.
// Images without EXIF yield dimensions, format and orientation 1.
func ExtractMetadata(path string, opts MetadataOptions) (*Metadata, error) {
	cfg, format, err := ReadConfig(path)
	if err != nil {
		return nil, mediaerror.Wrap(err, mediaerror.StageMetadata, path)
	}

	md := &Metadata{
		Width:       cfg.Width,
		Height:      cfg.Height,
		Orientation: 1,
		Format:      format,
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, mediaerror.Wrap(err, mediaerror.StageMetadata, path)
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if x == nil || (err != nil && exif.IsCriticalError(err)) {
		// Most non-camera images carry no EXIF, this is not an error
		log.Debugf("[Metadata] No EXIF data in %s: %v", path, err)
		return md, nil
	}

	if v, ok := stringTag(x, exif.Make); ok {
		md.CameraMake = &v
	}
	if v, ok := stringTag(x, exif.Model); ok {
		md.CameraModel = &v
	}
	if dt, err := x.DateTime(); err == nil {
		md.CapturedAt = &dt
	}
	if tag, err := x.Get(exif.Orientation); err == nil {
		if o, err := tag.Int(0); err == nil && o >= 1 && o <= 8 {
			md.Orientation = o
		}
	}
	if !opts.StripLocation {
		md.GPS = readGPS(x)
	}

	tags := tagCollector{}
	if err := x.Walk(tags); err != nil {
		log.Warnf("[Metadata] Walking tags of %s failed: %v", path, err)
	}
	if len(tags) > 0 {
		md.Tags = tags
	}
	return md, nil
}

func stringTag(x *exif.Exif, name exif.FieldName) (string, bool) {
	tag, err := x.Get(name)
	if err != nil {
		return "", false
	}
	v, err := tag.StringVal()
	if err != nil {
		v = strings.Trim(tag.String(), `"`)
	}
	v = strings.TrimSpace(strings.TrimRight(v, "\x00"))
	return v, v != ""
}

func readGPS(x *exif.Exif) *GPSCoordinates {
	lat, long, err := x.LatLong()
	if err != nil {
		return nil
	}
	gps := &GPSCoordinates{Latitude: lat, Longitude: long}

	if tag, err := x.Get(exif.GPSAltitude); err == nil {
		if num, den, err := tag.Rat2(0); err == nil && den != 0 {
			alt := float64(num) / float64(den)
			if ref, err := x.Get(exif.GPSAltitudeRef); err == nil {
				if v, err := ref.Int(0); err == nil && v == 1 {
					alt = -alt
				}
			}
			gps.Altitude = &alt
		}
	}
	return gps
}

// ReadOrientation returns the EXIF orientation of the file, 1 when absent.
func ReadOrientation(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 1
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if x == nil || (err != nil && exif.IsCriticalError(err)) {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	o, err := tag.Int(0)
	if err != nil || o < 1 || o > 8 {
		return 1
	}
	return o
}
