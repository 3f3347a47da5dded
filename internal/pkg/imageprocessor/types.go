package imageprocessor

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultThumbnailSizes are generated when the caller requests none.
var DefaultThumbnailSizes = []Size{
	{Width: 150, Height: 150},
	{Width: 300, Height: 300},
	{Width: 600, Height: 400},
}

// Size is a target bounding box in pixels.
type Size struct {
	Width  int `json:"width" validate:"min=1,max=10000"`
	Height int `json:"height" validate:"min=1,max=10000"`
}

func (s Size) Label() string  { return fmt.Sprintf("%dx%d", s.Width, s.Height) }
func (s Size) Square() bool   { return s.Width == s.Height }
func (s Size) String() string { return s.Label() }

// ParseSize parses "WxH".
func ParseSize(s string) (Size, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Size{}, fmt.Errorf("invalid size %q, expected WxH", s)
	}
	width, err := strconv.Atoi(strings.TrimSpace(w))
	if err != nil {
		return Size{}, fmt.Errorf("invalid width in %q: %w", s, err)
	}
	height, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil {
		return Size{}, fmt.Errorf("invalid height in %q: %w", s, err)
	}
	if width <= 0 || height <= 0 {
		return Size{}, fmt.Errorf("invalid size %q, dimensions must be positive", s)
	}
	return Size{Width: width, Height: height}, nil
}

// ParseSizes parses a comma separated list such as "150x150,300x300".
func ParseSizes(s string) ([]Size, error) {
	var sizes []Size
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		size, err := ParseSize(part)
		if err != nil {
			return nil, err
		}
		sizes = append(sizes, size)
	}
	return sizes, nil
}

// Thumbnail describes one generated preview.
type Thumbnail struct {
	Label       string `json:"label"`
	Path        string `json:"path"`
	Bytes       int64  `json:"bytes"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Format      Format `json:"format"`
	Placeholder bool   `json:"placeholder,omitempty"`
	// Error is set when not even the placeholder could be written; Path
	// is empty then.
	Error       string `json:"error,omitempty"`
}

// GPSCoordinates holds the location an image was taken at.
type GPSCoordinates struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`
}

// Metadata is the normalized, privacy scrubbed view of an image's tags.
type Metadata struct {
	CapturedAt  *time.Time        `json:"captured_at,omitempty"`
	GPS         *GPSCoordinates   `json:"gps,omitempty"`
	CameraMake  *string           `json:"camera_make,omitempty"`
	CameraModel *string           `json:"camera_model,omitempty"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	Orientation int               `json:"orientation"`
	Format      Format            `json:"format"`
	Tags        map[string]string `json:"tags,omitempty"`
}
