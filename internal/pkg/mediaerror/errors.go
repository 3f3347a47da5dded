// Package mediaerror defines the error taxonomy shared by every processing
// component: a Kind describing what went wrong, the Stage it happened in and
// a classified Error that wraps the underlying cause.
package mediaerror

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"strings"
	"syscall"
)

// Kind classifies a processing failure.
type Kind string

const (
	KindCompressionFailed         Kind = "compression_failed"
	KindExifExtractionFailed      Kind = "exif_extraction_failed"
	KindRotationFailed            Kind = "rotation_failed"
	KindThumbnailGenerationFailed Kind = "thumbnail_generation_failed"
	KindFormatConversionFailed    Kind = "format_conversion_failed"
	KindFileNotFound              Kind = "file_not_found"
	KindInvalidFormat             Kind = "invalid_format"
	KindInsufficientMemory        Kind = "insufficient_memory"
	KindProcessingTimeout         Kind = "processing_timeout"
	KindStorageFailed             Kind = "storage_failed"
	KindUnknown                   Kind = "unknown"
)

// Stage names a step of the processing pipeline.
type Stage string

const (
	StageValidate    Stage = "validate"
	StageConvert     Stage = "convert"
	StageOrientation Stage = "orientation"
	StageCompress    Stage = "compress"
	StageThumbnails  Stage = "thumbnails"
	StageMetadata    Stage = "metadata"
	StageFinalize    Stage = "finalize"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{
	StageValidate,
	StageConvert,
	StageOrientation,
	StageCompress,
	StageThumbnails,
	StageMetadata,
	StageFinalize,
}

type kindInfo struct {
	recoverable bool
	message     string
	action      string
}

var kinds = map[Kind]kindInfo{
	KindCompressionFailed: {true,
		"The image could not be compressed.",
		"The original image will be kept; try a different quality setting."},
	KindExifExtractionFailed: {true,
		"Image metadata could not be read.",
		"Processing continues with basic metadata only."},
	KindRotationFailed: {true,
		"The image orientation could not be corrected.",
		"The image is kept in its stored orientation."},
	KindThumbnailGenerationFailed: {true,
		"Preview images could not be generated.",
		"Placeholder previews are used; retry processing later."},
	KindFormatConversionFailed: {true,
		"The image could not be converted to a supported format.",
		"Upload the image as JPEG, PNG or WebP."},
	KindFileNotFound: {false,
		"The file could not be found.",
		"Check that the upload completed and upload the file again."},
	KindInvalidFormat: {false,
		"The file is not a valid or supported image.",
		"Upload a JPEG, PNG, GIF, WebP, BMP or TIFF image."},
	KindInsufficientMemory: {true,
		"Not enough memory was available to process the image.",
		"Retry later or upload a smaller image."},
	KindProcessingTimeout: {true,
		"Processing took too long.",
		"Retry later or upload a smaller image."},
	KindStorageFailed: {true,
		"The processed files could not be stored.",
		"Check available disk space and storage permissions."},
	KindUnknown: {true,
		"An unexpected error occurred while processing the image.",
		"Retry processing; contact support if the problem persists."},
}

// Recoverable reports whether a fallback strategy may be attempted.
func (k Kind) Recoverable() bool {
	if info, ok := kinds[k]; ok {
		return info.recoverable
	}
	return true
}

// UserMessage returns the end-user facing description of the kind.
func (k Kind) UserMessage() string {
	if info, ok := kinds[k]; ok {
		return info.message
	}
	return kinds[KindUnknown].message
}

// SuggestedAction returns what the user can do about the failure.
func (k Kind) SuggestedAction() string {
	if info, ok := kinds[k]; ok {
		return info.action
	}
	return kinds[KindUnknown].action
}

// Error is a classified processing failure.
type Error struct {
	Kind  Kind
	Stage Stage
	Path  string
	Err   error
}

// New builds a classified error. A nil cause is allowed.
func New(kind Kind, stage Stage, path string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Path: path, Err: err}
}

// Newf builds a classified error from a formatted message.
func Newf(kind Kind, stage Stage, path, format string, args ...interface{}) *Error {
	return New(kind, stage, path, fmt.Errorf(format, args...))
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Stage != "" {
		b.WriteString(" in ")
		b.WriteString(string(e.Stage))
	}
	if e.Path != "" {
		b.WriteString(" (")
		b.WriteString(e.Path)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Recoverable reports whether the kind allows recovery attempts.
func (e *Error) Recoverable() bool { return e.Kind.Recoverable() }

// Is matches another *Error of the same kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Stage == "" || t.Stage == e.Stage)
}

// KindOf returns the kind of a classified error anywhere in the chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

var stageDefaults = map[Stage]Kind{
	StageValidate:    KindInvalidFormat,
	StageConvert:     KindFormatConversionFailed,
	StageOrientation: KindRotationFailed,
	StageCompress:    KindCompressionFailed,
	StageThumbnails:  KindThumbnailGenerationFailed,
	StageMetadata:    KindExifExtractionFailed,
	StageFinalize:    KindStorageFailed,
}

var (
	notFoundHints = []string{"no such file", "not found", "does not exist", "cannot find"}
	memoryHints   = []string{"out of memory", "cannot allocate", "insufficient memory", "memory limit"}
	timeoutHints  = []string{"timeout", "timed out", "deadline exceeded"}
	storageHints  = []string{"no space left", "disk full", "quota exceeded", "read-only file system", "permission denied"}
	formatHints   = []string{"unknown format", "invalid format", "unsupported format", "not a valid", "invalid jpeg", "invalid png", "invalid image", "corrupt", "bad magic", "unexpected eof"}
)

// Classify maps err raised in stage to a Kind. Already classified errors keep
// their kind; otherwise wrapped sentinels are checked first, then the error
// text, then the stage default.
func Classify(err error, stage Stage) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return KindFileNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindProcessingTimeout
	case errors.Is(err, syscall.ENOMEM):
		return KindInsufficientMemory
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EROFS):
		return KindStorageFailed
	case errors.Is(err, image.ErrFormat):
		return KindInvalidFormat
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, notFoundHints):
		return KindFileNotFound
	case containsAny(msg, memoryHints):
		return KindInsufficientMemory
	case containsAny(msg, timeoutHints):
		return KindProcessingTimeout
	case containsAny(msg, storageHints):
		return KindStorageFailed
	case containsAny(msg, formatHints):
		return KindInvalidFormat
	}

	if k, ok := stageDefaults[stage]; ok {
		return k
	}
	return KindUnknown
}

// Wrap classifies err and returns it as *Error. Classified errors are
// returned unchanged.
func Wrap(err error, stage Stage, path string) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return New(Classify(err, stage), stage, path, err)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
