package mediaerror

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	_, statErr := os.Stat("/definitely/not/here.jpg")
	require.Error(t, statErr)

	tests := []struct {
		name  string
		err   error
		stage Stage
		want  Kind
	}{
		{"missing file via sentinel", statErr, StageCompress, KindFileNotFound},
		{"missing file via message", errors.New("open x.jpg: no such file or directory"), StageMetadata, KindFileNotFound},
		{"image format sentinel", fmt.Errorf("decode: %w", image.ErrFormat), StageConvert, KindInvalidFormat},
		{"corrupt message", errors.New("invalid JPEG format: missing SOI marker"), StageValidate, KindInvalidFormat},
		{"deadline", fmt.Errorf("stage: %w", context.DeadlineExceeded), StageThumbnails, KindProcessingTimeout},
		{"memory", errors.New("runtime: cannot allocate memory"), StageCompress, KindInsufficientMemory},
		{"disk full", errors.New("write /tmp/x: no space left on device"), StageFinalize, KindStorageFailed},
		{"stage default compress", errors.New("encoder exploded"), StageCompress, KindCompressionFailed},
		{"stage default orientation", errors.New("boom"), StageOrientation, KindRotationFailed},
		{"stage default thumbnails", errors.New("boom"), StageThumbnails, KindThumbnailGenerationFailed},
		{"unknown stage", errors.New("boom"), Stage("other"), KindUnknown},
		{"already classified", New(KindStorageFailed, StageCompress, "", errors.New("x")), StageMetadata, KindStorageFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err, tt.stage))
		})
	}
}

func TestKindRecoverability(t *testing.T) {
	assert.False(t, KindFileNotFound.Recoverable())
	assert.False(t, KindInvalidFormat.Recoverable())
	for _, k := range []Kind{
		KindCompressionFailed, KindExifExtractionFailed, KindRotationFailed,
		KindThumbnailGenerationFailed, KindFormatConversionFailed, KindInsufficientMemory,
		KindProcessingTimeout, KindStorageFailed, KindUnknown,
	} {
		assert.True(t, k.Recoverable(), string(k))
		assert.NotEmpty(t, k.UserMessage())
		assert.NotEmpty(t, k.SuggestedAction())
	}
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("disk on fire")
	err := fmt.Errorf("persist: %w", New(KindStorageFailed, StageFinalize, "/out/a.jpg", cause))

	assert.Equal(t, KindStorageFailed, KindOf(err))
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, &Error{Kind: KindStorageFailed})
	assert.NotErrorIs(t, err, &Error{Kind: KindInvalidFormat})
	assert.Contains(t, err.Error(), "storage_failed in finalize (/out/a.jpg): disk on fire")

	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Nil(t, Wrap(nil, StageCompress, ""))
	assert.Equal(t, KindCompressionFailed, Wrap(errors.New("x"), StageCompress, "a").Kind)
}
