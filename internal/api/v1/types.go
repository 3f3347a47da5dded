package apiv1

import (
	"github.com/ManuelReschke/pixelcore/internal/pkg/pipeline"
)

type Pong struct {
	Ping string `json:"ping"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type ProcessRequest struct {
	Path    string           `json:"path" validate:"required"`
	Options pipeline.Options `json:"options"`
}

type SubmitTaskRequest struct {
	Kind     string            `json:"kind"`
	Path     string            `json:"path" validate:"required"`
	Priority string            `json:"priority"`
	Options  *pipeline.Options `json:"options,omitempty"`
}

type SubmitTaskResponse struct {
	ID string `json:"id"`
}

// InvalidateRequest selects cache entries by source file, fingerprint
// prefix or tag. Exactly one field is expected.
type InvalidateRequest struct {
	Path   string `json:"path" validate:"required_without_all=Source Tag"`
	Source string `json:"source"`
	Tag    string `json:"tag"`
}

type InvalidateResponse struct {
	Removed int `json:"removed"`
}
