package api

import (
	"context"

	"visualgrid/internal/engine"
	"visualgrid/internal/rgrid"
	"visualgrid/pkg/types"
)

// Engine is the part of the resolution engine the API serves.
type Engine interface {
	ResolveSnapshot(ctx context.Context, frame types.Frame) (*rgrid.Bundle, error)
	CaptureAndResolve(ctx context.Context, target string) (*engine.Capture, error)
}

// CaptureRequest asks the server to snapshot a live page.
type CaptureRequest struct {
	URL string `json:"url"`
}

// CaptureResponse carries the resolved bundle and, when the renderer took
// one, the processed PNG screenshot (base64 in JSON).
type CaptureResponse struct {
	Bundle     *rgrid.Bundle `json:"bundle"`
	Screenshot []byte        `json:"screenshot,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply from the resources API.
type ErrorResponse struct {
	Error string `json:"error"`
}
