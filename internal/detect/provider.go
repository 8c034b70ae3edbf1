package detect

import (
	"context"
	"errors"
	"fmt"

	"github.com/echosight/narrator/internal/types"
)

// Backend identifies a compute backend of the detection service.
type Backend string

const (
	BackendPrimary  Backend = "primary"
	BackendFallback Backend = "fallback"
)

// Provider runs object detection over a single frame. Implementations
// are opaque to the engine; they may fail, and the engine recovers by
// switching backends and retrying once per cycle.
type Provider interface {
	// Detect runs one detection pass over the frame
	Detect(ctx context.Context, frame *types.Frame) ([]types.Detection, error)
	// SwitchBackend moves the provider to its fallback compute
	// backend. The switch is sticky for the process lifetime.
	SwitchBackend()
	// ActiveBackend returns the backend currently in use
	ActiveBackend() Backend
}

// BackendError marks a failure of the provider's active compute
// context (service unreachable, inference runtime crashed). The engine
// treats it differently from an ordinary detection error: it switches
// backends and retries once.
type BackendError struct {
	Backend Backend
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("detection backend %s fault: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsBackendFault reports whether err is a compute-backend fault.
func IsBackendFault(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}
