package engine

import "github.com/echosight/narrator/internal/types"

// FrameSource exposes the current video frame. The camera pipeline
// owns the frame; the engine reads it once per cycle and never
// mutates it.
type FrameSource interface {
	// CurrentFrame returns the latest frame snapshot, or nil when
	// the source has nothing ready (not yet connected, paused, or
	// zero dimensions).
	CurrentFrame() *types.Frame
}
