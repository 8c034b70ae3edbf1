package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/echosight/narrator/internal/types"
)

// Synthetic is a frame source that fabricates frames on demand, used
// when no camera is configured and in tests.
type Synthetic struct {
	width  int
	height int

	mu     sync.Mutex
	seq    uint64
	paused bool
	ready  bool
}

// NewSynthetic creates a synthetic source. It starts ready.
func NewSynthetic(width, height int) *Synthetic {
	return &Synthetic{
		width:  width,
		height: height,
		ready:  true,
	}
}

// CurrentFrame implements engine.FrameSource. Each call produces a
// fresh gray frame with a new sequence number.
func (s *Synthetic) CurrentFrame() *types.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused || !s.ready {
		return nil
	}

	s.seq++
	data := make([]byte, s.width*s.height*3)
	for i := range data {
		data[i] = 0x80
	}

	return &types.Frame{
		Seq:       s.seq,
		Timestamp: time.Now(),
		Width:     s.width,
		Height:    s.height,
		Data:      data,
		TraceID:   uuid.New().String(),
	}
}

// SetPaused suspends or resumes the source.
func (s *Synthetic) SetPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
}

// SetReady controls whether the source has a frame at all, for
// exercising the engine's not-ready guard.
func (s *Synthetic) SetReady(ready bool) {
	s.mu.Lock()
	s.ready = ready
	s.mu.Unlock()
}
