package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/echosight/narrator/internal/detect"
	"github.com/echosight/narrator/internal/identity"
	"github.com/echosight/narrator/internal/types"
)

// fakeSource serves a settable frame snapshot.
type fakeSource struct {
	mu    sync.Mutex
	frame *types.Frame
}

func (s *fakeSource) CurrentFrame() *types.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

func (s *fakeSource) set(f *types.Frame) {
	s.mu.Lock()
	s.frame = f
	s.mu.Unlock()
}

func readyFrame() *types.Frame {
	return &types.Frame{
		Seq:       1,
		Timestamp: time.Now(),
		Width:     640,
		Height:    480,
		Data:      make([]byte, 16),
		TraceID:   "trace-1",
	}
}

// fakeDetector implements detect.Provider with per-backend behavior
// and concurrency accounting.
type fakeDetector struct {
	mu      sync.Mutex
	backend detect.Backend
	// respond maps backend to result; nil err returns dets
	respond func(b detect.Backend) ([]types.Detection, error)
	delay   time.Duration

	calls    int64
	inFlight int32
	maxSeen  int32
	switches int64
}

func newFakeDetector(respond func(b detect.Backend) ([]types.Detection, error)) *fakeDetector {
	return &fakeDetector{backend: detect.BackendPrimary, respond: respond}
}

func (d *fakeDetector) Detect(ctx context.Context, frame *types.Frame) ([]types.Detection, error) {
	n := atomic.AddInt32(&d.inFlight, 1)
	for {
		max := atomic.LoadInt32(&d.maxSeen)
		if n <= max || atomic.CompareAndSwapInt32(&d.maxSeen, max, n) {
			break
		}
	}
	defer atomic.AddInt32(&d.inFlight, -1)
	atomic.AddInt64(&d.calls, 1)

	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	return d.respond(d.ActiveBackend())
}

func (d *fakeDetector) SwitchBackend() {
	d.mu.Lock()
	d.backend = detect.BackendFallback
	d.mu.Unlock()
	atomic.AddInt64(&d.switches, 1)
}

func (d *fakeDetector) ActiveBackend() detect.Backend {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backend
}

func personDetections(detect.Backend) ([]types.Detection, error) {
	return []types.Detection{
		{Class: "cup", Confidence: 0.9, Box: types.Box{X: 0, Y: 0, Width: 50, Height: 50}},
	}, nil
}

// waitFor polls cond until it reports true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestStartWithoutCollaboratorsStaysIdle(t *testing.T) {
	e := New(Options{})
	e.Start()
	if e.IsRunning() {
		t.Fatal("engine must stay idle without a frame source and detector")
	}

	e = New(Options{Source: &fakeSource{}})
	e.Start()
	if e.IsRunning() {
		t.Fatal("engine must stay idle without a detector")
	}
}

func TestStartStop(t *testing.T) {
	src := &fakeSource{}
	src.set(readyFrame())
	det := newFakeDetector(personDetections)

	e := New(Options{
		Config:   Config{DetectionInterval: 5 * time.Millisecond},
		Source:   src,
		Detector: det,
	})

	e.Start()
	if !e.IsRunning() {
		t.Fatal("engine did not start")
	}

	// A second Start is a no-op
	e.Start()

	waitFor(t, time.Second, func() bool {
		return e.Stats().Cycles >= 2
	})

	e.Stop()
	if e.IsRunning() {
		t.Fatal("engine did not stop")
	}

	// Stop is idempotent
	e.Stop()
	e.Stop()

	// No cycle starts after Stop; allow an in-flight one to drain
	time.Sleep(10 * time.Millisecond)
	settled := e.Stats().Cycles
	time.Sleep(30 * time.Millisecond)
	if got := e.Stats().Cycles; got != settled {
		t.Errorf("cycles advanced after stop: %d -> %d", settled, got)
	}

	if s := e.Stats(); s.LastDescription != "I see a cup" {
		t.Errorf("last description = %q, want %q", s.LastDescription, "I see a cup")
	}
}

func TestCyclesNeverOverlap(t *testing.T) {
	// Detection takes far longer than the configured interval; the
	// next cycle must still wait for the current one to finish.
	src := &fakeSource{}
	src.set(readyFrame())
	det := newFakeDetector(personDetections)
	det.delay = 20 * time.Millisecond

	e := New(Options{
		Config:   Config{DetectionInterval: time.Millisecond},
		Source:   src,
		Detector: det,
	})

	e.Start()
	waitFor(t, 2*time.Second, func() bool {
		return e.Stats().Cycles >= 3
	})
	e.Stop()

	if max := atomic.LoadInt32(&det.maxSeen); max != 1 {
		t.Errorf("observed %d concurrent detection passes, want 1", max)
	}
}

func TestRestartDuringInFlightCycleKeepsSingleChain(t *testing.T) {
	// Stop the engine while a slow detection pass is in flight, then
	// start it again. The surviving cycle must not re-arm the old
	// chain next to the new run's one, and the new run's first cycle
	// must wait for the old one to drain.
	src := &fakeSource{}
	src.set(readyFrame())
	det := newFakeDetector(personDetections)
	det.delay = 50 * time.Millisecond

	e := New(Options{
		Config:   Config{DetectionInterval: 5 * time.Millisecond},
		Source:   src,
		Detector: det,
	})

	e.Start()
	waitFor(t, time.Second, func() bool {
		return atomic.LoadInt32(&det.inFlight) == 1
	})

	e.Stop()
	e.Start()
	if !e.IsRunning() {
		t.Fatal("engine did not restart")
	}

	waitFor(t, 2*time.Second, func() bool {
		return e.Stats().Cycles >= 4
	})
	e.Stop()

	if max := atomic.LoadInt32(&det.maxSeen); max != 1 {
		t.Errorf("observed %d concurrent detection passes after stop/start, want 1", max)
	}
}

func TestBackendFaultSwitchesAndRetries(t *testing.T) {
	src := &fakeSource{}
	src.set(readyFrame())

	// Primary always faults; fallback serves detections.
	det := newFakeDetector(func(b detect.Backend) ([]types.Detection, error) {
		if b == detect.BackendPrimary {
			return nil, &detect.BackendError{Backend: b, Err: errors.New("connection refused")}
		}
		return personDetections(b)
	})

	e := New(Options{
		Config:   Config{DetectionInterval: 5 * time.Millisecond},
		Source:   src,
		Detector: det,
	})

	e.Start()
	waitFor(t, time.Second, func() bool {
		return e.Stats().Cycles >= 3
	})
	e.Stop()

	s := e.Stats()
	if !s.BackendSwitched {
		t.Error("stats do not report the backend switch")
	}
	if s.Descriptions == 0 {
		t.Error("fallback detections produced no descriptions")
	}
	// The switch is sticky: one switch serves all later cycles
	if n := atomic.LoadInt64(&det.switches); n != 1 {
		t.Errorf("backend switched %d times, want exactly once", n)
	}
	if det.ActiveBackend() != detect.BackendFallback {
		t.Error("provider not left on the fallback backend")
	}
}

func TestDetectionErrorDegradesCycle(t *testing.T) {
	src := &fakeSource{}
	src.set(readyFrame())

	// Ordinary failure: no switch, no retry, cycle yields nothing
	det := newFakeDetector(func(detect.Backend) ([]types.Detection, error) {
		return nil, errors.New("malformed frame")
	})

	e := New(Options{
		Config:   Config{DetectionInterval: 5 * time.Millisecond},
		Source:   src,
		Detector: det,
	})

	e.Start()
	waitFor(t, time.Second, func() bool {
		return e.Stats().Cycles >= 2
	})
	e.Stop()

	s := e.Stats()
	if s.DetectFailures == 0 {
		t.Error("detect failures not counted")
	}
	if s.Descriptions != 0 {
		t.Errorf("descriptions = %d after pure failures, want 0", s.Descriptions)
	}
	if s.BackendSwitched {
		t.Error("ordinary errors must not switch the backend")
	}
	if n := atomic.LoadInt64(&det.switches); n != 0 {
		t.Errorf("backend switched %d times, want 0", n)
	}
}

func TestFrameNotReadySkipsCycle(t *testing.T) {
	src := &fakeSource{} // no frame yet
	det := newFakeDetector(personDetections)

	e := New(Options{
		Config:   Config{DetectionInterval: 5 * time.Millisecond},
		Source:   src,
		Detector: det,
	})

	e.Start()
	waitFor(t, time.Second, func() bool {
		return e.Stats().SkippedCycles >= 2
	})

	if n := atomic.LoadInt64(&det.calls); n != 0 {
		t.Errorf("detector called %d times without a ready frame, want 0", n)
	}

	// Once a frame appears, the loop picks it up
	src.set(readyFrame())
	waitFor(t, time.Second, func() bool {
		return e.Stats().Cycles >= 1
	})
	e.Stop()
}

func TestIdentitiesFlowIntoDescriptions(t *testing.T) {
	src := &fakeSource{}
	src.set(readyFrame())

	det := newFakeDetector(func(detect.Backend) ([]types.Detection, error) {
		return []types.Detection{
			{Class: types.PersonClass, Confidence: 0.95, Box: types.Box{X: 0, Y: 0, Width: 100, Height: 200}},
		}, nil
	})

	ids := identity.Static{
		{Name: "Alice", Box: types.Box{X: 40, Y: 10, Width: 20, Height: 20}},
	}

	e := New(Options{
		Config:     Config{DetectionInterval: 5 * time.Millisecond},
		Source:     src,
		Detector:   det,
		Identities: ids,
	})

	e.Start()
	waitFor(t, time.Second, func() bool {
		return e.Stats().Descriptions >= 1
	})
	e.Stop()

	if s := e.Stats(); s.LastDescription != "I see Alice" {
		t.Errorf("last description = %q, want %q", s.LastDescription, "I see Alice")
	}
}

func TestConfigure(t *testing.T) {
	e := New(Options{})

	// Defaults applied at construction
	cfg := e.Config()
	if cfg.DetectionInterval != 4*time.Second || cfg.MinConfidence != 0.5 || cfg.MaxObjects != 5 {
		t.Errorf("default config = %+v", cfg)
	}

	e.Configure(Config{DetectionInterval: time.Second, MinConfidence: 0.8, MaxObjects: 3})
	cfg = e.Config()
	if cfg.DetectionInterval != time.Second || cfg.MinConfidence != 0.8 || cfg.MaxObjects != 3 {
		t.Errorf("configured = %+v", cfg)
	}

	// Zero fields fall back to defaults
	e.Configure(Config{MinConfidence: 0.7})
	cfg = e.Config()
	if cfg.DetectionInterval != 4*time.Second || cfg.MinConfidence != 0.7 || cfg.MaxObjects != 5 {
		t.Errorf("partially configured = %+v", cfg)
	}
}
