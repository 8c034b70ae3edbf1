// Package engine runs the scene-narration loop: sample a frame, detect
// objects, correlate person boxes with recognized faces, render a
// sentence, dispatch it to the narrator. One cooperative loop; detector
// and backend failures degrade the cycle, they never stop it.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/echosight/narrator/internal/correlate"
	"github.com/echosight/narrator/internal/describe"
	"github.com/echosight/narrator/internal/detect"
	"github.com/echosight/narrator/internal/identity"
	"github.com/echosight/narrator/internal/narrate"
	"github.com/echosight/narrator/internal/types"
)

// State is the engine lifecycle flag.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Config holds the engine's tunable parameters. Changes apply from the
// next cycle.
type Config struct {
	// DetectionInterval is the cycle cadence (default 4s)
	DetectionInterval time.Duration
	// MinConfidence is the detection confidence floor (default 0.5)
	MinConfidence float64
	// MaxObjects bounds how many objects one sentence narrates
	// (default 5)
	MaxObjects int
}

func (c *Config) applyDefaults() {
	if c.DetectionInterval <= 0 {
		c.DetectionInterval = 4 * time.Second
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.5
	}
	if c.MaxObjects <= 0 {
		c.MaxObjects = 5
	}
}

// Stats are the engine's operational counters.
type Stats struct {
	State           State     `json:"state"`
	Cycles          uint64    `json:"cycles"`
	SkippedCycles   uint64    `json:"skipped_cycles"`
	DetectFailures  uint64    `json:"detect_failures"`
	BackendSwitched bool      `json:"backend_switched"`
	Descriptions    uint64    `json:"descriptions"`
	LastCycleAt     time.Time `json:"last_cycle_at"`
	LastDescription string    `json:"last_description"`
}

// Options wires the engine's collaborators. Detector and FrameSource
// are required for Start to do anything; Identities, Dispatcher and
// Emitter are optional and their absence degrades the output, not the
// loop.
type Options struct {
	InstanceID string
	Config     Config
	Source     FrameSource
	Detector   detect.Provider
	Identities identity.Provider
	Dispatcher *narrate.Dispatcher
	Emitter    *narrate.Emitter
}

// Engine is the scene narration engine. Lifecycle:
// New → (Configure/AttachFrameSource) → Start → Stop. All methods are
// safe to call from any goroutine; Stop is idempotent and never
// panics.
type Engine struct {
	instanceID string
	detector   detect.Provider
	identities identity.Provider
	dispatcher *narrate.Dispatcher
	emitter    *narrate.Emitter
	correlator *correlate.Correlator

	mu      sync.RWMutex
	cfg     Config
	source  FrameSource
	state   State
	timer   *time.Timer
	runCtx  context.Context
	cancel  context.CancelFunc
	started time.Time
	// gen identifies the current run; a cycle re-arms the loop only
	// for its own generation, so a cycle surviving a stop/start does
	// not spawn a second chain
	gen uint64
	// busy is set while a cycle is executing; a restart during a
	// draining cycle defers its first cycle to the drain point
	busy bool

	cycles          uint64
	skipped         uint64
	detectFailures  uint64
	backendSwitched bool
	descriptions    uint64
	lastCycleAt     time.Time
	lastDescription string
}

// New creates an engine. The dispatcher, when present, is bound to the
// engine's running state so a stop during the narration debounce
// suppresses the utterance.
func New(opts Options) *Engine {
	opts.Config.applyDefaults()

	e := &Engine{
		instanceID: opts.InstanceID,
		detector:   opts.Detector,
		identities: opts.Identities,
		dispatcher: opts.Dispatcher,
		emitter:    opts.Emitter,
		correlator: correlate.New(),
		cfg:        opts.Config,
		source:     opts.Source,
		state:      StateIdle,
	}
	if e.dispatcher != nil {
		e.dispatcher.SetGate(e.IsRunning)
	}
	return e
}

// Configure updates the engine's tunable parameters. Zero fields keep
// their defaults. Takes effect on the next cycle.
func (e *Engine) Configure(cfg Config) {
	cfg.applyDefaults()

	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()

	slog.Info("engine configured",
		"detection_interval", cfg.DetectionInterval,
		"min_confidence", cfg.MinConfidence,
		"max_objects", cfg.MaxObjects,
	)
}

// Config returns the engine's current tunable parameters.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// AttachFrameSource sets the frame source consumed by the loop.
func (e *Engine) AttachFrameSource(src FrameSource) {
	e.mu.Lock()
	e.source = src
	e.mu.Unlock()
}

// Start moves the engine to Running and schedules the first cycle.
// A no-op when already running. A misconfigured engine (no frame
// source or no detector) logs an error and stays Idle rather than
// failing its host.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateRunning {
		slog.Debug("engine already running, start ignored")
		return
	}
	if e.source == nil {
		slog.Error("cannot start narration engine: no frame source attached")
		return
	}
	if e.detector == nil {
		slog.Error("cannot start narration engine: no detection provider")
		return
	}

	e.state = StateRunning
	e.started = time.Now()
	e.runCtx, e.cancel = context.WithCancel(context.Background())
	e.gen++
	gen := e.gen

	// First cycle fires immediately; each cycle arms the next one
	// only after it completes, so cycles never overlap. If a cycle
	// of a previous run is still draining, it hands off to this run
	// when it finishes instead.
	if !e.busy {
		e.timer = time.AfterFunc(0, func() { e.cycle(gen) })
	}

	slog.Info("narration engine started",
		"detection_interval", e.cfg.DetectionInterval,
	)
}

// Stop moves the engine to Idle: no further cycle starts, the pending
// timer is cancelled, in-flight detection is aborted and in-flight
// narration cancelled. Safe to call at any point, repeatedly, from any
// goroutine, including narration callbacks.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state == StateIdle {
		e.mu.Unlock()
		return
	}
	e.state = StateIdle
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if e.dispatcher != nil {
		e.dispatcher.CancelActive()
	}

	slog.Info("narration engine stopped")
}

// IsRunning reports whether the engine is in the Running state.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == StateRunning
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return Stats{
		State:           e.state,
		Cycles:          e.cycles,
		SkippedCycles:   e.skipped,
		DetectFailures:  e.detectFailures,
		BackendSwitched: e.backendSwitched,
		Descriptions:    e.descriptions,
		LastCycleAt:     e.lastCycleAt,
		LastDescription: e.lastDescription,
	}
}

// cycle is one pass of the detection loop for the given run
// generation. It always ends by arming the next cycle, unless the
// engine was stopped meanwhile.
func (e *Engine) cycle(gen uint64) {
	e.mu.Lock()
	// Stop, or a stop/start restart, won the race with the timer
	if e.state != StateRunning || gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.busy = true
	cfg := e.cfg
	source := e.source
	ctx := e.runCtx
	e.mu.Unlock()

	frame := source.CurrentFrame()
	if !frame.Ready() {
		slog.Debug("frame source not ready, skipping cycle")
		e.mu.Lock()
		e.skipped++
		e.mu.Unlock()
		e.finish(gen, cfg.DetectionInterval)
		return
	}

	dets := e.detectWithRecovery(ctx, frame)
	filtered := detect.Filter(dets, cfg.MinConfidence, cfg.MaxObjects)

	var ids []types.RecognizedIdentity
	if e.identities != nil {
		ids = e.identities.Current()
	}

	matches := e.correlator.Correlate(filtered, ids)
	labels := describe.Labels(filtered, matches)

	e.mu.Lock()
	e.cycles++
	e.lastCycleAt = time.Now()
	e.mu.Unlock()

	sentence, ok := describe.Sentence(labels)
	if ok {
		e.narrate(frame, sentence, labels)
	} else {
		slog.Debug("nothing above threshold, no narration this cycle",
			"frame_seq", frame.Seq,
		)
	}

	e.finish(gen, cfg.DetectionInterval)
}

// detectWithRecovery runs the detection pass with the backend-fault
// policy: on a fault, switch to the fallback backend (sticky for the
// process lifetime) and retry exactly once; any remaining failure
// degrades the cycle to zero detections. Nothing propagates out.
func (e *Engine) detectWithRecovery(ctx context.Context, frame *types.Frame) []types.Detection {
	dets, err := e.detector.Detect(ctx, frame)
	if err == nil {
		return dets
	}

	if !detect.IsBackendFault(err) {
		slog.Error("detection pass failed, treating cycle as empty",
			"error", err,
			"frame_seq", frame.Seq,
		)
		e.countDetectFailure(false)
		return nil
	}

	slog.Warn("detection backend fault, switching backend and retrying",
		"error", err,
		"backend", e.detector.ActiveBackend(),
	)
	e.detector.SwitchBackend()

	dets, err = e.detector.Detect(ctx, frame)
	if err != nil {
		slog.Error("detection retry on fallback backend failed, treating cycle as empty",
			"error", err,
			"frame_seq", frame.Seq,
		)
		e.countDetectFailure(true)
		return nil
	}

	e.mu.Lock()
	e.backendSwitched = true
	e.mu.Unlock()

	return dets
}

// narrate dispatches the sentence and publishes the description event.
func (e *Engine) narrate(frame *types.Frame, sentence string, labels []string) {
	e.mu.Lock()
	e.descriptions++
	e.lastDescription = sentence
	e.mu.Unlock()

	if e.dispatcher != nil {
		e.dispatcher.Dispatch(sentence)
	} else {
		slog.Info("scene description", "text", sentence)
	}

	if e.emitter != nil {
		desc := narrate.Description{
			InstanceID: e.instanceID,
			Text:       sentence,
			Labels:     labels,
			TraceID:    frame.TraceID,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.emitter.Publish(desc); err != nil {
			slog.Warn("failed to publish description", "error", err)
		}
	}
}

// finish ends one cycle: arm the next one for the same run, hand off
// to a run started while this cycle was draining, or let the chain die
// when the engine was stopped.
func (e *Engine) finish(gen uint64, interval time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.busy = false
	if e.state != StateRunning {
		return
	}
	if gen == e.gen {
		e.timer = time.AfterFunc(interval, func() { e.cycle(gen) })
		return
	}

	// The engine was stopped and restarted under this cycle. The new
	// run deferred its first cycle to keep a single chain; start it
	// now that this one has drained.
	next := e.gen
	e.timer = time.AfterFunc(0, func() { e.cycle(next) })
}

func (e *Engine) countDetectFailure(switched bool) {
	e.mu.Lock()
	e.detectFailures++
	if switched {
		e.backendSwitched = true
	}
	e.mu.Unlock()
}
