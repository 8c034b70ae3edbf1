// Package narrate dispatches rendered scene descriptions to an audio
// narration sink.
package narrate

import (
	"log/slog"
	"sync"
	"time"
)

// Params are the fixed utterance parameters. They come from
// configuration, never computed per description.
type Params struct {
	Rate     float64
	Pitch    float64
	Volume   float64
	Language string
}

// Sink is the audio-narration collaborator. Both operations are
// fire-and-forget; no result value is observed by the caller.
type Sink interface {
	// Speak submits one utterance
	Speak(text string, p Params)
	// Cancel stops any narration currently in progress
	Cancel()
}

// Dispatcher serializes utterances to the sink: cancel whatever is
// playing, wait a short debounce for the cancellation to settle, then
// submit the new utterance — unless narration was stopped or muted in
// the meantime.
type Dispatcher struct {
	sink     Sink
	params   Params
	debounce time.Duration
	// gate reports whether narration may still proceed; the engine
	// supplies its running check so a stop issued during the
	// debounce window suppresses the utterance
	gate func() bool

	mu         sync.Mutex
	muted      bool
	spoken     uint64
	suppressed uint64
}

// NewDispatcher creates a dispatcher. sink may be nil: descriptions
// are then logged and counted but never spoken, which keeps the
// pipeline observable without audio hardware.
func NewDispatcher(sink Sink, params Params, debounce time.Duration, gate func() bool) *Dispatcher {
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	if gate == nil {
		gate = func() bool { return true }
	}
	return &Dispatcher{
		sink:     sink,
		params:   params,
		debounce: debounce,
		gate:     gate,
	}
}

// SetGate binds the narration gate, typically the engine's running
// check. Call before the loop starts; the gate is not re-bindable
// concurrently with Dispatch.
func (d *Dispatcher) SetGate(gate func() bool) {
	if gate != nil {
		d.gate = gate
	}
}

// Dispatch sends one non-empty description to the sink. It blocks for
// the debounce delay; the engine's cycle tolerates that, the next
// cycle is scheduled only after the current one completes.
func (d *Dispatcher) Dispatch(text string) {
	if text == "" {
		return
	}
	if d.sink == nil {
		slog.Info("narration sink absent, skipping dispatch", "text", text)
		return
	}
	if d.Muted() {
		d.count(&d.suppressed)
		slog.Debug("narration muted, dropping description", "text", text)
		return
	}

	d.sink.Cancel()
	time.Sleep(d.debounce)

	if !d.gate() || d.Muted() {
		d.count(&d.suppressed)
		slog.Debug("narration suppressed after debounce", "text", text)
		return
	}

	d.sink.Speak(text, d.params)
	d.count(&d.spoken)

	slog.Info("narration dispatched", "text", text)
}

// CancelActive stops in-flight narration, if any. Safe with a nil
// sink and safe to call repeatedly.
func (d *Dispatcher) CancelActive() {
	if d.sink != nil {
		d.sink.Cancel()
	}
}

// SetMuted suppresses (or restores) dispatch while leaving the
// detection loop running.
func (d *Dispatcher) SetMuted(muted bool) {
	d.mu.Lock()
	d.muted = muted
	d.mu.Unlock()
}

// Muted reports whether dispatch is currently suppressed.
func (d *Dispatcher) Muted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.muted
}

// Stats returns dispatch counters.
func (d *Dispatcher) Stats() (spoken, suppressed uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.spoken, d.suppressed
}

func (d *Dispatcher) count(c *uint64) {
	d.mu.Lock()
	*c++
	d.mu.Unlock()
}
