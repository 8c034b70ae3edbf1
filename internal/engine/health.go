package engine

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// HealthStatus represents the health state of the narration service
type HealthStatus struct {
	Status          string `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds   int64  `json:"uptime_seconds"`
	EngineState     State  `json:"engine_state"`
	FrameReady      bool   `json:"frame_ready"`
	MQTTConnected   bool   `json:"mqtt_connected"`
	BackendSwitched bool   `json:"backend_switched"`
	Cycles          uint64 `json:"cycles"`
	SkippedCycles   uint64 `json:"skipped_cycles"`
	DetectFailures  uint64 `json:"detect_failures"`
	Descriptions    uint64 `json:"descriptions"`
	LastDescription string `json:"last_description,omitempty"`
}

// HealthCheck returns the current health status of the service
func (e *Engine) HealthCheck() HealthStatus {
	stats := e.Stats()

	e.mu.RLock()
	source := e.source
	started := e.started
	e.mu.RUnlock()

	status := HealthStatus{
		Status:          "healthy",
		EngineState:     stats.State,
		BackendSwitched: stats.BackendSwitched,
		Cycles:          stats.Cycles,
		SkippedCycles:   stats.SkippedCycles,
		DetectFailures:  stats.DetectFailures,
		Descriptions:    stats.Descriptions,
		LastDescription: stats.LastDescription,
	}
	if stats.State == StateRunning {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if source != nil {
		status.FrameReady = source.CurrentFrame().Ready()
	}
	if e.emitter != nil {
		status.MQTTConnected = e.emitter.Connected()
	}

	// A switched backend still narrates, but on degraded compute
	if stats.BackendSwitched {
		status.Status = "degraded"
	}
	if stats.State == StateRunning && !status.FrameReady {
		status.Status = "degraded"
	}

	return status
}

// StartHealthServer starts the HTTP health endpoint (non-blocking)
func (e *Engine) StartHealthServer(port string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := e.HealthCheck()

		w.Header().Set("Content-Type", "application/json")
		if status.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			slog.Error("failed to encode health response", "error", err)
		}
	})

	server := &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	go func() {
		slog.Info("health server listening", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server failed", "error", err)
		}
	}()

	return nil
}
