package detect

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/echosight/narrator/internal/types"
)

// ServiceConfig configures a ServiceProvider.
type ServiceConfig struct {
	// PrimaryEndpoint is the base URL of the primary compute backend
	// (typically the GPU deployment of the inference service)
	PrimaryEndpoint string
	// FallbackEndpoint is the base URL of the fallback backend
	// (typically a CPU deployment)
	FallbackEndpoint string
	// Timeout bounds a single detection request
	Timeout time.Duration
}

// ServiceProvider implements Provider against an HTTP inference
// service exposed on two endpoints, one per compute backend.
type ServiceProvider struct {
	primary  string
	fallback string
	client   *http.Client

	mu      sync.RWMutex
	backend Backend
}

// NewServiceProvider creates a detection provider on its primary backend.
func NewServiceProvider(cfg ServiceConfig) (*ServiceProvider, error) {
	if cfg.PrimaryEndpoint == "" {
		return nil, fmt.Errorf("primary endpoint is required")
	}
	if cfg.FallbackEndpoint == "" {
		cfg.FallbackEndpoint = cfg.PrimaryEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &ServiceProvider{
		primary:  cfg.PrimaryEndpoint,
		fallback: cfg.FallbackEndpoint,
		client:   &http.Client{Timeout: cfg.Timeout},
		backend:  BackendPrimary,
	}, nil
}

// detectRequest is the wire format sent to the inference service.
type detectRequest struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
	Image  string `json:"image"` // base64-encoded frame data
}

// detectResponse is the wire format returned by the inference service.
type detectResponse struct {
	Detections []types.Detection `json:"detections"`
	Error      string            `json:"error,omitempty"`
}

// Detect implements Provider. Connection failures and 5xx responses
// are reported as backend faults; anything else is an ordinary
// detection error.
func (p *ServiceProvider) Detect(ctx context.Context, frame *types.Frame) ([]types.Detection, error) {
	backend := p.ActiveBackend()
	endpoint := p.endpointFor(backend)

	body, err := json.Marshal(detectRequest{
		Width:  frame.Width,
		Height: frame.Height,
		Format: "rgb24",
		Image:  base64.StdEncoding.EncodeToString(frame.Data),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode detect request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		endpoint+"/v1/detect", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build detect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		// The caller aborting the request says nothing about the
		// backend's health
		if ctx.Err() != nil {
			return nil, fmt.Errorf("detect request aborted: %w", err)
		}
		// Service unreachable: the compute context is gone
		return nil, &BackendError{Backend: backend, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		// The inference runtime crashed on this frame
		return nil, &BackendError{
			Backend: backend,
			Err:     fmt.Errorf("inference service returned %s", resp.Status),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detect request rejected: %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read detect response: %w", err)
	}

	var out detectResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse detect response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("detect failed: %s", out.Error)
	}

	slog.Debug("detection pass complete",
		"backend", backend,
		"frame_seq", frame.Seq,
		"detections", len(out.Detections),
	)

	return out.Detections, nil
}

// SwitchBackend implements Provider. Once on the fallback backend the
// provider stays there; there is no automatic switch back.
func (p *ServiceProvider) SwitchBackend() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.backend == BackendFallback {
		return
	}
	p.backend = BackendFallback

	slog.Warn("detection provider switched to fallback backend",
		"endpoint", p.fallback,
	)
}

// ActiveBackend implements Provider.
func (p *ServiceProvider) ActiveBackend() Backend {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.backend
}

func (p *ServiceProvider) endpointFor(b Backend) string {
	if b == BackendFallback {
		return p.fallback
	}
	return p.primary
}
