package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/echosight/narrator/internal/config"
	"github.com/echosight/narrator/internal/control"
	"github.com/echosight/narrator/internal/detect"
	"github.com/echosight/narrator/internal/engine"
	"github.com/echosight/narrator/internal/identity"
	"github.com/echosight/narrator/internal/narrate"
	"github.com/echosight/narrator/internal/stream"
)

const (
	defaultConfigPath = "config/narrator.yaml"
	healthCheckPort   = "8080"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Setup structured logger
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting narrator service",
		"config", *configPath,
		"debug", *debug,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	svc, err := buildService(ctx, cfg)
	if err != nil {
		slog.Error("failed to build narrator service", "error", err)
		os.Exit(1)
	}

	if err := svc.engine.StartHealthServer(healthCheckPort); err != nil {
		slog.Error("failed to start health check server", "error", err)
		os.Exit(1)
	}

	svc.engine.Start()

	// Wait for shutdown signal
	sig := <-sigChan
	slog.Info("received shutdown signal", "signal", sig)
	cancel()

	shutdownTimeout := time.Duration(cfg.ShutdownTimeoutS) * time.Second
	if shutdownTimeout == 0 {
		shutdownTimeout = 5 * time.Second
	}
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	done := make(chan struct{})
	go func() {
		svc.shutdown()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("narrator service stopped successfully")
	case <-time.After(shutdownTimeout):
		slog.Error("shutdown timed out")
		os.Exit(1)
	}
}

// service holds the wired components for shutdown ordering.
type service struct {
	engine  *engine.Engine
	capture *stream.Capture
	handler *control.Handler
	emitter *narrate.Emitter
	sink    *narrate.BridgeSink
}

// buildService wires the collaborators per the configuration.
func buildService(ctx context.Context, cfg *config.Config) (*service, error) {
	svc := &service{}

	// Detection provider with primary/fallback compute backends
	detector, err := detect.NewServiceProvider(detect.ServiceConfig{
		PrimaryEndpoint:  cfg.Detector.PrimaryEndpoint,
		FallbackEndpoint: cfg.Detector.FallbackEndpoint,
		Timeout:          time.Duration(cfg.Detector.TimeoutS) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create detection provider: %w", err)
	}

	// MQTT emitter owns the broker connection
	svc.emitter = narrate.NewEmitter(narrate.EmitterConfig{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.InstanceID,
		Topic:       cfg.MQTT.Topics.Descriptions,
		QoS:         cfg.MQTT.QoS["descriptions"],
		HealthTopic: cfg.MQTT.Topics.Health,
		HealthQoS:   cfg.MQTT.QoS["health"],
	})
	if err := svc.emitter.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect mqtt: %w", err)
	}

	// Identity feed shares the emitter's client
	identities := identity.NewStore()
	if err := identities.Subscribe(svc.emitter.Client,
		cfg.MQTT.Topics.Identities, cfg.MQTT.QoS["identities"]); err != nil {
		return nil, fmt.Errorf("failed to subscribe identity feed: %w", err)
	}

	// Speech sink is optional; without it descriptions are logged
	// and published but not spoken
	if cfg.Speech.BridgeURL != "" {
		sink, err := narrate.NewBridgeSink(cfg.Speech.BridgeURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect speech bridge: %w", err)
		}
		svc.sink = sink
	} else {
		slog.Warn("no speech bridge configured, narration will not be audible")
	}

	var sink narrate.Sink
	if svc.sink != nil {
		sink = svc.sink
	}
	dispatcher := narrate.NewDispatcher(sink, narrate.Params{
		Rate:     cfg.Speech.Rate,
		Pitch:    cfg.Speech.Pitch,
		Volume:   cfg.Speech.Volume,
		Language: cfg.Speech.Language,
	}, time.Duration(cfg.Speech.DebounceMS)*time.Millisecond, nil)

	// Frame source: RTSP camera, or synthetic when none configured
	var source engine.FrameSource
	width, height := parseResolution(cfg.Camera.Resolution)
	if cfg.Camera.RTSPURL != "" {
		capture, err := stream.NewCapture(stream.CaptureConfig{
			RTSPURL: cfg.Camera.RTSPURL,
			Width:   width,
			Height:  height,
			FPS:     cfg.Camera.FPS,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create rtsp capture: %w", err)
		}
		if err := capture.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start rtsp capture: %w", err)
		}
		svc.capture = capture
		source = capture
		slog.Info("using rtsp capture", "url", cfg.Camera.RTSPURL)
	} else {
		source = stream.NewSynthetic(width, height)
		slog.Info("using synthetic frame source (no rtsp_url configured)")
	}

	svc.engine = engine.New(engine.Options{
		InstanceID: cfg.InstanceID,
		Config: engine.Config{
			DetectionInterval: time.Duration(cfg.Engine.DetectionIntervalMS) * time.Millisecond,
			MinConfidence:     cfg.Engine.MinConfidence,
			MaxObjects:        cfg.Engine.MaxObjects,
		},
		Source:     source,
		Detector:   detector,
		Identities: identities,
		Dispatcher: dispatcher,
		Emitter:    svc.emitter,
	})

	// Control plane shares the emitter's client
	svc.handler = control.NewHandler(control.Config{
		ControlTopic: cfg.MQTT.Topics.Control,
		QoS:          cfg.MQTT.QoS["control"],
	}, svc.emitter.Client, control.CommandCallbacks{
		OnStart: svc.engine.Start,
		OnStop:  svc.engine.Stop,
		OnGetStatus: func() map[string]interface{} {
			stats := svc.engine.Stats()
			return map[string]interface{}{
				"state":            stats.State,
				"cycles":           stats.Cycles,
				"descriptions":     stats.Descriptions,
				"detect_failures":  stats.DetectFailures,
				"backend_switched": stats.BackendSwitched,
				"last_description": stats.LastDescription,
				"muted":            dispatcher.Muted(),
			}
		},
		OnConfigure: func(params map[string]interface{}) error {
			return applyConfigure(svc.engine, params)
		},
		OnMute:   func() { dispatcher.SetMuted(true) },
		OnUnmute: func() { dispatcher.SetMuted(false) },
	})
	if err := svc.handler.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start control plane: %w", err)
	}

	return svc, nil
}

// applyConfigure merges a configure command's params into the engine
// config. Unknown keys are rejected so a typo doesn't silently keep
// the old value.
func applyConfigure(eng *engine.Engine, params map[string]interface{}) error {
	cfg := eng.Config()

	for key, value := range params {
		num, ok := value.(float64)
		if !ok {
			return fmt.Errorf("parameter %q must be a number", key)
		}

		switch key {
		case "detection_interval_ms":
			if num <= 0 {
				return fmt.Errorf("detection_interval_ms must be > 0")
			}
			cfg.DetectionInterval = time.Duration(num) * time.Millisecond
		case "min_confidence":
			if num < 0 || num > 1 {
				return fmt.Errorf("min_confidence must be in [0,1]")
			}
			cfg.MinConfidence = num
		case "max_objects":
			if num < 1 {
				return fmt.Errorf("max_objects must be >= 1")
			}
			cfg.MaxObjects = int(num)
		default:
			return fmt.Errorf("unknown parameter %q", key)
		}
	}

	eng.Configure(cfg)
	return nil
}

// shutdown stops components in dependency order.
func (s *service) shutdown() {
	// 1. Stop the engine first (cancels narration and pending cycles)
	if s.engine != nil {
		s.engine.Stop()
	}

	// 2. Stop the camera (no more frames needed)
	if s.capture != nil {
		if err := s.capture.Stop(); err != nil {
			slog.Error("failed to stop capture", "error", err)
		}
	}

	// 3. Stop control plane
	if s.handler != nil {
		if err := s.handler.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}

	// 4. Close speech bridge
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			slog.Error("failed to close speech bridge", "error", err)
		}
	}

	// 5. Disconnect MQTT
	if s.emitter != nil {
		if err := s.emitter.Disconnect(); err != nil {
			slog.Error("failed to disconnect mqtt", "error", err)
		}
	}
}

// parseResolution converts resolution string to width/height
func parseResolution(res string) (width, height int) {
	switch res {
	case "320p":
		return 426, 320
	case "480p":
		return 640, 480
	case "720p":
		return 1280, 720
	case "1080p":
		return 1920, 1080
	default:
		slog.Warn("unknown resolution, using default", "resolution", res, "default", "640x480")
		return 640, 480
	}
}
