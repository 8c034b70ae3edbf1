// Package stream provides frame sources for the narration engine. The
// engine samples one frame every few seconds, so sources keep only the
// latest decoded frame; there is no queue to fall behind on.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/echosight/narrator/internal/types"
)

// Capture pulls frames from an RTSP camera through GStreamer and keeps
// the latest one as a snapshot for the engine.
type Capture struct {
	// Configuration
	rtspURL   string
	width     int
	height    int
	targetFPS int

	// GStreamer pipeline
	pipeline *gst.Pipeline
	appsink  *app.Sink

	// Latest frame snapshot
	mu     sync.RWMutex
	latest *types.Frame
	paused bool

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Stats
	frameCount uint64
	reconnects uint32

	// Reconnection
	maxRetries     int
	retryDelay     time.Duration
	maxRetryDelay  time.Duration
	currentRetries int
}

// CaptureConfig contains capture configuration
type CaptureConfig struct {
	RTSPURL string
	Width   int
	Height  int
	FPS     int
}

// NewCapture creates an RTSP capture source.
func NewCapture(cfg CaptureConfig) (*Capture, error) {
	if cfg.RTSPURL == "" {
		return nil, fmt.Errorf("rtsp_url is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid resolution: %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 15
	}

	return &Capture{
		rtspURL:       cfg.RTSPURL,
		width:         cfg.Width,
		height:        cfg.Height,
		targetFPS:     cfg.FPS,
		maxRetries:    5,
		retryDelay:    1 * time.Second,
		maxRetryDelay: 30 * time.Second,
	}, nil
}

// Start initializes GStreamer and starts the capture pipeline
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return fmt.Errorf("capture already started")
	}

	// Initialize GStreamer
	gst.Init(nil)

	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.runPipeline()

	slog.Info("rtsp capture starting",
		"url", c.rtspURL,
		"resolution", fmt.Sprintf("%dx%d", c.width, c.height),
		"target_fps", c.targetFPS,
	)

	return nil
}

// Stop tears the pipeline down and clears the snapshot.
func (c *Capture) Stop() error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.latest = nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	c.wg.Wait()

	slog.Info("rtsp capture stopped")
	return nil
}

// CurrentFrame implements engine.FrameSource. Returns nil while paused
// or before the first frame arrives.
func (c *Capture) CurrentFrame() *types.Frame {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.paused {
		return nil
	}
	return c.latest
}

// SetPaused suspends (or resumes) the snapshot without tearing the
// pipeline down. The engine treats a paused source as not ready.
func (c *Capture) SetPaused(paused bool) {
	c.mu.Lock()
	c.paused = paused
	c.mu.Unlock()

	slog.Info("capture pause state changed", "paused", paused)
}

// runPipeline runs the GStreamer pipeline with reconnection logic
func (c *Capture) runPipeline() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			slog.Info("capture pipeline context cancelled")
			return
		default:
		}

		err := c.connectAndStream()
		if err != nil {
			slog.Error("capture pipeline error", "error", err)
		}

		select {
		case <-c.ctx.Done():
			return
		default:
		}

		// Reconnection logic
		c.currentRetries++
		atomic.AddUint32(&c.reconnects, 1)

		if c.currentRetries > c.maxRetries {
			slog.Error("max retries exceeded, stopping capture",
				"retries", c.currentRetries,
				"max_retries", c.maxRetries,
			)
			return
		}

		// Exponential backoff
		delay := c.retryDelay * time.Duration(1<<uint(c.currentRetries-1))
		if delay > c.maxRetryDelay {
			delay = c.maxRetryDelay
		}

		slog.Warn("reconnecting to rtsp stream",
			"retry", c.currentRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
			continue
		case <-c.ctx.Done():
			return
		}
	}
}

// connectAndStream establishes the RTSP connection and pulls frames
// until the pipeline dies or the context is cancelled
func (c *Capture) connectAndStream() error {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	c.pipeline = pipeline

	// protocols=4 (TCP) required for go2rtc compatibility
	rtspsrc, err := gst.NewElement("rtspsrc")
	if err != nil {
		return fmt.Errorf("failed to create rtspsrc: %w", err)
	}
	rtspsrc.SetProperty("location", c.rtspURL)
	rtspsrc.SetProperty("protocols", 4) // TCP
	rtspsrc.SetProperty("latency", 200)

	rtph264depay, _ := gst.NewElement("rtph264depay")
	avdecH264, _ := gst.NewElement("avdec_h264")
	videoconvert, _ := gst.NewElement("videoconvert")
	videoscale, _ := gst.NewElement("videoscale")

	videorate, _ := gst.NewElement("videorate")
	videorate.SetProperty("drop-only", true) // Only drop frames, don't duplicate
	videorate.SetProperty("skip-to-first", true)

	capsfilter, _ := gst.NewElement("capsfilter")
	caps := gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/1",
		c.width, c.height, c.targetFPS,
	))
	capsfilter.SetProperty("caps", caps)

	appsink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("failed to create appsink: %w", err)
	}
	c.appsink = appsink

	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return c.onNewSample(sink)
		},
	})

	pipeline.AddMany(rtspsrc, rtph264depay, avdecH264, videoconvert, videoscale, videorate, capsfilter, appsink.Element)

	// rtspsrc has dynamic pads, linked in the pad-added callback below
	gst.ElementLinkMany(rtph264depay, avdecH264, videoconvert, videoscale, videorate, capsfilter, appsink.Element)

	rtspsrc.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		slog.Debug("rtspsrc pad added", "pad", srcPad.GetName())
		sinkPad := rtph264depay.GetStaticPad("sink")
		if sinkPad != nil {
			srcPad.Link(sinkPad)
		}
	})

	slog.Debug("setting pipeline to playing")
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to set pipeline to playing: %w", err)
	}

	// Process bus messages, polling so shutdown stays responsive
	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-c.ctx.Done():
			slog.Debug("context cancelled, stopping pipeline")
			pipeline.SetState(gst.StateNull)
			return nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("end of stream")
			return nil

		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Error("pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
			)
			return fmt.Errorf("pipeline error: %w", gerr)

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				old, next := msg.ParseStateChanged()
				slog.Debug("pipeline state changed", "from", old, "to", next)

				if next == gst.StatePlaying {
					c.currentRetries = 0
					slog.Info("rtsp stream connected successfully")
				}
			}
		}
	}
}

// onNewSample replaces the latest-frame snapshot with the new frame
func (c *Capture) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowError
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	defer buffer.Unmap()

	if len(data) == 0 {
		return gst.FlowOK
	}

	// Copy out of the GStreamer buffer; the snapshot outlives the sample
	frameData := make([]byte, len(data))
	copy(frameData, data)

	frame := &types.Frame{
		Data:      frameData,
		Width:     c.width,
		Height:    c.height,
		Timestamp: time.Now(),
		Seq:       atomic.AddUint64(&c.frameCount, 1),
		TraceID:   uuid.New().String(),
	}

	c.mu.Lock()
	c.latest = frame
	c.mu.Unlock()

	return gst.FlowOK
}

// Stats returns capture counters.
func (c *Capture) Stats() (frames uint64, reconnects uint32) {
	return atomic.LoadUint64(&c.frameCount), atomic.LoadUint32(&c.reconnects)
}
