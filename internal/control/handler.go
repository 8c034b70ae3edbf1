// Package control is the MQTT control plane for the narration engine:
// the companion app starts, stops, mutes and reconfigures narration by
// publishing commands to the control topic.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnStart     func()
	OnStop      func()
	OnGetStatus func() map[string]interface{}
	OnConfigure func(params map[string]interface{}) error
	OnMute      func()
	OnUnmute    func()
}

// Config contains the handler's topic settings.
type Config struct {
	ControlTopic  string
	ResponseTopic string
	QoS           byte
}

// Handler handles control plane commands
type Handler struct {
	cfg      Config
	client   mqtt.Client
	commands chan Command

	callbacks CommandCallbacks
}

// NewHandler creates a new control plane handler on an already
// connected client.
func NewHandler(cfg Config, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	if cfg.ResponseTopic == "" {
		cfg.ResponseTopic = cfg.ControlTopic + "/response"
	}
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
	}
}

// Start starts listening for control commands
func (h *Handler) Start(ctx context.Context) error {
	slog.Info("subscribing to control plane",
		"topic", h.cfg.ControlTopic,
		"qos", h.cfg.QoS,
	)

	token := h.client.Subscribe(h.cfg.ControlTopic, h.cfg.QoS, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control plane handler started")

	go h.processCommands(ctx)

	return nil
}

// Stop stops the control plane handler
func (h *Handler) Stop() error {
	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.ControlTopic)
		token.Wait()
	}

	close(h.commands)

	slog.Info("control plane handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.handleCommand(cmd)
		}
	}
}

// handleCommand executes a command
func (h *Handler) handleCommand(cmd Command) {
	var resp Response
	resp.CommandAck = cmd.Command

	switch cmd.Command {
	case "start":
		if h.callbacks.OnStart != nil {
			h.callbacks.OnStart()
			resp.Status = "success"
			resp.Data = map[string]interface{}{"narrating": true}
		} else {
			resp.Status = "error"
			resp.Error = "start not implemented"
		}

	case "stop":
		if h.callbacks.OnStop != nil {
			h.callbacks.OnStop()
			resp.Status = "success"
			resp.Data = map[string]interface{}{"narrating": false}
		} else {
			resp.Status = "error"
			resp.Error = "stop not implemented"
		}

	case "get_status":
		if h.callbacks.OnGetStatus != nil {
			resp.Status = "success"
			resp.Data = h.callbacks.OnGetStatus()
		} else {
			resp.Status = "error"
			resp.Error = "get_status not implemented"
		}

	case "configure":
		if h.callbacks.OnConfigure != nil {
			if err := h.callbacks.OnConfigure(cmd.Params); err != nil {
				resp.Status = "error"
				resp.Error = err.Error()
			} else {
				resp.Status = "success"
				resp.Data = map[string]interface{}{"config_updated": true}
			}
		} else {
			resp.Status = "error"
			resp.Error = "configure not implemented"
		}

	case "mute":
		if h.callbacks.OnMute != nil {
			h.callbacks.OnMute()
			resp.Status = "success"
			resp.Data = map[string]interface{}{"muted": true}
		} else {
			resp.Status = "error"
			resp.Error = "mute not implemented"
		}

	case "unmute":
		if h.callbacks.OnUnmute != nil {
			h.callbacks.OnUnmute()
			resp.Status = "success"
			resp.Data = map[string]interface{}{"muted": false}
		} else {
			resp.Status = "error"
			resp.Error = "unmute not implemented"
		}

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	h.sendResponse(resp)
}

// sendResponse publishes a command response
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.cfg.ResponseTopic, h.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
