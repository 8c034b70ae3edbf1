package narrate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// BridgeSink implements Sink against a websocket TTS bridge: a small
// service sitting next to the speaker hardware that synthesizes and
// plays utterances. The bridge protocol is one JSON message per
// command; the sink never waits for replies.
type BridgeSink struct {
	url string

	mu   sync.Mutex // guards conn; websocket writers are not concurrent-safe
	conn *websocket.Conn
}

// speakMessage is the bridge wire format for one utterance.
type speakMessage struct {
	Type        string  `json:"type"` // "speak"
	UtteranceID string  `json:"utterance_id"`
	Text        string  `json:"text"`
	Rate        float64 `json:"rate"`
	Pitch       float64 `json:"pitch"`
	Volume      float64 `json:"volume"`
	Language    string  `json:"language"`
}

// cancelMessage stops whatever the bridge is playing.
type cancelMessage struct {
	Type string `json:"type"` // "cancel"
}

// NewBridgeSink connects to the TTS bridge.
func NewBridgeSink(url string) (*BridgeSink, error) {
	if url == "" {
		return nil, fmt.Errorf("bridge url is required")
	}

	s := &BridgeSink{url: url}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *BridgeSink) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to speech bridge: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	slog.Info("speech bridge connected", "url", s.url)
	return nil
}

// Speak implements Sink. Errors are logged, not returned: narration is
// fire-and-forget and the worst outcome is a silent cycle.
func (s *BridgeSink) Speak(text string, p Params) {
	msg := speakMessage{
		Type:        "speak",
		UtteranceID: uuid.NewString(),
		Text:        text,
		Rate:        p.Rate,
		Pitch:       p.Pitch,
		Volume:      p.Volume,
		Language:    p.Language,
	}
	if err := s.send(msg); err != nil {
		slog.Error("failed to send utterance to speech bridge",
			"error", err,
			"utterance_id", msg.UtteranceID,
		)
	}
}

// Cancel implements Sink.
func (s *BridgeSink) Cancel() {
	if err := s.send(cancelMessage{Type: "cancel"}); err != nil {
		slog.Error("failed to send cancel to speech bridge", "error", err)
	}
}

// send marshals and writes one message, reconnecting once on a dead
// connection.
func (s *BridgeSink) send(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal bridge message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		if err := s.reconnectLocked(); err != nil {
			return err
		}
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err == nil {
		return nil
	}

	// One reconnect attempt, then give up until the next message
	if err := s.reconnectLocked(); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *BridgeSink) reconnectLocked() error {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("speech bridge reconnect failed: %w", err)
	}
	s.conn = conn

	slog.Info("speech bridge reconnected", "url", s.url)
	return nil
}

// Close shuts the bridge connection down.
func (s *BridgeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
