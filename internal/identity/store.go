package identity

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/echosight/narrator/internal/types"
)

// snapshot is the wire format published by the face-recognition
// service: the complete set of faces visible right now.
type snapshot struct {
	Identities []types.RecognizedIdentity `json:"identities"`
	Timestamp  string                     `json:"timestamp,omitempty"`
}

// Store implements Provider backed by an MQTT identity feed. Each
// message replaces the previous snapshot; there is no merging, the
// recognition service owns the truth.
type Store struct {
	mu        sync.RWMutex
	current   []types.RecognizedIdentity
	updatedAt time.Time
	received  uint64
	errors    uint64
}

// NewStore creates an empty identity store.
func NewStore() *Store {
	return &Store{}
}

// Subscribe attaches the store to the identity topic on an already
// connected client.
func (s *Store) Subscribe(client mqtt.Client, topic string, qos byte) error {
	slog.Info("subscribing to identity feed", "topic", topic, "qos", qos)

	token := client.Subscribe(topic, qos, s.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("identity feed subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("identity feed subscription failed: %w", err)
	}
	return nil
}

// messageHandler replaces the snapshot on every feed message.
func (s *Store) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var snap snapshot
	if err := json.Unmarshal(msg.Payload(), &snap); err != nil {
		s.mu.Lock()
		s.errors++
		s.mu.Unlock()
		slog.Error("failed to parse identity snapshot", "error", err)
		return
	}

	s.mu.Lock()
	s.current = snap.Identities
	s.updatedAt = time.Now()
	s.received++
	s.mu.Unlock()

	slog.Debug("identity snapshot updated", "identities", len(snap.Identities))
}

// Current implements Provider. The returned slice is a copy; later
// feed messages do not mutate it under the caller.
func (s *Store) Current() []types.RecognizedIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.RecognizedIdentity, len(s.current))
	copy(out, s.current)
	return out
}

// UpdatedAt returns when the last snapshot arrived.
func (s *Store) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// Stats returns feed counters for health reporting.
func (s *Store) Stats() (received, errors uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.received, s.errors
}
