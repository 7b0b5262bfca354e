package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tilerack/tilerack/go/internal/models"
)

// ErrNotFound is returned when a session does not exist. Callers treat
// it as a benign outcome; reconnection races are expected.
var ErrNotFound = errors.New("session not found")

// Store is the persistence collaborator. The continuity core treats
// failures as retryable and never lets storage latency block or roll
// back the in-memory state machine.
type Store interface {
	LoadSession(ctx context.Context, id string) (*models.Session, error)
	SaveSession(ctx context.Context, session *models.Session) error
	AppendReconnectionEvent(ctx context.Context, ev models.ReconnectionEvent) error
	DeleteSession(ctx context.Context, id string) error
}

// MemoryStore is the in-memory Store used by tests and single-node
// development runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]byte
	events   map[string][]models.ReconnectionEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string][]byte),
		events:   make(map[string][]models.ReconnectionEvent),
	}
}

func (m *MemoryStore) LoadSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	raw, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("load session %s: %w", id, ErrNotFound)
	}
	var sess models.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

func (m *MemoryStore) SaveSession(_ context.Context, session *models.Session) error {
	session.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = raw
	return nil
}

func (m *MemoryStore) AppendReconnectionEvent(_ context.Context, ev models.ReconnectionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.SessionID] = append(m.events[ev.SessionID], ev)
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	delete(m.events, id)
	return nil
}

// Events returns the appended audit records for a session. Test helper.
func (m *MemoryStore) Events(sessionID string) []models.ReconnectionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.ReconnectionEvent(nil), m.events[sessionID]...)
}
