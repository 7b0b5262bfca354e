package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilerack/tilerack/go/internal/models"
)

func sampleSession(id string) *models.Session {
	return &models.Session{
		ID: id,
		Players: []models.Player{
			{PlayerID: "a", Seat: 0},
			{PlayerID: "b", Seat: 1},
		},
		CurrentTurnSeat: 1,
		Status:          models.SessionActive,
		TurnDurationMs:  60000,
		CreatedAt:       time.Now().UTC(),
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	sess := sampleSession("sess-1")
	require.NoError(t, m.SaveSession(ctx, sess))

	loaded, err := m.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, loaded.ID)
	assert.Equal(t, sess.Players, loaded.Players)
	assert.Equal(t, sess.CurrentTurnSeat, loaded.CurrentTurnSeat)
	assert.Equal(t, sess.Status, loaded.Status)

	// The stored copy is detached from the caller's document.
	sess.Status = models.SessionEnded
	loaded, err = m.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, loaded.Status)
}

func TestMemoryStoreNotFound(t *testing.T) {
	m := NewMemoryStore()

	_, err := m.LoadSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	require.NoError(t, m.SaveSession(ctx, sampleSession("sess-1")))
	require.NoError(t, m.AppendReconnectionEvent(ctx, models.ReconnectionEvent{
		ID: "ev-1", SessionID: "sess-1", EventType: models.EventDisconnect,
	}))

	require.NoError(t, m.DeleteSession(ctx, "sess-1"))
	_, err := m.LoadSession(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, m.Events("sess-1"))
}

func TestMemoryStoreAppendsEventsInOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	for _, et := range []models.ReconnectionEventType{
		models.EventDisconnect, models.EventPause, models.EventReconnect,
	} {
		require.NoError(t, m.AppendReconnectionEvent(ctx, models.ReconnectionEvent{
			ID: string(et), SessionID: "sess-1", EventType: et,
		}))
	}

	evs := m.Events("sess-1")
	require.Len(t, evs, 3)
	assert.Equal(t, models.EventDisconnect, evs[0].EventType)
	assert.Equal(t, models.EventReconnect, evs[2].EventType)
}

// flakyStore fails the first N writes, then delegates.
type flakyStore struct {
	inner    Store
	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakyStore) LoadSession(ctx context.Context, id string) (*models.Session, error) {
	return f.inner.LoadSession(ctx, id)
}

func (f *flakyStore) SaveSession(ctx context.Context, session *models.Session) error {
	f.mu.Lock()
	f.attempts++
	fail := f.attempts <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("transient write failure")
	}
	return f.inner.SaveSession(ctx, session)
}

func (f *flakyStore) AppendReconnectionEvent(ctx context.Context, ev models.ReconnectionEvent) error {
	return f.inner.AppendReconnectionEvent(ctx, ev)
}

func (f *flakyStore) DeleteSession(ctx context.Context, id string) error {
	return f.inner.DeleteSession(ctx, id)
}

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  time.Second,
	}
}

func TestRetryStoreRecoversFromTransientFailures(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	flaky := &flakyStore{inner: inner, failures: 3}
	r := NewRetryStore(flaky, fastRetryConfig())

	require.NoError(t, r.SaveSession(ctx, sampleSession("sess-1")))
	assert.Equal(t, 4, flaky.attempts)

	loaded, err := r.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", loaded.ID)
}

func TestRetryStoreGivesUpAfterMaxElapsed(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{inner: NewMemoryStore(), failures: 1 << 30}
	r := NewRetryStore(flaky, fastRetryConfig())

	err := r.SaveSession(ctx, sampleSession("sess-1"))
	assert.Error(t, err)
}

func TestRetryStoreRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	flaky := &flakyStore{inner: NewMemoryStore(), failures: 1 << 30}
	r := NewRetryStore(flaky, fastRetryConfig())

	err := r.SaveSession(ctx, sampleSession("sess-1"))
	assert.Error(t, err)
}

func TestRetryStoreDeleteTreatsNotFoundAsSuccess(t *testing.T) {
	r := NewRetryStore(NewMemoryStore(), fastRetryConfig())
	assert.NoError(t, r.DeleteSession(context.Background(), "missing"))
}
