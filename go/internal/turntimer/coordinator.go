package turntimer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tilerack/tilerack/go/internal/models"
)

// ErrNoTimer is returned when an operation expects a running turn
// timer and none exists. This is a caller error, not a race.
var ErrNoTimer = errors.New("no turn timer running")

type runningTurn struct {
	playerID string
	deadline time.Time
	duration time.Duration
}

// Coordinator makes the turn clock invisible to pause/resume: a
// preserved snapshot holds the exact remaining time while a grace
// period runs, and restore resumes from exactly that value. The clock
// is frozen while preserved; no wall time elapses against it.
type Coordinator struct {
	clock        clockwork.Clock
	turnDuration time.Duration

	mu        sync.Mutex
	running   map[string]runningTurn
	preserved map[string]*models.TurnTimerSnapshot
}

// NewCoordinator creates a coordinator with the configured full turn
// duration used by ResetForNextPlayer.
func NewCoordinator(clock clockwork.Clock, turnDuration time.Duration) *Coordinator {
	return &Coordinator{
		clock:        clock,
		turnDuration: turnDuration,
		running:      make(map[string]runningTurn),
		preserved:    make(map[string]*models.TurnTimerSnapshot),
	}
}

// StartTurn begins a fresh full-length turn clock for a player.
func (c *Coordinator) StartTurn(sessionID, playerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.running[sessionID] = runningTurn{
		playerID: playerID,
		deadline: c.clock.Now().Add(c.turnDuration),
		duration: c.turnDuration,
	}
	delete(c.preserved, sessionID)
}

// Remaining returns the milliseconds left on the running turn clock,
// or the preserved value while the session is paused.
func (c *Coordinator) Remaining(sessionID string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if snap, ok := c.preserved[sessionID]; ok {
		return snap.RemainingMs, true
	}
	rt, ok := c.running[sessionID]
	if !ok {
		return 0, false
	}
	rem := rt.deadline.Sub(c.clock.Now())
	if rem < 0 {
		rem = 0
	}
	return rem.Milliseconds(), true
}

// Preserve snapshots the remaining time for the player's turn and
// freezes the clock. It fails only when no timer is running for that
// player.
func (c *Coordinator) Preserve(sessionID, playerID string, remainingMs int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rt, ok := c.running[sessionID]
	if !ok || rt.playerID != playerID {
		return fmt.Errorf("preserve for session %s player %s: %w", sessionID, playerID, ErrNoTimer)
	}

	c.preserved[sessionID] = &models.TurnTimerSnapshot{
		RemainingMs:        remainingMs,
		SnapshotAt:         c.clock.Now(),
		OriginalDurationMs: rt.duration.Milliseconds(),
	}
	delete(c.running, sessionID)

	log.Debug().
		Str("session_id", sessionID).
		Str("player_id", playerID).
		Int64("remaining_ms", remainingMs).
		Msg("turn timer preserved")
	return nil
}

// Restore returns the preserved remaining time, clears the snapshot,
// and resumes the clock counting down from exactly that value. It
// never resets to full duration.
func (c *Coordinator) Restore(sessionID, playerID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, ok := c.preserved[sessionID]
	if !ok {
		return 0, fmt.Errorf("restore for session %s: %w", sessionID, ErrNoTimer)
	}
	delete(c.preserved, sessionID)

	c.running[sessionID] = runningTurn{
		playerID: playerID,
		deadline: c.clock.Now().Add(time.Duration(snap.RemainingMs) * time.Millisecond),
		duration: time.Duration(snap.OriginalDurationMs) * time.Millisecond,
	}

	log.Debug().
		Str("session_id", sessionID).
		Str("player_id", playerID).
		Int64("remaining_ms", snap.RemainingMs).
		Msg("turn timer restored")
	return snap.RemainingMs, nil
}

// Snapshot returns the preserved snapshot without clearing it.
func (c *Coordinator) Snapshot(sessionID string) (*models.TurnTimerSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, ok := c.preserved[sessionID]
	if !ok {
		return nil, false
	}
	cp := *snap
	return &cp, true
}

// Rehydrate installs a preserved snapshot loaded from storage, used
// when a paused session is adopted after a restart. Live state wins: a
// session that already has a running or preserved clock is untouched.
func (c *Coordinator) Rehydrate(sessionID string, snap *models.TurnTimerSnapshot) {
	if snap == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.preserved[sessionID]; ok {
		return
	}
	if _, ok := c.running[sessionID]; ok {
		return
	}
	cp := *snap
	c.preserved[sessionID] = &cp

	log.Debug().
		Str("session_id", sessionID).
		Int64("remaining_ms", cp.RemainingMs).
		Msg("turn timer rehydrated from stored snapshot")
}

// ResetForNextPlayer discards any snapshot and gives the next player a
// full turn. Used only when a disconnected player's turn is skipped by
// a continuation decision, never on an ordinary resume.
func (c *Coordinator) ResetForNextPlayer(sessionID, nextPlayerID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.preserved, sessionID)
	c.running[sessionID] = runningTurn{
		playerID: nextPlayerID,
		deadline: c.clock.Now().Add(c.turnDuration),
		duration: c.turnDuration,
	}
	return c.turnDuration.Milliseconds()
}

// Clear drops all timer state for a session on teardown.
func (c *Coordinator) Clear(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.running, sessionID)
	delete(c.preserved, sessionID)
}
