package pause

import (
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tilerack/tilerack/go/internal/events"
	"github.com/tilerack/tilerack/go/internal/health"
	"github.com/tilerack/tilerack/go/internal/models"
	"github.com/tilerack/tilerack/go/internal/turntimer"
)

// ExpireFunc is invoked when a grace period elapses. The orchestrator
// supplies one that re-enters the session sequencer and calls
// OnGraceExpired; the gen value lets the controller discard callbacks
// from superseded timers.
type ExpireFunc func(targetPlayerID string, gen uint64)

// Controller owns the session-level decision of whether to pause and
// how to recover. All methods must run on the session's sequencer; the
// controller holds no lock of its own.
type Controller struct {
	clock   clockwork.Clock
	timers  *turntimer.Coordinator
	tracker *health.Tracker
	session *models.Session
	expire  ExpireFunc

	graceGen   uint64
	graceTimer clockwork.Timer
	decided    bool
}

// NewController wires a controller to one session.
func NewController(clock clockwork.Clock, timers *turntimer.Coordinator, tracker *health.Tracker, session *models.Session, expire ExpireFunc) *Controller {
	return &Controller{
		clock:   clock,
		timers:  timers,
		tracker: tracker,
		session: session,
		expire:  expire,
	}
}

// Pause sets the session-wide pause for an unresolved disconnection of
// the target player. At most one pause is active: re-pausing the same
// target is a no-op, pausing a different target while paused is
// rejected and the existing pause wins.
func (c *Controller) Pause(reason models.PauseReason, targetPlayerID string) ([]events.Notification, bool) {
	if c.session.Status.Terminal() {
		return nil, false
	}
	if c.session.Pause != nil && c.session.Pause.IsPaused {
		if c.session.Pause.Grace.TargetPlayerID == targetPlayerID {
			return nil, true
		}
		log.Warn().
			Str("session_id", c.session.ID).
			Str("existing_target", c.session.Pause.Grace.TargetPlayerID).
			Str("rejected_target", targetPlayerID).
			Msg("pause rejected, session already paused for another player")
		return nil, false
	}

	now := c.clock.Now()
	holder := c.session.CurrentPlayerID()
	var snap *models.TurnTimerSnapshot
	if remaining, ok := c.timers.Remaining(c.session.ID); ok {
		if err := c.timers.Preserve(c.session.ID, holder, remaining); err != nil {
			if !errors.Is(err, turntimer.ErrNoTimer) {
				log.Error().Err(err).Str("session_id", c.session.ID).Msg("failed to preserve turn timer")
			}
		} else if s, ok := c.timers.Snapshot(c.session.ID); ok {
			snap = s
		}
	}

	c.decided = false
	c.session.Status = models.SessionPaused
	c.session.Pause = &models.SessionPauseState{
		IsPaused: true,
		Reason:   reason,
		PausedBy: targetPlayerID,
		PausedAt: now,
		Grace: models.GracePeriod{
			TargetPlayerID: targetPlayerID,
		},
		TurnTimer: snap,
	}

	log.Info().
		Str("session_id", c.session.ID).
		Str("target_player_id", targetPlayerID).
		Str("reason", string(reason)).
		Msg("session paused")

	return []events.Notification{
		events.Broadcast(events.EventGamePaused, events.GamePausedPayload{
			Reason:         reason,
			TargetPlayerID: targetPlayerID,
			PausedAt:       now,
		}),
	}, true
}

// StartGracePeriod arms the reconnection countdown for the pause
// target. Duration comes from the health tracker's per-player policy.
func (c *Controller) StartGracePeriod(targetPlayerID string) (time.Duration, bool) {
	if c.session.Pause == nil || !c.session.Pause.IsPaused ||
		c.session.Pause.Grace.TargetPlayerID != targetPlayerID {
		return 0, false
	}

	duration := c.tracker.GracePeriodFor(targetPlayerID)
	now := c.clock.Now()
	c.session.Pause.Grace = models.GracePeriod{
		IsActive:       true,
		StartTime:      now,
		DurationMs:     duration.Milliseconds(),
		TargetPlayerID: targetPlayerID,
	}

	c.cancelGraceTimer()
	gen := c.graceGen
	c.graceTimer = c.clock.AfterFunc(duration, func() {
		c.expire(targetPlayerID, gen)
	})

	log.Info().
		Str("session_id", c.session.ID).
		Str("target_player_id", targetPlayerID).
		Dur("duration", duration).
		Msg("grace period started")

	return duration, true
}

// RearmGracePeriod re-arms the countdown for an active grace period
// loaded from storage, counting the portion that elapsed before the
// restart. An overdue grace expires immediately.
func (c *Controller) RearmGracePeriod() bool {
	if c.session.Pause == nil || !c.session.Pause.IsPaused || !c.session.Pause.Grace.IsActive {
		return false
	}

	g := c.session.Pause.Grace
	remaining := time.Duration(g.DurationMs)*time.Millisecond - c.clock.Now().Sub(g.StartTime)
	if remaining < 0 {
		remaining = 0
	}

	c.cancelGraceTimer()
	gen := c.graceGen
	target := g.TargetPlayerID
	c.graceTimer = c.clock.AfterFunc(remaining, func() {
		c.expire(target, gen)
	})

	log.Info().
		Str("session_id", c.session.ID).
		Str("target_player_id", target).
		Dur("remaining", remaining).
		Msg("grace period re-armed after adoption")
	return true
}

// OnGraceExpired fires when the grace countdown elapses. The gen guard
// plus a fresh status check make late callbacks from cancelled timers
// harmless.
func (c *Controller) OnGraceExpired(targetPlayerID string, gen uint64) []events.Notification {
	if gen != c.graceGen || c.decided {
		return nil
	}
	if c.session.Pause == nil || !c.session.Pause.IsPaused ||
		!c.session.Pause.Grace.IsActive ||
		c.session.Pause.Grace.TargetPlayerID != targetPlayerID {
		return nil
	}
	if snap, ok := c.tracker.Snapshot(targetPlayerID); ok && snap.Status == models.ConnectionConnected {
		// Reconnected in a race with the timer; resume path wins.
		return nil
	}

	now := c.clock.Now()
	c.session.Status = models.SessionAwaitingContinuation
	c.session.Pause.Grace.IsActive = false

	log.Info().
		Str("session_id", c.session.ID).
		Str("target_player_id", targetPlayerID).
		Msg("grace period expired, awaiting continuation decision")

	notifs := []events.Notification{
		events.Broadcast(events.EventGracePeriodExpired, events.GracePeriodExpiredPayload{
			TargetPlayerID: targetPlayerID,
			ExpiredAt:      now,
		}),
	}
	return append(notifs, c.PresentContinuationOptions()...)
}

// PresentContinuationOptions broadcasts the three recovery choices to
// the remaining connected players.
func (c *Controller) PresentContinuationOptions() []events.Notification {
	if c.session.Pause == nil {
		return nil
	}
	now := c.clock.Now()
	c.session.Pause.Continuation = models.ContinuationOptions{
		Presented:   true,
		PresentedAt: now,
		Options:     models.ContinuationChoices(),
	}

	payload := events.ContinuationOptionsPayload{
		TargetPlayerID: c.session.Pause.Grace.TargetPlayerID,
		Options:        models.ContinuationChoices(),
		Descriptions:   models.ContinuationDescriptions(),
		PresentedAt:    now,
	}

	var notifs []events.Notification
	for _, id := range c.tracker.ConnectedPlayerIDs() {
		if id == c.session.Pause.Grace.TargetPlayerID {
			continue
		}
		notifs = append(notifs, events.To(id, events.EventContinuationOptionsPresented, payload))
	}
	return notifs
}

// Resume clears the pause and grace period and restores the preserved
// turn clock. Safe to call on an already-resumed session.
func (c *Controller) Resume(playerID string) ([]events.Notification, bool) {
	if c.session.Pause == nil || !c.session.Pause.IsPaused {
		return nil, false
	}
	if c.session.Status != models.SessionPaused && c.session.Status != models.SessionAwaitingContinuation {
		return nil, false
	}
	if c.session.Pause.Grace.TargetPlayerID != playerID {
		return nil, false
	}

	c.cancelGraceTimer()

	holder := c.session.CurrentPlayerID()
	remaining, err := c.timers.Restore(c.session.ID, holder)
	if err != nil {
		log.Debug().Err(err).Str("session_id", c.session.ID).Msg("no preserved turn timer on resume")
	}

	c.session.Status = models.SessionActive
	c.session.Pause = nil

	log.Info().
		Str("session_id", c.session.ID).
		Str("player_id", playerID).
		Int64("remaining_ms", remaining).
		Msg("session resumed")

	return []events.Notification{
		events.Broadcast(events.EventGameResumed, events.GameResumedPayload{
			PlayerID:    playerID,
			RemainingMs: remaining,
			ResumedAt:   c.clock.Now(),
		}),
	}, true
}

// HandleAbandonment marks the session abandoned with no grace period.
// Idempotent: repeated calls after cleanup are safe no-ops.
func (c *Controller) HandleAbandonment(reason string) ([]events.Notification, bool) {
	if c.session.Status.Terminal() {
		return nil, false
	}

	c.cancelGraceTimer()
	c.timers.Clear(c.session.ID)
	now := c.clock.Now()
	c.session.Status = models.SessionAbandoned
	c.session.Pause = nil

	log.Info().
		Str("session_id", c.session.ID).
		Str("reason", reason).
		Msg("session abandoned")

	return []events.Notification{
		events.Broadcast(events.EventGameAbandoned, events.GameAbandonedPayload{
			Reason:      reason,
			AbandonedAt: now,
		}),
	}, true
}

func (c *Controller) cancelGraceTimer() {
	c.graceGen++
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
}

// Decided reports whether a continuation decision already executed.
func (c *Controller) Decided() bool { return c.decided }
