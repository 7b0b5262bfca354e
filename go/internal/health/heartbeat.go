package health

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tilerack/tilerack/go/internal/models"
)

// Heartbeat probing. Each probe carries a monotonically increasing
// token; a response only counts when its token equals the latest
// issued one, so a stale pong cannot cancel a real timeout.

func (t *Tracker) scheduleProbeLocked(playerID string, ps *playerState) {
	ps.probing = true
	if ps.probeTimer != nil {
		ps.probeTimer.Stop()
	}
	ps.probeTimer = t.clock.AfterFunc(t.cfg.HeartbeatInterval, func() {
		t.fireProbe(playerID)
	})
}

func (t *Tracker) stopProbingLocked(ps *playerState) {
	ps.probing = false
	ps.probeOutstanding = false
	if ps.probeTimer != nil {
		ps.probeTimer.Stop()
		ps.probeTimer = nil
	}
}

func (t *Tracker) fireProbe(playerID string) {
	t.mu.Lock()
	ps, ok := t.players[playerID]
	if !ok || !ps.probing || ps.conn.Status != models.ConnectionConnected {
		t.mu.Unlock()
		return
	}

	ps.probeToken++
	token := ps.probeToken
	ps.probeOutstanding = true
	ps.probeSentAt = t.clock.Now()
	ps.probesSent++
	connectionID := ps.conn.ConnectionID
	sentAt := ps.probeSentAt

	if ps.probeTimer != nil {
		ps.probeTimer.Stop()
	}
	ps.probeTimer = t.clock.AfterFunc(t.cfg.HeartbeatTimeout, func() {
		t.probeTimedOut(playerID, token)
	})
	t.mu.Unlock()

	if err := t.prober.SendProbe(connectionID, token, sentAt); err != nil {
		log.Warn().
			Err(err).
			Str("session_id", t.sessionID).
			Str("player_id", playerID).
			Uint64("token", token).
			Msg("failed to send heartbeat probe")
	}
}

// probeTimedOut treats a missed heartbeat as a drop signal, never as a
// fatal error.
func (t *Tracker) probeTimedOut(playerID string, token uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps, ok := t.players[playerID]
	if !ok || !ps.probing || !ps.probeOutstanding || ps.probeToken != token {
		return
	}
	ps.probeOutstanding = false
	ps.probesMissed++

	if ps.conn.Status != models.ConnectionConnected {
		return
	}

	log.Info().
		Str("session_id", t.sessionID).
		Str("player_id", playerID).
		Uint64("token", token).
		Msg("heartbeat timed out, treating as drop signal")

	t.enterDisconnectingLocked(playerID, ps, "heartbeat timeout")
}

// OnHeartbeatResponse matches a pong to the latest issued token,
// records a latency sample, and treats the response as activity (a
// DISCONNECTING player snaps back to CONNECTED).
func (t *Tracker) OnHeartbeatResponse(connectionID string, token uint64) {
	t.mu.Lock()

	playerID, ok := t.byConn[connectionID]
	if !ok {
		t.mu.Unlock()
		log.Warn().
			Str("session_id", t.sessionID).
			Str("connection_id", connectionID).
			Msg("heartbeat response for unknown connection, ignoring")
		return
	}
	ps := t.players[playerID]

	if token != ps.probeToken || !ps.probeOutstanding {
		t.mu.Unlock()
		log.Debug().
			Str("session_id", t.sessionID).
			Str("player_id", playerID).
			Uint64("token", token).
			Uint64("latest", ps.probeToken).
			Msg("stale heartbeat response, ignoring")
		return
	}

	ps.probeOutstanding = false
	now := t.clock.Now()
	ps.conn.LastSeenAt = now
	latencyMs := float64(now.Sub(ps.probeSentAt)) / float64(time.Millisecond)
	loss := 0.0
	if ps.probesSent > 0 {
		loss = float64(ps.probesMissed) / float64(ps.probesSent)
	}
	degraded := t.applyQualityLocked(ps, latencyMs, loss)

	if ps.conn.Status == models.ConnectionDisconnecting {
		ps.gen++
		t.stopDropTimerLocked(ps)
		t.transitionLocked(ps, models.ConnectionConnected, "activity resumed")
	}
	t.scheduleProbeLocked(playerID, ps)
	t.mu.Unlock()

	if degraded != nil {
		t.sink.QualityDegraded(playerID, degraded.from, degraded.to)
	}
}
