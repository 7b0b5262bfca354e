package health

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tilerack/tilerack/go/internal/models"
)

// Quality tiers by effective latency. Packet loss inflates the
// measured latency before thresholds apply, so a lossy-but-fast link
// degrades the same way a slow one does.
const (
	excellentLatencyMs = 50
	goodLatencyMs      = 150
	fairLatencyMs      = 300

	excellentLossMax = 0.01
	goodLossMax      = 0.05
	fairLossMax      = 0.10

	lossLatencyInflation = 10
)

var qualityRank = map[models.ConnectionQuality]int{
	models.QualityExcellent: 0,
	models.QualityGood:      1,
	models.QualityFair:      2,
	models.QualityPoor:      3,
}

func qualityFor(latencyMs, packetLoss float64) models.ConnectionQuality {
	effective := latencyMs * (1 + packetLoss*lossLatencyInflation)
	switch {
	case effective < excellentLatencyMs && packetLoss < excellentLossMax:
		return models.QualityExcellent
	case effective < goodLatencyMs && packetLoss < goodLossMax:
		return models.QualityGood
	case effective < fairLatencyMs && packetLoss < fairLossMax:
		return models.QualityFair
	default:
		return models.QualityPoor
	}
}

type qualityChange struct {
	from, to models.ConnectionQuality
}

// applyQualityLocked recomputes the tier and returns a change worth
// warning about: a drop of two or more tiers, or any drop to poor.
func (t *Tracker) applyQualityLocked(ps *playerState, latencyMs, packetLoss float64) *qualityChange {
	ps.conn.LatencyMs = latencyMs
	ps.conn.PacketLoss = packetLoss

	from := ps.conn.Quality
	to := qualityFor(latencyMs, packetLoss)
	ps.conn.Quality = to

	dropped := qualityRank[to] - qualityRank[from]
	if dropped >= 2 || (to == models.QualityPoor && from != models.QualityPoor) {
		return &qualityChange{from: from, to: to}
	}
	return nil
}

// UpdateQualityMetrics feeds a latency/loss sample for a player.
// Unknown players are a logged no-op; races with cleanup are expected.
func (t *Tracker) UpdateQualityMetrics(playerID string, latencyMs, packetLoss float64) {
	t.mu.Lock()
	ps, ok := t.players[playerID]
	if !ok {
		t.mu.Unlock()
		log.Warn().
			Str("session_id", t.sessionID).
			Str("player_id", playerID).
			Msg("quality sample for unknown player, ignoring")
		return
	}
	degraded := t.applyQualityLocked(ps, latencyMs, packetLoss)
	t.mu.Unlock()

	if degraded != nil {
		log.Warn().
			Str("session_id", t.sessionID).
			Str("player_id", playerID).
			Str("from", string(degraded.from)).
			Str("to", string(degraded.to)).
			Msg("connection quality degraded")
		t.sink.QualityDegraded(playerID, degraded.from, degraded.to)
	}
}

// Stability thresholds. A single drop signal stays "stable" so the
// first disconnect of an otherwise healthy player does not inflate
// their own grace period.
const (
	unstableDropCount = 4
	unstableChurn     = 8
	shakyDropCount    = 2
	shakyChurn        = 5
)

// AssessStability scores a player from recent disconnection count and
// status-history churn.
func (t *Tracker) AssessStability(playerID string) models.Stability {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps, ok := t.players[playerID]
	if !ok {
		log.Warn().
			Str("session_id", t.sessionID).
			Str("player_id", playerID).
			Msg("stability check for unknown player")
		return models.StabilityStable
	}

	drops := ps.conn.DisconnectionCount
	churn := len(ps.conn.StatusHistory)
	switch {
	case drops >= unstableDropCount || churn >= unstableChurn:
		return models.StabilityUnstable
	case drops >= shakyDropCount || churn >= shakyChurn:
		return models.StabilitySomewhatUnstable
	default:
		return models.StabilityStable
	}
}

// GracePeriodFor picks the reconnection window for a player: standard
// unless they are unstable, on a poor link, mobile, or cellular, in
// which case extended; somewhat-unstable players with no other trigger
// get the midpoint.
func (t *Tracker) GracePeriodFor(playerID string) time.Duration {
	stability := t.AssessStability(playerID)

	t.mu.Lock()
	defer t.mu.Unlock()

	ps, ok := t.players[playerID]
	if !ok {
		return t.cfg.StandardGracePeriod
	}

	extended := stability == models.StabilityUnstable ||
		ps.conn.Quality == models.QualityPoor ||
		ps.conn.IsMobile ||
		ps.conn.NetworkType == models.NetworkCellular
	if extended {
		return t.cfg.ExtendedGracePeriod
	}
	if stability == models.StabilitySomewhatUnstable {
		return (t.cfg.StandardGracePeriod + t.cfg.ExtendedGracePeriod) / 2
	}
	return t.cfg.StandardGracePeriod
}
