package events

import (
	"time"

	"github.com/tilerack/tilerack/go/internal/models"
)

// Event names sent over the transport. Clients switch on these.
const (
	EventPlayerStatusUpdate           = "playerStatusUpdate"
	EventGamePaused                   = "gamePaused"
	EventGameResumed                  = "gameResumed"
	EventGracePeriodExpired           = "gracePeriodExpired"
	EventContinuationOptionsPresented = "continuationOptionsPresented"
	EventVotingProgress               = "votingProgress"
	EventGameResumedWithSkip          = "gameResumedWithSkip"
	EventGameResumedWithBot           = "gameResumedWithBot"
	EventGameEndedByDecision          = "gameEndedByDecision"
	EventGameAbandoned                = "gameAbandoned"
	EventConnectionQualityWarning     = "connectionQualityWarning"
	EventHeartbeat                    = "heartbeat"
	EventSessionStateSync             = "sessionStateSync"
)

// Notification is an outbound event produced by a continuity operation.
// Operations return notifications instead of firing callbacks so side
// effects stay testable; only the orchestrator talks to the transport.
// An empty TargetPlayerID means broadcast to every connected player in
// the session.
type Notification struct {
	Event          string
	TargetPlayerID string
	Payload        any
}

// Broadcast builds a session-wide notification.
func Broadcast(event string, payload any) Notification {
	return Notification{Event: event, Payload: payload}
}

// To builds a notification addressed to a single player.
func To(playerID, event string, payload any) Notification {
	return Notification{Event: event, TargetPlayerID: playerID, Payload: payload}
}

// PlayerStatusUpdatePayload is the payload for a playerStatusUpdate event.
type PlayerStatusUpdatePayload struct {
	PlayerID string                   `json:"player_id"`
	Status   models.ConnectionStatus  `json:"status"`
	Quality  models.ConnectionQuality `json:"quality,omitempty"`
}

// GamePausedPayload is the payload for a gamePaused event.
type GamePausedPayload struct {
	Reason         models.PauseReason `json:"reason"`
	TargetPlayerID string             `json:"target_player_id"`
	GracePeriodMs  int64              `json:"grace_period_ms,omitempty"`
	PausedAt       time.Time          `json:"paused_at"`
}

// GameResumedPayload is the payload for a gameResumed event.
type GameResumedPayload struct {
	PlayerID    string    `json:"player_id"`
	RemainingMs int64     `json:"remaining_ms"`
	ResumedAt   time.Time `json:"resumed_at"`
}

// GracePeriodExpiredPayload is the payload for a gracePeriodExpired event.
type GracePeriodExpiredPayload struct {
	TargetPlayerID string    `json:"target_player_id"`
	ExpiredAt      time.Time `json:"expired_at"`
}

// ContinuationOptionsPayload is the payload for a
// continuationOptionsPresented event.
type ContinuationOptionsPayload struct {
	TargetPlayerID string                               `json:"target_player_id"`
	Options        []models.ContinuationChoice          `json:"options"`
	Descriptions   map[models.ContinuationChoice]string `json:"descriptions"`
	PresentedAt    time.Time                            `json:"presented_at"`
}

// VotingProgressPayload is the payload for a votingProgress event.
type VotingProgressPayload struct {
	Choice       models.ContinuationChoice `json:"choice"`
	TotalVotes   int                       `json:"total_votes"`
	VotesNeeded  int                       `json:"votes_needed"`
	VotersOnline int                       `json:"voters_online"`
}

// ResumedWithSkipPayload is the payload for a gameResumedWithSkip event.
type ResumedWithSkipPayload struct {
	SkippedPlayerID string `json:"skipped_player_id"`
	NextPlayerID    string `json:"next_player_id"`
	TurnDurationMs  int64  `json:"turn_duration_ms"`
}

// ResumedWithBotPayload is the payload for a gameResumedWithBot event.
type ResumedWithBotPayload struct {
	PlayerID    string `json:"player_id"`
	RemainingMs int64  `json:"remaining_ms"`
}

// GameEndedPayload is the payload for a gameEndedByDecision event.
type GameEndedPayload struct {
	Reason  string    `json:"reason"`
	EndedAt time.Time `json:"ended_at"`
}

// GameAbandonedPayload is the payload for a gameAbandoned event.
type GameAbandonedPayload struct {
	Reason      string    `json:"reason"`
	AbandonedAt time.Time `json:"abandoned_at"`
}

// QualityWarningPayload is the payload for a connectionQualityWarning event.
type QualityWarningPayload struct {
	PlayerID string                   `json:"player_id"`
	From     models.ConnectionQuality `json:"from"`
	To       models.ConnectionQuality `json:"to"`
}

// HeartbeatPayload is the payload for a heartbeat probe. The client
// echoes the token back in a heartbeat_ack message.
type HeartbeatPayload struct {
	Token  uint64    `json:"token"`
	SentAt time.Time `json:"sent_at"`
}

// SessionStateSyncPayload is the payload for a sessionStateSync frame,
// delivered to a reconnecting client before it rejoins play. The
// reconnect handshake completes only once this frame is sent.
type SessionStateSyncPayload struct {
	Session *models.Session           `json:"session"`
	Players []models.PlayerConnection `json:"players"`
}
