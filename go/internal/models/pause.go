package models

import "time"

// PauseReason explains why a session is paused.
type PauseReason string

const (
	PauseCurrentPlayerDisconnect PauseReason = "CURRENT_PLAYER_DISCONNECT"
	PauseMultipleDisconnects     PauseReason = "MULTIPLE_DISCONNECTS"
	PauseNetworkInstability      PauseReason = "NETWORK_INSTABILITY"
	PauseAllPlayersDisconnect    PauseReason = "ALL_PLAYERS_DISCONNECT"
	PauseManual                  PauseReason = "MANUAL_PAUSE"
)

// ContinuationChoice is one of the options offered to remaining players
// when a disconnected player's grace period expires.
type ContinuationChoice string

const (
	ChoiceSkipTurn ContinuationChoice = "skip_turn"
	ChoiceAddBot   ContinuationChoice = "add_bot"
	ChoiceEndGame  ContinuationChoice = "end_game"
)

// ContinuationChoices lists the options in presentation order.
func ContinuationChoices() []ContinuationChoice {
	return []ContinuationChoice{ChoiceSkipTurn, ChoiceAddBot, ChoiceEndGame}
}

// ContinuationDescriptions maps each choice to the text shown to voters.
func ContinuationDescriptions() map[ContinuationChoice]string {
	return map[ContinuationChoice]string{
		ChoiceSkipTurn: "Skip the disconnected player's turn and keep playing",
		ChoiceAddBot:   "Let a bot take over their rack for the rest of the game",
		ChoiceEndGame:  "End the game now and record the current standings",
	}
}

// GracePeriod is the session-wide countdown during which the target
// player may still reconnect.
type GracePeriod struct {
	IsActive       bool      `json:"is_active"`
	StartTime      time.Time `json:"start_time"`
	DurationMs     int64     `json:"duration_ms"`
	TargetPlayerID string    `json:"target_player_id"`
}

// TurnTimerSnapshot freezes the remaining turn time across a pause.
type TurnTimerSnapshot struct {
	RemainingMs        int64     `json:"remaining_ms"`
	SnapshotAt         time.Time `json:"snapshot_at"`
	OriginalDurationMs int64     `json:"original_duration_ms"`
}

// ContinuationVote is one player's (replaceable) vote.
type ContinuationVote struct {
	PlayerID string             `json:"player_id"`
	Choice   ContinuationChoice `json:"choice"`
	VotedAt  time.Time          `json:"voted_at"`
}

// ContinuationOptions tracks the presented choices and votes cast.
type ContinuationOptions struct {
	Presented   bool                 `json:"presented"`
	PresentedAt time.Time            `json:"presented_at"`
	Options     []ContinuationChoice `json:"options"`
	Votes       []ContinuationVote   `json:"votes"`
}

// SessionPauseState is the at-most-one active pause for a session. It
// is created on pause, cleared entirely on resume, and replaced (not
// merged) by a newer pause.
type SessionPauseState struct {
	IsPaused bool        `json:"is_paused"`
	Reason   PauseReason `json:"pause_reason"`
	PausedBy string      `json:"paused_by"`
	PausedAt time.Time   `json:"paused_at"`

	Grace        GracePeriod         `json:"grace_period"`
	TurnTimer    *TurnTimerSnapshot  `json:"turn_timer_snapshot,omitempty"`
	Continuation ContinuationOptions `json:"continuation_options"`
}
