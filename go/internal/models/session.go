package models

import "time"

// SessionStatus is the session-level state machine state.
type SessionStatus string

const (
	SessionActive               SessionStatus = "ACTIVE"
	SessionPaused               SessionStatus = "PAUSED"
	SessionAwaitingContinuation SessionStatus = "AWAITING_CONTINUATION"
	SessionEnded                SessionStatus = "ENDED"
	SessionAbandoned            SessionStatus = "ABANDONED"
)

// Terminal reports whether no further play can happen in this status.
func (s SessionStatus) Terminal() bool {
	return s == SessionEnded || s == SessionAbandoned
}

// Player is one seat in a session. A seat taken over by the system
// after a continuation vote keeps its PlayerID with IsBot set.
type Player struct {
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name,omitempty"`
	Seat        int    `json:"seat"`
	IsBot       bool   `json:"is_bot"`
}

// Session is the persisted game session document. Tile racks, board
// layout and scores live with the rule engine; this document carries
// what the continuity subsystem needs to keep a game alive across
// disconnects.
type Session struct {
	ID              string             `json:"id"`
	Players         []Player           `json:"players"`
	CurrentTurnSeat int                `json:"current_turn_seat"`
	Status          SessionStatus      `json:"status"`
	TurnDurationMs  int64              `json:"turn_duration_ms"`
	Pause           *SessionPauseState `json:"pause,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// CurrentPlayerID returns the player holding the current turn, or ""
// when the seat index is out of range.
func (s *Session) CurrentPlayerID() string {
	for _, p := range s.Players {
		if p.Seat == s.CurrentTurnSeat {
			return p.PlayerID
		}
	}
	return ""
}

// HasPlayer reports whether the player occupies a seat in this session.
func (s *Session) HasPlayer(playerID string) bool {
	for _, p := range s.Players {
		if p.PlayerID == playerID {
			return true
		}
	}
	return false
}

// NextSeat returns the seat after the given one in turn order.
func (s *Session) NextSeat(seat int) int {
	if len(s.Players) == 0 {
		return seat
	}
	next := seat + 1
	max := 0
	for _, p := range s.Players {
		if p.Seat > max {
			max = p.Seat
		}
	}
	if next > max {
		next = 0
	}
	return next
}
