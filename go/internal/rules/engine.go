package rules

import "github.com/tilerack/tilerack/go/internal/models"

// Engine is the slice of the tile rule engine the continuity subsystem
// consumes: an oracle for turn ownership. Run/group validity and
// scoring stay on the other side of this interface.
type Engine interface {
	IsCurrentTurnHolder(session *models.Session, playerID string) bool
}

// SeatOrderEngine answers turn ownership from the session's seat order.
type SeatOrderEngine struct{}

func (SeatOrderEngine) IsCurrentTurnHolder(session *models.Session, playerID string) bool {
	if session == nil {
		return false
	}
	return session.CurrentPlayerID() == playerID
}
