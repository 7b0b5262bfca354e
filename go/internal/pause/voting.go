package pause

import (
	"github.com/rs/zerolog/log"

	"github.com/tilerack/tilerack/go/internal/events"
	"github.com/tilerack/tilerack/go/internal/models"
)

// CastVote records or replaces a player's continuation vote (one vote
// per player, last write wins) and returns the running tally. The
// first choice to reach a strict majority of currently-connected
// non-target players executes immediately; votes are applied one at a
// time on the session sequencer, so two choices cannot reach majority
// simultaneously. Votes after the decision are benign no-ops.
func (c *Controller) CastVote(playerID string, choice models.ContinuationChoice) ([]events.Notification, bool) {
	if c.session.Status != models.SessionAwaitingContinuation || c.decided {
		return nil, false
	}
	if c.session.Pause == nil || !c.session.Pause.Continuation.Presented {
		return nil, false
	}
	if !validChoice(choice) {
		log.Warn().
			Str("session_id", c.session.ID).
			Str("player_id", playerID).
			Str("choice", string(choice)).
			Msg("invalid continuation choice, ignoring")
		return nil, false
	}
	target := c.session.Pause.Grace.TargetPlayerID
	if playerID == target || !c.session.HasPlayer(playerID) {
		return nil, false
	}
	if snap, ok := c.tracker.Snapshot(playerID); !ok || snap.Status != models.ConnectionConnected {
		log.Debug().
			Str("session_id", c.session.ID).
			Str("player_id", playerID).
			Msg("vote from disconnected player, ignoring")
		return nil, false
	}

	votes := c.session.Pause.Continuation.Votes
	replaced := false
	for i := range votes {
		if votes[i].PlayerID == playerID {
			votes[i].Choice = choice
			votes[i].VotedAt = c.clock.Now()
			replaced = true
			break
		}
	}
	if !replaced {
		votes = append(votes, models.ContinuationVote{
			PlayerID: playerID,
			Choice:   choice,
			VotedAt:  c.clock.Now(),
		})
	}
	c.session.Pause.Continuation.Votes = votes

	tally := 0
	for _, v := range votes {
		if v.Choice == choice {
			tally++
		}
	}

	voters := c.eligibleVoterCount(target)
	needed := voters/2 + 1

	log.Info().
		Str("session_id", c.session.ID).
		Str("player_id", playerID).
		Str("choice", string(choice)).
		Int("tally", tally).
		Int("needed", needed).
		Msg("continuation vote cast")

	notifs := []events.Notification{
		events.Broadcast(events.EventVotingProgress, events.VotingProgressPayload{
			Choice:       choice,
			TotalVotes:   tally,
			VotesNeeded:  needed,
			VotersOnline: voters,
		}),
	}

	// Execute as soon as any choice has a strict majority; waiting for
	// every vote would leave recovery hostage to an unreachable voter.
	if tally >= needed {
		notifs = append(notifs, c.ExecuteDecision(choice)...)
	}
	return notifs, true
}

// eligibleVoterCount counts currently-connected players other than the
// pause target.
func (c *Controller) eligibleVoterCount(target string) int {
	n := 0
	for _, id := range c.tracker.ConnectedPlayerIDs() {
		if id != target {
			n++
		}
	}
	return n
}

// ExecuteDecision applies a continuation decision exactly once.
func (c *Controller) ExecuteDecision(choice models.ContinuationChoice) []events.Notification {
	if c.decided || c.session.Pause == nil {
		return nil
	}
	if c.session.Status != models.SessionAwaitingContinuation && c.session.Status != models.SessionPaused {
		return nil
	}
	c.decided = true
	c.cancelGraceTimer()
	target := c.session.Pause.Grace.TargetPlayerID

	log.Info().
		Str("session_id", c.session.ID).
		Str("target_player_id", target).
		Str("decision", string(choice)).
		Msg("executing continuation decision")

	switch choice {
	case models.ChoiceSkipTurn:
		c.session.CurrentTurnSeat = c.session.NextSeat(c.session.CurrentTurnSeat)
		next := c.session.CurrentPlayerID()
		full := c.timers.ResetForNextPlayer(c.session.ID, next)
		c.session.Status = models.SessionActive
		c.session.Pause = nil
		return []events.Notification{
			events.Broadcast(events.EventGameResumedWithSkip, events.ResumedWithSkipPayload{
				SkippedPlayerID: target,
				NextPlayerID:    next,
				TurnDurationMs:  full,
			}),
		}

	case models.ChoiceAddBot:
		for i := range c.session.Players {
			if c.session.Players[i].PlayerID == target {
				c.session.Players[i].IsBot = true
			}
		}
		// The bot inherits the preserved remaining time, not a fresh turn.
		remaining, err := c.timers.Restore(c.session.ID, c.session.CurrentPlayerID())
		if err != nil {
			log.Debug().Err(err).Str("session_id", c.session.ID).Msg("no preserved turn timer for bot takeover")
		}
		c.session.Status = models.SessionActive
		c.session.Pause = nil
		return []events.Notification{
			events.Broadcast(events.EventGameResumedWithBot, events.ResumedWithBotPayload{
				PlayerID:    target,
				RemainingMs: remaining,
			}),
		}

	case models.ChoiceEndGame:
		c.timers.Clear(c.session.ID)
		c.session.Status = models.SessionEnded
		c.session.Pause = nil
		return []events.Notification{
			events.Broadcast(events.EventGameEndedByDecision, events.GameEndedPayload{
				Reason:  "continuation_vote",
				EndedAt: c.clock.Now(),
			}),
		}
	}
	return nil
}

func validChoice(choice models.ContinuationChoice) bool {
	for _, c := range models.ContinuationChoices() {
		if c == choice {
			return true
		}
	}
	return false
}
