package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tilerack/tilerack/go/internal/events"
	"github.com/tilerack/tilerack/go/internal/health"
	"github.com/tilerack/tilerack/go/internal/metrics"
	"github.com/tilerack/tilerack/go/internal/models"
	"github.com/tilerack/tilerack/go/internal/rules"
	"github.com/tilerack/tilerack/go/internal/store"
	"github.com/tilerack/tilerack/go/internal/turntimer"
)

// Transport is the outbound half of the socket layer: an opaque
// connection id that events can be sent to.
type Transport interface {
	Send(connectionID, event string, payload any) error
}

// AuditRelay forwards append-only audit records to an external
// analytics consumer. Optional.
type AuditRelay interface {
	Publish(ctx context.Context, ev models.ReconnectionEvent) error
}

// Config holds the continuity tunables.
type Config struct {
	Health       health.Config
	TurnDuration time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Health:       health.DefaultConfig(),
		TurnDuration: 60 * time.Second,
	}
}

// Orchestrator reacts to transport connect/disconnect signals, drives
// the health tracker, pause controller and turn timer coordinator for
// each session, broadcasts outcomes and persists snapshots. Each
// session has its own sequencer; cross-session work is independent.
type Orchestrator struct {
	cfg       Config
	clock     clockwork.Clock
	store     store.Store
	rules     rules.Engine
	transport Transport
	relay     AuditRelay
	timers    *turntimer.Coordinator

	mu       sync.RWMutex
	sessions map[string]*sessionState
	byConn   map[string]string
}

// New creates an orchestrator. relay may be nil.
func New(cfg Config, clock clockwork.Clock, st store.Store, eng rules.Engine, transport Transport, relay AuditRelay) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		clock:     clock,
		store:     st,
		rules:     eng,
		transport: transport,
		relay:     relay,
		timers:    turntimer.NewCoordinator(clock, cfg.TurnDuration),
		sessions:  make(map[string]*sessionState),
		byConn:    make(map[string]string),
	}
}

// CreateSession builds a fresh active session, adopts it into the
// active set and persists it.
func (o *Orchestrator) CreateSession(ctx context.Context, players []models.Player) (*models.Session, error) {
	if len(players) < 2 {
		return nil, fmt.Errorf("a session needs at least 2 players, got %d", len(players))
	}
	now := o.clock.Now()
	sess := &models.Session{
		ID:              uuid.NewString(),
		Players:         players,
		CurrentTurnSeat: 0,
		Status:          models.SessionActive,
		TurnDurationMs:  o.cfg.TurnDuration.Milliseconds(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	ss := o.adopt(sess)
	ss.mu.Lock()
	ss.persistLocked()
	ss.mu.Unlock()

	log.Info().
		Str("session_id", sess.ID).
		Int("players", len(players)).
		Msg("session created")
	return sess, nil
}

// adopt registers a session into the active set, starting its turn
// clock if play is in progress.
func (o *Orchestrator) adopt(sess *models.Session) *sessionState {
	o.mu.Lock()
	defer o.mu.Unlock()

	if existing, ok := o.sessions[sess.ID]; ok {
		return existing
	}

	ss := newSessionState(o, sess)
	o.sessions[sess.ID] = ss
	if sess.Status == models.SessionActive {
		o.timers.StartTurn(sess.ID, sess.CurrentPlayerID())
	} else if sess.Pause != nil {
		// A session adopted mid-pause carries its frozen clock and grace
		// countdown in the document. Rebuild both so resume and expiry
		// behave as if the process never restarted.
		o.timers.Rehydrate(sess.ID, sess.Pause.TurnTimer)
		ss.ctl.RearmGracePeriod()
	}
	go ss.saver()
	return ss
}

func (o *Orchestrator) getSession(sessionID string) (*sessionState, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ss, ok := o.sessions[sessionID]
	return ss, ok
}

// loadOrAdopt resolves a session from the active set or storage.
// Minor anomalies in a persisted document are auto-corrected; an
// undecodable document marks the session abandoned rather than leaving
// it inconsistent.
func (o *Orchestrator) loadOrAdopt(ctx context.Context, sessionID string) (*sessionState, error) {
	if ss, ok := o.getSession(sessionID); ok {
		return ss, nil
	}

	sess, err := o.store.LoadSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		log.Error().Err(err).Str("session_id", sessionID).Msg("session document unrecoverable, marking abandoned")
		tombstone := &models.Session{
			ID:        sessionID,
			Status:    models.SessionAbandoned,
			UpdatedAt: o.clock.Now(),
		}
		if saveErr := o.store.SaveSession(ctx, tombstone); saveErr != nil {
			log.Error().Err(saveErr).Str("session_id", sessionID).Msg("failed to persist abandoned tombstone")
		}
		return nil, fmt.Errorf("load session %s: %w", sessionID, store.ErrNotFound)
	}

	sanitizeSession(sess)
	return o.adopt(sess), nil
}

// sanitizeSession auto-corrects minor anomalies on load, e.g. a
// dangling pause whose target no longer holds a seat.
func sanitizeSession(sess *models.Session) {
	if sess.Pause != nil && !sess.HasPlayer(sess.Pause.Grace.TargetPlayerID) {
		log.Warn().
			Str("session_id", sess.ID).
			Str("target_player_id", sess.Pause.Grace.TargetPlayerID).
			Msg("dangling pause for unseated player, clearing")
		sess.Pause = nil
		if !sess.Status.Terminal() {
			sess.Status = models.SessionActive
		}
	}
	if sess.Status == models.SessionPaused && sess.Pause == nil {
		log.Warn().Str("session_id", sess.ID).Msg("paused status without pause state, resuming")
		sess.Status = models.SessionActive
	}
}

// OnConnect handles a transport-level connect for a player. First
// sight of a player registers a record; a returning player is routed
// through the reconnection path, which also resumes a pause targeting
// them.
func (o *Orchestrator) OnConnect(ctx context.Context, connectionID, sessionID, playerID string, meta health.ConnMeta) error {
	ss, err := o.loadOrAdopt(ctx, sessionID)
	if err != nil {
		return err
	}

	ss.mu.Lock()
	if !ss.session.HasPlayer(playerID) {
		ss.mu.Unlock()
		return fmt.Errorf("player %s has no seat in session %s", playerID, sessionID)
	}
	if ss.session.Status.Terminal() {
		ss.mu.Unlock()
		return fmt.Errorf("session %s is over", sessionID)
	}
	ss.mu.Unlock()

	metrics.TotalConnections.Inc()

	if ss.tracker.Has(playerID) {
		if prev, ok := ss.tracker.Snapshot(playerID); ok {
			o.mu.Lock()
			delete(o.byConn, prev.ConnectionID)
			o.byConn[connectionID] = sessionID
			o.mu.Unlock()
		}
		if !ss.tracker.BeginReconnect(connectionID, playerID, meta) {
			return fmt.Errorf("reconnect for player %s in session %s rejected", playerID, sessionID)
		}
		// The state sync frame is the reconnect handshake: a returning
		// client cannot rejoin play without the current session state.
		snapshot, _ := o.SessionSnapshot(sessionID)
		err := o.transport.Send(connectionID, events.EventSessionStateSync, events.SessionStateSyncPayload{
			Session: snapshot,
			Players: ss.tracker.Players(),
		})
		if err != nil {
			ss.tracker.MarkReconnectFailed(playerID, "state sync failed")
			o.mu.Lock()
			delete(o.byConn, connectionID)
			o.mu.Unlock()
			return fmt.Errorf("state sync for player %s: %w", playerID, err)
		}
		// Resume-on-reconnect and broadcasting happen in the sink's
		// ReconnectionSucceeded callback.
		ss.tracker.CompleteReconnect(playerID)
		return nil
	}

	o.mu.Lock()
	o.byConn[connectionID] = sessionID
	o.mu.Unlock()

	conn := ss.tracker.RegisterConnection(connectionID, playerID, meta)

	ss.mu.Lock()
	notifs := []events.Notification{
		events.Broadcast(events.EventPlayerStatusUpdate, events.PlayerStatusUpdatePayload{
			PlayerID: playerID,
			Status:   conn.Status,
			Quality:  conn.Quality,
		}),
	}
	// After a restart the pause target comes back as a first connect;
	// the pause resolves the same way it would on a reconnect.
	n, resumed := ss.ctl.Resume(playerID)
	if resumed {
		notifs = append(notifs, n...)
	}
	ss.persistLocked()
	ss.mu.Unlock()

	ss.broadcast(notifs)
	if resumed {
		ss.audit(models.EventResume, playerID, "player rejoined", nil)
	}
	return nil
}

// OnDisconnectSignal routes a transport drop signal to the owning
// session's health tracker. Signals for unknown connections are
// expected during cleanup races and ignored.
func (o *Orchestrator) OnDisconnectSignal(connectionID, reason string) {
	o.mu.RLock()
	sessionID, ok := o.byConn[connectionID]
	ss := o.sessions[sessionID]
	o.mu.RUnlock()

	if !ok || ss == nil {
		log.Debug().
			Str("connection_id", connectionID).
			Str("reason", reason).
			Msg("drop signal for untracked connection, ignoring")
		return
	}
	ss.tracker.ReportPotentialDrop(connectionID, reason)
}

// OnHeartbeatResponse routes a heartbeat ack to the owning tracker.
func (o *Orchestrator) OnHeartbeatResponse(connectionID string, token uint64) {
	o.mu.RLock()
	sessionID, ok := o.byConn[connectionID]
	ss := o.sessions[sessionID]
	o.mu.RUnlock()

	if !ok || ss == nil {
		return
	}
	ss.tracker.OnHeartbeatResponse(connectionID, token)
}

// UpdateQualityMetrics feeds a client-reported latency/loss sample.
func (o *Orchestrator) UpdateQualityMetrics(sessionID, playerID string, latencyMs, packetLoss float64) {
	ss, ok := o.getSession(sessionID)
	if !ok {
		return
	}
	ss.tracker.UpdateQualityMetrics(playerID, latencyMs, packetLoss)
}

// CastVote applies a continuation vote on the session sequencer.
// Returns false for benign rejections (unknown session, not awaiting a
// decision, ineligible voter).
func (o *Orchestrator) CastVote(sessionID, playerID string, choice models.ContinuationChoice) bool {
	ss, ok := o.getSession(sessionID)
	if !ok {
		log.Debug().Str("session_id", sessionID).Msg("vote for unknown session, ignoring")
		return false
	}

	ss.mu.Lock()
	wasDecided := ss.ctl.Decided()
	notifs, ok := ss.ctl.CastVote(playerID, choice)
	decidedNow := !wasDecided && ss.ctl.Decided()
	ended := ss.session.Status.Terminal()
	if ok {
		ss.persistLocked()
	}
	ss.mu.Unlock()

	if !ok {
		return false
	}

	ss.broadcast(notifs)
	if decidedNow {
		metrics.ContinuationDecisions.WithLabelValues(string(choice)).Inc()
		ss.audit(models.EventContinuationDecision, playerID, string(choice), nil)
	}
	if ended {
		o.removeSession(ss, "ended by continuation vote")
	}
	return true
}

// ManualPause pauses the session on behalf of a player. No grace
// period is armed; the same player resumes it explicitly.
func (o *Orchestrator) ManualPause(sessionID, playerID string) bool {
	ss, ok := o.getSession(sessionID)
	if !ok {
		return false
	}

	ss.mu.Lock()
	notifs, ok := ss.ctl.Pause(models.PauseManual, playerID)
	if ok {
		ss.persistLocked()
	}
	ss.mu.Unlock()

	if !ok {
		return false
	}
	metrics.SessionsPaused.WithLabelValues(string(models.PauseManual)).Inc()
	ss.broadcast(notifs)
	ss.audit(models.EventPause, playerID, string(models.PauseManual), nil)
	return true
}

// RequestResume resumes a manually paused session.
func (o *Orchestrator) RequestResume(sessionID, playerID string) bool {
	ss, ok := o.getSession(sessionID)
	if !ok {
		return false
	}

	ss.mu.Lock()
	notifs, ok := ss.ctl.Resume(playerID)
	if ok {
		ss.persistLocked()
	}
	ss.mu.Unlock()

	if !ok {
		return false
	}
	ss.broadcast(notifs)
	ss.audit(models.EventResume, playerID, "manual resume", nil)
	return true
}

// GetPlayerStatus answers a read query without side effects.
func (o *Orchestrator) GetPlayerStatus(sessionID, playerID string) (models.PlayerConnection, bool) {
	ss, ok := o.getSession(sessionID)
	if !ok {
		return models.PlayerConnection{}, false
	}
	return ss.tracker.Snapshot(playerID)
}

// GetSessionPlayersStatus lists every tracked player's record.
func (o *Orchestrator) GetSessionPlayersStatus(sessionID string) ([]models.PlayerConnection, bool) {
	ss, ok := o.getSession(sessionID)
	if !ok {
		return nil, false
	}
	return ss.tracker.Players(), true
}

// SessionSnapshot returns a copy of the session document.
func (o *Orchestrator) SessionSnapshot(sessionID string) (*models.Session, bool) {
	ss, ok := o.getSession(sessionID)
	if !ok {
		return nil, false
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return cloneSession(ss.session), true
}

// removeSession purges a terminal session from the active set. Safe to
// call more than once.
func (o *Orchestrator) removeSession(ss *sessionState, reason string) {
	ss.tracker.PurgeAll()
	o.timers.Clear(ss.session.ID)

	o.mu.Lock()
	delete(o.sessions, ss.session.ID)
	for connID, sid := range o.byConn {
		if sid == ss.session.ID {
			delete(o.byConn, connID)
		}
	}
	o.mu.Unlock()

	ss.stopSaver()

	log.Info().
		Str("session_id", ss.session.ID).
		Str("reason", reason).
		Msg("session removed from active set")
}

// Shutdown flushes pending saves for every active session.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	states := make([]*sessionState, 0, len(o.sessions))
	for _, ss := range o.sessions {
		states = append(states, ss)
	}
	o.mu.Unlock()

	for _, ss := range states {
		ss.stopSaver()
	}
}
