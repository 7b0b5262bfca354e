package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tilerack/tilerack/go/internal/events"
	"github.com/tilerack/tilerack/go/internal/health"
	"github.com/tilerack/tilerack/go/internal/metrics"
	"github.com/tilerack/tilerack/go/internal/models"
	"github.com/tilerack/tilerack/go/internal/pause"
)

// sessionState is the per-session sequencer. ss.mu orders every
// mutation of the session document and the pause controller; the
// health tracker has its own lock and calls back in through the Sink
// interface with its lock released.
type sessionState struct {
	o       *Orchestrator
	tracker *health.Tracker
	ctl     *pause.Controller

	mu      sync.Mutex
	session *models.Session

	// Coalescing save pipeline: persistLocked stages a snapshot and
	// wakes the saver, which always writes the latest staged snapshot.
	pendingMu sync.Mutex
	pending   *models.Session
	wakeCh    chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func newSessionState(o *Orchestrator, sess *models.Session) *sessionState {
	ss := &sessionState{
		o:       o,
		session: sess,
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	ss.tracker = health.NewTracker(sess.ID, o.cfg.Health, o.clock, ss, transportProber{o.transport})
	ss.ctl = pause.NewController(o.clock, o.timers, ss.tracker, sess, ss.graceExpired)
	return ss
}

// transportProber delivers heartbeat probes over the socket layer.
type transportProber struct {
	t Transport
}

func (p transportProber) SendProbe(connectionID string, token uint64, sentAt time.Time) error {
	return p.t.Send(connectionID, events.EventHeartbeat, events.HeartbeatPayload{
		Token:  token,
		SentAt: sentAt,
	})
}

// DisconnectionConfirmed implements health.Sink. A confirmed
// disconnect either abandons the session (everyone gone), pauses it
// (current turn holder gone) or just tells the table who dropped. The
// tracker fires this callback with its lock released, so a reconnect
// can land first; the fresh status check keeps a stale confirmation
// from pausing a session whose target is already back.
func (ss *sessionState) DisconnectionConfirmed(playerID, reason string) {
	ss.mu.Lock()
	snap, ok := ss.tracker.Snapshot(playerID)
	if !ok || snap.Status != models.ConnectionDisconnected {
		ss.mu.Unlock()
		log.Debug().
			Str("session_id", ss.session.ID).
			Str("player_id", playerID).
			Str("status", string(snap.Status)).
			Msg("disconnect confirmation superseded by reconnect, ignoring")
		return
	}
	metrics.DisconnectionsConfirmed.Inc()
	notifs := []events.Notification{
		events.Broadcast(events.EventPlayerStatusUpdate, events.PlayerStatusUpdatePayload{
			PlayerID: playerID,
			Status:   models.ConnectionDisconnected,
			Quality:  snap.Quality,
		}),
	}

	var (
		abandoned bool
		paused    bool
		graceDur  time.Duration
	)
	switch {
	case ss.tracker.AllDisconnected():
		n, ok := ss.ctl.HandleAbandonment("all players disconnected")
		if ok {
			abandoned = true
			notifs = append(notifs, n...)
		}
	case ss.o.rules.IsCurrentTurnHolder(ss.session, playerID):
		n, ok := ss.ctl.Pause(models.PauseCurrentPlayerDisconnect, playerID)
		if ok {
			paused = true
			notifs = append(notifs, n...)
			graceDur, _ = ss.ctl.StartGracePeriod(playerID)
			for i := range notifs {
				if p, ok := notifs[i].Payload.(events.GamePausedPayload); ok {
					p.GracePeriodMs = graceDur.Milliseconds()
					notifs[i].Payload = p
				}
			}
		}
	}
	ss.persistLocked()
	ss.mu.Unlock()

	ss.broadcast(notifs)
	ss.audit(models.EventDisconnect, playerID, reason, nil)

	if paused {
		metrics.SessionsPaused.WithLabelValues(string(models.PauseCurrentPlayerDisconnect)).Inc()
		ss.audit(models.EventPause, playerID, string(models.PauseCurrentPlayerDisconnect), nil)
		ss.audit(models.EventGracePeriodStart, playerID, "", durationMetadata(graceDur))
	}
	if abandoned {
		metrics.SessionsAbandoned.Inc()
		ss.o.removeSession(ss, "all players disconnected")
	}
}

// ReconnectionSucceeded implements health.Sink. A returning player
// who is the pause target resumes the session.
func (ss *sessionState) ReconnectionSucceeded(playerID string) {
	metrics.Reconnections.Inc()

	ss.mu.Lock()
	snap, _ := ss.tracker.Snapshot(playerID)
	notifs := []events.Notification{
		events.Broadcast(events.EventPlayerStatusUpdate, events.PlayerStatusUpdatePayload{
			PlayerID: playerID,
			Status:   models.ConnectionConnected,
			Quality:  snap.Quality,
		}),
	}
	n, resumed := ss.ctl.Resume(playerID)
	if resumed {
		notifs = append(notifs, n...)
	}
	ss.persistLocked()
	ss.mu.Unlock()

	ss.broadcast(notifs)
	ss.audit(models.EventReconnect, playerID, "", nil)
	if resumed {
		ss.audit(models.EventResume, playerID, "player reconnected", nil)
	}
}

// QualityDegraded implements health.Sink.
func (ss *sessionState) QualityDegraded(playerID string, from, to models.ConnectionQuality) {
	ss.broadcast([]events.Notification{
		events.Broadcast(events.EventConnectionQualityWarning, events.QualityWarningPayload{
			PlayerID: playerID,
			From:     from,
			To:       to,
		}),
	})
}

// graceExpired is the pause.ExpireFunc wired into the controller; it
// re-enters the sequencer before acting.
func (ss *sessionState) graceExpired(targetPlayerID string, gen uint64) {
	ss.mu.Lock()
	notifs := ss.ctl.OnGraceExpired(targetPlayerID, gen)
	if len(notifs) > 0 {
		ss.persistLocked()
	}
	ss.mu.Unlock()

	if len(notifs) == 0 {
		return
	}
	metrics.GracePeriodsExpired.Inc()
	ss.broadcast(notifs)
	ss.audit(models.EventGracePeriodExpire, targetPlayerID, "grace period elapsed", nil)
}

// broadcast fans notifications out through the transport. Targeted
// notifications go to one player's live connection; the rest go to
// every connected player. Send failures are logged, never fatal; the
// heartbeat layer owns detecting a dead connection.
func (ss *sessionState) broadcast(notifs []events.Notification) {
	if len(notifs) == 0 {
		return
	}
	players := ss.tracker.Players()

	for _, n := range notifs {
		for _, p := range players {
			if p.Status != models.ConnectionConnected {
				continue
			}
			if n.TargetPlayerID != "" && n.TargetPlayerID != p.PlayerID {
				continue
			}
			if err := ss.o.transport.Send(p.ConnectionID, n.Event, n.Payload); err != nil {
				log.Warn().
					Err(err).
					Str("session_id", ss.session.ID).
					Str("player_id", p.PlayerID).
					Str("event", n.Event).
					Msg("failed to send event")
			}
		}
	}
}

// audit appends a reconnection event asynchronously and relays it to
// the external consumer when one is wired.
func (ss *sessionState) audit(eventType models.ReconnectionEventType, playerID, reason string, metadata json.RawMessage) {
	ev := models.ReconnectionEvent{
		ID:        uuid.NewString(),
		SessionID: ss.session.ID,
		EventType: eventType,
		PlayerID:  playerID,
		Timestamp: ss.o.clock.Now(),
		Reason:    reason,
		Metadata:  metadata,
	}

	go func() {
		ctx := context.Background()
		if err := ss.o.store.AppendReconnectionEvent(ctx, ev); err != nil {
			log.Error().
				Err(err).
				Str("session_id", ev.SessionID).
				Str("event_type", string(ev.EventType)).
				Msg("failed to append audit event")
		}
		if ss.o.relay != nil {
			if err := ss.o.relay.Publish(ctx, ev); err != nil {
				log.Warn().
					Err(err).
					Str("session_id", ev.SessionID).
					Str("event_type", string(ev.EventType)).
					Msg("failed to relay audit event")
			}
		}
	}()
}

func durationMetadata(d time.Duration) json.RawMessage {
	raw, err := json.Marshal(map[string]int64{"duration_ms": d.Milliseconds()})
	if err != nil {
		return nil
	}
	return raw
}

// persistLocked stages a snapshot for the saver goroutine. Caller
// holds ss.mu, which keeps staged snapshots in mutation order; the
// saver coalesces bursts down to the latest one.
func (ss *sessionState) persistLocked() {
	snapshot := cloneSession(ss.session)

	ss.pendingMu.Lock()
	ss.pending = snapshot
	ss.pendingMu.Unlock()

	select {
	case ss.wakeCh <- struct{}{}:
	default:
	}
}

func (ss *sessionState) takePending() *models.Session {
	ss.pendingMu.Lock()
	defer ss.pendingMu.Unlock()
	p := ss.pending
	ss.pending = nil
	return p
}

// saver is the per-session persistence goroutine. Storage latency
// never blocks the sequencer; in-memory state stays authoritative
// while a write retries.
func (ss *sessionState) saver() {
	for {
		select {
		case <-ss.stopCh:
			ss.flushPending()
			return
		case <-ss.wakeCh:
			ss.flushPending()
		}
	}
}

func (ss *sessionState) flushPending() {
	snapshot := ss.takePending()
	if snapshot == nil {
		return
	}
	if err := ss.o.store.SaveSession(context.Background(), snapshot); err != nil {
		log.Error().
			Err(err).
			Str("session_id", snapshot.ID).
			Msg("session snapshot not persisted")
	}
}

func (ss *sessionState) stopSaver() {
	ss.stopOnce.Do(func() { close(ss.stopCh) })
}

// cloneSession deep-copies the document so the saver never races the
// sequencer.
func cloneSession(sess *models.Session) *models.Session {
	raw, err := json.Marshal(sess)
	if err != nil {
		log.Error().Err(err).Str("session_id", sess.ID).Msg("failed to clone session")
		return nil
	}
	var out models.Session
	if err := json.Unmarshal(raw, &out); err != nil {
		log.Error().Err(err).Str("session_id", sess.ID).Msg("failed to clone session")
		return nil
	}
	return &out
}
