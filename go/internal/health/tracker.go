package health

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tilerack/tilerack/go/internal/models"
)

// Config holds the tunable windows for disconnect detection.
type Config struct {
	DisconnectionDelay        time.Duration // debounce before a drop counts
	MaxDisconnectionDelay     time.Duration // cap after mobile/quality scaling
	MobileBackgroundTolerance time.Duration // extra window for backgrounded mobile clients
	StandardGracePeriod       time.Duration
	ExtendedGracePeriod       time.Duration
	HeartbeatInterval         time.Duration
	HeartbeatTimeout          time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DisconnectionDelay:        3 * time.Second,
		MaxDisconnectionDelay:     10 * time.Second,
		MobileBackgroundTolerance: 10 * time.Second,
		StandardGracePeriod:       180 * time.Second,
		ExtendedGracePeriod:       300 * time.Second,
		HeartbeatInterval:         25 * time.Second,
		HeartbeatTimeout:          5 * time.Second,
	}
}

// Sink receives confirmed outcomes from the tracker. Callbacks are
// invoked without the tracker lock held, so implementations may call
// back into the tracker.
type Sink interface {
	DisconnectionConfirmed(playerID, reason string)
	ReconnectionSucceeded(playerID string)
	QualityDegraded(playerID string, from, to models.ConnectionQuality)
}

// Prober delivers heartbeat probes to a live connection.
type Prober interface {
	SendProbe(connectionID string, token uint64, sentAt time.Time) error
}

// NopProber discards probes. Used where no transport is wired.
type NopProber struct{}

func (NopProber) SendProbe(string, uint64, time.Time) error { return nil }

// ConnMeta carries client-reported connection traits.
type ConnMeta struct {
	IsMobile    bool
	NetworkType models.NetworkType
}

// Drop reasons that look like a mobile client being backgrounded
// rather than a real disconnect.
var backgroundingReasons = map[string]bool{
	"transport close":   true,
	"app backgrounded":  true,
	"visibility hidden": true,
	"page hidden":       true,
}

// allowedTransitions is the per-player state machine. Same-state
// transitions are no-ops; anything outside the table is rejected so a
// stale drop signal cannot undo a fresher reconnect.
var allowedTransitions = map[models.ConnectionStatus][]models.ConnectionStatus{
	models.ConnectionConnected:     {models.ConnectionDisconnecting},
	models.ConnectionDisconnecting: {models.ConnectionConnected, models.ConnectionDisconnected},
	models.ConnectionDisconnected:  {models.ConnectionReconnecting},
	models.ConnectionReconnecting:  {models.ConnectionConnected, models.ConnectionDisconnected},
}

type playerState struct {
	conn models.PlayerConnection

	// gen is bumped whenever a pending drop timer is superseded; timer
	// callbacks compare their captured value before acting.
	gen       uint64
	dropTimer clockwork.Timer

	probing          bool
	probeToken       uint64
	probeOutstanding bool
	probeSentAt      time.Time
	probesSent       int
	probesMissed     int
	probeTimer       clockwork.Timer
}

// Tracker owns the PlayerConnection records for one session and
// decides whether a transport drop means anything.
type Tracker struct {
	sessionID string
	cfg       Config
	clock     clockwork.Clock
	sink      Sink
	prober    Prober

	mu      sync.Mutex
	players map[string]*playerState
	byConn  map[string]string
}

// NewTracker creates a tracker for one session.
func NewTracker(sessionID string, cfg Config, clock clockwork.Clock, sink Sink, prober Prober) *Tracker {
	if prober == nil {
		prober = NopProber{}
	}
	return &Tracker{
		sessionID: sessionID,
		cfg:       cfg,
		clock:     clock,
		sink:      sink,
		prober:    prober,
		players:   make(map[string]*playerState),
		byConn:    make(map[string]string),
	}
}

// RegisterConnection creates the PlayerConnection record for a player
// seen for the first time and starts heartbeat probing. Idempotent per
// connection id. Re-attaching a returning player goes through
// ReportReconnection instead.
func (t *Tracker) RegisterConnection(connectionID, playerID string, meta ConnMeta) models.PlayerConnection {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ps, ok := t.players[playerID]; ok {
		if ps.conn.ConnectionID != connectionID {
			delete(t.byConn, ps.conn.ConnectionID)
			ps.conn.ConnectionID = connectionID
			t.byConn[connectionID] = playerID
		}
		return ps.conn
	}

	now := t.clock.Now()
	nt := meta.NetworkType
	if nt == "" {
		nt = models.NetworkUnknown
	}
	ps := &playerState{
		conn: models.PlayerConnection{
			PlayerID:     playerID,
			SessionID:    t.sessionID,
			ConnectionID: connectionID,
			Status:       models.ConnectionConnected,
			Quality:      models.QualityGood,
			IsMobile:     meta.IsMobile,
			NetworkType:  nt,
			ConnectedAt:  now,
			LastSeenAt:   now,
		},
	}
	t.players[playerID] = ps
	t.byConn[connectionID] = playerID
	t.scheduleProbeLocked(playerID, ps)

	log.Debug().
		Str("session_id", t.sessionID).
		Str("player_id", playerID).
		Str("connection_id", connectionID).
		Bool("mobile", meta.IsMobile).
		Msg("connection registered")

	return ps.conn
}

// Has reports whether a record exists for the player.
func (t *Tracker) Has(playerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.players[playerID]
	return ok
}

// ResolvePlayer maps a connection id to its player.
func (t *Tracker) ResolvePlayer(connectionID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byConn[connectionID]
	return id, ok
}

// ReportPotentialDrop handles a transport drop signal. Mobile clients
// with a backgrounding-shaped reason get the extended tolerance window
// before DISCONNECTING is even entered; everyone else moves to
// DISCONNECTING and arms the debounce timer.
func (t *Tracker) ReportPotentialDrop(connectionID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	playerID, ok := t.byConn[connectionID]
	if !ok {
		log.Warn().
			Str("session_id", t.sessionID).
			Str("connection_id", connectionID).
			Str("reason", reason).
			Msg("drop signal for unknown connection, ignoring")
		return
	}
	ps := t.players[playerID]

	if ps.conn.ConnectionID != connectionID {
		log.Warn().
			Str("session_id", t.sessionID).
			Str("player_id", playerID).
			Msg("drop signal from stale connection, ignoring")
		return
	}
	if ps.conn.Status != models.ConnectionConnected {
		log.Debug().
			Str("session_id", t.sessionID).
			Str("player_id", playerID).
			Str("status", string(ps.conn.Status)).
			Msg("drop signal while not connected, ignoring")
		return
	}

	if ps.conn.IsMobile && backgroundingReasons[reason] {
		ps.gen++
		gen := ps.gen
		t.stopDropTimerLocked(ps)
		ps.dropTimer = t.clock.AfterFunc(t.cfg.MobileBackgroundTolerance, func() {
			t.toleranceExpired(playerID, gen, reason)
		})
		log.Debug().
			Str("session_id", t.sessionID).
			Str("player_id", playerID).
			Str("reason", reason).
			Dur("tolerance", t.cfg.MobileBackgroundTolerance).
			Msg("mobile backgrounding suspected, delaying disconnect handling")
		return
	}

	t.enterDisconnectingLocked(playerID, ps, reason)
}

func (t *Tracker) toleranceExpired(playerID string, gen uint64, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps, ok := t.players[playerID]
	if !ok || ps.gen != gen || ps.conn.Status != models.ConnectionConnected {
		return
	}
	t.enterDisconnectingLocked(playerID, ps, reason)
}

// transitionLocked moves a player through the state machine. Same-state
// moves are no-ops; anything outside allowedTransitions is rejected, so
// a stale signal cannot undo a fresher state.
func (t *Tracker) transitionLocked(ps *playerState, to models.ConnectionStatus, cause string) bool {
	from := ps.conn.Status
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			ps.conn.RecordTransition(to, cause, t.clock.Now())
			return true
		}
	}
	log.Warn().
		Str("session_id", t.sessionID).
		Str("player_id", ps.conn.PlayerID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("cause", cause).
		Msg("connection state transition rejected")
	return false
}

// enterDisconnectingLocked records the drop and arms the debounce
// timer. disconnectionCount counts accepted drop signals, not only
// confirmed disconnects, so brief blips still feed stability scoring.
func (t *Tracker) enterDisconnectingLocked(playerID string, ps *playerState, reason string) {
	if !t.transitionLocked(ps, models.ConnectionDisconnecting, reason) {
		return
	}
	ps.conn.DisconnectionCount++
	ps.conn.LastDisconnectReason = reason
	t.stopProbingLocked(ps)

	ps.gen++
	gen := ps.gen
	t.stopDropTimerLocked(ps)
	delay := t.debounceDelayLocked(ps)
	ps.dropTimer = t.clock.AfterFunc(delay, func() {
		t.debounceExpired(playerID, gen, reason)
	})

	log.Info().
		Str("session_id", t.sessionID).
		Str("player_id", playerID).
		Str("reason", reason).
		Dur("debounce", delay).
		Msg("player disconnecting, debounce armed")
}

// debounceDelayLocked scales the base debounce for mobile clients and
// degraded link quality, capped at the configured maximum.
func (t *Tracker) debounceDelayLocked(ps *playerState) time.Duration {
	delay := t.cfg.DisconnectionDelay
	if ps.conn.IsMobile {
		delay = delay * 3 / 2
	}
	switch ps.conn.Quality {
	case models.QualityFair:
		delay = delay * 3 / 2
	case models.QualityPoor:
		delay = delay * 2
	}
	if delay > t.cfg.MaxDisconnectionDelay {
		delay = t.cfg.MaxDisconnectionDelay
	}
	return delay
}

func (t *Tracker) debounceExpired(playerID string, gen uint64, reason string) {
	t.mu.Lock()
	ps, ok := t.players[playerID]
	if !ok || ps.gen != gen || ps.conn.Status != models.ConnectionDisconnecting {
		t.mu.Unlock()
		return
	}
	if !t.transitionLocked(ps, models.ConnectionDisconnected, "debounce elapsed") {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	log.Info().
		Str("session_id", t.sessionID).
		Str("player_id", playerID).
		Str("reason", reason).
		Msg("disconnection confirmed")

	t.sink.DisconnectionConfirmed(playerID, reason)
}

// BeginReconnect rebinds a returning player to a fresh connection id,
// cancelling any pending debounce or tolerance timer. A DISCONNECTED
// player moves to RECONNECTING; the reconnect completes only when the
// caller finishes the handshake with CompleteReconnect, or fails it
// with MarkReconnectFailed.
func (t *Tracker) BeginReconnect(connectionID, playerID string, meta ConnMeta) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps, ok := t.players[playerID]
	if !ok {
		log.Warn().
			Str("session_id", t.sessionID).
			Str("player_id", playerID).
			Msg("reconnection for unknown player, ignoring")
		return false
	}

	ps.gen++
	t.stopDropTimerLocked(ps)

	delete(t.byConn, ps.conn.ConnectionID)
	ps.conn.ConnectionID = connectionID
	t.byConn[connectionID] = playerID
	ps.conn.IsMobile = meta.IsMobile
	if meta.NetworkType != "" {
		ps.conn.NetworkType = meta.NetworkType
	}
	ps.conn.ReconnectionAttempts++

	if ps.conn.Status == models.ConnectionDisconnected {
		t.transitionLocked(ps, models.ConnectionReconnecting, "reconnect attempt")
	}
	return true
}

// CompleteReconnect finishes a reconnect whose handshake succeeded.
func (t *Tracker) CompleteReconnect(playerID string) bool {
	t.mu.Lock()
	ps, ok := t.players[playerID]
	if !ok {
		t.mu.Unlock()
		return false
	}

	switch ps.conn.Status {
	case models.ConnectionConnected:
		// The client replaced its transport without the old one dropping.
	case models.ConnectionDisconnecting:
		t.transitionLocked(ps, models.ConnectionConnected, "activity resumed")
	case models.ConnectionReconnecting:
		t.transitionLocked(ps, models.ConnectionConnected, "handshake ok")
	default:
		t.mu.Unlock()
		return false
	}
	ps.conn.LastSeenAt = t.clock.Now()
	connectionID := ps.conn.ConnectionID
	t.scheduleProbeLocked(playerID, ps)
	t.mu.Unlock()

	log.Info().
		Str("session_id", t.sessionID).
		Str("player_id", playerID).
		Str("connection_id", connectionID).
		Msg("reconnection successful")

	t.sink.ReconnectionSucceeded(playerID)
	return true
}

// ReportReconnection re-attaches a returning player in one step, for
// callers with no handshake of their own.
func (t *Tracker) ReportReconnection(connectionID, playerID string, meta ConnMeta) bool {
	if !t.BeginReconnect(connectionID, playerID, meta) {
		return false
	}
	return t.CompleteReconnect(playerID)
}

// MarkReconnectFailed records a failed or timed-out reconnect
// handshake. A RECONNECTING player falls back to DISCONNECTED; a player
// caught mid-debounce re-arms it, since BeginReconnect cancelled the
// pending timer.
func (t *Tracker) MarkReconnectFailed(playerID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps, ok := t.players[playerID]
	if !ok {
		return
	}
	switch ps.conn.Status {
	case models.ConnectionReconnecting:
		t.transitionLocked(ps, models.ConnectionDisconnected, reason)
	case models.ConnectionDisconnecting:
		ps.gen++
		gen := ps.gen
		t.stopDropTimerLocked(ps)
		delay := t.debounceDelayLocked(ps)
		ps.dropTimer = t.clock.AfterFunc(delay, func() {
			t.debounceExpired(playerID, gen, reason)
		})
	}
}

// Snapshot returns a copy of the player's record.
func (t *Tracker) Snapshot(playerID string) (models.PlayerConnection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.players[playerID]
	if !ok {
		return models.PlayerConnection{}, false
	}
	return copyConn(ps.conn), true
}

// Players returns copies of every record, ordered by player id.
func (t *Tracker) Players() []models.PlayerConnection {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]models.PlayerConnection, 0, len(t.players))
	for _, ps := range t.players {
		out = append(out, copyConn(ps.conn))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out
}

// ConnectedPlayerIDs lists players currently in CONNECTED state.
func (t *Tracker) ConnectedPlayerIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	for id, ps := range t.players {
		if ps.conn.Status == models.ConnectionConnected {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// AllDisconnected reports whether every tracked player is DISCONNECTED.
func (t *Tracker) AllDisconnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.players) == 0 {
		return false
	}
	for _, ps := range t.players {
		if ps.conn.Status != models.ConnectionDisconnected {
			return false
		}
	}
	return true
}

// Purge removes a player's record and cancels its timers. Used when a
// player is permanently removed from the session.
func (t *Tracker) Purge(playerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps, ok := t.players[playerID]
	if !ok {
		return
	}
	ps.gen++
	t.stopDropTimerLocked(ps)
	t.stopProbingLocked(ps)
	delete(t.byConn, ps.conn.ConnectionID)
	delete(t.players, playerID)
}

// PurgeAll removes every record. Used on session teardown.
func (t *Tracker) PurgeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, ps := range t.players {
		ps.gen++
		t.stopDropTimerLocked(ps)
		t.stopProbingLocked(ps)
		delete(t.byConn, ps.conn.ConnectionID)
		delete(t.players, id)
	}
}

func (t *Tracker) stopDropTimerLocked(ps *playerState) {
	if ps.dropTimer != nil {
		ps.dropTimer.Stop()
		ps.dropTimer = nil
	}
}

func copyConn(c models.PlayerConnection) models.PlayerConnection {
	out := c
	out.StatusHistory = append([]models.StatusTransition(nil), c.StatusHistory...)
	return out
}
