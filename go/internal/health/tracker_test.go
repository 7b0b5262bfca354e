package health

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilerack/tilerack/go/internal/models"
)

// quietConfig keeps heartbeat probing out of tests that advance the
// clock across long windows; probe behavior has its own tests.
func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = time.Hour
	return cfg
}

type confirmedDrop struct {
	playerID string
	reason   string
}

type recordSink struct {
	mu          sync.Mutex
	confirmed   []confirmedDrop
	reconnected []string
	degraded    []string
}

func (s *recordSink) DisconnectionConfirmed(playerID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmed = append(s.confirmed, confirmedDrop{playerID: playerID, reason: reason})
}

func (s *recordSink) ReconnectionSucceeded(playerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnected = append(s.reconnected, playerID)
}

func (s *recordSink) QualityDegraded(playerID string, from, to models.ConnectionQuality) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded = append(s.degraded, playerID+":"+string(from)+">"+string(to))
}

func (s *recordSink) confirmedDrops() []confirmedDrop {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]confirmedDrop(nil), s.confirmed...)
}

func (s *recordSink) reconnections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reconnected...)
}

func (s *recordSink) degradations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.degraded...)
}

type sentProbe struct {
	connectionID string
	token        uint64
}

type recordProber struct {
	mu     sync.Mutex
	probes []sentProbe
}

func (p *recordProber) SendProbe(connectionID string, token uint64, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes = append(p.probes, sentProbe{connectionID: connectionID, token: token})
	return nil
}

func (p *recordProber) sent() []sentProbe {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentProbe(nil), p.probes...)
}

func waitForStatus(t *testing.T, tr *Tracker, playerID string, want models.ConnectionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, ok := tr.Snapshot(playerID)
		return ok && snap.Status == want
	}, 2*time.Second, 5*time.Millisecond, "player %s never reached %s", playerID, want)
}

func TestDebounceConfirmsDisconnect(t *testing.T) {
	fc := clockwork.NewFakeClock()
	sink := &recordSink{}
	tr := NewTracker("sess-1", quietConfig(), fc, sink, NopProber{})
	tr.RegisterConnection("conn-1", "p1", ConnMeta{})

	tr.ReportPotentialDrop("conn-1", "read error")

	snap, ok := tr.Snapshot("p1")
	require.True(t, ok)
	assert.Equal(t, models.ConnectionDisconnecting, snap.Status)
	assert.Equal(t, 1, snap.DisconnectionCount)
	assert.Empty(t, sink.confirmedDrops(), "nothing should be confirmed before the debounce elapses")

	fc.Advance(3 * time.Second)

	waitForStatus(t, tr, "p1", models.ConnectionDisconnected)
	require.Eventually(t, func() bool {
		return len(sink.confirmedDrops()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "p1", sink.confirmedDrops()[0].playerID)
	assert.Equal(t, "read error", sink.confirmedDrops()[0].reason)
}

func TestBlipWithinDebounceNeverConfirms(t *testing.T) {
	fc := clockwork.NewFakeClock()
	sink := &recordSink{}
	tr := NewTracker("sess-1", quietConfig(), fc, sink, NopProber{})
	tr.RegisterConnection("conn-1", "p1", ConnMeta{})

	tr.ReportPotentialDrop("conn-1", "read error")
	fc.Advance(1 * time.Second)
	tr.ReportReconnection("conn-2", "p1", ConnMeta{})

	snap, ok := tr.Snapshot("p1")
	require.True(t, ok)
	assert.Equal(t, models.ConnectionConnected, snap.Status)
	assert.Equal(t, "conn-2", snap.ConnectionID)
	assert.Equal(t, 1, snap.DisconnectionCount, "the blip still counts toward stability")

	// The cancelled debounce timer must stay dead.
	fc.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sink.confirmedDrops())

	snap, _ = tr.Snapshot("p1")
	assert.Equal(t, models.ConnectionConnected, snap.Status)
}

func TestMobileBackgroundingTolerance(t *testing.T) {
	fc := clockwork.NewFakeClock()
	sink := &recordSink{}
	tr := NewTracker("sess-1", quietConfig(), fc, sink, NopProber{})
	tr.RegisterConnection("conn-1", "p1", ConnMeta{IsMobile: true})

	tr.ReportPotentialDrop("conn-1", "transport close")

	// Inside the tolerance window the player is still CONNECTED.
	snap, _ := tr.Snapshot("p1")
	assert.Equal(t, models.ConnectionConnected, snap.Status)
	assert.Equal(t, 0, snap.DisconnectionCount)

	fc.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	snap, _ = tr.Snapshot("p1")
	assert.Equal(t, models.ConnectionConnected, snap.Status)
	assert.Empty(t, sink.confirmedDrops())

	// Past the tolerance the normal disconnecting flow takes over.
	fc.Advance(6 * time.Second)
	waitForStatus(t, tr, "p1", models.ConnectionDisconnecting)

	// Mobile debounce is scaled 1.5x from the 3s base.
	fc.Advance(4500 * time.Millisecond)
	waitForStatus(t, tr, "p1", models.ConnectionDisconnected)
}

func TestMobileToleranceCancelledByReconnect(t *testing.T) {
	fc := clockwork.NewFakeClock()
	sink := &recordSink{}
	tr := NewTracker("sess-1", quietConfig(), fc, sink, NopProber{})
	tr.RegisterConnection("conn-1", "p1", ConnMeta{IsMobile: true})

	tr.ReportPotentialDrop("conn-1", "app backgrounded")
	fc.Advance(4 * time.Second)
	tr.ReportReconnection("conn-2", "p1", ConnMeta{IsMobile: true})

	fc.Advance(30 * time.Second)
	time.Sleep(20 * time.Millisecond)

	snap, _ := tr.Snapshot("p1")
	assert.Equal(t, models.ConnectionConnected, snap.Status)
	assert.Equal(t, 0, snap.DisconnectionCount, "a backgrounding blip never becomes a drop")
	assert.Empty(t, sink.confirmedDrops())
}

func TestStaleConnectionDropIgnored(t *testing.T) {
	fc := clockwork.NewFakeClock()
	sink := &recordSink{}
	tr := NewTracker("sess-1", quietConfig(), fc, sink, NopProber{})
	tr.RegisterConnection("conn-1", "p1", ConnMeta{})
	tr.ReportReconnection("conn-2", "p1", ConnMeta{})

	// The old socket's teardown arrives after the new one attached.
	tr.ReportPotentialDrop("conn-1", "read error")

	snap, _ := tr.Snapshot("p1")
	assert.Equal(t, models.ConnectionConnected, snap.Status)
	assert.Equal(t, 0, snap.DisconnectionCount)
}

func TestReconnectionAfterConfirmedDisconnect(t *testing.T) {
	fc := clockwork.NewFakeClock()
	sink := &recordSink{}
	tr := NewTracker("sess-1", quietConfig(), fc, sink, NopProber{})
	tr.RegisterConnection("conn-1", "p1", ConnMeta{})

	tr.ReportPotentialDrop("conn-1", "read error")
	fc.Advance(3 * time.Second)
	waitForStatus(t, tr, "p1", models.ConnectionDisconnected)

	tr.ReportReconnection("conn-2", "p1", ConnMeta{})

	snap, _ := tr.Snapshot("p1")
	assert.Equal(t, models.ConnectionConnected, snap.Status)
	assert.Equal(t, 1, snap.ReconnectionAttempts)
	assert.Equal(t, []string{"p1"}, sink.reconnections())

	// The record passed through RECONNECTING on the way back.
	var sawReconnecting bool
	for _, h := range snap.StatusHistory {
		if h.To == models.ConnectionReconnecting {
			sawReconnecting = true
		}
	}
	assert.True(t, sawReconnecting)
}

func TestHeartbeatTimeoutTreatedAsDropSignal(t *testing.T) {
	fc := clockwork.NewFakeClock()
	sink := &recordSink{}
	prober := &recordProber{}
	tr := NewTracker("sess-1", DefaultConfig(), fc, sink, prober)
	tr.RegisterConnection("conn-1", "p1", ConnMeta{})

	fc.Advance(25 * time.Second)
	require.Eventually(t, func() bool {
		return len(prober.sent()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "conn-1", prober.sent()[0].connectionID)

	// No response within the probe timeout.
	fc.Advance(5 * time.Second)
	waitForStatus(t, tr, "p1", models.ConnectionDisconnecting)

	fc.Advance(3 * time.Second)
	waitForStatus(t, tr, "p1", models.ConnectionDisconnected)
	require.Eventually(t, func() bool {
		return len(sink.confirmedDrops()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "heartbeat timeout", sink.confirmedDrops()[0].reason)
}

func TestHeartbeatResponseKeepsPlayerAlive(t *testing.T) {
	fc := clockwork.NewFakeClock()
	sink := &recordSink{}
	prober := &recordProber{}
	tr := NewTracker("sess-1", DefaultConfig(), fc, sink, prober)
	tr.RegisterConnection("conn-1", "p1", ConnMeta{})

	fc.Advance(25 * time.Second)
	require.Eventually(t, func() bool {
		return len(prober.sent()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	token := prober.sent()[0].token

	// A stale token must not count as a response.
	tr.OnHeartbeatResponse("conn-1", token+41)
	snap, _ := tr.Snapshot("p1")
	assert.Zero(t, snap.LatencyMs)

	fc.Advance(10 * time.Millisecond)
	tr.OnHeartbeatResponse("conn-1", token)

	snap, _ = tr.Snapshot("p1")
	assert.Equal(t, models.ConnectionConnected, snap.Status)
	assert.InDelta(t, 10.0, snap.LatencyMs, 0.01)

	// The probe timeout must not fire after a matched response.
	fc.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	snap, _ = tr.Snapshot("p1")
	assert.Equal(t, models.ConnectionConnected, snap.Status)
	assert.Empty(t, sink.confirmedDrops())
}

func TestQualityDegradationWarns(t *testing.T) {
	fc := clockwork.NewFakeClock()
	sink := &recordSink{}
	tr := NewTracker("sess-1", quietConfig(), fc, sink, NopProber{})
	tr.RegisterConnection("conn-1", "p1", ConnMeta{})

	tr.UpdateQualityMetrics("p1", 10, 0)
	assert.Empty(t, sink.degradations(), "improving never warns")

	tr.UpdateQualityMetrics("p1", 400, 0)
	require.Len(t, sink.degradations(), 1)
	assert.Equal(t, "p1:excellent>poor", sink.degradations()[0])

	snap, _ := tr.Snapshot("p1")
	assert.Equal(t, models.QualityPoor, snap.Quality)
}

func TestReconnectHandshakeFailureFallsBack(t *testing.T) {
	fc := clockwork.NewFakeClock()
	sink := &recordSink{}
	tr := NewTracker("sess-1", quietConfig(), fc, sink, NopProber{})
	tr.RegisterConnection("conn-1", "p1", ConnMeta{})

	tr.ReportPotentialDrop("conn-1", "read error")
	fc.Advance(3 * time.Second)
	waitForStatus(t, tr, "p1", models.ConnectionDisconnected)

	require.True(t, tr.BeginReconnect("conn-2", "p1", ConnMeta{}))
	snap, _ := tr.Snapshot("p1")
	assert.Equal(t, models.ConnectionReconnecting, snap.Status)

	tr.MarkReconnectFailed("p1", "state sync failed")

	snap, _ = tr.Snapshot("p1")
	assert.Equal(t, models.ConnectionDisconnected, snap.Status)
	assert.Equal(t, "state sync failed", snap.StatusHistory[len(snap.StatusHistory)-1].Cause)
	assert.Empty(t, sink.reconnections(), "a failed handshake never reports success")

	// A later attempt that completes goes all the way back.
	require.True(t, tr.ReportReconnection("conn-3", "p1", ConnMeta{}))
	snap, _ = tr.Snapshot("p1")
	assert.Equal(t, models.ConnectionConnected, snap.Status)
	assert.Equal(t, []string{"p1"}, sink.reconnections())
}

func TestMarkReconnectFailedMidDebounceRearms(t *testing.T) {
	fc := clockwork.NewFakeClock()
	sink := &recordSink{}
	tr := NewTracker("sess-1", quietConfig(), fc, sink, NopProber{})
	tr.RegisterConnection("conn-1", "p1", ConnMeta{})

	tr.ReportPotentialDrop("conn-1", "read error")
	fc.Advance(1 * time.Second)

	// BeginReconnect cancels the debounce; the failed handshake must
	// re-arm it or the player would hang in DISCONNECTING forever.
	require.True(t, tr.BeginReconnect("conn-2", "p1", ConnMeta{}))
	tr.MarkReconnectFailed("p1", "state sync failed")

	snap, _ := tr.Snapshot("p1")
	assert.Equal(t, models.ConnectionDisconnecting, snap.Status)

	fc.Advance(3 * time.Second)
	waitForStatus(t, tr, "p1", models.ConnectionDisconnected)
	require.Eventually(t, func() bool {
		return len(sink.confirmedDrops()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTransitionTableRejectsOutOfTableMoves(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tr := NewTracker("sess-1", quietConfig(), fc, &recordSink{}, NopProber{})
	tr.RegisterConnection("conn-1", "p1", ConnMeta{})

	tr.mu.Lock()
	ps := tr.players["p1"]
	rejected := !tr.transitionLocked(ps, models.ConnectionReconnecting, "bogus")
	alsoRejected := !tr.transitionLocked(ps, models.ConnectionDisconnected, "bogus")
	tr.mu.Unlock()

	assert.True(t, rejected, "CONNECTED cannot jump to RECONNECTING")
	assert.True(t, alsoRejected, "CONNECTED cannot jump to DISCONNECTED")

	snap, _ := tr.Snapshot("p1")
	assert.Equal(t, models.ConnectionConnected, snap.Status)
	assert.Empty(t, snap.StatusHistory)
}

func TestPurgeCancelsTimers(t *testing.T) {
	fc := clockwork.NewFakeClock()
	sink := &recordSink{}
	tr := NewTracker("sess-1", quietConfig(), fc, sink, NopProber{})
	tr.RegisterConnection("conn-1", "p1", ConnMeta{})

	tr.ReportPotentialDrop("conn-1", "read error")
	tr.Purge("p1")

	fc.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, sink.confirmedDrops())
	assert.False(t, tr.Has("p1"))
}
