package health

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilerack/tilerack/go/internal/models"
)

func TestQualityFor(t *testing.T) {
	testCases := []struct {
		name       string
		latencyMs  float64
		packetLoss float64
		expected   models.ConnectionQuality
	}{
		{
			name:      "fast and clean link is excellent",
			latencyMs: 10, packetLoss: 0,
			expected: models.QualityExcellent,
		},
		{
			name:      "just under the excellent threshold",
			latencyMs: 40, packetLoss: 0.005,
			expected: models.QualityExcellent,
		},
		{
			name:      "exactly at the excellent boundary falls to good",
			latencyMs: 50, packetLoss: 0,
			expected: models.QualityGood,
		},
		{
			name:      "moderate latency is good",
			latencyMs: 100, packetLoss: 0,
			expected: models.QualityGood,
		},
		{
			name:      "loss inflates effective latency out of excellent",
			latencyMs: 45, packetLoss: 0.02,
			expected: models.QualityGood,
		},
		{
			name:      "slow link is fair",
			latencyMs: 200, packetLoss: 0,
			expected: models.QualityFair,
		},
		{
			name:      "fast but lossy link degrades to fair",
			latencyMs: 100, packetLoss: 0.08,
			expected: models.QualityFair,
		},
		{
			name:      "very slow link is poor",
			latencyMs: 400, packetLoss: 0,
			expected: models.QualityPoor,
		},
		{
			name:      "heavy loss is poor regardless of latency",
			latencyMs: 40, packetLoss: 0.15,
			expected: models.QualityPoor,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, qualityFor(tc.latencyMs, tc.packetLoss))
		})
	}
}

// dropAndReconnect runs one full blip cycle for the player so the
// disconnection count and status history accumulate.
func dropAndReconnect(t *testing.T, tr *Tracker, fc *clockwork.FakeClock, playerID string, cycle int) {
	t.Helper()

	snap, ok := tr.Snapshot(playerID)
	require.True(t, ok)

	tr.ReportPotentialDrop(snap.ConnectionID, "read error")
	fc.Advance(500 * time.Millisecond)
	tr.ReportReconnection(newConnID(playerID, cycle), playerID, ConnMeta{})
}

func newConnID(playerID string, cycle int) string {
	return playerID + "-conn-" + string(rune('a'+cycle))
}

func TestAssessStability(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tr := NewTracker("sess-1", quietConfig(), fc, &recordSink{}, NopProber{})
	tr.RegisterConnection("conn-1", "p1", ConnMeta{})

	assert.Equal(t, models.StabilityStable, tr.AssessStability("p1"))

	dropAndReconnect(t, tr, fc, "p1", 0)
	assert.Equal(t, models.StabilityStable, tr.AssessStability("p1"),
		"a single drop should not mark a player unstable")

	dropAndReconnect(t, tr, fc, "p1", 1)
	assert.Equal(t, models.StabilitySomewhatUnstable, tr.AssessStability("p1"))

	dropAndReconnect(t, tr, fc, "p1", 2)
	dropAndReconnect(t, tr, fc, "p1", 3)
	assert.Equal(t, models.StabilityUnstable, tr.AssessStability("p1"))
}

func TestAssessStabilityUnknownPlayer(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tr := NewTracker("sess-1", quietConfig(), fc, &recordSink{}, NopProber{})
	assert.Equal(t, models.StabilityStable, tr.AssessStability("nobody"))
}

func TestGracePeriodFor(t *testing.T) {
	cfg := quietConfig()

	t.Run("stable desktop player gets the standard window", func(t *testing.T) {
		fc := clockwork.NewFakeClock()
		tr := NewTracker("sess-1", cfg, fc, &recordSink{}, NopProber{})
		tr.RegisterConnection("conn-1", "p1", ConnMeta{NetworkType: models.NetworkWifi})

		assert.Equal(t, cfg.StandardGracePeriod, tr.GracePeriodFor("p1"))
	})

	t.Run("mobile player gets the extended window", func(t *testing.T) {
		fc := clockwork.NewFakeClock()
		tr := NewTracker("sess-1", cfg, fc, &recordSink{}, NopProber{})
		tr.RegisterConnection("conn-1", "p1", ConnMeta{IsMobile: true})

		assert.Equal(t, cfg.ExtendedGracePeriod, tr.GracePeriodFor("p1"))
	})

	t.Run("cellular player gets the extended window", func(t *testing.T) {
		fc := clockwork.NewFakeClock()
		tr := NewTracker("sess-1", cfg, fc, &recordSink{}, NopProber{})
		tr.RegisterConnection("conn-1", "p1", ConnMeta{NetworkType: models.NetworkCellular})

		assert.Equal(t, cfg.ExtendedGracePeriod, tr.GracePeriodFor("p1"))
	})

	t.Run("poor link gets the extended window", func(t *testing.T) {
		fc := clockwork.NewFakeClock()
		tr := NewTracker("sess-1", cfg, fc, &recordSink{}, NopProber{})
		tr.RegisterConnection("conn-1", "p1", ConnMeta{NetworkType: models.NetworkWifi})
		tr.UpdateQualityMetrics("p1", 400, 0)

		assert.Equal(t, cfg.ExtendedGracePeriod, tr.GracePeriodFor("p1"))
	})

	t.Run("somewhat unstable player gets the midpoint", func(t *testing.T) {
		fc := clockwork.NewFakeClock()
		tr := NewTracker("sess-1", cfg, fc, &recordSink{}, NopProber{})
		tr.RegisterConnection("conn-1", "p1", ConnMeta{NetworkType: models.NetworkWifi})

		dropAndReconnect(t, tr, fc, "p1", 0)
		dropAndReconnect(t, tr, fc, "p1", 1)

		expected := (cfg.StandardGracePeriod + cfg.ExtendedGracePeriod) / 2
		assert.Equal(t, expected, tr.GracePeriodFor("p1"))
	})

	t.Run("unknown player falls back to standard", func(t *testing.T) {
		fc := clockwork.NewFakeClock()
		tr := NewTracker("sess-1", cfg, fc, &recordSink{}, NopProber{})

		assert.Equal(t, cfg.StandardGracePeriod, tr.GracePeriodFor("nobody"))
	})
}
