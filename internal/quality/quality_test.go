package quality

import (
	"testing"
	"time"

	"relaycast/internal/encode"
	"relaycast/internal/transport"
)

func newTestController(onChange OnChange) *Controller {
	return New(Config{
		InitialBitrate: 8_000_000,
		MinBitrate:     1_000_000,
		MaxBitrate:     50_000_000,
		InitialFPS:     60,
		InitialQP:      25,
		InitialWidth:   1920,
		InitialHeight:  1080,
		Codec:          encode.CodecH264,
	}, onChange)
}

func TestController_StableHoldsOnGoodStats(t *testing.T) {
	var calls int
	c := newTestController(func(Settings) { calls++ })
	c.Feed(transport.NetworkStats{RTTMillis: 50, LossRate: 0.005})
	if c.State() != StateStable {
		t.Fatalf("expected Stable, got %s", c.State())
	}
	if calls != 0 {
		t.Fatalf("expected no adjustment, got %d calls", calls)
	}
}

func TestController_DegradesOnHighRTT(t *testing.T) {
	var got Settings
	c := newTestController(func(s Settings) { got = s })
	c.Feed(transport.NetworkStats{RTTMillis: 120, LossRate: 0})

	if c.State() != StateDegrading {
		t.Fatalf("expected Degrading, got %s", c.State())
	}
	if got.Bitrate != 7_200_000 {
		t.Fatalf("expected bitrate reduced to 7200000, got %d", got.Bitrate)
	}
	if got.QP != 27 {
		t.Fatalf("expected qp=27, got %d", got.QP)
	}
}

func TestController_AggressiveReductionOnSevereLoss(t *testing.T) {
	var got Settings
	c := newTestController(func(s Settings) { got = s })
	c.mu.Lock()
	c.state = StateDegrading
	c.mu.Unlock()

	c.Feed(transport.NetworkStats{RTTMillis: 200, LossRate: 0.06})

	if c.State() != StateDegrading {
		t.Fatalf("expected to remain Degrading, got %s", c.State())
	}
	if got.FPS != aggressiveFPS || got.QP != aggressiveQP {
		t.Fatalf("expected aggressive fps/qp, got fps=%d qp=%d", got.FPS, got.QP)
	}
}

func TestController_ProbesThenIncreasesOnExcellentStats(t *testing.T) {
	var got Settings
	c := newTestController(func(s Settings) { got = s })

	c.Feed(transport.NetworkStats{RTTMillis: 10, LossRate: 0})
	if c.State() != StateProbing {
		t.Fatalf("expected Probing, got %s", c.State())
	}
	if got.Bitrate <= 8_000_000 {
		t.Fatalf("expected bitrate to increase, got %d", got.Bitrate)
	}
}

func TestController_ProbingRollsBackToStableWhenConditionsWorsen(t *testing.T) {
	c := newTestController(func(Settings) {})
	c.mu.Lock()
	c.state = StateProbing
	c.mu.Unlock()

	c.Feed(transport.NetworkStats{RTTMillis: 60, JitterMillis: 10})
	if c.State() != StateStable {
		t.Fatalf("expected rollback to Stable, got %s", c.State())
	}
}

func TestController_RateLimitsAdjustments(t *testing.T) {
	var calls int
	c := newTestController(func(Settings) { calls++ })

	c.Feed(transport.NetworkStats{RTTMillis: 120, LossRate: 0})
	c.Feed(transport.NetworkStats{RTTMillis: 200, LossRate: 0})

	if calls != 1 {
		t.Fatalf("expected exactly one adjustment within the 500ms window, got %d", calls)
	}
}

func TestController_AdjustsAgainAfterCooldown(t *testing.T) {
	var calls int
	c := newTestController(func(Settings) { calls++ })

	c.Feed(transport.NetworkStats{RTTMillis: 120, LossRate: 0})
	time.Sleep(minAdjustmentInterval + 10*time.Millisecond)
	c.Feed(transport.NetworkStats{RTTMillis: 200, LossRate: 0})

	if calls != 2 {
		t.Fatalf("expected two adjustments after cooldown elapsed, got %d", calls)
	}
}

func TestController_DownshiftsResolutionBelowBitrateFloor(t *testing.T) {
	var got Settings
	c := New(Config{
		InitialBitrate: 9_000_000,
		MinBitrate:     1_000_000,
		MaxBitrate:     50_000_000,
		InitialFPS:     60,
		InitialQP:      25,
		InitialWidth:   1920,
		InitialHeight:  1080,
	}, func(s Settings) { got = s })

	c.Feed(transport.NetworkStats{RTTMillis: 120, LossRate: 0})

	if got.Width != downshift720Width || got.Height != downshift720Height {
		t.Fatalf("expected downshift to 1280x720, got %dx%d", got.Width, got.Height)
	}
}
