package blocks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/softpoint/logicd/internal/vals"
)

func rateTestConfig() RateOfChangeConfig {
	return RateOfChangeConfig{
		Meta:          testMeta(),
		Input:         vals.GlobalRef("in"),
		Output:        vals.GlobalRef("rate"),
		Method:        RateSimpleDifference,
		TimeUnit:      PerSecond,
		DecimalPlaces: 6,
	}
}

func rateTick(t *testing.T, b Block, store *vals.Store, v float64, now time.Time) {
	t.Helper()
	require.NoError(t, store.Write(vals.GlobalRef("in"), v, now))
	tick(t, b, store, now)
}

func TestRateSimpleDifference(t *testing.T) {
	store := newTestStore(t, []string{"in", "rate"}, nil)
	t0 := time.Now()

	b := mustBlock(t, KindRateOfChange, rateTestConfig())
	rateTick(t, b, store, 0, t0)

	// One sample is not a rate.
	v, err := store.Read(vals.GlobalRef("rate"))
	require.NoError(t, err)
	require.Equal(t, vals.Bad, v.Quality)

	rateTick(t, b, store, 10, t0.Add(time.Second))
	require.InDelta(t, 10, readValue(t, store, "rate"), 1e-9)

	rateTick(t, b, store, 4, t0.Add(3*time.Second))
	require.InDelta(t, -3, readValue(t, store, "rate"), 1e-9)
}

func TestRateTimeUnitConversion(t *testing.T) {
	cfg := rateTestConfig()
	cfg.TimeUnit = PerMinute

	store := newTestStore(t, []string{"in", "rate"}, nil)
	t0 := time.Now()

	b := mustBlock(t, KindRateOfChange, cfg)
	rateTick(t, b, store, 0, t0)
	rateTick(t, b, store, 2, t0.Add(time.Second))
	// 2 units/s published as 120 units/min.
	require.InDelta(t, 120, readValue(t, store, "rate"), 1e-9)
}

func TestRateBaselineSuppression(t *testing.T) {
	cfg := rateTestConfig()
	cfg.BaselineSampleCount = 3

	store := newTestStore(t, []string{"in", "rate"}, nil)
	t0 := time.Now()

	b := mustBlock(t, KindRateOfChange, cfg)
	for i := 0; i < 3; i++ {
		rateTick(t, b, store, float64(i), t0.Add(time.Duration(i)*time.Second))
		v, err := store.Read(vals.GlobalRef("rate"))
		require.NoError(t, err)
		require.Equal(t, vals.Bad, v.Quality, "sample %d still inside baseline", i+1)
	}
	rateTick(t, b, store, 3, t0.Add(3*time.Second))
	require.InDelta(t, 1, readValue(t, store, "rate"), 1e-9)
}

func TestRateLinearRegression(t *testing.T) {
	cfg := rateTestConfig()
	cfg.Method = RateLinearRegression
	cfg.TimeWindowSeconds = 60

	store := newTestStore(t, []string{"in", "rate"}, nil)
	t0 := time.Now()

	b := mustBlock(t, KindRateOfChange, cfg)
	// Perfectly linear signal: slope 2 regardless of window content.
	for i, v := range []float64{0, 2, 4, 6} {
		rateTick(t, b, store, v, t0.Add(time.Duration(i)*time.Second))
	}
	require.InDelta(t, 2, readValue(t, store, "rate"), 1e-9)
}

func TestRateMovingAverage(t *testing.T) {
	cfg := rateTestConfig()
	cfg.Method = RateMovingAverage
	cfg.TimeWindowSeconds = 60

	store := newTestStore(t, []string{"in", "rate"}, nil)
	t0 := time.Now()

	b := mustBlock(t, KindRateOfChange, cfg)
	// Pair rates 1, 3, 5: average 3.
	for i, v := range []float64{0, 1, 4, 9} {
		rateTick(t, b, store, v, t0.Add(time.Duration(i)*time.Second))
	}
	require.InDelta(t, 3, readValue(t, store, "rate"), 1e-9)
}

func TestRateExponentialSmoothing(t *testing.T) {
	cfg := rateTestConfig()
	cfg.SmoothingAlpha = 0.5

	store := newTestStore(t, []string{"in", "rate"}, nil)
	t0 := time.Now()

	b := mustBlock(t, KindRateOfChange, cfg)
	rateTick(t, b, store, 0, t0)
	rateTick(t, b, store, 10, t0.Add(time.Second)) // first rate, seeds smoother
	require.InDelta(t, 10, readValue(t, store, "rate"), 1e-9)

	rateTick(t, b, store, 10, t0.Add(2*time.Second)) // raw 0, smoothed 5
	require.InDelta(t, 5, readValue(t, store, "rate"), 1e-9)
}

func TestRateHighAlarmHysteresis(t *testing.T) {
	thr := 5.0
	cfg := rateTestConfig()
	cfg.HighRateThreshold = &thr
	cfg.HighRateHysteresis = 0.5
	cfg.AlarmOutput = vals.GlobalRef("alarm")

	store := newTestStore(t, []string{"in", "rate"}, []string{"alarm"})
	t0 := time.Now()

	b := mustBlock(t, KindRateOfChange, cfg)
	alarm := func() float64 {
		v, err := store.Read(vals.GlobalRef("alarm"))
		require.NoError(t, err)
		return v.Value
	}

	v := 0.0
	step := func(dv float64) {
		v += dv
		t0 = t0.Add(time.Second)
		rateTick(t, b, store, v, t0)
	}

	step(0)
	step(6) // |rate| = 6 >= 5: set
	require.Equal(t, 1.0, alarm())
	step(-4) // |rate| = 4, above 5*0.5: latched
	require.Equal(t, 1.0, alarm())
	step(-2) // |rate| = 2 <= 2.5: clear
	require.Equal(t, 0.0, alarm())
}

func TestRateConfigValidation(t *testing.T) {
	cfg := rateTestConfig()
	cfg.Method = RateMovingAverage // needs a window
	require.Error(t, cfg.Validate())

	thr := 5.0
	cfg = rateTestConfig()
	cfg.HighRateThreshold = &thr
	cfg.HighRateHysteresis = 1.5
	cfg.AlarmOutput = vals.GlobalRef("alarm")
	require.Error(t, cfg.Validate())

	cfg = rateTestConfig()
	cfg.HighRateThreshold = &thr
	cfg.HighRateHysteresis = 0.5
	// threshold without an alarm output
	require.Error(t, cfg.Validate())
}
