package blocks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/softpoint/logicd/internal/vals"
)

func averageRefs(names ...string) []vals.Ref {
	xs := make([]vals.Ref, len(names))
	for i, n := range names {
		xs[i] = vals.GlobalRef(n)
	}
	return xs
}

func TestAverageMultiInput(t *testing.T) {
	cfg := AverageConfig{
		Meta:          testMeta(),
		Mode:          AverageMultiInput,
		Inputs:        averageRefs("a", "b", "c"),
		MinimumInputs: 2,
		Output:        vals.GlobalRef("out"),
	}
	store := newTestStore(t, []string{"a", "b", "c", "out"}, nil)
	now := time.Now()
	for name, v := range map[string]float64{"a": 10, "b": 20, "c": 30} {
		require.NoError(t, store.Write(vals.GlobalRef(name), v, now))
	}

	b := mustBlock(t, KindAverage, cfg)
	tick(t, b, store, now)
	require.InDelta(t, 20, readValue(t, store, "out"), 1e-9)

	// A bad input drops out of the average.
	require.NoError(t, store.MarkBad(vals.GlobalRef("c"), now))
	tick(t, b, store, now.Add(time.Second))
	require.InDelta(t, 15, readValue(t, store, "out"), 1e-9)

	// Below the usable-input floor the tick fails.
	require.NoError(t, store.MarkBad(vals.GlobalRef("b"), now))
	require.Error(t, b.Evaluate(context.Background(), store, now.Add(2*time.Second)))
}

func TestAverageWeighted(t *testing.T) {
	cfg := AverageConfig{
		Meta:          testMeta(),
		Mode:          AverageMultiInput,
		Inputs:        averageRefs("a", "b"),
		Weights:       []float64{3, 1},
		MinimumInputs: 1,
		Output:        vals.GlobalRef("out"),
	}
	store := newTestStore(t, []string{"a", "b", "out"}, nil)
	now := time.Now()
	require.NoError(t, store.Write(vals.GlobalRef("a"), 10, now))
	require.NoError(t, store.Write(vals.GlobalRef("b"), 50, now))

	b := mustBlock(t, KindAverage, cfg)
	tick(t, b, store, now)
	require.InDelta(t, 20, readValue(t, store, "out"), 1e-9)
}

func TestAverageIgnoreStale(t *testing.T) {
	cfg := AverageConfig{
		Meta:              testMeta(),
		Mode:              AverageMultiInput,
		Inputs:            averageRefs("a", "b"),
		MinimumInputs:     1,
		IgnoreStale:       true,
		StaleAfterSeconds: 10,
		Output:            vals.GlobalRef("out"),
	}
	store := newTestStore(t, []string{"a", "b", "out"}, nil)
	t0 := time.Now()
	require.NoError(t, store.Write(vals.GlobalRef("a"), 10, t0))
	require.NoError(t, store.Write(vals.GlobalRef("b"), 30, t0))

	b := mustBlock(t, KindAverage, cfg)
	tick(t, b, store, t0)
	require.InDelta(t, 20, readValue(t, store, "out"), 1e-9)

	// Refresh only "a": the stale "b" drops out after the window.
	require.NoError(t, store.Write(vals.GlobalRef("a"), 10, t0.Add(60*time.Second)))
	tick(t, b, store, t0.Add(60*time.Second))
	require.InDelta(t, 10, readValue(t, store, "out"), 1e-9)
}

func TestAverageOutlierRejection(t *testing.T) {
	cfg := AverageConfig{
		Meta:          testMeta(),
		Mode:          AverageMultiInput,
		Inputs:        averageRefs("a", "b", "c", "d", "e"),
		OutlierMethod: OutlierIQR,
		MinimumInputs: 2,
		Output:        vals.GlobalRef("out"),
	}
	store := newTestStore(t, []string{"a", "b", "c", "d", "e", "out"}, nil)
	now := time.Now()
	for name, v := range map[string]float64{"a": 10, "b": 11, "c": 12, "d": 13, "e": 500} {
		require.NoError(t, store.Write(vals.GlobalRef(name), v, now))
	}

	b := mustBlock(t, KindAverage, cfg)
	tick(t, b, store, now)
	require.InDelta(t, 11.5, readValue(t, store, "out"), 1e-9)
}

func TestAverageFilterSMA(t *testing.T) {
	cfg := AverageConfig{
		Meta:       testMeta(),
		Mode:       AverageFilter,
		Input:      vals.GlobalRef("in"),
		FilterType: FilterSMA,
		WindowSize: 3,
		Output:     vals.GlobalRef("out"),
	}
	store := newTestStore(t, []string{"in", "out"}, nil)
	t0 := time.Now()

	b := mustBlock(t, KindAverage, cfg)
	for i, v := range []float64{3, 6, 9, 12} {
		now := t0.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.Write(vals.GlobalRef("in"), v, now))
		tick(t, b, store, now)
	}
	// Window holds 6, 9, 12.
	require.InDelta(t, 9, readValue(t, store, "out"), 1e-9)
}

func TestAverageFilterEMA(t *testing.T) {
	cfg := AverageConfig{
		Meta:       testMeta(),
		Mode:       AverageFilter,
		Input:      vals.GlobalRef("in"),
		FilterType: FilterEMA,
		Alpha:      0.5,
		Output:     vals.GlobalRef("out"),
	}
	store := newTestStore(t, []string{"in", "out"}, nil)
	t0 := time.Now()

	b := mustBlock(t, KindAverage, cfg)
	require.NoError(t, store.Write(vals.GlobalRef("in"), 10, t0))
	tick(t, b, store, t0)
	require.InDelta(t, 10, readValue(t, store, "out"), 1e-9) // seeded

	require.NoError(t, store.Write(vals.GlobalRef("in"), 20, t0.Add(time.Second)))
	tick(t, b, store, t0.Add(time.Second))
	require.InDelta(t, 15, readValue(t, store, "out"), 1e-9)
}

func TestAverageFilterWMA(t *testing.T) {
	cfg := AverageConfig{
		Meta:       testMeta(),
		Mode:       AverageFilter,
		Input:      vals.GlobalRef("in"),
		FilterType: FilterWMA,
		WindowSize: 3,
		Output:     vals.GlobalRef("out"),
	}
	store := newTestStore(t, []string{"in", "out"}, nil)
	t0 := time.Now()

	b := mustBlock(t, KindAverage, cfg)
	for i, v := range []float64{10, 20, 30} {
		now := t0.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.Write(vals.GlobalRef("in"), v, now))
		tick(t, b, store, now)
	}
	// (10*1 + 20*2 + 30*3) / 6
	require.InDelta(t, 140.0/6, readValue(t, store, "out"), 1e-9)
}

func TestAverageConfigValidation(t *testing.T) {
	cfg := AverageConfig{
		Meta:          testMeta(),
		Mode:          AverageMultiInput,
		Inputs:        averageRefs("a"),
		MinimumInputs: 1,
		Output:        vals.GlobalRef("out"),
	}
	require.Error(t, cfg.Validate()) // single input

	cfg.Inputs = averageRefs("a", "b")
	cfg.Weights = []float64{1}
	require.Error(t, cfg.Validate()) // weight/input mismatch

	cfg = AverageConfig{
		Meta:       testMeta(),
		Mode:       AverageFilter,
		Input:      vals.GlobalRef("in"),
		FilterType: FilterEMA,
		Alpha:      2,
		Output:     vals.GlobalRef("out"),
	}
	require.Error(t, cfg.Validate())
}
