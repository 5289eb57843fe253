package blocks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/softpoint/logicd/internal/vals"
)

func TestWriteActionStaticValue(t *testing.T) {
	cfg := WriteActionConfig{
		Meta:   testMeta(),
		Value:  7,
		Output: vals.GlobalRef("out"),
	}
	store := newTestStore(t, []string{"out"}, nil)
	b := mustBlock(t, KindWriteAction, cfg)

	tick(t, b, store, time.Now())
	require.InDelta(t, 7, readValue(t, store, "out"), 1e-9)
}

func TestWriteActionSourceRef(t *testing.T) {
	cfg := WriteActionConfig{
		Meta:      testMeta(),
		SourceRef: vals.GlobalRef("src"),
		Output:    vals.GlobalRef("out"),
	}
	store := newTestStore(t, []string{"src", "out"}, nil)
	now := time.Now()
	require.NoError(t, store.Write(vals.GlobalRef("src"), 12.5, now))

	b := mustBlock(t, KindWriteAction, cfg)
	tick(t, b, store, now)
	require.InDelta(t, 12.5, readValue(t, store, "out"), 1e-9)
}

func TestWriteActionDigitalTarget(t *testing.T) {
	cfg := WriteActionConfig{
		Meta:    testMeta(),
		Value:   7,
		Output:  vals.GlobalRef("out"),
		Digital: true,
	}
	store := newTestStore(t, nil, []string{"out"})
	b := mustBlock(t, KindWriteAction, cfg)

	tick(t, b, store, time.Now())
	// The digital cell coerces the nonzero value to 1.
	require.Equal(t, 1.0, readValue(t, store, "out"))
}

func TestWriteActionMaxExecutionCount(t *testing.T) {
	cfg := WriteActionConfig{
		Meta:              testMeta(),
		SourceRef:         vals.GlobalRef("src"),
		Output:            vals.GlobalRef("out"),
		MaxExecutionCount: 2,
	}
	store := newTestStore(t, []string{"src", "out"}, nil)
	t0 := time.Now()

	b := mustBlock(t, KindWriteAction, cfg)
	wa := b.(*WriteAction)
	for i, v := range []float64{1, 2, 3, 4} {
		now := t0.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.Write(vals.GlobalRef("src"), v, now))
		tick(t, b, store, now)
	}
	// Writes stop after the second execution.
	require.InDelta(t, 2, readValue(t, store, "out"), 1e-9)
	require.Equal(t, 2, wa.st.ExecutionCount)
}
