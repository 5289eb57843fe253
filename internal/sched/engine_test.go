package sched

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/softpoint/logicd/internal/blocks"
	"github.com/softpoint/logicd/internal/vals"
)

// countingBlock ticks a counter, optionally sleeping to simulate a slow
// algorithm.
type countingBlock struct {
	meta  blocks.Meta
	sleep time.Duration
	ticks int64
	state struct {
		Ticks int64 `json:"ticks"`
	}
	restored []byte

	mu     sync.Mutex
	starts []time.Time
}

func (b *countingBlock) startTimes() []time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]time.Time(nil), b.starts...)
}

func (b *countingBlock) Meta() blocks.Meta        { return b.meta }
func (b *countingBlock) Kind() blocks.Kind        { return blocks.Kind("counting") }
func (b *countingBlock) Refs() []blocks.RefClaim  { return nil }
func (b *countingBlock) State() interface{}       { return &b.state }
func (b *countingBlock) RestoreState(raw []byte) error {
	b.restored = raw
	return json.Unmarshal(raw, &b.state)
}

func (b *countingBlock) Evaluate(ctx context.Context, io blocks.IO, now time.Time) error {
	b.mu.Lock()
	b.starts = append(b.starts, time.Now())
	b.mu.Unlock()
	if b.sleep > 0 {
		select {
		case <-time.After(b.sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	atomic.AddInt64(&b.ticks, 1)
	b.state.Ticks++
	return nil
}

type memPersister struct {
	mu     sync.Mutex
	states map[uuid.UUID][]byte
}

func newMemPersister() *memPersister {
	return &memPersister{states: map[uuid.UUID][]byte{}}
}

func (p *memPersister) SaveBlockState(id uuid.UUID, state []byte) error {
	p.mu.Lock()
	p.states[id] = append([]byte(nil), state...)
	p.mu.Unlock()
	return nil
}

func (p *memPersister) get(id uuid.UUID) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[id]
}

func testBlock(interval time.Duration) *countingBlock {
	return &countingBlock{meta: blocks.Meta{
		ID:              uuid.New(),
		Name:            "counting",
		IntervalSeconds: interval.Seconds(),
	}}
}

func TestEngineTicksAndPersistsState(t *testing.T) {
	b := testBlock(20 * time.Millisecond)
	p := newMemPersister()
	e := New(vals.NewStore(), p, time.Second)
	require.NoError(t, e.Register(b))

	e.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	e.Stop()

	n := atomic.LoadInt64(&b.ticks)
	require.GreaterOrEqual(t, n, int64(2))

	var st struct {
		Ticks int64 `json:"ticks"`
	}
	require.NoError(t, json.Unmarshal(p.get(b.meta.ID), &st))
	require.Equal(t, n, st.Ticks)
}

func TestEngineDropsOverlappingTicks(t *testing.T) {
	b := testBlock(20 * time.Millisecond)
	b.sleep = 200 * time.Millisecond
	e := New(vals.NewStore(), nil, time.Second)
	require.NoError(t, e.Register(b))

	e.Start(context.Background())
	time.Sleep(250 * time.Millisecond)
	e.Stop()

	// The first evaluation outlives several tick periods; those ticks are
	// dropped, not queued.
	require.LessOrEqual(t, atomic.LoadInt64(&b.ticks), int64(2))
	var skipped int64
	for _, s := range e.Statuses() {
		if s.ID == b.meta.ID {
			skipped = s.SkippedTicks
		}
	}
	require.Greater(t, skipped, int64(0))
}

func TestEngineSlowBlockHoldsTickBoundary(t *testing.T) {
	b := testBlock(100 * time.Millisecond)
	b.sleep = 150 * time.Millisecond
	e := New(vals.NewStore(), nil, time.Second)
	require.NoError(t, e.Register(b))

	e.Start(context.Background())
	time.Sleep(600 * time.Millisecond)
	e.Stop()

	starts := b.startTimes()
	require.GreaterOrEqual(t, len(starts), 2)
	// Each evaluation outlives one tick period, which is dropped. The next
	// evaluation starts on the following timer boundary, two periods after
	// the previous one, never back to back the moment the first finishes.
	for i := 1; i < len(starts); i++ {
		require.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), 180*time.Millisecond)
	}
}

func TestEngineNoteFault(t *testing.T) {
	b := testBlock(time.Hour)
	e := New(vals.NewStore(), nil, time.Second)
	require.NoError(t, e.Register(b))

	require.NoError(t, e.NoteFault(b.meta.ID, "persisted state discarded"))
	var got Status
	for _, s := range e.Statuses() {
		if s.ID == b.meta.ID {
			got = s
		}
	}
	require.Equal(t, "persisted state discarded", got.LastError)

	require.ErrorIs(t, e.NoteFault(uuid.New(), "x"), ErrNoSuchBlock)
}

func TestEngineDisabledBlockIsNeverTicked(t *testing.T) {
	b := testBlock(10 * time.Millisecond)
	b.meta.Disabled = true
	e := New(vals.NewStore(), nil, time.Second)
	require.NoError(t, e.Register(b))

	e.Start(context.Background())
	time.Sleep(80 * time.Millisecond)
	e.Stop()

	require.Zero(t, atomic.LoadInt64(&b.ticks))

	// Still registered and visible.
	got, found := e.Block(b.meta.ID)
	require.True(t, found)
	require.True(t, got.Meta().Disabled)
}

func TestEngineRegisterRejectsDuplicate(t *testing.T) {
	b := testBlock(time.Second)
	e := New(vals.NewStore(), nil, time.Second)
	require.NoError(t, e.Register(b))
	require.Error(t, e.Register(b))
}

func TestEngineReplaceCarriesState(t *testing.T) {
	b := testBlock(time.Hour)
	b.state.Ticks = 7
	e := New(vals.NewStore(), nil, time.Second)
	require.NoError(t, e.Register(b))

	next := testBlock(time.Hour)
	next.meta.ID = b.meta.ID
	require.NoError(t, e.Replace(next))
	require.Equal(t, int64(7), next.state.Ticks)

	got, found := e.Block(b.meta.ID)
	require.True(t, found)
	require.Same(t, blocks.Block(next), got)
}

func TestEngineReplaceUnknownBlock(t *testing.T) {
	e := New(vals.NewStore(), nil, time.Second)
	err := e.Replace(testBlock(time.Second))
	require.ErrorIs(t, err, ErrNoSuchBlock)
}

func TestEngineUnregisterStopsTicking(t *testing.T) {
	b := testBlock(20 * time.Millisecond)
	e := New(vals.NewStore(), nil, time.Second)
	require.NoError(t, e.Register(b))

	e.Start(context.Background())
	defer e.Stop()
	time.Sleep(70 * time.Millisecond)
	require.NoError(t, e.Unregister(b.meta.ID))

	n := atomic.LoadInt64(&b.ticks)
	time.Sleep(70 * time.Millisecond)
	require.Equal(t, n, atomic.LoadInt64(&b.ticks))

	require.ErrorIs(t, e.Unregister(b.meta.ID), ErrNoSuchBlock)
}

func TestEngineWithBlock(t *testing.T) {
	b := testBlock(time.Hour)
	e := New(vals.NewStore(), nil, time.Second)
	require.NoError(t, e.Register(b))

	var seen blocks.Block
	require.NoError(t, e.WithBlock(b.meta.ID, func(blk blocks.Block) error {
		seen = blk
		return nil
	}))
	require.Same(t, blocks.Block(b), seen)

	require.ErrorIs(t, e.WithBlock(uuid.New(), func(blocks.Block) error { return nil }), ErrNoSuchBlock)
}
