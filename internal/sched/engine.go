// Package sched drives the configured logic blocks. Every block instance
// runs on its own periodic timer so a slow block cannot delay the others; a
// tick that fires while the previous evaluation of the same instance is
// still running is dropped, not queued.
package sched

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ansel1/merry"
	"github.com/google/uuid"
	"github.com/powerman/structlog"

	"github.com/softpoint/logicd/internal/blocks"
)

var log = structlog.New()

var ErrNoSuchBlock = merry.New("no such block")

// StatePersister stores the algorithm state of a block after each tick and
// is consulted for the last persisted copy during Replace.
type StatePersister interface {
	SaveBlockState(id uuid.UUID, state []byte) error
}

// Status is the per-instance observability snapshot.
type Status struct {
	ID           uuid.UUID       `json:"id"`
	Name         string          `json:"name"`
	Kind         blocks.Kind     `json:"kind"`
	Disabled     bool            `json:"disabled"`
	LastRun      time.Time       `json:"last_run"`
	LastError    string          `json:"last_error,omitempty"`
	SkippedTicks int64           `json:"skipped_ticks"`
	State        json.RawMessage `json:"state,omitempty"`
}

type instance struct {
	mu       sync.Mutex // guards block and status against config swaps
	block    blocks.Block
	inFlight int32

	// Tick period in nanoseconds. The timer loop reads it atomically so it
	// never contends with an in-flight evaluation holding mu; otherwise a
	// slow block would stall its own timer and the dropped ticks would run
	// back to back instead.
	intervalNs int64

	lastRun      time.Time
	lastError    string
	skippedTicks int64

	stop   chan struct{}
	reload chan struct{}
}

// Engine owns the live block instances.
type Engine struct {
	mu        sync.Mutex
	io        blocks.IO
	persister StatePersister

	tickTimeout time.Duration

	instances map[uuid.UUID]*instance
	started   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds an engine. tickTimeout bounds a single evaluation; a hung
// algorithm is abandoned with its prior state untouched.
func New(io blocks.IO, persister StatePersister, tickTimeout time.Duration) *Engine {
	if tickTimeout <= 0 {
		tickTimeout = 30 * time.Second
	}
	return &Engine{
		io:          io,
		persister:   persister,
		tickTimeout: tickTimeout,
		instances:   map[uuid.UUID]*instance{},
	}
}

// Register adds a block. A disabled block is held but never ticked until a
// Replace enables it.
func (e *Engine) Register(b blocks.Block) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := b.Meta().ID
	if _, f := e.instances[id]; f {
		return merry.Errorf("block %s already registered", id)
	}
	inst := &instance{
		block:      b,
		intervalNs: int64(b.Meta().Interval()),
		stop:       make(chan struct{}),
		reload:     make(chan struct{}, 1),
	}
	e.instances[id] = inst
	if e.started {
		e.startInstance(inst)
	}
	log.Info("block registered", "block", b.Meta().Name, "kind", b.Kind(), "id", id)
	return nil
}

// Unregister cancels the block's timer and removes it. The call returns only
// after the ticker goroutine has stopped, so no tick of the removed block
// starts afterwards.
func (e *Engine) Unregister(id uuid.UUID) error {
	e.mu.Lock()
	inst, f := e.instances[id]
	if !f {
		e.mu.Unlock()
		return merry.Appendf(ErrNoSuchBlock, "%s", id)
	}
	delete(e.instances, id)
	e.mu.Unlock()
	close(inst.stop)
	return nil
}

// Replace atomically swaps a block's configuration. The persisted algorithm
// state carries over unless the new block fails to restore it. An in-flight
// evaluation finishes with the snapshot it started with; the next tick sees
// the new config.
func (e *Engine) Replace(b blocks.Block) error {
	e.mu.Lock()
	inst, f := e.instances[b.Meta().ID]
	e.mu.Unlock()
	if !f {
		return merry.Appendf(ErrNoSuchBlock, "%s", b.Meta().ID)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	raw, err := json.Marshal(inst.block.State())
	if err == nil && len(raw) > 0 {
		if err := b.RestoreState(raw); err != nil {
			log.PrintErr("state not carried over on replace", "block", b.Meta().Name, "error", err)
		}
	}
	inst.block = b
	atomic.StoreInt64(&inst.intervalNs, int64(b.Meta().Interval()))
	select {
	case inst.reload <- struct{}{}:
	default:
	}
	return nil
}

// Block returns the live instance, for command endpoints (totalizer manual
// reset, schedule override) that need the concrete type.
func (e *Engine) Block(id uuid.UUID) (blocks.Block, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, f := e.instances[id]
	if !f {
		return nil, false
	}
	return inst.block, true
}

// NoteFault records an error on the block's status for faults found outside
// evaluation, such as persisted state discarded at load time.
func (e *Engine) NoteFault(id uuid.UUID, msg string) error {
	e.mu.Lock()
	inst, f := e.instances[id]
	e.mu.Unlock()
	if !f {
		return merry.Appendf(ErrNoSuchBlock, "%s", id)
	}
	inst.mu.Lock()
	inst.lastError = msg
	inst.mu.Unlock()
	return nil
}

// WithBlock runs fn with the instance lock held, serialized against ticks of
// the same instance.
func (e *Engine) WithBlock(id uuid.UUID, fn func(blocks.Block) error) error {
	e.mu.Lock()
	inst, f := e.instances[id]
	e.mu.Unlock()
	if !f {
		return merry.Appendf(ErrNoSuchBlock, "%s", id)
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return fn(inst.block)
}

// Start begins ticking all registered instances.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.started = true
	for _, inst := range e.instances {
		e.startInstance(inst)
	}
	log.Info("engine started", "blocks", len(e.instances))
}

// Stop cancels all timers and waits for in-flight evaluations.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()
	cancel()
	e.wg.Wait()
	log.Info("engine stopped")
}

func (e *Engine) startInstance(inst *instance) {
	e.wg.Add(1)
	go e.run(inst)
}

func (e *Engine) run(inst *instance) {
	defer e.wg.Done()

	interval := func() time.Duration {
		return time.Duration(atomic.LoadInt64(&inst.intervalNs))
	}

	t := time.NewTimer(interval())
	defer t.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-inst.stop:
			return
		case <-inst.reload:
			// Interval and disable edits take effect on the next tick
			// boundary.
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(interval())
		case <-t.C:
			t.Reset(interval())
			e.fire(inst)
		}
	}
}

func (e *Engine) fire(inst *instance) {
	if !atomic.CompareAndSwapInt32(&inst.inFlight, 0, 1) {
		atomic.AddInt64(&inst.skippedTicks, 1)
		log.Warn("tick skipped, previous evaluation still running")
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer atomic.StoreInt32(&inst.inFlight, 0)
		e.evaluate(inst)
	}()
}

// evaluate runs one tick holding the instance lock, so a concurrent Replace
// or command waits for the tick instead of seeing half-applied parameters.
func (e *Engine) evaluate(inst *instance) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	b := inst.block
	if b.Meta().Disabled {
		return
	}

	now := time.Now()
	ctx, cancel := context.WithTimeout(e.ctx, e.tickTimeout)
	defer cancel()

	err := b.Evaluate(ctx, e.io, now)

	inst.lastRun = now
	if err != nil {
		// EvaluationError: recorded on the instance, previous output
		// retained, the engine keeps ticking.
		inst.lastError = err.Error()
		log.PrintErr("evaluation failed", "block", b.Meta().Name, "error", err)
	} else {
		inst.lastError = ""
	}

	if e.persister == nil {
		return
	}
	raw, merr := json.Marshal(b.State())
	if merr != nil {
		log.PrintErr("state not marshaled", "block", b.Meta().Name, "error", merr)
		return
	}
	if err := e.persister.SaveBlockState(b.Meta().ID, raw); err != nil {
		log.PrintErr("state not persisted", "block", b.Meta().Name, "error", err)
	}
}

// Statuses snapshots the observability view of every instance.
func (e *Engine) Statuses() []Status {
	e.mu.Lock()
	insts := make([]*instance, 0, len(e.instances))
	for _, inst := range e.instances {
		insts = append(insts, inst)
	}
	e.mu.Unlock()

	xs := make([]Status, 0, len(insts))
	for _, inst := range insts {
		inst.mu.Lock()
		meta := inst.block.Meta()
		raw, _ := json.Marshal(inst.block.State())
		xs = append(xs, Status{
			ID:           meta.ID,
			Name:         meta.Name,
			Kind:         inst.block.Kind(),
			Disabled:     meta.Disabled,
			LastRun:      inst.lastRun,
			LastError:    inst.lastError,
			SkippedTicks: atomic.LoadInt64(&inst.skippedTicks),
			State:        raw,
		})
		inst.mu.Unlock()
	}
	return xs
}
