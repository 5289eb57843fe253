// Package vals holds the current value, quality and timestamp of every Point
// and GlobalVariable, and resolves block references to live cells.
package vals

import (
	"sync"
	"time"

	"github.com/ansel1/merry"
	"github.com/powerman/structlog"
)

var log = structlog.New()

type Quality int

const (
	Good Quality = iota
	Bad
	Stale
)

func (q Quality) String() string {
	switch q {
	case Good:
		return "good"
	case Bad:
		return "bad"
	default:
		return "stale"
	}
}

// VQT is a value with its quality and the time it was last written.
type VQT struct {
	Value   float64
	Quality Quality
	Time    time.Time
}

func (v VQT) Bool() bool {
	return v.Value != 0
}

// StaleBy degrades Good to Stale when the cell has not been written within
// window before now. Zero window disables the check.
func (v VQT) StaleBy(now time.Time, window time.Duration) VQT {
	if v.Quality == Good && window > 0 && now.Sub(v.Time) > window {
		v.Quality = Stale
	}
	return v
}

var ErrUnresolvedRef = merry.New("unresolved reference")

// Store is the single ownership boundary around the shared cells. Reads and
// writes of one cell are serialized by a per-cell mutex; different cells do
// not contend.
type Store struct {
	mu      sync.RWMutex
	cells   map[string]*cell
	watchMu sync.RWMutex
	watches []WatchFunc
}

type cell struct {
	mu    sync.Mutex
	ref   Ref
	class Class
	vqt   VQT
}

// WatchFunc is called after each successful write, outside the cell lock.
type WatchFunc func(ref Ref, vqt VQT)

func NewStore() *Store {
	return &Store{cells: map[string]*cell{}}
}

// Declare registers a cell with its signal class. Declaring an existing cell
// only updates the class.
func (s *Store) Declare(ref Ref, class Class) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, f := s.cells[ref.Key()]; f {
		c.class = class
		return nil
	}
	s.cells[ref.Key()] = &cell{ref: ref, class: class, vqt: VQT{Quality: Bad}}
	return nil
}

// Forget drops a cell. Blocks still referencing it get ErrUnresolvedRef on
// their next tick.
func (s *Store) Forget(ref Ref) {
	s.mu.Lock()
	delete(s.cells, ref.Key())
	s.mu.Unlock()
}

// Class reports the declared class of the referenced cell.
func (s *Store) Class(ref Ref) (Class, error) {
	c, err := s.cell(ref)
	if err != nil {
		return Analog, err
	}
	return c.class, nil
}

func (s *Store) Read(ref Ref) (VQT, error) {
	c, err := s.cell(ref)
	if err != nil {
		return VQT{Quality: Bad}, err
	}
	c.mu.Lock()
	v := c.vqt
	c.mu.Unlock()
	return v, nil
}

// Write stores value with last-write-wins semantics: a write stamped earlier
// than the cell's current timestamp is discarded.
func (s *Store) Write(ref Ref, value float64, t time.Time) error {
	c, err := s.cell(ref)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if t.Before(c.vqt.Time) {
		c.mu.Unlock()
		log.Debug("stale write discarded", "ref", ref, "time", t)
		return nil
	}
	if c.class == Digital && value != 0 {
		value = 1
	}
	vqt := VQT{Value: value, Quality: Good, Time: t}
	c.vqt = vqt
	c.mu.Unlock()

	s.watchMu.RLock()
	watches := s.watches
	s.watchMu.RUnlock()
	for _, w := range watches {
		w(ref, vqt)
	}
	return nil
}

// MarkBad flags the cell's current value as untrustworthy without changing it.
func (s *Store) MarkBad(ref Ref, t time.Time) error {
	c, err := s.cell(ref)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.vqt.Quality = Bad
	c.vqt.Time = t
	c.mu.Unlock()
	return nil
}

// Watch registers fn for every subsequent write. Used by the alarm evaluator.
func (s *Store) Watch(fn WatchFunc) {
	s.watchMu.Lock()
	s.watches = append(s.watches, fn)
	s.watchMu.Unlock()
}

func (s *Store) cell(ref Ref) (*cell, error) {
	s.mu.RLock()
	c, f := s.cells[ref.Key()]
	s.mu.RUnlock()
	if !f {
		return nil, merry.Appendf(ErrUnresolvedRef, "%s", ref)
	}
	return c, nil
}
