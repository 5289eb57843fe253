// Package blocks implements the soft-logic block algorithms. Every block is a
// small state machine evaluated once per scheduler tick: it reads its inputs
// through the IO boundary, advances its persisted state and writes its
// outputs back. Given the same inputs, state and clock a block is
// deterministic, which keeps the algorithms testable without a running
// scheduler.
package blocks

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/ansel1/merry"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/powerman/structlog"

	"github.com/softpoint/logicd/internal/vals"
)

var log = structlog.New()

// Kind discriminates the closed set of block types.
type Kind string

const (
	KindPID            Kind = "pid"
	KindRateOfChange   Kind = "rate_of_change"
	KindTotalizer      Kind = "totalizer"
	KindSchedule       Kind = "schedule"
	KindMinMaxSelector Kind = "min_max_selector"
	KindComparison     Kind = "comparison"
	KindAverage        Kind = "average"
	KindDeadband       Kind = "deadband"
	KindFormula        Kind = "formula"
	KindIF             Kind = "if"
	KindWriteAction    Kind = "write_action"
	KindTimeout        Kind = "timeout"
)

var ErrBadConfig = merry.New("bad block config")

// IO is the only side-effect boundary of a block evaluation.
type IO interface {
	Read(vals.Ref) (vals.VQT, error)
	Write(ref vals.Ref, value float64, t time.Time) error
}

// Meta carries the fields common to every configured block.
type Meta struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	IntervalSeconds float64   `json:"interval_s"`
	Disabled        bool      `json:"disabled"`
}

func (m Meta) Interval() time.Duration {
	return time.Duration(m.IntervalSeconds * float64(time.Second))
}

func (m Meta) Validate() error {
	var errs *multierror.Error
	if m.ID == uuid.Nil {
		errs = multierror.Append(errs, merry.New("zero block id"))
	}
	if m.IntervalSeconds <= 0 {
		errs = multierror.Append(errs, merry.Errorf("interval must be positive, got %v", m.IntervalSeconds))
	}
	return errs.ErrorOrNil()
}

// RefClaim declares that a block uses ref with the given signal class. The
// configuration store checks claims against declared cells before accepting
// an add or edit, so class mismatches never reach the engine. AnyClass marks
// a reference whose signal class is immaterial to the algorithm, such as a
// watchdog that only inspects the input's timestamp; the store still checks
// that the cell is declared.
type RefClaim struct {
	Ref      vals.Ref
	Class    vals.Class
	AnyClass bool
	Optional bool
}

// Block is one configured logic memory instance. The scheduler guarantees at
// most one concurrent Evaluate per instance, so implementations keep plain
// unguarded state.
type Block interface {
	Meta() Meta
	Kind() Kind
	Refs() []RefClaim
	Evaluate(ctx context.Context, io IO, now time.Time) error

	// State returns the JSON-marshalable persisted state, RestoreState
	// reloads it after a restart or a config replace.
	State() interface{}
	RestoreState(raw []byte) error
}

type factory func(rawConfig []byte) (Block, error)

var factories = map[Kind]factory{}

func registerKind(k Kind, f factory) {
	factories[k] = f
}

// New builds a block of the given kind from its JSON config, validating it.
func New(kind Kind, rawConfig []byte) (Block, error) {
	f, ok := factories[kind]
	if !ok {
		return nil, merry.Appendf(ErrBadConfig, "unknown block kind %q", kind)
	}
	b, err := f(rawConfig)
	if err != nil {
		return nil, merry.Appendf(err, "block kind %q", kind)
	}
	return b, nil
}

// Kinds lists the registered block kinds.
func Kinds() []Kind {
	xs := make([]Kind, 0, len(factories))
	for k := range factories {
		xs = append(xs, k)
	}
	return xs
}

func unmarshalConfig(raw []byte, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return merry.Append(ErrBadConfig, err.Error())
	}
	return nil
}

// tickDelta returns the seconds elapsed since the previous tick, 0 on the
// first tick after a (re)start.
func tickDelta(last, now time.Time) float64 {
	if last.IsZero() || !now.After(last) {
		return 0
	}
	return now.Sub(last).Seconds()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round(v float64, decimals int) float64 {
	if decimals < 0 {
		return v
	}
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// CompareType is shared by the Comparison and IF blocks and by alarms.
type CompareType string

const (
	CompareEqual    CompareType = "equal"
	CompareNotEqual CompareType = "not_equal"
	CompareHigher   CompareType = "higher"
	CompareLower    CompareType = "lower"
	CompareBetween  CompareType = "between"
	CompareOutside  CompareType = "outside"
)

func (c CompareType) Validate() error {
	switch c {
	case CompareEqual, CompareNotEqual, CompareHigher, CompareLower, CompareBetween, CompareOutside:
		return nil
	}
	return merry.Errorf("bad compare type %q", c)
}

// Holds reports whether v satisfies the comparison against a (and b for the
// interval comparisons).
func (c CompareType) Holds(v, a, b float64) bool {
	switch c {
	case CompareEqual:
		return v == a
	case CompareNotEqual:
		return v != a
	case CompareHigher:
		return v > a
	case CompareLower:
		return v < a
	case CompareBetween:
		return v >= a && v <= b
	case CompareOutside:
		return v < a || v > b
	}
	return false
}
