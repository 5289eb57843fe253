package blocks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ansel1/merry"
	"github.com/hashicorp/go-multierror"

	"github.com/softpoint/logicd/internal/vals"
)

type SelectionMode string

const (
	SelectMinimum SelectionMode = "minimum"
	SelectMaximum SelectionMode = "maximum"
)

type FailoverMode string

const (
	// FailoverIgnoreBad excludes bad inputs from the selection.
	FailoverIgnoreBad FailoverMode = "ignore_bad"
	// FailoverFallbackToOpposite selects the opposite extreme over the raw
	// values when every input is bad, erring on the safe side.
	FailoverFallbackToOpposite FailoverMode = "fallback_to_opposite"
	// FailoverHoldLastGood freezes the output at its last good selection.
	FailoverHoldLastGood FailoverMode = "hold_last_good"
)

type MinMaxSelectorConfig struct {
	Meta
	Inputs []vals.Ref `json:"inputs"` // 2..16

	SelectionMode SelectionMode `json:"selection_mode"`
	FailoverMode  FailoverMode  `json:"failover_mode"`

	Output vals.Ref `json:"output"`
	// IndexOutput, when set, receives the 1-based index of the winning
	// input.
	IndexOutput vals.Ref `json:"index_output,omitempty"`
}

func (c MinMaxSelectorConfig) Validate() error {
	var errs *multierror.Error
	errs = multierror.Append(errs, c.Meta.Validate())
	if len(c.Inputs) < 2 || len(c.Inputs) > 16 {
		errs = multierror.Append(errs, merry.Errorf("want 2..16 inputs, got %d", len(c.Inputs)))
	}
	for i, r := range c.Inputs {
		if err := r.Validate(); err != nil {
			errs = multierror.Append(errs, merry.Appendf(err, "input %d", i))
		}
	}
	if err := c.Output.Validate(); err != nil {
		errs = multierror.Append(errs, merry.Append(err, "output"))
	}
	switch c.SelectionMode {
	case SelectMinimum, SelectMaximum:
	default:
		errs = multierror.Append(errs, merry.Errorf("bad selection mode %q", c.SelectionMode))
	}
	switch c.FailoverMode {
	case FailoverIgnoreBad, FailoverFallbackToOpposite, FailoverHoldLastGood:
	default:
		errs = multierror.Append(errs, merry.Errorf("bad failover mode %q", c.FailoverMode))
	}
	return errs.ErrorOrNil()
}

type minMaxState struct {
	LastGood    float64 `json:"last_good"`
	HasLastGood bool    `json:"has_last_good"`
	LastIndex   int     `json:"last_index"`
}

type MinMaxSelector struct {
	cfg MinMaxSelectorConfig
	st  minMaxState
}

func init() {
	registerKind(KindMinMaxSelector, func(raw []byte) (Block, error) {
		var c MinMaxSelectorConfig
		if err := unmarshalConfig(raw, &c); err != nil {
			return nil, err
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return &MinMaxSelector{cfg: c}, nil
	})
}

func (b *MinMaxSelector) Meta() Meta { return b.cfg.Meta }
func (b *MinMaxSelector) Kind() Kind { return KindMinMaxSelector }

func (b *MinMaxSelector) Refs() []RefClaim {
	xs := make([]RefClaim, 0, len(b.cfg.Inputs)+2)
	for _, r := range b.cfg.Inputs {
		xs = append(xs, RefClaim{Ref: r, Class: vals.Analog})
	}
	xs = append(xs, RefClaim{Ref: b.cfg.Output, Class: vals.Analog})
	if !b.cfg.IndexOutput.IsZero() {
		xs = append(xs, RefClaim{Ref: b.cfg.IndexOutput, Class: vals.Analog, Optional: true})
	}
	return xs
}

func (b *MinMaxSelector) State() interface{} { return &b.st }

func (b *MinMaxSelector) RestoreState(raw []byte) error {
	return json.Unmarshal(raw, &b.st)
}

func (b *MinMaxSelector) Evaluate(ctx context.Context, io IO, now time.Time) error {
	c := &b.cfg

	values := make([]float64, len(c.Inputs))
	good := make([]bool, len(c.Inputs))
	anyGood := false
	for i, r := range c.Inputs {
		v, err := io.Read(r)
		if err != nil {
			return err
		}
		values[i] = v.Value
		good[i] = v.Quality == vals.Good
		anyGood = anyGood || good[i]
	}

	if anyGood {
		idx := pick(values, good, c.SelectionMode)
		return b.publish(io, values[idx], idx+1, now)
	}

	switch c.FailoverMode {
	case FailoverHoldLastGood:
		if !b.st.HasLastGood {
			return merry.Errorf("selector %s: all inputs bad, no last good value", c.Name)
		}
		return b.publish(io, b.st.LastGood, b.st.LastIndex, now)
	case FailoverFallbackToOpposite:
		idx := pick(values, nil, opposite(c.SelectionMode))
		return b.publish(io, values[idx], idx+1, now)
	default: // FailoverIgnoreBad: nothing left to select from
		return merry.Errorf("selector %s: all inputs bad", c.Name)
	}
}

func (b *MinMaxSelector) publish(io IO, v float64, index int, now time.Time) error {
	b.st.LastGood = v
	b.st.HasLastGood = true
	b.st.LastIndex = index
	if err := io.Write(b.cfg.Output, v, now); err != nil {
		return err
	}
	if !b.cfg.IndexOutput.IsZero() {
		return io.Write(b.cfg.IndexOutput, float64(index), now)
	}
	return nil
}

// pick returns the index of the extreme value; nil eligible means all inputs
// take part.
func pick(values []float64, eligible []bool, mode SelectionMode) int {
	best := -1
	for i, v := range values {
		if eligible != nil && !eligible[i] {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		if mode == SelectMinimum && v < values[best] {
			best = i
		}
		if mode == SelectMaximum && v > values[best] {
			best = i
		}
	}
	return best
}

func opposite(m SelectionMode) SelectionMode {
	if m == SelectMinimum {
		return SelectMaximum
	}
	return SelectMinimum
}
