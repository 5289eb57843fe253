package blocks

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/ansel1/merry"
	"github.com/hashicorp/go-multierror"

	"github.com/softpoint/logicd/internal/vals"
)

type DeadbandType string

const (
	// DeadbandAbsolute suppresses changes smaller than Deadband engineering
	// units.
	DeadbandAbsolute DeadbandType = "absolute"
	// DeadbandPercent reads Deadband as percent of the configured span.
	DeadbandPercent DeadbandType = "percent_of_span"
	// DeadbandRate suppresses changes slower than Deadband units/second.
	DeadbandRate DeadbandType = "rate_of_change"
)

type DeadbandConfig struct {
	Meta
	Input  vals.Ref `json:"input"`
	Output vals.Ref `json:"output"`

	Digital bool `json:"digital"`

	// Analog mode.
	DeadbandType DeadbandType `json:"deadband_type,omitempty"`
	Deadband     float64      `json:"deadband,omitempty"`
	SpanMin      float64      `json:"span_min,omitempty"`
	SpanMax      float64      `json:"span_max,omitempty"`

	// Digital mode: the input must hold a new value continuously this long
	// before it propagates.
	StabilityTimeSeconds float64 `json:"stability_time_s,omitempty"`
}

func (c DeadbandConfig) Validate() error {
	var errs *multierror.Error
	errs = multierror.Append(errs, c.Meta.Validate())
	if err := c.Input.Validate(); err != nil {
		errs = multierror.Append(errs, merry.Append(err, "input"))
	}
	if err := c.Output.Validate(); err != nil {
		errs = multierror.Append(errs, merry.Append(err, "output"))
	}
	if c.Digital {
		if c.StabilityTimeSeconds < 0 {
			errs = multierror.Append(errs, merry.New("negative stability time"))
		}
		return errs.ErrorOrNil()
	}
	switch c.DeadbandType {
	case DeadbandAbsolute, DeadbandRate:
	case DeadbandPercent:
		if c.SpanMin >= c.SpanMax {
			errs = multierror.Append(errs, merry.Errorf("span [%v,%v] is empty", c.SpanMin, c.SpanMax))
		}
	default:
		errs = multierror.Append(errs, merry.Errorf("bad deadband type %q", c.DeadbandType))
	}
	if c.Deadband <= 0 {
		errs = multierror.Append(errs, merry.New("deadband must be positive"))
	}
	return errs.ErrorOrNil()
}

type deadbandState struct {
	LastOutput     float64   `json:"last_output"`
	HasLastOutput  bool      `json:"has_last_output"`
	LastTick       time.Time `json:"last_tick"`
	CandidateValue float64   `json:"candidate_value"`
	CandidateSince time.Time `json:"candidate_since"`
	HasCandidate   bool      `json:"has_candidate"`
}

type Deadband struct {
	cfg DeadbandConfig
	st  deadbandState
}

func init() {
	registerKind(KindDeadband, func(raw []byte) (Block, error) {
		var c DeadbandConfig
		if err := unmarshalConfig(raw, &c); err != nil {
			return nil, err
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return &Deadband{cfg: c}, nil
	})
}

func (b *Deadband) Meta() Meta { return b.cfg.Meta }
func (b *Deadband) Kind() Kind { return KindDeadband }

func (b *Deadband) Refs() []RefClaim {
	class := vals.Analog
	if b.cfg.Digital {
		class = vals.Digital
	}
	return []RefClaim{
		{Ref: b.cfg.Input, Class: class},
		{Ref: b.cfg.Output, Class: class},
	}
}

func (b *Deadband) State() interface{} { return &b.st }

func (b *Deadband) RestoreState(raw []byte) error {
	return json.Unmarshal(raw, &b.st)
}

// Evaluate writes the output only when the input escapes the dead band, so
// an unchanged input never re-writes the output.
func (b *Deadband) Evaluate(ctx context.Context, io IO, now time.Time) error {
	c := &b.cfg
	in, err := io.Read(c.Input)
	if err != nil {
		return err
	}
	if in.Quality == vals.Bad {
		return merry.Errorf("deadband %s: bad input %s", c.Name, c.Input)
	}

	defer func() { b.st.LastTick = now }()

	if c.Digital {
		return b.evaluateDigital(io, in.Value, now)
	}

	if !b.st.HasLastOutput {
		return b.propagate(io, in.Value, now)
	}

	diff := math.Abs(in.Value - b.st.LastOutput)
	var threshold float64
	switch c.DeadbandType {
	case DeadbandPercent:
		threshold = c.Deadband / 100 * (c.SpanMax - c.SpanMin)
	case DeadbandRate:
		dt := tickDelta(b.st.LastTick, now)
		if dt <= 0 {
			return nil
		}
		if diff/dt <= c.Deadband {
			return nil
		}
		return b.propagate(io, in.Value, now)
	default:
		threshold = c.Deadband
	}
	if diff <= threshold {
		return nil
	}
	return b.propagate(io, in.Value, now)
}

func (b *Deadband) evaluateDigital(io IO, v float64, now time.Time) error {
	if v != 0 {
		v = 1
	}
	if !b.st.HasLastOutput {
		return b.propagate(io, v, now)
	}
	if v == b.st.LastOutput {
		b.st.HasCandidate = false
		return nil
	}
	if !b.st.HasCandidate || b.st.CandidateValue != v {
		b.st.CandidateValue = v
		b.st.CandidateSince = now
		b.st.HasCandidate = true
	}
	hold := time.Duration(b.cfg.StabilityTimeSeconds * float64(time.Second))
	if now.Sub(b.st.CandidateSince) < hold {
		return nil
	}
	b.st.HasCandidate = false
	return b.propagate(io, v, now)
}

func (b *Deadband) propagate(io IO, v float64, now time.Time) error {
	b.st.LastOutput = v
	b.st.HasLastOutput = true
	return io.Write(b.cfg.Output, v, now)
}
