package blocks

import (
	"context"
	"time"

	"github.com/ansel1/merry"
	"github.com/hashicorp/go-multierror"

	"github.com/softpoint/logicd/internal/vals"
)

const maxIFBranches = 20

type IFCondition struct {
	Input       vals.Ref    `json:"input"`
	CompareType CompareType `json:"compare_type"`
	Value       float64     `json:"value"`
	Value2      float64     `json:"value2"`
}

type IFBranch struct {
	Condition   IFCondition `json:"condition"`
	OutputValue float64     `json:"output_value"`
}

// IFConfig is an ordered branch list: the first true condition wins,
// otherwise DefaultValue.
type IFConfig struct {
	Meta
	Branches     []IFBranch `json:"branches"`
	DefaultValue float64    `json:"default_value"`
	Output       vals.Ref   `json:"output"`
}

func (c IFConfig) Validate() error {
	var errs *multierror.Error
	errs = multierror.Append(errs, c.Meta.Validate())
	if len(c.Branches) == 0 || len(c.Branches) > maxIFBranches {
		errs = multierror.Append(errs, merry.Errorf("want 1..%d branches, got %d", maxIFBranches, len(c.Branches)))
	}
	for i, br := range c.Branches {
		if err := br.Condition.Input.Validate(); err != nil {
			errs = multierror.Append(errs, merry.Appendf(err, "branch %d input", i))
		}
		if err := br.Condition.CompareType.Validate(); err != nil {
			errs = multierror.Append(errs, merry.Appendf(err, "branch %d", i))
		}
	}
	if err := c.Output.Validate(); err != nil {
		errs = multierror.Append(errs, merry.Append(err, "output"))
	}
	return errs.ErrorOrNil()
}

type IF struct {
	cfg IFConfig
}

func init() {
	registerKind(KindIF, func(raw []byte) (Block, error) {
		var c IFConfig
		if err := unmarshalConfig(raw, &c); err != nil {
			return nil, err
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return &IF{cfg: c}, nil
	})
}

func (b *IF) Meta() Meta { return b.cfg.Meta }
func (b *IF) Kind() Kind { return KindIF }

func (b *IF) Refs() []RefClaim {
	var xs []RefClaim
	for _, br := range b.cfg.Branches {
		xs = append(xs, RefClaim{Ref: br.Condition.Input, Class: vals.Analog})
	}
	return append(xs, RefClaim{Ref: b.cfg.Output, Class: vals.Analog})
}

// IF keeps no state between ticks.
func (b *IF) State() interface{} { return struct{}{} }

func (b *IF) RestoreState([]byte) error { return nil }

func (b *IF) Evaluate(ctx context.Context, io IO, now time.Time) error {
	c := &b.cfg
	for i, br := range c.Branches {
		v, err := io.Read(br.Condition.Input)
		if err != nil {
			return err
		}
		if v.Quality == vals.Bad {
			return merry.Errorf("if %s: branch %d: bad input %s", c.Name, i, br.Condition.Input)
		}
		if br.Condition.CompareType.Holds(v.Value, br.Condition.Value, br.Condition.Value2) {
			return io.Write(c.Output, br.OutputValue, now)
		}
	}
	return io.Write(c.Output, c.DefaultValue, now)
}
