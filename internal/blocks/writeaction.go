package blocks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ansel1/merry"
	"github.com/hashicorp/go-multierror"

	"github.com/softpoint/logicd/internal/vals"
)

// WriteActionConfig writes a static value, or a value read from SourceRef,
// to the output each tick. Digital declares the target a digital cell, so a
// nonzero value is stored as 1. MaxExecutionCount above zero bounds how many
// writes are performed over the block's lifetime.
type WriteActionConfig struct {
	Meta
	Value             float64  `json:"value"`
	SourceRef         vals.Ref `json:"source_ref,omitempty"`
	Output            vals.Ref `json:"output"`
	Digital           bool     `json:"digital"`
	MaxExecutionCount int      `json:"max_execution_count"` // 0 = unlimited
}

func (c WriteActionConfig) Validate() error {
	var errs *multierror.Error
	errs = multierror.Append(errs, c.Meta.Validate())
	if err := c.Output.Validate(); err != nil {
		errs = multierror.Append(errs, merry.Append(err, "output"))
	}
	if c.MaxExecutionCount < 0 {
		errs = multierror.Append(errs, merry.New("negative max execution count"))
	}
	return errs.ErrorOrNil()
}

type writeActionState struct {
	ExecutionCount int `json:"execution_count"`
}

type WriteAction struct {
	cfg WriteActionConfig
	st  writeActionState
}

func init() {
	registerKind(KindWriteAction, func(raw []byte) (Block, error) {
		var c WriteActionConfig
		if err := unmarshalConfig(raw, &c); err != nil {
			return nil, err
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return &WriteAction{cfg: c}, nil
	})
}

func (b *WriteAction) Meta() Meta { return b.cfg.Meta }
func (b *WriteAction) Kind() Kind { return KindWriteAction }

func (b *WriteAction) Refs() []RefClaim {
	class := vals.Analog
	if b.cfg.Digital {
		class = vals.Digital
	}
	xs := []RefClaim{{Ref: b.cfg.Output, Class: class}}
	if !b.cfg.SourceRef.IsZero() {
		// The source is only read; the store coerces the value on write.
		xs = append(xs, RefClaim{Ref: b.cfg.SourceRef, AnyClass: true, Optional: true})
	}
	return xs
}

func (b *WriteAction) State() interface{} { return &b.st }

func (b *WriteAction) RestoreState(raw []byte) error {
	return json.Unmarshal(raw, &b.st)
}

func (b *WriteAction) Evaluate(ctx context.Context, io IO, now time.Time) error {
	c := &b.cfg
	if c.MaxExecutionCount > 0 && b.st.ExecutionCount >= c.MaxExecutionCount {
		return nil
	}
	v := c.Value
	if !c.SourceRef.IsZero() {
		src, err := io.Read(c.SourceRef)
		if err != nil {
			return err
		}
		if src.Quality == vals.Bad {
			return merry.Errorf("write action %s: bad source %s", c.Name, c.SourceRef)
		}
		v = src.Value
	}
	if err := io.Write(c.Output, v, now); err != nil {
		return err
	}
	b.st.ExecutionCount++
	return nil
}
