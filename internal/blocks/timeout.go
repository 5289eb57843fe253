package blocks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ansel1/merry"
	"github.com/hashicorp/go-multierror"

	"github.com/softpoint/logicd/internal/vals"
)

// TimeoutConfig watches the input's last-update time and drives a digital
// stale/fault indicator when no update arrives within the timeout.
type TimeoutConfig struct {
	Meta
	Input          vals.Ref `json:"input"`
	TimeoutSeconds float64  `json:"timeout_s"`
	Output         vals.Ref `json:"output"`
}

func (c TimeoutConfig) Validate() error {
	var errs *multierror.Error
	errs = multierror.Append(errs, c.Meta.Validate())
	if err := c.Input.Validate(); err != nil {
		errs = multierror.Append(errs, merry.Append(err, "input"))
	}
	if err := c.Output.Validate(); err != nil {
		errs = multierror.Append(errs, merry.Append(err, "output"))
	}
	if c.TimeoutSeconds <= 0 {
		errs = multierror.Append(errs, merry.New("timeout must be positive"))
	}
	return errs.ErrorOrNil()
}

type timeoutState struct {
	TimedOut bool `json:"timed_out"`
	HasState bool `json:"has_state"`
}

type Timeout struct {
	cfg TimeoutConfig
	st  timeoutState
}

func init() {
	registerKind(KindTimeout, func(raw []byte) (Block, error) {
		var c TimeoutConfig
		if err := unmarshalConfig(raw, &c); err != nil {
			return nil, err
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return &Timeout{cfg: c}, nil
	})
}

func (b *Timeout) Meta() Meta { return b.cfg.Meta }
func (b *Timeout) Kind() Kind { return KindTimeout }

func (b *Timeout) Refs() []RefClaim {
	// Only the input's timestamp is inspected, so its class does not matter.
	return []RefClaim{
		{Ref: b.cfg.Input, AnyClass: true},
		{Ref: b.cfg.Output, Class: vals.Digital},
	}
}

func (b *Timeout) State() interface{} { return &b.st }

func (b *Timeout) RestoreState(raw []byte) error {
	return json.Unmarshal(raw, &b.st)
}

func (b *Timeout) Evaluate(ctx context.Context, io IO, now time.Time) error {
	c := &b.cfg
	in, err := io.Read(c.Input)
	if err != nil {
		return err
	}
	if in.Time.IsZero() {
		return merry.Errorf("timeout %s: input %s never written", c.Name, c.Input)
	}
	timedOut := now.Sub(in.Time) > time.Duration(c.TimeoutSeconds*float64(time.Second))
	if b.st.HasState && timedOut == b.st.TimedOut {
		return nil
	}
	b.st.TimedOut = timedOut
	b.st.HasState = true
	v := 0.0
	if timedOut {
		v = 1
	}
	return io.Write(c.Output, v, now)
}
