package blocks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ansel1/merry"
	"github.com/hashicorp/go-multierror"

	"github.com/softpoint/logicd/internal/vals"
)

// PIDConfig parameterizes one PID control loop.
//
// The setpoint is either the static SetPoint value or, when SetPointRef is
// set, read from that reference each tick. Cascade loops are built by
// pointing a child's SetPointRef at the parent's Output: the child reads the
// parent's last written output on its own tick, so the inner loop lags the
// outer one by at most one tick. CascadeLevel is display metadata only.
type PIDConfig struct {
	Meta
	Input       vals.Ref `json:"input"`
	SetPoint    float64  `json:"set_point"`
	SetPointRef vals.Ref `json:"set_point_ref,omitempty"`
	Output      vals.Ref `json:"output"`

	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`

	IsAuto      bool    `json:"is_auto"`
	ManualValue float64 `json:"manual_value"`

	ReverseOutput         bool    `json:"reverse_output"`
	DeadZone              float64 `json:"dead_zone"`
	OutputMin             float64 `json:"output_min"`
	OutputMax             float64 `json:"output_max"`
	MaxOutputSlewRate     float64 `json:"max_output_slew_rate"` // units/s, 0 = unlimited
	DerivativeFilterAlpha float64 `json:"derivative_filter_alpha"`
	FeedForward           float64 `json:"feed_forward"`

	DigitalOutput           vals.Ref `json:"digital_output,omitempty"`
	HysteresisHighThreshold float64  `json:"hysteresis_high_threshold"`
	HysteresisLowThreshold  float64  `json:"hysteresis_low_threshold"`

	CascadeLevel int `json:"cascade_level"`
}

func (c PIDConfig) Validate() error {
	var errs *multierror.Error
	errs = multierror.Append(errs, c.Meta.Validate())
	if err := c.Input.Validate(); err != nil {
		errs = multierror.Append(errs, merry.Append(err, "input"))
	}
	if err := c.Output.Validate(); err != nil {
		errs = multierror.Append(errs, merry.Append(err, "output"))
	}
	if c.OutputMin >= c.OutputMax {
		errs = multierror.Append(errs, merry.Errorf("output range [%v,%v] is empty", c.OutputMin, c.OutputMax))
	}
	if c.DerivativeFilterAlpha < 0 || c.DerivativeFilterAlpha > 1 {
		errs = multierror.Append(errs, merry.Errorf("derivative filter alpha %v not in [0,1]", c.DerivativeFilterAlpha))
	}
	if c.MaxOutputSlewRate < 0 {
		errs = multierror.Append(errs, merry.New("negative slew rate"))
	}
	if c.DeadZone < 0 {
		errs = multierror.Append(errs, merry.New("negative dead zone"))
	}
	if !c.DigitalOutput.IsZero() && c.HysteresisLowThreshold >= c.HysteresisHighThreshold {
		errs = multierror.Append(errs, merry.Errorf("hysteresis low %v must be below high %v",
			c.HysteresisLowThreshold, c.HysteresisHighThreshold))
	}
	if c.CascadeLevel < 0 || c.CascadeLevel > 2 {
		errs = multierror.Append(errs, merry.Errorf("cascade level %d not in 0..2", c.CascadeLevel))
	}
	return errs.ErrorOrNil()
}

type pidState struct {
	LastTick       time.Time `json:"last_tick"`
	PrevError      float64   `json:"prev_error"`
	Integral       float64   `json:"integral"`
	PrevDerivative float64   `json:"prev_derivative"`
	PrevOutput     float64   `json:"prev_output"`
	HasPrevOutput  bool      `json:"has_prev_output"`
	DigitalState   bool      `json:"digital_state"`
}

type PID struct {
	cfg PIDConfig
	st  pidState
}

func init() {
	registerKind(KindPID, func(raw []byte) (Block, error) {
		var c PIDConfig
		if err := unmarshalConfig(raw, &c); err != nil {
			return nil, err
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return &PID{cfg: c}, nil
	})
}

func (b *PID) Meta() Meta { return b.cfg.Meta }
func (b *PID) Kind() Kind { return KindPID }

func (b *PID) Refs() []RefClaim {
	xs := []RefClaim{
		{Ref: b.cfg.Input, Class: vals.Analog},
		{Ref: b.cfg.Output, Class: vals.Analog},
	}
	if !b.cfg.SetPointRef.IsZero() {
		xs = append(xs, RefClaim{Ref: b.cfg.SetPointRef, Class: vals.Analog, Optional: true})
	}
	if !b.cfg.DigitalOutput.IsZero() {
		xs = append(xs, RefClaim{Ref: b.cfg.DigitalOutput, Class: vals.Digital, Optional: true})
	}
	return xs
}

func (b *PID) State() interface{} { return &b.st }

func (b *PID) RestoreState(raw []byte) error {
	return json.Unmarshal(raw, &b.st)
}

func (b *PID) Evaluate(ctx context.Context, io IO, now time.Time) error {
	c := &b.cfg

	// Manual mode bypasses the controller entirely. Integral and derivative
	// are frozen so that returning to auto does not kick the output; only
	// the tick clock and the previous output advance, which makes the
	// auto transition bumpless under slew limiting.
	if !c.IsAuto {
		b.st.LastTick = now
		b.st.PrevOutput = c.ManualValue
		b.st.HasPrevOutput = true
		if err := io.Write(c.Output, c.ManualValue, now); err != nil {
			return err
		}
		return b.driveDigital(io, c.ManualValue, now)
	}

	pv, err := io.Read(c.Input)
	if err != nil {
		return err
	}
	if pv.Quality == vals.Bad {
		return merry.Errorf("pid %s: bad process variable %s", c.Name, c.Input)
	}

	sp := c.SetPoint
	if !c.SetPointRef.IsZero() {
		v, err := io.Read(c.SetPointRef)
		if err != nil {
			return err
		}
		if v.Quality == vals.Bad {
			return merry.Errorf("pid %s: bad setpoint %s", c.Name, c.SetPointRef)
		}
		sp = v.Value
	}

	e := sp - pv.Value
	if c.ReverseOutput {
		e = -e
	}
	if c.DeadZone > 0 && e > -c.DeadZone && e < c.DeadZone {
		e = 0
	}

	dt := tickDelta(b.st.LastTick, now)
	if dt > 0 {
		b.st.Integral += e * dt
		b.clampIntegral(e)

		rawD := (e - b.st.PrevError) / dt
		alpha := c.DerivativeFilterAlpha
		if alpha <= 0 {
			alpha = 1
		}
		b.st.PrevDerivative = alpha*rawD + (1-alpha)*b.st.PrevDerivative
	}
	b.st.PrevError = e
	b.st.LastTick = now

	out := c.Kp*e + c.Ki*b.st.Integral + c.Kd*b.st.PrevDerivative + c.FeedForward
	out = clamp(out, c.OutputMin, c.OutputMax)

	if c.MaxOutputSlewRate > 0 && b.st.HasPrevOutput && dt > 0 {
		step := c.MaxOutputSlewRate * dt
		out = b.st.PrevOutput + clamp(out-b.st.PrevOutput, -step, step)
	}
	b.st.PrevOutput = out
	b.st.HasPrevOutput = true

	if err := io.Write(c.Output, out, now); err != nil {
		return err
	}
	return b.driveDigital(io, out, now)
}

// clampIntegral keeps the integral contribution from pushing the output past
// its limits while the loop is saturated (clamped-integral anti-windup).
func (b *PID) clampIntegral(e float64) {
	c := &b.cfg
	if c.Ki == 0 {
		return
	}
	rest := c.Kp*e + c.Kd*b.st.PrevDerivative + c.FeedForward
	lo := (c.OutputMin - rest) / c.Ki
	hi := (c.OutputMax - rest) / c.Ki
	if lo > hi {
		lo, hi = hi, lo
	}
	b.st.Integral = clamp(b.st.Integral, lo, hi)
}

// driveDigital maps the analog output onto the optional on/off output with
// hysteresis: on at or above the high threshold, off at or below the low one,
// held in between.
func (b *PID) driveDigital(io IO, out float64, now time.Time) error {
	c := &b.cfg
	if c.DigitalOutput.IsZero() {
		return nil
	}
	switch {
	case out >= c.HysteresisHighThreshold:
		b.st.DigitalState = true
	case out <= c.HysteresisLowThreshold:
		b.st.DigitalState = false
	}
	v := 0.0
	if b.st.DigitalState {
		v = 1
	}
	return io.Write(c.DigitalOutput, v, now)
}
