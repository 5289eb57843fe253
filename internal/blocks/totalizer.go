package blocks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ansel1/merry"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	"github.com/softpoint/logicd/internal/pkg"
	"github.com/softpoint/logicd/internal/vals"
)

type AccumulationType string

const (
	RateIntegration   AccumulationType = "rate_integration"
	EventCountRising  AccumulationType = "event_count_rising"
	EventCountFalling AccumulationType = "event_count_falling"
	EventCountBoth    AccumulationType = "event_count_both"
)

// TotalizerConfig parameterizes accumulation of an analog rate into a
// quantity (flow into volume, power into energy) or counting of digital
// edges.
type TotalizerConfig struct {
	Meta
	Input  vals.Ref `json:"input"`
	Output vals.Ref `json:"output"`

	AccumulationType AccumulationType `json:"accumulation_type"`

	ResetOnOverflow    bool    `json:"reset_on_overflow"`
	OverflowThreshold  float64 `json:"overflow_threshold"`
	PreserveInDatabase bool    `json:"preserve_in_database"`

	ManualResetEnabled    bool   `json:"manual_reset_enabled"`
	ScheduledResetEnabled bool   `json:"scheduled_reset_enabled"`
	ResetCron             string `json:"reset_cron"`

	DecimalPlaces int    `json:"decimal_places"`
	Units         string `json:"units"` // display metadata only
}

func (c TotalizerConfig) Validate() error {
	var errs *multierror.Error
	errs = multierror.Append(errs, c.Meta.Validate())
	if err := c.Input.Validate(); err != nil {
		errs = multierror.Append(errs, merry.Append(err, "input"))
	}
	if err := c.Output.Validate(); err != nil {
		errs = multierror.Append(errs, merry.Append(err, "output"))
	}
	switch c.AccumulationType {
	case RateIntegration, EventCountRising, EventCountFalling, EventCountBoth:
	default:
		errs = multierror.Append(errs, merry.Errorf("bad accumulation type %q", c.AccumulationType))
	}
	if c.ResetOnOverflow && c.OverflowThreshold <= 0 {
		errs = multierror.Append(errs, merry.New("overflow threshold must be positive"))
	}
	if c.ScheduledResetEnabled {
		if _, err := cron.ParseStandard(c.ResetCron); err != nil {
			errs = multierror.Append(errs, merry.Appendf(err, "reset cron %q", c.ResetCron))
		}
	}
	return errs.ErrorOrNil()
}

type totalizerState struct {
	AccumulatedValue  float64   `json:"accumulated_value"`
	LastInputValue    float64   `json:"last_input_value"`
	HasLastInput      bool      `json:"has_last_input"`
	LastEventState    bool      `json:"last_event_state"`
	LastResetTime     time.Time `json:"last_reset_time"`
	LastOverflowValue float64   `json:"last_overflow_value"`
	LastTick          time.Time `json:"last_tick"`
}

type Totalizer struct {
	cfg      TotalizerConfig
	st       totalizerState
	resetReq bool // set by ManualReset, consumed on the next tick
	schedule cron.Schedule
}

func init() {
	registerKind(KindTotalizer, func(raw []byte) (Block, error) {
		var c TotalizerConfig
		if err := unmarshalConfig(raw, &c); err != nil {
			return nil, err
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		b := &Totalizer{cfg: c}
		if c.ScheduledResetEnabled {
			b.schedule, _ = cron.ParseStandard(c.ResetCron)
		}
		return b, nil
	})
}

func (b *Totalizer) Meta() Meta { return b.cfg.Meta }
func (b *Totalizer) Kind() Kind { return KindTotalizer }

func (b *Totalizer) Refs() []RefClaim {
	inClass := vals.Analog
	if b.cfg.AccumulationType != RateIntegration {
		inClass = vals.Digital
	}
	return []RefClaim{
		{Ref: b.cfg.Input, Class: inClass},
		{Ref: b.cfg.Output, Class: vals.Analog},
	}
}

func (b *Totalizer) State() interface{} { return &b.st }

func (b *Totalizer) RestoreState(raw []byte) error {
	return json.Unmarshal(raw, &b.st)
}

// ManualReset requests zeroing of the accumulator on the next tick. Returns
// an error if the config does not allow manual resets.
func (b *Totalizer) ManualReset() error {
	if !b.cfg.ManualResetEnabled {
		return merry.Errorf("totalizer %s: manual reset disabled", b.cfg.Name)
	}
	b.resetReq = true
	return nil
}

// AccumulatedValue exposes the running total for observability.
func (b *Totalizer) AccumulatedValue() float64 { return b.st.AccumulatedValue }

func (b *Totalizer) Evaluate(ctx context.Context, io IO, now time.Time) error {
	c := &b.cfg

	if b.resetReq {
		b.resetReq = false
		b.reset(now)
	}
	if b.scheduledResetDue(now) {
		b.reset(now)
	}

	in, err := io.Read(c.Input)
	if err != nil {
		return err
	}
	if in.Quality == vals.Bad {
		return merry.Errorf("totalizer %s: bad input %s", c.Name, c.Input)
	}

	dt := tickDelta(b.st.LastTick, now)
	switch c.AccumulationType {
	case RateIntegration:
		// Trapezoidal rule over the tick interval.
		if b.st.HasLastInput && dt > 0 {
			b.st.AccumulatedValue += (b.st.LastInputValue + in.Value) / 2 * dt
		}
	default:
		cur := in.Value != 0
		rising := cur && !b.st.LastEventState
		falling := !cur && b.st.LastEventState
		if b.st.HasLastInput {
			switch c.AccumulationType {
			case EventCountRising:
				if rising {
					b.st.AccumulatedValue++
				}
			case EventCountFalling:
				if falling {
					b.st.AccumulatedValue++
				}
			case EventCountBoth:
				if rising || falling {
					b.st.AccumulatedValue++
				}
			}
		}
		b.st.LastEventState = cur
	}
	b.st.LastInputValue = in.Value
	b.st.HasLastInput = true
	b.st.LastTick = now

	if c.ResetOnOverflow && b.st.AccumulatedValue >= c.OverflowThreshold {
		if c.PreserveInDatabase {
			// The pre-reset total stays queryable in the persisted state.
			b.st.LastOverflowValue = b.st.AccumulatedValue
		}
		log.Info("totalizer overflow reset", "block", c.Name,
			"value", pkg.FormatFloat(b.st.AccumulatedValue, 6))
		b.reset(now)
	}

	return io.Write(c.Output, round(b.st.AccumulatedValue, c.DecimalPlaces), now)
}

func (b *Totalizer) reset(now time.Time) {
	b.st.AccumulatedValue = 0
	b.st.LastResetTime = now
}

// scheduledResetDue reports whether the cron schedule has fired since the
// last reset. A freshly started totalizer anchors the schedule at the first
// tick instead of resetting immediately.
func (b *Totalizer) scheduledResetDue(now time.Time) bool {
	if !b.cfg.ScheduledResetEnabled || b.schedule == nil {
		return false
	}
	if b.st.LastResetTime.IsZero() {
		b.st.LastResetTime = now
		return false
	}
	return !b.schedule.Next(b.st.LastResetTime).After(now)
}
