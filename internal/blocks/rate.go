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

type RateMethod string

const (
	RateSimpleDifference RateMethod = "simple_difference"
	RateMovingAverage    RateMethod = "moving_average"
	RateWeightedAverage  RateMethod = "weighted_average"
	RateLinearRegression RateMethod = "linear_regression"
)

type RateTimeUnit string

const (
	PerSecond RateTimeUnit = "per_second"
	PerMinute RateTimeUnit = "per_minute"
	PerHour   RateTimeUnit = "per_hour"
)

func (u RateTimeUnit) factor() float64 {
	switch u {
	case PerMinute:
		return 60
	case PerHour:
		return 3600
	default:
		return 1
	}
}

// RateOfChangeConfig parameterizes a rate-of-change detector over a rolling
// sample window.
type RateOfChangeConfig struct {
	Meta
	Input  vals.Ref `json:"input"`
	Output vals.Ref `json:"output"`

	Method              RateMethod   `json:"method"`
	TimeWindowSeconds   float64      `json:"time_window_s"`
	SmoothingAlpha      float64      `json:"smoothing_alpha"`
	BaselineSampleCount int          `json:"baseline_sample_count"`
	TimeUnit            RateTimeUnit `json:"time_unit"`
	DecimalPlaces       int          `json:"decimal_places"`

	// Optional rate alarm with asymmetric hysteresis: the alarm sets when
	// |rate| reaches a threshold and clears only when |rate| falls to
	// threshold*multiplier, multiplier strictly below 1.
	HighRateThreshold  *float64 `json:"high_rate_threshold,omitempty"`
	HighRateHysteresis float64  `json:"high_rate_hysteresis"`
	LowRateThreshold   *float64 `json:"low_rate_threshold,omitempty"`
	LowRateHysteresis  float64  `json:"low_rate_hysteresis"`
	AlarmOutput        vals.Ref `json:"alarm_output,omitempty"`
}

func (c RateOfChangeConfig) Validate() error {
	var errs *multierror.Error
	errs = multierror.Append(errs, c.Meta.Validate())
	if err := c.Input.Validate(); err != nil {
		errs = multierror.Append(errs, merry.Append(err, "input"))
	}
	if err := c.Output.Validate(); err != nil {
		errs = multierror.Append(errs, merry.Append(err, "output"))
	}
	switch c.Method {
	case RateSimpleDifference, RateMovingAverage, RateWeightedAverage, RateLinearRegression:
	default:
		errs = multierror.Append(errs, merry.Errorf("bad rate method %q", c.Method))
	}
	if c.Method != RateSimpleDifference && c.TimeWindowSeconds <= 0 {
		errs = multierror.Append(errs, merry.New("time window must be positive"))
	}
	if c.SmoothingAlpha < 0 || c.SmoothingAlpha > 1 {
		errs = multierror.Append(errs, merry.Errorf("smoothing alpha %v not in [0,1]", c.SmoothingAlpha))
	}
	if c.BaselineSampleCount < 0 {
		errs = multierror.Append(errs, merry.New("negative baseline sample count"))
	}
	for _, h := range []struct {
		thr *float64
		mul float64
		tag string
	}{
		{c.HighRateThreshold, c.HighRateHysteresis, "high"},
		{c.LowRateThreshold, c.LowRateHysteresis, "low"},
	} {
		if h.thr != nil && (h.mul <= 0 || h.mul >= 1) {
			errs = multierror.Append(errs, merry.Errorf("%s rate hysteresis %v not in (0,1)", h.tag, h.mul))
		}
	}
	if (c.HighRateThreshold != nil || c.LowRateThreshold != nil) && c.AlarmOutput.IsZero() {
		errs = multierror.Append(errs, merry.New("rate thresholds set without alarm output"))
	}
	return errs.ErrorOrNil()
}

type rateSample struct {
	V float64   `json:"v"`
	T time.Time `json:"t"`
}

type rateState struct {
	Samples     []rateSample `json:"samples"`
	Smoothed    float64      `json:"smoothed"`
	HasSmoothed bool         `json:"has_smoothed"`
	SampleCount int          `json:"sample_count"`
	HighAlarm   bool         `json:"high_alarm"`
	LowAlarm    bool         `json:"low_alarm"`
}

type RateOfChange struct {
	cfg RateOfChangeConfig
	st  rateState
}

func init() {
	registerKind(KindRateOfChange, func(raw []byte) (Block, error) {
		var c RateOfChangeConfig
		if err := unmarshalConfig(raw, &c); err != nil {
			return nil, err
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return &RateOfChange{cfg: c}, nil
	})
}

func (b *RateOfChange) Meta() Meta { return b.cfg.Meta }
func (b *RateOfChange) Kind() Kind { return KindRateOfChange }

func (b *RateOfChange) Refs() []RefClaim {
	xs := []RefClaim{
		{Ref: b.cfg.Input, Class: vals.Analog},
		{Ref: b.cfg.Output, Class: vals.Analog},
	}
	if !b.cfg.AlarmOutput.IsZero() {
		xs = append(xs, RefClaim{Ref: b.cfg.AlarmOutput, Class: vals.Digital, Optional: true})
	}
	return xs
}

func (b *RateOfChange) State() interface{} { return &b.st }

func (b *RateOfChange) RestoreState(raw []byte) error {
	return json.Unmarshal(raw, &b.st)
}

func (b *RateOfChange) Evaluate(ctx context.Context, io IO, now time.Time) error {
	c := &b.cfg

	in, err := io.Read(c.Input)
	if err != nil {
		return err
	}
	if in.Quality == vals.Bad {
		return merry.Errorf("rate %s: bad input %s", c.Name, c.Input)
	}

	b.st.Samples = append(b.st.Samples, rateSample{V: in.Value, T: now})
	b.trimWindow(now)
	b.st.SampleCount++

	raw, ok := b.rawRate()
	if !ok {
		return nil
	}

	if b.st.HasSmoothed && c.SmoothingAlpha > 0 {
		b.st.Smoothed = c.SmoothingAlpha*raw + (1-c.SmoothingAlpha)*b.st.Smoothed
	} else {
		b.st.Smoothed = raw
		b.st.HasSmoothed = true
	}

	// Internal state keeps advancing through the baseline period but no
	// output is published until it is over.
	if b.st.SampleCount <= c.BaselineSampleCount {
		return nil
	}

	out := round(b.st.Smoothed*c.TimeUnit.factor(), c.DecimalPlaces)
	if err := io.Write(c.Output, out, now); err != nil {
		return err
	}
	return b.driveAlarm(io, now)
}

func (b *RateOfChange) trimWindow(now time.Time) {
	if b.cfg.TimeWindowSeconds <= 0 {
		// SimpleDifference only needs the last two samples.
		if n := len(b.st.Samples); n > 2 {
			b.st.Samples = b.st.Samples[n-2:]
		}
		return
	}
	cutoff := now.Add(-time.Duration(b.cfg.TimeWindowSeconds * float64(time.Second)))
	i := 0
	for i < len(b.st.Samples)-1 && b.st.Samples[i].T.Before(cutoff) {
		i++
	}
	b.st.Samples = b.st.Samples[i:]
}

// rawRate computes the unsmoothed rate in units per second.
func (b *RateOfChange) rawRate() (float64, bool) {
	s := b.st.Samples
	if len(s) < 2 {
		return 0, false
	}
	switch b.cfg.Method {
	case RateMovingAverage:
		sum, n := 0.0, 0
		for i := 1; i < len(s); i++ {
			if r, ok := pairRate(s[i-1], s[i]); ok {
				sum += r
				n++
			}
		}
		if n == 0 {
			return 0, false
		}
		return sum / float64(n), true

	case RateWeightedAverage:
		sum, wsum := 0.0, 0.0
		for i := 1; i < len(s); i++ {
			if r, ok := pairRate(s[i-1], s[i]); ok {
				w := float64(i)
				sum += r * w
				wsum += w
			}
		}
		if wsum == 0 {
			return 0, false
		}
		return sum / wsum, true

	case RateLinearRegression:
		return regressionSlope(s)

	default: // RateSimpleDifference
		return pairRate(s[len(s)-2], s[len(s)-1])
	}
}

func pairRate(a, b rateSample) (float64, bool) {
	dt := b.T.Sub(a.T).Seconds()
	if dt <= 0 {
		return 0, false
	}
	return (b.V - a.V) / dt, true
}

// regressionSlope is the least-squares slope of value over time across the
// window, with time taken relative to the first sample.
func regressionSlope(s []rateSample) (float64, bool) {
	n := float64(len(s))
	t0 := s[0].T
	var sumT, sumV, sumTT, sumTV float64
	for _, x := range s {
		t := x.T.Sub(t0).Seconds()
		sumT += t
		sumV += x.V
		sumTT += t * t
		sumTV += t * x.V
	}
	den := n*sumTT - sumT*sumT
	if den == 0 {
		return 0, false
	}
	return (n*sumTV - sumT*sumV) / den, true
}

func (b *RateOfChange) driveAlarm(io IO, now time.Time) error {
	c := &b.cfg
	if c.AlarmOutput.IsZero() {
		return nil
	}
	mag := math.Abs(b.st.Smoothed * c.TimeUnit.factor())
	if c.HighRateThreshold != nil {
		thr := *c.HighRateThreshold
		switch {
		case mag >= thr:
			b.st.HighAlarm = true
		case mag <= thr*c.HighRateHysteresis:
			b.st.HighAlarm = false
		}
	}
	if c.LowRateThreshold != nil {
		thr := *c.LowRateThreshold
		switch {
		case mag >= thr:
			b.st.LowAlarm = true
		case mag <= thr*c.LowRateHysteresis:
			b.st.LowAlarm = false
		}
	}
	v := 0.0
	if b.st.HighAlarm || b.st.LowAlarm {
		v = 1
	}
	return io.Write(c.AlarmOutput, v, now)
}
