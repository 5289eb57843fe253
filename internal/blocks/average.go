package blocks

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/ansel1/merry"
	"github.com/hashicorp/go-multierror"

	"github.com/softpoint/logicd/internal/vals"
)

type AverageMode string

const (
	// AverageMultiInput averages several references per tick.
	AverageMultiInput AverageMode = "multi_input"
	// AverageFilter smooths one input over a rolling sample window.
	AverageFilter AverageMode = "filter"
)

type OutlierMethod string

const (
	OutlierNone   OutlierMethod = "none"
	OutlierIQR    OutlierMethod = "iqr"
	OutlierZScore OutlierMethod = "z_score"
)

type FilterType string

const (
	FilterSMA FilterType = "sma"
	FilterEMA FilterType = "ema"
	FilterWMA FilterType = "wma"
)

type AverageConfig struct {
	Meta
	Mode   AverageMode `json:"mode"`
	Output vals.Ref    `json:"output"`

	// Multi-input mode.
	Inputs            []vals.Ref    `json:"inputs,omitempty"`
	Weights           []float64     `json:"weights,omitempty"`
	OutlierMethod     OutlierMethod `json:"outlier_method,omitempty"`
	ZScoreLimit       float64       `json:"z_score_limit,omitempty"`
	MinimumInputs     int           `json:"minimum_inputs,omitempty"`
	IgnoreStale       bool          `json:"ignore_stale,omitempty"`
	StaleAfterSeconds float64       `json:"stale_after_s,omitempty"`

	// Filter mode.
	Input      vals.Ref   `json:"input,omitempty"`
	FilterType FilterType `json:"filter_type,omitempty"`
	WindowSize int        `json:"window_size,omitempty"`
	Alpha      float64    `json:"alpha,omitempty"`
}

func (c AverageConfig) Validate() error {
	var errs *multierror.Error
	errs = multierror.Append(errs, c.Meta.Validate())
	if err := c.Output.Validate(); err != nil {
		errs = multierror.Append(errs, merry.Append(err, "output"))
	}
	switch c.Mode {
	case AverageMultiInput:
		if len(c.Inputs) < 2 {
			errs = multierror.Append(errs, merry.Errorf("want at least 2 inputs, got %d", len(c.Inputs)))
		}
		if len(c.Weights) > 0 && len(c.Weights) != len(c.Inputs) {
			errs = multierror.Append(errs, merry.Errorf("%d weights for %d inputs", len(c.Weights), len(c.Inputs)))
		}
		switch c.OutlierMethod {
		case "", OutlierNone, OutlierIQR, OutlierZScore:
		default:
			errs = multierror.Append(errs, merry.Errorf("bad outlier method %q", c.OutlierMethod))
		}
		if c.OutlierMethod == OutlierZScore && c.ZScoreLimit <= 0 {
			errs = multierror.Append(errs, merry.New("z-score limit must be positive"))
		}
		if c.MinimumInputs < 1 || c.MinimumInputs > len(c.Inputs) {
			errs = multierror.Append(errs, merry.Errorf("minimum inputs %d not in 1..%d", c.MinimumInputs, len(c.Inputs)))
		}
		if c.IgnoreStale && c.StaleAfterSeconds <= 0 {
			errs = multierror.Append(errs, merry.New("ignore stale requires a positive staleness window"))
		}
	case AverageFilter:
		if err := c.Input.Validate(); err != nil {
			errs = multierror.Append(errs, merry.Append(err, "input"))
		}
		switch c.FilterType {
		case FilterSMA, FilterWMA:
			if c.WindowSize < 1 {
				errs = multierror.Append(errs, merry.Errorf("window size %d must be positive", c.WindowSize))
			}
		case FilterEMA:
			if c.Alpha <= 0 || c.Alpha > 1 {
				errs = multierror.Append(errs, merry.Errorf("ema alpha %v not in (0,1]", c.Alpha))
			}
		default:
			errs = multierror.Append(errs, merry.Errorf("bad filter type %q", c.FilterType))
		}
	default:
		errs = multierror.Append(errs, merry.Errorf("bad average mode %q", c.Mode))
	}
	return errs.ErrorOrNil()
}

type averageState struct {
	Window []float64 `json:"window,omitempty"`
	EMA    float64   `json:"ema"`
	HasEMA bool      `json:"has_ema"`
}

type Average struct {
	cfg AverageConfig
	st  averageState
}

func init() {
	registerKind(KindAverage, func(raw []byte) (Block, error) {
		var c AverageConfig
		if err := unmarshalConfig(raw, &c); err != nil {
			return nil, err
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return &Average{cfg: c}, nil
	})
}

func (b *Average) Meta() Meta { return b.cfg.Meta }
func (b *Average) Kind() Kind { return KindAverage }

func (b *Average) Refs() []RefClaim {
	var xs []RefClaim
	for _, r := range b.cfg.Inputs {
		xs = append(xs, RefClaim{Ref: r, Class: vals.Analog})
	}
	if !b.cfg.Input.IsZero() {
		xs = append(xs, RefClaim{Ref: b.cfg.Input, Class: vals.Analog})
	}
	return append(xs, RefClaim{Ref: b.cfg.Output, Class: vals.Analog})
}

func (b *Average) State() interface{} { return &b.st }

func (b *Average) RestoreState(raw []byte) error {
	return json.Unmarshal(raw, &b.st)
}

func (b *Average) Evaluate(ctx context.Context, io IO, now time.Time) error {
	if b.cfg.Mode == AverageFilter {
		return b.evaluateFilter(io, now)
	}
	return b.evaluateMultiInput(io, now)
}

func (b *Average) evaluateMultiInput(io IO, now time.Time) error {
	c := &b.cfg

	var values, weights []float64
	staleWindow := time.Duration(c.StaleAfterSeconds * float64(time.Second))
	for i, r := range c.Inputs {
		v, err := io.Read(r)
		if err != nil {
			return err
		}
		if c.IgnoreStale {
			v = v.StaleBy(now, staleWindow)
		}
		if v.Quality != vals.Good {
			continue
		}
		values = append(values, v.Value)
		if len(c.Weights) > 0 {
			weights = append(weights, c.Weights[i])
		}
	}

	values, weights = rejectOutliers(c, values, weights)
	if len(values) < c.MinimumInputs {
		return merry.Errorf("average %s: %d usable inputs, need %d", c.Name, len(values), c.MinimumInputs)
	}

	var out float64
	if len(weights) > 0 {
		var sum, wsum float64
		for i, v := range values {
			sum += v * weights[i]
			wsum += weights[i]
		}
		if wsum == 0 {
			return merry.Errorf("average %s: zero weight sum", c.Name)
		}
		out = sum / wsum
	} else {
		out = mean(values)
	}
	return io.Write(c.Output, out, now)
}

func (b *Average) evaluateFilter(io IO, now time.Time) error {
	c := &b.cfg
	v, err := io.Read(c.Input)
	if err != nil {
		return err
	}
	if v.Quality == vals.Bad {
		return merry.Errorf("average %s: bad input %s", c.Name, c.Input)
	}

	var out float64
	switch c.FilterType {
	case FilterEMA:
		if b.st.HasEMA {
			b.st.EMA = c.Alpha*v.Value + (1-c.Alpha)*b.st.EMA
		} else {
			b.st.EMA = v.Value
			b.st.HasEMA = true
		}
		out = b.st.EMA
	case FilterWMA:
		b.push(v.Value)
		var sum, wsum float64
		for i, x := range b.st.Window {
			w := float64(i + 1)
			sum += x * w
			wsum += w
		}
		out = sum / wsum
	default: // FilterSMA
		b.push(v.Value)
		out = mean(b.st.Window)
	}
	return io.Write(c.Output, out, now)
}

func (b *Average) push(v float64) {
	b.st.Window = append(b.st.Window, v)
	if len(b.st.Window) > b.cfg.WindowSize {
		b.st.Window = b.st.Window[len(b.st.Window)-b.cfg.WindowSize:]
	}
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// rejectOutliers filters values by the configured method, keeping weights
// aligned. Too few samples to establish a distribution pass through as is.
func rejectOutliers(c *AverageConfig, values, weights []float64) ([]float64, []float64) {
	if len(values) < 4 {
		return values, weights
	}
	keep := func(pred func(v float64) bool) ([]float64, []float64) {
		var vs, ws []float64
		for i, v := range values {
			if !pred(v) {
				continue
			}
			vs = append(vs, v)
			if len(weights) > 0 {
				ws = append(ws, weights[i])
			}
		}
		return vs, ws
	}
	switch c.OutlierMethod {
	case OutlierIQR:
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)
		q1 := quantile(sorted, 0.25)
		q3 := quantile(sorted, 0.75)
		iqr := q3 - q1
		lo, hi := q1-1.5*iqr, q3+1.5*iqr
		return keep(func(v float64) bool { return v >= lo && v <= hi })
	case OutlierZScore:
		m := mean(values)
		var ss float64
		for _, v := range values {
			ss += (v - m) * (v - m)
		}
		sd := math.Sqrt(ss / float64(len(values)))
		if sd == 0 {
			return values, weights
		}
		return keep(func(v float64) bool { return math.Abs(v-m)/sd <= c.ZScoreLimit })
	default:
		return values, weights
	}
}

func quantile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
