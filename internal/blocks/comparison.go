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

type GroupOperator string

const (
	GroupAND GroupOperator = "and"
	GroupOR  GroupOperator = "or"
	// GroupXOR combines group results by odd parity.
	GroupXOR GroupOperator = "xor"
)

// ComparisonGroup votes M inputs against one comparison; the group is true
// when at least RequiredVotes inputs satisfy it. Hysteresis widens the
// release side of the comparison per input, so a vote that has been cast is
// only withdrawn after the value retreats past the threshold by Hysteresis.
type ComparisonGroup struct {
	Inputs        []vals.Ref  `json:"inputs"`
	RequiredVotes int         `json:"required_votes"`
	CompareType   CompareType `json:"compare_type"`
	Threshold     float64     `json:"threshold"`
	Threshold2    float64     `json:"threshold2"`
	Hysteresis    float64     `json:"hysteresis"`
}

type ComparisonConfig struct {
	Meta
	Groups        []ComparisonGroup `json:"groups"`
	GroupOperator GroupOperator     `json:"group_operator"`
	Invert        bool              `json:"invert"`
	Output        vals.Ref          `json:"output"`
}

func (c ComparisonConfig) Validate() error {
	var errs *multierror.Error
	errs = multierror.Append(errs, c.Meta.Validate())
	if len(c.Groups) == 0 {
		errs = multierror.Append(errs, merry.New("no comparison groups"))
	}
	for gi, g := range c.Groups {
		if len(g.Inputs) == 0 {
			errs = multierror.Append(errs, merry.Errorf("group %d: no inputs", gi))
		}
		if g.RequiredVotes < 1 || g.RequiredVotes > len(g.Inputs) {
			errs = multierror.Append(errs, merry.Errorf("group %d: required votes %d not in 1..%d",
				gi, g.RequiredVotes, len(g.Inputs)))
		}
		if err := g.CompareType.Validate(); err != nil {
			errs = multierror.Append(errs, merry.Appendf(err, "group %d", gi))
		}
		if g.Hysteresis < 0 {
			errs = multierror.Append(errs, merry.Errorf("group %d: negative hysteresis", gi))
		}
		for i, r := range g.Inputs {
			if err := r.Validate(); err != nil {
				errs = multierror.Append(errs, merry.Appendf(err, "group %d input %d", gi, i))
			}
		}
	}
	switch c.GroupOperator {
	case GroupAND, GroupOR, GroupXOR:
	default:
		errs = multierror.Append(errs, merry.Errorf("bad group operator %q", c.GroupOperator))
	}
	if err := c.Output.Validate(); err != nil {
		errs = multierror.Append(errs, merry.Append(err, "output"))
	}
	return errs.ErrorOrNil()
}

type comparisonState struct {
	// Votes latches the per-input vote of each group for hysteresis.
	Votes [][]bool `json:"votes"`
}

type Comparison struct {
	cfg ComparisonConfig
	st  comparisonState
}

func init() {
	registerKind(KindComparison, func(raw []byte) (Block, error) {
		var c ComparisonConfig
		if err := unmarshalConfig(raw, &c); err != nil {
			return nil, err
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return &Comparison{cfg: c}, nil
	})
}

func (b *Comparison) Meta() Meta { return b.cfg.Meta }
func (b *Comparison) Kind() Kind { return KindComparison }

func (b *Comparison) Refs() []RefClaim {
	var xs []RefClaim
	for _, g := range b.cfg.Groups {
		for _, r := range g.Inputs {
			xs = append(xs, RefClaim{Ref: r, Class: vals.Analog})
		}
	}
	return append(xs, RefClaim{Ref: b.cfg.Output, Class: vals.Digital})
}

func (b *Comparison) State() interface{} { return &b.st }

func (b *Comparison) RestoreState(raw []byte) error {
	return json.Unmarshal(raw, &b.st)
}

func (b *Comparison) Evaluate(ctx context.Context, io IO, now time.Time) error {
	c := &b.cfg
	b.ensureVotes()

	groupResults := make([]bool, len(c.Groups))
	for gi := range c.Groups {
		g := &c.Groups[gi]
		votes := 0
		for i, r := range g.Inputs {
			v, err := io.Read(r)
			if err != nil {
				return err
			}
			if v.Quality == vals.Bad {
				// A bad input keeps its latched vote.
				if b.st.Votes[gi][i] {
					votes++
				}
				continue
			}
			b.st.Votes[gi][i] = voteWithHysteresis(g, v.Value, b.st.Votes[gi][i])
			if b.st.Votes[gi][i] {
				votes++
			}
		}
		groupResults[gi] = votes >= g.RequiredVotes
	}

	result := combineGroups(c.GroupOperator, groupResults)
	if c.Invert {
		result = !result
	}
	out := 0.0
	if result {
		out = 1
	}
	return io.Write(c.Output, out, now)
}

func (b *Comparison) ensureVotes() {
	if len(b.st.Votes) == len(b.cfg.Groups) {
		ok := true
		for gi, g := range b.cfg.Groups {
			if len(b.st.Votes[gi]) != len(g.Inputs) {
				ok = false
				break
			}
		}
		if ok {
			return
		}
	}
	b.st.Votes = make([][]bool, len(b.cfg.Groups))
	for gi, g := range b.cfg.Groups {
		b.st.Votes[gi] = make([]bool, len(g.Inputs))
	}
}

// voteWithHysteresis casts a vote with a widened release side, so a vote
// flips back only after the value clears the threshold by Hysteresis.
func voteWithHysteresis(g *ComparisonGroup, v float64, prev bool) bool {
	h := g.Hysteresis
	switch g.CompareType {
	case CompareHigher:
		if v > g.Threshold {
			return true
		}
		if v <= g.Threshold-h {
			return false
		}
	case CompareLower:
		if v < g.Threshold {
			return true
		}
		if v >= g.Threshold+h {
			return false
		}
	case CompareBetween:
		if v >= g.Threshold && v <= g.Threshold2 {
			return true
		}
		if v < g.Threshold-h || v > g.Threshold2+h {
			return false
		}
	case CompareOutside:
		if v < g.Threshold || v > g.Threshold2 {
			return true
		}
		if v >= g.Threshold+h && v <= g.Threshold2-h {
			return false
		}
	case CompareEqual:
		// Hysteresis acts as the equality tolerance.
		return math.Abs(v-g.Threshold) <= h
	case CompareNotEqual:
		return math.Abs(v-g.Threshold) > h
	}
	return prev
}

func combineGroups(op GroupOperator, results []bool) bool {
	switch op {
	case GroupAND:
		for _, r := range results {
			if !r {
				return false
			}
		}
		return true
	case GroupXOR:
		odd := false
		for _, r := range results {
			if r {
				odd = !odd
			}
		}
		return odd
	default: // GroupOR
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	}
}
