package blocks

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/ansel1/merry"
	"github.com/hashicorp/go-multierror"
	lua "github.com/yuin/gopher-lua"

	"github.com/softpoint/logicd/internal/vals"
)

// FormulaConfig evaluates a Lua numeric expression each tick with the alias
// names bound to the referenced values. A failing evaluation is recorded on
// the instance and never crashes the engine.
type FormulaConfig struct {
	Meta
	Expression string              `json:"expression"`
	Aliases    map[string]vals.Ref `json:"aliases"`
	Output     vals.Ref            `json:"output"`
}

var aliasNameRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (c FormulaConfig) Validate() error {
	var errs *multierror.Error
	errs = multierror.Append(errs, c.Meta.Validate())
	if c.Expression == "" {
		errs = multierror.Append(errs, merry.New("empty expression"))
	}
	for name, r := range c.Aliases {
		if !aliasNameRegexp.MatchString(name) {
			errs = multierror.Append(errs, merry.Errorf("bad alias name %q", name))
		}
		if err := r.Validate(); err != nil {
			errs = multierror.Append(errs, merry.Appendf(err, "alias %q", name))
		}
	}
	if err := c.Output.Validate(); err != nil {
		errs = multierror.Append(errs, merry.Append(err, "output"))
	}
	if err := checkExpression(c.Expression); err != nil {
		errs = multierror.Append(errs, merry.Append(err, "expression"))
	}
	return errs.ErrorOrNil()
}

// checkExpression compiles the expression so syntax errors are rejected at
// configuration time, not discovered tick by tick.
func checkExpression(expr string) error {
	L := lua.NewState()
	defer L.Close()
	_, err := L.LoadString("return (" + expr + ")")
	return err
}

type formulaState struct {
	LastError string `json:"last_error,omitempty"`
}

type Formula struct {
	cfg FormulaConfig
	st  formulaState
}

func init() {
	registerKind(KindFormula, func(raw []byte) (Block, error) {
		var c FormulaConfig
		if err := unmarshalConfig(raw, &c); err != nil {
			return nil, err
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return &Formula{cfg: c}, nil
	})
}

func (b *Formula) Meta() Meta { return b.cfg.Meta }
func (b *Formula) Kind() Kind { return KindFormula }

func (b *Formula) Refs() []RefClaim {
	var xs []RefClaim
	for _, r := range b.cfg.Aliases {
		xs = append(xs, RefClaim{Ref: r, Class: vals.Analog})
	}
	return append(xs, RefClaim{Ref: b.cfg.Output, Class: vals.Analog})
}

func (b *Formula) State() interface{} { return &b.st }

func (b *Formula) RestoreState(raw []byte) error {
	return json.Unmarshal(raw, &b.st)
}

// LastError reports the most recent evaluation failure, empty when the last
// tick succeeded.
func (b *Formula) LastError() string { return b.st.LastError }

func (b *Formula) Evaluate(ctx context.Context, io IO, now time.Time) error {
	out, err := b.eval(ctx, io)
	if err != nil {
		b.st.LastError = err.Error()
		return err
	}
	b.st.LastError = ""
	return io.Write(b.cfg.Output, out, now)
}

func (b *Formula) eval(ctx context.Context, io IO) (float64, error) {
	c := &b.cfg

	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)

	for name, r := range c.Aliases {
		v, err := io.Read(r)
		if err != nil {
			return 0, err
		}
		if v.Quality == vals.Bad {
			return 0, merry.Errorf("formula %s: bad input %q (%s)", c.Name, name, r)
		}
		L.SetGlobal(name, lua.LNumber(v.Value))
	}

	if err := L.DoString("return (" + c.Expression + ")"); err != nil {
		return 0, merry.Appendf(err, "formula %s", c.Name)
	}
	ret := L.Get(-1)
	L.Pop(1)
	switch v := ret.(type) {
	case lua.LNumber:
		return float64(v), nil
	case lua.LBool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, merry.Errorf("formula %s: expression returned %s, want number", c.Name, ret.Type())
	}
}
