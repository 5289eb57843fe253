// Package alarms runs the alarm state machine on top of point updates:
// Normal -> Pending -> Active -> Cleared, with a delay debouncing transients,
// hysteresis preventing chatter on the clear side, and staleness timeout
// alarms for silent points.
package alarms

import (
	"sync"
	"time"

	"github.com/ansel1/merry"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/powerman/structlog"

	"github.com/softpoint/logicd/internal/blocks"
	"github.com/softpoint/logicd/internal/vals"
)

var log = structlog.New()

type AlarmType string

const (
	// Comparative alarms evaluate the point value against thresholds.
	Comparative AlarmType = "comparative"
	// Timeout alarms fire when the point stops updating.
	Timeout AlarmType = "timeout"
)

type State string

const (
	Normal  State = "normal"
	Pending State = "pending"
	Active  State = "active"
)

// ExternalAlarm is an auxiliary digital write performed when the parent
// alarm becomes active.
type ExternalAlarm struct {
	Point uuid.UUID `json:"point"`
	Value bool      `json:"value"`
}

type Config struct {
	ID       uuid.UUID `json:"id"`
	Point    uuid.UUID `json:"point"`
	Name     string    `json:"name"`
	Type     AlarmType `json:"type"`
	Priority int       `json:"priority"`

	CompareType blocks.CompareType `json:"compare_type,omitempty"`
	Value       float64            `json:"value"`
	Value2      float64            `json:"value2"`
	Hysteresis  float64            `json:"hysteresis"`

	DelaySeconds float64 `json:"delay_s"`
	// TimeoutSeconds: for Timeout alarms the staleness window; for active
	// Comparative alarms the acknowledgment deadline after which the alarm
	// is flagged overdue (observability only, it does not self-clear).
	TimeoutSeconds float64 `json:"timeout_s"`

	External []ExternalAlarm `json:"external,omitempty"`
}

func (c Config) Validate() error {
	var errs *multierror.Error
	if c.ID == uuid.Nil {
		errs = multierror.Append(errs, merry.New("zero alarm id"))
	}
	if c.Point == uuid.Nil {
		errs = multierror.Append(errs, merry.New("zero point id"))
	}
	switch c.Type {
	case Comparative:
		if err := c.CompareType.Validate(); err != nil {
			errs = multierror.Append(errs, err)
		}
	case Timeout:
		if c.TimeoutSeconds <= 0 {
			errs = multierror.Append(errs, merry.New("timeout must be positive"))
		}
	default:
		errs = multierror.Append(errs, merry.Errorf("bad alarm type %q", c.Type))
	}
	if c.DelaySeconds < 0 {
		errs = multierror.Append(errs, merry.New("negative delay"))
	}
	if c.Hysteresis < 0 {
		errs = multierror.Append(errs, merry.New("negative hysteresis"))
	}
	return errs.ErrorOrNil()
}

// Transition is pushed to the notification layer on every state change.
type Transition struct {
	AlarmID  uuid.UUID `json:"alarm_id"`
	Name     string    `json:"name"`
	Point    uuid.UUID `json:"point"`
	Priority int       `json:"priority"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Value    float64   `json:"value"`
	Time     time.Time `json:"time"`
	Overdue  bool      `json:"overdue,omitempty"`
}

type Notifier interface {
	AlarmTransition(Transition)
}

type alarmState struct {
	cfg          Config
	state        State
	pendingSince time.Time
	activeSince  time.Time
	acked        bool
	overdue      bool
	lastValue    float64
}

// Evaluator consumes point updates from the value store and drives the
// alarm state machines. Call OnUpdate from a store watch and Sweep
// periodically (pending promotion, staleness and overdue checks are
// time-driven, not update-driven).
type Evaluator struct {
	mu     sync.Mutex
	io     blocks.IO
	notify Notifier
	byID   map[uuid.UUID]*alarmState
	// byPoint indexes alarm ids per monitored point.
	byPoint map[uuid.UUID][]uuid.UUID
}

func NewEvaluator(io blocks.IO, notify Notifier) *Evaluator {
	return &Evaluator{
		io:      io,
		notify:  notify,
		byID:    map[uuid.UUID]*alarmState{},
		byPoint: map[uuid.UUID][]uuid.UUID{},
	}
}

func (e *Evaluator) Add(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, f := e.byID[cfg.ID]; f {
		return merry.Errorf("alarm %s already added", cfg.ID)
	}
	e.byID[cfg.ID] = &alarmState{cfg: cfg, state: Normal}
	e.byPoint[cfg.Point] = append(e.byPoint[cfg.Point], cfg.ID)
	return nil
}

func (e *Evaluator) Remove(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, f := e.byID[id]
	if !f {
		return
	}
	delete(e.byID, id)
	ids := e.byPoint[a.cfg.Point]
	for i, x := range ids {
		if x == id {
			e.byPoint[a.cfg.Point] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// Acknowledge marks an active alarm as acknowledged, clearing the overdue
// flag.
func (e *Evaluator) Acknowledge(id uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, f := e.byID[id]
	if !f {
		return merry.Errorf("no such alarm %s", id)
	}
	if a.state != Active {
		return merry.Errorf("alarm %s not active", id)
	}
	a.acked = true
	a.overdue = false
	return nil
}

// State reports the current machine state of one alarm.
func (e *Evaluator) State(id uuid.UUID) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, f := e.byID[id]
	if !f {
		return Normal, false
	}
	return a.state, true
}

// Watch adapts the evaluator to a store watch callback.
func (e *Evaluator) Watch(ref vals.Ref, vqt vals.VQT) {
	if ref.Kind != vals.RefPoint {
		return
	}
	e.OnUpdate(ref.PointID, vqt, vqt.Time)
}

// OnUpdate evaluates all comparative alarms of the point against the new
// value.
func (e *Evaluator) OnUpdate(point uuid.UUID, vqt vals.VQT, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range e.byPoint[point] {
		a := e.byID[id]
		if a.cfg.Type != Comparative {
			continue
		}
		a.lastValue = vqt.Value
		e.step(a, e.conditionMet(a, vqt.Value), now)
	}
}

// Sweep advances the time-driven parts of every state machine: pending
// promotion after the delay, timeout-alarm staleness, and acknowledgment
// overdue flagging.
func (e *Evaluator) Sweep(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range e.byID {
		if a.cfg.Type == Timeout {
			vqt, err := e.io.Read(vals.PointRef(a.cfg.Point))
			if err != nil {
				continue
			}
			stale := vqt.Time.IsZero() ||
				now.Sub(vqt.Time) > time.Duration(a.cfg.TimeoutSeconds*float64(time.Second))
			a.lastValue = vqt.Value
			e.step(a, stale, now)
			continue
		}
		if a.state == Pending {
			e.step(a, true, now)
		}
		if a.state == Active && !a.acked && !a.overdue && a.cfg.TimeoutSeconds > 0 &&
			now.Sub(a.activeSince) > time.Duration(a.cfg.TimeoutSeconds*float64(time.Second)) {
			a.overdue = true
			log.Warn("alarm acknowledgment overdue", "alarm", a.cfg.Name)
			e.emit(a, Active, Active, now)
		}
	}
}

// Run sweeps periodically until the context is done.
func (e *Evaluator) Run(done <-chan struct{}, period time.Duration) {
	if period <= 0 {
		period = time.Second
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-t.C:
			e.Sweep(now)
		}
	}
}

// conditionMet applies the comparison with hysteresis on the clear side: an
// alarm that has left Normal holds its condition until the value retreats
// past the threshold by Hysteresis.
func (e *Evaluator) conditionMet(a *alarmState, v float64) bool {
	c := &a.cfg
	met := c.CompareType.Holds(v, c.Value, c.Value2)
	if met || a.state == Normal || c.Hysteresis == 0 {
		return met
	}
	switch c.CompareType {
	case blocks.CompareHigher:
		return v > c.Value-c.Hysteresis
	case blocks.CompareLower:
		return v < c.Value+c.Hysteresis
	case blocks.CompareBetween:
		return v >= c.Value-c.Hysteresis && v <= c.Value2+c.Hysteresis
	case blocks.CompareOutside:
		return v < c.Value+c.Hysteresis || v > c.Value2-c.Hysteresis
	default:
		return met
	}
}

func (e *Evaluator) step(a *alarmState, met bool, now time.Time) {
	switch a.state {
	case Normal:
		if !met {
			return
		}
		if a.cfg.DelaySeconds <= 0 {
			e.activate(a, Normal, now)
			return
		}
		a.state = Pending
		a.pendingSince = now
		e.emit(a, Normal, Pending, now)

	case Pending:
		if !met {
			// Condition cleared before the delay elapsed: the pending
			// transition is cancelled, no alarm is raised.
			a.state = Normal
			e.emit(a, Pending, Normal, now)
			return
		}
		if now.Sub(a.pendingSince) >= time.Duration(a.cfg.DelaySeconds*float64(time.Second)) {
			e.activate(a, Pending, now)
		}

	case Active:
		if met {
			return
		}
		a.state = Normal
		a.acked = false
		a.overdue = false
		e.emit(a, Active, Normal, now)
		e.revertExternal(a, now)
	}
}

func (e *Evaluator) activate(a *alarmState, from State, now time.Time) {
	a.state = Active
	a.activeSince = now
	a.acked = false
	a.overdue = false
	e.emit(a, from, Active, now)
	for _, x := range a.cfg.External {
		v := 0.0
		if x.Value {
			v = 1
		}
		if err := e.io.Write(vals.PointRef(x.Point), v, now); err != nil {
			log.PrintErr("external alarm write failed", "alarm", a.cfg.Name, "point", x.Point, "error", err)
		}
	}
}

// revertExternal writes the logical negation of each external alarm value
// when the parent clears. The data model leaves on-clear behavior open;
// reverting keeps auxiliary outputs (horns, lamps) from latching forever.
func (e *Evaluator) revertExternal(a *alarmState, now time.Time) {
	for _, x := range a.cfg.External {
		v := 1.0
		if x.Value {
			v = 0
		}
		if err := e.io.Write(vals.PointRef(x.Point), v, now); err != nil {
			log.PrintErr("external alarm revert failed", "alarm", a.cfg.Name, "point", x.Point, "error", err)
		}
	}
}

func (e *Evaluator) emit(a *alarmState, from, to State, now time.Time) {
	if from != to {
		log.Info("alarm transition", "alarm", a.cfg.Name, "from", from, "to", to)
	}
	if e.notify == nil {
		return
	}
	e.notify.AlarmTransition(Transition{
		AlarmID:  a.cfg.ID,
		Name:     a.cfg.Name,
		Point:    a.cfg.Point,
		Priority: a.cfg.Priority,
		From:     from,
		To:       to,
		Value:    a.lastValue,
		Time:     now,
		Overdue:  a.overdue,
	})
}
