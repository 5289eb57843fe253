package blocks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ansel1/merry"
	"github.com/hashicorp/go-multierror"

	"github.com/softpoint/logicd/internal/vals"
)

type NullEndTimeBehavior string

const (
	// NullEndUseDefault treats a block without an end time as a point
	// block: it is active only during its start minute.
	NullEndUseDefault NullEndTimeBehavior = "use_default"
	// NullEndExtendToEndOfDay keeps the block active until midnight.
	NullEndExtendToEndOfDay NullEndTimeBehavior = "extend_to_end_of_day"
)

type OverrideExpirationMode string

const (
	OverrideExpireDuration OverrideExpirationMode = "duration"
	OverrideExpireEvent    OverrideExpirationMode = "event"
)

// ScheduleBlock is one time slot of a schedule. Start and End are wall-clock
// times "HH:MM" in the schedule's timezone; End below Start spans midnight.
type ScheduleBlock struct {
	ID        int64   `json:"id"`
	DayOfWeek int     `json:"day_of_week"` // 0 = Sunday .. 6 = Saturday
	Start     string  `json:"start"`
	End       *string `json:"end,omitempty"`
	Priority  int     `json:"priority"` // 1..4, higher wins
	Value     float64 `json:"value"`

	NullEndTimeBehavior NullEndTimeBehavior `json:"null_end_time_behavior,omitempty"`
}

// Holiday pre-empts all schedule blocks on its date. A nil override falls
// back to the schedule's default value.
type Holiday struct {
	Date     string   `json:"date"` // "2006-01-02"
	Override *float64 `json:"override,omitempty"`
}

// ScheduleConfig is a day/holiday-aware output program.
type ScheduleConfig struct {
	Meta
	Output vals.Ref `json:"output"`

	Digital             bool    `json:"digital"`
	DefaultAnalogValue  float64 `json:"default_analog_value"`
	DefaultDigitalValue bool    `json:"default_digital_value"`

	Blocks []ScheduleBlock `json:"blocks"`

	CalendarID int64     `json:"calendar_id,omitempty"`
	Holidays   []Holiday `json:"holidays,omitempty"`

	Timezone string `json:"timezone,omitempty"` // IANA name, empty = local
}

const scheduleTimeLayout = "15:04"

func (c ScheduleConfig) Validate() error {
	var errs *multierror.Error
	errs = multierror.Append(errs, c.Meta.Validate())
	if err := c.Output.Validate(); err != nil {
		errs = multierror.Append(errs, merry.Append(err, "output"))
	}
	for i, b := range c.Blocks {
		if b.DayOfWeek < 0 || b.DayOfWeek > 6 {
			errs = multierror.Append(errs, merry.Errorf("block %d: day of week %d not in 0..6", i, b.DayOfWeek))
		}
		if b.Priority < 1 || b.Priority > 4 {
			errs = multierror.Append(errs, merry.Errorf("block %d: priority %d not in 1..4", i, b.Priority))
		}
		if _, err := time.Parse(scheduleTimeLayout, b.Start); err != nil {
			errs = multierror.Append(errs, merry.Errorf("block %d: bad start time %q", i, b.Start))
		}
		if b.End != nil {
			if _, err := time.Parse(scheduleTimeLayout, *b.End); err != nil {
				errs = multierror.Append(errs, merry.Errorf("block %d: bad end time %q", i, *b.End))
			}
		} else {
			switch b.NullEndTimeBehavior {
			case NullEndUseDefault, NullEndExtendToEndOfDay:
			default:
				errs = multierror.Append(errs, merry.Errorf("block %d: bad null end time behavior %q", i, b.NullEndTimeBehavior))
			}
		}
	}
	for i, h := range c.Holidays {
		if _, err := time.Parse("2006-01-02", h.Date); err != nil {
			errs = multierror.Append(errs, merry.Errorf("holiday %d: bad date %q", i, h.Date))
		}
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = multierror.Append(errs, merry.Appendf(err, "timezone %q", c.Timezone))
		}
	}
	return errs.ErrorOrNil()
}

type scheduleState struct {
	ManualOverrideActive    bool                   `json:"manual_override_active"`
	OverrideValue           float64                `json:"override_value"`
	OverrideActivationTime  time.Time              `json:"override_activation_time"`
	OverrideDurationMinutes float64                `json:"override_duration_minutes"`
	OverrideExpirationMode  OverrideExpirationMode `json:"override_expiration_mode"`
	LastActiveBlockID       int64                  `json:"last_active_block_id"` // 0 = none
}

type Schedule struct {
	cfg ScheduleConfig
	st  scheduleState
	loc *time.Location
}

func init() {
	registerKind(KindSchedule, func(raw []byte) (Block, error) {
		var c ScheduleConfig
		if err := unmarshalConfig(raw, &c); err != nil {
			return nil, err
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		loc := time.Local
		if c.Timezone != "" {
			loc, _ = time.LoadLocation(c.Timezone)
		}
		return &Schedule{cfg: c, loc: loc}, nil
	})
}

func (b *Schedule) Meta() Meta { return b.cfg.Meta }
func (b *Schedule) Kind() Kind { return KindSchedule }

func (b *Schedule) Refs() []RefClaim {
	class := vals.Analog
	if b.cfg.Digital {
		class = vals.Digital
	}
	return []RefClaim{{Ref: b.cfg.Output, Class: class}}
}

func (b *Schedule) State() interface{} { return &b.st }

func (b *Schedule) RestoreState(raw []byte) error {
	return json.Unmarshal(raw, &b.st)
}

// SetOverride activates the manual override. With OverrideExpireDuration the
// override lapses durationMinutes after activation, with OverrideExpireEvent
// it stays until ClearOverride.
func (b *Schedule) SetOverride(value float64, mode OverrideExpirationMode, durationMinutes float64, now time.Time) error {
	switch mode {
	case OverrideExpireDuration:
		if durationMinutes <= 0 {
			return merry.New("override duration must be positive")
		}
	case OverrideExpireEvent:
	default:
		return merry.Errorf("bad override expiration mode %q", mode)
	}
	b.st.ManualOverrideActive = true
	b.st.OverrideValue = value
	b.st.OverrideActivationTime = now
	b.st.OverrideDurationMinutes = durationMinutes
	b.st.OverrideExpirationMode = mode
	return nil
}

func (b *Schedule) ClearOverride() {
	b.st.ManualOverrideActive = false
}

// LastActiveBlockID reports which schedule block is driving the output,
// 0 when the default, a holiday or the override drives it.
func (b *Schedule) LastActiveBlockID() int64 { return b.st.LastActiveBlockID }

// Evaluate resolves the output with the precedence: manual override, then
// holiday calendar, then the highest-priority matching block, then the
// default. Equal-priority overlaps are won by the earliest-configured block
// (lowest slice index); this insertion-order tie-break is a documented
// contract.
func (b *Schedule) Evaluate(ctx context.Context, io IO, now time.Time) error {
	c := &b.cfg
	local := now.In(b.loc)

	if b.st.ManualOverrideActive && b.st.OverrideExpirationMode == OverrideExpireDuration {
		expiry := b.st.OverrideActivationTime.Add(time.Duration(b.st.OverrideDurationMinutes * float64(time.Minute)))
		if !local.Before(expiry.In(b.loc)) {
			b.st.ManualOverrideActive = false
		}
	}
	if b.st.ManualOverrideActive {
		b.st.LastActiveBlockID = 0
		return io.Write(c.Output, b.st.OverrideValue, now)
	}

	if v, ok := b.holidayValue(local); ok {
		b.st.LastActiveBlockID = 0
		return io.Write(c.Output, v, now)
	}

	if blk, ok := b.activeBlock(local); ok {
		b.st.LastActiveBlockID = blk.ID
		return io.Write(c.Output, blk.Value, now)
	}

	b.st.LastActiveBlockID = 0
	return io.Write(c.Output, b.defaultValue(), now)
}

func (b *Schedule) defaultValue() float64 {
	if b.cfg.Digital {
		if b.cfg.DefaultDigitalValue {
			return 1
		}
		return 0
	}
	return b.cfg.DefaultAnalogValue
}

func (b *Schedule) holidayValue(local time.Time) (float64, bool) {
	today := local.Format("2006-01-02")
	for _, h := range b.cfg.Holidays {
		if h.Date == today {
			if h.Override != nil {
				return *h.Override, true
			}
			return b.defaultValue(), true
		}
	}
	return 0, false
}

func (b *Schedule) activeBlock(local time.Time) (ScheduleBlock, bool) {
	best := -1
	for i, blk := range b.cfg.Blocks {
		if !blockActive(blk, local) {
			continue
		}
		if best < 0 || blk.Priority > b.cfg.Blocks[best].Priority {
			best = i
		}
	}
	if best < 0 {
		return ScheduleBlock{}, false
	}
	return b.cfg.Blocks[best], true
}

// blockActive reports whether blk's [start,end) interval contains the local
// time. A cross-midnight block (end below start) matches its own day from
// start to midnight and the following day from midnight to end.
func blockActive(blk ScheduleBlock, local time.Time) bool {
	minute := local.Hour()*60 + local.Minute()
	dow := int(local.Weekday())

	start := parseMinute(blk.Start)
	var end int
	switch {
	case blk.End != nil:
		end = parseMinute(*blk.End)
	case blk.NullEndTimeBehavior == NullEndExtendToEndOfDay:
		end = 24 * 60
	default: // NullEndUseDefault: point block active during the start minute
		end = start + 1
	}

	if end > start {
		return blk.DayOfWeek == dow && minute >= start && minute < end
	}
	if end == start {
		return false
	}
	// Cross-midnight span.
	if blk.DayOfWeek == dow && minute >= start {
		return true
	}
	prev := (dow + 6) % 7
	return blk.DayOfWeek == prev && minute < end
}

func parseMinute(s string) int {
	t, err := time.Parse(scheduleTimeLayout, s)
	if err != nil {
		return 0
	}
	return t.Hour()*60 + t.Minute()
}
