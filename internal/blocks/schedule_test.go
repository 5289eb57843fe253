package blocks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/softpoint/logicd/internal/vals"
)

func strp(s string) *string { return &s }

// Monday 2026-03-09 in UTC.
func monday(hh, mm int) time.Time {
	return time.Date(2026, 3, 9, hh, mm, 0, 0, time.UTC)
}

func scheduleTestConfig() ScheduleConfig {
	return ScheduleConfig{
		Meta:               testMeta(),
		Output:             vals.GlobalRef("sp"),
		DefaultAnalogValue: 15,
		Timezone:           "UTC",
		Blocks: []ScheduleBlock{
			{ID: 1, DayOfWeek: 1, Start: "08:00", End: strp("22:00"), Priority: 2, Value: 21},
			{ID: 2, DayOfWeek: 1, Start: "12:00", End: strp("13:00"), Priority: 4, Value: 23},
		},
	}
}

func scheduleAt(t *testing.T, b Block, store *vals.Store, now time.Time) float64 {
	t.Helper()
	tick(t, b, store, now)
	return readValue(t, store, "sp")
}

func TestSchedulePriority(t *testing.T) {
	store := newTestStore(t, []string{"sp"}, nil)
	b := mustBlock(t, KindSchedule, scheduleTestConfig())
	sched := b.(*Schedule)

	require.InDelta(t, 15, scheduleAt(t, b, store, monday(6, 0)), 1e-9) // before any block
	require.Zero(t, sched.LastActiveBlockID())

	require.InDelta(t, 21, scheduleAt(t, b, store, monday(9, 0)), 1e-9)
	require.EqualValues(t, 1, sched.LastActiveBlockID())

	// Both blocks match at 12:30; priority 4 wins over priority 2.
	require.InDelta(t, 23, scheduleAt(t, b, store, monday(12, 30)), 1e-9)
	require.EqualValues(t, 2, sched.LastActiveBlockID())

	require.InDelta(t, 21, scheduleAt(t, b, store, monday(13, 0)), 1e-9) // end is exclusive
	require.InDelta(t, 15, scheduleAt(t, b, store, monday(22, 0)), 1e-9)
}

func TestScheduleEqualPriorityInsertionOrder(t *testing.T) {
	cfg := scheduleTestConfig()
	cfg.Blocks = []ScheduleBlock{
		{ID: 7, DayOfWeek: 1, Start: "08:00", End: strp("12:00"), Priority: 2, Value: 30},
		{ID: 8, DayOfWeek: 1, Start: "10:00", End: strp("14:00"), Priority: 2, Value: 40},
	}
	store := newTestStore(t, []string{"sp"}, nil)
	b := mustBlock(t, KindSchedule, cfg)

	// Overlap at equal priority: the earliest-configured block wins.
	require.InDelta(t, 30, scheduleAt(t, b, store, monday(11, 0)), 1e-9)
	require.InDelta(t, 40, scheduleAt(t, b, store, monday(13, 0)), 1e-9)
}

func TestScheduleHoliday(t *testing.T) {
	override := 10.0
	cfg := scheduleTestConfig()
	cfg.Holidays = []Holiday{
		{Date: "2026-03-09", Override: &override},
		{Date: "2026-03-10"}, // no override: default value
	}
	store := newTestStore(t, []string{"sp"}, nil)
	b := mustBlock(t, KindSchedule, cfg)

	// Holiday pre-empts the matching 08:00-22:00 block.
	require.InDelta(t, 10, scheduleAt(t, b, store, monday(9, 0)), 1e-9)
	require.InDelta(t, 15, scheduleAt(t, b, store, monday(9, 0).AddDate(0, 0, 1)), 1e-9)
}

func TestScheduleManualOverride(t *testing.T) {
	cfg := scheduleTestConfig()
	override := 10.0
	cfg.Holidays = []Holiday{{Date: "2026-03-09", Override: &override}}
	store := newTestStore(t, []string{"sp"}, nil)
	b := mustBlock(t, KindSchedule, cfg)
	sched := b.(*Schedule)

	// Manual override beats even the holiday.
	require.NoError(t, sched.SetOverride(5, OverrideExpireDuration, 30, monday(9, 0)))
	require.InDelta(t, 5, scheduleAt(t, b, store, monday(9, 0)), 1e-9)
	require.InDelta(t, 5, scheduleAt(t, b, store, monday(9, 29)), 1e-9)
	// Expired: back to the holiday value.
	require.InDelta(t, 10, scheduleAt(t, b, store, monday(9, 30)), 1e-9)

	require.NoError(t, sched.SetOverride(5, OverrideExpireEvent, 0, monday(10, 0)))
	require.InDelta(t, 5, scheduleAt(t, b, store, monday(18, 0)), 1e-9)
	sched.ClearOverride()
	require.InDelta(t, 10, scheduleAt(t, b, store, monday(18, 1)), 1e-9)

	require.Error(t, sched.SetOverride(5, OverrideExpireDuration, 0, monday(9, 0)))
}

func TestScheduleCrossMidnight(t *testing.T) {
	cfg := scheduleTestConfig()
	// Monday 22:00 through Tuesday 06:00.
	cfg.Blocks = []ScheduleBlock{
		{ID: 3, DayOfWeek: 1, Start: "22:00", End: strp("06:00"), Priority: 1, Value: 18},
	}
	store := newTestStore(t, []string{"sp"}, nil)
	b := mustBlock(t, KindSchedule, cfg)

	// The span belongs to Monday: early Monday morning is not covered.
	require.InDelta(t, 15, scheduleAt(t, b, store, monday(3, 0)), 1e-9)
	require.InDelta(t, 15, scheduleAt(t, b, store, monday(21, 59)), 1e-9)
	require.InDelta(t, 18, scheduleAt(t, b, store, monday(23, 30)), 1e-9)
	tuesday := monday(0, 0).AddDate(0, 0, 1)
	require.InDelta(t, 18, scheduleAt(t, b, store, tuesday.Add(3*time.Hour)), 1e-9)
	require.InDelta(t, 15, scheduleAt(t, b, store, tuesday.Add(6*time.Hour)), 1e-9)
}

func TestScheduleNullEndTime(t *testing.T) {
	cfg := scheduleTestConfig()
	cfg.Blocks = []ScheduleBlock{
		{ID: 4, DayOfWeek: 1, Start: "09:00", Priority: 2, Value: 50, NullEndTimeBehavior: NullEndUseDefault},
		{ID: 5, DayOfWeek: 1, Start: "18:00", Priority: 2, Value: 60, NullEndTimeBehavior: NullEndExtendToEndOfDay},
	}
	store := newTestStore(t, []string{"sp"}, nil)
	b := mustBlock(t, KindSchedule, cfg)

	// Point block: active only during its start minute.
	require.InDelta(t, 50, scheduleAt(t, b, store, monday(9, 0)), 1e-9)
	require.InDelta(t, 15, scheduleAt(t, b, store, monday(9, 1)), 1e-9)

	// Extended block: runs to midnight.
	require.InDelta(t, 60, scheduleAt(t, b, store, monday(18, 0)), 1e-9)
	require.InDelta(t, 60, scheduleAt(t, b, store, monday(23, 59)), 1e-9)
	tuesday := monday(0, 0).AddDate(0, 0, 1)
	require.InDelta(t, 15, scheduleAt(t, b, store, tuesday), 1e-9)
}

func TestScheduleDigitalOutput(t *testing.T) {
	cfg := scheduleTestConfig()
	cfg.Digital = true
	cfg.DefaultDigitalValue = false
	cfg.Blocks = []ScheduleBlock{
		{ID: 6, DayOfWeek: 1, Start: "08:00", End: strp("17:00"), Priority: 1, Value: 1},
	}
	store := newTestStore(t, nil, []string{"sp"})
	b := mustBlock(t, KindSchedule, cfg)

	require.Equal(t, 1.0, scheduleAt(t, b, store, monday(12, 0)))
	require.Equal(t, 0.0, scheduleAt(t, b, store, monday(18, 0)))
}

func TestScheduleConfigValidation(t *testing.T) {
	cfg := scheduleTestConfig()
	cfg.Blocks[0].Priority = 9
	require.Error(t, cfg.Validate())

	cfg = scheduleTestConfig()
	cfg.Blocks[0].Start = "25:99"
	require.Error(t, cfg.Validate())

	cfg = scheduleTestConfig()
	cfg.Blocks[0].End = nil // needs a null-end behavior
	require.Error(t, cfg.Validate())

	cfg = scheduleTestConfig()
	cfg.Timezone = "Mars/Olympus"
	require.Error(t, cfg.Validate())
}
