package data

import (
	"time"

	"github.com/ansel1/merry"
	"github.com/jmoiron/sqlx"

	"github.com/softpoint/logicd/internal/blocks"
	"github.com/softpoint/logicd/internal/pkg"
)

type HolidayCalendar struct {
	CalendarID int64  `db:"calendar_id"`
	Name       string `db:"name"`
}

func AddCalendar(db *sqlx.DB, name string) (int64, error) {
	r, err := db.Exec(`INSERT INTO holiday_calendar(name) VALUES (?)`, name)
	if err != nil {
		return 0, err
	}
	return pkg.SqlGetNewInsertedID(r)
}

func DeleteCalendar(db *sqlx.DB, calendarID int64) error {
	_, err := db.Exec(`DELETE FROM holiday_calendar WHERE calendar_id = ?`, calendarID)
	return err
}

func ListCalendars(db *sqlx.DB) (xs []HolidayCalendar, err error) {
	err = db.Select(&xs, `SELECT * FROM holiday_calendar ORDER BY name`)
	return
}

// AddHoliday appends a date to a calendar. The override value pre-empts all
// schedule blocks on that date; nil falls back to the schedule's default.
func AddHoliday(db *sqlx.DB, calendarID int64, date string, override *float64) error {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return merry.Appendf(err, "holiday date %q", date)
	}
	_, err := db.Exec(`INSERT INTO holiday_date(calendar_id, date, override) VALUES (?,?,?)`,
		calendarID, date, override)
	return err
}

func DeleteHoliday(db *sqlx.DB, calendarID int64, date string) error {
	_, err := db.Exec(`DELETE FROM holiday_date WHERE calendar_id = ? AND date = ?`, calendarID, date)
	return err
}

func ListHolidays(db *sqlx.DB, calendarID int64) ([]blocks.Holiday, error) {
	var rows []struct {
		Date     string   `db:"date"`
		Override *float64 `db:"override"`
	}
	err := db.Select(&rows,
		`SELECT date, override FROM holiday_date WHERE calendar_id = ? ORDER BY date`, calendarID)
	if err != nil {
		return nil, err
	}
	xs := make([]blocks.Holiday, 0, len(rows))
	for _, r := range rows {
		xs = append(xs, blocks.Holiday{Date: r.Date, Override: r.Override})
	}
	return xs, nil
}
