// Package data is the durable configuration and state store: points, global
// variables, logic blocks with their algorithm state, alarms, holiday
// calendars and the alarm event journal, all in one sqlite file.
package data

import (
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/softpoint/logicd/internal/pkg"
)

const TimeLayout = "2006-01-02 15:04:05.000"

func Open(filename string) (*sqlx.DB, error) {
	db, err := pkg.OpenSqliteDBx(filename)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(SQLCreate); err != nil {
		return nil, err
	}
	return db, nil
}

const SQLCreate = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS point (
    point_id TEXT PRIMARY KEY,
    name     TEXT NOT NULL DEFAULT '',
    class    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS global_var (
    name  TEXT PRIMARY KEY,
    class INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS logic_block (
    block_id   TEXT PRIMARY KEY,
    kind       TEXT NOT NULL,
    name       TEXT NOT NULL DEFAULT '',
    interval_s REAL NOT NULL CHECK (interval_s > 0),
    disabled   BOOLEAN NOT NULL DEFAULT 0,
    config     TEXT NOT NULL,
    state      TEXT NOT NULL DEFAULT '{}',
    updated_at TEXT NOT NULL DEFAULT (STRFTIME('%Y-%m-%d %H:%M:%f', 'now'))
);

CREATE TABLE IF NOT EXISTS holiday_calendar (
    calendar_id INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS holiday_date (
    holiday_date_id INTEGER PRIMARY KEY AUTOINCREMENT,
    calendar_id     INTEGER NOT NULL REFERENCES holiday_calendar(calendar_id) ON DELETE CASCADE,
    date            TEXT NOT NULL,
    override        REAL
);

CREATE TABLE IF NOT EXISTS alarm (
    alarm_id     TEXT PRIMARY KEY,
    point_id     TEXT NOT NULL REFERENCES point(point_id) ON DELETE CASCADE,
    name         TEXT NOT NULL DEFAULT '',
    type         TEXT NOT NULL,
    compare_type TEXT NOT NULL DEFAULT '',
    priority     INTEGER NOT NULL DEFAULT 1,
    delay_s      REAL NOT NULL DEFAULT 0,
    value1       REAL NOT NULL DEFAULT 0,
    value2       REAL NOT NULL DEFAULT 0,
    hysteresis   REAL NOT NULL DEFAULT 0,
    timeout_s    REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS external_alarm (
    external_alarm_id INTEGER PRIMARY KEY AUTOINCREMENT,
    alarm_id          TEXT NOT NULL REFERENCES alarm(alarm_id) ON DELETE CASCADE,
    point_id          TEXT NOT NULL REFERENCES point(point_id),
    value             BOOLEAN NOT NULL
);

CREATE TABLE IF NOT EXISTS alarm_event (
    alarm_event_id INTEGER PRIMARY KEY AUTOINCREMENT,
    alarm_id       TEXT NOT NULL,
    from_state     TEXT NOT NULL,
    to_state       TEXT NOT NULL,
    value          REAL NOT NULL DEFAULT 0,
    tm             TEXT NOT NULL
);
`

func formatTime(t time.Time) string {
	return t.Format(TimeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.ParseInLocation(TimeLayout, s, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}
