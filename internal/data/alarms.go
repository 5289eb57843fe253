package data

import (
	"time"

	"github.com/ansel1/merry"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/softpoint/logicd/internal/alarms"
	"github.com/softpoint/logicd/internal/blocks"
)

type alarmRow struct {
	AlarmID     uuid.UUID `db:"alarm_id"`
	PointID     uuid.UUID `db:"point_id"`
	Name        string    `db:"name"`
	Type        string    `db:"type"`
	CompareType string    `db:"compare_type"`
	Priority    int       `db:"priority"`
	DelayS      float64   `db:"delay_s"`
	Value1      float64   `db:"value1"`
	Value2      float64   `db:"value2"`
	Hysteresis  float64   `db:"hysteresis"`
	TimeoutS    float64   `db:"timeout_s"`
}

func AddAlarm(db *sqlx.DB, c alarms.Config) error {
	if err := c.Validate(); err != nil {
		return merry.Append(ErrConfig, err.Error())
	}
	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.Exec(
		`INSERT INTO alarm(alarm_id, point_id, name, type, compare_type, priority,
			delay_s, value1, value2, hysteresis, timeout_s)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID.String(), c.Point.String(), c.Name, string(c.Type), string(c.CompareType),
		c.Priority, c.DelaySeconds, c.Value, c.Value2, c.Hysteresis, c.TimeoutSeconds)
	if err != nil {
		return err
	}
	for _, x := range c.External {
		if _, err := tx.Exec(
			`INSERT INTO external_alarm(alarm_id, point_id, value) VALUES (?,?,?)`,
			c.ID.String(), x.Point.String(), x.Value); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func DeleteAlarm(db *sqlx.DB, id uuid.UUID) error {
	_, err := db.Exec(`DELETE FROM alarm WHERE alarm_id = ?`, id.String())
	return err
}

func ListAlarms(db *sqlx.DB) ([]alarms.Config, error) {
	var rows []alarmRow
	if err := db.Select(&rows, `SELECT * FROM alarm ORDER BY name`); err != nil {
		return nil, err
	}
	xs := make([]alarms.Config, 0, len(rows))
	for _, r := range rows {
		c := alarms.Config{
			ID:             r.AlarmID,
			Point:          r.PointID,
			Name:           r.Name,
			Type:           alarms.AlarmType(r.Type),
			CompareType:    blocks.CompareType(r.CompareType),
			Priority:       r.Priority,
			DelaySeconds:   r.DelayS,
			Value:          r.Value1,
			Value2:         r.Value2,
			Hysteresis:     r.Hysteresis,
			TimeoutSeconds: r.TimeoutS,
		}
		var ext []struct {
			PointID uuid.UUID `db:"point_id"`
			Value   bool      `db:"value"`
		}
		err := db.Select(&ext,
			`SELECT point_id, value FROM external_alarm WHERE alarm_id = ? ORDER BY external_alarm_id`,
			r.AlarmID.String())
		if err != nil {
			return nil, err
		}
		for _, x := range ext {
			c.External = append(c.External, alarms.ExternalAlarm{Point: x.PointID, Value: x.Value})
		}
		xs = append(xs, c)
	}
	return xs, nil
}

// SaveAlarmEvent journals a state transition for history queries.
func SaveAlarmEvent(db *sqlx.DB, t alarms.Transition) error {
	_, err := db.Exec(
		`INSERT INTO alarm_event(alarm_id, from_state, to_state, value, tm) VALUES (?,?,?,?,?)`,
		t.AlarmID.String(), string(t.From), string(t.To), t.Value, formatTime(t.Time))
	return err
}

type AlarmEvent struct {
	AlarmEventID int64     `db:"alarm_event_id"`
	AlarmID      uuid.UUID `db:"alarm_id"`
	FromState    string    `db:"from_state"`
	ToState      string    `db:"to_state"`
	Value        float64   `db:"value"`
	Tm           string    `db:"tm"`
}

func (x AlarmEvent) Time() time.Time {
	return parseTime(x.Tm)
}

func ListAlarmEvents(db *sqlx.DB, alarmID uuid.UUID, limit int) (xs []AlarmEvent, err error) {
	err = db.Select(&xs,
		`SELECT * FROM alarm_event WHERE alarm_id = ? ORDER BY alarm_event_id DESC LIMIT ?`,
		alarmID.String(), limit)
	return
}
