package data

import (
	"database/sql"
	"encoding/json"

	"github.com/ansel1/merry"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/powerman/structlog"

	"github.com/softpoint/logicd/internal/blocks"
)

var log = structlog.New()

var ErrConfig = merry.New("configuration rejected")

type BlockRecord struct {
	BlockID   uuid.UUID   `db:"block_id"`
	Kind      blocks.Kind `db:"kind"`
	Name      string      `db:"name"`
	IntervalS float64     `db:"interval_s"`
	Disabled  bool        `db:"disabled"`
	Config    string      `db:"config"`
	State     string      `db:"state"`
	UpdatedAt string      `db:"updated_at"`
}

// AddBlock validates and stores a block configuration. Validation covers the
// config's own invariants (via blocks.New) and reference class compatibility
// against the declared cells; both reject synchronously with ErrConfig.
func AddBlock(db *sqlx.DB, kind blocks.Kind, config []byte) (blocks.Block, error) {
	b, err := buildBlock(db, kind, config)
	if err != nil {
		return nil, err
	}
	m := b.Meta()
	_, err = db.Exec(
		`INSERT INTO logic_block(block_id, kind, name, interval_s, disabled, config) VALUES (?,?,?,?,?,?)`,
		m.ID.String(), string(kind), m.Name, m.IntervalSeconds, m.Disabled, string(config))
	if err != nil {
		return nil, err
	}
	return b, nil
}

// EditBlock replaces the whole configuration record, keeping persisted state.
func EditBlock(db *sqlx.DB, kind blocks.Kind, config []byte) (blocks.Block, error) {
	b, err := buildBlock(db, kind, config)
	if err != nil {
		return nil, err
	}
	m := b.Meta()
	r, err := db.Exec(
		`UPDATE logic_block SET kind=?, name=?, interval_s=?, disabled=?, config=?,
			updated_at=STRFTIME('%Y-%m-%d %H:%M:%f', 'now')
		 WHERE block_id=?`,
		string(kind), m.Name, m.IntervalSeconds, m.Disabled, string(config), m.ID.String())
	if err != nil {
		return nil, err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, merry.Errorf("block %s not found", m.ID)
	}
	var state string
	if err := db.Get(&state, `SELECT state FROM logic_block WHERE block_id=?`, m.ID.String()); err == nil {
		if err := b.RestoreState([]byte(state)); err != nil {
			log.PrintErr("persisted state not restored after edit", "block", m.Name, "error", err)
		}
	}
	return b, nil
}

func DeleteBlock(db *sqlx.DB, id uuid.UUID) error {
	r, err := db.Exec(`DELETE FROM logic_block WHERE block_id = ?`, id.String())
	if err != nil {
		return err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return merry.Errorf("block %s not found", id)
	}
	return nil
}

func GetBlock(db *sqlx.DB, id uuid.UUID) (BlockRecord, error) {
	var rec BlockRecord
	err := db.Get(&rec, `SELECT * FROM logic_block WHERE block_id = ?`, id.String())
	if err == sql.ErrNoRows {
		return rec, merry.Errorf("block %s not found", id)
	}
	return rec, err
}

func ListBlocks(db *sqlx.DB) (xs []BlockRecord, err error) {
	err = db.Select(&xs, `SELECT * FROM logic_block ORDER BY name`)
	return
}

// SaveBlockState persists the algorithm state after a tick.
func SaveBlockState(db *sqlx.DB, id uuid.UUID, state []byte) error {
	_, err := db.Exec(`UPDATE logic_block SET state = ? WHERE block_id = ?`, string(state), id.String())
	return err
}

// LoadedBlock pairs a reconstructed block with the load fault, if any, to
// surface on its engine status.
type LoadedBlock struct {
	Block blocks.Block
	Fault string
}

// LoadBlocks reconstructs every stored block with its persisted state. A
// record whose config no longer builds is logged and skipped so one broken
// instance cannot take the engine down. A record whose persisted state is
// corrupted is kept visible: the block is rebuilt with fresh state and forced
// disabled, and the fault is reported so it shows up on the instance status
// instead of the block silently vanishing.
func LoadBlocks(db *sqlx.DB) ([]LoadedBlock, error) {
	recs, err := ListBlocks(db)
	if err != nil {
		return nil, err
	}
	var xs []LoadedBlock
	for _, rec := range recs {
		cfg, err := injectCalendar(db, rec.Kind, []byte(rec.Config))
		if err != nil {
			log.PrintErr("block skipped: calendar not loaded", "block", rec.Name, "error", err)
			continue
		}
		b, err := blocks.New(rec.Kind, cfg)
		if err != nil {
			log.PrintErr("block skipped: bad stored config", "block", rec.Name, "error", err)
			continue
		}
		lb := LoadedBlock{Block: b}
		if rec.State != "" {
			if err := b.RestoreState([]byte(rec.State)); err != nil {
				d, derr := disabledBlock(rec.Kind, cfg)
				if derr != nil {
					log.PrintErr("block skipped: bad stored config", "block", rec.Name, "error", derr)
					continue
				}
				lb.Block = d
				lb.Fault = merry.Append(err, "persisted state discarded, block held disabled").Error()
				log.PrintErr("block disabled: corrupted persisted state", "block", rec.Name, "error", err)
			}
		}
		xs = append(xs, lb)
	}
	return xs, nil
}

// disabledBlock rebuilds a block from its stored config with the disabled
// flag forced on, so a faulted instance stays registered but never ticks.
func disabledBlock(kind blocks.Kind, config []byte) (blocks.Block, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(config, &m); err != nil {
		return nil, err
	}
	m["disabled"] = true
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return blocks.New(kind, raw)
}

func buildBlock(db *sqlx.DB, kind blocks.Kind, config []byte) (blocks.Block, error) {
	cfg, err := injectCalendar(db, kind, config)
	if err != nil {
		return nil, merry.Append(ErrConfig, err.Error())
	}
	b, err := blocks.New(kind, cfg)
	if err != nil {
		return nil, merry.Append(ErrConfig, err.Error())
	}
	for _, claim := range b.Refs() {
		class, err := cellClass(db, claim.Ref)
		if err != nil {
			return nil, merry.Appendf(ErrConfig, "%s: %s", claim.Ref, err)
		}
		if !claim.AnyClass && class != claim.Class {
			return nil, merry.Appendf(ErrConfig, "%s is %s, block wants %s",
				claim.Ref, class, claim.Class)
		}
	}
	return b, nil
}

// injectCalendar resolves a schedule's calendar_id into the inline holiday
// list the block algorithm consumes.
func injectCalendar(db *sqlx.DB, kind blocks.Kind, config []byte) ([]byte, error) {
	if kind != blocks.KindSchedule {
		return config, nil
	}
	var c blocks.ScheduleConfig
	if err := json.Unmarshal(config, &c); err != nil {
		return nil, err
	}
	if c.CalendarID == 0 {
		return config, nil
	}
	holidays, err := ListHolidays(db, c.CalendarID)
	if err != nil {
		return nil, err
	}
	c.Holidays = holidays
	return json.Marshal(c)
}

// StatePersister adapts the db to the engine's persistence hook.
type StatePersister struct {
	DB *sqlx.DB
}

func (p StatePersister) SaveBlockState(id uuid.UUID, state []byte) error {
	return SaveBlockState(p.DB, id, state)
}
