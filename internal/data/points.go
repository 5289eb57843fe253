package data

import (
	"github.com/ansel1/merry"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/softpoint/logicd/internal/vals"
)

type Point struct {
	PointID uuid.UUID  `db:"point_id"`
	Name    string     `db:"name"`
	Class   vals.Class `db:"class"`
}

type GlobalVar struct {
	Name  string     `db:"name"`
	Class vals.Class `db:"class"`
}

func AddPoint(db *sqlx.DB, p Point) error {
	if p.PointID == uuid.Nil {
		return merry.New("zero point id")
	}
	_, err := db.Exec(`INSERT INTO point(point_id, name, class) VALUES (?,?,?)`,
		p.PointID.String(), p.Name, p.Class)
	return err
}

func DeletePoint(db *sqlx.DB, id uuid.UUID) error {
	_, err := db.Exec(`DELETE FROM point WHERE point_id = ?`, id.String())
	return err
}

func ListPoints(db *sqlx.DB) (xs []Point, err error) {
	err = db.Select(&xs, `SELECT * FROM point ORDER BY name`)
	return
}

func AddGlobalVar(db *sqlx.DB, g GlobalVar) error {
	if g.Name == "" {
		return merry.New("empty global variable name")
	}
	_, err := db.Exec(`INSERT INTO global_var(name, class) VALUES (?,?)`, g.Name, g.Class)
	return err
}

func DeleteGlobalVar(db *sqlx.DB, name string) error {
	_, err := db.Exec(`DELETE FROM global_var WHERE name = ?`, name)
	return err
}

func ListGlobalVars(db *sqlx.DB) (xs []GlobalVar, err error) {
	err = db.Select(&xs, `SELECT * FROM global_var ORDER BY name`)
	return
}

// DeclareCells loads every configured point and global variable into the
// value store.
func DeclareCells(db *sqlx.DB, store *vals.Store) error {
	points, err := ListPoints(db)
	if err != nil {
		return err
	}
	for _, p := range points {
		if err := store.Declare(vals.PointRef(p.PointID), p.Class); err != nil {
			return err
		}
	}
	globals, err := ListGlobalVars(db)
	if err != nil {
		return err
	}
	for _, g := range globals {
		if err := store.Declare(vals.GlobalRef(g.Name), g.Class); err != nil {
			return err
		}
	}
	return nil
}

// cellClass resolves the declared class of a reference from configuration,
// used to reject class mismatches at write time.
func cellClass(db *sqlx.DB, ref vals.Ref) (vals.Class, error) {
	var class vals.Class
	var err error
	switch ref.Kind {
	case vals.RefPoint:
		err = db.Get(&class, `SELECT class FROM point WHERE point_id = ?`, ref.PointID.String())
	default:
		err = db.Get(&class, `SELECT class FROM global_var WHERE name = ?`, ref.Global)
	}
	if err != nil {
		return 0, merry.Appendf(vals.ErrUnresolvedRef, "%s", ref)
	}
	return class, nil
}
