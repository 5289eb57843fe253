package vals

import (
	"fmt"

	"github.com/ansel1/merry"
	"github.com/google/uuid"
)

// RefKind tells where a referenced cell lives: a physical/virtual Point or a
// named GlobalVariable.
type RefKind int

const (
	RefPoint RefKind = iota
	RefGlobal
)

// Class is the declared signal class of a cell. A digital cell stores 0 or 1.
type Class int

const (
	Analog Class = iota
	Digital
)

func (c Class) String() string {
	if c == Digital {
		return "digital"
	}
	return "analog"
}

// Ref addresses a cell of the value store. Block inputs and outputs are
// always references, never raw values, so the engine does not care whether a
// cell is backed by hardware or by memory.
type Ref struct {
	Kind    RefKind   `json:"kind" yaml:"kind"`
	PointID uuid.UUID `json:"point_id,omitempty" yaml:"point_id,omitempty"`
	Global  string    `json:"global,omitempty" yaml:"global,omitempty"`
}

func PointRef(id uuid.UUID) Ref {
	return Ref{Kind: RefPoint, PointID: id}
}

func GlobalRef(name string) Ref {
	return Ref{Kind: RefGlobal, Global: name}
}

func (r Ref) IsZero() bool {
	return r == Ref{}
}

func (r Ref) Validate() error {
	switch r.Kind {
	case RefPoint:
		if r.PointID == uuid.Nil {
			return merry.New("point reference: zero point id")
		}
	case RefGlobal:
		if r.Global == "" {
			return merry.New("global variable reference: empty name")
		}
	default:
		return merry.Errorf("bad reference kind %d", r.Kind)
	}
	return nil
}

// Key returns the cell key used by the store's lock map.
func (r Ref) Key() string {
	if r.Kind == RefGlobal {
		return "g:" + r.Global
	}
	return "p:" + r.PointID.String()
}

func (r Ref) String() string {
	if r.Kind == RefGlobal {
		return fmt.Sprintf("global(%s)", r.Global)
	}
	return fmt.Sprintf("point(%s)", r.PointID)
}
