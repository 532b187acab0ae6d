// Package record defines the versioned Guide record and the version check that
// guards every write to it.
//
// A Guide is either attached to exactly one open session or detached. Detached
// guides are plain values: they can be mutated freely and are validated against
// the store only when merged into a new session.
package record

import "fmt"

// Table is the name of the relation holding guides in SQL-backed stores.
const Table = "guide"

// Guide is a versioned record. ID and StaffID are fixed at insert; Name and
// Salary are the mutable business fields.
type Guide struct {
	ID      int64  `json:"id"`
	StaffID string `json:"staff_id"`
	Name    string `json:"name"`
	Salary  int64  `json:"salary"`
	Version int64  `json:"version"`

	state Attachment
}

// Fields is the set of mutable columns written by a conditional update.
type Fields struct {
	Name   string `json:"name"`
	Salary int64  `json:"salary"`
}

// Fields returns the guide's mutable columns.
func (g *Guide) Fields() Fields {
	return Fields{Name: g.Name, Salary: g.Salary}
}

// Apply overwrites the mutable columns.
func (g *Guide) Apply(f Fields) {
	g.Name = f.Name
	g.Salary = f.Salary
}

// Refresh copies the stored columns of v into g, keeping g's attachment.
func (g *Guide) Refresh(v Guide) {
	g.StaffID = v.StaffID
	g.Apply(v.Fields())
	g.Version = v.Version
}

// Clone returns a detached copy carrying the same version.
func (g *Guide) Clone() *Guide {
	c := *g
	c.state = Detached(g.Version)
	return &c
}

// Value returns a copy of the guide's columns with no attachment.
func (g *Guide) Value() Guide {
	c := *g
	c.state = Attachment{}
	return c
}

func (g *Guide) String() string {
	return fmt.Sprintf("Guide{id=%d staff=%s name=%q salary=%d version=%d %s}",
		g.ID, g.StaffID, g.Name, g.Salary, g.Version, g.state)
}
