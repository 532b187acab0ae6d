package record

import "fmt"

type attachKind int

const (
	kindNone attachKind = iota
	kindAttached
	kindDetached
)

// Attachment is the tagged state of a guide: Attached{session} or Detached{version}.
// The zero value is a fresh value that was never loaded by a session.
type Attachment struct {
	kind    attachKind
	session string
	version int64
}

// Attached returns the state of a record loaded by an open session.
func Attached(sessionID string) Attachment {
	return Attachment{kind: kindAttached, session: sessionID}
}

// Detached returns the state of a record whose session ended while it carried version.
func Detached(version int64) Attachment {
	return Attachment{kind: kindDetached, version: version}
}

func (a Attachment) String() string {
	switch a.kind {
	case kindAttached:
		return fmt.Sprintf("attached(%s)", a.session)
	case kindDetached:
		return fmt.Sprintf("detached(v%d)", a.version)
	default:
		return "transient"
	}
}

// State returns the guide's attachment.
func (g *Guide) State() Attachment {
	return g.state
}

// AttachedTo reports the owning session ID if the guide is attached.
func (g *Guide) AttachedTo() (string, bool) {
	if g.state.kind != kindAttached {
		return "", false
	}
	return g.state.session, true
}

// IsDetached reports whether the guide is a detached (or never attached) value.
func (g *Guide) IsDetached() bool {
	return g.state.kind != kindAttached
}

// Attach binds the guide to a session. Only sessions call this.
func (g *Guide) Attach(sessionID string) {
	g.state = Attached(sessionID)
}

// Detach releases the guide from its session, recording the version it carries.
func (g *Guide) Detach() {
	g.state = Detached(g.Version)
}
