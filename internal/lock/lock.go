// Package lock implements the pessimistic lock table: per-record READ/WRITE
// locks owned by a transaction and released together when it ends.
//
// Compatibility matrix (X = incompatible across owners):
//
//	+-------+------+-------+
//	|       | READ | WRITE |
//	+-------+------+-------+
//	| READ  |      |   X   |
//	| WRITE |  X   |   X   |
//	+-------+------+-------+
//
// Locks are re-entrant for their owner, and a READ lock is upgraded in place to
// WRITE when the owner is its only holder. There is no deadlock detection:
// every wait is bounded by a timeout or the caller's context.
package lock

import (
	"fmt"
	"strings"
	"time"
)

// Mode is a lock strength. The zero value requests no lock.
type Mode int

const (
	None Mode = iota
	Read
	Write
)

func (m Mode) String() string {
	switch m {
	case None:
		return "NONE"
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts none/read/write (any case) and the JPA-style
// pessimistic_read/pessimistic_write spellings.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return None, nil
	case "read", "shared", "pessimistic_read":
		return Read, nil
	case "write", "exclusive", "pessimistic_write":
		return Write, nil
	}
	return None, fmt.Errorf("unknown lock mode %q", s)
}

// Compatible reports whether a lock in mode held by one owner allows another
// owner to be granted requested.
func Compatible(held, requested Mode) bool {
	return held == Read && requested == Read
}

// Lock is a granted lock as reported by the manager.
type Lock struct {
	Key       int64
	Mode      Mode
	Owner     string
	GrantTime time.Time
}
