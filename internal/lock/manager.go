package lock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lockerrors "github.com/kartikbazzad/bunbase/bunlock/internal/errors"
	"github.com/kartikbazzad/bunbase/bunlock/internal/metrics"
)

type holder struct {
	mode      Mode
	grantTime time.Time
}

// entry is the lock state of one key. wake is closed (and replaced) whenever a
// holder goes away so that blocked requests re-check compatibility.
type entry struct {
	holders map[string]holder
	wake    chan struct{}
}

// Manager is an in-process lock table safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	table map[int64]*entry
	owned map[string]map[int64]struct{} // owner -> keys it holds
}

func NewManager() *Manager {
	return &Manager{
		table: make(map[int64]*entry),
		owned: make(map[string]map[int64]struct{}),
	}
}

// Acquire grants owner a lock on key in the given mode, blocking while an
// incompatible lock is held by another owner. timeout bounds the wait: zero
// waits until ctx is done, a negative value fails immediately instead of
// waiting. A wait that runs out returns a *errors.LockTimeoutError.
func (m *Manager) Acquire(ctx context.Context, key int64, mode Mode, owner string, timeout time.Duration) error {
	if mode != Read && mode != Write {
		return fmt.Errorf("acquire %s lock: invalid mode", mode)
	}
	if owner == "" {
		return fmt.Errorf("acquire %s lock on %d: owner cannot be empty", mode, key)
	}

	start := time.Now()
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		m.mu.Lock()
		e := m.entryFor(key)
		if m.grantable(e, owner, mode) {
			m.grant(e, key, owner, mode)
			m.mu.Unlock()
			metrics.LockWaitSeconds.WithLabelValues(mode.String()).Observe(time.Since(start).Seconds())
			return nil
		}
		wake := e.wake
		m.mu.Unlock()

		if timeout < 0 {
			return m.timedOut(key, mode, start)
		}

		select {
		case <-wake:
		case <-deadline:
			return m.timedOut(key, mode, start)
		case <-ctx.Done():
			return fmt.Errorf("acquire %s lock on %d: %w", mode, key, ctx.Err())
		}
	}
}

func (m *Manager) timedOut(key int64, mode Mode, start time.Time) error {
	metrics.LockTimeoutsTotal.WithLabelValues(mode.String()).Inc()
	return &lockerrors.LockTimeoutError{Key: key, Mode: mode.String(), Waited: time.Since(start)}
}

func (m *Manager) entryFor(key int64) *entry {
	e, ok := m.table[key]
	if !ok {
		e = &entry{
			holders: make(map[string]holder),
			wake:    make(chan struct{}),
		}
		m.table[key] = e
	}
	return e
}

// grantable checks the compatibility matrix against every other holder.
// Must be called with m.mu held.
func (m *Manager) grantable(e *entry, owner string, mode Mode) bool {
	for o, h := range e.holders {
		if o == owner {
			continue
		}
		if !Compatible(h.mode, mode) {
			return false
		}
	}
	return true
}

func (m *Manager) grant(e *entry, key int64, owner string, mode Mode) {
	h, ok := e.holders[owner]
	if ok && h.mode >= mode {
		return
	}
	if !ok {
		h.grantTime = time.Now()
	}
	h.mode = mode
	e.holders[owner] = h

	keys := m.owned[owner]
	if keys == nil {
		keys = make(map[int64]struct{})
		m.owned[owner] = keys
	}
	keys[key] = struct{}{}
}

// ReleaseAll drops every lock held by owner and returns how many were released.
// Calling it again, or for an owner with no locks, is a no-op.
func (m *Manager) ReleaseAll(owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.owned[owner]
	for key := range keys {
		e, ok := m.table[key]
		if !ok {
			continue
		}
		delete(e.holders, owner)
		close(e.wake)
		if len(e.holders) == 0 {
			delete(m.table, key)
		} else {
			e.wake = make(chan struct{})
		}
	}
	delete(m.owned, owner)
	return len(keys)
}

// HeldBy returns the locks owned by owner, ordered by key.
func (m *Manager) HeldBy(owner string) []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	locks := make([]Lock, 0, len(m.owned[owner]))
	for key := range m.owned[owner] {
		h := m.table[key].holders[owner]
		locks = append(locks, Lock{Key: key, Mode: h.mode, Owner: owner, GrantTime: h.grantTime})
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].Key < locks[j].Key })
	return locks
}

// Holders returns the current holders of key and their modes.
func (m *Manager) Holders(key int64) map[string]Mode {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Mode)
	if e, ok := m.table[key]; ok {
		for o, h := range e.holders {
			out[o] = h.mode
		}
	}
	return out
}

// Len returns the total number of granted locks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, keys := range m.owned {
		n += len(keys)
	}
	return n
}
