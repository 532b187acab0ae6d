// Package memstore is an in-process Store. Committed rows live in a map; each
// transaction buffers its writes until commit, and row locks come from a
// lock.Manager owned by the store, so pessimistic reads and conditional updates
// behave as they would against a relational store with row-level locking.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lockerrors "github.com/kartikbazzad/bunbase/bunlock/internal/errors"
	"github.com/kartikbazzad/bunbase/bunlock/internal/lock"
	"github.com/kartikbazzad/bunbase/bunlock/internal/record"
	"github.com/kartikbazzad/bunbase/bunlock/internal/store"
)

const DefaultLockTimeout = 5 * time.Second

type Store struct {
	mu          sync.RWMutex
	rows        map[int64]record.Guide
	nextID      int64
	closed      bool
	locks       *lock.Manager
	lockTimeout time.Duration
}

type Option func(*Store)

// WithLockTimeout sets how long a row lock request waits before failing with
// ErrLockTimeout. Zero waits for as long as the caller's context allows.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

func New(opts ...Option) *Store {
	s := &Store{
		rows:        make(map[int64]record.Guide),
		locks:       lock.NewManager(),
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Locks exposes the row lock table.
func (s *Store) Locks() *lock.Manager {
	return s.locks
}

// Committed returns the committed state of a row, bypassing transactions.
func (s *Store) Committed(id int64) (record.Guide, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.rows[id]
	return g, ok
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, lockerrors.ErrStoreClosed
	}
	return &tx{
		s:       s,
		id:      uuid.NewString(),
		pending: make(map[int64]*record.Guide),
	}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// tx buffers writes in pending; a nil entry marks a delete.
type tx struct {
	s       *Store
	id      string
	pending map[int64]*record.Guide
	done    bool
}

func (t *tx) ID() string { return t.id }

// view returns the row as this transaction sees it.
func (t *tx) view(id int64) (record.Guide, bool) {
	if g, ok := t.pending[id]; ok {
		if g == nil {
			return record.Guide{}, false
		}
		return *g, true
	}
	return t.s.Committed(id)
}

func (t *tx) lockRow(ctx context.Context, id int64, mode lock.Mode) error {
	if mode == lock.None {
		return nil
	}
	return t.s.locks.Acquire(ctx, id, mode, t.id, t.s.lockTimeout)
}

func (t *tx) AcquireRowLock(ctx context.Context, id int64, mode lock.Mode) error {
	if t.done {
		return store.ErrTxDone
	}
	return t.lockRow(ctx, id, mode)
}

func (t *tx) ReadCurrentVersion(ctx context.Context, id int64) (int64, error) {
	g, err := t.Get(ctx, id, lock.None)
	if err != nil {
		return 0, err
	}
	return g.Version, nil
}

func (t *tx) Get(ctx context.Context, id int64, mode lock.Mode) (record.Guide, error) {
	if t.done {
		return record.Guide{}, store.ErrTxDone
	}
	if err := t.lockRow(ctx, id, mode); err != nil {
		return record.Guide{}, err
	}
	g, ok := t.view(id)
	if !ok {
		return record.Guide{}, fmt.Errorf("guide %d: %w", id, lockerrors.ErrRecordNotFound)
	}
	return g, nil
}

// matching returns the ids this transaction sees for q, ascending.
func (t *tx) matching(q store.Query) []int64 {
	seen := make(map[int64]struct{})
	t.s.mu.RLock()
	for id := range t.s.rows {
		seen[id] = struct{}{}
	}
	t.s.mu.RUnlock()
	for id := range t.pending {
		seen[id] = struct{}{}
	}

	ids := make([]int64, 0, len(seen))
	for id := range seen {
		g, ok := t.view(id)
		if ok && q.Match(&g) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (t *tx) Scan(ctx context.Context, q store.Query, mode lock.Mode) ([]record.Guide, error) {
	if t.done {
		return nil, store.ErrTxDone
	}
	ids := t.matching(q)
	for _, id := range ids {
		if err := t.lockRow(ctx, id, mode); err != nil {
			return nil, err
		}
	}

	out := make([]record.Guide, 0, len(ids))
	for _, id := range ids {
		// Re-read after locking: the row may have changed while we waited.
		if g, ok := t.view(id); ok && q.Match(&g) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (t *tx) Aggregate(ctx context.Context, q store.Query, fn store.AggregateFunc) (int64, error) {
	guides, err := t.Scan(ctx, q, lock.None)
	if err != nil {
		return 0, err
	}
	return store.Fold(guides, fn), nil
}

func (t *tx) Insert(ctx context.Context, g *record.Guide) error {
	if t.done {
		return store.ErrTxDone
	}

	t.s.mu.Lock()
	if g.ID == 0 {
		t.s.nextID++
		g.ID = t.s.nextID
	} else if g.ID > t.s.nextID {
		t.s.nextID = g.ID
	}
	t.s.mu.Unlock()

	if err := t.lockRow(ctx, g.ID, lock.Write); err != nil {
		return err
	}
	if _, exists := t.view(g.ID); exists {
		return fmt.Errorf("guide %d: %w", g.ID, lockerrors.ErrRecordExists)
	}
	g.Version = 0
	row := g.Value()
	t.pending[g.ID] = &row
	return nil
}

func (t *tx) ConditionalUpdate(ctx context.Context, id, expectedVersion int64, f record.Fields) (int64, error) {
	if t.done {
		return 0, store.ErrTxDone
	}
	if err := t.lockRow(ctx, id, lock.Write); err != nil {
		return 0, err
	}
	g, ok := t.view(id)
	if !ok || g.Version != expectedVersion {
		return 0, nil
	}
	g.Apply(f)
	g.Version++
	t.pending[id] = &g
	return 1, nil
}

func (t *tx) ConditionalDelete(ctx context.Context, id, expectedVersion int64) (int64, error) {
	if t.done {
		return 0, store.ErrTxDone
	}
	if err := t.lockRow(ctx, id, lock.Write); err != nil {
		return 0, err
	}
	g, ok := t.view(id)
	if !ok || g.Version != expectedVersion {
		return 0, nil
	}
	t.pending[id] = nil
	return 1, nil
}

func (t *tx) BulkScale(ctx context.Context, q store.Query, factor int64) (int64, error) {
	if t.done {
		return 0, store.ErrTxDone
	}
	ids := t.matching(q)
	for _, id := range ids {
		if err := t.lockRow(ctx, id, lock.Write); err != nil {
			return 0, err
		}
	}

	var n int64
	for _, id := range ids {
		g, ok := t.view(id)
		if !ok || !q.Match(&g) {
			continue
		}
		g.Salary *= factor
		g.Version++
		t.pending[id] = &g
		n++
	}
	return n, nil
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return store.ErrTxDone
	}
	t.done = true

	t.s.mu.Lock()
	for id, g := range t.pending {
		if g == nil {
			delete(t.s.rows, id)
		} else {
			t.s.rows[id] = *g
		}
	}
	t.s.mu.Unlock()

	t.pending = nil
	t.s.locks.ReleaseAll(t.id)
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.pending = nil
	t.s.locks.ReleaseAll(t.id)
	return nil
}
