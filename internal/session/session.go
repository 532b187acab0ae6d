package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lockerrors "github.com/kartikbazzad/bunbase/bunlock/internal/errors"
	"github.com/kartikbazzad/bunbase/bunlock/internal/lock"
	"github.com/kartikbazzad/bunbase/bunlock/internal/metrics"
	"github.com/kartikbazzad/bunbase/bunlock/internal/record"
	"github.com/kartikbazzad/bunbase/bunlock/internal/store"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateOpen   State = iota // created, no transaction yet
	StateActive              // transaction begun
	StateClosed              // committed, rolled back or closed; terminal
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is a unit of work wrapping a single transaction. It is safe for
// concurrent use, although operations are serialized.
type Session struct {
	id  string
	f   *Factory
	log *slog.Logger

	mu       sync.Mutex
	state    State
	tx       store.Tx
	attached map[int64]*record.Guide
	locks    map[int64]lock.Lock
}

func newSession(f *Factory) *Session {
	id := uuid.NewString()
	return &Session{
		id:       id,
		f:        f,
		log:      f.log.With("session", id),
		attached: make(map[int64]*record.Guide),
		locks:    make(map[int64]lock.Lock),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Begin starts the session's transaction. A failed Begin leaves the session Open.
func (s *Session) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen {
		return lockerrors.InvalidState("begin", s.state)
	}
	tx, err := s.f.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	s.tx = tx
	s.state = StateActive
	s.log.Debug("begin", "tx", tx.ID())
	return nil
}

// Read returns the guide with the given identity, attached to this session.
// With a lock mode the call blocks until the lock is granted and the lock is
// held until the session ends; the guide then carries the row as committed
// when the lock was granted. Without a lock a guide already attached is
// returned as is.
func (s *Session) Read(ctx context.Context, id int64, mode lock.Mode) (*record.Guide, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkActive("read"); err != nil {
		return nil, err
	}
	if g, ok := s.attached[id]; ok {
		if mode == lock.None {
			return g, nil
		}
		v, err := s.tx.Get(ctx, id, mode)
		if err != nil {
			if errors.Is(err, lockerrors.ErrRecordNotFound) {
				delete(s.attached, id)
				g.Detach()
			}
			return nil, s.abort(ctx, "read", err)
		}
		s.noteLock(id, mode)
		g.Refresh(v)
		return g, nil
	}

	v, err := s.tx.Get(ctx, id, mode)
	if err != nil {
		return nil, s.abort(ctx, "read", err)
	}
	s.noteLock(id, mode)
	return s.attach(v), nil
}

// BulkRead returns every guide matching q in identity order, locking each in
// mode. Under a lock, guides already attached are refreshed from the rows read.
func (s *Session) BulkRead(ctx context.Context, q store.Query, mode lock.Mode) ([]*record.Guide, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkActive("bulk read"); err != nil {
		return nil, err
	}
	rows, err := s.tx.Scan(ctx, q, mode)
	if err != nil {
		return nil, s.abort(ctx, "bulk read", err)
	}
	out := make([]*record.Guide, 0, len(rows))
	for _, v := range rows {
		s.noteLock(v.ID, mode)
		if g, ok := s.attached[v.ID]; ok {
			if mode != lock.None {
				g.Refresh(v)
			}
			out = append(out, g)
			continue
		}
		out = append(out, s.attach(v))
	}
	return out, nil
}

// Aggregate computes fn over the salaries of the guides matching q.
func (s *Session) Aggregate(ctx context.Context, q store.Query, fn store.AggregateFunc) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkActive("aggregate"); err != nil {
		return 0, err
	}
	v, err := s.tx.Aggregate(ctx, q, fn)
	if err != nil {
		return 0, s.abort(ctx, "aggregate", err)
	}
	return v, nil
}

// Insert stores g at version 0 and attaches it. g must not be attached elsewhere.
func (s *Session) Insert(ctx context.Context, g *record.Guide) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkActive("insert"); err != nil {
		return err
	}
	if owner, ok := g.AttachedTo(); ok {
		return fmt.Errorf("insert guide %d held by %s: %w", g.ID, owner, lockerrors.ErrRecordAttached)
	}
	if err := s.tx.Insert(ctx, g); err != nil {
		return s.abort(ctx, "insert", err)
	}
	s.noteLock(g.ID, lock.Write)
	g.Attach(s.id)
	s.attached[g.ID] = g
	return nil
}

// Write persists the mutable fields of an attached guide, guarded by its version.
// On success g.Version is bumped. On a version conflict the session is rolled
// back and closed before the error is returned.
func (s *Session) Write(ctx context.Context, g *record.Guide) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkActive("write"); err != nil {
		return err
	}
	if err := s.owns(g); err != nil {
		return err
	}
	if err := s.checkAndBump(ctx, g); err != nil {
		return s.abort(ctx, "write", err)
	}
	s.log.Debug("write", "id", g.ID, "version", g.Version)
	return nil
}

// Merge reattaches a detached guide. The stored row for its identity is loaded
// and its version compared with the version the guide carries; if they match the
// guide's fields are written and the attached guide is returned with the bumped
// version. On mismatch the store is left untouched, the session is rolled back
// and the conflict is returned. The detached value itself is never modified.
func (s *Session) Merge(ctx context.Context, detached *record.Guide) (*record.Guide, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkActive("merge"); err != nil {
		return nil, err
	}
	if owner, ok := detached.AttachedTo(); ok {
		if owner == s.id {
			return detached, nil
		}
		return nil, fmt.Errorf("merge guide %d held by %s: %w", detached.ID, owner, lockerrors.ErrRecordAttached)
	}

	cur, err := s.tx.Get(ctx, detached.ID, lock.None)
	if err != nil {
		return nil, s.abort(ctx, "merge", err)
	}
	fresh := detached.Clone()
	fresh.StaffID = cur.StaffID
	if err := record.CheckAndBump(ctx, s.tx, fresh, cur.Version); err != nil {
		return nil, s.abort(ctx, "merge", err)
	}
	s.noteLock(fresh.ID, lock.Write)

	if g, ok := s.attached[fresh.ID]; ok {
		g.Apply(fresh.Fields())
		g.Version = fresh.Version
		return g, nil
	}
	fresh.Attach(s.id)
	s.attached[fresh.ID] = fresh
	s.log.Debug("merge", "id", fresh.ID, "version", fresh.Version)
	return fresh, nil
}

// BulkScale multiplies the salary of every guide matching q by factor under
// WRITE locks taken in identity order. Attached guides are set to the stored
// result, discarding unwritten changes.
func (s *Session) BulkScale(ctx context.Context, q store.Query, factor int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkActive("bulk scale"); err != nil {
		return 0, err
	}
	rows, err := s.tx.Scan(ctx, q, lock.Write)
	if err != nil {
		return 0, s.abort(ctx, "bulk scale", err)
	}
	for _, v := range rows {
		s.noteLock(v.ID, lock.Write)
	}
	n, err := s.tx.BulkScale(ctx, q, factor)
	if err != nil {
		return 0, s.abort(ctx, "bulk scale", err)
	}
	for _, v := range rows {
		if g, ok := s.attached[v.ID]; ok {
			v.Salary *= factor
			v.Version++
			g.Refresh(v)
		}
	}
	return n, nil
}

// Delete removes an attached guide, guarded by its version. The guide is
// detached on success.
func (s *Session) Delete(ctx context.Context, g *record.Guide) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkActive("delete"); err != nil {
		return err
	}
	if err := s.owns(g); err != nil {
		return err
	}
	n, err := s.tx.ConditionalDelete(ctx, g.ID, g.Version)
	if err == nil && n == 0 {
		err = lockerrors.NewConflict(g.ID, g.Version, -1)
	}
	if err != nil {
		return s.abort(ctx, "delete", err)
	}
	s.noteLock(g.ID, lock.Write)
	delete(s.attached, g.ID)
	g.Detach()
	return nil
}

// Commit commits the transaction and closes the session. If the commit fails
// the transaction is rolled back; either way every lock and attachment is released.
func (s *Session) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkActive("commit"); err != nil {
		return err
	}
	return s.commit(ctx)
}

func (s *Session) commit(ctx context.Context) error {
	if err := s.tx.Commit(ctx); err != nil {
		s.log.Warn("commit failed, rolling back", "error", err)
		s.tx.Rollback(ctx)
		s.end("commit_failed")
		return fmt.Errorf("commit session: %w", err)
	}
	s.end("commit")
	return nil
}

// Rollback discards the transaction and closes the session. Calling it on a
// closed session is a no-op.
func (s *Session) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollback(ctx)
}

func (s *Session) rollback(ctx context.Context) error {
	switch s.state {
	case StateClosed:
		return nil
	case StateOpen:
		s.end("rollback")
		return nil
	}
	err := s.tx.Rollback(ctx)
	s.end("rollback")
	if err != nil {
		return fmt.Errorf("rollback session: %w", err)
	}
	return nil
}

// Close commits an active transaction (rolling back if the commit fails) and
// releases every lock and attachment. Calling it again is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return nil
	case StateOpen:
		s.end("close")
		return nil
	}
	return s.commit(ctx)
}

// Locks returns the row locks this session requested, ordered by identity.
func (s *Session) Locks() []lock.Lock {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]lock.Lock, 0, len(s.locks))
	for _, l := range s.locks {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Attached returns the guides currently attached, ordered by identity.
func (s *Session) Attached() []*record.Guide {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*record.Guide, 0, len(s.attached))
	for _, g := range s.attached {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Session) checkActive(op string) error {
	if s.state != StateActive {
		return lockerrors.InvalidState(op, s.state)
	}
	return nil
}

func (s *Session) owns(g *record.Guide) error {
	owner, ok := g.AttachedTo()
	switch {
	case !ok:
		return fmt.Errorf("guide %d: %w", g.ID, lockerrors.ErrRecordDetached)
	case owner != s.id:
		return fmt.Errorf("guide %d held by %s: %w", g.ID, owner, lockerrors.ErrRecordAttached)
	}
	return nil
}

// checkAndBump reads the version the transaction sees and runs the guarded update.
func (s *Session) checkAndBump(ctx context.Context, g *record.Guide) error {
	current, err := s.tx.ReadCurrentVersion(ctx, g.ID)
	if err != nil {
		return err
	}
	if err := record.CheckAndBump(ctx, s.tx, g, current); err != nil {
		return err
	}
	s.noteLock(g.ID, lock.Write)
	return nil
}

func (s *Session) attach(v record.Guide) *record.Guide {
	g := &v
	g.Attach(s.id)
	s.attached[g.ID] = g
	return g
}

func (s *Session) noteLock(id int64, mode lock.Mode) {
	if mode == lock.None {
		return
	}
	if l, ok := s.locks[id]; ok && l.Mode >= mode {
		return
	}
	s.locks[id] = lock.Lock{Key: id, Mode: mode, Owner: s.id, GrantTime: time.Now()}
}

// abort ends the session on errors that invalidate the transaction. Errors
// about the caller's input leave it active.
func (s *Session) abort(ctx context.Context, op string, err error) error {
	if errors.Is(err, lockerrors.ErrRecordNotFound) || errors.Is(err, lockerrors.ErrRecordExists) {
		return err
	}
	switch {
	case lockerrors.IsVersionConflict(err):
		metrics.VersionConflictsTotal.WithLabelValues(op).Inc()
		s.log.Warn("version conflict, rolling back", "op", op, "error", err)
	case lockerrors.IsLockTimeout(err):
		s.log.Warn("lock timeout, rolling back", "op", op, "error", err)
	default:
		s.log.Error("session operation failed, rolling back", "op", op, "error", err)
	}
	if rbErr := s.rollback(context.WithoutCancel(ctx)); rbErr != nil {
		s.log.Error("rollback failed", "error", rbErr)
	}
	return err
}

// end moves the session to Closed, detaching every guide and forgetting its locks.
func (s *Session) end(outcome string) {
	for id, g := range s.attached {
		g.Detach()
		delete(s.attached, id)
	}
	clear(s.locks)
	s.state = StateClosed
	metrics.SessionsTotal.WithLabelValues(outcome).Inc()
	s.log.Debug(outcome)
}
