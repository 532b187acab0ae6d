package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	lockerrors "github.com/kartikbazzad/bunbase/bunlock/internal/errors"
	"github.com/kartikbazzad/bunbase/bunlock/internal/lock"
	"github.com/kartikbazzad/bunbase/bunlock/internal/logger"
	"github.com/kartikbazzad/bunbase/bunlock/internal/record"
	"github.com/kartikbazzad/bunbase/bunlock/internal/store"
	"github.com/kartikbazzad/bunbase/bunlock/internal/store/memstore"
)

func newTestFactory(t *testing.T, opts ...memstore.Option) (*Factory, *memstore.Store) {
	t.Helper()
	st := memstore.New(opts...)
	return NewFactory(st, WithLogger(logger.Discard())), st
}

func begin(t *testing.T, f *Factory) *Session {
	t.Helper()
	s := f.Open()
	if err := s.Begin(context.Background()); err != nil {
		t.Fatalf("begin: %v", err)
	}
	return s
}

func seedGuides(t *testing.T, f *Factory, guides ...record.Guide) {
	t.Helper()
	ctx := context.Background()
	s := begin(t, f)
	for i := range guides {
		if err := s.Insert(ctx, &guides[i]); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

// readDetached reads id in its own session and returns the guide after close.
func readDetached(t *testing.T, f *Factory, id int64) *record.Guide {
	t.Helper()
	ctx := context.Background()
	s := begin(t, f)
	g, err := s.Read(ctx, id, lock.None)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatal(err)
	}
	return g
}

func TestLifecycle(t *testing.T) {
	f, _ := newTestFactory(t)
	ctx := context.Background()

	s := f.Open()
	if s.State() != StateOpen {
		t.Fatalf("new session state = %s", s.State())
	}
	if _, err := s.Read(ctx, 1, lock.None); !errors.Is(err, lockerrors.ErrInvalidSessionState) {
		t.Errorf("read before begin = %v, want ErrInvalidSessionState", err)
	}
	if err := s.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Begin(ctx); !errors.Is(err, lockerrors.ErrInvalidSessionState) {
		t.Errorf("second begin = %v, want ErrInvalidSessionState", err)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateClosed {
		t.Errorf("state after commit = %s, want closed", s.State())
	}
	for name, op := range map[string]func() error{
		"read":   func() error { _, err := s.Read(ctx, 1, lock.None); return err },
		"write":  func() error { return s.Write(ctx, &record.Guide{ID: 1}) },
		"merge":  func() error { _, err := s.Merge(ctx, &record.Guide{ID: 1}); return err },
		"commit": func() error { return s.Commit(ctx) },
	} {
		if err := op(); !errors.Is(err, lockerrors.ErrInvalidSessionState) {
			t.Errorf("%s on closed session = %v, want ErrInvalidSessionState", name, err)
		}
	}
	if err := s.Close(ctx); err != nil {
		t.Errorf("close on closed session = %v, want nil", err)
	}
}

func TestOptimisticGuideScenario(t *testing.T) {
	f, st := newTestFactory(t)
	ctx := context.Background()
	seedGuides(t, f, record.Guide{StaffID: "2000MO10789", Name: "Mike Lawson", Salary: 1000})

	// Bring the guide to version 1.
	s := begin(t, f)
	g, _ := s.Read(ctx, 1, lock.None)
	if err := s.Write(ctx, g); err != nil {
		t.Fatal(err)
	}
	s.Commit(ctx)

	a := readDetached(t, f, 1)
	b := readDetached(t, f, 1)
	if !a.IsDetached() || a.Version != 1 || b.Version != 1 {
		t.Fatalf("detached copies = %v, %v", a, b)
	}

	a.Salary = 3000
	sa := begin(t, f)
	merged, err := sa.Merge(ctx, a)
	if err != nil {
		t.Fatalf("first merge: %v", err)
	}
	if merged.Version != 2 || merged.Salary != 3000 {
		t.Errorf("merged = %v, want salary 3000 version 2", merged)
	}
	if owner, ok := merged.AttachedTo(); !ok || owner != sa.ID() {
		t.Errorf("merged guide state = %s, want attached to %s", merged.State(), sa.ID())
	}
	if a.Version != 1 {
		t.Errorf("merge modified the detached input: %v", a)
	}
	if err := sa.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	b.Salary = 4000
	sb := begin(t, f)
	_, err = sb.Merge(ctx, b)
	var conflict *lockerrors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second merge = %v, want ConflictError", err)
	}
	if conflict.Expected != 1 || conflict.Actual != 2 {
		t.Errorf("conflict = %+v, want expected 1 actual 2", conflict)
	}
	if sb.State() != StateClosed {
		t.Errorf("session after conflict = %s, want closed", sb.State())
	}

	got, _ := st.Committed(1)
	if got.Salary != 3000 || got.Version != 2 {
		t.Errorf("stored guide = %+v, want salary 3000 version 2", got)
	}
	if st.Locks().Len() != 0 {
		t.Errorf("%d locks left after conversation", st.Locks().Len())
	}
}

func TestPessimisticBulkScaleScenario(t *testing.T) {
	f, st := newTestFactory(t)
	ctx := context.Background()
	seedGuides(t, f,
		record.Guide{Name: "Mike Lawson", Salary: 1000},
		record.Guide{Name: "Ian Lamb", Salary: 2000},
		record.Guide{Name: "Mary Reed", Salary: 3000},
	)

	a := begin(t, f)
	guides, err := a.BulkRead(ctx, store.All(), lock.Write)
	if err != nil || len(guides) != 3 {
		t.Fatalf("WRITE bulk read = %v, %v", guides, err)
	}
	sum, err := a.Aggregate(ctx, store.All(), store.Sum)
	if err != nil || sum != 6000 {
		t.Fatalf("sum = %d, %v", sum, err)
	}
	if n, err := a.BulkScale(ctx, store.All(), 4); err != nil || n != 3 {
		t.Fatalf("bulk scale = %d, %v", n, err)
	}
	if guides[0].Salary != 4000 || guides[0].Version != 1 {
		t.Errorf("attached guide after scale = %v", guides[0])
	}
	if locks := a.Locks(); len(locks) != 3 || locks[0].Mode != lock.Write {
		t.Errorf("session locks = %v, want 3 WRITE", locks)
	}

	observed := make(chan *record.Guide, 1)
	go func() {
		b := begin(t, f)
		defer b.Close(ctx)
		g, err := b.Read(ctx, 1, lock.Write)
		if err != nil {
			t.Error(err)
			close(observed)
			return
		}
		observed <- g
	}()

	select {
	case <-observed:
		t.Fatal("WRITE read was granted while another session held the row")
	case <-time.After(50 * time.Millisecond):
	}
	if err := a.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case g := <-observed:
		if g == nil || g.Salary != 4000 {
			t.Errorf("blocked reader observed %v, want salary 4000", g)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked reader never proceeded")
	}
	if got, _ := st.Committed(3); got.Salary != 12000 {
		t.Errorf("committed salary = %d, want 12000", got.Salary)
	}
}

// commitSalary sets the salary of guide id under a WRITE lock in its own session.
func commitSalary(t *testing.T, f *Factory, id, salary int64) {
	t.Helper()
	ctx := context.Background()
	s := begin(t, f)
	g, err := s.Read(ctx, id, lock.Write)
	if err != nil {
		t.Fatal(err)
	}
	g.Salary = salary
	if err := s.Write(ctx, g); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestLockedReadRefreshesAttachedGuide(t *testing.T) {
	f, st := newTestFactory(t)
	ctx := context.Background()
	seedGuides(t, f, record.Guide{Name: "Mike", Salary: 1000})

	a := begin(t, f)
	g, err := a.Read(ctx, 1, lock.None)
	if err != nil {
		t.Fatal(err)
	}
	commitSalary(t, f, 1, 5000)

	if cached, _ := a.Read(ctx, 1, lock.None); cached != g || cached.Salary != 1000 {
		t.Errorf("unlocked re-read = %v, want the attached guide unchanged", cached)
	}
	locked, err := a.Read(ctx, 1, lock.Write)
	if err != nil {
		t.Fatal(err)
	}
	if locked != g {
		t.Error("locked re-read must return the attached guide")
	}
	if g.Salary != 5000 || g.Version != 1 {
		t.Fatalf("guide after WRITE lock = %v, want salary 5000 version 1", g)
	}
	g.Salary = 6000
	if err := a.Write(ctx, g); err != nil {
		t.Fatalf("write under WRITE lock = %v, want success", err)
	}
	if err := a.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := st.Committed(1); got.Salary != 6000 || got.Version != 2 {
		t.Errorf("committed = %+v, want salary 6000 version 2", got)
	}
}

func TestLockedBulkReadRefreshesAttachedGuides(t *testing.T) {
	f, _ := newTestFactory(t)
	ctx := context.Background()
	seedGuides(t, f, record.Guide{Name: "Mike", Salary: 1000}, record.Guide{Name: "Ian", Salary: 2000})

	a := begin(t, f)
	g, err := a.Read(ctx, 2, lock.None)
	if err != nil {
		t.Fatal(err)
	}
	commitSalary(t, f, 2, 7000)

	guides, err := a.BulkRead(ctx, store.All(), lock.Read)
	if err != nil || len(guides) != 2 {
		t.Fatalf("READ bulk read = %v, %v", guides, err)
	}
	if guides[1] != g || g.Salary != 7000 || g.Version != 1 {
		t.Errorf("attached guide after READ bulk read = %v, want salary 7000 version 1", g)
	}
	if sum, _ := a.Aggregate(ctx, store.All(), store.Sum); sum != 8000 {
		t.Errorf("sum = %d, want 8000", sum)
	}
	a.Close(ctx)
}

func TestBulkScaleSetsAttachedFromStore(t *testing.T) {
	f, st := newTestFactory(t)
	ctx := context.Background()
	seedGuides(t, f, record.Guide{Name: "Mike", Salary: 1000})

	a := begin(t, f)
	g, err := a.Read(ctx, 1, lock.Write)
	if err != nil {
		t.Fatal(err)
	}
	g.Salary = 7 // never written
	if n, err := a.BulkScale(ctx, store.All(), 4); err != nil || n != 1 {
		t.Fatalf("bulk scale = %d, %v", n, err)
	}
	if g.Salary != 4000 || g.Version != 1 {
		t.Errorf("attached guide after scale = %v, want salary 4000 version 1", g)
	}
	if err := a.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := st.Committed(1); got.Salary != 4000 || got.Version != 1 {
		t.Errorf("committed = %+v, want salary 4000 version 1", got)
	}
}

func TestWriteConflictRollsBackAndDetaches(t *testing.T) {
	f, st := newTestFactory(t)
	ctx := context.Background()
	seedGuides(t, f, record.Guide{Name: "Mike", Salary: 1000}, record.Guide{Name: "Mary", Salary: 2000})

	a := begin(t, f)
	b := begin(t, f)
	ga, _ := a.Read(ctx, 1, lock.None)
	gb, _ := b.Read(ctx, 1, lock.None)
	other, _ := b.Read(ctx, 2, lock.Read)

	ga.Salary = 3000
	if err := a.Write(ctx, ga); err != nil {
		t.Fatal(err)
	}
	if err := a.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	gb.Salary = 4000
	if err := b.Write(ctx, gb); !lockerrors.IsVersionConflict(err) {
		t.Fatalf("stale write = %v, want ErrVersionConflict", err)
	}
	if b.State() != StateClosed {
		t.Errorf("session after conflict = %s, want closed", b.State())
	}
	if !gb.IsDetached() || !other.IsDetached() {
		t.Error("conflict must detach every guide the session held")
	}
	if gb.Version != 0 || gb.Salary != 4000 {
		t.Errorf("caller's copy = %v, want unchanged salary 4000 version 0", gb)
	}
	if st.Locks().Len() != 0 || len(b.Locks()) != 0 {
		t.Error("conflict must release every lock")
	}
	if got, _ := st.Committed(1); got.Salary != 3000 || got.Version != 1 {
		t.Errorf("stored = %+v, want salary 3000 version 1", got)
	}
}

func TestLockTimeoutRollsBack(t *testing.T) {
	f, st := newTestFactory(t, memstore.WithLockTimeout(30*time.Millisecond))
	ctx := context.Background()
	seedGuides(t, f, record.Guide{Name: "Mike", Salary: 1000}, record.Guide{Name: "Mary", Salary: 2000})

	holder := begin(t, f)
	defer holder.Close(ctx)
	if _, err := holder.Read(ctx, 1, lock.Write); err != nil {
		t.Fatal(err)
	}

	s := begin(t, f)
	if _, err := s.Read(ctx, 2, lock.Read); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read(ctx, 1, lock.Read); !lockerrors.IsLockTimeout(err) {
		t.Fatalf("read under WRITE = %v, want ErrLockTimeout", err)
	}
	if s.State() != StateClosed {
		t.Errorf("session after timeout = %s, want closed", s.State())
	}
	if held := st.Locks().Holders(2); len(held) != 0 {
		t.Errorf("row 2 still held by %v after timeout", held)
	}
}

func TestRollbackIsIdempotentAndReleasesLocks(t *testing.T) {
	f, st := newTestFactory(t)
	ctx := context.Background()
	seedGuides(t, f, record.Guide{Name: "Mike", Salary: 1000})

	s := begin(t, f)
	g, _ := s.Read(ctx, 1, lock.Write)
	g.Salary = 9999
	if err := s.Write(ctx, g); err != nil {
		t.Fatal(err)
	}
	if err := s.Rollback(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Rollback(ctx); err != nil {
		t.Errorf("second rollback = %v, want nil", err)
	}
	if st.Locks().Len() != 0 {
		t.Errorf("%d locks left after rollback", st.Locks().Len())
	}
	if got, _ := st.Committed(1); got.Salary != 1000 || got.Version != 0 {
		t.Errorf("stored after rollback = %+v", got)
	}
	if _, ok := g.AttachedTo(); ok {
		t.Error("guide still attached after rollback")
	}
}

func TestCloseCommitsAndDetaches(t *testing.T) {
	f, st := newTestFactory(t)
	ctx := context.Background()
	seedGuides(t, f, record.Guide{Name: "Mike", Salary: 1000})

	s := begin(t, f)
	g, _ := s.Read(ctx, 1, lock.Read)
	g.Salary = 1500
	if err := s.Write(ctx, g); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := st.Committed(1); got.Salary != 1500 || got.Version != 1 {
		t.Errorf("stored after close = %+v", got)
	}
	if g.State() != record.Detached(1) {
		t.Errorf("guide state = %s, want detached(v1)", g.State())
	}
	if len(s.Attached()) != 0 || st.Locks().Len() != 0 {
		t.Error("close must release attachments and locks")
	}
}

func TestMergeAndWriteOwnership(t *testing.T) {
	f, _ := newTestFactory(t)
	ctx := context.Background()
	seedGuides(t, f, record.Guide{Name: "Mike", Salary: 1000})

	a := begin(t, f)
	defer a.Close(ctx)
	b := begin(t, f)
	defer b.Close(ctx)

	held, _ := a.Read(ctx, 1, lock.None)
	if _, err := b.Merge(ctx, held); !errors.Is(err, lockerrors.ErrRecordAttached) {
		t.Errorf("merge of a guide attached elsewhere = %v, want ErrRecordAttached", err)
	}
	if err := b.Write(ctx, held); !errors.Is(err, lockerrors.ErrRecordAttached) {
		t.Errorf("write of a guide attached elsewhere = %v, want ErrRecordAttached", err)
	}
	if err := b.Write(ctx, held.Clone()); !errors.Is(err, lockerrors.ErrRecordDetached) {
		t.Errorf("write of a detached guide = %v, want ErrRecordDetached", err)
	}
	if b.State() != StateActive {
		t.Errorf("ownership errors must not end the session, state = %s", b.State())
	}
	if same, err := a.Merge(ctx, held); err != nil || same != held {
		t.Errorf("merge of own guide = %v, %v, want the same pointer", same, err)
	}
	if _, err := b.Merge(ctx, &record.Guide{ID: 42}); !errors.Is(err, lockerrors.ErrRecordNotFound) {
		t.Errorf("merge of unknown identity = %v, want ErrRecordNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	f, st := newTestFactory(t)
	ctx := context.Background()
	seedGuides(t, f, record.Guide{Name: "Mike", Salary: 1000})

	s := begin(t, f)
	g, _ := s.Read(ctx, 1, lock.None)
	if err := s.Delete(ctx, g); err != nil {
		t.Fatal(err)
	}
	if !g.IsDetached() {
		t.Error("deleted guide must be detached")
	}
	s.Commit(ctx)
	if _, ok := st.Committed(1); ok {
		t.Error("guide still stored after delete")
	}
}

func TestWriteLockedIncrementsAreSerialized(t *testing.T) {
	f, st := newTestFactory(t)
	ctx := context.Background()
	seedGuides(t, f, record.Guide{Name: "Mike", Salary: 0})

	const workers = 16
	var (
		wg        sync.WaitGroup
		inside    atomic.Int32
		maxInside atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := begin(t, f)
			defer s.Close(ctx)
			g, err := s.Read(ctx, 1, lock.Write)
			if err != nil {
				t.Error(err)
				return
			}
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			g.Salary++
			err = s.Write(ctx, g)
			inside.Add(-1)
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Errorf("%d sessions held the WRITE lock at once", maxInside.Load())
	}
	got, _ := st.Committed(1)
	if got.Salary != workers || got.Version != workers {
		t.Errorf("stored = %+v, want salary and version %d", got, workers)
	}
}

func TestConcurrentOptimisticWritesLoseNothing(t *testing.T) {
	f, st := newTestFactory(t)
	ctx := context.Background()
	seedGuides(t, f, record.Guide{Name: "Mike", Salary: 0})

	const workers = 16
	var (
		wg        sync.WaitGroup
		committed atomic.Int64
		conflicts atomic.Int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := readDetached(t, f, 1)
			g.Salary++

			s := begin(t, f)
			_, err := s.Merge(ctx, g)
			switch {
			case err == nil:
				if err := s.Commit(ctx); err != nil {
					t.Error(err)
					return
				}
				committed.Add(1)
			case lockerrors.IsVersionConflict(err):
				conflicts.Add(1)
			default:
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	got, _ := st.Committed(1)
	if got.Salary != committed.Load() || got.Version != committed.Load() {
		t.Errorf("stored = %+v after %d commits: lost update", got, committed.Load())
	}
	if committed.Load()+conflicts.Load() != workers {
		t.Errorf("commits %d + conflicts %d != %d", committed.Load(), conflicts.Load(), workers)
	}
}
