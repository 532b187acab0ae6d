package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	lockerrors "github.com/kartikbazzad/bunbase/bunlock/internal/errors"
	"github.com/kartikbazzad/bunbase/bunlock/internal/lock"
	"github.com/kartikbazzad/bunbase/bunlock/internal/record"
	"github.com/kartikbazzad/bunbase/bunlock/internal/store"
)

func openTemp(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "bunlock.db"), opts...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *Store, guides ...record.Guide) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for i := range guides {
		if err := tx.Insert(ctx, &guides[i]); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestInsertAndGet(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	g := record.Guide{StaffID: "2000MO10789", Name: "Mike Lawson", Salary: 1000, Version: 3}
	if err := tx.Insert(ctx, &g); err != nil {
		t.Fatal(err)
	}
	if g.ID == 0 || g.Version != 0 {
		t.Errorf("inserted guide = %+v, want assigned id and version 0", g)
	}
	dup := record.Guide{ID: g.ID, Name: "Dup"}
	if err := tx.Insert(ctx, &dup); !errors.Is(err, lockerrors.ErrRecordExists) {
		t.Errorf("duplicate insert = %v, want ErrRecordExists", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	tx, _ = s.Begin(ctx)
	defer tx.Rollback(ctx)
	got, err := tx.Get(ctx, g.ID, lock.None)
	if err != nil {
		t.Fatal(err)
	}
	if got.StaffID != "2000MO10789" || got.Salary != 1000 || got.Version != 0 {
		t.Errorf("Get = %+v", got)
	}
	if _, err := tx.Get(ctx, 999, lock.None); !errors.Is(err, lockerrors.ErrRecordNotFound) {
		t.Errorf("Get missing = %v, want ErrRecordNotFound", err)
	}
}

func TestConditionalUpdate(t *testing.T) {
	s := openTemp(t)
	seed(t, s, record.Guide{Name: "Mike", Salary: 1000})
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	n, err := tx.ConditionalUpdate(ctx, 1, 0, record.Fields{Name: "Mike", Salary: 3000})
	if err != nil || n != 1 {
		t.Fatalf("update at current version = %d, %v", n, err)
	}
	if held := s.Locks().HeldBy(tx.ID()); len(held) != 1 || held[0].Mode != lock.Write {
		t.Errorf("locks after update = %v, want one WRITE", held)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if s.Locks().Len() != 0 {
		t.Error("commit must release row locks")
	}

	tx, _ = s.Begin(ctx)
	n, err = tx.ConditionalUpdate(ctx, 1, 0, record.Fields{Name: "Mike", Salary: 4000})
	if err != nil || n != 0 {
		t.Fatalf("update at stale version = %d, %v, want 0 rows", n, err)
	}
	got, _ := tx.Get(ctx, 1, lock.None)
	if got.Salary != 3000 || got.Version != 1 {
		t.Errorf("row after stale update = %+v, want salary 3000 version 1", got)
	}
	tx.Rollback(ctx)
}

func TestScanAggregateScaleDelete(t *testing.T) {
	s := openTemp(t)
	seed(t, s,
		record.Guide{Name: "Mike", Salary: 1000},
		record.Guide{Name: "Mary", Salary: 2000},
		record.Guide{Name: "Ken", Salary: 3000},
	)
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	ms, err := tx.Scan(ctx, store.Query{NamePrefix: "M"}, lock.Read)
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 2 || ms[0].Name != "Mike" || ms[1].Name != "Mary" {
		t.Errorf("scan by prefix = %v", ms)
	}
	if held := s.Locks().HeldBy(tx.ID()); len(held) != 2 {
		t.Errorf("READ scan holds %d locks, want 2", len(held))
	}

	sum, err := tx.Aggregate(ctx, store.All(), store.Sum)
	if err != nil || sum != 6000 {
		t.Fatalf("sum = %d, %v", sum, err)
	}
	n, err := tx.BulkScale(ctx, store.All(), 4)
	if err != nil || n != 3 {
		t.Fatalf("bulk scale = %d, %v", n, err)
	}
	if sum, _ := tx.Aggregate(ctx, store.All(), store.Sum); sum != 24000 {
		t.Errorf("sum after x4 = %d, want 24000", sum)
	}
	n, err = tx.ConditionalDelete(ctx, 3, 1)
	if err != nil || n != 1 {
		t.Fatalf("delete = %d, %v", n, err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	tx, _ = s.Begin(ctx)
	defer tx.Rollback(ctx)
	all, _ := tx.Scan(ctx, store.All(), lock.None)
	if len(all) != 2 || all[0].Version != 1 || all[0].Salary != 4000 {
		t.Errorf("rows after commit = %v", all)
	}
	if c, _ := tx.Aggregate(ctx, store.All(), store.Count); c != 2 {
		t.Errorf("count = %d, want 2", c)
	}
}

func TestRollbackDiscardsAndIsIdempotent(t *testing.T) {
	s := openTemp(t)
	seed(t, s, record.Guide{Name: "Mike", Salary: 1000})
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	if _, err := tx.ConditionalUpdate(ctx, 1, 0, record.Fields{Name: "Mike", Salary: 9}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Errorf("second rollback = %v, want nil", err)
	}
	if err := tx.Commit(ctx); !errors.Is(err, store.ErrTxDone) {
		t.Errorf("commit after rollback = %v, want ErrTxDone", err)
	}
	if s.Locks().Len() != 0 {
		t.Error("rollback must release row locks")
	}

	tx, _ = s.Begin(ctx)
	defer tx.Rollback(ctx)
	if v, _ := tx.ReadCurrentVersion(ctx, 1); v != 0 {
		t.Errorf("version after rollback = %d, want 0", v)
	}
}

func TestSecondWriterWaitsForDatabaseLock(t *testing.T) {
	s := openTemp(t)
	seed(t, s, record.Guide{Name: "Mike", Salary: 1000})
	ctx := context.Background()

	first, _ := s.Begin(ctx)
	if _, err := first.ConditionalUpdate(ctx, 1, 0, record.Fields{Name: "Mike", Salary: 3000}); err != nil {
		t.Fatal(err)
	}

	done := make(chan record.Guide, 1)
	go func() {
		tx, err := s.Begin(ctx)
		if err != nil {
			t.Error(err)
			close(done)
			return
		}
		defer tx.Rollback(ctx)
		g, err := tx.Get(ctx, 1, lock.Write)
		if err != nil {
			t.Error(err)
		}
		done <- g
	}()

	select {
	case <-done:
		t.Fatal("second transaction read the row while the first held its WRITE lock")
	case <-time.After(50 * time.Millisecond):
	}
	if err := first.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case g := <-done:
		if g.Salary != 3000 || g.Version != 1 {
			t.Errorf("second transaction read %+v, want committed salary 3000 version 1", g)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second transaction never proceeded")
	}
}

func TestBusyDatabaseIsLockTimeout(t *testing.T) {
	s := openTemp(t, WithLockTimeout(100*time.Millisecond))
	seed(t, s, record.Guide{Name: "Mike", Salary: 1000}, record.Guide{Name: "Ian", Salary: 2000})
	ctx := context.Background()

	first, _ := s.Begin(ctx)
	defer first.Rollback(ctx)
	if _, err := first.ConditionalUpdate(ctx, 1, 0, record.Fields{Name: "Mike", Salary: 3000}); err != nil {
		t.Fatal(err)
	}

	second, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin while another transaction writes = %v, want nil", err)
	}
	defer second.Rollback(ctx)
	// Different row, but SQLite has a single writer.
	_, err = second.ConditionalUpdate(ctx, 2, 0, record.Fields{Name: "Ian", Salary: 4000})
	if !lockerrors.IsLockTimeout(err) {
		t.Fatalf("update while database write lock is held = %v, want ErrLockTimeout", err)
	}
}

func TestConcurrentReadLocks(t *testing.T) {
	s := openTemp(t, WithLockTimeout(200*time.Millisecond))
	seed(t, s, record.Guide{Name: "Mike", Salary: 1000})
	ctx := context.Background()

	a, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Rollback(ctx)
	if _, err := a.Get(ctx, 1, lock.Read); err != nil {
		t.Fatal(err)
	}

	b, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("second Begin while a reader is open = %v, want nil", err)
	}
	defer b.Rollback(ctx)
	g, err := b.Get(ctx, 1, lock.Read)
	if err != nil {
		t.Fatalf("second READ lock = %v, want shared grant", err)
	}
	if g.Salary != 1000 {
		t.Errorf("second reader saw %+v", g)
	}
	if h := s.Locks().Holders(1); len(h) != 2 || h[a.ID()] != lock.Read || h[b.ID()] != lock.Read {
		t.Errorf("holders of row 1 = %v, want two READ holders", h)
	}

	// A WRITE on the shared row waits for both readers and gives up.
	c, _ := s.Begin(ctx)
	defer c.Rollback(ctx)
	if _, err := c.ConditionalUpdate(ctx, 1, 0, record.Fields{Name: "Mike", Salary: 5}); !lockerrors.IsLockTimeout(err) {
		t.Errorf("write under shared READ locks = %v, want ErrLockTimeout", err)
	}
}

func TestStaleSnapshotIsConflict(t *testing.T) {
	s := openTemp(t)
	seed(t, s, record.Guide{Name: "Mike", Salary: 1000}, record.Guide{Name: "Ian", Salary: 2000})
	ctx := context.Background()

	stale, _ := s.Begin(ctx)
	defer stale.Rollback(ctx)
	if _, err := stale.Get(ctx, 1, lock.None); err != nil {
		t.Fatal(err)
	}

	other, _ := s.Begin(ctx)
	if _, err := other.ConditionalUpdate(ctx, 1, 0, record.Fields{Name: "Mike", Salary: 3000}); err != nil {
		t.Fatal(err)
	}
	if err := other.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	_, err := stale.ConditionalUpdate(ctx, 2, 0, record.Fields{Name: "Ian", Salary: 4000})
	if !lockerrors.IsVersionConflict(err) {
		t.Fatalf("write from a stale snapshot = %v, want ErrVersionConflict", err)
	}
}
