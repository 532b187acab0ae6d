// Package sqlstore is a Store on SQLite through database/sql.
//
// SQLite has no row locks, only a database-wide write lock. Transactions begin
// deferred, so readers run side by side under WAL. READ/WRITE row locks requested
// by sessions go through an in-process lock.Manager, giving the same semantics as
// memstore to sessions sharing this Store. A WRITE row lock is requested only
// after taking SQLite's write lock, which is then held for the rest of the
// transaction, so at most one transaction holds WRITE locks at a time:
//   - waiting longer than the lock timeout for the write lock is ErrLockTimeout
//   - a transaction whose snapshot went stale before it could take the write
//     lock (SQLITE_BUSY_SNAPSHOT) gets ErrVersionConflict, because the rows it
//     read have been overwritten and SQLite cannot refresh them in place
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	lockerrors "github.com/kartikbazzad/bunbase/bunlock/internal/errors"
	"github.com/kartikbazzad/bunbase/bunlock/internal/lock"
	"github.com/kartikbazzad/bunbase/bunlock/internal/record"
	"github.com/kartikbazzad/bunbase/bunlock/internal/store"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const DefaultLockTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS guide (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	staff_id TEXT    NOT NULL DEFAULT '',
	name     TEXT    NOT NULL,
	salary   INTEGER NOT NULL,
	version  INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS write_lock (
	id    INTEGER PRIMARY KEY CHECK (id = 1),
	epoch INTEGER NOT NULL
);
INSERT OR IGNORE INTO write_lock (id, epoch) VALUES (1, 0);`

const selectCols = "SELECT id, staff_id, name, salary, version FROM guide"

type Store struct {
	db          *sql.DB
	locks       *lock.Manager
	lockTimeout time.Duration
	retry       *lockerrors.RetryController
	classifier  *lockerrors.Classifier
}

type Option func(*Store)

// WithLockTimeout bounds row lock waits and SQLite's busy_timeout.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// Open opens or creates the database file at path and ensures the guide table exists.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		locks:       lock.NewManager(),
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.retry = lockerrors.NewRetryController(lockerrors.WithMaxRetries(-1), lockerrors.WithBudget(s.lockTimeout))
	s.classifier = lockerrors.NewClassifier()

	db, err := sql.Open("sqlite", dsn(path, s.lockTimeout))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init guide schema: %w", err)
	}
	s.db = db
	return s, nil
}

func dsn(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "case_sensitive_like(1)")
	return "file:" + path + "?" + q.Encode()
}

// Locks exposes the in-process row lock table.
func (s *Store) Locks() *lock.Manager {
	return s.locks
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &tx{s: s, tx: sqlTx, id: uuid.NewString()}, nil
}

type tx struct {
	s      *Store
	tx     *sql.Tx
	id     string
	done   bool
	writer bool // holds SQLite's write lock
}

func (t *tx) ID() string { return t.id }

func (t *tx) lockRow(ctx context.Context, id int64, mode lock.Mode) error {
	if mode == lock.None {
		return nil
	}
	// The database write lock is always taken before row locks.
	if mode == lock.Write {
		if err := t.promote(ctx, id); err != nil {
			return err
		}
	}
	return t.s.locks.Acquire(ctx, id, mode, t.id, t.s.lockTimeout)
}

// promote takes SQLite's write lock by writing the write_lock row. A transaction
// that has not read yet waits in busy_timeout; one that has read gets
// SQLITE_BUSY at once, so the attempt is retried until the lock timeout.
func (t *tx) promote(ctx context.Context, key int64) error {
	if t.writer {
		return nil
	}
	err := t.s.retry.Retry(ctx, func() error {
		_, err := t.tx.ExecContext(ctx, "UPDATE write_lock SET epoch = epoch + 1 WHERE id = 1")
		if err != nil {
			return translate(fmt.Errorf("take write lock: %w", err), key, "WRITE", t.s.lockTimeout)
		}
		return nil
	}, t.s.classifier)
	if err != nil {
		return err
	}
	t.writer = true
	return nil
}

func (t *tx) AcquireRowLock(ctx context.Context, id int64, mode lock.Mode) error {
	if t.done {
		return store.ErrTxDone
	}
	return t.lockRow(ctx, id, mode)
}

func (t *tx) ReadCurrentVersion(ctx context.Context, id int64) (int64, error) {
	if t.done {
		return 0, store.ErrTxDone
	}
	var v int64
	err := t.tx.QueryRowContext(ctx, "SELECT version FROM guide WHERE id = ?", id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("guide %d: %w", id, lockerrors.ErrRecordNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("read version of guide %d: %w", id, err)
	}
	return v, nil
}

func (t *tx) Get(ctx context.Context, id int64, mode lock.Mode) (record.Guide, error) {
	if t.done {
		return record.Guide{}, store.ErrTxDone
	}
	if err := t.lockRow(ctx, id, mode); err != nil {
		return record.Guide{}, err
	}
	var g record.Guide
	err := t.tx.QueryRowContext(ctx, selectCols+" WHERE id = ?", id).
		Scan(&g.ID, &g.StaffID, &g.Name, &g.Salary, &g.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Guide{}, fmt.Errorf("guide %d: %w", id, lockerrors.ErrRecordNotFound)
	}
	if err != nil {
		return record.Guide{}, fmt.Errorf("get guide %d: %w", id, err)
	}
	return g, nil
}

func placeholder(int) string { return "?" }

func (t *tx) query(ctx context.Context, q store.Query) ([]record.Guide, error) {
	where, args := q.Where(placeholder)
	rows, err := t.tx.QueryContext(ctx, selectCols+where+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("scan guides: %w", err)
	}
	defer rows.Close()

	var out []record.Guide
	for rows.Next() {
		var g record.Guide
		if err := rows.Scan(&g.ID, &g.StaffID, &g.Name, &g.Salary, &g.Version); err != nil {
			return nil, fmt.Errorf("scan guide row: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (t *tx) lockAll(ctx context.Context, guides []record.Guide, mode lock.Mode) error {
	for _, g := range guides {
		if err := t.lockRow(ctx, g.ID, mode); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) Scan(ctx context.Context, q store.Query, mode lock.Mode) ([]record.Guide, error) {
	if t.done {
		return nil, store.ErrTxDone
	}
	if mode == lock.Write {
		if err := t.promote(ctx, 0); err != nil {
			return nil, err
		}
	}
	guides, err := t.query(ctx, q)
	if err != nil || mode == lock.None {
		return guides, err
	}
	if err := t.lockAll(ctx, guides, mode); err != nil {
		return nil, err
	}
	return t.query(ctx, q)
}

func (t *tx) Aggregate(ctx context.Context, q store.Query, fn store.AggregateFunc) (int64, error) {
	if t.done {
		return 0, store.ErrTxDone
	}
	where, args := q.Where(placeholder)
	var v int64
	if err := t.tx.QueryRowContext(ctx, "SELECT "+fn.SQL()+" FROM guide"+where, args...).Scan(&v); err != nil {
		return 0, fmt.Errorf("aggregate %s: %w", fn, err)
	}
	return v, nil
}

func (t *tx) Insert(ctx context.Context, g *record.Guide) error {
	if t.done {
		return store.ErrTxDone
	}
	if err := t.promote(ctx, g.ID); err != nil {
		return err
	}
	var (
		res sql.Result
		err error
	)
	if g.ID == 0 {
		res, err = t.tx.ExecContext(ctx,
			"INSERT INTO guide (staff_id, name, salary, version) VALUES (?, ?, ?, 0)",
			g.StaffID, g.Name, g.Salary)
	} else {
		res, err = t.tx.ExecContext(ctx,
			"INSERT INTO guide (id, staff_id, name, salary, version) VALUES (?, ?, ?, ?, 0)",
			g.ID, g.StaffID, g.Name, g.Salary)
	}
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("guide %d: %w", g.ID, lockerrors.ErrRecordExists)
		}
		return fmt.Errorf("insert guide: %w", err)
	}
	if g.ID == 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		g.ID = id
	}
	g.Version = 0
	return t.lockRow(ctx, g.ID, lock.Write)
}

func (t *tx) ConditionalUpdate(ctx context.Context, id, expectedVersion int64, f record.Fields) (int64, error) {
	if t.done {
		return 0, store.ErrTxDone
	}
	if err := t.lockRow(ctx, id, lock.Write); err != nil {
		return 0, err
	}
	res, err := t.tx.ExecContext(ctx,
		"UPDATE guide SET name = ?, salary = ?, version = version + 1 WHERE id = ? AND version = ?",
		f.Name, f.Salary, id, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("update guide %d: %w", id, err)
	}
	return res.RowsAffected()
}

func (t *tx) ConditionalDelete(ctx context.Context, id, expectedVersion int64) (int64, error) {
	if t.done {
		return 0, store.ErrTxDone
	}
	if err := t.lockRow(ctx, id, lock.Write); err != nil {
		return 0, err
	}
	res, err := t.tx.ExecContext(ctx, "DELETE FROM guide WHERE id = ? AND version = ?", id, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("delete guide %d: %w", id, err)
	}
	return res.RowsAffected()
}

func (t *tx) BulkScale(ctx context.Context, q store.Query, factor int64) (int64, error) {
	if t.done {
		return 0, store.ErrTxDone
	}
	if err := t.promote(ctx, 0); err != nil {
		return 0, err
	}
	guides, err := t.query(ctx, q)
	if err != nil {
		return 0, err
	}
	if err := t.lockAll(ctx, guides, lock.Write); err != nil {
		return 0, err
	}

	where, args := q.Where(placeholder)
	args = append([]any{factor}, args...)
	res, err := t.tx.ExecContext(ctx, "UPDATE guide SET salary = salary * ?, version = version + 1"+where, args...)
	if err != nil {
		return 0, fmt.Errorf("bulk scale: %w", err)
	}
	return res.RowsAffected()
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return store.ErrTxDone
	}
	t.done = true
	defer t.s.locks.ReleaseAll(t.id)

	if err := t.tx.Commit(); err != nil {
		return translate(fmt.Errorf("commit: %w", err), 0, "WRITE", t.s.lockTimeout)
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.s.locks.ReleaseAll(t.id)

	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func sqliteCode(err error) (int, bool) {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code(), true
	}
	return 0, false
}

func isConstraint(err error) bool {
	code, ok := sqliteCode(err)
	return ok && code&0xff == sqlite3.SQLITE_CONSTRAINT
}

// translate maps SQLITE_BUSY_SNAPSHOT to a version conflict and any other
// SQLITE_BUSY (the database-wide lock is held) to a lock timeout.
func translate(err error, key int64, mode string, waited time.Duration) error {
	code, ok := sqliteCode(err)
	switch {
	case !ok:
		return err
	case code == sqlite3.SQLITE_BUSY_SNAPSHOT:
		return fmt.Errorf("%w: guide %d read from a stale snapshot: %w", lockerrors.ErrVersionConflict, key, err)
	case code&0xff == sqlite3.SQLITE_BUSY:
		return &lockerrors.LockTimeoutError{Key: key, Mode: mode, Waited: waited, Err: err}
	}
	return err
}
