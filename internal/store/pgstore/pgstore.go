// Package pgstore is a Store on PostgreSQL through a pgx connection pool.
//
// Row locks are PostgreSQL's own: SELECT ... FOR SHARE for READ and
// SELECT ... FOR UPDATE for WRITE, held until the transaction ends. Each
// transaction sets lock_timeout so waits fail with lock_not_available (55P03),
// which is reported as ErrLockTimeout.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	lockerrors "github.com/kartikbazzad/bunbase/bunlock/internal/errors"
	"github.com/kartikbazzad/bunbase/bunlock/internal/lock"
	"github.com/kartikbazzad/bunbase/bunlock/internal/record"
	"github.com/kartikbazzad/bunbase/bunlock/internal/store"
)

const DefaultLockTimeout = 5 * time.Second

const (
	codeLockNotAvailable = "55P03"
	codeUniqueViolation  = "23505"
)

const schema = `
CREATE TABLE IF NOT EXISTS guide (
	id       BIGSERIAL PRIMARY KEY,
	staff_id TEXT   NOT NULL DEFAULT '',
	name     TEXT   NOT NULL,
	salary   BIGINT NOT NULL,
	version  BIGINT NOT NULL DEFAULT 0
)`

const selectCols = "SELECT id, staff_id, name, salary, version FROM guide"

// Store wraps the Postgres connection pool
type Store struct {
	Pool        *pgxpool.Pool
	lockTimeout time.Duration
}

type Option func(*Store)

// WithLockTimeout sets lock_timeout for every transaction. Zero disables it.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// Open connects to dsn, verifies the connection and ensures the guide table exists.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(connectCtx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create guide table: %w", err)
	}

	s := &Store{Pool: pool, lockTimeout: DefaultLockTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.Pool.Close()
	return nil
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	pgTx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	// SET does not take bind parameters.
	if _, err := pgTx.Exec(ctx, "SET LOCAL lock_timeout = "+strconv.FormatInt(s.lockTimeout.Milliseconds(), 10)); err != nil {
		pgTx.Rollback(ctx)
		return nil, fmt.Errorf("set lock_timeout: %w", err)
	}
	return &tx{s: s, tx: pgTx, id: uuid.NewString()}, nil
}

type tx struct {
	s    *Store
	tx   pgx.Tx
	id   string
	done bool
}

func (t *tx) ID() string { return t.id }

func placeholder(i int) string { return "$" + strconv.Itoa(i) }

func lockClause(mode lock.Mode) string {
	switch mode {
	case lock.Read:
		return " FOR SHARE"
	case lock.Write:
		return " FOR UPDATE"
	default:
		return ""
	}
}

// translate maps lock_not_available to a lock timeout.
func (t *tx) translate(err error, key int64, mode lock.Mode) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeLockNotAvailable {
		return &lockerrors.LockTimeoutError{Key: key, Mode: mode.String(), Waited: t.s.lockTimeout, Err: err}
	}
	return err
}

func scanGuide(row pgx.Row) (record.Guide, error) {
	var g record.Guide
	err := row.Scan(&g.ID, &g.StaffID, &g.Name, &g.Salary, &g.Version)
	return g, err
}

func (t *tx) ReadCurrentVersion(ctx context.Context, id int64) (int64, error) {
	if t.done {
		return 0, store.ErrTxDone
	}
	var v int64
	err := t.tx.QueryRow(ctx, "SELECT version FROM guide WHERE id = $1", id).Scan(&v)
	if err == pgx.ErrNoRows {
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
	g, err := scanGuide(t.tx.QueryRow(ctx, selectCols+" WHERE id = $1"+lockClause(mode), id))
	if err == pgx.ErrNoRows {
		return record.Guide{}, fmt.Errorf("guide %d: %w", id, lockerrors.ErrRecordNotFound)
	}
	if err != nil {
		return record.Guide{}, t.translate(fmt.Errorf("get guide %d: %w", id, err), id, mode)
	}
	return g, nil
}

func (t *tx) Scan(ctx context.Context, q store.Query, mode lock.Mode) ([]record.Guide, error) {
	if t.done {
		return nil, store.ErrTxDone
	}
	where, args := q.Where(placeholder)
	rows, err := t.tx.Query(ctx, selectCols+where+" ORDER BY id"+lockClause(mode), args...)
	if err != nil {
		return nil, t.translate(fmt.Errorf("scan guides: %w", err), 0, mode)
	}
	guides, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (record.Guide, error) {
		return scanGuide(row)
	})
	if err != nil {
		return nil, t.translate(fmt.Errorf("scan guides: %w", err), 0, mode)
	}
	return guides, nil
}

func (t *tx) Aggregate(ctx context.Context, q store.Query, fn store.AggregateFunc) (int64, error) {
	if t.done {
		return 0, store.ErrTxDone
	}
	where, args := q.Where(placeholder)
	var v int64
	if err := t.tx.QueryRow(ctx, "SELECT "+fn.SQL()+"::BIGINT FROM guide"+where, args...).Scan(&v); err != nil {
		return 0, fmt.Errorf("aggregate %s: %w", fn, err)
	}
	return v, nil
}

func (t *tx) Insert(ctx context.Context, g *record.Guide) error {
	if t.done {
		return store.ErrTxDone
	}
	var err error
	if g.ID == 0 {
		err = t.tx.QueryRow(ctx,
			"INSERT INTO guide (staff_id, name, salary, version) VALUES ($1, $2, $3, 0) RETURNING id",
			g.StaffID, g.Name, g.Salary).Scan(&g.ID)
	} else {
		// ON CONFLICT keeps the transaction usable when the identity is taken.
		var id int64
		err = t.tx.QueryRow(ctx,
			"INSERT INTO guide (id, staff_id, name, salary, version) VALUES ($1, $2, $3, $4, 0) ON CONFLICT (id) DO NOTHING RETURNING id",
			g.ID, g.StaffID, g.Name, g.Salary).Scan(&id)
		if err == pgx.ErrNoRows {
			return fmt.Errorf("guide %d: %w", g.ID, lockerrors.ErrRecordExists)
		}
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
			return fmt.Errorf("guide %d: %w", g.ID, lockerrors.ErrRecordExists)
		}
		return fmt.Errorf("insert guide: %w", err)
	}
	g.Version = 0
	return nil
}

func (t *tx) ConditionalUpdate(ctx context.Context, id, expectedVersion int64, f record.Fields) (int64, error) {
	if t.done {
		return 0, store.ErrTxDone
	}
	tag, err := t.tx.Exec(ctx,
		"UPDATE guide SET name = $1, salary = $2, version = version + 1 WHERE id = $3 AND version = $4",
		f.Name, f.Salary, id, expectedVersion)
	if err != nil {
		return 0, t.translate(fmt.Errorf("update guide %d: %w", id, err), id, lock.Write)
	}
	return tag.RowsAffected(), nil
}

func (t *tx) ConditionalDelete(ctx context.Context, id, expectedVersion int64) (int64, error) {
	if t.done {
		return 0, store.ErrTxDone
	}
	tag, err := t.tx.Exec(ctx, "DELETE FROM guide WHERE id = $1 AND version = $2", id, expectedVersion)
	if err != nil {
		return 0, t.translate(fmt.Errorf("delete guide %d: %w", id, err), id, lock.Write)
	}
	return tag.RowsAffected(), nil
}

func (t *tx) BulkScale(ctx context.Context, q store.Query, factor int64) (int64, error) {
	if t.done {
		return 0, store.ErrTxDone
	}
	// Lock in id order first so concurrent bulk updates queue instead of interleaving.
	if _, err := t.Scan(ctx, q, lock.Write); err != nil {
		return 0, err
	}
	where, args := q.Where(func(i int) string { return placeholder(i + 1) })
	args = append([]any{factor}, args...)
	tag, err := t.tx.Exec(ctx, "UPDATE guide SET salary = salary * $1, version = version + 1"+where, args...)
	if err != nil {
		return 0, t.translate(fmt.Errorf("bulk scale: %w", err), 0, lock.Write)
	}
	return tag.RowsAffected(), nil
}

func (t *tx) AcquireRowLock(ctx context.Context, id int64, mode lock.Mode) error {
	if t.done {
		return store.ErrTxDone
	}
	if mode == lock.None {
		return nil
	}
	var got int64
	err := t.tx.QueryRow(ctx, "SELECT id FROM guide WHERE id = $1"+lockClause(mode), id).Scan(&got)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("guide %d: %w", id, lockerrors.ErrRecordNotFound)
	}
	if err != nil {
		return t.translate(fmt.Errorf("lock guide %d: %w", id, err), id, mode)
	}
	return nil
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return store.ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}
