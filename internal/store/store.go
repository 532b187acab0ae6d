// Package store defines the storage collaborator the session layer runs on.
//
// Implementations live in subpackages: memstore (in-process, native lock table),
// sqlstore (database/sql on SQLite) and pgstore (PostgreSQL via pgx). Every
// implementation must provide:
//   - transactions with Begin/Commit/Rollback, Rollback being idempotent
//   - an atomic conditional update that matches on (id, version), bumps the
//     version and reports rows affected; the updated row stays write-locked until
//     the transaction ends
//   - row locks in READ/WRITE mode held until the transaction ends, failing with
//     errors.ErrLockTimeout when the store's wait window elapses
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kartikbazzad/bunbase/bunlock/internal/lock"
	"github.com/kartikbazzad/bunbase/bunlock/internal/record"
)

// ErrTxDone is returned by Commit, and by data operations, on a transaction that
// has already been committed or rolled back.
var ErrTxDone = errors.New("transaction has already been committed or rolled back")

// Store opens transactions against the guide table.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is one transaction. It is not safe for concurrent use.
type Tx interface {
	// ID identifies the transaction as a lock owner.
	ID() string

	// ReadCurrentVersion returns the version visible to this transaction.
	ReadCurrentVersion(ctx context.Context, id int64) (int64, error)
	// Get and Scan read committed rows plus this transaction's own writes. With a
	// mode other than lock.None the matching rows are locked first and read after
	// the lock is granted, in ascending id order.
	Get(ctx context.Context, id int64, mode lock.Mode) (record.Guide, error)
	Scan(ctx context.Context, q Query, mode lock.Mode) ([]record.Guide, error)
	Aggregate(ctx context.Context, q Query, fn AggregateFunc) (int64, error)

	// Insert assigns g.ID (when zero) and stores g at version 0.
	Insert(ctx context.Context, g *record.Guide) error
	ConditionalUpdate(ctx context.Context, id, expectedVersion int64, f record.Fields) (int64, error)
	ConditionalDelete(ctx context.Context, id, expectedVersion int64) (int64, error)
	// BulkScale multiplies the salary of every matching row by factor and bumps
	// each row's version. It returns the number of rows updated.
	BulkScale(ctx context.Context, q Query, factor int64) (int64, error)

	AcquireRowLock(ctx context.Context, id int64, mode lock.Mode) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Query selects guides. The zero Query selects every row.
type Query struct {
	IDs        []int64 // restrict to these identities
	NamePrefix string  // restrict to names starting with this prefix
}

// All selects every guide.
func All() Query { return Query{} }

// ByIDs selects the given identities.
func ByIDs(ids ...int64) Query { return Query{IDs: ids} }

// Match applies the query to a guide held in memory.
func (q Query) Match(g *record.Guide) bool {
	if len(q.IDs) > 0 {
		found := false
		for _, id := range q.IDs {
			if id == g.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return strings.HasPrefix(g.Name, q.NamePrefix)
}

// AggregateFunc is an aggregate over the salary column.
type AggregateFunc int

const (
	Count AggregateFunc = iota
	Sum
	Min
	Max
)

func (f AggregateFunc) String() string {
	switch f {
	case Count:
		return "count"
	case Sum:
		return "sum"
	case Min:
		return "min"
	case Max:
		return "max"
	default:
		return fmt.Sprintf("AggregateFunc(%d)", int(f))
	}
}

// SQL returns the SQL expression for the aggregate. COALESCE keeps empty sets at 0.
func (f AggregateFunc) SQL() string {
	switch f {
	case Sum:
		return "COALESCE(SUM(salary), 0)"
	case Min:
		return "COALESCE(MIN(salary), 0)"
	case Max:
		return "COALESCE(MAX(salary), 0)"
	default:
		return "COUNT(*)"
	}
}

// ParseAggregate accepts count/sum/min/max.
func ParseAggregate(s string) (AggregateFunc, error) {
	switch strings.ToLower(s) {
	case "count":
		return Count, nil
	case "sum":
		return Sum, nil
	case "min":
		return Min, nil
	case "max":
		return Max, nil
	}
	return Count, fmt.Errorf("unknown aggregate %q", s)
}

// Fold computes fn over guides in memory.
func Fold(guides []record.Guide, fn AggregateFunc) int64 {
	if fn == Count {
		return int64(len(guides))
	}
	if len(guides) == 0 {
		return 0
	}
	acc := guides[0].Salary
	for _, g := range guides[1:] {
		switch fn {
		case Sum:
			acc += g.Salary
		case Min:
			if g.Salary < acc {
				acc = g.Salary
			}
		case Max:
			if g.Salary > acc {
				acc = g.Salary
			}
		}
	}
	return acc
}

// Where renders q as a SQL predicate using placeholder(i) for the i-th (1-based)
// argument, so the same query works for "?" and "$n" dialects.
func (q Query) Where(placeholder func(i int) string) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(q.IDs) > 0 {
		marks := make([]string, len(q.IDs))
		for i, id := range q.IDs {
			args = append(args, id)
			marks[i] = placeholder(len(args))
		}
		clauses = append(clauses, "id IN ("+strings.Join(marks, ", ")+")")
	}
	if q.NamePrefix != "" {
		args = append(args, escapeLike(q.NamePrefix)+"%")
		clauses = append(clauses, "name LIKE "+placeholder(len(args))+" ESCAPE '\\'")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
