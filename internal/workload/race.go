// Package workload simulates concurrent users updating the same guide so the
// two locking strategies can be compared under contention.
package workload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kartikbazzad/bunbase/bunlock/internal/config"
	"github.com/kartikbazzad/bunbase/bunlock/internal/conversation"
	lockerrors "github.com/kartikbazzad/bunbase/bunlock/internal/errors"
	"github.com/kartikbazzad/bunbase/bunlock/internal/lock"
	"github.com/kartikbazzad/bunbase/bunlock/internal/record"
	"github.com/kartikbazzad/bunbase/bunlock/internal/session"
	"github.com/panjf2000/ants/v2"
)

// Strategy selects how each simulated user updates the guide.
type Strategy int

const (
	// Optimistic users read in one session, raise the salary detached, and
	// merge in a second session. Losers get a version conflict.
	Optimistic Strategy = iota
	// Pessimistic users WRITE-lock the guide and update it in one session.
	// They queue instead of conflicting.
	Pessimistic
)

func (s Strategy) String() string {
	if s == Pessimistic {
		return "pessimistic"
	}
	return "optimistic"
}

func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "optimistic", "":
		return Optimistic, nil
	case "pessimistic":
		return Pessimistic, nil
	}
	return Optimistic, fmt.Errorf("unknown strategy %q", s)
}

// Result summarizes a race.
type Result struct {
	Strategy  Strategy
	Users     int
	Committed int64
	Conflicts int64
	Timeouts  int64
	Failed    int64
	Before    record.Guide
	After     record.Guide
	Elapsed   time.Duration
}

// LostUpdates is the number of committed raises missing from the final salary.
// Every user adds 1, so anything other than zero means a write was overwritten.
func (r Result) LostUpdates() int64 {
	return r.Before.Salary + r.Committed - r.After.Salary
}

type Runner struct {
	factory *session.Factory
	coord   *conversation.Coordinator
	log     *slog.Logger
	users   int
	workers int
}

func NewRunner(f *session.Factory, coord *conversation.Coordinator, cfg config.WorkloadConfig, log *slog.Logger) *Runner {
	users := cfg.Users
	if users <= 0 {
		users = 1
	}
	workers := cfg.Workers
	if workers <= 0 || workers > users {
		workers = users
	}
	return &Runner{factory: f, coord: coord, log: log, users: users, workers: workers}
}

// Race has every user raise the salary of guide id by one.
func (r *Runner) Race(ctx context.Context, id int64, strategy Strategy) (Result, error) {
	res := Result{Strategy: strategy, Users: r.users}

	before, err := r.snapshot(ctx, id)
	if err != nil {
		return res, err
	}
	res.Before = before

	pool, err := ants.NewPool(r.workers, ants.WithPanicHandler(func(v any) {
		r.log.Error("Workload user panic", "panic", v)
	}))
	if err != nil {
		return res, fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	// When every user has its own worker, hold the merges until all users have
	// read so the optimistic run actually contends.
	var read sync.WaitGroup
	gate := make(chan struct{})
	barrier := r.workers >= r.users
	if barrier {
		read.Add(r.users)
	} else {
		close(gate)
	}

	var (
		wg                                  sync.WaitGroup
		committed, conflicts, timeouts, bad atomic.Int64
	)
	start := time.Now()
	for i := 0; i < r.users; i++ {
		wg.Add(1)
		user := i + 1
		task := func() {
			defer wg.Done()
			var err error
			if strategy == Pessimistic {
				err = r.pessimisticRaise(ctx, id, barrier, &read, gate)
			} else {
				err = r.optimisticRaise(ctx, id, barrier, &read, gate)
			}
			switch {
			case err == nil:
				committed.Add(1)
			case lockerrors.IsVersionConflict(err):
				conflicts.Add(1)
				r.log.Debug("User lost the race", "user", user)
			case lockerrors.IsLockTimeout(err):
				timeouts.Add(1)
			default:
				bad.Add(1)
				r.log.Error("User failed", "user", user, "error", err)
			}
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			if barrier {
				read.Done()
			}
			bad.Add(1)
			r.log.Error("Failed to submit user", "user", user, "error", err)
		}
	}
	if barrier {
		read.Wait()
		close(gate)
	}
	wg.Wait()

	res.Elapsed = time.Since(start)
	res.Committed, res.Conflicts, res.Timeouts, res.Failed = committed.Load(), conflicts.Load(), timeouts.Load(), bad.Load()
	after, err := r.snapshot(ctx, id)
	if err != nil {
		return res, err
	}
	res.After = after
	return res, nil
}

func (r *Runner) optimisticRaise(ctx context.Context, id int64, barrier bool, read *sync.WaitGroup, gate <-chan struct{}) error {
	cv, err := r.coord.Start(ctx, id)
	if barrier {
		read.Done()
	}
	if err != nil {
		return err
	}
	<-gate
	if err := cv.Mutate(func(g *record.Guide) error {
		g.Salary++
		return nil
	}); err != nil {
		return err
	}
	_, err = cv.Finish(ctx)
	return err
}

func (r *Runner) pessimisticRaise(ctx context.Context, id int64, barrier bool, read *sync.WaitGroup, gate <-chan struct{}) error {
	if barrier {
		read.Done()
	}
	<-gate

	s := r.factory.Open()
	if err := s.Begin(ctx); err != nil {
		return err
	}
	g, err := s.Read(ctx, id, lock.Write)
	if err != nil {
		s.Rollback(ctx)
		return err
	}
	g.Salary++
	if err := s.Write(ctx, g); err != nil {
		return err
	}
	return s.Commit(ctx)
}

func (r *Runner) snapshot(ctx context.Context, id int64) (record.Guide, error) {
	s := r.factory.Open()
	if err := s.Begin(ctx); err != nil {
		return record.Guide{}, err
	}
	defer s.Close(ctx)
	g, err := s.Read(ctx, id, lock.None)
	if err != nil {
		return record.Guide{}, err
	}
	return g.Value(), nil
}
