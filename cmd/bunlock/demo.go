package main

import (
	"context"
	"fmt"
	"io"

	"github.com/kartikbazzad/bunbase/bunlock/internal/conversation"
	lockerrors "github.com/kartikbazzad/bunbase/bunlock/internal/errors"
	"github.com/kartikbazzad/bunbase/bunlock/internal/lock"
	"github.com/kartikbazzad/bunbase/bunlock/internal/record"
	"github.com/kartikbazzad/bunbase/bunlock/internal/store"
	"github.com/kartikbazzad/bunbase/bunlock/internal/workload"
)

// runOptimistic plays two users editing the same guide in overlapping
// conversations. User1 merges first and wins; User2 merges a stale copy.
func (a *app) runOptimistic(ctx context.Context, out, errOut io.Writer) error {
	id, err := a.firstGuide(ctx)
	if err != nil {
		return err
	}

	user1, err := a.coord.Start(ctx, id)
	if err != nil {
		return err
	}
	user2, err := a.coord.Start(ctx, id)
	if err != nil {
		return err
	}
	g := user1.Guide()
	fmt.Fprintf(out, "Both users read %s (salary %d, version %d)\n", g.Name, g.Salary, g.Version)

	for _, step := range []struct {
		name   string
		salary int64
		cv     *conversation.Conversation
	}{
		{"User1", 3000, user1},
		{"User2", 4000, user2},
	} {
		salary := step.salary
		if err := step.cv.Mutate(func(g *record.Guide) error {
			g.Salary = salary
			return nil
		}); err != nil {
			return err
		}
		merged, err := step.cv.Finish(ctx)
		switch {
		case err == nil:
			fmt.Fprintf(out, "%s set salary to %d, version is now %d\n", step.name, merged.Salary, merged.Version)
		case lockerrors.IsVersionConflict(err):
			fmt.Fprintln(errOut, lockerrors.ConflictMessage)
			a.log.Debug("Merge rejected", "user", step.name, "error", err)
		default:
			return err
		}
	}
	return a.printGuides(ctx, out, store.ByIDs(id))
}

// runPessimistic lists and sums the guides under READ locks, then again under
// WRITE locks before multiplying every salary by factor.
func (a *app) runPessimistic(ctx context.Context, out io.Writer, factor int64) error {
	for _, mode := range []lock.Mode{lock.Read, lock.Write} {
		s := a.factory.Open()
		if err := s.Begin(ctx); err != nil {
			return err
		}
		guides, err := s.BulkRead(ctx, store.All(), mode)
		if err != nil {
			s.Rollback(ctx)
			return err
		}
		fmt.Fprintf(out, "-- %s locked --\n", mode)
		for _, g := range guides {
			fmt.Fprintf(out, "Name: %s, Salary: %d\n", g.Name, g.Salary)
		}
		sum, err := s.Aggregate(ctx, store.All(), store.Sum)
		if err != nil {
			s.Rollback(ctx)
			return err
		}
		fmt.Fprintf(out, "The total salary of all the guides is %d\n", sum)

		if mode == lock.Write {
			n, err := s.BulkScale(ctx, store.All(), factor)
			if err != nil {
				s.Rollback(ctx)
				return err
			}
			fmt.Fprintf(out, "Raised %d salaries %d times\n", n, factor)
		}
		if err := s.Commit(ctx); err != nil {
			return err
		}
	}
	return a.printGuides(ctx, out, store.All())
}

func (a *app) runRace(ctx context.Context, out io.Writer, strategy workload.Strategy) error {
	id, err := a.firstGuide(ctx)
	if err != nil {
		return err
	}
	r := workload.NewRunner(a.factory, a.coord, a.cfg.Workload, a.log)
	res, err := r.Race(ctx, id, strategy)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "strategy:     %s\n", res.Strategy)
	fmt.Fprintf(out, "users:        %d\n", res.Users)
	fmt.Fprintf(out, "committed:    %d\n", res.Committed)
	fmt.Fprintf(out, "conflicts:    %d\n", res.Conflicts)
	fmt.Fprintf(out, "timeouts:     %d\n", res.Timeouts)
	fmt.Fprintf(out, "failed:       %d\n", res.Failed)
	fmt.Fprintf(out, "salary:       %d -> %d\n", res.Before.Salary, res.After.Salary)
	fmt.Fprintf(out, "version:      %d -> %d\n", res.Before.Version, res.After.Version)
	fmt.Fprintf(out, "lost updates: %d\n", res.LostUpdates())
	fmt.Fprintf(out, "elapsed:      %s\n", res.Elapsed)
	return nil
}

func (a *app) printGuides(ctx context.Context, out io.Writer, q store.Query) error {
	s := a.factory.Open()
	if err := s.Begin(ctx); err != nil {
		return err
	}
	defer s.Close(ctx)
	guides, err := s.BulkRead(ctx, q, lock.None)
	if err != nil {
		return err
	}
	for _, g := range guides {
		v := g.Value()
		fmt.Fprintln(out, v.String())
	}
	return nil
}
