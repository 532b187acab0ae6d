package record

import (
	"context"
	"fmt"

	lockerrors "github.com/kartikbazzad/bunbase/bunlock/internal/errors"
)

// Updater is the store primitive behind optimistic locking: an atomic
// "UPDATE ... WHERE id = ? AND version = ?" that bumps the version and reports
// how many rows matched (0 or 1).
type Updater interface {
	ConditionalUpdate(ctx context.Context, id, expectedVersion int64, f Fields) (int64, error)
}

// CheckAndBump writes g through u if g.Version equals current, the store's
// authoritative version read in the same transaction. On success g.Version is
// bumped to match the store. On mismatch, or if the conditional update matches no
// row, it returns a ConflictError and neither g nor the store is modified.
func CheckAndBump(ctx context.Context, u Updater, g *Guide, current int64) error {
	if g.Version != current {
		return lockerrors.NewConflict(g.ID, g.Version, current)
	}

	n, err := u.ConditionalUpdate(ctx, g.ID, g.Version, g.Fields())
	if err != nil {
		return fmt.Errorf("conditional update of guide %d: %w", g.ID, err)
	}
	switch n {
	case 1:
		g.Version++
		return nil
	case 0:
		// Someone bumped the row between our read and the update.
		return lockerrors.NewConflict(g.ID, g.Version, -1)
	default:
		return fmt.Errorf("conditional update of guide %d affected %d rows", g.ID, n)
	}
}
