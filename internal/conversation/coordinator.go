// Package conversation runs business interactions that span two sessions
// without holding locks in between: a guide is read and detached by one
// session, mutated with no store connection held, then merged by a second
// session whose version check decides whether the change commits.
//
// A conflict is final. The coordinator rolls back and reports it; re-reading
// and re-applying the business decision is up to the caller.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	lockerrors "github.com/kartikbazzad/bunbase/bunlock/internal/errors"
	"github.com/kartikbazzad/bunbase/bunlock/internal/lock"
	"github.com/kartikbazzad/bunbase/bunlock/internal/logger"
	"github.com/kartikbazzad/bunbase/bunlock/internal/metrics"
	"github.com/kartikbazzad/bunbase/bunlock/internal/record"
	"github.com/kartikbazzad/bunbase/bunlock/internal/session"
)

// Phase is the position of a conversation in its state machine:
// Start → Read → Detached → Mutated → Merging → {Committed | Conflicted | Failed}.
type Phase int

const (
	PhaseStart Phase = iota
	PhaseRead
	PhaseDetached
	PhaseMutated
	PhaseMerging
	PhaseCommitted
	PhaseConflicted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhaseRead:
		return "read"
	case PhaseDetached:
		return "detached"
	case PhaseMutated:
		return "mutated"
	case PhaseMerging:
		return "merging"
	case PhaseCommitted:
		return "committed"
	case PhaseConflicted:
		return "conflicted"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Terminal reports whether no further step is possible.
func (p Phase) Terminal() bool {
	return p == PhaseCommitted || p == PhaseConflicted || p == PhaseFailed
}

// Coordinator opens the sessions of each conversation from one factory.
type Coordinator struct {
	factory *session.Factory
	log     *slog.Logger
}

func NewCoordinator(f *session.Factory, log *slog.Logger) *Coordinator {
	if log == nil {
		log = logger.Get()
	}
	return &Coordinator{factory: f, log: log}
}

// Conversation is one detach, mutate, merge interaction over a single guide.
type Conversation struct {
	id  string
	c   *Coordinator
	log *slog.Logger

	mu     sync.Mutex
	phase  Phase
	guide  *record.Guide // detached working copy
	result *record.Guide
	err    error
}

func (c *Coordinator) newConversation() *Conversation {
	id := uuid.NewString()
	return &Conversation{id: id, c: c, log: c.log.With("conversation", id)}
}

// Start reads the guide in a first session and closes it, leaving the
// conversation Detached with the guide's version carried along.
func (c *Coordinator) Start(ctx context.Context, id int64) (*Conversation, error) {
	cv := c.newConversation()
	cv.phase = PhaseRead

	s := c.factory.Open()
	if err := s.Begin(ctx); err != nil {
		return cv, cv.fail(err)
	}
	g, err := s.Read(ctx, id, lock.None)
	if err != nil {
		s.Rollback(ctx)
		return cv, cv.fail(err)
	}
	if err := s.Close(ctx); err != nil {
		return cv, cv.fail(err)
	}

	cv.guide = g
	cv.phase = PhaseDetached
	cv.log.Debug("detached", "id", g.ID, "version", g.Version)
	return cv, nil
}

// Resume builds a conversation around a guide detached elsewhere, for example
// a copy a client read earlier and sent back with its version. It starts in
// Mutated, ready for Finish.
func (c *Coordinator) Resume(detached record.Guide) *Conversation {
	cv := c.newConversation()
	g := detached.Clone()
	cv.guide = g
	cv.phase = PhaseMutated
	return cv
}

// Run sequences Start, Mutate and Finish.
func (c *Coordinator) Run(ctx context.Context, id int64, fn func(g *record.Guide) error) (*record.Guide, error) {
	cv, err := c.Start(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := cv.Mutate(fn); err != nil {
		return nil, err
	}
	return cv.Finish(ctx)
}

func (cv *Conversation) ID() string { return cv.id }

func (cv *Conversation) Phase() Phase {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return cv.phase
}

// Guide returns a copy of the detached working guide.
func (cv *Conversation) Guide() record.Guide {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	if cv.guide == nil {
		return record.Guide{}
	}
	return cv.guide.Value()
}

// Err returns the error that ended the conversation, if any.
func (cv *Conversation) Err() error {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return cv.err
}

// Mutate applies fn to the detached guide. Only the business fields (name,
// salary) may change; identity and version are restored after fn returns.
// It may be called repeatedly before Finish.
func (cv *Conversation) Mutate(fn func(g *record.Guide) error) error {
	cv.mu.Lock()
	defer cv.mu.Unlock()

	if cv.phase != PhaseDetached && cv.phase != PhaseMutated {
		return fmt.Errorf("%w: mutate in phase %s", lockerrors.ErrConversationState, cv.phase)
	}
	id, staff, version := cv.guide.ID, cv.guide.StaffID, cv.guide.Version
	if err := fn(cv.guide); err != nil {
		return fmt.Errorf("mutate guide %d: %w", id, err)
	}
	cv.guide.ID, cv.guide.StaffID, cv.guide.Version = id, staff, version
	cv.phase = PhaseMutated
	return nil
}

// Finish merges the mutated guide in a second session and commits. On a
// version conflict the session is rolled back and the conversation ends
// Conflicted; any other error ends it Failed. The returned guide is the
// committed value, detached.
func (cv *Conversation) Finish(ctx context.Context) (*record.Guide, error) {
	cv.mu.Lock()
	defer cv.mu.Unlock()

	if cv.phase != PhaseMutated {
		return nil, fmt.Errorf("%w: finish in phase %s", lockerrors.ErrConversationState, cv.phase)
	}
	cv.phase = PhaseMerging

	s := cv.c.factory.Open()
	if err := s.Begin(ctx); err != nil {
		return nil, cv.fail(err)
	}
	merged, err := s.Merge(ctx, cv.guide)
	if err != nil {
		s.Rollback(ctx)
		return nil, cv.fail(err)
	}
	if err := s.Commit(ctx); err != nil {
		return nil, cv.fail(err)
	}

	cv.result = merged
	cv.phase = PhaseCommitted
	metrics.ConversationsTotal.WithLabelValues(cv.phase.String()).Inc()
	cv.log.Debug("committed", "id", merged.ID, "version", merged.Version)
	return merged, nil
}

// fail records a terminal error. Must be called with cv.mu held or before the
// conversation is shared.
func (cv *Conversation) fail(err error) error {
	if lockerrors.IsVersionConflict(err) {
		cv.phase = PhaseConflicted
		cv.log.Warn("conversation conflicted", "error", err)
	} else {
		cv.phase = PhaseFailed
		cv.log.Error("conversation failed", "error", err)
	}
	cv.err = err
	metrics.ConversationsTotal.WithLabelValues(cv.phase.String()).Inc()
	return err
}
