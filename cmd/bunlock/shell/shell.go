// Package shell is an interactive front end for driving several sessions by
// hand, for example to watch a WRITE lock block another session or a merge
// lose to a concurrent update.
package shell

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	lockerrors "github.com/kartikbazzad/bunbase/bunlock/internal/errors"
	"github.com/kartikbazzad/bunbase/bunlock/internal/record"
	"github.com/kartikbazzad/bunbase/bunlock/internal/session"
	"github.com/kartikbazzad/bunbase/bunlock/internal/store"
)

type Shell struct {
	factory *session.Factory

	mu       sync.Mutex
	sessions map[string]*session.Session
	current  string
	kept     map[int64]*record.Guide
}

func NewShell(f *session.Factory) *Shell {
	return &Shell{
		factory:  f,
		sessions: make(map[string]*session.Session),
		kept:     make(map[int64]*record.Guide),
	}
}

// Close ends every session still open, committing active ones.
func (s *Shell) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.Close(ctx)
	}
}

func (s *Shell) Execute(ctx context.Context, cmd *Command) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Name {
	case ".help":
		return HelpResult{}
	case ".exit", ".quit":
		for _, sess := range s.sessions {
			sess.Close(ctx)
		}
		return ExitResult{}
	case ".open":
		return s.open(ctx, cmd)
	case ".use":
		return s.use(cmd)
	case ".sessions":
		return s.list()
	case ".kept":
		return s.listKept()
	case ".edit":
		return s.edit(cmd)
	}

	sess, err := s.currentSession()
	if err != nil {
		return ErrorResult{Err: err.Error()}
	}
	switch cmd.Name {
	case ".commit":
		return s.result(sess.Commit(ctx), "committed")
	case ".rollback":
		return s.result(sess.Rollback(ctx), "rolled back")
	case ".close":
		return s.result(sess.Close(ctx), "closed")
	case ".read":
		return s.read(ctx, sess, cmd)
	case ".scan":
		return s.scan(ctx, sess, cmd)
	case ".agg":
		return s.aggregate(ctx, sess, cmd)
	case ".insert":
		return s.insert(ctx, sess, cmd)
	case ".set":
		return s.set(ctx, sess, cmd)
	case ".scale":
		return s.scale(ctx, sess, cmd)
	case ".delete":
		return s.remove(ctx, sess, cmd)
	case ".keep":
		return s.keep(sess, cmd)
	case ".merge":
		return s.merge(ctx, sess, cmd)
	default:
		return ErrorResult{Err: fmt.Sprintf("unknown command: %s", cmd.Name)}
	}
}

func (s *Shell) currentSession() (*session.Session, error) {
	if s.current == "" {
		return nil, fmt.Errorf("no current session, use .open <name>")
	}
	return s.sessions[s.current], nil
}

// result turns an error into an ErrorResult, with the friendly message for conflicts.
func (s *Shell) result(err error, ok string) Result {
	switch {
	case err == nil:
		return OKResult{Msg: ok}
	case lockerrors.IsVersionConflict(err):
		return ErrorResult{Err: lockerrors.ConflictMessage + "\n" + err.Error()}
	default:
		return ErrorResult{Err: err.Error()}
	}
}

func (s *Shell) open(ctx context.Context, cmd *Command) Result {
	if err := ValidateArgs(cmd, 1); err != nil {
		return ErrorResult{Err: err.Error()}
	}
	name := cmd.Args[0]
	if old, ok := s.sessions[name]; ok && old.State() != session.StateClosed {
		return ErrorResult{Err: fmt.Sprintf("session %s is still %s", name, old.State())}
	}
	sess := s.factory.Open()
	if err := sess.Begin(ctx); err != nil {
		return ErrorResult{Err: err.Error()}
	}
	s.sessions[name] = sess
	s.current = name
	return OKResult{Msg: fmt.Sprintf("session %s begun", name)}
}

func (s *Shell) use(cmd *Command) Result {
	if err := ValidateArgs(cmd, 1); err != nil {
		return ErrorResult{Err: err.Error()}
	}
	if _, ok := s.sessions[cmd.Args[0]]; !ok {
		return ErrorResult{Err: fmt.Sprintf("no session named %s", cmd.Args[0])}
	}
	s.current = cmd.Args[0]
	return OKResult{}
}

func (s *Shell) list() Result {
	names := make([]string, 0, len(s.sessions))
	for name := range s.sessions {
		names = append(names, name)
	}
	sort.Strings(names)

	res := SessionsResult{Current: s.current}
	for _, name := range names {
		sess := s.sessions[name]
		res.Rows = append(res.Rows, SessionRow{Name: name, State: sess.State().String(), Locks: sess.Locks()})
	}
	return res
}

func (s *Shell) read(ctx context.Context, sess *session.Session, cmd *Command) Result {
	if err := ValidateArgs(cmd, 1); err != nil {
		return ErrorResult{Err: err.Error()}
	}
	id, err := ParseID(cmd.Args[0])
	if err != nil {
		return ErrorResult{Err: err.Error()}
	}
	mode, err := modeArg(cmd, 1)
	if err != nil {
		return ErrorResult{Err: err.Error()}
	}
	g, err := sess.Read(ctx, id, mode)
	if err != nil {
		return s.result(err, "")
	}
	return GuidesResult{Guides: []*record.Guide{g}}
}

func prefixArg(cmd *Command, i int) string {
	p := arg(cmd, i, "-")
	if p == "-" {
		return ""
	}
	return p
}

func (s *Shell) scan(ctx context.Context, sess *session.Session, cmd *Command) Result {
	mode, err := modeArg(cmd, 1)
	if err != nil {
		return ErrorResult{Err: err.Error()}
	}
	guides, err := sess.BulkRead(ctx, store.Query{NamePrefix: prefixArg(cmd, 0)}, mode)
	if err != nil {
		return s.result(err, "")
	}
	return GuidesResult{Guides: guides}
}

func (s *Shell) aggregate(ctx context.Context, sess *session.Session, cmd *Command) Result {
	if err := ValidateArgs(cmd, 1); err != nil {
		return ErrorResult{Err: err.Error()}
	}
	fn, err := store.ParseAggregate(cmd.Args[0])
	if err != nil {
		return ErrorResult{Err: err.Error()}
	}
	v, err := sess.Aggregate(ctx, store.Query{NamePrefix: prefixArg(cmd, 1)}, fn)
	if err != nil {
		return s.result(err, "")
	}
	return ValueResult{Label: fn.String() + "(salary)", Value: v}
}

func (s *Shell) insert(ctx context.Context, sess *session.Session, cmd *Command) Result {
	if err := ValidateArgs(cmd, 2); err != nil {
		return ErrorResult{Err: err.Error()}
	}
	salary, err := strconv.ParseInt(cmd.Args[0], 10, 64)
	if err != nil {
		return ErrorResult{Err: fmt.Sprintf("invalid salary %q", cmd.Args[0])}
	}
	g := &record.Guide{Name: strings.Join(cmd.Args[1:], " "), Salary: salary}
	if err := sess.Insert(ctx, g); err != nil {
		return s.result(err, "")
	}
	return GuidesResult{Guides: []*record.Guide{g}}
}

// attached finds a guide the current session holds.
func attached(sess *session.Session, id int64) (*record.Guide, error) {
	for _, g := range sess.Attached() {
		if g.ID == id {
			return g, nil
		}
	}
	return nil, fmt.Errorf("guide %d: %w, use .read first", id, lockerrors.ErrRecordDetached)
}

func idAndSalary(cmd *Command) (int64, int64, error) {
	if err := ValidateArgs(cmd, 2); err != nil {
		return 0, 0, err
	}
	id, err := ParseID(cmd.Args[0])
	if err != nil {
		return 0, 0, err
	}
	salary, err := strconv.ParseInt(cmd.Args[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid salary %q", cmd.Args[1])
	}
	return id, salary, nil
}

func (s *Shell) set(ctx context.Context, sess *session.Session, cmd *Command) Result {
	id, salary, err := idAndSalary(cmd)
	if err != nil {
		return ErrorResult{Err: err.Error()}
	}
	g, err := attached(sess, id)
	if err != nil {
		return ErrorResult{Err: err.Error()}
	}
	g.Salary = salary
	if err := sess.Write(ctx, g); err != nil {
		return s.result(err, "")
	}
	return GuidesResult{Guides: []*record.Guide{g}}
}

func (s *Shell) scale(ctx context.Context, sess *session.Session, cmd *Command) Result {
	if err := ValidateArgs(cmd, 1); err != nil {
		return ErrorResult{Err: err.Error()}
	}
	factor, err := strconv.ParseInt(cmd.Args[0], 10, 64)
	if err != nil {
		return ErrorResult{Err: fmt.Sprintf("invalid factor %q", cmd.Args[0])}
	}
	n, err := sess.BulkScale(ctx, store.Query{NamePrefix: prefixArg(cmd, 1)}, factor)
	if err != nil {
		return s.result(err, "")
	}
	return ValueResult{Label: "rows updated", Value: n}
}

func (s *Shell) remove(ctx context.Context, sess *session.Session, cmd *Command) Result {
	if err := ValidateArgs(cmd, 1); err != nil {
		return ErrorResult{Err: err.Error()}
	}
	id, err := ParseID(cmd.Args[0])
	if err != nil {
		return ErrorResult{Err: err.Error()}
	}
	g, err := attached(sess, id)
	if err != nil {
		return ErrorResult{Err: err.Error()}
	}
	return s.result(sess.Delete(ctx, g), fmt.Sprintf("guide %d deleted", id))
}

func (s *Shell) keep(sess *session.Session, cmd *Command) Result {
	if err := ValidateArgs(cmd, 1); err != nil {
		return ErrorResult{Err: err.Error()}
	}
	id, err := ParseID(cmd.Args[0])
	if err != nil {
		return ErrorResult{Err: err.Error()}
	}
	g, err := attached(sess, id)
	if err != nil {
		return ErrorResult{Err: err.Error()}
	}
	s.kept[id] = g
	return OKResult{Msg: fmt.Sprintf("keeping guide %d at version %d", id, g.Version)}
}

func (s *Shell) listKept() Result {
	res := GuidesResult{}
	for _, g := range s.kept {
		res.Guides = append(res.Guides, g)
	}
	sort.Slice(res.Guides, func(i, j int) bool { return res.Guides[i].ID < res.Guides[j].ID })
	return res
}

func (s *Shell) edit(cmd *Command) Result {
	id, salary, err := idAndSalary(cmd)
	if err != nil {
		return ErrorResult{Err: err.Error()}
	}
	g, ok := s.kept[id]
	if !ok {
		return ErrorResult{Err: fmt.Sprintf("guide %d is not kept", id)}
	}
	if !g.IsDetached() {
		return ErrorResult{Err: fmt.Sprintf("guide %d is still %s, end its session first", id, g.State())}
	}
	g.Salary = salary
	return GuidesResult{Guides: []*record.Guide{g}}
}

func (s *Shell) merge(ctx context.Context, sess *session.Session, cmd *Command) Result {
	if err := ValidateArgs(cmd, 1); err != nil {
		return ErrorResult{Err: err.Error()}
	}
	id, err := ParseID(cmd.Args[0])
	if err != nil {
		return ErrorResult{Err: err.Error()}
	}
	g, ok := s.kept[id]
	if !ok {
		return ErrorResult{Err: fmt.Sprintf("guide %d is not kept", id)}
	}
	merged, err := sess.Merge(ctx, g)
	if err != nil {
		if errors.Is(err, lockerrors.ErrRecordAttached) {
			return ErrorResult{Err: fmt.Sprintf("guide %d is still attached, end its session first", id)}
		}
		return s.result(err, "")
	}
	delete(s.kept, id)
	return GuidesResult{Guides: []*record.Guide{merged}}
}
