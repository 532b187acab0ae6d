package shell

import (
	"fmt"
	"io"
	"strings"

	"github.com/kartikbazzad/bunbase/bunlock/internal/lock"
	"github.com/kartikbazzad/bunbase/bunlock/internal/record"
)

type Result interface {
	Print(w io.Writer)
	IsExit() bool
}

type ErrorResult struct {
	Err string
}

func (e ErrorResult) Print(w io.Writer) {
	fmt.Fprintln(w, "ERROR")
	fmt.Fprintln(w, e.Err)
}

func (e ErrorResult) IsExit() bool { return false }

type ExitResult struct{}

func (e ExitResult) Print(w io.Writer) {}

func (e ExitResult) IsExit() bool { return true }

type OKResult struct {
	Msg string
}

func (o OKResult) Print(w io.Writer) {
	fmt.Fprintln(w, "OK")
	if o.Msg != "" {
		fmt.Fprintln(w, o.Msg)
	}
}

func (o OKResult) IsExit() bool { return false }

type GuidesResult struct {
	Guides []*record.Guide
}

func (g GuidesResult) Print(w io.Writer) {
	if len(g.Guides) == 0 {
		fmt.Fprintln(w, "(no guides)")
		return
	}
	fmt.Fprintf(w, "%-4s %-12s %-20s %10s %8s  %s\n", "ID", "STAFF", "NAME", "SALARY", "VERSION", "STATE")
	for _, x := range g.Guides {
		fmt.Fprintf(w, "%-4d %-12s %-20s %10d %8d  %s\n", x.ID, x.StaffID, x.Name, x.Salary, x.Version, x.State())
	}
}

func (g GuidesResult) IsExit() bool { return false }

type ValueResult struct {
	Label string
	Value int64
}

func (v ValueResult) Print(w io.Writer) {
	fmt.Fprintf(w, "%s = %d\n", v.Label, v.Value)
}

func (v ValueResult) IsExit() bool { return false }

type SessionsResult struct {
	Current string
	Rows    []SessionRow
}

type SessionRow struct {
	Name  string
	State string
	Locks []lock.Lock
}

func (s SessionsResult) Print(w io.Writer) {
	if len(s.Rows) == 0 {
		fmt.Fprintln(w, "(no sessions)")
		return
	}
	for _, r := range s.Rows {
		marker := " "
		if r.Name == s.Current {
			marker = "*"
		}
		locks := make([]string, 0, len(r.Locks))
		for _, l := range r.Locks {
			locks = append(locks, fmt.Sprintf("%d:%s", l.Key, l.Mode))
		}
		fmt.Fprintf(w, "%s %-10s %-7s locks=[%s]\n", marker, r.Name, r.State, strings.Join(locks, " "))
	}
}

func (s SessionsResult) IsExit() bool { return false }

type HelpResult struct{}

func (h HelpResult) Print(w io.Writer) {
	fmt.Fprintln(w, "bunlock shell commands:")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Meta:")
	fmt.Fprintln(w, "  .help                          Show this help message")
	fmt.Fprintln(w, "  .exit                          Close every session and exit")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Sessions:")
	fmt.Fprintln(w, "  .open <name>                   Open and begin a session, make it current")
	fmt.Fprintln(w, "  .use <name>                    Switch the current session")
	fmt.Fprintln(w, "  .sessions                      List sessions and their locks")
	fmt.Fprintln(w, "  .commit | .rollback | .close   End the current session")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Data (current session):")
	fmt.Fprintln(w, "  .read <id> [none|read|write]   Read a guide, optionally locking it")
	fmt.Fprintln(w, "  .scan [prefix] [mode]          Read guides whose name starts with prefix (- for all)")
	fmt.Fprintln(w, "  .agg <count|sum|min|max> [prefix]")
	fmt.Fprintln(w, "  .insert <salary> <name...>     Insert a guide")
	fmt.Fprintln(w, "  .set <id> <salary>             Change an attached guide's salary and write it")
	fmt.Fprintln(w, "  .scale <factor> [prefix]       WRITE-lock matching guides and multiply salaries")
	fmt.Fprintln(w, "  .delete <id>                   Delete an attached guide")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Conversations:")
	fmt.Fprintln(w, "  .keep <id>                     Keep the current session's guide; it detaches when the session ends")
	fmt.Fprintln(w, "  .kept                          List kept guides")
	fmt.Fprintln(w, "  .edit <id> <salary>            Change a kept, detached guide")
	fmt.Fprintln(w, "  .merge <id>                    Merge a kept guide into the current session")
}

func (h HelpResult) IsExit() bool { return false }
