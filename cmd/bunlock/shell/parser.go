package shell

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kartikbazzad/bunbase/bunlock/internal/lock"
)

type Command struct {
	Name string
	Args []string
	Line string
}

func Parse(line string) (*Command, error) {
	line = strings.TrimSpace(line)
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	if !strings.HasPrefix(parts[0], ".") {
		return nil, fmt.Errorf("commands must start with '.'")
	}
	return &Command{Name: parts[0], Args: parts[1:], Line: line}, nil
}

func ValidateArgs(cmd *Command, count int) error {
	if len(cmd.Args) < count {
		return fmt.Errorf("expected %d argument(s), got %d", count, len(cmd.Args))
	}
	return nil
}

func ParseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid guide id %q", s)
	}
	return id, nil
}

// arg returns the i-th argument or def when absent.
func arg(cmd *Command, i int, def string) string {
	if i < len(cmd.Args) {
		return cmd.Args[i]
	}
	return def
}

// modeArg parses an optional lock mode argument, defaulting to none.
func modeArg(cmd *Command, i int) (lock.Mode, error) {
	return lock.ParseMode(arg(cmd, i, "none"))
}
