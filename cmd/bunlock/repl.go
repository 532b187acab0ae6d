package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kartikbazzad/bunbase/bunlock/cmd/bunlock/shell"
	"github.com/peterh/liner"
)

const prompt = "bunlock> "

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".bunlock_history")
}

func runShell(ctx context.Context, a *app, out io.Writer) error {
	sh := shell.NewShell(a.factory)
	defer sh.Close(context.WithoutCancel(ctx))

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	if p := historyPath(); p != "" {
		if f, err := os.Open(p); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
		defer func() {
			if f, err := os.Create(p); err == nil {
				line.WriteHistory(f)
				f.Close()
			}
		}()
	}

	fmt.Fprintf(out, "bunlock shell (%s store). Type '.help' for commands.\n\n", a.cfg.Store.Driver)

	for {
		input, err := line.Prompt(prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(out)
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		cmd, err := shell.Parse(input)
		if err != nil {
			shell.ErrorResult{Err: err.Error()}.Print(out)
			fmt.Fprintln(out)
			continue
		}

		result := sh.Execute(ctx, cmd)
		if result.IsExit() {
			return nil
		}
		result.Print(out)
		fmt.Fprintln(out)
	}
}
