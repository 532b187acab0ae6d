package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kartikbazzad/bunbase/bunlock/internal/api"
	"github.com/kartikbazzad/bunbase/bunlock/internal/config"
	"github.com/kartikbazzad/bunbase/bunlock/internal/store"
	"github.com/kartikbazzad/bunbase/bunlock/internal/workload"
	"github.com/spf13/cobra"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "bunlock",
	Short: "Optimistic and pessimistic locking over a shared guide store",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
	SilenceUsage: true,
}

// withApp opens the store, seeds it if empty and runs fn.
func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.seed(ctx)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	if n > 0 {
		a.log.Info("Seeded demo guides", "count", n)
	}
	return fn(ctx, a)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml, toml, json or .env)")

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert the demo guides into an empty store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				return a.printGuides(ctx, cmd.OutOrStdout(), store.All())
			})
		},
	}

	optimisticCmd := &cobra.Command{
		Use:   "optimistic",
		Short: "Two users edit the same guide in overlapping conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				return a.runOptimistic(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr())
			})
		},
	}

	var factor int64
	pessimisticCmd := &cobra.Command{
		Use:   "pessimistic",
		Short: "Sum salaries under READ locks, then raise them under WRITE locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				return a.runPessimistic(ctx, cmd.OutOrStdout(), factor)
			})
		},
	}
	pessimisticCmd.Flags().Int64Var(&factor, "factor", 4, "salary multiplier")

	var strategy string
	raceCmd := &cobra.Command{
		Use:   "race",
		Short: "Concurrent users raise the same salary; reports commits, conflicts and lost updates",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := workload.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("users") {
				cfg.Workload.Users, _ = cmd.Flags().GetInt("users")
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workload.Workers, _ = cmd.Flags().GetInt("workers")
			}
			return withApp(func(ctx context.Context, a *app) error {
				return a.runRace(ctx, cmd.OutOrStdout(), st)
			})
		},
	}
	raceCmd.Flags().StringVar(&strategy, "strategy", "optimistic", "optimistic or pessimistic")
	raceCmd.Flags().Int("users", 0, "concurrent users (overrides workload.users)")
	raceCmd.Flags().Int("workers", 0, "worker pool size (overrides workload.workers)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve guides over HTTP with ETag/If-Match version checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				return api.NewServer(a.factory, a.coord, a.cfg.HTTP, a.log).Run(ctx)
			})
		},
	}

	shellCmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell driving several sessions by hand",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				return runShell(ctx, a, cmd.OutOrStdout())
			})
		},
	}

	rootCmd.AddCommand(seedCmd, optimisticCmd, pessimisticCmd, raceCmd, serveCmd, shellCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
