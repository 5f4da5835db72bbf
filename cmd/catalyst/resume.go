package main

import (
	"os"

	"github.com/spf13/cobra"

	catlog "github.com/tombee/catalyst/internal/log"
	"github.com/tombee/catalyst/internal/cliutil"
	"github.com/tombee/catalyst/pkg/engine"
)

func newResumeCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a suspended or crashed run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]

			reg, err := flags.newRegistry()
			if err != nil {
				return err
			}
			if err := engine.RegisterBuiltinActions(reg); err != nil {
				return err
			}
			store, err := flags.newStateStore()
			if err != nil {
				return err
			}
			locks, err := flags.newLockManager()
			if err != nil {
				return err
			}

			logger := catlog.New(flags.logConfig())
			orch := engine.New(reg, store, locks, engine.WithLogger(logger))

			result, err := orch.Resume(cmd.Context(), runID)
			if result != nil {
				cliutil.PrintResult(os.Stdout, result, flags.jsonOutput)
			}
			return err
		},
	}

	return cmd
}

func newApproveCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <run-id> <step-id>",
		Short: "Approve a paused checkpoint step so the next resume does not pause again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, stepID := args[0], args[1]

			reg, err := flags.newRegistry()
			if err != nil {
				return err
			}
			store, err := flags.newStateStore()
			if err != nil {
				return err
			}
			locks, err := flags.newLockManager()
			if err != nil {
				return err
			}

			orch := engine.New(reg, store, locks)
			return orch.ApproveCheckpoint(runID, stepID)
		},
	}

	return cmd
}

func newAbandonCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abandon <run-id>",
		Short: "Abandon a run, archiving its state and releasing its locks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]

			reg, err := flags.newRegistry()
			if err != nil {
				return err
			}
			store, err := flags.newStateStore()
			if err != nil {
				return err
			}
			locks, err := flags.newLockManager()
			if err != nil {
				return err
			}

			orch := engine.New(reg, store, locks)
			return orch.Abandon(runID)
		},
	}

	return cmd
}

func newCleanupCommand(flags *globalFlags) *cobra.Command {
	var olderThanDays int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Archive stale runs and reap stale resource locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := flags.newRegistry()
			if err != nil {
				return err
			}
			store, err := flags.newStateStore()
			if err != nil {
				return err
			}
			locks, err := flags.newLockManager()
			if err != nil {
				return err
			}

			orch := engine.New(reg, store, locks)
			archived, err := orch.CleanupStaleRuns(olderThanDays)
			if err != nil {
				return err
			}

			// Acquiring and releasing a zero-resource sentinel lock
			// triggers the manager's stale-lock reaping pass without
			// holding anything afterward.
			rl, err := locks.Acquire("cleanup-sentinel", nil, nil)
			if err != nil {
				return err
			}
			if err := locks.Release(rl.RunID); err != nil {
				return err
			}

			cmd.Printf("archived %d stale run(s)\n", archived)
			return nil
		},
	}

	cmd.Flags().IntVar(&olderThanDays, "older-than-days", 7, "archive live runs whose state has not been touched in this many days")

	return cmd
}
