package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/smallbiznis/careledger/internal/config"
	"github.com/smallbiznis/careledger/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func NewTaskCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "List or run periodic tasks on demand",
	}
	cmd.AddCommand(newTaskListCommand(rootOpts))
	cmd.AddCommand(newTaskRunCommand(rootOpts))
	return cmd
}

// taskApp builds the task graph in api mode so the tick loop never starts.
func taskApp(sched **scheduler.Scheduler) *fx.App {
	return fx.New(
		fx.NopLogger,
		infrastructure(),
		domains(),
		withMode(config.ModeAPI),
		fx.Populate(sched),
	)
}

func newTaskListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var sched *scheduler.Scheduler
			app := taskApp(&sched)
			p := printer{format: rootOpts.Format, out: cmd.OutOrStdout()}
			return oneShot(cmd.Context(), app, func(context.Context) error {
				names := sched.Names()
				return p.print(names, nil, func(w io.Writer) {
					for _, name := range names {
						fmt.Fprintln(w, name)
					}
				})
			})
		},
	}
}

func newTaskRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <name>",
		Short: "Run one task immediately",
		Long: `Run one task immediately, ignoring its cadence and SCHEDULER_ENABLED_JOBS.

Example:
  careledger task run reconcile
  careledger task run auction_expiry --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sched *scheduler.Scheduler
			app := taskApp(&sched)
			return oneShot(cmd.Context(), app, func(ctx context.Context) error {
				return runTask(ctx, sched, args[0], printer{format: rootOpts.Format, out: cmd.OutOrStdout()})
			})
		},
	}
}

type taskRunner interface {
	RunTask(ctx context.Context, name string) (scheduler.Result, error)
}

func runTask(ctx context.Context, sched taskRunner, name string, p printer) error {
	result, err := sched.RunTask(ctx, name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownTask):
		return WrapExitError(ExitCommandError, "unknown task", err)
	case errors.Is(err, scheduler.ErrTaskRunning):
		return WrapExitError(ExitFailure, "task is already running", err)
	}

	if printErr := p.print(result, err, func(w io.Writer) {
		fmt.Fprintf(w, "task:      %s\n", name)
		fmt.Fprintf(w, "processed: %d\n", result.Processed)
		fmt.Fprintf(w, "failed:    %d\n", result.Failed)
		if result.Skipped {
			fmt.Fprintln(w, "skipped:   another replica holds the task lock")
		}
	}); printErr != nil {
		return printErr
	}
	if err != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("%s finished with failures", name), err)
	}
	return nil
}
