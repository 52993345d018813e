package cli

import (
	"github.com/smallbiznis/careledger/internal/config"
	"github.com/smallbiznis/careledger/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

type ServeOptions struct {
	*RootOptions
	APIOnly bool
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API. Unless --api-only is set or APP_MODE=api, the same
process also runs the periodic tasks and the outbox listener.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			options := []fx.Option{infrastructure(), domains(), server.Module}
			if opts.APIOnly {
				options = append(options, withMode(config.ModeAPI))
			}
			return serveUntilSignal(cmd.Context(), fx.New(options...))
		},
	}

	cmd.Flags().BoolVar(&opts.APIOnly, "api-only", false, "serve HTTP without the background scheduler")

	return cmd
}

func NewSchedulerCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the periodic tasks without the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				infrastructure(),
				domains(),
				withMode(config.ModeScheduler),
			)
			return serveUntilSignal(cmd.Context(), app)
		},
	}
}
