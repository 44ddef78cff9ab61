package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"warden/internal/app"
)

type RunOptions struct {
	*RootOptions
	StopTimeout time.Duration

	// AppOptions lets an embedding binary supply a real platform adapter.
	AppOptions app.Options
}

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler, reconciler and case notifier until signalled",
		Long: `Run warden in the foreground.

Without a platform adapter every moderation action is logged instead of
performed (dry run). SIGINT or SIGTERM stops the process gracefully:
in-process deferred actions are discarded, queued case notifications are
flushed and the store is closed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(cmd, opts)
		},
	}
	cmd.Flags().DurationVar(&opts.StopTimeout, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func runApp(cmd *cobra.Command, opts *RunOptions) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a, err := app.New(ctx, opts.Config, opts.AppOptions)
	if err != nil {
		return wrapExit(ExitCommandError, "init", err)
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return wrapExit(ExitFailure, "start", err)
	}

	reason := app.StopAppStop
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	case <-parent.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), opts.StopTimeout)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		return wrapExit(ExitFailure, "fatal", err)
	}
	if stopErr != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "shutdown:", stopErr)
	}
	return nil
}
