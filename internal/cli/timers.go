package cli

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"warden/internal/moderation"
)

type pendingEvent struct {
	Event   string `json:"event"`
	Handled bool   `json:"handled"`
}

type pendingReport struct {
	Count  int            `json:"count"`
	Events []pendingEvent `json:"events"`
}

// NewTimersCommand groups commands over durable deferred actions.
func NewTimersCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timers",
		Short: "Inspect durable deferred actions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "Count stored timers and flag events no handler covers",
		Long: `Count stored timers and list the distinct events they name.

An event without a handler would stop warden from starting; rename the
handler back or delete those rows before upgrading.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPending(cmd, opts)
		},
	})
	return cmd
}

func runPending(cmd *cobra.Command, opts *RootOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	_, stores, err := openStores(ctx, opts)
	if err != nil {
		return err
	}
	defer stores.Close()

	n, err := stores.Store.CountTimers(ctx)
	if err != nil {
		return wrapExit(ExitCommandError, "count timers", err)
	}
	events, err := stores.Store.PendingEvents(ctx)
	if err != nil {
		return wrapExit(ExitCommandError, "list pending events", err)
	}

	known := moderation.Events()
	rep := pendingReport{Count: n, Events: []pendingEvent{}}
	unhandled := 0
	for _, ev := range events {
		ok := slices.Contains(known, ev)
		if !ok {
			unhandled++
		}
		rep.Events = append(rep.Events, pendingEvent{Event: ev, Handled: ok})
	}

	err = printer{format: opts.Format, w: cmd.OutOrStdout()}.emit(rep, func(w io.Writer) {
		fmt.Fprintf(w, "%d pending timer(s)\n", rep.Count)
		for _, e := range rep.Events {
			mark := "ok"
			if !e.Handled {
				mark = "NO HANDLER"
			}
			fmt.Fprintf(w, "  %-20s %s\n", e.Event, mark)
		}
	})
	if err != nil {
		return err
	}
	if unhandled > 0 {
		return wrapExit(ExitFailure, fmt.Sprintf("%d event(s) without a handler", unhandled), nil)
	}
	return nil
}
