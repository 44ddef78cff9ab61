package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"warden/internal/audit"
	"warden/internal/notifier"
)

// caseView is the JSON shape of a case.
type caseView struct {
	ID          int64      `json:"id"`
	GuildID     int64      `json:"guild_id"`
	Target      string     `json:"target"`
	Kind        string     `json:"kind"`
	ModeratorID int64      `json:"moderator_id"`
	Reason      string     `json:"reason"`
	Expires     *time.Time `json:"expires,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

func viewOf(c audit.Case) caseView {
	return caseView{
		ID:          c.ID,
		GuildID:     c.GuildID,
		Target:      formatTarget(c.Target),
		Kind:        string(c.Kind),
		ModeratorID: c.ModeratorID,
		Reason:      c.Reason,
		Expires:     c.ActionExpiration,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func formatTarget(t audit.Target) string {
	if t == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", t.TargetKind(), t.TargetID())
}

// parseTarget reads "kind:id", e.g. "member:42".
func parseTarget(s string) (audit.Target, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("target %q: want kind:id", s)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("target %q: %w", s, err)
	}
	return audit.ParseTarget(kind, n)
}

func parseIDs(args []string, names ...string) ([]int64, error) {
	out := make([]int64, len(names))
	for i, name := range names {
		n, err := strconv.ParseInt(args[i], 10, 64)
		if err != nil {
			return nil, wrapExit(ExitCommandError, "invalid "+name, err)
		}
		out[i] = n
	}
	return out, nil
}

// lookupErr maps ledger errors onto exit codes: a missing case is a
// result, anything else means the command could not run.
func lookupErr(err error) error {
	if errors.Is(err, audit.ErrCaseNotFound) || errors.Is(err, audit.ErrNoCases) {
		return wrapExit(ExitFailure, "not found", err)
	}
	return wrapExit(ExitCommandError, "ledger", err)
}

func printCases(p printer, cases []audit.Case) error {
	views := make([]caseView, 0, len(cases))
	for _, c := range cases {
		views = append(views, viewOf(c))
	}
	return p.emit(views, func(w io.Writer) {
		if len(cases) == 0 {
			fmt.Fprintln(w, "no cases")
			return
		}
		for _, c := range cases {
			fmt.Fprintln(w, notifier.FormatCase(c))
		}
	})
}

// NewCasesCommand groups the audit ledger subcommands.
func NewCasesCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cases",
		Short: "Inspect and edit the per-guild case ledger",
	}
	cmd.AddCommand(newCasesShowCommand(opts))
	cmd.AddCommand(newCasesLatestCommand(opts))
	cmd.AddCommand(newCasesListCommand(opts))
	cmd.AddCommand(newCasesReasonCommand(opts))
	cmd.AddCommand(newCasesDeleteCommand(opts))
	return cmd
}

func withLedger(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, l *audit.Ledger, p printer) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	l, closeFn, err := openLedger(ctx, opts)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, l, printer{format: opts.Format, w: cmd.OutOrStdout()})
}

func newCasesShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <guild-id> <case-id>",
		Short: "Print one case",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args, "guild id", "case id")
			if err != nil {
				return err
			}
			return withLedger(cmd, opts, func(ctx context.Context, l *audit.Ledger, p printer) error {
				c, err := l.Lookup(ctx, ids[0], ids[1])
				if err != nil {
					return lookupErr(err)
				}
				return printCases(p, []audit.Case{c})
			})
		},
	}
}

func newCasesLatestCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "latest <guild-id>",
		Short: "Print the most recent case of a guild",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args, "guild id")
			if err != nil {
				return err
			}
			return withLedger(cmd, opts, func(ctx context.Context, l *audit.Ledger, p printer) error {
				c, err := l.MostRecent(ctx, ids[0])
				if err != nil {
					return lookupErr(err)
				}
				return printCases(p, []audit.Case{c})
			})
		},
	}
}

func newCasesListCommand(opts *RootOptions) *cobra.Command {
	var (
		target string
		kind   string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list <guild-id>",
		Short: "List cases of a guild, newest first",
		Example: `  warden cases list 1234 --target member:42
  warden cases list 1234 --kind ban --limit 5 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args, "guild id")
			if err != nil {
				return err
			}
			var f audit.ListFilter
			if target != "" {
				if f.Target, err = parseTarget(target); err != nil {
					return wrapExit(ExitCommandError, "invalid --target", err)
				}
			}
			if kind != "" {
				if f.Kind, err = audit.ParseActionKind(kind); err != nil {
					return wrapExit(ExitCommandError, "invalid --kind", err)
				}
			}
			f.Limit = limit
			return withLedger(cmd, opts, func(ctx context.Context, l *audit.Ledger, p printer) error {
				cases, err := l.List(ctx, ids[0], f)
				if err != nil {
					return wrapExit(ExitCommandError, "ledger", err)
				}
				return printCases(p, cases)
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "only cases against this target (kind:id)")
	cmd.Flags().StringVar(&kind, "kind", "", "only cases of this action kind")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of cases")
	return cmd
}

func newCasesReasonCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reason <guild-id> <case-id> <reason...>",
		Short: "Replace the reason of a case",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args, "guild id", "case id")
			if err != nil {
				return err
			}
			reason := strings.Join(args[2:], " ")
			return withLedger(cmd, opts, func(ctx context.Context, l *audit.Ledger, p printer) error {
				c, err := l.UpdateReason(ctx, ids[0], ids[1], reason)
				if err != nil {
					return lookupErr(err)
				}
				return printCases(p, []audit.Case{c})
			})
		},
	}
}

func newCasesDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <guild-id> <case-id>",
		Short: "Delete a case",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args, "guild id", "case id")
			if err != nil {
				return err
			}
			return withLedger(cmd, opts, func(ctx context.Context, l *audit.Ledger, p printer) error {
				if err := l.Delete(ctx, ids[0], ids[1]); err != nil {
					return lookupErr(err)
				}
				return p.emit(map[string]any{"deleted": ids[1]}, func(w io.Writer) {
					fmt.Fprintf(w, "case #%d deleted\n", ids[1])
				})
			})
		},
	}
}
