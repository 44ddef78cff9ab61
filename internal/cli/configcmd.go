package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"warden/internal/app"
)

// NewConfigCommand groups config file helpers.
func NewConfigCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config file helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Parse and validate the config file without starting anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.Config)
			if err != nil {
				return err
			}
			if err := app.ValidateConfig(cfg); err != nil {
				return wrapExit(ExitFailure, "invalid config", err)
			}
			return printer{format: opts.Format, w: cmd.OutOrStdout()}.emit(
				map[string]any{"valid": true, "path": opts.Config},
				func(w io.Writer) { fmt.Fprintf(w, "%s: ok\n", opts.Config) },
			)
		},
	})
	return cmd
}
