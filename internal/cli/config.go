package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewConfigCommand creates the config command, which prints the settings
// every other command would run with.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the resolved configuration",
		Long: `Show the configuration after flags, MARTEN_* environment variables,
.env files and mapping settings have been applied. Secrets are omitted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			c := rootOpts.Config
			if formatter.Format == "json" {
				return formatter.Success(c)
			}

			w := formatter.Writer
			fmt.Fprintf(w, "database:         %s\n", c.Database)
			fmt.Fprintf(w, "sequence-backend: %s\n", c.SequenceBackend)
			fmt.Fprintf(w, "block-size:       %d\n", c.DefaultBlockSize)
			fmt.Fprintf(w, "batch-size:       %d\n", c.BatchSize)
			fmt.Fprintf(w, "redis-addr:       %s\n", c.RedisAddr)
			fmt.Fprintf(w, "sequence-dir:     %s\n", c.SequenceDir)
			fmt.Fprintf(w, "mapping-dir:      %s\n", c.MappingDir)
			fmt.Fprintf(w, "log-level:        %s\n", c.LogLevel)
			return nil
		},
	}
}
