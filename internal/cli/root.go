package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teamdynamiq/marten/internal/compiler"
	"github.com/teamdynamiq/marten/internal/config"
)

// RootOptions holds global flags and the settings resolved from them.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// Resolved in PersistentPreRunE.
	Config  config.Config
	Mapping *compiler.MappingSpec // nil unless --mapping-dir is set
	Logger  *slog.Logger

	viper *viper.Viper
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// logger returns the resolved logger, or the default one when a command
// runs without the root pre-run.
func (o *RootOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// NewRootCommand creates the root command for the marten CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{
		Config: config.Defaults(),
		viper:  config.NewViper(),
	}

	cmd := &cobra.Command{
		Use:   "marten",
		Short: "marten - document identity and unit-of-work tooling",
		Long: `Inspect and drive marten's identity generation.

Settings come from flags, MARTEN_* environment variables and .env files,
in that order of precedence.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.resolve(cmd)
		},
	}

	d := config.Defaults()
	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.String(config.KeyDatabase, d.Database, "SQLite database file")
	flags.String(config.KeySequenceBackend, d.SequenceBackend, "Hi-Lo sequence backend (sqlite|redis|file)")
	flags.String(config.KeyRedisAddr, d.RedisAddr, "Redis address for the redis backend")
	flags.String(config.KeyRedisPassword, "", "Redis password for the redis backend")
	flags.String(config.KeySequenceDir, d.SequenceDir, "counter directory for the file backend")
	flags.String(config.KeyMappingDir, "", "directory of CUE mapping files")
	flags.String(config.KeyLogLevel, d.LogLevel, "log level (debug|info|warn|error)")

	cmd.AddCommand(NewHiloCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))
	cmd.AddCommand(NewDocsCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

// resolve loads .env files, binds flags to viper, reads the config, overlays
// mapping settings and builds the logger.
func (o *RootOptions) resolve(cmd *cobra.Command) error {
	if !isValidFormat(o.Format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats))
	}
	if err := config.LoadDotEnv(); err != nil {
		return WrapExitError(ExitCommandError, "load .env", err)
	}
	if err := o.viper.BindPFlags(cmd.Flags()); err != nil {
		return WrapExitError(ExitCommandError, "bind flags", err)
	}

	cfg, err := config.Load(o.viper)
	if err != nil {
		return WrapExitError(ExitCommandError, "configuration", err)
	}
	if cfg.MappingDir != "" {
		res, err := LoadMappings(cfg.MappingDir)
		if err != nil {
			return WrapExitError(ExitCommandError, "load mappings", err)
		}
		o.Mapping = res.Spec
		cfg = cfg.ApplyMapping(o.viper, res.Spec.Settings)
	}
	o.Config = cfg

	level := cfg.SlogLevel()
	if o.Verbose {
		level = slog.LevelDebug
	}
	o.Logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return nil
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
