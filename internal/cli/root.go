package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string
	EnvFile    string
	Database   string
	SchemaDir  string

	settings *config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the replica CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "replica",
		Short: "replica - local-first relational data cache",
		Long: `A local-first cache for relational entities: optimistic mutations, in-memory
queries with predicates and cursors, and reconciliation against a remote
change stream.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	opts.bindFlags(cmd)

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSchemaCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewRelatedCommand(opts))
	cmd.AddCommand(NewCreateCommand(opts))
	cmd.AddCommand(NewUpdateCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))

	return cmd
}

func (o *RootOptions) bindFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.BoolVarP(&o.Verbose, "verbose", "v", false, "verbose output")
	f.StringVar(&o.Format, "format", "text", "output format (json|text)")
	f.StringVar(&o.ConfigFile, "config", "", "YAML config file (default $REPLICA_CONFIG)")
	f.StringVar(&o.EnvFile, "env-file", ".env", "dotenv file to load if present")
	f.StringVar(&o.Database, "db", "", "SQLite database (overrides config)")
	f.StringVar(&o.SchemaDir, "schema-dir", "", "CUE schema directory (overrides config)")
}

// Settings loads the configuration once and applies flag overrides.
func (o *RootOptions) Settings() (config.Config, error) {
	if o.settings != nil {
		return *o.settings, nil
	}
	cfg, err := config.Loader{EnvFile: o.EnvFile, File: o.ConfigFile}.Load()
	if err != nil {
		return config.Config{}, err
	}
	if o.Database != "" {
		cfg.Database = o.Database
	}
	if o.SchemaDir != "" {
		cfg.SchemaDir = o.SchemaDir
	}
	if o.Verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	o.settings = &cfg
	return cfg, nil
}

// formatter builds the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// NewLogger builds the process logger from the settings. Logs go to w,
// which is stderr in practice so stdout stays parseable.
func NewLogger(cfg config.Config, w io.Writer) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}
