package cli

import (
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/matchsync/internal/engine"
	"github.com/roach88/matchsync/internal/outbox"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Database   string

	// Submitter overrides the HTTP client (for testing).
	Submitter engine.Submitter
	// IDGenerator overrides entry ids (for testing). Defaults to UUIDv7.
	IDGenerator outbox.IDGenerator
	// Clock overrides the engine clock (for testing).
	Clock engine.Clock

	// serveReady is called with the bound API address (for testing).
	serveReady func(addr string)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the matchsync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "matchsync",
		Short: "Offline outbox for padel match results",
		Long: `matchsync records padel match results locally and delivers them to the
match service when the network allows. Results are never lost and never
duplicated; conflicts are surfaced for a human decision.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", os.Getenv("MATCHSYNC_CONFIG"),
		"config file path (or set MATCHSYNC_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite outbox (overrides db.path)")

	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewFlushCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewDiscardCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
