package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/matchsync/internal/engine"
	"github.com/roach88/matchsync/internal/outbox"
)

// NewFlushCommand creates the flush command.
func NewFlushCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Deliver every queued entry now",
		Long: `Run one manual delivery pass. Failed entries (conflict, validation,
exhausted) are retried too; on failure they return to their previous state.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, appNeeds{remote: true})
			if err != nil {
				return err
			}
			defer a.Close()

			f := rootOpts.formatter(cmd)
			if err := a.engine.FlushNow(cmd.Context()); err != nil {
				return fail(f, ErrCodeGeneric, ExitFailure, "flush failed", err)
			}
			return outputPass(f, a.engine.LastPass(), a.engine.State())
		},
	}
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "retry <entry-id>",
		Short:         "Retry one failed entry",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, appNeeds{remote: true})
			if err != nil {
				return err
			}
			defer a.Close()

			f := rootOpts.formatter(cmd)
			if err := a.engine.Retry(cmd.Context(), args[0]); err != nil {
				return entryError(f, args[0], err)
			}
			return outputPass(f, a.engine.LastPass(), a.engine.State())
		},
	}
}

// NewDiscardCommand creates the discard command.
func NewDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <entry-id>",
		Short: "Drop an entry from the outbox",
		Long: `Drop an entry without delivering it, typically after a conflict was
resolved on the server. Discarding an entry that is already gone succeeds.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, appNeeds{})
			if err != nil {
				return err
			}
			defer a.Close()

			f := rootOpts.formatter(cmd)
			if err := a.engine.Discard(cmd.Context(), args[0]); err != nil {
				return entryError(f, args[0], err)
			}
			return f.Success(DiscardResult{Discarded: args[0], State: a.engine.State()})
		},
	}
}

func outputPass(f *OutputFormatter, pass engine.PassStats, st outbox.State) error {
	if err := f.Success(FlushResult{Pass: pass, State: st}); err != nil {
		return err
	}
	if st.FailedCount > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d failed entr(ies)", st.FailedCount))
	}
	return nil
}
