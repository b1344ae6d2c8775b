package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the aggregate outbox state",
		Long: `Show whether every recorded match has reached the server.

Exit code is 1 when any entry has failed and needs a decision.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, appNeeds{})
			if err != nil {
				return err
			}
			defer a.Close()

			f := rootOpts.formatter(cmd)
			st := a.engine.State()
			if err := f.Success(StateReport(st)); err != nil {
				return err
			}
			if st.FailedCount > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d failed entr(ies)", st.FailedCount))
			}
			return nil
		},
	}
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List queued entries, oldest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, appNeeds{})
			if err != nil {
				return err
			}
			defer a.Close()

			return rootOpts.formatter(cmd).Success(EntryList(a.engine.Entries()))
		},
	}
}
