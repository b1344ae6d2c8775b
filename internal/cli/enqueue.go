package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/matchsync/internal/match"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	File             string
	Team1            []string
	Team2            []string
	Sets1            int
	Sets2            int
	ScoreType        string
	ScoreTarget      int
	TournamentID     string
	TournamentType   string
	Team2ServesFirst bool
	Sync             bool
}

// matchBatch is the --file document: either a list of matches or
// {matches: [...]}.
type matchBatch struct {
	Matches []match.Match `yaml:"matches"`
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Record one match, or a batch from a file",
		Long: `Validate a match result and store it in the outbox. The command returns as
soon as the entry is durable; delivery happens on the next flush.

Example:
  matchsync enqueue --team1 Ana,Bea --team2 Cris,Dani --sets1 6 --sets2 4
  matchsync enqueue --file tournament-day.yaml --sync`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "YAML or JSON file with matches")
	cmd.Flags().StringSliceVar(&opts.Team1, "team1", nil, "team 1 players, comma separated")
	cmd.Flags().StringSliceVar(&opts.Team2, "team2", nil, "team 2 players, comma separated")
	cmd.Flags().IntVar(&opts.Sets1, "sets1", 0, "team 1 score")
	cmd.Flags().IntVar(&opts.Sets2, "sets2", 0, "team 2 score")
	cmd.Flags().StringVar(&opts.ScoreType, "score-type", "sets", "score type (sets|points)")
	cmd.Flags().IntVar(&opts.ScoreTarget, "target", 0, "points target (score-type points)")
	cmd.Flags().StringVar(&opts.TournamentID, "tournament-id", "", "source tournament id")
	cmd.Flags().StringVar(&opts.TournamentType, "tournament-type", "", "source tournament type")
	cmd.Flags().BoolVar(&opts.Team2ServesFirst, "team2-serves-first", false, "team 2 served first")
	cmd.Flags().BoolVar(&opts.Sync, "sync", false, "flush right after enqueue")
	cmd.MarkFlagsMutuallyExclusive("file", "team1")
	cmd.MarkFlagsMutuallyExclusive("file", "team2")

	return cmd
}

func runEnqueue(cmd *cobra.Command, opts *EnqueueOptions) error {
	f := opts.formatter(cmd)

	matches, err := opts.matches()
	if err != nil {
		return fail(f, ErrCodeReadFailed, ExitCommandError, "failed to read matches", err)
	}

	v, err := match.NewValidator()
	if err != nil {
		return fail(f, ErrCodeGeneric, ExitCommandError, "failed to load match schema", err)
	}
	records, err := match.Records(v, matches)
	if err != nil {
		return fail(f, ErrCodeInvalidMatch, ExitCommandError, "invalid match", err)
	}

	a, err := openApp(cmd, opts.RootOptions, appNeeds{remote: opts.Sync})
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.engine.Enqueue(cmd.Context(), records)
	if err != nil {
		return fail(f, ErrCodeDatabase, ExitCommandError, "failed to enqueue", err)
	}
	f.VerboseLog("enqueued %s (%d record(s))", id, len(records))

	result := EnqueueResult{EntryID: id, Records: len(records)}
	if opts.Sync {
		if err := a.engine.FlushNow(cmd.Context()); err != nil {
			return fail(f, ErrCodeGeneric, ExitFailure, "flush failed", err)
		}
		pass := a.engine.LastPass()
		result.Pass = &passSummary{Delivered: pass.Delivered, Failed: pass.Failed}
	}
	result.State = a.engine.State()

	return f.Success(result)
}

func (o *EnqueueOptions) matches() ([]match.Match, error) {
	if o.File != "" {
		return readMatchFile(o.File)
	}
	if len(o.Team1) == 0 || len(o.Team2) == 0 {
		return nil, fmt.Errorf("--team1 and --team2 are required without --file")
	}

	m := match.Match{
		Team1:     o.Team1,
		Team2:     o.Team2,
		Team1Sets: o.Sets1,
		Team2Sets: o.Sets2,
		ScoreType: match.ScoreType(o.ScoreType),
	}
	if o.ScoreTarget != 0 {
		target := o.ScoreTarget
		m.ScoreTarget = &target
	}
	if o.TournamentID != "" {
		id := o.TournamentID
		m.SourceTournamentID = &id
	}
	if o.TournamentType != "" {
		typ := o.TournamentType
		m.SourceTournamentType = &typ
	}
	if o.Team2ServesFirst {
		serves := false
		m.Team1ServesFirst = &serves
	}
	return []match.Match{m}, nil
}

// readMatchFile reads a YAML (or JSON, which is YAML) match batch.
func readMatchFile(path string) ([]match.Match, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var batch matchBatch
	if strings.HasPrefix(strings.TrimSpace(string(data)), "-") ||
		strings.HasPrefix(strings.TrimSpace(string(data)), "[") {
		err = yaml.Unmarshal(data, &batch.Matches)
	} else {
		err = yaml.Unmarshal(data, &batch)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(batch.Matches) == 0 {
		return nil, fmt.Errorf("%s: no matches", path)
	}
	return batch.Matches, nil
}
