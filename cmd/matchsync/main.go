// Command matchsync records padel match results offline and syncs them to
// the match service.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/matchsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
