// Command ledgerops executes and rolls back multi-transaction ledger
// operations against a simulated ledger.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/ledgerops/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ledgerops:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
