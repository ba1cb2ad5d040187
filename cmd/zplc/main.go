// Command zplc is the host binary that loads a ZPLC bytecode image and
// drives it through the scheduler: the "load a file and run the engine"
// surface the spec requires to exist somewhere runnable (§6), not the
// out-of-scope interactive command shell — three subcommands, no REPL.
// Grounded on oisee-z80-optimizer's cmd/z80opt/main.go cobra root + subcommand
// wiring, generalized from a superoptimizer's verb set to run/load/serve.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "zplc",
		Short: "ZPLC — an IEC 61131-3 bytecode runtime",
	}

	rootCmd.AddCommand(newRunCmd(), newLoadCmd(), newServeCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitFault)
	}
}

// Exit codes per §6.
const (
	exitClean    = 0
	exitFault    = 1
	exitLoader   = 2
	exitWatchdog = 3
	exitOperator = 4
)
