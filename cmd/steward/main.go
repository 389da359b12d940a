// Command steward runs governed agent workflows from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/steward/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "steward:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
