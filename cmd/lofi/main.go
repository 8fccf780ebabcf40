// Command lofi runs local-first replicas and the reference remote source.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/lofi/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lofi:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
