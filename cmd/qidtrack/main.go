// Command qidtrack runs the query identifier tracker CLI.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/qidtrack/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
