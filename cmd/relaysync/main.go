package main

import (
	"fmt"
	"os"

	"github.com/agentworkforce/relaysync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "relaysync: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
