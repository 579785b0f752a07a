package main

import (
	"fmt"
	"os"

	"dedupd/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dedupd: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
