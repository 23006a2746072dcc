package main

import (
	"fmt"
	"os"

	"github.com/fieldtest/fieldtest/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand(backend())
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}

// backend returns the device backend linked into this build. Concrete
// bridges (adb, simctl, device farms) live out of tree and register
// here; cache and rule maintenance work without one.
func backend() *cli.Backend {
	return nil
}
