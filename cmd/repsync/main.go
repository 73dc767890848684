package main

import (
	"context"
	"fmt"
	"os"

	"github.com/waterbug/repsync/internal/client/cli"
	"github.com/waterbug/repsync/internal/client/iocli"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func buildVersion() string {
	if BuildDate == "unknown" && GitCommit == "unknown" {
		return Version
	}
	return fmt.Sprintf("%s (built %s, commit %s)", Version, BuildDate, GitCommit)
}

func main() {
	app := cli.New(iocli.NewStdio(), buildVersion())
	if err := app.Root().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
