package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/lehigh-university-libraries/scanmarks/cmd"
	"github.com/lehigh-university-libraries/scanmarks/internal/pipeline"
)

const version = "0.1.0"

func main() {
	root := cmd.NewRootCmd()

	// Use fang for completions, manpages, --version and signal cancellation.
	if err := fang.Execute(
		context.Background(),
		root,
		fang.WithVersion(version),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(pipeline.ExitCode(err))
	}
}
