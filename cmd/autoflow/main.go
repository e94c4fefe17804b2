// Package main provides offline tooling for automation definitions.
package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "autoflow",
		Usage:                 "Check automation definitions before deploying them",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewValidateCommand(),
			NewNextCommand(),
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}
