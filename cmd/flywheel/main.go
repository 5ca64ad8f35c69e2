package main

import (
	"os"

	"github.com/flywheelhq/flywheel/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
