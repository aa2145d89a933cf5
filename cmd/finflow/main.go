package main

import (
	"os"

	"github.com/finflow-dev/finflow/internal/commands"
)

func main() {
	if err := commands.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
