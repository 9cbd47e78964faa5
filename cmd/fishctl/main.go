package main

import (
	"os"

	"github.com/chuckstables/fishtest/cmd/fishctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
