package main

import (
	"os"

	"github.com/gluk-w/vpsdeck/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
