package main

import (
	"os"

	"github.com/ostheimer/coreclaw/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
