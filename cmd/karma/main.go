package main

import (
	"os"

	"github.com/Everlane/lita-karma/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
