package main

import (
	"os"

	"github.com/ppiankov/chanrelay/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
