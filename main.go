package main

import (
	"os"

	"github.com/fieldline/fieldline/cli"
)

func main() {
	if err := cli.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
