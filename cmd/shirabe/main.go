// Package main is the shirabe CLI entry point.
package main

import (
	"os"

	"github.com/hyperjump/shirabe/internal/cli"
)

var version = "dev"

func main() {
	os.Exit(cli.Execute(version))
}
