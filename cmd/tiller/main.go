// Package main provides the entry point for the tiller CLI.
package main

import (
	"fmt"
	"os"

	"github.com/tillerhq/tiller/cmd/tiller/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
