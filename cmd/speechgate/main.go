package main

import (
	"fmt"
	"os"
)

// Version information, set at build time with -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
