package main

import (
	"fmt"
	"os"
)

// Version information set via ldflags during build.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "limitd:", err)
		os.Exit(1)
	}
}
