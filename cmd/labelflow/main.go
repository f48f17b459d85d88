package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// main runs the labelflow command tree. Interrupted commands exit 1 without
// echoing context.Canceled.
func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
