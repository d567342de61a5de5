package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// exitError carries the exit code of a command that already reported its
// outcome.
type exitError struct {
	code int
}

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	root := newRootCommand(viper.New())
	if err := root.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		_, _ = fmt.Fprintln(os.Stderr, "up:", err)
		os.Exit(1)
	}
}
