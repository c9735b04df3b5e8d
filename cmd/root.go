// Package cmd wires coldstow's three process-surface verbs (freeze,
// unfreeze, check) plus the standalone gc utility as cobra subcommands
// (grounded on the teacher's cmd/build.go, cmd/monitor.go). Every
// subcommand body is thin: parse flags, build an options struct, call
// into service, print the result.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"coldstow/cerrors"
)

var rootCmd = &cobra.Command{
	Use:   "coldstow",
	Short: "Identity-preserving filesystem archiving",
	Long: `coldstow packs files and directories into a single archive that
remembers where they came from, so that a later check can verify the
live filesystem still matches it and unfreeze can restore it exactly.`,
}

// Execute runs the root command; main.go's only job is to call this and
// map its error to an exit code.
func Execute() error {
	return rootCmd.Execute()
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "coldstow: "+format+"\n", args...)
	for _, a := range args {
		var ce *cerrors.Error
		if err, ok := a.(error); ok && errors.As(err, &ce) && ce.Hint != "" {
			fmt.Fprintf(os.Stderr, "Suggestion: %s\n", ce.Hint)
		}
	}
	os.Exit(1)
}
