// Command coldstow packs filesystem targets into a mountable, verifiable,
// restorable archive. See cmd.Execute for the subcommand surface.
package main

import (
	"os"

	"coldstow/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
