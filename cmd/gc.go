package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"coldstow/config"
	"coldstow/service"
	"coldstow/stagegc"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Reclaim orphaned staging directories under the cache root",
	Args:  cobra.NoArgs,
	Run:   runGC,
}

func init() {
	rootCmd.AddCommand(gcCmd)
}

func runGC(_ *cobra.Command, _ []string) {
	cfg, err := config.Load("")
	if err != nil {
		fail("%v", err)
	}

	svc, err := service.New(cfg)
	if err != nil {
		fail("%v", err)
	}
	defer svc.Close()

	report, err := svc.GC()
	if err != nil {
		fail("gc failed: %v", err)
	}

	var removed, live, guarded, other int
	for _, c := range report.Candidates {
		switch c.Verdict {
		case stagegc.VerdictRemoved:
			removed++
		case stagegc.VerdictLive:
			live++
		case stagegc.VerdictGuarded:
			guarded++
		default:
			other++
		}
		fmt.Printf("%-10s %s (%s)\n", c.Verdict, c.Path, c.Reason)
	}
	fmt.Printf("removed %d, live %d, guarded (active mount) %d, skipped %d\n",
		removed, live, guarded, other)
}
