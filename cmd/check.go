package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"coldstow/config"
	"coldstow/restore"
	"coldstow/service"
)

var (
	checkCmp         bool
	checkDelete      bool
	checkForceDelete bool
)

var checkCmd = &cobra.Command{
	Use:   "check <image>",
	Short: "Compare an archive against the live filesystem",
	Args:  cobra.ExactArgs(1),
	Run:   runCheck,
}

func init() {
	checkCmd.Flags().BoolVar(&checkCmp, "cmp", false, "byte-compare file content instead of trusting size alone")
	checkCmd.Flags().BoolVar(&checkDelete, "delete", false, "delete live entries that match the archive")
	checkCmd.Flags().BoolVar(&checkForceDelete, "force-delete", false, "also delete entries newer than their archived copy")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(_ *cobra.Command, args []string) {
	cfg, err := config.Load("")
	if err != nil {
		fail("%v", err)
	}

	svc, err := service.New(cfg)
	if err != nil {
		fail("%v", err)
	}
	defer svc.Close()

	ctx, _, cancel := withInterruptHandling()
	defer cancel()

	report, err := svc.Check(ctx, args[0], restore.CheckOptions{
		UseCmp:      checkCmp,
		Delete:      checkDelete,
		ForceDelete: checkForceDelete,
	})
	if err != nil {
		fail("check failed: %v", err)
	}

	for _, r := range report.Results {
		line := fmt.Sprintf("%-16s %s", r.Status, r.Entry.Name)
		if r.Deleted {
			line += " (deleted)"
		} else if r.DeleteSkip != "" {
			line += " (delete skipped: " + r.DeleteSkip + ")"
		}
		fmt.Println(line)
	}
	fmt.Println()
	for status, count := range report.Tally {
		fmt.Printf("%-16s %d\n", status, count)
	}
}
