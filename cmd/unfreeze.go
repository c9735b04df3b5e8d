package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"coldstow/config"
	"coldstow/restore"
	"coldstow/service"
)

var unfreezeConflict string

var unfreezeCmd = &cobra.Command{
	Use:   "unfreeze <image>",
	Short: "Restore an archive's content to its recorded live paths",
	Args:  cobra.ExactArgs(1),
	Run:   runUnfreeze,
}

func init() {
	unfreezeCmd.Flags().StringVar(&unfreezeConflict, "on-conflict", "", "conflict policy: fail, overwrite, or skip-existing (default: config's default_conflict_policy)")
	rootCmd.AddCommand(unfreezeCmd)
}

func runUnfreeze(cmd *cobra.Command, args []string) {
	cfg, err := config.Load("")
	if err != nil {
		fail("%v", err)
	}

	conflict := unfreezeConflict
	if !cmd.Flags().Changed("on-conflict") {
		conflict = cfg.DefaultConflictPolicy
	}
	policy, ok := parseConflictPolicy(conflict)
	if !ok {
		fail("invalid --on-conflict value %q", conflict)
	}

	svc, err := service.New(cfg)
	if err != nil {
		fail("%v", err)
	}
	defer svc.Close()

	ctx, _, cancel := withInterruptHandling()
	defer cancel()

	res, err := svc.Unfreeze(ctx, args[0], restore.UnfreezeOptions{Conflict: policy})
	if err != nil {
		fail("unfreeze failed: %v", err)
	}

	fmt.Printf("restored %d entries, skipped %d\n", res.Restored, res.Skipped)
}

// parseConflictPolicy accepts both the CLI's hyphenated flag spelling and
// the config file's underscore spelling for skip-existing/skip_existing.
func parseConflictPolicy(s string) (restore.ConflictPolicy, bool) {
	switch s {
	case string(restore.ConflictFail):
		return restore.ConflictFail, true
	case string(restore.ConflictOverwrite):
		return restore.ConflictOverwrite, true
	case string(restore.ConflictSkipExisting), "skip-existing":
		return restore.ConflictSkipExisting, true
	default:
		return "", false
	}
}
