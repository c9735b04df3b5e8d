package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"coldstow/config"
	"coldstow/freeze"
	"coldstow/service"
	"coldstow/ui"
)

var (
	freezeOutput      string
	freezeLevel       int
	freezeEncrypt     bool
	freezePassphrase  string
	freezeDereference bool
	freezeProgress    bool
	freezeOverwrite   bool
	freezePrefix      string
)

var freezeCmd = &cobra.Command{
	Use:   "freeze <targets...>",
	Short: "Pack targets into a single verifiable archive",
	Args:  cobra.MinimumNArgs(1),
	Run:   runFreeze,
}

func init() {
	freezeCmd.Flags().StringVarP(&freezeOutput, "output", "o", "", "output archive path (required)")
	freezeCmd.Flags().IntVar(&freezeLevel, "level", 19, "zstd compression level (0-22)")
	freezeCmd.Flags().BoolVar(&freezeEncrypt, "encrypt", false, "wrap the archive in a LUKS container")
	freezeCmd.Flags().StringVar(&freezePassphrase, "passphrase", "", "passphrase for --encrypt")
	freezeCmd.Flags().BoolVar(&freezeDereference, "dereference", false, "follow symlinks instead of archiving them as links")
	freezeCmd.Flags().BoolVar(&freezeProgress, "progress", false, "show a full-screen progress view")
	freezeCmd.Flags().BoolVar(&freezeOverwrite, "overwrite", false, "allow overwriting an existing output path")
	freezeCmd.Flags().StringVar(&freezePrefix, "prefix", "", "filename prefix when --output names a directory (default \"archive\")")
	freezeCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(freezeCmd)
}

func runFreeze(cmd *cobra.Command, args []string) {
	cfg, err := config.Load("")
	if err != nil {
		fail("%v", err)
	}
	if !cmd.Flags().Changed("level") {
		freezeLevel = cfg.CompressionLevel
	}
	if !cmd.Flags().Changed("progress") {
		freezeProgress = cfg.ProgressEnabled
	}

	svc, err := service.New(cfg)
	if err != nil {
		fail("%v", err)
	}
	defer svc.Close()

	ctx, interrupted, cancel := withInterruptHandling()
	defer cancel()

	opts := freeze.DefaultOptions()
	opts.CompressionLevel = freezeLevel
	opts.Encrypt = freezeEncrypt
	opts.Passphrase = freezePassphrase
	opts.Dereference = freezeDereference
	opts.Progress = freezeProgress
	opts.Overwrite = freezeOverwrite
	opts.OutputPrefix = freezePrefix
	opts.Interrupted = interrupted

	var reporter ui.Reporter
	if freezeProgress {
		if term.IsTerminal(int(os.Stdout.Fd())) {
			reporter = ui.NewTview()
		} else {
			reporter = ui.NewStdout()
		}
		if err := reporter.Start(); err != nil {
			fail("starting progress view: %v", err)
		}
		defer reporter.Stop()
		opts.Reporter = reporter
	}

	res, err := svc.Freeze(ctx, args, freezeOutput, opts)
	if err != nil {
		fail("freeze failed: %v", err)
	}

	fmt.Printf("froze %d entries into %s\n", res.EntryCount, res.OutputPath)
}
