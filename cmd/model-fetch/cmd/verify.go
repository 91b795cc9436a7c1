package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// timeRounding trims report durations for display.
const timeRounding = 10 * time.Millisecond

// Package-level variables for verify flags
var (
	verifyCheckHash bool
	verifyRepair    bool
)

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().BoolVar(&verifyCheckHash, "check-hash", false, "Compare file digests in addition to sizes (overrides config)")
	verifyCmd.Flags().BoolVar(&verifyRepair, "repair", true, "Re-download missing or corrupt files (overrides config)")
}

var verifyCmd = &cobra.Command{
	Use:   "verify <owner/name> [owner/name...]",
	Short: "Verify downloaded models against the hub manifest",
	Long: `Verify scans every known on-disk location of a model, compares the
files found against the manifest's declared sizes (and digests with
--check-hash), and re-downloads the missing or corrupt set unless repair
is disabled.

Examples:
  # Verify a model, repairing anything broken
  model-fetch verify acme/tiny-model

  # Report only, no repair
  model-fetch verify acme/tiny-model --repair=false`,
	Args: cobra.MinimumNArgs(1),
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	ids, err := parseIdentifiers(args)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("check-hash") {
		globalConfig.Verify.CheckHash = verifyCheckHash
	}
	if cmd.Flags().Changed("repair") {
		globalConfig.Verify.AutoRepair = verifyRepair
	}

	stack, err := buildStack(false, false)
	if err != nil {
		return err
	}
	defer stack.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	unhealthy := 0
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tHEALTH\tMISSING\tCORRUPT\tREPAIRED\tELAPSED")
	for _, id := range ids {
		healthy, report, vErr := stack.engine.VerifyAndRepair(ctx, id)
		if vErr != nil {
			log.WithError(vErr).Errorf("Verification of %s failed", id)
		}
		if healthy {
			stack.orch.MarkDownloaded(id)
		} else {
			unhealthy++
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
			id, report.Health, report.Missing, report.Corrupt, report.Repaired, report.Elapsed.Round(timeRounding))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if unhealthy > 0 {
		return fmt.Errorf("%d of %d model(s) are not healthy", unhealthy, len(ids))
	}
	return nil
}
