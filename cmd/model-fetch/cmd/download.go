package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-model-fetch/internal/helpers"
	"go-model-fetch/internal/models"
)

// Package-level variables for download flags
var (
	downloadForce       bool
	downloadSkipVerify  bool
	downloadConcurrency int
)

func init() {
	rootCmd.AddCommand(downloadCmd)

	downloadCmd.Flags().BoolVarP(&downloadForce, "force", "f", false, "Discard existing files and partials, re-download everything")
	downloadCmd.Flags().BoolVar(&downloadSkipVerify, "skip-verify", false, "Skip the verification pass after downloading")
	downloadCmd.Flags().IntVarP(&downloadConcurrency, "concurrency", "c", 0, "Concurrent file transfers per model (overrides config)")
}

var downloadCmd = &cobra.Command{
	Use:   "download <owner/name> [owner/name...]",
	Short: "Download one or more models from the hub",
	Long: `Download fetches every file of a model's manifest into the storage
root, resuming interrupted transfers from partial files. Multiple models
download concurrently, each as its own independent session.

Examples:
  # Download a model
  model-fetch download acme/tiny-model

  # Force a full re-download, ignoring existing files
  model-fetch download acme/tiny-model --force

  # Download two models at once
  model-fetch download acme/tiny-model acme/big-model`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDownload,
}

func runDownload(cmd *cobra.Command, args []string) error {
	ids, err := parseIdentifiers(args)
	if err != nil {
		return err
	}

	if downloadConcurrency > 0 {
		globalConfig.Concurrency = downloadConcurrency
	}

	stack, err := buildStack(!downloadSkipVerify, downloadForce)
	if err != nil {
		return err
	}
	defer stack.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Token validation gates access to private models; failures degrade to
	// anonymous access rather than aborting.
	if globalConfig.HubToken != "" {
		if username, vErr := stack.client.ValidateToken(ctx, globalConfig.HubToken); vErr != nil {
			log.WithError(vErr).Warn("Hub token validation failed, continuing anonymously")
			stack.client.Token = ""
		} else {
			log.Infof("Authenticated with hub as %s", username)
		}
	}

	updates, unsubscribe := stack.orch.Subscribe()
	defer unsubscribe()

	for _, id := range ids {
		if sErr := stack.orch.StartDownload(ctx, id); sErr != nil {
			log.WithError(sErr).Errorf("Could not start download for %s", id)
		}
	}

	// Cancel in-flight sessions on interrupt so partials stay resumable.
	go func() {
		<-ctx.Done()
		for _, id := range ids {
			_ = stack.orch.CancelDownload(id)
		}
	}()

	renderProgress(stack, ids, updates)
	stack.orch.Wait()

	failed := 0
	for _, id := range ids {
		session, ok := stack.orch.CurrentState(id)
		if !ok {
			failed++
			continue
		}
		switch session.Status {
		case models.StatusComplete:
			log.Infof("%s: complete", id)
		case models.StatusCancelled:
			log.Warnf("%s: cancelled, partial files kept for resume", id)
			failed++
		default:
			log.Errorf("%s: %s (%s)", id, session.Status, session.LastError)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d model(s) did not complete", failed, len(ids))
	}
	return nil
}

// renderProgress drives the live terminal display until every requested
// session reaches a terminal state.
func renderProgress(stack *appStack, ids []models.ModelIdentifier, updates <-chan models.DownloadSession) {
	writer := uilive.New()
	writer.Start()
	defer writer.Stop()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case _, ok := <-updates:
			if !ok {
				return
			}
		case <-ticker.C:
		}

		var b strings.Builder
		done := 0
		for _, id := range ids {
			session, ok := stack.orch.CurrentState(id)
			if !ok {
				done++
				continue
			}
			b.WriteString(formatSessionLine(session))
			b.WriteByte('\n')
			switch session.Status {
			case models.StatusComplete, models.StatusFailed, models.StatusCancelled:
				done++
			}
		}
		fmt.Fprint(writer, b.String())
		if done == len(ids) {
			return
		}
	}
}

func formatSessionLine(s models.DownloadSession) string {
	switch s.Status {
	case models.StatusDownloading:
		line := fmt.Sprintf("%s: %3.0f%% (%d/%d files", s.Identifier, s.Progress*100, s.CompletedFiles, s.TotalFiles)
		if s.BytesTotal > 0 {
			line += fmt.Sprintf(", %s/%s", helpers.BytesToSize(uint64(s.BytesDownloaded)), helpers.BytesToSize(uint64(s.BytesTotal)))
		}
		line += ")"
		// With concurrent transfers several files are in flight; list them
		// in index order so the display is stable across refreshes.
		if idxs := s.ActiveIndexes(); len(idxs) > 0 {
			names := make([]string, 0, len(idxs))
			for _, idx := range idxs {
				names = append(names, s.Active[idx].Name)
			}
			line += " " + strings.Join(names, ", ")
		}
		return line
	case models.StatusFailed:
		return fmt.Sprintf("%s: failed: %s", s.Identifier, s.LastError)
	default:
		return fmt.Sprintf("%s: %s", s.Identifier, s.Status)
	}
}
