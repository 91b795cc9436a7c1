package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-model-fetch/internal/paths"
)

// Package-level variables for delete flags
var (
	deleteForce  bool
	deleteDryRun bool
)

func init() {
	rootCmd.AddCommand(deleteCmd)

	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "Skip confirmation prompt")
	deleteCmd.Flags().BoolVarP(&deleteDryRun, "dry-run", "n", false, "Show what would be deleted without deleting")
}

var deleteCmd = &cobra.Command{
	Use:   "delete <owner/name> [owner/name...]",
	Short: "Delete a model's artifacts from disk",
	Long: `Delete removes every on-disk directory resolved for a model,
including legacy layouts, and drops its cached manifest. Any in-flight
download for the model is cancelled first.

Examples:
  # Delete a model after confirming
  model-fetch delete acme/tiny-model

  # Skip the confirmation prompt
  model-fetch delete acme/tiny-model --force

  # Preview what would be deleted
  model-fetch delete acme/tiny-model --dry-run`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDelete,
}

func runDelete(cmd *cobra.Command, args []string) error {
	ids, err := parseIdentifiers(args)
	if err != nil {
		return err
	}

	stack, err := buildStack(false, false)
	if err != nil {
		return err
	}
	defer stack.Close()

	// Show the resolved directories before touching anything.
	targets := make(map[string][]string, len(ids))
	total := 0
	for _, id := range ids {
		dirs := paths.Existing(globalConfig.StorageRoot, id)
		targets[id.Normalized()] = dirs
		total += len(dirs)
		if len(dirs) == 0 {
			log.Infof("No artifacts found on disk for %s", id)
			continue
		}
		fmt.Printf("%s:\n", id)
		for _, dir := range dirs {
			fmt.Printf("  %s\n", dir)
		}
	}
	if total == 0 {
		return nil
	}

	if deleteDryRun {
		log.Infof("Dry run: %d directorie(s) would be deleted", total)
		return nil
	}
	if !deleteForce && !confirm(fmt.Sprintf("Delete %d directorie(s)?", total)) {
		log.Info("Deletion cancelled by user.")
		return nil
	}

	var firstErr error
	for _, id := range ids {
		if len(targets[id.Normalized()]) == 0 {
			continue
		}
		if dErr := stack.orch.DeleteArtifacts(id); dErr != nil {
			log.WithError(dErr).Errorf("Failed to delete artifacts for %s", id)
			if firstErr == nil {
				firstErr = dErr
			}
		}
	}
	return firstErr
}

// confirm prompts on stdin for a y/n answer.
func confirm(prompt string) bool {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Printf("%s (y/n): ", prompt)
		input, err := reader.ReadString('\n')
		if err != nil {
			log.WithError(err).Error("Error reading input, aborting.")
			return false
		}
		switch strings.TrimSpace(strings.ToLower(input)) {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		default:
			fmt.Println("Invalid input. Please enter 'y' or 'n'.")
		}
	}
}
