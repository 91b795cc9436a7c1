package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"go-model-fetch/internal/helpers"
	"go-model-fetch/internal/models"
	"go-model-fetch/internal/paths"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status [owner/name]",
	Short: "Show cached manifests and on-disk state",
	Long: `Without arguments, status lists every model with a cached manifest.
With an identifier it shows that model's manifest details, resolved
directories and whether resumable partials are present.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	stack, err := buildStack(false, false)
	if err != nil {
		return err
	}
	defer stack.Close()

	if len(args) == 0 {
		ids := stack.store.ManifestIdentifiers()
		if len(ids) == 0 {
			fmt.Println("No cached manifests.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "MODEL\tFILES\tTOTAL SIZE\tFETCHED")
		for _, raw := range ids {
			id, pErr := models.ParseIdentifier(raw)
			if pErr != nil {
				continue
			}
			m, gErr := stack.store.GetManifest(id)
			if gErr != nil {
				continue
			}
			size := "?"
			if total := m.TotalSize(); total >= 0 {
				size = helpers.BytesToSize(uint64(total))
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", raw, len(m.Files), size, m.FetchedAt.Format(time.RFC3339))
		}
		return w.Flush()
	}

	ids, err := parseIdentifiers(args)
	if err != nil {
		return err
	}
	id := ids[0]

	fmt.Printf("Model: %s\n", id)

	if m, gErr := stack.store.GetManifest(id); gErr == nil {
		size := "?"
		if total := m.TotalSize(); total >= 0 {
			size = helpers.BytesToSize(uint64(total))
		}
		fmt.Printf("Manifest: %d files, %s (fetched %s)\n", len(m.Files), size, m.FetchedAt.Format(time.RFC3339))
	} else {
		fmt.Println("Manifest: not cached")
	}

	dirs := paths.Existing(globalConfig.StorageRoot, id)
	if len(dirs) == 0 {
		fmt.Println("On disk: nothing found")
		return nil
	}
	fmt.Println("On disk:")
	for _, dir := range dirs {
		fmt.Printf("  %s\n", dir)
	}
	if stack.orch.HasPartials(id) {
		fmt.Println("Resumable partial downloads present.")
	}
	return nil
}
