package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-model-fetch/internal/helpers"
)

var listLimit int

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().IntVarP(&listLimit, "limit", "l", 0, "Maximum number of files to list (0 = no limit)")
}

var listCmd = &cobra.Command{
	Use:   "list <owner/name>",
	Short: "List a model's on-disk files",
	Long: `List enumerates the files found for a model across every resolved
on-disk location. In-progress partial downloads are shown with their
.partial suffix.`,
	Args: cobra.ExactArgs(1),
	RunE: runList,
}

func runList(cmd *cobra.Command, args []string) error {
	ids, err := parseIdentifiers(args)
	if err != nil {
		return err
	}
	id := ids[0]

	stack, err := buildStack(false, false)
	if err != nil {
		return err
	}
	defer stack.Close()

	files, err := stack.orch.ListLocalFiles(id, listLimit)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		log.Infof("No local files found for %s", id)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tSIZE")
	var total int64
	for _, f := range files {
		size := "?"
		if f.Size >= 0 {
			size = helpers.BytesToSize(uint64(f.Size))
			total += f.Size
		}
		fmt.Fprintf(w, "%s\t%s\n", f.DisplayName, size)
	}
	fmt.Fprintf(w, "TOTAL (%d files)\t%s\n", len(files), helpers.BytesToSize(uint64(total)))
	return w.Flush()
}
