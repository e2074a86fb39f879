package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSyncResultsCommand(app *App) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sync-results <sourceID>",
		Short: "Show recent synchronization runs for a content source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid source id %q", args[0])
			}
			results, err := app.client.SyncResults(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(app.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tENDED")
			for _, sr := range results {
				ended := ""
				if sr.EndTime != nil {
					ended = sr.EndTime.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
					sr.ID, sr.Status, sr.StartTime.Format("2006-01-02 15:04:05"), ended)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of runs to show")
	return cmd
}

func newPurgeCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Run one orphan purge pass on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := app.client.Purge(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(app.out,
				"purged %d package versions, %d bits rows, %d product version mappings, %d files (%d failed)\n",
				stats.PackageVersions, stats.PackageBits, stats.ProductVersionMappings,
				stats.FilesDeleted, stats.FilesFailed)
			return nil
		},
	}
}
