package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/packhub/packhub/internal/client/api"
	"github.com/spf13/cobra"
)

func newSourceCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Manage content sources",
	}
	cmd.AddCommand(newSourceListCommand(app))
	cmd.AddCommand(newSourceCreateCommand(app))
	cmd.AddCommand(newSourceDeleteCommand(app))
	cmd.AddCommand(newSourceSyncCommand(app))
	return cmd
}

func newSourceListCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List content sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := app.client.ListSources(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(app.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tMODE\tSCHEDULE")
			for _, s := range sources {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					s.ID, s.Name, s.TypeName, s.DownloadMode, s.SyncSchedule)
			}
			return w.Flush()
		},
	}
}

func newSourceCreateCommand(app *App) *cobra.Command {
	src := &api.Source{}
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a content source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src.Name = args[0]
			created, err := app.client.CreateSource(cmd.Context(), src)
			if err != nil {
				return err
			}
			fmt.Fprintf(app.out, "created source %d (%s)\n", created.ID, created.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&src.TypeName, "type", "rpmdir", "provider type name")
	cmd.Flags().StringVar(&src.Description, "description", "", "description")
	cmd.Flags().StringVar(&src.Configuration, "config", "{}", "provider configuration, JSON")
	cmd.Flags().BoolVar(&src.LazyLoad, "lazy", true, "download package bits on first request instead of at sync time")
	cmd.Flags().StringVar(&src.DownloadMode, "mode", "DATABASE", "bits storage mode: NEVER, DATABASE, FILESYSTEM, S3")
	cmd.Flags().StringVar(&src.SyncSchedule, "schedule", "", "sync schedule, empty disables scheduled syncs")
	return cmd
}

func newSourceDeleteCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a content source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid source id %q", args[0])
			}
			if err := app.client.DeleteSource(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(app.out, "deleted source %d\n", id)
			return nil
		},
	}
}

func newSourceSyncCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <id>",
		Short: "Run one synchronization for a content source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid source id %q", args[0])
			}
			sr, err := app.client.SyncSource(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(app.out, "sync %d finished with status %s\n%s", sr.ID, sr.Status, sr.Results)
			return nil
		},
	}
}
