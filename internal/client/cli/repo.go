package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/packhub/packhub/internal/client/api"
	"github.com/spf13/cobra"
)

func newRepoCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage repos",
	}
	cmd.AddCommand(newRepoListCommand(app))
	cmd.AddCommand(newRepoCreateCommand(app))
	return cmd
}

func newRepoListCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List repos",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repos, err := app.client.ListRepos(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(app.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCANDIDATE\tDESCRIPTION")
			for _, r := range repos {
				fmt.Fprintf(w, "%d\t%s\t%t\t%s\n", r.ID, r.Name, r.Candidate, r.Description)
			}
			return w.Flush()
		},
	}
}

func newRepoCreateCommand(app *App) *cobra.Command {
	repo := &api.Repo{}
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a repo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo.Name = args[0]
			created, err := app.client.CreateRepo(cmd.Context(), repo)
			if err != nil {
				return err
			}
			fmt.Fprintf(app.out, "created repo %d (%s)\n", created.ID, created.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&repo.Description, "description", "", "description")
	cmd.Flags().BoolVar(&repo.Candidate, "candidate", false, "mark the repo as a candidate channel")
	return cmd
}
