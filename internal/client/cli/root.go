// Package cli implements the packhub management commands on top of the
// HTTP API client.
package cli

import (
	"io"

	"github.com/packhub/packhub/internal/client/api"
	"github.com/spf13/cobra"
)

// App carries the shared state of all commands.
type App struct {
	client *api.Client
	out    io.Writer
}

func NewApp(client *api.Client, out io.Writer) *App {
	return &App{client: client, out: out}
}

// NewRootCommand assembles the full command tree.
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:           "packhub",
		Short:         "Manage packhub content sources and repos",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newSourceCommand(app))
	root.AddCommand(newRepoCommand(app))
	root.AddCommand(newSyncResultsCommand(app))
	root.AddCommand(newPurgeCommand(app))
	return root
}

func Execute(app *App) {
	cobra.CheckErr(NewRootCommand(app).Execute())
}
