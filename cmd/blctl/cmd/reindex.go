package cmd

import (
	"context"
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/blacklake-io/blacklake/internal/bootstrap"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

func newReindexCommand() *cobra.Command {
	var repoID string

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Run one index-drift sweep for a repository immediately",
		RunE: func(c *cobra.Command, args []string) error {
			rid, err := uuid.Parse(repoID)
			if err != nil {
				return errkind.Wrap(errkind.InvalidInput, err, "reindex: bad --repo")
			}

			return withApp(c.Context(), func(ctx context.Context, app *bootstrap.App) error {
				report, err := app.Reconciler.RunIndexDrift(ctx, rid)
				if err != nil {
					return err
				}

				return json.NewEncoder(os.Stdout).Encode(report)
			})
		},
	}

	cmd.Flags().StringVar(&repoID, "repo", "", "repository id (required)")
	_ = cmd.MarkFlagRequired("repo")

	return cmd
}
