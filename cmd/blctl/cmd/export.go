package cmd

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/blacklake-io/blacklake/internal/bootstrap"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

func newExportCommand() *cobra.Command {
	var (
		repoID   string
		ref      string
		commitID string
		out      string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Assemble a gzipped tar archive of a ref or commit and write it locally",
		RunE: func(c *cobra.Command, args []string) error {
			rid, err := uuid.Parse(repoID)
			if err != nil {
				return errkind.Wrap(errkind.InvalidInput, err, "export: bad --repo")
			}

			return withApp(c.Context(), func(ctx context.Context, app *bootstrap.App) error {
				cid, err := resolveCommit(ctx, app, rid, ref, commitID)
				if err != nil {
					return err
				}

				refName := ref
				if refName == "" {
					refName = "main"
				}

				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()

				return app.Export.Build(ctx, f, rid, refName, cid)
			})
		},
	}

	cmd.Flags().StringVar(&repoID, "repo", "", "repository id (required)")
	cmd.Flags().StringVar(&ref, "ref", "", "ref name to resolve (mutually exclusive with --commit)")
	cmd.Flags().StringVar(&commitID, "commit", "", "commit id to export (mutually exclusive with --ref)")
	cmd.Flags().StringVar(&out, "out", "export.tar.gz", "output archive path")

	_ = cmd.MarkFlagRequired("repo")

	return cmd
}
