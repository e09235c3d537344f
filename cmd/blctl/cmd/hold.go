package cmd

import (
	"context"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/blacklake-io/blacklake/internal/bootstrap"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

func newReleaseHoldCommand() *cobra.Command {
	var (
		actor  string
		repoID string
		holdID string
	)

	cmd := &cobra.Command{
		Use:   "release-hold",
		Short: "Release a legal hold",
		RunE: func(c *cobra.Command, args []string) error {
			rid, err := uuid.Parse(repoID)
			if err != nil {
				return errkind.Wrap(errkind.InvalidInput, err, "release-hold: bad --repo")
			}

			hid, err := uuid.Parse(holdID)
			if err != nil {
				return errkind.Wrap(errkind.InvalidInput, err, "release-hold: bad --hold")
			}

			return withApp(c.Context(), func(ctx context.Context, app *bootstrap.App) error {
				return app.Governance.ReleaseHold(ctx, actor, rid, hid)
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "actor performing the change (required)")
	cmd.Flags().StringVar(&repoID, "repo", "", "repository id the hold belongs to (required, for the audit record)")
	cmd.Flags().StringVar(&holdID, "hold", "", "legal hold id to release (required)")

	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("hold")

	return cmd
}
