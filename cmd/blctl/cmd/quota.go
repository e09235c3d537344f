package cmd

import (
	"context"
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/blacklake-io/blacklake/internal/bootstrap"
	"github.com/blacklake-io/blacklake/internal/domain/governance"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

func newSetQuotaCommand() *cobra.Command {
	var (
		actor      string
		repoID     string
		userID     string
		maxBytes   int64
		maxFiles   int64
		maxCommits int64
	)

	cmd := &cobra.Command{
		Use:   "set-quota",
		Short: "Set the max_* limits for a repo- or user-scoped quota",
		RunE: func(c *cobra.Command, args []string) error {
			if (repoID == "") == (userID == "") {
				return errkind.New(errkind.InvalidInput, "set-quota: exactly one of --repo or --user is required")
			}

			q := &governance.Quota{
				MaxBytes:   decimal.NewFromInt(maxBytes),
				MaxFiles:   maxFiles,
				MaxCommits: maxCommits,
			}

			if repoID != "" {
				rid, err := uuid.Parse(repoID)
				if err != nil {
					return errkind.Wrap(errkind.InvalidInput, err, "set-quota: bad --repo")
				}

				q.RepoID = rid
			} else {
				q.UserID = userID
			}

			return withApp(c.Context(), func(ctx context.Context, app *bootstrap.App) error {
				if err := app.Governance.SetQuota(ctx, actor, q); err != nil {
					return err
				}

				return json.NewEncoder(os.Stdout).Encode(q)
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "actor performing the change (required)")
	cmd.Flags().StringVar(&repoID, "repo", "", "repository id to scope the quota to")
	cmd.Flags().StringVar(&userID, "user", "", "user id to scope the quota to")
	cmd.Flags().Int64Var(&maxBytes, "max-bytes", 0, "maximum total bytes")
	cmd.Flags().Int64Var(&maxFiles, "max-files", 0, "maximum total files")
	cmd.Flags().Int64Var(&maxCommits, "max-commits", 0, "maximum total commits")

	_ = cmd.MarkFlagRequired("actor")

	return cmd
}
