package cmd

import (
	"context"
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/blacklake-io/blacklake/internal/bootstrap"
	"github.com/blacklake-io/blacklake/internal/domain/commit"
	"github.com/blacklake-io/blacklake/internal/domain/repo"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
	"github.com/blacklake-io/blacklake/internal/services/commitengine"
)

func newCommitCommand() *cobra.Command {
	var (
		repoID         string
		ref            string
		expectedParent string
		author         string
		isAdmin        bool
		token          string
		message        string
		changesFile    string
	)

	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Apply a change set to a ref, advancing its tip",
		RunE: func(c *cobra.Command, args []string) error {
			if token == "" && author == "" {
				return errkind.New(errkind.InvalidInput, "commit: one of --author or --token is required")
			}

			rid, err := uuid.Parse(repoID)
			if err != nil {
				return errkind.Wrap(errkind.InvalidInput, err, "commit: bad --repo")
			}

			var parent uuid.UUID
			if expectedParent != "" {
				parent, err = uuid.Parse(expectedParent)
				if err != nil {
					return errkind.Wrap(errkind.InvalidInput, err, "commit: bad --expected-parent")
				}
			}

			raw, err := os.ReadFile(changesFile)
			if err != nil {
				return errkind.Wrap(errkind.InvalidInput, err, "commit: reading --changes file")
			}

			var changes commit.ChangeSet
			if err := json.Unmarshal(raw, &changes); err != nil {
				return errkind.Wrap(errkind.InvalidInput, err, "commit: parsing --changes file")
			}

			subject, subjectIsAdmin, subjectAttrs, err := resolveSubject(token, author, isAdmin)
			if err != nil {
				return err
			}

			return withApp(c.Context(), func(ctx context.Context, app *bootstrap.App) error {
				res, err := app.CommitEngine.Commit(ctx, commitengine.Input{
					RepoID:         rid,
					RefName:        ref,
					RefKind:        repo.RefBranch,
					ExpectedParent: parent,
					Author:         subject,
					AuthorIsAdmin:  subjectIsAdmin,
					AuthorAttrs:    subjectAttrs,
					Message:        message,
					Changes:        changes,
				})
				if err != nil {
					return err
				}

				return json.NewEncoder(os.Stdout).Encode(res)
			})
		},
	}

	cmd.Flags().StringVar(&repoID, "repo", "", "repository id (required)")
	cmd.Flags().StringVar(&ref, "ref", "main", "ref name to advance")
	cmd.Flags().StringVar(&expectedParent, "expected-parent", "", "commit id the ref is expected to point at (empty for a new ref)")
	cmd.Flags().StringVar(&author, "author", "", "actor id recorded on the commit (required unless --token is set)")
	cmd.Flags().BoolVar(&isAdmin, "admin", false, "the actor holds admin role, required to demote classification or move a protected tag")
	cmd.Flags().StringVar(&token, "token", "", "bearer JWT to derive --author/--admin and ABAC subject attributes from (overrides --author/--admin if set)")
	cmd.Flags().StringVar(&message, "message", "", "commit message")
	cmd.Flags().StringVar(&changesFile, "changes", "", "path to a JSON file containing the change set (required)")

	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("changes")

	return cmd
}
