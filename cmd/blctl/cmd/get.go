package cmd

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/blacklake-io/blacklake/internal/bootstrap"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

const getPresignExpiry = 15 * time.Minute

func newGetCommand() *cobra.Command {
	var (
		repoID   string
		ref      string
		commitID string
		path     string
		out      string
	)

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Fetch one path's content at a ref or commit",
		RunE: func(c *cobra.Command, args []string) error {
			rid, err := uuid.Parse(repoID)
			if err != nil {
				return errkind.Wrap(errkind.InvalidInput, err, "get: bad --repo")
			}

			return withApp(c.Context(), func(ctx context.Context, app *bootstrap.App) error {
				cid, err := resolveCommit(ctx, app, rid, ref, commitID)
				if err != nil {
					return err
				}

				entry, err := app.Commits.FindEntry(ctx, cid, path)
				if err != nil {
					return err
				}

				if entry == nil {
					return errkind.New(errkind.NotFound, "path not found at that commit: "+path)
				}

				obj, err := app.Registry.Find(ctx, entry.ObjectSHA256)
				if err != nil {
					return err
				}

				if obj == nil {
					return errkind.New(errkind.NotFound, "object row missing for sha256 "+entry.ObjectSHA256)
				}

				url, err := app.Objects.PresignGet(ctx, obj.StorageKey, getPresignExpiry)
				if err != nil {
					return err
				}

				return downloadTo(ctx, url, out)
			})
		},
	}

	cmd.Flags().StringVar(&repoID, "repo", "", "repository id (required)")
	cmd.Flags().StringVar(&ref, "ref", "", "ref name to resolve (mutually exclusive with --commit)")
	cmd.Flags().StringVar(&commitID, "commit", "", "commit id to read at (mutually exclusive with --ref)")
	cmd.Flags().StringVar(&path, "path", "", "path within the tree (required)")
	cmd.Flags().StringVar(&out, "out", "-", "output file, or - for stdout")

	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("path")

	return cmd
}

func resolveCommit(ctx context.Context, app *bootstrap.App, repoID uuid.UUID, ref, commitID string) (uuid.UUID, error) {
	if commitID != "" {
		return uuid.Parse(commitID)
	}

	name := ref
	if name == "" {
		name = "main"
	}

	r, err := app.Repos.FindRef(ctx, repoID, name)
	if err != nil {
		return uuid.Nil, err
	}

	if r == nil {
		return uuid.Nil, errkind.New(errkind.NotFound, "ref not found: "+name)
	}

	return r.CommitID, nil
}

func downloadTo(ctx context.Context, url, out string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.BackendUnavailable, err, "get: fetching presigned URL")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errkind.New(errkind.BackendUnavailable, "presigned get returned non-2xx status")
	}

	w := os.Stdout

	if out != "-" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()

		w = f
	}

	_, err = io.Copy(w, resp.Body)

	return err
}
