package cmd

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/blacklake-io/blacklake/internal/bootstrap"
	"github.com/blacklake-io/blacklake/internal/domain/commit"
	"github.com/blacklake-io/blacklake/internal/domain/repo"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
	"github.com/blacklake-io/blacklake/internal/services/commitengine"
	"github.com/blacklake-io/blacklake/internal/services/upload"
)

func newPutCommand() *cobra.Command {
	var (
		repoID         string
		ref            string
		expectedParent string
		path           string
		file           string
		actor          string
		token          string
		message        string
		contentType    string
		metaFile       string
	)

	cmd := &cobra.Command{
		Use:   "put",
		Short: "Init, upload, and commit one file in a single step",
		RunE: func(c *cobra.Command, args []string) error {
			if token == "" && actor == "" {
				return errkind.New(errkind.InvalidInput, "put: one of --actor or --token is required")
			}

			rid, err := uuid.Parse(repoID)
			if err != nil {
				return errkind.Wrap(errkind.InvalidInput, err, "put: bad --repo")
			}

			body, err := os.ReadFile(file)
			if err != nil {
				return errkind.Wrap(errkind.InvalidInput, err, "put: reading --file")
			}

			sum := sha256.Sum256(body)
			sha := hex.EncodeToString(sum[:])

			var meta commit.Meta
			if metaFile != "" {
				raw, err := os.ReadFile(metaFile)
				if err != nil {
					return errkind.Wrap(errkind.InvalidInput, err, "put: reading --meta file")
				}

				if err := json.Unmarshal(raw, &meta); err != nil {
					return errkind.Wrap(errkind.InvalidInput, err, "put: parsing --meta file")
				}
			}

			var parent uuid.UUID
			if expectedParent != "" {
				parent, err = uuid.Parse(expectedParent)
				if err != nil {
					return errkind.Wrap(errkind.InvalidInput, err, "put: bad --expected-parent")
				}
			}

			subject, subjectIsAdmin, subjectAttrs, err := resolveSubject(token, actor, false)
			if err != nil {
				return err
			}

			return withApp(c.Context(), func(ctx context.Context, app *bootstrap.App) error {
				initRes, err := app.Upload.Init(ctx, upload.InitInput{
					RepoID:         rid,
					Path:           path,
					Actor:          subject,
					ActorAttrs:     subjectAttrs,
					DeclaredSize:   int64(len(body)),
					DeclaredSHA256: sha,
					ContentType:    contentType,
				})
				if err != nil {
					return err
				}

				if err := httpPut(ctx, initRes.PresignedPUT, body, contentType); err != nil {
					return errkind.Wrap(errkind.BackendUnavailable, err, "put: uploading to presigned URL")
				}

				finalizeRes, err := app.Upload.Finalize(ctx, upload.FinalizeInput{
					RepoID:         rid,
					StagingKey:     initRes.StagingKey,
					DeclaredSize:   int64(len(body)),
					DeclaredSHA256: sha,
				})
				if err != nil {
					return err
				}

				commitRes, err := app.CommitEngine.Commit(ctx, commitengine.Input{
					RepoID:         rid,
					RefName:        ref,
					RefKind:        repo.RefBranch,
					ExpectedParent: parent,
					Author:         subject,
					AuthorIsAdmin:  subjectIsAdmin,
					AuthorAttrs:    subjectAttrs,
					Message:        message,
					Changes: commit.ChangeSet{{
						Op:           commit.OpPut,
						Path:         path,
						ObjectSHA256: finalizeRes.SHA256,
						Meta:         meta,
					}},
				})
				if err != nil {
					return err
				}

				return json.NewEncoder(os.Stdout).Encode(commitRes)
			})
		},
	}

	cmd.Flags().StringVar(&repoID, "repo", "", "repository id (required)")
	cmd.Flags().StringVar(&ref, "ref", "main", "ref name to advance")
	cmd.Flags().StringVar(&expectedParent, "expected-parent", "", "commit id the ref is expected to point at (empty for a new ref)")
	cmd.Flags().StringVar(&path, "path", "", "path within the tree (required)")
	cmd.Flags().StringVar(&file, "file", "", "local file to upload (required)")
	cmd.Flags().StringVar(&actor, "actor", "", "actor id recorded on the upload and commit (required unless --token is set)")
	cmd.Flags().StringVar(&token, "token", "", "bearer JWT to derive --actor and ABAC subject attributes from (overrides --actor if set)")
	cmd.Flags().StringVar(&message, "message", "", "commit message")
	cmd.Flags().StringVar(&contentType, "content-type", "application/octet-stream", "content type of the uploaded object")
	cmd.Flags().StringVar(&metaFile, "meta", "", "path to a JSON file with the entry's metadata")

	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("path")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func httpPut(ctx context.Context, url string, body []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", contentType)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("presigned put returned %d", resp.StatusCode)
	}

	return nil
}
