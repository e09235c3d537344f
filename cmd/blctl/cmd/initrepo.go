package cmd

import (
	"context"
	"encoding/json"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"github.com/blacklake-io/blacklake/internal/bootstrap"
	"github.com/blacklake-io/blacklake/internal/domain/repo"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

var validate = validator.New()

func newInitRepoCommand() *cobra.Command {
	var (
		tenant             string
		name               string
		createdBy          string
		lenientMetadata    bool
		requireLinearRef   bool
		requireAdminForTag bool
	)

	cmd := &cobra.Command{
		Use:   "init-repo",
		Short: "Create a new repository",
		RunE: func(c *cobra.Command, args []string) error {
			in := repo.CreateInput{
				Name:   name,
				Tenant: tenant,
				Features: repo.FeatureFlags{
					LenientMetadata:    lenientMetadata,
					RequireLinearRef:   requireLinearRef,
					RequireAdminForTag: requireAdminForTag,
				},
				CreatedBy: createdBy,
			}

			if err := validate.Struct(in); err != nil {
				return errkind.Wrap(errkind.InvalidInput, err, "init-repo: invalid input")
			}

			return withApp(c.Context(), func(ctx context.Context, app *bootstrap.App) error {
				r, err := app.Repos.CreateRepository(ctx, &repo.Repository{
					Name:      in.Name,
					Tenant:    in.Tenant,
					Features:  in.Features,
					CreatedBy: in.CreatedBy,
				})
				if err != nil {
					return err
				}

				return json.NewEncoder(os.Stdout).Encode(r)
			})
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&name, "name", "", "repository name (required)")
	cmd.Flags().StringVar(&createdBy, "created-by", "", "actor creating the repository (required)")
	cmd.Flags().BoolVar(&lenientMetadata, "lenient-metadata", false, "accept metadata keys outside the canonical projection")
	cmd.Flags().BoolVar(&requireLinearRef, "require-linear-ref", false, "reject commits whose expected parent is not the current tip")
	cmd.Flags().BoolVar(&requireAdminForTag, "require-admin-for-tag", false, "require admin role to create or move tag refs")

	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("created-by")

	return cmd
}
