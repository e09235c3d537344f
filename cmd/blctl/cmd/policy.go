package cmd

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/blacklake-io/blacklake/internal/bootstrap"
	"github.com/blacklake-io/blacklake/internal/domain/governance"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

func newSetPolicyCommand() *cobra.Command {
	var (
		actor string
		file  string
	)

	cmd := &cobra.Command{
		Use:   "set-policy",
		Short: "Create or update an ABAC policy from a JSON file",
		RunE: func(c *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return errkind.Wrap(errkind.InvalidInput, err, "set-policy: reading --file")
			}

			var p governance.Policy
			if err := json.Unmarshal(raw, &p); err != nil {
				return errkind.Wrap(errkind.InvalidInput, err, "set-policy: parsing --file")
			}

			if p.TenantID == "" || p.Name == "" || p.Effect == "" {
				return errkind.New(errkind.InvalidInput, "set-policy: tenantId, name and effect are required")
			}

			return withApp(c.Context(), func(ctx context.Context, app *bootstrap.App) error {
				if err := app.Governance.SetPolicy(ctx, actor, &p); err != nil {
					return err
				}

				return json.NewEncoder(os.Stdout).Encode(p)
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "actor performing the change (required)")
	cmd.Flags().StringVar(&file, "file", "", "path to a JSON policy document (required)")

	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
