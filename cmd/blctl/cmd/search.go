package cmd

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/blacklake-io/blacklake/internal/bootstrap"
	"github.com/blacklake-io/blacklake/internal/domain/search"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

func newSearchCommand() *cobra.Command {
	var (
		repoID  string
		q       string
		filters []string
		facets  []string
		sort    string
		page    int
		size    int
		cursor  string
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Query the metadata projection for a repository",
		RunE: func(c *cobra.Command, args []string) error {
			rid, err := uuid.Parse(repoID)
			if err != nil {
				return errkind.Wrap(errkind.InvalidInput, err, "search: bad --repo")
			}

			query := search.Query{
				Q:       q,
				Filters: map[string]search.FilterValue{},
				Facets:  facets,
				Sort:    sort,
				Page:    page,
				Size:    size,
				Cursor:  cursor,
			}

			for _, f := range filters {
				k, v, ok := strings.Cut(f, "=")
				if !ok {
					return errkind.New(errkind.InvalidInput, "search: --filter must be key=value, got "+f)
				}

				query.Filters[k] = search.FilterValue{Eq: v}
			}

			return withApp(c.Context(), func(ctx context.Context, app *bootstrap.App) error {
				res, err := app.SearchFacade.Query(ctx, rid, query)
				if err != nil {
					return err
				}

				return json.NewEncoder(os.Stdout).Encode(res)
			})
		},
	}

	cmd.Flags().StringVar(&repoID, "repo", "", "repository id (required)")
	cmd.Flags().StringVar(&q, "q", "", "free-text query")
	cmd.Flags().StringSliceVar(&filters, "filter", nil, "equality filter key=value, repeatable")
	cmd.Flags().StringSliceVar(&facets, "facet", nil, "facet field to aggregate, repeatable")
	cmd.Flags().StringVar(&sort, "sort", "", "sort field, optionally suffixed \" desc\"")
	cmd.Flags().IntVar(&page, "page", 0, "zero-based page number")
	cmd.Flags().IntVar(&size, "size", 20, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "opaque cursor (not read by either search backend)")

	_ = cmd.MarkFlagRequired("repo")

	return cmd
}
