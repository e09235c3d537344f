package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blacklake-io/blacklake/internal/domain/commit"
	"github.com/blacklake-io/blacklake/internal/domain/metaindex"
	"github.com/blacklake-io/blacklake/internal/domain/search"
	"github.com/blacklake-io/blacklake/internal/platform/dbtx"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

// MetaIndexStore implements metaindex.Store directly and search.Backend as
// the relational half of the façade — the fallback that is always
// available per §4.6, even when a repo also uses the external index.
type MetaIndexStore struct {
	pool *pgxpool.Pool
}

func NewMetaIndexStore(pool *pgxpool.Pool) *MetaIndexStore {
	return &MetaIndexStore{pool: pool}
}

func (s *MetaIndexStore) exec(ctx context.Context) dbtx.Executor {
	return dbtx.GetExecutor(ctx, s.pool)
}

func (s *MetaIndexStore) Upsert(ctx context.Context, row *metaindex.Row) error {
	query, args, err := sqrl.Insert("entry_meta_index").
		Columns("commit_id", "path", "creation_dt", "creator", "file_name", "file_type", "file_size",
			"org_lab", "description", "data_source", "data_collection_method", "version", "notes",
			"tags", "license", "classification").
		Values(row.CommitID, row.Path, row.CreationDT, row.Creator, row.FileName, row.FileType, row.FileSize,
			row.OrgLab, row.Description, row.DataSource, row.DataCollectionMethod, row.Version, row.Notes,
			row.Tags, row.License, string(row.Classification)).
		Suffix(`ON CONFLICT (commit_id, path) DO UPDATE SET
			creation_dt = EXCLUDED.creation_dt, creator = EXCLUDED.creator, file_name = EXCLUDED.file_name,
			file_type = EXCLUDED.file_type, file_size = EXCLUDED.file_size, org_lab = EXCLUDED.org_lab,
			description = EXCLUDED.description, data_source = EXCLUDED.data_source,
			data_collection_method = EXCLUDED.data_collection_method, version = EXCLUDED.version,
			notes = EXCLUDED.notes, tags = EXCLUDED.tags, license = EXCLUDED.license,
			classification = EXCLUDED.classification`).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = s.exec(ctx).Exec(ctx, query, args...)

	return err
}

func (s *MetaIndexStore) Find(ctx context.Context, commitID uuid.UUID, path string) (*metaindex.Row, error) {
	query, args, err := sqrl.Select(metaIndexColumns...).
		From("entry_meta_index").
		Where(sqrl.Eq{"commit_id": commitID, "path": path}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	row, err := scanMetaRow(s.exec(ctx).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "metadata projection not found")
	}

	return row, err
}

func (s *MetaIndexStore) Delete(ctx context.Context, commitID uuid.UUID, path string) error {
	query, args, err := sqrl.Delete("entry_meta_index").
		Where(sqrl.Eq{"commit_id": commitID, "path": path}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = s.exec(ctx).Exec(ctx, query, args...)

	return err
}

var metaIndexColumns = []string{
	"commit_id", "path", "creation_dt", "creator", "file_name", "file_type", "file_size",
	"org_lab", "description", "data_source", "data_collection_method", "version", "notes",
	"tags", "license", "classification",
}

func scanMetaRow(row pgx.Row) (*metaindex.Row, error) {
	var r metaindex.Row

	var classification string

	if err := row.Scan(&r.CommitID, &r.Path, &r.CreationDT, &r.Creator, &r.FileName, &r.FileType, &r.FileSize,
		&r.OrgLab, &r.Description, &r.DataSource, &r.DataCollectionMethod, &r.Version, &r.Notes,
		&r.Tags, &r.License, &classification); err != nil {
		return nil, err
	}

	r.Classification = commit.Classification(classification)

	return &r, nil
}

// relationalUpsert backs RelationalBackend.Upsert (search.Backend) by projecting Document back onto the
// same entry_meta_index row the commit engine writes transactionally; the
// relational backend never actually lags because it IS the source of
// truth, so Flush/Freshness are no-ops that report "now".
func (s *MetaIndexStore) relationalUpsert(ctx context.Context, doc search.Document) error {
	row := &metaindex.Row{
		CommitID:       doc.CommitID,
		Path:           doc.Path,
		FileName:       nullableString(doc.FileName),
		FileType:       nullableString(doc.FileType),
		FileSize:       &doc.FileSize,
		OrgLab:         nullableString(doc.OrgLab),
		Description:    nullableString(doc.Description),
		Version:        nullableString(doc.Version),
		Notes:          nullableString(doc.Notes),
		Tags:           doc.Tags,
		License:        nullableString(doc.License),
		Classification: commit.Classification(doc.Classification),
	}

	return s.Upsert(ctx, row)
}

// RelationalBackend adapts MetaIndexStore to search.Backend without
// polluting the narrower metaindex.Store port with query concerns.
type RelationalBackend struct {
	store *MetaIndexStore
}

func NewRelationalBackend(store *MetaIndexStore) *RelationalBackend {
	return &RelationalBackend{store: store}
}

func (b *RelationalBackend) Upsert(ctx context.Context, repoID uuid.UUID, doc search.Document) error {
	return b.store.relationalUpsert(ctx, doc)
}

func (b *RelationalBackend) Delete(ctx context.Context, repoID, commitID uuid.UUID, path string) error {
	return b.store.Delete(ctx, commitID, path)
}

func (b *RelationalBackend) Flush(ctx context.Context, repoID uuid.UUID) error { return nil }

func (b *RelationalBackend) Freshness(ctx context.Context, repoID uuid.UUID) (time.Time, error) {
	return time.Now(), nil
}

// filteredBase builds the WHERE-constrained (but otherwise columnless)
// selection shared by a query's hit list and its facet aggregations, so the
// two always agree on which rows are in scope.
func filteredBase(repoID uuid.UUID, q search.Query) sqrl.SelectBuilder {
	sel := sqrl.Select().
		From("entry_meta_index emi").
		Join("commit c ON c.id = emi.commit_id").
		Where(sqrl.Eq{"c.repo_id": repoID}).
		PlaceholderFormat(sqrl.Dollar)

	for field, fv := range q.Filters {
		col := metaFilterColumn(field)
		if col == "" {
			continue
		}

		switch {
		case fv.Range != nil:
			if fv.Range.Gte != nil {
				sel = sel.Where(sqrl.GtOrEq{col: fv.Range.Gte})
			}

			if fv.Range.Lte != nil {
				sel = sel.Where(sqrl.LtOrEq{col: fv.Range.Lte})
			}
		case len(fv.Set) > 0:
			if field == "tags" {
				sel = sel.Where("emi.tags && ?", pqTextArray(fv.Set))
			} else {
				sel = sel.Where(sqrl.Eq{col: fv.Set})
			}
		case fv.Eq != nil:
			sel = sel.Where(sqrl.Eq{col: fv.Eq})
		}
	}

	if q.Q != "" {
		sel = sel.Where("emi.file_name ILIKE ? OR emi.description ILIKE ?", "%"+q.Q+"%", "%"+q.Q+"%")
	}

	return sel
}

// Query builds a filtered, faceted lookup against entry_meta_index joined
// to the repo's own commit history, falling back to created_at desc since
// relevance ranking is undefined for the relational backend (§4.6).
func (b *RelationalBackend) Query(ctx context.Context, repoID uuid.UUID, q search.Query) (search.Result, error) {
	sel := filteredBase(repoID, q).
		Columns("emi.commit_id", "emi.path", "emi.file_name", "emi.file_type", "emi.org_lab",
			"emi.classification", "emi.tags")

	sort := "c.created_at DESC"
	if q.Sort != "" {
		sort = sanitizeSort(q.Sort)
	}

	size := q.Size
	if size <= 0 {
		size = 50
	}

	page := q.Page
	if page < 0 {
		page = 0
	}

	sel = sel.OrderBy(sort).Limit(uint64(size)).Offset(uint64(page * size))

	query, args, err := sel.ToSql()
	if err != nil {
		return search.Result{}, err
	}

	rows, err := b.store.exec(ctx).Query(ctx, query, args...)
	if err != nil {
		return search.Result{}, err
	}
	defer rows.Close()

	var hits []search.Hit

	for rows.Next() {
		var commitID uuid.UUID

		var path string

		var fileName, fileType, orgLab, classification *string

		var tags []string

		if err := rows.Scan(&commitID, &path, &fileName, &fileType, &orgLab, &classification, &tags); err != nil {
			return search.Result{}, err
		}

		hits = append(hits, search.Hit{
			CommitID: commitID,
			Path:     path,
			Fields: map[string]any{
				"fileName":       deref(fileName),
				"fileType":       deref(fileType),
				"orgLab":         deref(orgLab),
				"classification": deref(classification),
				"tags":           tags,
			},
		})
	}

	if err := rows.Err(); err != nil {
		return search.Result{}, err
	}

	result := search.Result{Hits: hits, Total: int64(len(hits)), Freshness: time.Now()}

	if len(q.Facets) > 0 {
		facets, err := b.facets(ctx, repoID, q)
		if err != nil {
			return search.Result{}, err
		}

		result.Facets = facets
	}

	return result, nil
}

// facets runs one GROUP BY aggregation per requested facet field over the
// same filtered row set Query selects from, mirroring mongoindex.Backend's
// per-field $group/$sort/$limit pipeline (§4.6: "simple facet aggregation
// via GROUP BY" for the relational backend).
func (b *RelationalBackend) facets(ctx context.Context, repoID uuid.UUID, q search.Query) (map[string][]search.FacetCount, error) {
	out := make(map[string][]search.FacetCount, len(q.Facets))

	for _, field := range q.Facets {
		col := metaFilterColumn(field)
		if col == "" {
			continue
		}

		query, args, err := filteredBase(repoID, q).
			Columns(col+" AS value", "COUNT(*) AS count").
			Where(col + " IS NOT NULL").
			GroupBy(col).
			OrderBy("count DESC").
			Limit(20).
			ToSql()
		if err != nil {
			return nil, err
		}

		rows, err := b.store.exec(ctx).Query(ctx, query, args...)
		if err != nil {
			return nil, err
		}

		var buckets []search.FacetCount

		for rows.Next() {
			var value string

			var count int64

			if err := rows.Scan(&value, &count); err != nil {
				rows.Close()
				return nil, err
			}

			buckets = append(buckets, search.FacetCount{Value: value, Count: count})
		}

		rerr := rows.Err()

		rows.Close()

		if rerr != nil {
			return nil, rerr
		}

		out[field] = buckets
	}

	return out, nil
}

func metaFilterColumn(field string) string {
	switch field {
	case "fileName", "fileType", "orgLab", "dataSource", "version", "license", "classification", "tags":
		return "emi." + toSnakeCase(field)
	case "fileSize":
		return "emi.file_size"
	default:
		return ""
	}
}

func toSnakeCase(s string) string {
	var b strings.Builder

	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}

			b.WriteRune(r - 'A' + 'a')
		} else {
			b.WriteRune(r)
		}
	}

	return b.String()
}

// sanitizeSort allows only a fixed allowlist of sortable columns to avoid
// building a query from unsanitized user input.
func sanitizeSort(sort string) string {
	field := strings.TrimSuffix(strings.TrimSpace(sort), " desc")

	col := metaFilterColumn(field)
	if col == "" {
		return "c.created_at DESC"
	}

	if strings.HasSuffix(sort, " desc") {
		return col + " DESC"
	}

	return col + " ASC"
}

func pqTextArray(vals []any) []string {
	out := make([]string, 0, len(vals))

	for _, v := range vals {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}

	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}
