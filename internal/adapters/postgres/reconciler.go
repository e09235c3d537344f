package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blacklake-io/blacklake/internal/domain/commit"
	"github.com/blacklake-io/blacklake/internal/domain/job"
	"github.com/blacklake-io/blacklake/internal/domain/metaindex"
	"github.com/blacklake-io/blacklake/internal/domain/reconciler"
	"github.com/blacklake-io/blacklake/internal/domain/search"
	"github.com/blacklake-io/blacklake/internal/platform/dbtx"
)

// ReconcilerScanner implements reconciler.Scanner over Postgres. external is
// consulted only to gauge whether the repo's external index document is
// fresher than its newest commit — it has no opinion on per-document
// staleness beyond that watermark, the same coarse freshness contract
// search.Backend.Freshness exposes.
type ReconcilerScanner struct {
	pool     *pgxpool.Pool
	external search.Backend // nil if the repo has no external backend configured
}

func NewReconcilerScanner(pool *pgxpool.Pool, external search.Backend) *ReconcilerScanner {
	return &ReconcilerScanner{pool: pool, external: external}
}

func (s *ReconcilerScanner) exec(ctx context.Context) dbtx.Executor {
	return dbtx.GetExecutor(ctx, s.pool)
}

// FindIndexDrift walks entries belonging to commits newer than the
// checkpoint, flagging any entry with no entry_meta_index row as
// "missing_projection", and — when an external backend is wired — any entry
// whose commit postdates the external index's freshness watermark as
// "missing_external_doc".
func (s *ReconcilerScanner) FindIndexDrift(ctx context.Context, repoID uuid.UUID, since reconciler.Checkpoint, limit int) ([]reconciler.IndexDrift, reconciler.Checkpoint, error) {
	query, args, err := sqrl.Select("c.id", "e.path", "c.created_at",
		"(emi.commit_id IS NULL) AS missing_projection").
		From("commit c").
		Join("entry e ON e.commit_id = c.id").
		LeftJoin("entry_meta_index emi ON emi.commit_id = e.commit_id AND emi.path = e.path").
		Where(sqrl.Eq{"c.repo_id": repoID}).
		Where(`NOT EXISTS (SELECT 1 FROM commit c2 WHERE c2.id = ? AND c2.created_at >= c.created_at)`, since.LastCommitID).
		OrderBy("c.created_at", "c.id").
		Limit(uint64(limit)).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return nil, reconciler.Checkpoint{}, err
	}

	// A zero LastCommitID means "from the beginning" — the NOT EXISTS guard
	// above is vacuously true in that case since no commit row has id = Nil.
	rows, err := s.exec(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, reconciler.Checkpoint{}, err
	}
	defer rows.Close()

	var freshness time.Time

	if s.external != nil {
		freshness, err = s.external.Freshness(ctx, repoID)
		if err != nil {
			return nil, reconciler.Checkpoint{}, err
		}
	}

	var drift []reconciler.IndexDrift

	cp := since

	for rows.Next() {
		var commitID uuid.UUID

		var path string

		var createdAt time.Time

		var missingProjection bool

		if err := rows.Scan(&commitID, &path, &createdAt, &missingProjection); err != nil {
			return nil, reconciler.Checkpoint{}, err
		}

		switch {
		case missingProjection:
			drift = append(drift, reconciler.IndexDrift{
				RepoID: repoID, CommitID: commitID, Path: path, Reason: "missing_projection",
			})
		case s.external != nil && createdAt.After(freshness):
			drift = append(drift, reconciler.IndexDrift{
				RepoID: repoID, CommitID: commitID, Path: path, Reason: "missing_external_doc",
			})
		}

		cp = reconciler.Checkpoint{RepoID: repoID, LastCommitID: commitID, UpdatedAt: createdAt}
	}

	return drift, cp, rows.Err()
}

func (s *ReconcilerScanner) FindOrphanObjects(ctx context.Context, olderThan time.Time, limit int) ([]reconciler.OrphanObject, error) {
	objects, err := (&ObjectRegistry{pool: s.pool}).FindUnreferencedOlderThan(ctx, olderThan, limit)
	if err != nil {
		return nil, err
	}

	out := make([]reconciler.OrphanObject, 0, len(objects))
	for _, o := range objects {
		out = append(out, reconciler.OrphanObject{SHA256: o.SHA256, CreatedAt: o.CreatedAt})
	}

	return out, nil
}

func (s *ReconcilerScanner) FindOrphanStagingKeys(ctx context.Context, olderThan time.Time, limit int) ([]reconciler.OrphanStagingKey, error) {
	query, args, err := sqrl.Select("key", "created_at").
		From("staging_key").
		Where(sqrl.Eq{"finalized": false}).
		Where(sqrl.Lt{"created_at": olderThan}).
		OrderBy("created_at").
		Limit(uint64(limit)).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.exec(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []reconciler.OrphanStagingKey

	for rows.Next() {
		var k reconciler.OrphanStagingKey

		if err := rows.Scan(&k.Key, &k.CreatedAt); err != nil {
			return nil, err
		}

		keys = append(keys, k)
	}

	return keys, rows.Err()
}

// ReconcilerRepairer implements reconciler.Repairer over Postgres, calling
// back into the commit/metaindex/search/job ports the way the orchestrating
// service does, rather than duplicating their SQL.
type ReconcilerRepairer struct {
	pool      *pgxpool.Pool
	commits   commit.Store
	metaIndex metaindex.Store
	external  search.Backend
	jobs      job.Store
	strict    bool
}

func NewReconcilerRepairer(pool *pgxpool.Pool, commits commit.Store, metaIndex metaindex.Store, external search.Backend, jobs job.Store, strict bool) *ReconcilerRepairer {
	return &ReconcilerRepairer{pool: pool, commits: commits, metaIndex: metaIndex, external: external, jobs: jobs, strict: strict}
}

func (r *ReconcilerRepairer) exec(ctx context.Context) dbtx.Executor {
	return dbtx.GetExecutor(ctx, r.pool)
}

func (r *ReconcilerRepairer) ReprojectEntry(ctx context.Context, repoID, commitID uuid.UUID, path string) error {
	entry, err := r.commits.FindEntry(ctx, commitID, path)
	if err != nil {
		return err
	}

	row, err := metaindex.Project(commitID, entry, r.strict)
	if err != nil {
		return err
	}

	return r.metaIndex.Upsert(ctx, row)
}

func (r *ReconcilerRepairer) ReindexExternal(ctx context.Context, repoID, commitID uuid.UUID, path string) error {
	if r.external == nil {
		return nil
	}

	entry, err := r.commits.FindEntry(ctx, commitID, path)
	if err != nil {
		return err
	}

	row, err := metaindex.Project(commitID, entry, r.strict)
	if err != nil {
		return err
	}

	return r.external.Upsert(ctx, repoID, rowToDocument(row))
}

func (r *ReconcilerRepairer) ScheduleObjectDeletion(ctx context.Context, sha256 string) error {
	payload, err := json.Marshal(map[string]string{"sha256": sha256})
	if err != nil {
		return err
	}

	return r.jobs.Enqueue(ctx, &job.Job{
		ID:           uuid.New(),
		Type:         job.TypeObjectGC,
		Payload:      payload,
		PartitionKey: sha256,
		CreatedAt:    time.Now().UTC(),
		VisibleAt:    time.Now().UTC(),
	})
}

func (r *ReconcilerRepairer) ReapStagingKey(ctx context.Context, key string) error {
	payload, err := json.Marshal(map[string]string{"key": key})
	if err != nil {
		return err
	}

	if err := r.jobs.Enqueue(ctx, &job.Job{
		ID:           uuid.New(),
		Type:         job.TypeStagingReap,
		Payload:      payload,
		PartitionKey: key,
		CreatedAt:    time.Now().UTC(),
		VisibleAt:    time.Now().UTC(),
	}); err != nil {
		return err
	}

	query, args, err := sqrl.Update("staging_key").
		Set("finalized", true).
		Where(sqrl.Eq{"key": key}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = r.exec(ctx).Exec(ctx, query, args...)

	return err
}

func (r *ReconcilerRepairer) SaveCheckpoint(ctx context.Context, cp reconciler.Checkpoint) error {
	query, args, err := sqrl.Insert("reconciler_checkpoint").
		Columns("repo_id", "last_commit_id", "updated_at").
		Values(cp.RepoID, cp.LastCommitID, cp.UpdatedAt).
		Suffix("ON CONFLICT (repo_id) DO UPDATE SET last_commit_id = EXCLUDED.last_commit_id, updated_at = EXCLUDED.updated_at").
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = r.exec(ctx).Exec(ctx, query, args...)

	return err
}

func (r *ReconcilerRepairer) LoadCheckpoint(ctx context.Context, repoID uuid.UUID) (reconciler.Checkpoint, error) {
	query, args, err := sqrl.Select("repo_id", "last_commit_id", "updated_at").
		From("reconciler_checkpoint").
		Where(sqrl.Eq{"repo_id": repoID}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return reconciler.Checkpoint{}, err
	}

	var cp reconciler.Checkpoint

	var lastCommitID *uuid.UUID

	if err := r.exec(ctx).QueryRow(ctx, query, args...).Scan(&cp.RepoID, &lastCommitID, &cp.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return reconciler.Checkpoint{RepoID: repoID}, nil
		}

		return reconciler.Checkpoint{}, err
	}

	if lastCommitID != nil {
		cp.LastCommitID = *lastCommitID
	}

	return cp, nil
}

func rowToDocument(row *metaindex.Row) search.Document {
	doc := search.Document{
		CommitID:       row.CommitID,
		Path:           row.Path,
		Tags:           row.Tags,
		Classification: string(row.Classification),
		CreatedAt:      time.Now().UTC(),
	}

	if row.FileName != nil {
		doc.FileName = *row.FileName
	}

	if row.FileType != nil {
		doc.FileType = *row.FileType
	}

	if row.FileSize != nil {
		doc.FileSize = *row.FileSize
	}

	if row.OrgLab != nil {
		doc.OrgLab = *row.OrgLab
	}

	if row.Description != nil {
		doc.Description = *row.Description
	}

	if row.DataSource != nil {
		doc.DataSource = *row.DataSource
	}

	if row.Version != nil {
		doc.Version = *row.Version
	}

	if row.Notes != nil {
		doc.Notes = *row.Notes
	}

	if row.License != nil {
		doc.License = *row.License
	}

	if row.CreationDT != nil {
		doc.CreatedAt = *row.CreationDT
	}

	return doc
}
