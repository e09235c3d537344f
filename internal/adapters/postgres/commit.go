package postgres

import (
	"context"
	"encoding/json"
	"errors"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blacklake-io/blacklake/internal/domain/commit"
	"github.com/blacklake-io/blacklake/internal/platform/dbtx"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

// CommitStore implements commit.Store (C2 slice) over Postgres.
type CommitStore struct {
	pool *pgxpool.Pool
}

func NewCommitStore(pool *pgxpool.Pool) *CommitStore {
	return &CommitStore{pool: pool}
}

func (s *CommitStore) exec(ctx context.Context) dbtx.Executor {
	return dbtx.GetExecutor(ctx, s.pool)
}

func (s *CommitStore) InsertCommit(ctx context.Context, c *commit.Commit) error {
	stats, err := json.Marshal(c.Stats)
	if err != nil {
		return err
	}

	var parentID *uuid.UUID
	if c.ParentID != uuid.Nil {
		parentID = &c.ParentID
	}

	query, args, err := sqrl.Insert("commit").
		Columns("id", "repo_id", "parent_id", "author", "message", "created_at", "stats").
		Values(c.ID, c.RepoID, parentID, c.Author, c.Message, c.CreatedAt, stats).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = s.exec(ctx).Exec(ctx, query, args...)

	return err
}

func (s *CommitStore) FindCommit(ctx context.Context, id uuid.UUID) (*commit.Commit, error) {
	query, args, err := sqrl.Select("id", "repo_id", "parent_id", "author", "message", "created_at", "stats").
		From("commit").
		Where(sqrl.Eq{"id": id}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	var c commit.Commit

	var parentID *uuid.UUID

	var stats []byte

	if err := s.exec(ctx).QueryRow(ctx, query, args...).Scan(&c.ID, &c.RepoID, &parentID, &c.Author, &c.Message, &c.CreatedAt, &stats); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errkind.New(errkind.NotFound, "commit not found")
		}

		return nil, err
	}

	if parentID != nil {
		c.ParentID = *parentID
	}

	if err := json.Unmarshal(stats, &c.Stats); err != nil {
		return nil, err
	}

	return &c, nil
}

func (s *CommitStore) ListEntries(ctx context.Context, commitID uuid.UUID) ([]*commit.Entry, error) {
	query, args, err := sqrl.Select("commit_id", "path", "object_sha256", "meta", "is_dir").
		From("entry").
		Where(sqrl.Eq{"commit_id": commitID}).
		OrderBy("path").
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

	return scanEntries(rows)
}

func (s *CommitStore) FindEntry(ctx context.Context, commitID uuid.UUID, path string) (*commit.Entry, error) {
	query, args, err := sqrl.Select("commit_id", "path", "object_sha256", "meta", "is_dir").
		From("entry").
		Where(sqrl.Eq{"commit_id": commitID, "path": path}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	row := s.exec(ctx).QueryRow(ctx, query, args...)

	var e commit.Entry

	var objectSHA *string

	var meta []byte

	if err := row.Scan(&e.CommitID, &e.Path, &objectSHA, &meta, &e.IsDir); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errkind.New(errkind.NotFound, "entry not found")
		}

		return nil, err
	}

	if objectSHA != nil {
		e.ObjectSHA256 = *objectSHA
	}

	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Meta); err != nil {
			return nil, err
		}
	}

	return &e, nil
}

func (s *CommitStore) InsertEntries(ctx context.Context, entries []*commit.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	insert := sqrl.Insert("entry").Columns("commit_id", "path", "object_sha256", "meta", "is_dir")

	for _, e := range entries {
		meta, err := json.Marshal(e.Meta)
		if err != nil {
			return err
		}

		var objectSHA *string
		if e.ObjectSHA256 != "" {
			objectSHA = &e.ObjectSHA256
		}

		insert = insert.Values(e.CommitID, e.Path, objectSHA, meta, e.IsDir)
	}

	query, args, err := insert.PlaceholderFormat(sqrl.Dollar).ToSql()
	if err != nil {
		return err
	}

	_, err = s.exec(ctx).Exec(ctx, query, args...)

	return err
}

func scanEntries(rows pgx.Rows) ([]*commit.Entry, error) {
	var entries []*commit.Entry

	for rows.Next() {
		var e commit.Entry

		var objectSHA *string

		var meta []byte

		if err := rows.Scan(&e.CommitID, &e.Path, &objectSHA, &meta, &e.IsDir); err != nil {
			return nil, err
		}

		if objectSHA != nil {
			e.ObjectSHA256 = *objectSHA
		}

		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Meta); err != nil {
				return nil, err
			}
		}

		entries = append(entries, &e)
	}

	return entries, rows.Err()
}
