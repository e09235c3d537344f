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

	"github.com/blacklake-io/blacklake/internal/domain/repo"
	"github.com/blacklake-io/blacklake/internal/platform/dbtx"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

// RepoStore implements repo.Store (C2) over Postgres.
type RepoStore struct {
	pool *pgxpool.Pool
}

func NewRepoStore(pool *pgxpool.Pool) *RepoStore {
	return &RepoStore{pool: pool}
}

func (s *RepoStore) exec(ctx context.Context) dbtx.Executor {
	return dbtx.GetExecutor(ctx, s.pool)
}

func (s *RepoStore) CreateRepository(ctx context.Context, r *repo.Repository) (*repo.Repository, error) {
	features, err := json.Marshal(r.Features)
	if err != nil {
		return nil, err
	}

	query, args, err := sqrl.Insert("repository").
		Columns("id", "name", "tenant", "features", "created_at", "created_by").
		Values(r.ID, r.Name, r.Tenant, features, r.CreatedAt, r.CreatedBy).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	if _, err := s.exec(ctx).Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return nil, errkind.New(errkind.AlreadyExists, "repository already exists").WithContext("", r.Name, "", "", "")
		}

		return nil, err
	}

	created := *r

	return &created, nil
}

func (s *RepoStore) scanRepository(row pgx.Row) (*repo.Repository, error) {
	var r repo.Repository

	var features []byte

	var deletedAt *time.Time

	if err := row.Scan(&r.ID, &r.Name, &r.Tenant, &features, &r.CreatedAt, &r.CreatedBy, &deletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errkind.New(errkind.NotFound, "repository not found")
		}

		return nil, err
	}

	if err := json.Unmarshal(features, &r.Features); err != nil {
		return nil, err
	}

	r.DeletedAt = deletedAt

	return &r, nil
}

func (s *RepoStore) FindRepository(ctx context.Context, tenant, name string) (*repo.Repository, error) {
	query, args, err := sqrl.Select("id", "name", "tenant", "features", "created_at", "created_by", "deleted_at").
		From("repository").
		Where(sqrl.Eq{"tenant": tenant, "name": name}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	return s.scanRepository(s.exec(ctx).QueryRow(ctx, query, args...))
}

func (s *RepoStore) FindRepositoryByID(ctx context.Context, id uuid.UUID) (*repo.Repository, error) {
	query, args, err := sqrl.Select("id", "name", "tenant", "features", "created_at", "created_by", "deleted_at").
		From("repository").
		Where(sqrl.Eq{"id": id}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	return s.scanRepository(s.exec(ctx).QueryRow(ctx, query, args...))
}

func (s *RepoStore) SoftDeleteRepository(ctx context.Context, id uuid.UUID) error {
	query, args, err := sqrl.Update("repository").
		Set("deleted_at", sqrl.Expr("now()")).
		Where(sqrl.Eq{"id": id}).
		Where("deleted_at IS NULL").
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	tag, err := s.exec(ctx).Exec(ctx, query, args...)
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		return errkind.New(errkind.NotFound, "repository not found")
	}

	return nil
}

func (s *RepoStore) CreateRef(ctx context.Context, r *repo.Ref) error {
	query, args, err := sqrl.Insert("ref").
		Columns("repo_id", "name", "kind", "commit_id").
		Values(r.RepoID, r.Name, string(r.Kind), r.CommitID).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := s.exec(ctx).Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return errkind.New(errkind.AlreadyExists, "ref already exists").WithContext("", "", r.Name, "", "")
		}

		return err
	}

	return nil
}

func (s *RepoStore) FindRef(ctx context.Context, repoID uuid.UUID, name string) (*repo.Ref, error) {
	query, args, err := sqrl.Select("repo_id", "name", "kind", "commit_id").
		From("ref").
		Where(sqrl.Eq{"repo_id": repoID, "name": name}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	var r repo.Ref

	var kind string

	if err := s.exec(ctx).QueryRow(ctx, query, args...).Scan(&r.RepoID, &r.Name, &kind, &r.CommitID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errkind.New(errkind.NotFound, "ref not found")
		}

		return nil, err
	}

	r.Kind = repo.RefKind(kind)

	return &r, nil
}

func (s *RepoStore) ListRefs(ctx context.Context, repoID uuid.UUID) ([]*repo.Ref, error) {
	query, args, err := sqrl.Select("repo_id", "name", "kind", "commit_id").
		From("ref").
		Where(sqrl.Eq{"repo_id": repoID}).
		OrderBy("name").
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

	var refs []*repo.Ref

	for rows.Next() {
		var r repo.Ref

		var kind string

		if err := rows.Scan(&r.RepoID, &r.Name, &kind, &r.CommitID); err != nil {
			return nil, err
		}

		r.Kind = repo.RefKind(kind)
		refs = append(refs, &r)
	}

	return refs, rows.Err()
}

// CASRef implements the linearizable ref-advance contract from §4.2/§5:
// UPDATE … WHERE commit_id = expected. A zero expectedParent means the ref
// must not yet exist, handled here as an INSERT that no-ops on conflict so
// a racing first-commit on the same branch name only lets one writer win.
func (s *RepoStore) CASRef(ctx context.Context, repoID uuid.UUID, name string, kind repo.RefKind, expectedParent, newCommit uuid.UUID) (uuid.UUID, bool, error) {
	if repo.IsEmpty(expectedParent) {
		query, args, err := sqrl.Insert("ref").
			Columns("repo_id", "name", "kind", "commit_id").
			Values(repoID, name, string(kind), newCommit).
			Suffix("ON CONFLICT (repo_id, name) DO NOTHING").
			PlaceholderFormat(sqrl.Dollar).
			ToSql()
		if err != nil {
			return uuid.Nil, false, err
		}

		tag, err := s.exec(ctx).Exec(ctx, query, args...)
		if err != nil {
			return uuid.Nil, false, err
		}

		if tag.RowsAffected() > 0 {
			return newCommit, true, nil
		}

		current, findErr := s.FindRef(ctx, repoID, name)
		if findErr != nil {
			return uuid.Nil, false, findErr
		}

		return current.CommitID, false, nil
	}

	query, args, err := sqrl.Update("ref").
		Set("commit_id", newCommit).
		Where(sqrl.Eq{"repo_id": repoID, "name": name, "commit_id": expectedParent}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return uuid.Nil, false, err
	}

	tag, err := s.exec(ctx).Exec(ctx, query, args...)
	if err != nil {
		return uuid.Nil, false, err
	}

	if tag.RowsAffected() > 0 {
		return newCommit, true, nil
	}

	current, findErr := s.FindRef(ctx, repoID, name)
	if findErr != nil {
		return uuid.Nil, false, findErr
	}

	return current.CommitID, false, nil
}
