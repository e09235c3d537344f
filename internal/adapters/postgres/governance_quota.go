package postgres

import (
	"context"
	"errors"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blacklake-io/blacklake/internal/domain/governance"
	"github.com/blacklake-io/blacklake/internal/platform/dbtx"
)

// QuotaStore implements governance.QuotaStore (quota half of C7) over
// Postgres, using a single conditional UPDATE for Reserve so the
// current+delta<=max check and the write happen atomically without a
// separate SELECT ... FOR UPDATE round trip.
type QuotaStore struct {
	pool *pgxpool.Pool
}

func NewQuotaStore(pool *pgxpool.Pool) *QuotaStore {
	return &QuotaStore{pool: pool}
}

func (s *QuotaStore) exec(ctx context.Context) dbtx.Executor {
	return dbtx.GetExecutor(ctx, s.pool)
}

func (s *QuotaStore) findQuota(ctx context.Context, scopeType string, scopeID uuid.UUID) (*governance.Quota, error) {
	query, args, err := sqrl.Select("scope_type", "scope_id", "max_bytes", "max_files", "max_commits",
		"current_bytes", "current_files", "current_commits").
		From("quota").
		Where(sqrl.Eq{"scope_type": scopeType, "scope_id": scopeID}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	var q governance.Quota

	var scopeTypeOut string

	var scopeIDOut uuid.UUID

	if err := s.exec(ctx).QueryRow(ctx, query, args...).Scan(&scopeTypeOut, &scopeIDOut,
		&q.MaxBytes, &q.MaxFiles, &q.MaxCommits, &q.CurrentBytes, &q.CurrentFiles, &q.CurrentCommits); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}

		return nil, err
	}

	if scopeType == "repo" {
		q.RepoID = scopeIDOut
	}

	return &q, nil
}

// FindRepoQuota returns nil, nil when the repo has no quota row — a repo
// without one is treated as unbounded, matching CheckAndReserve's
// if-quota-nil-skip behavior.
func (s *QuotaStore) FindRepoQuota(ctx context.Context, repoID uuid.UUID) (*governance.Quota, error) {
	return s.findQuota(ctx, "repo", repoID)
}

// FindUserQuota looks up a quota row keyed by a deterministic UUIDv5 of the
// user id, since `quota.scope_id` is typed uuid and user ids are free-form
// strings from the OIDC subject claim.
func (s *QuotaStore) FindUserQuota(ctx context.Context, userID string) (*governance.Quota, error) {
	q, err := s.findQuota(ctx, "user", userScopeID(userID))
	if err != nil || q == nil {
		return q, err
	}

	q.UserID = userID

	return q, nil
}

func userScopeID(userID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("blacklake-user:"+userID))
}

func (s *QuotaStore) scopeOf(q *governance.Quota) (string, uuid.UUID) {
	if q.UserID != "" {
		return "user", userScopeID(q.UserID)
	}

	return "repo", q.RepoID
}

func (s *QuotaStore) Reserve(ctx context.Context, q *governance.Quota, delta governance.Delta) error {
	scopeType, scopeID := s.scopeOf(q)

	query, args, err := sqrl.Update("quota").
		Set("current_bytes", sqrl.Expr("current_bytes + ?", delta.Bytes)).
		Set("current_files", sqrl.Expr("current_files + ?", delta.Files)).
		Set("current_commits", sqrl.Expr("current_commits + ?", delta.Commits)).
		Where(sqrl.Eq{"scope_type": scopeType, "scope_id": scopeID}).
		Where("current_bytes + ? <= max_bytes", delta.Bytes).
		Where("current_files + ? <= max_files", delta.Files).
		Where("current_commits + ? <= max_commits", delta.Commits).
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
		return governance.ErrQuotaExceeded("reservation would exceed quota for " + scopeType + " " + scopeID.String())
	}

	return nil
}

// PutQuota inserts a quota row for q's scope or updates its max_* limits if
// one already exists, leaving current_* counters untouched.
func (s *QuotaStore) PutQuota(ctx context.Context, q *governance.Quota) error {
	scopeType, scopeID := s.scopeOf(q)

	query, args, err := sqrl.Insert("quota").
		Columns("scope_type", "scope_id", "max_bytes", "max_files", "max_commits", "current_bytes", "current_files", "current_commits").
		Values(scopeType, scopeID, q.MaxBytes, q.MaxFiles, q.MaxCommits, 0, 0, 0).
		Suffix("ON CONFLICT (scope_type, scope_id) DO UPDATE SET max_bytes = EXCLUDED.max_bytes, max_files = EXCLUDED.max_files, max_commits = EXCLUDED.max_commits").
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = s.exec(ctx).Exec(ctx, query, args...)

	return err
}

func (s *QuotaStore) Release(ctx context.Context, q *governance.Quota, delta governance.Delta) error {
	scopeType, scopeID := s.scopeOf(q)

	query, args, err := sqrl.Update("quota").
		Set("current_bytes", sqrl.Expr("GREATEST(current_bytes - ?, 0)", delta.Bytes)).
		Set("current_files", sqrl.Expr("GREATEST(current_files - ?, 0)", delta.Files)).
		Set("current_commits", sqrl.Expr("GREATEST(current_commits - ?, 0)", delta.Commits)).
		Where(sqrl.Eq{"scope_type": scopeType, "scope_id": scopeID}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = s.exec(ctx).Exec(ctx, query, args...)

	return err
}
