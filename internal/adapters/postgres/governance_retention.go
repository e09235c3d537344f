package postgres

import (
	"context"
	"errors"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blacklake-io/blacklake/internal/domain/governance"
	"github.com/blacklake-io/blacklake/internal/platform/dbtx"
)

// RetentionStore implements governance.RetentionStore (retention/legal-hold
// half of C7) over Postgres.
type RetentionStore struct {
	pool *pgxpool.Pool
}

func NewRetentionStore(pool *pgxpool.Pool) *RetentionStore {
	return &RetentionStore{pool: pool}
}

func (s *RetentionStore) exec(ctx context.Context) dbtx.Executor {
	return dbtx.GetExecutor(ctx, s.pool)
}

func (s *RetentionStore) FindPolicy(ctx context.Context, repoID uuid.UUID) (*governance.RetentionPolicy, error) {
	query, args, err := sqrl.Select("id", "retention_days", "legal_hold_override").
		From("retention_policy").
		Where(sqrl.Eq{"repo_id": repoID}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	var p governance.RetentionPolicy

	if err := s.exec(ctx).QueryRow(ctx, query, args...).Scan(&p.ID, &p.RetentionDays, &p.LegalHoldOverride); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}

		return nil, err
	}

	return &p, nil
}

func (s *RetentionStore) RetentionUntil(ctx context.Context, repoID uuid.UUID, entryCreatedAt time.Time) (time.Time, error) {
	policy, err := s.FindPolicy(ctx, repoID)
	if err != nil {
		return time.Time{}, err
	}

	if policy == nil {
		return entryCreatedAt, nil
	}

	return entryCreatedAt.AddDate(0, 0, policy.RetentionDays), nil
}

func (s *RetentionStore) ActiveHold(ctx context.Context, commitID uuid.UUID, path string) (*governance.LegalHold, error) {
	query, args, err := sqrl.Select("id", "commit_id", "path", "reason", "status", "created_at").
		From("legal_hold").
		Where(sqrl.Eq{"commit_id": commitID, "path": path, "status": "active"}).
		OrderBy("created_at DESC").
		Limit(1).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	var h governance.LegalHold

	var status string

	if err := s.exec(ctx).QueryRow(ctx, query, args...).Scan(&h.ID, &h.CommitID, &h.Path, &h.Reason, &status, &h.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}

		return nil, err
	}

	h.Status = governance.HoldStatus(status)

	return &h, nil
}

func (s *RetentionStore) PutHold(ctx context.Context, h *governance.LegalHold) error {
	query, args, err := sqrl.Insert("legal_hold").
		Columns("id", "commit_id", "path", "reason", "status", "created_at").
		Values(h.ID, h.CommitID, h.Path, h.Reason, string(h.Status), h.CreatedAt).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = s.exec(ctx).Exec(ctx, query, args...)

	return err
}

func (s *RetentionStore) ReleaseHold(ctx context.Context, id uuid.UUID) error {
	query, args, err := sqrl.Update("legal_hold").
		Set("status", string(governance.HoldReleased)).
		Where(sqrl.Eq{"id": id}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = s.exec(ctx).Exec(ctx, query, args...)

	return err
}

func (s *RetentionStore) ExpireHolds(ctx context.Context, now time.Time) (int, error) {
	query, args, err := sqrl.Update("legal_hold").
		Set("status", string(governance.HoldExpired)).
		Where(sqrl.Eq{"status": "active"}).
		Where(`EXISTS (
			SELECT 1 FROM retention_policy rp
			JOIN commit c ON c.repo_id = rp.repo_id
			WHERE c.id = legal_hold.commit_id AND NOT rp.legal_hold_override
			AND legal_hold.created_at + (rp.retention_days || ' days')::interval <= ?
		)`, now).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return 0, err
	}

	tag, err := s.exec(ctx).Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	return int(tag.RowsAffected()), nil
}
