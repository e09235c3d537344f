package postgres

import (
	"context"
	"encoding/json"
	"errors"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blacklake-io/blacklake/internal/domain/audit"
	"github.com/blacklake-io/blacklake/internal/platform/dbtx"
)

// AuditLog implements audit.Log (C9) over Postgres. Append reads the
// repo's current chain tip and computes Hash within the same call so the
// chain cannot fork even under concurrent appends for different repos;
// concurrent appends to the SAME repo are serialized by the caller's
// transaction isolation (ref-advance-adjacent commits already run at
// serializable level per §4.2).
type AuditLog struct {
	pool *pgxpool.Pool
}

func NewAuditLog(pool *pgxpool.Pool) *AuditLog {
	return &AuditLog{pool: pool}
}

func (l *AuditLog) exec(ctx context.Context) dbtx.Executor {
	return dbtx.GetExecutor(ctx, l.pool)
}

func (l *AuditLog) tipHash(ctx context.Context, repoID uuid.UUID) (string, error) {
	query, args, err := sqrl.Select("hash").
		From("audit_log").
		Where(sqrl.Eq{"repo_id": repoID}).
		OrderBy("created_at DESC").
		Limit(1).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return "", err
	}

	var hash string

	if err := l.exec(ctx).QueryRow(ctx, query, args...).Scan(&hash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}

		return "", err
	}

	return hash, nil
}

func (l *AuditLog) Append(ctx context.Context, e *audit.Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	prevHash, err := l.tipHash(ctx, e.RepoID)
	if err != nil {
		return err
	}

	e.PrevHash = prevHash
	e.Hash = audit.ComputeHash(e)

	ctxJSON, err := json.Marshal(e.Context)
	if err != nil {
		return err
	}

	query, args, err := sqrl.Insert("audit_log").
		Columns("id", "repo_id", "actor", "action", "resource", "decision", "reason", "context",
			"created_at", "prev_hash", "hash").
		Values(e.ID, e.RepoID, e.Actor, e.Action, e.Resource, e.Decision, e.Reason, ctxJSON,
			e.CreatedAt, e.PrevHash, e.Hash).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = l.exec(ctx).Exec(ctx, query, args...)

	return err
}

func (l *AuditLog) ListByRepo(ctx context.Context, repoID uuid.UUID, limit int) ([]*audit.Entry, error) {
	sel := sqrl.Select("id", "repo_id", "actor", "action", "resource", "decision", "reason",
		"context", "created_at", "prev_hash", "hash").
		From("audit_log").
		Where(sqrl.Eq{"repo_id": repoID}).
		OrderBy("created_at")

	if limit > 0 {
		sel = sel.Limit(uint64(limit))
	}

	query, args, err := sel.PlaceholderFormat(sqrl.Dollar).ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := l.exec(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*audit.Entry

	for rows.Next() {
		var e audit.Entry

		var ctxJSON []byte

		if err := rows.Scan(&e.ID, &e.RepoID, &e.Actor, &e.Action, &e.Resource, &e.Decision, &e.Reason,
			&ctxJSON, &e.CreatedAt, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}

		if len(ctxJSON) > 0 {
			if err := json.Unmarshal(ctxJSON, &e.Context); err != nil {
				return nil, err
			}
		}

		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

func (l *AuditLog) VerifyChain(ctx context.Context, repoID uuid.UUID) (uuid.UUID, bool, error) {
	entries, err := l.ListByRepo(ctx, repoID, 0)
	if err != nil {
		return uuid.Nil, false, err
	}

	prev := ""

	for _, e := range entries {
		if e.PrevHash != prev {
			return e.ID, false, nil
		}

		want := audit.ComputeHash(e)
		if want != e.Hash {
			return e.ID, false, nil
		}

		prev = e.Hash
	}

	return uuid.Nil, true, nil
}
