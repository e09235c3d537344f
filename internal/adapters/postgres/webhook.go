package postgres

import (
	"context"
	"errors"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blacklake-io/blacklake/internal/domain/job"
	"github.com/blacklake-io/blacklake/internal/platform/dbtx"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

// WebhookStore implements job.WebhookStore (C8 webhook delivery + DLQ half)
// over Postgres.
type WebhookStore struct {
	pool *pgxpool.Pool
}

func NewWebhookStore(pool *pgxpool.Pool) *WebhookStore {
	return &WebhookStore{pool: pool}
}

func (s *WebhookStore) exec(ctx context.Context) dbtx.Executor {
	return dbtx.GetExecutor(ctx, s.pool)
}

func (s *WebhookStore) ListWebhooksForRepo(ctx context.Context, repoID uuid.UUID, event string) ([]*job.Webhook, error) {
	query, args, err := sqrl.Select("id", "repo_id", "url", "secret", "events").
		From("webhook").
		Where(sqrl.Eq{"repo_id": repoID}).
		Where("(? = ANY(events) OR '*' = ANY(events))", event).
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

	var hooks []*job.Webhook

	for rows.Next() {
		var w job.Webhook

		if err := rows.Scan(&w.ID, &w.RepoID, &w.URL, &w.Secret, &w.Events); err != nil {
			return nil, err
		}

		hooks = append(hooks, &w)
	}

	return hooks, rows.Err()
}

func (s *WebhookStore) PutDelivery(ctx context.Context, d *job.WebhookDelivery) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}

	query, args, err := sqrl.Insert("webhook_delivery").
		Columns("id", "webhook_id", "payload", "attempts", "max_attempts", "next_attempt_at").
		Values(d.ID, d.WebhookID, d.Payload, d.Attempts, d.MaxAttempts, d.NextAttemptAt).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = s.exec(ctx).Exec(ctx, query, args...)

	return err
}

func (s *WebhookStore) DueDeliveries(ctx context.Context, limit int) ([]*job.WebhookDelivery, error) {
	query, args, err := sqrl.Select("id", "webhook_id", "payload", "attempts", "max_attempts",
		"next_attempt_at", "delivered_at").
		From("webhook_delivery").
		Where("delivered_at IS NULL").
		Where(sqrl.LtOrEq{"next_attempt_at": sqrl.Expr("now()")}).
		OrderBy("next_attempt_at").
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

	var deliveries []*job.WebhookDelivery

	for rows.Next() {
		var d job.WebhookDelivery

		if err := rows.Scan(&d.ID, &d.WebhookID, &d.Payload, &d.Attempts, &d.MaxAttempts,
			&d.NextAttemptAt, &d.DeliveredAt); err != nil {
			return nil, err
		}

		deliveries = append(deliveries, &d)
	}

	return deliveries, rows.Err()
}

func (s *WebhookStore) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	query, args, err := sqrl.Update("webhook_delivery").
		Set("delivered_at", at).
		Where(sqrl.Eq{"id": id}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = s.exec(ctx).Exec(ctx, query, args...)

	return err
}

func (s *WebhookStore) RescheduleDelivery(ctx context.Context, id uuid.UUID, attempts int, nextAttemptAt time.Time) error {
	query, args, err := sqrl.Update("webhook_delivery").
		Set("attempts", attempts).
		Set("next_attempt_at", nextAttemptAt).
		Where(sqrl.Eq{"id": id}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = s.exec(ctx).Exec(ctx, query, args...)

	return err
}

func (s *WebhookStore) MoveToDeadLetter(ctx context.Context, d *job.WebhookDelivery, reason string) error {
	return dbtx.RunInTransaction(ctx, s.pool, pgx.ReadCommitted, func(ctx context.Context) error {
		insertQuery, insertArgs, err := sqrl.Insert("webhook_dead").
			Columns("id", "webhook_id", "payload", "failure_reason", "moved_at").
			Values(uuid.New(), d.WebhookID, d.Payload, reason, sqrl.Expr("now()")).
			PlaceholderFormat(sqrl.Dollar).
			ToSql()
		if err != nil {
			return err
		}

		if _, err := s.exec(ctx).Exec(ctx, insertQuery, insertArgs...); err != nil {
			return err
		}

		delQuery, delArgs, err := sqrl.Delete("webhook_delivery").
			Where(sqrl.Eq{"id": d.ID}).
			PlaceholderFormat(sqrl.Dollar).
			ToSql()
		if err != nil {
			return err
		}

		_, err = s.exec(ctx).Exec(ctx, delQuery, delArgs...)

		return err
	})
}

// Requeue re-enqueues a dead delivery for manual retry (§4.8).
func (s *WebhookStore) Requeue(ctx context.Context, deadID uuid.UUID) error {
	return dbtx.RunInTransaction(ctx, s.pool, pgx.ReadCommitted, func(ctx context.Context) error {
		selQuery, selArgs, err := sqrl.Select("webhook_id", "payload").
			From("webhook_dead").
			Where(sqrl.Eq{"id": deadID}).
			PlaceholderFormat(sqrl.Dollar).
			ToSql()
		if err != nil {
			return err
		}

		var webhookID uuid.UUID

		var payload []byte

		if err := s.exec(ctx).QueryRow(ctx, selQuery, selArgs...).Scan(&webhookID, &payload); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errkind.New(errkind.NotFound, "dead delivery not found")
			}

			return err
		}

		insertQuery, insertArgs, err := sqrl.Insert("webhook_delivery").
			Columns("id", "webhook_id", "payload", "attempts", "max_attempts", "next_attempt_at").
			Values(uuid.New(), webhookID, payload, 0, job.MaxAttemptsFor(job.TypeWebhookDeliver), sqrl.Expr("now()")).
			PlaceholderFormat(sqrl.Dollar).
			ToSql()
		if err != nil {
			return err
		}

		if _, err := s.exec(ctx).Exec(ctx, insertQuery, insertArgs...); err != nil {
			return err
		}

		delQuery, delArgs, err := sqrl.Delete("webhook_dead").
			Where(sqrl.Eq{"id": deadID}).
			PlaceholderFormat(sqrl.Dollar).
			ToSql()
		if err != nil {
			return err
		}

		_, err = s.exec(ctx).Exec(ctx, delQuery, delArgs...)

		return err
	})
}
