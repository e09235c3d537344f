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

// JobStore implements job.Store (C8) over Postgres: the authoritative row
// store backing the broker's lightweight wake-up notifications.
type JobStore struct {
	pool *pgxpool.Pool
}

func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

func (s *JobStore) exec(ctx context.Context) dbtx.Executor {
	return dbtx.GetExecutor(ctx, s.pool)
}

func (s *JobStore) Enqueue(ctx context.Context, j *job.Job) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}

	if j.MaxAttempts == 0 {
		j.MaxAttempts = job.MaxAttemptsFor(j.Type)
	}

	query, args, err := sqrl.Insert("job").
		Columns("id", "type", "status", "attempts", "max_attempts", "payload", "partition_key",
			"created_at", "visible_at").
		Values(j.ID, string(j.Type), string(job.StatusPending), 0, j.MaxAttempts, j.Payload, j.PartitionKey,
			j.CreatedAt, j.VisibleAt).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = s.exec(ctx).Exec(ctx, query, args...)

	return err
}

// Lease atomically claims up to n due jobs of type t, matching the teacher's
// "claim work with an UPDATE ... RETURNING" idiom for at-least-once queue
// consumption without a separate row lock step.
func (s *JobStore) Lease(ctx context.Context, t job.Type, n int, visibilityTimeout time.Duration) ([]*job.Job, error) {
	query := `
		UPDATE job SET status = 'running', started_at = now(), visible_at = now() + ($1 || ' seconds')::interval
		WHERE id IN (
			SELECT id FROM job
			WHERE type = $2 AND status IN ('pending', 'running') AND visible_at <= now()
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, type, status, attempts, max_attempts, payload, error, partition_key,
			created_at, started_at, completed_at, visible_at`

	rows, err := s.exec(ctx).Query(ctx, query, int64(visibilityTimeout.Seconds()), string(t), n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*job.Job

	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, j)
	}

	return jobs, rows.Err()
}

func (s *JobStore) Complete(ctx context.Context, id uuid.UUID) error {
	query, args, err := sqrl.Update("job").
		Set("status", string(job.StatusCompleted)).
		Set("completed_at", sqrl.Expr("now()")).
		Where(sqrl.Eq{"id": id}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = s.exec(ctx).Exec(ctx, query, args...)

	return err
}

// Fail increments attempts and either reschedules VisibleAt (retry budget
// remains) or marks the job Failed terminally.
func (s *JobStore) Fail(ctx context.Context, id uuid.UUID, errMsg string, nextVisibleAt *time.Time) error {
	upd := sqrl.Update("job").
		Set("attempts", sqrl.Expr("attempts + 1")).
		Set("error", errMsg).
		Where(sqrl.Eq{"id": id})

	if nextVisibleAt != nil {
		upd = upd.Set("status", string(job.StatusPending)).Set("visible_at", *nextVisibleAt)
	} else {
		upd = upd.Set("status", string(job.StatusFailed)).Set("completed_at", sqrl.Expr("now()"))
	}

	query, args, err := upd.PlaceholderFormat(sqrl.Dollar).ToSql()
	if err != nil {
		return err
	}

	_, err = s.exec(ctx).Exec(ctx, query, args...)

	return err
}

func (s *JobStore) Cancel(ctx context.Context, id uuid.UUID) error {
	query, args, err := sqrl.Update("job").
		Set("status", string(job.StatusCancelled)).
		Set("completed_at", sqrl.Expr("now()")).
		Where(sqrl.Eq{"id": id}).
		Where(sqrl.NotEq{"status": string(job.StatusCompleted)}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = s.exec(ctx).Exec(ctx, query, args...)

	return err
}

func (s *JobStore) FindByID(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	query, args, err := sqrl.Select("id", "type", "status", "attempts", "max_attempts", "payload", "error",
		"partition_key", "created_at", "started_at", "completed_at", "visible_at").
		From("job").
		Where(sqrl.Eq{"id": id}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	j, err := scanJob(s.exec(ctx).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "job not found")
	}

	return j, err
}

// row is satisfied by both pgx.Row and pgx.Rows, since both expose Scan.
type row interface {
	Scan(dest ...any) error
}

func scanJob(r row) (*job.Job, error) {
	var j job.Job

	var t, status string

	var errMsg *string

	var startedAt, completedAt *time.Time

	if err := r.Scan(&j.ID, &t, &status, &j.Attempts, &j.MaxAttempts, &j.Payload, &errMsg, &j.PartitionKey,
		&j.CreatedAt, &startedAt, &completedAt, &j.VisibleAt); err != nil {
		return nil, err
	}

	j.Type = job.Type(t)
	j.Status = job.Status(status)
	j.StartedAt = startedAt
	j.CompletedAt = completedAt

	if errMsg != nil {
		j.Error = *errMsg
	}

	return &j, nil
}
