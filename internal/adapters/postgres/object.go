package postgres

import (
	"context"
	"errors"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blacklake-io/blacklake/internal/domain/object"
	"github.com/blacklake-io/blacklake/internal/platform/dbtx"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

// ObjectRegistry implements object.Registry (C2 slice) over Postgres.
type ObjectRegistry struct {
	pool *pgxpool.Pool
}

func NewObjectRegistry(pool *pgxpool.Pool) *ObjectRegistry {
	return &ObjectRegistry{pool: pool}
}

func (s *ObjectRegistry) exec(ctx context.Context) dbtx.Executor {
	return dbtx.GetExecutor(ctx, s.pool)
}

// Ensure implements the "at-most-one Object row per sha" guarantee (§4.3)
// via INSERT … ON CONFLICT DO NOTHING, re-reading on conflict.
func (s *ObjectRegistry) Ensure(ctx context.Context, o *object.Object) (*object.Object, error) {
	query, args, err := sqrl.Insert("object").
		Columns("sha256", "size", "media_type", "storage_key", "created_at").
		Values(o.SHA256, o.Size, nullableString(o.MediaType), o.StorageKey, o.CreatedAt).
		Suffix("ON CONFLICT (sha256) DO NOTHING").
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	tag, err := s.exec(ctx).Exec(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	if tag.RowsAffected() > 0 {
		created := *o
		return &created, nil
	}

	return s.Find(ctx, o.SHA256)
}

func (s *ObjectRegistry) Find(ctx context.Context, sha256Hex string) (*object.Object, error) {
	query, args, err := sqrl.Select("sha256", "size", "media_type", "storage_key", "created_at").
		From("object").
		Where(sqrl.Eq{"sha256": sha256Hex}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	var o object.Object

	var mediaType *string

	if err := s.exec(ctx).QueryRow(ctx, query, args...).Scan(&o.SHA256, &o.Size, &mediaType, &o.StorageKey, &o.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errkind.New(errkind.NotFound, "object not found")
		}

		return nil, err
	}

	if mediaType != nil {
		o.MediaType = *mediaType
	}

	return &o, nil
}

func (s *ObjectRegistry) CountReferences(ctx context.Context, sha256Hex string) (int64, error) {
	query, args, err := sqrl.Select("count(*)").
		From("entry").
		Where(sqrl.Eq{"object_sha256": sha256Hex}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return 0, err
	}

	var count int64

	if err := s.exec(ctx).QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}

	return count, nil
}

func (s *ObjectRegistry) FindUnreferencedOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*object.Object, error) {
	query, args, err := sqrl.Select("o.sha256", "o.size", "o.media_type", "o.storage_key", "o.created_at").
		From("object o").
		Where(`NOT EXISTS (SELECT 1 FROM entry e WHERE e.object_sha256 = o.sha256)`).
		Where(`NOT EXISTS (
			SELECT 1 FROM legal_hold lh
			JOIN entry e2 ON e2.commit_id = lh.commit_id AND e2.path = lh.path
			WHERE e2.object_sha256 = o.sha256 AND lh.status = 'active'
		)`).
		Where(sqrl.Lt{"o.created_at": cutoff}).
		OrderBy("o.created_at").
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

	var objects []*object.Object

	for rows.Next() {
		var o object.Object

		var mediaType *string

		if err := rows.Scan(&o.SHA256, &o.Size, &mediaType, &o.StorageKey, &o.CreatedAt); err != nil {
			return nil, err
		}

		if mediaType != nil {
			o.MediaType = *mediaType
		}

		objects = append(objects, &o)
	}

	return objects, rows.Err()
}

func (s *ObjectRegistry) Delete(ctx context.Context, sha256Hex string) error {
	query, args, err := sqrl.Delete("object").
		Where(sqrl.Eq{"sha256": sha256Hex}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = s.exec(ctx).Exec(ctx, query, args...)

	return err
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}
