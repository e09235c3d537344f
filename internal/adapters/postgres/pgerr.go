package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// isUniqueViolation mirrors the teacher's ValidatePGError pattern
// (errors.As against *pgconn.PgError, switching on SQLState) narrowed to
// the one code every Store adapter needs to translate into
// errkind.AlreadyExists: unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
