package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrStaleWrite is returned when a conditional update matched no row.
	ErrStaleWrite = errors.New("conditional write matched no rows")
	// ErrPausedConflict is returned when the paused-session unique index rejects a write.
	ErrPausedConflict = errors.New("user already has a paused session of this kind")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolation && (constraint == "" || pgErr.ConstraintName == constraint)
}
