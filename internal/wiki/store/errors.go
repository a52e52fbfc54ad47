package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	sqlite3 "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when the requested row does not exist or is
	// soft-deleted.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateRepository is returned when a repository with the same git
	// URL is already registered and not soft-deleted.
	ErrDuplicateRepository = errors.New("repository already exists")

	// ErrVersionConflict is returned when an optimistic update lost the race:
	// the row moved under the writer. Callers are expected to refetch.
	ErrVersionConflict = errors.New("repository version conflict")

	// ErrActiveTaskExists is returned when a pending or processing update task
	// already exists for the (repository, branch) pair.
	ErrActiveTaskExists = errors.New("active update task already exists")
)

// pgUniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// isUniqueViolation reports whether err is a unique-constraint violation from
// either supported driver. The partial unique indexes raise these when two
// writers race past an application-level pre-check; callers translate them to
// the matching sentinel error.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}
