package repo

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/memodb-io/pokersync/internal/pkg/apperr"
	"gorm.io/gorm"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// mapErr classifies a store error. notFound is returned as-is for missing rows, and for rows
// whose parent is missing, so callers keep their own sentinel.
func mapErr(err error, notFound error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) || pgCode(err) == pgForeignKeyViolation {
		return notFound
	}
	if isUniqueViolation(err) {
		return apperr.Wrap(apperr.ConstraintViolation, msg, err)
	}
	return apperr.Wrap(apperr.TransportError, msg, err)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return pgCode(err) == pgUniqueViolation
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
