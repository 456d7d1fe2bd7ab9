package repository

import (
	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorClass groups PostgreSQL failures by how callers should react.
type ErrorClass int

const (
	ErrorClassPermanent ErrorClass = iota
	ErrorClassTransient
	ErrorClassDeadlock
	ErrorClassSerialization
)

// SQLSTATE codes used by the repositories.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

// ClassifyError maps err to an ErrorClass based on its SQLSTATE.
func ClassifyError(err error) ErrorClass {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ErrorClassPermanent
	}
	switch pgErr.Code {
	case codeSerializationFailure:
		return ErrorClassSerialization
	case codeDeadlockDetected:
		return ErrorClassDeadlock
	case codeLockNotAvailable:
		return ErrorClassTransient
	default:
		return ErrorClassPermanent
	}
}

// IsRetryable reports whether rerunning the transaction may succeed.
func IsRetryable(err error) bool {
	switch ClassifyError(err) {
	case ErrorClassTransient, ErrorClassDeadlock, ErrorClassSerialization:
		return true
	default:
		return false
	}
}

// isUniqueViolation reports whether err violates the named unique constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeUniqueViolation && pgErr.ConstraintName == constraint
}
