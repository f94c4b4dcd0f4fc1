package metadata

import (
	"errors"

	"github.com/lib/pq"
)

// postgres error codes used to classify constraint violations as
// domain-level conflicts rather than opaque errors.
const (
	pgUniqueViolation     = "23505"
	pgSerializationFailure = "40001"
)

func isUniqueViolation(err error) bool {
	return pgErrCode(err) == pgUniqueViolation
}

// isTransient reports whether err is a Postgres serialization failure
// (SQLSTATE 40001). Nothing calls it: the orchestrator does not retry
// DB errors, transient or not; they are returned to its caller.
func isTransient(err error) bool {
	code := pgErrCode(err)
	return code == pgSerializationFailure
}

func pgErrCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}
