package postgres

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/marianmeres/steve/job"
)

// prefixColumns qualifies every column in a comma-separated list with the
// given table alias, for RETURNING clauses where a CTE makes bare names
// ambiguous.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// asPanic reports whether err wraps a recovered handler panic.
func asPanic(err error, target **job.PanicError) bool {
	return errors.As(err, target)
}
