package postgres

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Fixed table-name suffixes appended to the configured prefix.
const (
	jobSuffix     = "job"
	attemptSuffix = "job_attempt_log"
)

// tables carries the quoted identifiers used in SQL and the raw names
// used to derive index identifiers.
type tables struct {
	job        string // quoted, schema-qualified
	attempt    string // quoted, schema-qualified
	jobRaw     string
	attemptRaw string
}

func newTables(prefix string) tables {
	return tables{
		job:        quoteIdent(prefix + jobSuffix),
		attempt:    quoteIdent(prefix + attemptSuffix),
		jobRaw:     prefix + jobSuffix,
		attemptRaw: prefix + attemptSuffix,
	}
}

// quoteIdent quotes a possibly schema-qualified identifier for the
// PostgreSQL dialect: each dot-separated part is double-quoted with
// embedded quotes doubled.
func quoteIdent(ident string) string {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

var nonWord = regexp.MustCompile(`\W`)

// indexName derives a valid index identifier from a possibly
// schema-qualified table name by stripping non-word characters.
func indexName(tableRaw, suffix string) string {
	return "idx_" + nonWord.ReplaceAllString(tableRaw, "") + "_" + suffix
}

// Initialize brings the schema to the expected shape. With hard false it
// is idempotent and safe to call on every start: tables and indexes are
// created only if absent. With hard true the two tables are dropped
// first, discarding all job data.
func (s *Store) Initialize(ctx context.Context, hard bool) error {
	if hard {
		if err := s.Uninstall(ctx); err != nil {
			return err
		}
	}

	stmts := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id SERIAL PRIMARY KEY,
				uid UUID NOT NULL DEFAULT gen_random_uuid(),
				type VARCHAR(255) NOT NULL,
				payload JSONB NOT NULL DEFAULT '{}',
				status VARCHAR(20) NOT NULL DEFAULT 'pending',
				result JSONB NOT NULL DEFAULT '{}',
				attempts INTEGER DEFAULT 0,
				max_attempts INTEGER DEFAULT 3,
				max_attempt_duration_ms INTEGER DEFAULT 0,
				created_at TIMESTAMPTZ DEFAULT NOW(),
				updated_at TIMESTAMPTZ DEFAULT NOW(),
				run_at TIMESTAMPTZ DEFAULT NOW(),
				started_at TIMESTAMPTZ,
				completed_at TIMESTAMPTZ,
				backoff_strategy VARCHAR(20) NOT NULL DEFAULT 'exp'
			)`, s.tables.job),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id SERIAL PRIMARY KEY,
				job_id INTEGER REFERENCES %s(id),
				attempt_number INTEGER NOT NULL,
				started_at TIMESTAMPTZ DEFAULT NOW(),
				completed_at TIMESTAMPTZ,
				status VARCHAR(20),
				error_message TEXT,
				error_details JSONB
			)`, s.tables.attempt, s.tables.job),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (status, run_at)`,
			indexName(s.tables.jobRaw, "status_run_at"), s.tables.job),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (uid)`,
			indexName(s.tables.jobRaw, "uid"), s.tables.job),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (status)`,
			indexName(s.tables.jobRaw, "status"), s.tables.job),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (job_id)`,
			indexName(s.tables.attemptRaw, "job_id"), s.tables.attempt),
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("steve/postgres: initialize schema: %w", err)
		}
	}

	s.logger.Debug("schema initialized",
		"job_table", s.tables.jobRaw,
		"attempt_table", s.tables.attemptRaw,
		"hard", hard,
	)

	return nil
}

// Uninstall drops the two tables. The attempt table goes first because
// it references the job table.
func (s *Store) Uninstall(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.tables.attempt),
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.tables.job),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("steve/postgres: uninstall schema: %w", err)
		}
	}
	return nil
}
