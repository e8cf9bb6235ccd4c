// Package sqlbundle exposes the snapshot-store DDL bundles for the SQL adapters.
package sqlbundle

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"strings"

	sqldocs "studycore/docs/schema/sql"
)

// SQLite returns the SQLite snapshot DDL.
func SQLite() string {
	return sqldocs.SQLite
}

// Postgres returns the Postgres snapshot DDL.
func Postgres() string {
	return sqldocs.Postgres
}

// Execer is the subset of *sql.DB used to apply DDL.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Apply executes every statement of ddl in order.
func Apply(ctx context.Context, db Execer, ddl string) error {
	for _, stmt := range SplitStatements(ddl) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// SplitStatements splits a semicolon-terminated DDL script into executable statements.
// It drops blank lines and single-line comments that start with "--".
func SplitStatements(ddl string) []string {
	scanner := bufio.NewScanner(strings.NewReader(ddl))
	var stmts []string
	var current strings.Builder

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				stmts = append(stmts, stmt)
			}
			current.Reset()
		}
	}

	if tail := strings.TrimSpace(current.String()); tail != "" {
		stmts = append(stmts, tail)
	}
	return stmts
}
