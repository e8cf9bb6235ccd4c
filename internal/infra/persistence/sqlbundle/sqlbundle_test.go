package sqlbundle

import (
	"strings"
	"testing"
)

func TestSplitStatementsDropsComments(t *testing.T) {
	ddl := "-- header\nCREATE TABLE a (\n  id TEXT\n);\n\nCREATE TABLE b (id TEXT);\nSELECT 1"
	stmts := SplitStatements(ddl)
	if len(stmts) != 3 {
		t.Fatalf("expected 3 statements, got %d: %v", len(stmts), stmts)
	}
	if strings.Contains(stmts[0], "header") {
		t.Fatalf("comment leaked into statement: %q", stmts[0])
	}
	if stmts[2] != "SELECT 1" {
		t.Fatalf("expected unterminated tail kept, got %q", stmts[2])
	}
}

func TestBundlesDeclareStateTable(t *testing.T) {
	for name, ddl := range map[string]string{"sqlite": SQLite(), "postgres": Postgres()} {
		stmts := SplitStatements(ddl)
		if len(stmts) < 2 {
			t.Fatalf("%s: expected state and meta tables, got %v", name, stmts)
		}
		if !strings.Contains(stmts[0], "CREATE TABLE IF NOT EXISTS state") {
			t.Fatalf("%s: first statement should create state table: %q", name, stmts[0])
		}
	}
}
