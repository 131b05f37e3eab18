package db

import (
	"path/filepath"
	"testing"
)

func TestOpenSQLiteCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if Path(dir) != filepath.Join(dir, ".dealdesk", "dealdesk.db") {
		t.Fatalf("unexpected path %s", Path(dir))
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres"}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Open(Config{Driver: DriverMySQL}); err == nil {
		t.Fatalf("expected error for empty mysql dsn")
	}
	if _, err := Open(Config{Driver: DriverMySQL, DSN: "::not a dsn"}); err == nil {
		t.Fatalf("expected dsn parse error")
	}
}
