package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite  = "sqlite"
	DriverMySQL   = "mysql"
	defaultDBName = "dealdesk.db"
	stateDir      = ".dealdesk"
)

type Config struct {
	Workspace string
	Driver    string
	DSN       string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir, defaultDBName)
}

// EnsureWorkspace creates the state directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, stateDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the configured database. SQLite is the default and lives in the workspace.
func Open(cfg Config) (*sql.DB, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		return openSQLite(cfg)
	case DriverMySQL:
		return openMySQL(cfg.DSN)
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}

func openSQLite(cfg Config) (*sql.DB, error) {
	path := cfg.DSN
	if path == "" {
		if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
			return nil, err
		}
		path = dbPath(cfg.Workspace)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	return sql.Open("sqlite", dsn)
}

// Migrations hold several statements per file, so multiStatements is forced on.
func openMySQL(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("mysql dsn is required")
	}
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	mc.MultiStatements = true
	return sql.Open("mysql", mc.FormatDSN())
}

// Path returns the sqlite db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
