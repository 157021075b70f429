// internal/output/sqlite.go
package output

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteDefaultParams = "_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

var sqliteDialect = dialect{
	format:      FormatSQLite,
	quote:       func(id string) string { return "[" + id + "]" },
	placeholder: questionPlaceholder,
	createTable: func(table string) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS [%s] (
	[id] INTEGER PRIMARY KEY AUTOINCREMENT,
	[url] TEXT NOT NULL,
	[success] INTEGER NOT NULL,
	[method] TEXT,
	[execution_time_ms] INTEGER,
	[error] TEXT,
	[data] TEXT,
	[created_at] DATETIME DEFAULT CURRENT_TIMESTAMP
)`, table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS [%s_url_idx] ON [%s] ([url])", table, table),
		}
	},
}

// sqliteDSN adds the default connection parameters unless the caller set
// any of their own.
func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?" + sqliteDefaultParams
}

// NewSQLiteWriter opens (or creates) the database file and ensures the
// results table.
func NewSQLiteWriter(path, table string, batchSize int) (*SQLWriter, error) {
	if path == "" {
		return nil, fmt.Errorf("SQLite database path is required")
	}
	file := strings.TrimPrefix(path, "file:")
	if i := strings.Index(file, "?"); i >= 0 {
		file = file[:i]
	}
	if dir := filepath.Dir(file); dir != "." && file != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragma: %w", err)
	}

	w, err := newSQLWriter(db, sqliteDialect, table, batchSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}
