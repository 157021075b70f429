// internal/output/postgresql.go
package output

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
)

var postgresDialect = dialect{
	format:      FormatPostgres,
	quote:       pq.QuoteIdentifier,
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	dataCast:    "::jsonb",
	createTable: func(table string) []string {
		t := pq.QuoteIdentifier(table)
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	url TEXT NOT NULL,
	success BOOLEAN NOT NULL,
	method TEXT,
	execution_time_ms BIGINT,
	error TEXT,
	data JSONB,
	created_at TIMESTAMPTZ DEFAULT NOW()
)`, t),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (url)", pq.QuoteIdentifier(table+"_url_idx"), t),
		}
	},
}

// NewPostgreSQLWriter connects with lib/pq and ensures the results table.
func NewPostgreSQLWriter(dsn, table string, batchSize int) (*SQLWriter, error) {
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL connection string is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	w, err := newSQLWriter(db, postgresDialect, table, batchSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}
