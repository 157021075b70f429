// internal/output/sql.go
package output

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/valpere/marketrunner/internal/utils"
	"github.com/valpere/marketrunner/pkg/types"
)

var sqlLogger = utils.NewComponentLogger("sql-output")

// sqlColumns is the insert column order shared by all dialects.
var sqlColumns = []string{"url", "success", "method", "execution_time_ms", "error", "data"}

// dialect captures what differs between the SQL sinks.
type dialect struct {
	format      Format
	quote       func(string) string
	placeholder func(n int) string
	// dataCast is appended to the data placeholder, e.g. "::jsonb".
	dataCast    string
	createTable func(table string) []string
}

// SQLWriter inserts results into a fixed-schema table. Each Write is one
// transaction of multi-row INSERTs of at most batchSize rows.
type SQLWriter struct {
	db        *sql.DB
	dialect   dialect
	table     string
	batchSize int
	timeout   time.Duration
	written   int64
	closed    bool
}

func newSQLWriter(db *sql.DB, d dialect, table string, batchSize int) (*SQLWriter, error) {
	if err := ValidateIdentifier(d.format, table); err != nil {
		return nil, fmt.Errorf("invalid table name: %w", err)
	}
	w := &SQLWriter{
		db:        db,
		dialect:   d,
		table:     table,
		batchSize: batchSize,
		timeout:   30 * time.Second,
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	for _, stmt := range d.createTable(table) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create %s table %s: %w", d.format, table, err)
		}
	}
	return w, nil
}

// Write inserts results in batches inside a single transaction.
func (w *SQLWriter) Write(results []types.Result) error {
	if w.closed {
		return fmt.Errorf("%s writer is closed", w.dialect.format)
	}
	if len(results) == 0 {
		return nil
	}

	rows := make([]row, 0, len(results))
	for _, r := range results {
		rw, err := toRow(r)
		if err != nil {
			return err
		}
		rows = append(rows, rw)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for start := 0; start < len(rows); start += w.batchSize {
		end := start + w.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		query, args := w.insertStatement(rows[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert batch into %s: %w", w.table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	w.written += int64(len(rows))
	sqlLogger.Debugf("inserted %d rows into %s (%s)", len(rows), w.table, w.dialect.format)
	return nil
}

func (w *SQLWriter) insertStatement(rows []row) (string, []interface{}) {
	quoted := make([]string, len(sqlColumns))
	for i, c := range sqlColumns {
		quoted[i] = w.dialect.quote(c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", w.dialect.quote(w.table), strings.Join(quoted, ", "))

	args := make([]interface{}, 0, len(rows)*len(sqlColumns))
	n := 0
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range sqlColumns {
			if j > 0 {
				b.WriteString(", ")
			}
			n++
			b.WriteString(w.dialect.placeholder(n))
			if j == len(sqlColumns)-1 {
				b.WriteString(w.dialect.dataCast)
			}
		}
		b.WriteString(")")
		args = append(args, r.URL, r.Success, r.Method, r.ExecutionTimeMs, nullable(r.Error), r.Data)
	}
	return b.String(), args
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Written returns the number of rows inserted so far.
func (w *SQLWriter) Written() int64 {
	return w.written
}

// Close closes the database handle.
func (w *SQLWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	sqlLogger.Infof("%s writer closed after %d rows", w.dialect.format, w.written)
	return w.db.Close()
}

func questionPlaceholder(int) string { return "?" }
