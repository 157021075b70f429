// internal/output/mysql.go
package output

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

var mysqlDialect = dialect{
	format:      FormatMySQL,
	quote:       func(id string) string { return "`" + id + "`" },
	placeholder: questionPlaceholder,
	createTable: func(table string) []string {
		return []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` ("+
			"`id` BIGINT AUTO_INCREMENT PRIMARY KEY, "+
			"`url` VARCHAR(2048) NOT NULL, "+
			"`success` BOOLEAN NOT NULL, "+
			"`method` VARCHAR(32), "+
			"`execution_time_ms` BIGINT, "+
			"`error` TEXT, "+
			"`data` JSON, "+
			"`created_at` TIMESTAMP DEFAULT CURRENT_TIMESTAMP, "+
			"INDEX `%s_url_idx` (`url`(255))"+
			") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4", table, table)}
	},
}

// mysqlDSN normalises a DSN: UTC, parsed times and a dial timeout unless
// the caller set one.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid MySQL dsn: %w", err)
	}
	cfg.ParseTime = true
	if cfg.Loc == nil {
		cfg.Loc = time.UTC
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return cfg.FormatDSN(), nil
}

// NewMySQLWriter connects with go-sql-driver/mysql and ensures the results
// table.
func NewMySQLWriter(dsn, table string, batchSize int) (*SQLWriter, error) {
	if dsn == "" {
		return nil, fmt.Errorf("MySQL connection string is required")
	}
	normalised, err := mysqlDSN(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", normalised)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	w, err := newSQLWriter(db, mysqlDialect, table, batchSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}
