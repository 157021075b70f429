// internal/output/types.go
package output

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/valpere/marketrunner/pkg/types"
)

// Format is a result sink format.
type Format string

const (
	FormatJSON     Format = "json"
	FormatCSV      Format = "csv"
	FormatExcel    Format = "excel"
	FormatSQLite   Format = "sqlite"
	FormatPostgres Format = "postgres"
	FormatMySQL    Format = "mysql"
	FormatMongoDB  Format = "mongodb"
)

// DefaultTable is used by the SQL sinks and as the MongoDB collection when
// none is configured.
const DefaultTable = "results"

// ValidFormats returns all supported formats.
func ValidFormats() []Format {
	return []Format{FormatJSON, FormatCSV, FormatExcel, FormatSQLite, FormatPostgres, FormatMySQL, FormatMongoDB}
}

// ParseFormat accepts the canonical names and common aliases.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	case "excel", "xlsx":
		return FormatExcel, nil
	case "sqlite", "sqlite3":
		return FormatSQLite, nil
	case "postgres", "postgresql", "pg":
		return FormatPostgres, nil
	case "mysql", "mariadb":
		return FormatMySQL, nil
	case "mongodb", "mongo":
		return FormatMongoDB, nil
	}
	return "", fmt.Errorf("unsupported output format %q (valid: %s)", s, joinFormats(ValidFormats()))
}

func joinFormats(fs []Format) string {
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = string(f)
	}
	return strings.Join(parts, ", ")
}

// FileExtension returns the conventional extension for file formats.
func (f Format) FileExtension() string {
	switch f {
	case FormatJSON:
		return ".json"
	case FormatCSV:
		return ".csv"
	case FormatExcel:
		return ".xlsx"
	case FormatSQLite:
		return ".db"
	}
	return ""
}

// Config selects and parameterises the result sink.
type Config struct {
	Format     string `yaml:"format" json:"format" mapstructure:"format"`
	File       string `yaml:"file,omitempty" json:"file,omitempty" mapstructure:"file"`
	DSN        string `yaml:"dsn,omitempty" json:"dsn,omitempty" mapstructure:"dsn"`
	Database   string `yaml:"database,omitempty" json:"database,omitempty" mapstructure:"database"`
	Collection string `yaml:"collection,omitempty" json:"collection,omitempty" mapstructure:"collection"`
	Table      string `yaml:"table,omitempty" json:"table,omitempty" mapstructure:"table"`
	BatchSize  int    `yaml:"batchSize,omitempty" json:"batchSize,omitempty" mapstructure:"batchSize"`
}

// Validate checks that the selected format has what it needs.
func (c Config) Validate() error {
	f, err := ParseFormat(c.Format)
	if err != nil {
		return err
	}
	switch f {
	case FormatExcel:
		if c.File == "" {
			return fmt.Errorf("%s output requires a file", f)
		}
	case FormatSQLite:
		if c.File == "" && c.DSN == "" {
			return fmt.Errorf("sqlite output requires a file or dsn")
		}
	case FormatPostgres, FormatMySQL:
		if c.DSN == "" {
			return fmt.Errorf("%s output requires a dsn", f)
		}
	case FormatMongoDB:
		if c.DSN == "" {
			return fmt.Errorf("mongodb output requires a dsn")
		}
		if c.Database == "" {
			return fmt.Errorf("mongodb output requires a database")
		}
	}
	if c.Table != "" && f != FormatMongoDB {
		if err := ValidateIdentifier(f, c.Table); err != nil {
			return fmt.Errorf("invalid table: %w", err)
		}
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batchSize cannot be negative")
	}
	return nil
}

// WritesToStdout reports whether the sink falls back to standard output.
func (c Config) WritesToStdout() bool {
	f, err := ParseFormat(c.Format)
	return err == nil && c.File == "" && (f == FormatJSON || f == FormatCSV)
}

func (c Config) table() string {
	if c.Table != "" {
		return c.Table
	}
	return DefaultTable
}

func (c Config) batchSize() int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return 500
}

// Writer persists results. Write may buffer; Close flushes and releases
// the underlying file or connection.
type Writer interface {
	Write(results []types.Result) error
	Close() error
}

var sqlIdentifierRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var maxIdentifierLength = map[Format]int{
	FormatPostgres: 63,
	FormatMySQL:    64,
	FormatSQLite:   999,
}

// A conservative set of keywords reserved in all three SQL dialects.
var reservedWords = map[string]bool{
	"ALL": true, "AND": true, "AS": true, "ASC": true, "BETWEEN": true, "BY": true, "CASE": true,
	"CHECK": true, "COLUMN": true, "CONSTRAINT": true, "CREATE": true, "CROSS": true, "DEFAULT": true,
	"DELETE": true, "DESC": true, "DISTINCT": true, "DROP": true, "ELSE": true, "EXISTS": true,
	"FOREIGN": true, "FROM": true, "GROUP": true, "HAVING": true, "IN": true, "INDEX": true,
	"INNER": true, "INSERT": true, "INTO": true, "IS": true, "JOIN": true, "KEY": true, "LEFT": true,
	"LIKE": true, "LIMIT": true, "NOT": true, "NULL": true, "ON": true, "OR": true, "ORDER": true,
	"PRIMARY": true, "REFERENCES": true, "RIGHT": true, "SELECT": true, "SET": true, "TABLE": true,
	"THEN": true, "TO": true, "UNION": true, "UNIQUE": true, "UPDATE": true, "USING": true,
	"VALUES": true, "WHEN": true, "WHERE": true, "WITH": true,
}

// ValidateIdentifier checks that a table name is safe to interpolate into
// SQL for the given dialect.
func ValidateIdentifier(dialect Format, identifier string) error {
	if identifier == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if max, ok := maxIdentifierLength[dialect]; ok && len(identifier) > max {
		return fmt.Errorf("identifier too long (max %d characters): %s", max, identifier)
	}
	if !sqlIdentifierRegex.MatchString(identifier) {
		return fmt.Errorf("invalid identifier format: %s", identifier)
	}
	if reservedWords[strings.ToUpper(identifier)] {
		return fmt.Errorf("identifier is a reserved SQL keyword: %s", identifier)
	}
	return nil
}
