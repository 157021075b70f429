// internal/output/manager.go
package output

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/valpere/marketrunner/pkg/types"
)

// Manager builds writers for one output configuration.
type Manager struct {
	config Config
	format Format
}

// NewManager validates the configuration. When no format is set it is
// detected from the file extension.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Format == "" {
		f, ok := DetectFormat(cfg.File)
		if !ok {
			return nil, fmt.Errorf("output format is required")
		}
		cfg.Format = string(f)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid output configuration: %w", err)
	}
	f, _ := ParseFormat(cfg.Format)
	return &Manager{config: cfg, format: f}, nil
}

// Format returns the resolved output format.
func (m *Manager) Format() Format {
	return m.format
}

// GetWriter returns a new writer for the configured format.
func (m *Manager) GetWriter() (Writer, error) {
	cfg := m.config
	switch m.format {
	case FormatJSON:
		return NewJSONWriter(cfg.File)
	case FormatCSV:
		return NewCSVWriter(cfg.File)
	case FormatExcel:
		return NewExcelWriter(cfg.File)
	case FormatSQLite:
		path := cfg.DSN
		if path == "" {
			path = cfg.File
		}
		return NewSQLiteWriter(path, cfg.table(), cfg.batchSize())
	case FormatPostgres:
		return NewPostgreSQLWriter(cfg.DSN, cfg.table(), cfg.batchSize())
	case FormatMySQL:
		return NewMySQLWriter(cfg.DSN, cfg.table(), cfg.batchSize())
	case FormatMongoDB:
		collection := cfg.Collection
		if collection == "" {
			collection = cfg.Table
		}
		return NewMongoDBWriter(cfg.DSN, cfg.Database, collection, cfg.batchSize())
	default:
		return nil, fmt.Errorf("unsupported output format: %s", m.format)
	}
}

// WriteResults opens a writer, writes all results and closes it.
func (m *Manager) WriteResults(results []types.Result) error {
	writer, err := m.GetWriter()
	if err != nil {
		return fmt.Errorf("failed to get writer: %w", err)
	}
	if err := writer.Write(results); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}

// NewWriter is shorthand for NewManager followed by GetWriter.
func NewWriter(cfg Config) (Writer, error) {
	m, err := NewManager(cfg)
	if err != nil {
		return nil, err
	}
	return m.GetWriter()
}

// DetectFormat guesses a file format from its extension.
func DetectFormat(filename string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		return FormatJSON, true
	case ".csv":
		return FormatCSV, true
	case ".xlsx":
		return FormatExcel, true
	case ".db", ".sqlite", ".sqlite3":
		return FormatSQLite, true
	}
	return "", false
}
