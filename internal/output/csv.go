// internal/output/csv.go
package output

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/valpere/marketrunner/pkg/types"
)

// CSVWriter writes results in CSV format. Columns depend on every data key
// in the batch, so rows are written on Close.
type CSVWriter struct {
	out     io.Writer
	file    *os.File
	results []types.Result
}

// NewCSVWriter creates a CSV writer. An empty filename writes to stdout.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	if filename == "" {
		return &CSVWriter{out: os.Stdout}, nil
	}
	file, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	return &CSVWriter{out: file, file: file}, nil
}

// NewCSVStreamWriter writes to an arbitrary writer; Close does not close it.
func NewCSVStreamWriter(w io.Writer) *CSVWriter {
	return &CSVWriter{out: w}
}

// Write buffers results.
func (w *CSVWriter) Write(results []types.Result) error {
	w.results = append(w.results, results...)
	return nil
}

func (w *CSVWriter) flush() error {
	if len(w.results) == 0 {
		return nil
	}
	header, rows := tabulate(w.results)
	cw := csv.NewWriter(w.out)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	record := make([]string, len(header))
	for _, cells := range rows {
		for i, c := range cells {
			record[i] = formatCell(c)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Close writes the buffered rows and closes the file.
func (w *CSVWriter) Close() error {
	if w.out == nil {
		return nil
	}
	err := w.flush()
	w.out = nil
	w.results = nil
	if w.file != nil {
		if cerr := w.file.Close(); err == nil {
			err = cerr
		}
		w.file = nil
	}
	return err
}
