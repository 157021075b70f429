// internal/output/json.go
package output

import (
	"encoding/json"
	"io"
	"os"

	"github.com/valpere/marketrunner/pkg/types"
)

// JSONWriter writes results as one indented JSON array on Close.
type JSONWriter struct {
	out     io.Writer
	file    *os.File
	results []types.Result
}

// NewJSONWriter creates a JSON writer. An empty filename writes to stdout.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	if filename == "" {
		return &JSONWriter{out: os.Stdout}, nil
	}
	file, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	return &JSONWriter{out: file, file: file}, nil
}

// NewJSONStreamWriter writes to an arbitrary writer; Close does not close it.
func NewJSONStreamWriter(w io.Writer) *JSONWriter {
	return &JSONWriter{out: w}
}

// Write buffers results.
func (w *JSONWriter) Write(results []types.Result) error {
	w.results = append(w.results, results...)
	return nil
}

// Close writes the buffered array and closes the file.
func (w *JSONWriter) Close() error {
	if w.out == nil {
		return nil
	}
	results := w.results
	if results == nil {
		results = []types.Result{}
	}
	encoder := json.NewEncoder(w.out)
	encoder.SetIndent("", "  ")
	err := encoder.Encode(results)
	w.out = nil
	if w.file != nil {
		if cerr := w.file.Close(); err == nil {
			err = cerr
		}
		w.file = nil
	}
	return err
}
