// internal/output/excel.go
package output

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"github.com/valpere/marketrunner/pkg/types"
)

const (
	// DefaultExcelMaxCellLength is the maximum characters in a single Excel cell
	DefaultExcelMaxCellLength = 32767
	// ExcelSheetName is the worksheet results are written to
	ExcelSheetName = "Results"
)

// ExcelWriter writes results to an .xlsx workbook. Like the CSV writer it
// buffers until Close because the header is the union of all data keys.
type ExcelWriter struct {
	path    string
	results []types.Result
	closed  bool
}

// NewExcelWriter creates a new Excel writer
func NewExcelWriter(path string) (*ExcelWriter, error) {
	if path == "" {
		return nil, fmt.Errorf("excel file path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	return &ExcelWriter{path: path}, nil
}

// Write buffers results.
func (w *ExcelWriter) Write(results []types.Result) error {
	if w.closed {
		return fmt.Errorf("excel writer is closed")
	}
	w.results = append(w.results, results...)
	return nil
}

// Close builds the workbook and saves it.
func (w *ExcelWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), ExcelSheetName); err != nil {
		return err
	}

	header, rows := tabulate(w.results)
	if err := w.writeHeader(f, header); err != nil {
		return err
	}
	for i, cells := range rows {
		values := make([]interface{}, len(cells))
		for j, c := range cells {
			values[j] = excelValue(c)
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(ExcelSheetName, cell, &values); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	if len(rows) > 0 {
		last, err := excelize.CoordinatesToCellName(len(header), len(rows)+1)
		if err != nil {
			return err
		}
		if err := f.AutoFilter(ExcelSheetName, "A1:"+last, nil); err != nil {
			return fmt.Errorf("failed to set auto filter: %w", err)
		}
	}

	if err := f.SetPanes(ExcelSheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze header: %w", err)
	}

	w.results = nil
	return f.SaveAs(w.path)
}

func (w *ExcelWriter) writeHeader(f *excelize.File, header []string) error {
	style, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 12},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return err
	}
	values := make([]interface{}, len(header))
	for i, h := range header {
		values[i] = h
	}
	if err := f.SetSheetRow(ExcelSheetName, "A1", &values); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(ExcelSheetName, "A1", last, style); err != nil {
		return err
	}
	lastCol, err := excelize.ColumnNumberToName(len(header))
	if err != nil {
		return err
	}
	return f.SetColWidth(ExcelSheetName, "A", lastCol, 18)
}

// excelValue keeps numbers and booleans native; everything else is text,
// truncated to the cell limit.
func excelValue(v interface{}) interface{} {
	switch v.(type) {
	case bool, int, int64, float64:
		return v
	}
	s := formatCell(v)
	if len(s) > DefaultExcelMaxCellLength {
		s = s[:DefaultExcelMaxCellLength]
	}
	return s
}
