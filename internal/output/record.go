// internal/output/record.go
package output

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/valpere/marketrunner/pkg/types"
)

// Fixed leading columns of every tabular sink.
var baseColumns = []string{"url", "success", "method", "execution_time_ms", "error"}

// dataPrefix marks flattened data keys in tabular output.
const dataPrefix = "data."

// row is a result in its relational form; Data holds the JSON document.
type row struct {
	URL             string
	Success         bool
	Method          string
	ExecutionTimeMs int64
	Error           string
	Data            string
}

func toRow(r types.Result) (row, error) {
	data := "{}"
	if len(r.Data) > 0 {
		b, err := json.Marshal(r.Data)
		if err != nil {
			return row{}, fmt.Errorf("encode data for %s: %w", r.URL, err)
		}
		data = string(b)
	}
	return row{
		URL:             r.URL,
		Success:         r.Success,
		Method:          string(r.Method),
		ExecutionTimeMs: r.ExecutionTimeMs,
		Error:           r.Error,
		Data:            data,
	}, nil
}

// flatten writes nested maps as dotted keys. Lists stay as values.
func flatten(prefix string, value interface{}, out map[string]interface{}) {
	m, ok := value.(map[string]interface{})
	if !ok {
		out[prefix] = value
		return
	}
	for k, v := range m {
		flatten(prefix+"."+k, v, out)
	}
}

// tabulate returns a header and one cell slice per result: the base columns
// followed by every flattened data key seen in the batch, sorted.
func tabulate(results []types.Result) ([]string, [][]interface{}) {
	flat := make([]map[string]interface{}, len(results))
	keySet := make(map[string]bool)
	for i, r := range results {
		f := make(map[string]interface{})
		for k, v := range r.Data {
			flatten(dataPrefix+k, v, f)
		}
		for k := range f {
			keySet[k] = true
		}
		flat[i] = f
	}
	dataKeys := make([]string, 0, len(keySet))
	for k := range keySet {
		dataKeys = append(dataKeys, k)
	}
	sort.Strings(dataKeys)

	header := append(append([]string(nil), baseColumns...), dataKeys...)
	rows := make([][]interface{}, len(results))
	for i, r := range results {
		cells := make([]interface{}, 0, len(header))
		cells = append(cells, r.URL, r.Success, string(r.Method), r.ExecutionTimeMs, r.Error)
		for _, k := range dataKeys {
			cells = append(cells, flat[i][k])
		}
		rows[i] = cells
	}
	return header, rows
}

// formatCell renders a value for text-only sinks.
func formatCell(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case []interface{}:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = formatCell(item)
		}
		return strings.Join(parts, "; ")
	case []string:
		return strings.Join(v, "; ")
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", v)
	}
}
