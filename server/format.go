package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/gigapi/gigapi-datasets/core"
)

type formatterFn func(data []map[string]any, w http.ResponseWriter) error

var formatters = map[string]formatterFn{
	"json":   JsonFormatter,
	"ndjson": NDJsonFormatter,
}

// RowsResponse wraps formatted rows for the json format.
type RowsResponse struct {
	Results []map[string]any `json:"results"`
}

func JsonFormatter(data []map[string]any, w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(RowsResponse{
		Results: data,
	})
}

func NDJsonFormatter(data []map[string]any, w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for _, row := range data {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

// ProcessResultsForJSON prepares table rows for JSON serialization. int64
// values are sent as strings so JavaScript clients keep full precision.
func ProcessResultsForJSON(results []map[string]any) []map[string]any {
	processedResults := make([]map[string]any, len(results))
	for i, row := range results {
		processedRow := make(map[string]any, len(row))
		for key, value := range row {
			switch v := value.(type) {
			case nil:
				processedRow[key] = nil
			case int64:
				processedRow[key] = strconv.FormatInt(v, 10)
			case time.Time:
				processedRow[key] = v.Format(time.RFC3339Nano)
			default:
				processedRow[key] = v
			}
		}
		processedResults[i] = processedRow
	}
	return processedResults
}

// TableToRows converts up to limit rows of tbl into maps keyed by column name.
// A negative limit converts every row.
func TableToRows(tbl arrow.Table, limit int64) []map[string]any {
	n := tbl.NumRows()
	if limit >= 0 && limit < n {
		n = limit
	}
	rows := make([]map[string]any, n)
	for i := range rows {
		rows[i] = make(map[string]any, tbl.NumCols())
	}
	for c := 0; c < int(tbl.NumCols()); c++ {
		name := tbl.Schema().Field(c).Name
		var row int64
		for _, chunk := range tbl.Column(c).Data().Chunks() {
			for i := 0; i < chunk.Len() && row < n; i++ {
				if chunk.IsNull(i) {
					rows[row][name] = nil
				} else {
					rows[row][name] = chunk.GetOneForMarshal(i)
				}
				row++
			}
			if row >= n {
				break
			}
		}
	}
	return rows
}

// recordRow flattens a catalog record for the row formatters.
func recordRow(rec *core.DatasetRecord) map[string]any {
	return map[string]any{
		"id":         rec.ID,
		"name":       rec.Name,
		"version":    rec.Version,
		"layer":      string(rec.Layer),
		"file_path":  rec.FilePath,
		"schema":     rec.Schema,
		"row_count":  rec.RowCount,
		"size_bytes": rec.SizeBytes,
		"created_at": rec.CreatedAt.Format(time.RFC3339Nano),
		"metadata":   rec.Metadata,
	}
}
