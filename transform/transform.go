package transform

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/compute"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/gigapi/gigapi-datasets/core"
)

// KeyColumn is the column Deduplicate keys on when the record has it.
const KeyColumn = "id"

// RangeRule keeps rows whose Column value lies within [Min, Max]. Rules naming
// a column the record lacks are ignored.
type RangeRule struct {
	Column string
	Min    float64
	Max    float64
}

// DefaultRules bound the counters produced by the generator kinds.
var DefaultRules = []RangeRule{
	{Column: "citation_count", Min: 0, Max: 1000},
	{Column: "value", Min: 0, Max: 1000},
}

// Deduplicate drops repeated rows, keeping the first occurrence. Rows are
// keyed on the id column when present, otherwise on every column.
func Deduplicate(ctx context.Context, rec arrow.Record) (arrow.Record, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: nil record", core.ErrInvalidArgument)
	}
	var keyCols []arrow.Array
	if idx := rec.Schema().FieldIndices(KeyColumn); len(idx) > 0 {
		keyCols = []arrow.Array{rec.Column(idx[0])}
	} else {
		keyCols = rec.Columns()
	}

	seen := make(map[string]struct{}, rec.NumRows())
	var sb strings.Builder
	keep := make([]bool, rec.NumRows())
	for row := 0; row < int(rec.NumRows()); row++ {
		sb.Reset()
		for _, col := range keyCols {
			if col.IsNull(row) {
				sb.WriteString("\x00null")
			} else {
				v := col.ValueStr(row)
				sb.WriteString(strconv.Itoa(len(v)))
				sb.WriteByte(':')
				sb.WriteString(v)
			}
			sb.WriteByte('|')
		}
		key := sb.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keep[row] = true
	}
	out, err := filter(ctx, rec, keep)
	if err != nil {
		return nil, err
	}
	core.Debugf(ctx, "Deduplicated %d rows to %d", rec.NumRows(), out.NumRows())
	return out, nil
}

// Validate drops rows holding any null and rows that break a rule.
func Validate(ctx context.Context, rec arrow.Record, rules []RangeRule) (arrow.Record, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: nil record", core.ErrInvalidArgument)
	}
	keep := make([]bool, rec.NumRows())
	for row := range keep {
		keep[row] = true
	}
	for _, col := range rec.Columns() {
		if col.NullN() == 0 {
			continue
		}
		for row := range keep {
			if col.IsNull(row) {
				keep[row] = false
			}
		}
	}
	for _, rule := range rules {
		idx := rec.Schema().FieldIndices(rule.Column)
		if len(idx) == 0 {
			continue
		}
		col := rec.Column(idx[0])
		for row := range keep {
			if !keep[row] {
				continue
			}
			v, ok := numeric(col, row)
			if !ok {
				return nil, fmt.Errorf("%w: column %s of type %s is not numeric",
					core.ErrInvalidArgument, rule.Column, col.DataType())
			}
			if v < rule.Min || v > rule.Max {
				keep[row] = false
			}
		}
	}
	out, err := filter(ctx, rec, keep)
	if err != nil {
		return nil, err
	}
	core.Debugf(ctx, "Validated %d rows, %d passed", rec.NumRows(), out.NumRows())
	return out, nil
}

// CombineTable flattens tbl into a single record. The caller must Release it.
func CombineTable(tbl arrow.Table) (arrow.Record, error) {
	cols := make([]arrow.Array, tbl.NumCols())
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()
	for i := range cols {
		chunks := tbl.Column(i).Data().Chunks()
		if len(chunks) == 0 {
			cols[i] = array.MakeArrayOfNull(memory.DefaultAllocator, tbl.Schema().Field(i).Type, 0)
			continue
		}
		c, err := array.Concatenate(chunks, memory.DefaultAllocator)
		if err != nil {
			return nil, fmt.Errorf("failed to concatenate column %s: %w", tbl.Schema().Field(i).Name, err)
		}
		cols[i] = c
	}
	return array.NewRecord(tbl.Schema(), cols, tbl.NumRows()), nil
}

func filter(ctx context.Context, rec arrow.Record, keep []bool) (arrow.Record, error) {
	b := array.NewBooleanBuilder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(keep, nil)
	mask := b.NewArray()
	defer mask.Release()

	out, err := compute.FilterRecordBatch(ctx, rec, mask, compute.DefaultFilterOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to filter rows: %w", err)
	}
	return out, nil
}

func numeric(col arrow.Array, row int) (float64, bool) {
	switch c := col.(type) {
	case *array.Int64:
		return float64(c.Value(row)), true
	case *array.Int32:
		return float64(c.Value(row)), true
	case *array.Int16:
		return float64(c.Value(row)), true
	case *array.Int8:
		return float64(c.Value(row)), true
	case *array.Uint64:
		return float64(c.Value(row)), true
	case *array.Uint32:
		return float64(c.Value(row)), true
	case *array.Uint16:
		return float64(c.Value(row)), true
	case *array.Uint8:
		return float64(c.Value(row)), true
	case *array.Float64:
		return c.Value(row), true
	case *array.Float32:
		return float64(c.Value(row)), true
	case *array.Float16:
		return float64(c.Value(row).Float32()), true
	}
	return 0, false
}
