package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/gigapi/gigapi-datasets/core"
)

type jsonKind int

const (
	kindNull jsonKind = iota
	kindBool
	kindInt
	kindFloat
	kindTime
	kindString
)

var timestampType = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

func (k jsonKind) dataType() arrow.DataType {
	switch k {
	case kindBool:
		return arrow.FixedWidthTypes.Boolean
	case kindInt:
		return arrow.PrimitiveTypes.Int64
	case kindFloat:
		return arrow.PrimitiveTypes.Float64
	case kindTime:
		return timestampType
	}
	return arrow.BinaryTypes.String
}

func kindOf(v any) jsonKind {
	switch v := v.(type) {
	case nil:
		return kindNull
	case bool:
		return kindBool
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return kindInt
		}
		return kindFloat
	case string:
		if _, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return kindTime
		}
	}
	return kindString
}

// widen returns the narrowest kind holding values of both a and b.
func widen(a, b jsonKind) jsonKind {
	switch {
	case a == kindNull:
		return b
	case b == kindNull, a == b:
		return a
	case (a == kindInt && b == kindFloat) || (a == kindFloat && b == kindInt):
		return kindFloat
	}
	return kindString
}

// JSON reads a JSON array of objects, or newline-delimited objects, into a
// table. Columns follow the order keys are first seen and a key missing from
// a row is null. Types are inferred over all rows: integers become int64,
// other numbers float64, RFC 3339 strings timestamp[us, UTC], and mixed or
// nested values utf8 holding their JSON text. The caller must Release the
// table.
func JSON(r io.Reader, mem memory.Allocator) (arrow.Table, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	rows, names, err := decodeObjects(r)
	if err != nil {
		return nil, core.Wrap(core.ErrInvalidArgument, fmt.Errorf("failed to parse json: %w", err))
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: json has no columns", core.ErrInvalidArgument)
	}

	kinds := make([]jsonKind, len(names))
	fields := make([]arrow.Field, len(names))
	for i, name := range names {
		for _, row := range rows {
			kinds[i] = widen(kinds[i], kindOf(row[name]))
		}
		fields[i] = arrow.Field{Name: name, Type: kinds[i].dataType(), Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	var recs []arrow.Record
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()
	for n, row := range rows {
		for i, name := range names {
			if err := appendValue(b.Field(i), kinds[i], row[name]); err != nil {
				return nil, core.Wrap(core.ErrInvalidArgument, fmt.Errorf("row %d, column %s: %w", n, name, err))
			}
		}
		if (n+1)%chunkSize == 0 {
			recs = append(recs, b.NewRecord())
		}
	}
	if len(rows)%chunkSize != 0 || len(recs) == 0 {
		recs = append(recs, b.NewRecord())
	}
	return array.NewTableFromRecords(schema, recs), nil
}

func appendValue(b array.Builder, kind jsonKind, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch kind {
	case kindBool:
		b.(*array.BooleanBuilder).Append(v.(bool))
	case kindInt:
		n, err := v.(json.Number).Int64()
		if err != nil {
			return err
		}
		b.(*array.Int64Builder).Append(n)
	case kindFloat:
		f, err := v.(json.Number).Float64()
		if err != nil {
			return err
		}
		b.(*array.Float64Builder).Append(f)
	case kindTime:
		t, err := time.Parse(time.RFC3339Nano, v.(string))
		if err != nil {
			return err
		}
		b.(*array.TimestampBuilder).Append(arrow.Timestamp(t.UTC().UnixMicro()))
	default:
		s, err := textOf(v)
		if err != nil {
			return err
		}
		b.(*array.StringBuilder).Append(s)
	}
	return nil
}

func textOf(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// decodeObjects reads the top-level objects of r and the union of their keys
// in first-seen order.
func decodeObjects(r io.Reader) ([]map[string]any, []string, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var (
		rows  []map[string]any
		names []string
		seen  = make(map[string]bool)
	)
	readObject := func() error {
		row := make(map[string]any)
		for dec.More() {
			t, err := dec.Token()
			if err != nil {
				return err
			}
			key, ok := t.(string)
			if !ok {
				return fmt.Errorf("unexpected object key %v", t)
			}
			var v any
			if err := dec.Decode(&v); err != nil {
				return err
			}
			if !seen[key] {
				seen[key] = true
				names = append(names, key)
			}
			row[key] = v
		}
		// closing brace
		if _, err := dec.Token(); err != nil {
			return err
		}
		rows = append(rows, row)
		return nil
	}

	t, err := dec.Token()
	if err == io.EOF {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	switch t {
	case json.Delim('['):
		for dec.More() {
			t, err := dec.Token()
			if err != nil {
				return nil, nil, err
			}
			if t != json.Delim('{') {
				return nil, nil, fmt.Errorf("expected an object, got %v", t)
			}
			if err := readObject(); err != nil {
				return nil, nil, err
			}
		}
		if _, err := dec.Token(); err != nil {
			return nil, nil, err
		}
	case json.Delim('{'):
		for {
			if err := readObject(); err != nil {
				return nil, nil, err
			}
			t, err := dec.Token()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, nil, err
			}
			if t != json.Delim('{') {
				return nil, nil, fmt.Errorf("expected an object, got %v", t)
			}
		}
	default:
		return nil, nil, fmt.Errorf("expected an array or object, got %v", t)
	}
	return rows, names, nil
}
