package transform

import (
	"context"
	"strings"
	"testing"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/gigapi/gigapi-datasets/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordFromJSON(t *testing.T, schema *arrow.Schema, js string) arrow.Record {
	t.Helper()
	rec, _, err := array.RecordFromJSON(memory.DefaultAllocator, schema, strings.NewReader(js))
	require.NoError(t, err)
	t.Cleanup(rec.Release)
	return rec
}

var papersSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "title", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "citation_count", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
}, nil)

func TestDeduplicateByID(t *testing.T) {
	rec := recordFromJSON(t, papersSchema, `[
		{"id": 1, "title": "a", "citation_count": 5},
		{"id": 2, "title": "b", "citation_count": 6},
		{"id": 1, "title": "a again", "citation_count": 7},
		{"id": 3, "title": "c", "citation_count": 8}
	]`)
	out, err := Deduplicate(context.Background(), rec)
	require.NoError(t, err)
	defer out.Release()

	require.Equal(t, int64(3), out.NumRows())
	ids := out.Column(0).(*array.Int64)
	assert.Equal(t, []int64{1, 2, 3}, ids.Int64Values())
	assert.Equal(t, "a", out.Column(1).(*array.String).Value(0))
}

func TestDeduplicateAllColumns(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "a", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "b", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	rec := recordFromJSON(t, schema, `[
		{"a": "x", "b": "yz"},
		{"a": "xy", "b": "z"},
		{"a": "x", "b": "yz"},
		{"a": null, "b": "z"},
		{"a": null, "b": "z"}
	]`)
	out, err := Deduplicate(context.Background(), rec)
	require.NoError(t, err)
	defer out.Release()
	assert.Equal(t, int64(3), out.NumRows())
}

func TestDeduplicateEmpty(t *testing.T) {
	rec := recordFromJSON(t, papersSchema, `[]`)
	out, err := Deduplicate(context.Background(), rec)
	require.NoError(t, err)
	require.NotNil(t, out)
	defer out.Release()
	assert.Equal(t, int64(0), out.NumRows())
	assert.True(t, out.Schema().Equal(papersSchema))
}

func TestValidate(t *testing.T) {
	rec := recordFromJSON(t, papersSchema, `[
		{"id": 1, "title": "ok", "citation_count": 5},
		{"id": 2, "title": null, "citation_count": 6},
		{"id": 3, "title": "too many", "citation_count": 5000},
		{"id": 4, "title": "negative", "citation_count": -1},
		{"id": 5, "title": "edge", "citation_count": 1000}
	]`)
	out, err := Validate(context.Background(), rec, DefaultRules)
	require.NoError(t, err)
	defer out.Release()
	assert.Equal(t, []int64{1, 5}, out.Column(0).(*array.Int64).Int64Values())
}

func TestValidateSmallIntegerColumns(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "grade", Type: arrow.PrimitiveTypes.Uint8},
		{Name: "port", Type: arrow.PrimitiveTypes.Uint16},
		{Name: "score", Type: arrow.FixedWidthTypes.Float16},
	}, nil)
	rec := recordFromJSON(t, schema, `[
		{"id": 1, "grade": 3, "port": 80, "score": 0.5},
		{"id": 2, "grade": 200, "port": 80, "score": 0.5},
		{"id": 3, "grade": 3, "port": 65000, "score": 0.5},
		{"id": 4, "grade": 3, "port": 443, "score": 2}
	]`)
	rules := []RangeRule{
		{Column: "grade", Min: 0, Max: 10},
		{Column: "port", Min: 1, Max: 1024},
		{Column: "score", Min: 0, Max: 1},
	}
	out, err := Validate(context.Background(), rec, rules)
	require.NoError(t, err)
	defer out.Release()
	assert.Equal(t, []int64{1}, out.Column(0).(*array.Int64).Int64Values())
}

func TestValidateNonNumericRule(t *testing.T) {
	rec := recordFromJSON(t, papersSchema, `[{"id": 1, "title": "ok", "citation_count": 5}]`)
	_, err := Validate(context.Background(), rec, []RangeRule{{Column: "title", Min: 0, Max: 1}})
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestNilRecord(t *testing.T) {
	_, err := Deduplicate(context.Background(), nil)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
	_, err = Validate(context.Background(), nil, nil)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestCombineTable(t *testing.T) {
	a := recordFromJSON(t, papersSchema, `[{"id": 1, "title": "a", "citation_count": 1}]`)
	b := recordFromJSON(t, papersSchema, `[{"id": 2, "title": "b", "citation_count": 2}, {"id": 3, "title": null, "citation_count": null}]`)
	tbl := array.NewTableFromRecords(papersSchema, []arrow.Record{a, b})
	defer tbl.Release()

	rec, err := CombineTable(tbl)
	require.NoError(t, err)
	defer rec.Release()
	assert.Equal(t, int64(3), rec.NumRows())
	assert.Equal(t, []int64{1, 2, 3}, rec.Column(0).(*array.Int64).Int64Values())
	assert.True(t, rec.Column(1).IsNull(2))
}
