package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/gigapi/gigapi-datasets/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONArrayInfersTypes(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	data := `[
		{"id": 1, "title": "alpha", "score": 1, "open": true, "published": "2024-03-01T12:00:00Z", "tags": ["ml", "nlp"]},
		{"id": 2, "score": 2.5, "open": false, "published": null, "tags": []},
		{"id": 3, "title": "gamma", "score": 3, "extra": "late"}
	]`
	tbl, err := JSON(strings.NewReader(data), mem)
	require.NoError(t, err)
	defer tbl.Release()

	assert.Equal(t, int64(3), tbl.NumRows())
	schema := tbl.Schema()
	var names []string
	for _, f := range schema.Fields() {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"id", "title", "score", "open", "published", "tags", "extra"}, names)
	assert.Equal(t, arrow.INT64, schema.Field(0).Type.ID())
	assert.Equal(t, arrow.STRING, schema.Field(1).Type.ID())
	assert.Equal(t, arrow.FLOAT64, schema.Field(2).Type.ID())
	assert.Equal(t, arrow.BOOL, schema.Field(3).Type.ID())
	assert.Equal(t, "timestamp[us, tz=UTC]", schema.Field(4).Type.String())
	assert.Equal(t, arrow.STRING, schema.Field(5).Type.ID())

	rec, err := combine(tbl)
	require.NoError(t, err)
	defer rec.Release()
	assert.Equal(t, []float64{1, 2.5, 3}, rec.Column(2).(*array.Float64).Float64Values())
	assert.True(t, rec.Column(1).IsNull(1), "missing key is null")
	assert.True(t, rec.Column(6).IsNull(0))
	assert.Equal(t, `["ml","nlp"]`, rec.Column(5).(*array.String).Value(0))
	ts := rec.Column(4).(*array.Timestamp)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).UnixMicro(), int64(ts.Value(0)))
	assert.True(t, ts.IsNull(1))
}

func TestJSONLines(t *testing.T) {
	data := "{\"sensor\": \"north\", \"reading\": 3}\n{\"sensor\": \"south\", \"reading\": \"n/a\"}\n"
	tbl, err := JSON(strings.NewReader(data), nil)
	require.NoError(t, err)
	defer tbl.Release()

	assert.Equal(t, int64(2), tbl.NumRows())
	// Mixed number and text falls back to strings.
	assert.Equal(t, arrow.STRING, tbl.Schema().Field(1).Type.ID())
	chunk := tbl.Column(1).Data().Chunk(0).(*array.String)
	assert.Equal(t, "3", chunk.Value(0))
	assert.Equal(t, "n/a", chunk.Value(1))
}

func TestJSONRejectsMalformed(t *testing.T) {
	for _, data := range []string{
		``,
		`[]`,
		`[1, 2]`,
		`"just a string"`,
		`[{"id": 1}`,
		`{"id": 1} [2]`,
	} {
		_, err := JSON(strings.NewReader(data), nil)
		assert.ErrorIs(t, err, core.ErrInvalidArgument, "input %q", data)
	}
}

func TestReadDispatchesOnFormat(t *testing.T) {
	assert.Equal(t, FormatJSON, FormatOf("/tmp/papers.ndjson"))
	assert.Equal(t, FormatJSON, FormatOf("papers.JSON"))
	assert.Equal(t, FormatCSV, FormatOf("papers.tsv"))

	f, err := ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
	_, err = ParseFormat("xml")
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	tbl, err := Read(FormatJSON, strings.NewReader(`[{"id": 1}]`), nil)
	require.NoError(t, err)
	defer tbl.Release()
	assert.Equal(t, int64(1), tbl.NumRows())
}

func combine(tbl arrow.Table) (arrow.Record, error) {
	rdr := array.NewTableReader(tbl, -1)
	defer rdr.Release()
	if !rdr.Next() {
		return nil, rdr.Err()
	}
	rec := rdr.Record()
	rec.Retain()
	return rec, nil
}
