package generator

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestGenerator(seed int64, mem memory.Allocator) *Generator {
	g := New(rand.New(rand.NewSource(seed)), mem)
	g.Now = func() time.Time { return fixedNow }
	return g
}

func TestBatchShapes(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	for _, tc := range []struct {
		kind   Kind
		schema *arrow.Schema
	}{
		{KindText, textSchema},
		{KindNumerical, numericalSchema},
		{KindMixed, mixedSchema},
	} {
		t.Run(string(tc.kind), func(t *testing.T) {
			rec, err := newTestGenerator(1, mem).Batch(tc.kind, 25)
			require.NoError(t, err)
			defer rec.Release()

			assert.Equal(t, int64(25), rec.NumRows())
			assert.True(t, rec.Schema().Equal(tc.schema))
			ids := rec.Column(0).(*array.Int64)
			for i := 0; i < ids.Len(); i++ {
				assert.Equal(t, int64(i), ids.Value(i))
			}
			ts := rec.Column(int(rec.NumCols()) - 1).(*array.Timestamp)
			assert.Equal(t, arrow.Timestamp(fixedNow.UnixMicro()), ts.Value(0))
		})
	}
}

func TestBatchIsDeterministic(t *testing.T) {
	a, err := newTestGenerator(42, nil).Batch(KindMixed, 10)
	require.NoError(t, err)
	defer a.Release()
	b, err := newTestGenerator(42, nil).Batch(KindMixed, 10)
	require.NoError(t, err)
	defer b.Release()
	assert.True(t, array.RecordEqual(a, b))

	c, err := newTestGenerator(43, nil).Batch(KindMixed, 10)
	require.NoError(t, err)
	defer c.Release()
	assert.False(t, array.RecordEqual(a, c))
}

func TestBatchValueRanges(t *testing.T) {
	rec, err := newTestGenerator(7, nil).Batch(KindText, 200)
	require.NoError(t, err)
	defer rec.Release()

	citations := rec.Column(5).(*array.Int64)
	words := rec.Column(7).(*array.Int64)
	for i := 0; i < int(rec.NumRows()); i++ {
		assert.GreaterOrEqual(t, citations.Value(i), int64(0))
		assert.LessOrEqual(t, citations.Value(i), int64(500))
		assert.GreaterOrEqual(t, words.Value(i), int64(3000))
		assert.LessOrEqual(t, words.Value(i), int64(10000))
	}
}

func TestUnknownKind(t *testing.T) {
	_, err := newTestGenerator(1, nil).Batch(Kind("images"), 1)
	assert.Error(t, err)
	ch, err := newTestGenerator(1, nil).Stream(context.Background(), Kind("images"), 1, 1, 0)
	assert.Error(t, err)
	assert.Nil(t, ch)
	_, err = ParseKind("images")
	assert.Error(t, err)
	k, err := ParseKind("numerical")
	require.NoError(t, err)
	assert.Equal(t, KindNumerical, k)
}

func TestStream(t *testing.T) {
	ch, err := newTestGenerator(1, nil).Stream(context.Background(), KindNumerical, 5, 3, time.Millisecond)
	require.NoError(t, err)
	n := 0
	for rec := range ch {
		assert.Equal(t, int64(5), rec.NumRows())
		rec.Release()
		n++
	}
	assert.Equal(t, 3, n)
}

func TestStreamStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := newTestGenerator(1, nil).Stream(ctx, KindText, 2, 1000, time.Hour)
	require.NoError(t, err)

	rec := <-ch
	rec.Release()
	cancel()
	for rec := range ch {
		rec.Release()
	}
}
