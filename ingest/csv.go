package ingest

import (
	"fmt"
	"io"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/csv"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/gigapi/gigapi-datasets/core"
)

const chunkSize = 64 * 1024

// CSV reads a headed CSV stream into a table, inferring column types from the
// first data row. Empty cells become nulls. The caller must Release the table.
func CSV(r io.Reader, mem memory.Allocator) (arrow.Table, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	rdr := csv.NewInferringReader(r,
		csv.WithHeader(true),
		csv.WithChunk(chunkSize),
		csv.WithAllocator(mem),
		csv.WithNullReader(true, ""),
	)
	defer rdr.Release()

	var recs []arrow.Record
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()
	for rdr.Next() {
		rec := rdr.Record()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := rdr.Err(); err != nil {
		return nil, core.Wrap(core.ErrInvalidArgument, fmt.Errorf("failed to parse csv: %w", err))
	}
	schema := rdr.Schema()
	if schema == nil {
		return nil, fmt.Errorf("%w: csv has no header", core.ErrInvalidArgument)
	}
	return array.NewTableFromRecords(schema, recs), nil
}
