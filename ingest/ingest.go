// Package ingest turns external files into arrow tables ready to be written
// as dataset versions.
package ingest

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/gigapi/gigapi-datasets/core"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatCSV, FormatJSON:
		return f, nil
	}
	return "", fmt.Errorf("%w: unknown input format %q", core.ErrInvalidArgument, s)
}

// FormatOf guesses the format from the file extension, CSV by default.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON
	}
	return FormatCSV
}

// Read decodes r in the given format. The caller must Release the table.
func Read(format Format, r io.Reader, mem memory.Allocator) (arrow.Table, error) {
	switch format {
	case FormatCSV:
		return CSV(r, mem)
	case FormatJSON:
		return JSON(r, mem)
	}
	return nil, fmt.Errorf("%w: unknown input format %q", core.ErrInvalidArgument, format)
}
