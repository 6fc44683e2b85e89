package generator

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
)

// Kind selects the shape of generated records.
type Kind string

const (
	KindText      Kind = "text"
	KindNumerical Kind = "numerical"
	KindMixed     Kind = "mixed"
)

// ParseKind converts s into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindText, KindNumerical, KindMixed:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown dataset kind %q", s)
}

var tsType = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

var (
	textSchema = arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "title", Type: arrow.BinaryTypes.String},
		{Name: "abstract", Type: arrow.BinaryTypes.String},
		{Name: "author", Type: arrow.BinaryTypes.String},
		{Name: "topic", Type: arrow.BinaryTypes.String},
		{Name: "citation_count", Type: arrow.PrimitiveTypes.Int64},
		{Name: "publication_date", Type: arrow.BinaryTypes.String},
		{Name: "word_count", Type: arrow.PrimitiveTypes.Int64},
		{Name: "ingestion_timestamp", Type: tsType},
	}, nil)

	numericalSchema = arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "experiment_id", Type: arrow.BinaryTypes.String},
		{Name: "measurement_1", Type: arrow.PrimitiveTypes.Float64},
		{Name: "measurement_2", Type: arrow.PrimitiveTypes.Float64},
		{Name: "measurement_3", Type: arrow.PrimitiveTypes.Float64},
		{Name: "temperature", Type: arrow.PrimitiveTypes.Float64},
		{Name: "pressure", Type: arrow.PrimitiveTypes.Float64},
		{Name: "timestamp", Type: tsType},
		{Name: "quality_score", Type: arrow.PrimitiveTypes.Float64},
		{Name: "ingestion_timestamp", Type: tsType},
	}, nil)

	mixedSchema = arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "category", Type: arrow.BinaryTypes.String},
		{Name: "value", Type: arrow.PrimitiveTypes.Float64},
		{Name: "count", Type: arrow.PrimitiveTypes.Int64},
		{Name: "flag", Type: arrow.FixedWidthTypes.Boolean},
		{Name: "description", Type: arrow.BinaryTypes.String},
		{Name: "created_at", Type: tsType},
		{Name: "ingestion_timestamp", Type: tsType},
	}, nil)
)

var (
	topics     = []string{"ML", "NLP", "Computer Vision", "Robotics", "Theory"}
	categories = []string{"A", "B", "C", "D"}
)

// Generator fabricates research-style record batches. All randomness comes
// from the *rand.Rand it is given, so equal seeds give equal batches.
type Generator struct {
	rng *rand.Rand
	mem memory.Allocator
	Now func() time.Time
}

// New creates a Generator drawing from rng.
func New(rng *rand.Rand, mem memory.Allocator) *Generator {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &Generator{
		rng: rng,
		mem: mem,
		Now: time.Now,
	}
}

func (g *Generator) builder(kind Kind) (func(n int) arrow.Record, error) {
	switch kind {
	case KindText:
		return g.text, nil
	case KindNumerical:
		return g.numerical, nil
	case KindMixed:
		return g.mixed, nil
	}
	return nil, fmt.Errorf("unknown dataset kind %q", kind)
}

// Batch builds n records of the given kind. The caller must Release the result.
func (g *Generator) Batch(kind Kind, n int) (arrow.Record, error) {
	build, err := g.builder(kind)
	if err != nil {
		return nil, err
	}
	return build(n), nil
}

// Stream emits numBatches batches of batchSize records, pausing delay between
// them. The channel is closed when done or when ctx is cancelled.
func (g *Generator) Stream(ctx context.Context, kind Kind, batchSize, numBatches int, delay time.Duration) (<-chan arrow.Record, error) {
	build, err := g.builder(kind)
	if err != nil {
		return nil, err
	}
	out := make(chan arrow.Record)
	go func() {
		defer close(out)
		for i := 0; i < numBatches; i++ {
			rec := build(batchSize)
			select {
			case out <- rec:
			case <-ctx.Done():
				rec.Release()
				return
			}
			if i < numBatches-1 && delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (g *Generator) ingestionTime() arrow.Timestamp {
	return arrow.Timestamp(g.Now().UTC().UnixMicro())
}

func (g *Generator) text(n int) arrow.Record {
	b := array.NewRecordBuilder(g.mem, textSchema)
	defer b.Release()
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	days := int(time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC).Sub(start).Hours() / 24)
	words := make([]string, 50)
	for i := 0; i < n; i++ {
		for w := range words {
			words[w] = fmt.Sprintf("word%d", g.rng.Intn(1000)+1)
		}
		b.Field(0).(*array.Int64Builder).Append(int64(i))
		b.Field(1).(*array.StringBuilder).Append(fmt.Sprintf("Research Paper %d: %s", i, topics[g.rng.Intn(len(topics))]))
		b.Field(2).(*array.StringBuilder).Append(strings.Join(words, " "))
		b.Field(3).(*array.StringBuilder).Append(fmt.Sprintf("Author_%d", g.rng.Intn(50)))
		b.Field(4).(*array.StringBuilder).Append(topics[g.rng.Intn(len(topics))])
		b.Field(5).(*array.Int64Builder).Append(int64(g.rng.Intn(501)))
		b.Field(6).(*array.StringBuilder).Append(start.AddDate(0, 0, g.rng.Intn(days+1)).Format("2006-01-02"))
		b.Field(7).(*array.Int64Builder).Append(int64(3000 + g.rng.Intn(7001)))
		b.Field(8).(*array.TimestampBuilder).Append(g.ingestionTime())
	}
	return b.NewRecord()
}

func (g *Generator) numerical(n int) arrow.Record {
	b := array.NewRecordBuilder(g.mem, numericalSchema)
	defer b.Release()
	for i := 0; i < n; i++ {
		b.Field(0).(*array.Int64Builder).Append(int64(i))
		b.Field(1).(*array.StringBuilder).Append(fmt.Sprintf("exp_%d", g.rng.Intn(100)+1))
		b.Field(2).(*array.Float64Builder).Append(g.gauss(100, 15))
		b.Field(3).(*array.Float64Builder).Append(g.gauss(50, 10))
		b.Field(4).(*array.Float64Builder).Append(g.uniform(0, 1))
		b.Field(5).(*array.Float64Builder).Append(g.uniform(20, 30))
		b.Field(6).(*array.Float64Builder).Append(g.uniform(990, 1020))
		b.Field(7).(*array.TimestampBuilder).Append(g.randomTimestamp())
		b.Field(8).(*array.Float64Builder).Append(g.uniform(0.7, 1.0))
		b.Field(9).(*array.TimestampBuilder).Append(g.ingestionTime())
	}
	return b.NewRecord()
}

func (g *Generator) mixed(n int) arrow.Record {
	b := array.NewRecordBuilder(g.mem, mixedSchema)
	defer b.Release()
	for i := 0; i < n; i++ {
		b.Field(0).(*array.Int64Builder).Append(int64(i))
		b.Field(1).(*array.StringBuilder).Append(fmt.Sprintf("Sample_%d", i))
		b.Field(2).(*array.StringBuilder).Append(categories[g.rng.Intn(len(categories))])
		b.Field(3).(*array.Float64Builder).Append(g.gauss(100, 20))
		b.Field(4).(*array.Int64Builder).Append(int64(g.rng.Intn(1000) + 1))
		b.Field(5).(*array.BooleanBuilder).Append(g.rng.Intn(2) == 1)
		b.Field(6).(*array.StringBuilder).Append(fmt.Sprintf("Description for sample %d", i))
		b.Field(7).(*array.TimestampBuilder).Append(g.randomTimestamp())
		b.Field(8).(*array.TimestampBuilder).Append(g.ingestionTime())
	}
	return b.NewRecord()
}

func (g *Generator) gauss(mean, stddev float64) float64 {
	return g.rng.NormFloat64()*stddev + mean
}

func (g *Generator) uniform(lo, hi float64) float64 {
	return lo + g.rng.Float64()*(hi-lo)
}

// randomTimestamp picks a second between 2024-01-01 and Now.
func (g *Generator) randomTimestamp() arrow.Timestamp {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	span := int64(g.Now().Sub(start).Seconds())
	if span < 1 {
		span = 1
	}
	return arrow.Timestamp(start.Add(time.Duration(g.rng.Int63n(span)) * time.Second).UnixMicro())
}
