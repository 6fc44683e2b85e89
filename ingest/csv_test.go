package ingest

import (
	"strings"
	"testing"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVInfersTypes(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	data := "id,name,value,flag\n1,alpha,1.5,true\n2,beta,2.25,false\n3,,3,true\n"
	tbl, err := CSV(strings.NewReader(data), mem)
	require.NoError(t, err)
	defer tbl.Release()

	assert.Equal(t, int64(3), tbl.NumRows())
	schema := tbl.Schema()
	require.Equal(t, 4, len(schema.Fields()))
	assert.Equal(t, "id", schema.Field(0).Name)
	assert.Equal(t, arrow.INT64, schema.Field(0).Type.ID())
	assert.Equal(t, arrow.STRING, schema.Field(1).Type.ID())
	assert.Equal(t, arrow.FLOAT64, schema.Field(2).Type.ID())
	assert.Equal(t, arrow.BOOL, schema.Field(3).Type.ID())
	assert.Equal(t, 1, tbl.Column(1).NullN())
}

func TestCSVMalformed(t *testing.T) {
	_, err := CSV(strings.NewReader("id,value\n1,2\n3\n"), nil)
	assert.Error(t, err)
}
