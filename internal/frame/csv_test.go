package frame

import (
	"context"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lake-cli/internal/blob"
)

const zoneCSV = "\ufeff\"LocationID\",\"Borough\",\"Zone\",\"service_zone\"\n" +
	"1,\"EWR\",\"Newark Airport\",\"EWR\"\n" +
	"2,\"Queens\",\"Jamaica Bay\",\"Boro Zone\"\n" +
	"3,\"Bronx\",\"Allerton/Pelham Gardens\",\"Boro Zone\"\n" +
	"264,\"Unknown\",\"NV\",\"N/A\"\n" +
	"265,\"Unknown\",,\n"

func memStore(t *testing.T) *blob.AferoStore {
	t.Helper()
	return blob.NewAferoStore(afero.NewMemMapFs(), "/lake", "mem://"+t.Name())
}

func TestReadCSV_Zones(t *testing.T) {
	f, err := ReadCSV(context.Background(), strings.NewReader(zoneCSV), CSVOptions{Header: true, InferSchema: true})
	require.NoError(t, err)

	assert.Equal(t, "LocationID integer, Borough string, Zone string, service_zone string", f.Schema().String())
	require.Equal(t, 5, f.NumRows())
	assert.Equal(t, []any{int32(1), "EWR", "Newark Airport", "EWR"}, f.Rows()[0])
	assert.Equal(t, []any{int32(265), "Unknown", nil, nil}, f.Rows()[4])
}

func TestReadCSV_NoInferKeepsStrings(t *testing.T) {
	f, err := ReadCSV(context.Background(), strings.NewReader(zoneCSV), CSVOptions{Header: true})
	require.NoError(t, err)
	for _, fld := range f.Schema().Fields {
		assert.Equal(t, String, fld.Type)
	}
	assert.Equal(t, "1", f.Rows()[0][0])
}

func TestReadCSV_Headerless(t *testing.T) {
	in := "1,a\n2,b,true\n"
	f, err := ReadCSV(context.Background(), strings.NewReader(in), CSVOptions{InferSchema: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"_c0", "_c1", "_c2"}, f.Schema().Names())
	assert.Equal(t, Boolean, f.Schema().Fields[2].Type)
	assert.Equal(t, []any{int32(1), "a", nil}, f.Rows()[0])
}

func TestReadCSV_ShortAndLongRows(t *testing.T) {
	in := "a,b\n1\n2,3,4\n"
	f, err := ReadCSV(context.Background(), strings.NewReader(in), CSVOptions{Header: true, InferSchema: true})
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int32(1), nil}, {int32(2), int32(3)}}, f.Rows())
}

func TestReadCSV_HeaderNames(t *testing.T) {
	in := "id,,ID,name\n1,2,3,x\n"
	f, err := ReadCSV(context.Background(), strings.NewReader(in), CSVOptions{Header: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"id0", "_c1", "ID2", "name"}, f.Schema().Names())
}

func TestReadCSV_Widening(t *testing.T) {
	in := "n\n1\n5000000000\n2.5\n"
	f, err := ReadCSV(context.Background(), strings.NewReader(in), CSVOptions{Header: true, InferSchema: true})
	require.NoError(t, err)
	assert.Equal(t, Double, f.Schema().Fields[0].Type)
	assert.Equal(t, []any{1.0}, f.Rows()[0])
}

func TestReadCSV_Malformed(t *testing.T) {
	_, err := ReadCSV(context.Background(), strings.NewReader("a,b\n\"unterminated,1\n"), CSVOptions{Header: true})
	require.Error(t, err)
}

func TestWriteCSVDir_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := memStore(t)
	src, err := ReadCSV(ctx, strings.NewReader(zoneCSV), CSVOptions{Header: true, InferSchema: true})
	require.NoError(t, err)

	err = WriteCSVDir(ctx, store, "raw/zone_lookup", src, WriteOptions{
		Header: true, Mode: Overwrite, MaxRowsPerFile: 2, Concurrency: 2,
	})
	require.NoError(t, err)

	infos, err := store.List(ctx, "raw/zone_lookup/")
	require.NoError(t, err)
	var parts int
	var success bool
	for _, info := range infos {
		switch {
		case strings.HasSuffix(info.Key, "/_SUCCESS"):
			success = true
		case strings.HasSuffix(info.Key, "-c000.csv"):
			parts++
		}
	}
	assert.True(t, success)
	assert.Equal(t, 3, parts)

	back, err := ReadCSVDir(ctx, store, "raw/zone_lookup", CSVOptions{Header: true, InferSchema: true})
	require.NoError(t, err)
	assert.True(t, src.Schema().Equal(back.Schema()))
	assert.ElementsMatch(t, src.Rows(), back.Rows())
}

func TestWriteCSVDir_Modes(t *testing.T) {
	ctx := context.Background()
	store := memStore(t)
	one, err := New(NewSchema(Field{Name: "x", Type: Integer, Nullable: true}), [][]any{{int32(1)}})
	require.NoError(t, err)
	two, err := New(one.Schema(), [][]any{{int32(2)}})
	require.NoError(t, err)
	read := func() [][]any {
		f, err := ReadCSVDir(ctx, store, "out", CSVOptions{Header: true, InferSchema: true})
		require.NoError(t, err)
		return f.Rows()
	}

	require.NoError(t, WriteCSVDir(ctx, store, "out", one, WriteOptions{Header: true}))

	err = WriteCSVDir(ctx, store, "out", two, WriteOptions{Header: true})
	assert.True(t, eris.Is(err, ErrPathExists))

	require.NoError(t, WriteCSVDir(ctx, store, "out", two, WriteOptions{Header: true, Mode: Ignore}))
	assert.Equal(t, [][]any{{int32(1)}}, read())

	require.NoError(t, WriteCSVDir(ctx, store, "out", two, WriteOptions{Header: true, Mode: Append}))
	assert.ElementsMatch(t, [][]any{{int32(1)}, {int32(2)}}, read())

	require.NoError(t, WriteCSVDir(ctx, store, "out", two, WriteOptions{Header: true, Mode: Overwrite}))
	assert.Equal(t, [][]any{{int32(2)}}, read())
}

func TestWriteCSVDir_EmptyFrameWritesHeader(t *testing.T) {
	ctx := context.Background()
	store := memStore(t)
	empty, err := New(NewSchema(Field{Name: "a", Type: String, Nullable: true}), nil)
	require.NoError(t, err)

	require.NoError(t, WriteCSVDir(ctx, store, "empty", empty, WriteOptions{Header: true, Mode: Overwrite}))
	f, err := ReadCSVDir(ctx, store, "empty", CSVOptions{Header: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, f.Schema().Names())
	assert.Zero(t, f.NumRows())
}

func TestReadCSVDir_Missing(t *testing.T) {
	_, err := ReadCSVDir(context.Background(), memStore(t), "nothing", CSVOptions{Header: true})
	assert.True(t, eris.Is(err, ErrPathNotFound))
}

func TestFrame_WriteCSV(t *testing.T) {
	f, err := New(NewSchema(
		Field{Name: "location_id", Type: Integer, Nullable: true},
		Field{Name: "zone", Type: String, Nullable: true},
	), [][]any{{int32(1), "Newark Airport"}, {int32(265), nil}})
	require.NoError(t, err)

	var buf strings.Builder
	require.NoError(t, f.WriteCSV(&buf, true))
	assert.Equal(t, "location_id,zone\n1,Newark Airport\n265,\n", buf.String())

	buf.Reset()
	require.NoError(t, f.WriteCSV(&buf, false))
	assert.Equal(t, "1,Newark Airport\n265,\n", buf.String())
}
