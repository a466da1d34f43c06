package fetcher

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"
)

func collectRows(t *testing.T, rowCh <-chan []string, errCh <-chan error) ([][]string, error) {
	t.Helper()
	var rows [][]string
	for row := range rowCh {
		rows = append(rows, row)
	}
	for err := range errCh {
		if err != nil {
			return rows, err
		}
	}
	return rows, nil
}

func TestStreamCSV_QuotedFields(t *testing.T) {
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(zoneCSV), CSVOptions{})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"LocationID", "Borough", "Zone", "service_zone"}, rows[0])
	assert.Equal(t, []string{"2", "Queens", "Jamaica Bay", "Boro Zone"}, rows[2])
}

func TestStreamCSV_WithHeader(t *testing.T) {
	headerCh := make(chan []string, 1)
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader("name,age\nalice,30\n"), CSVOptions{
		HasHeader: true,
		HeaderCh:  headerCh,
	})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"alice", "30"}}, rows)
	assert.Equal(t, []string{"name", "age"}, <-headerCh)
}

func TestStreamCSV_Options(t *testing.T) {
	input := "# exported\n a | b \n1|\"x \"y\"|\n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{
		Delimiter:  '|',
		Comment:    '#',
		LazyQuotes: true,
		TrimSpace:  true,
	})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"a", "b"}, rows[0])
	assert.Len(t, rows[1], 3)
}

func TestStreamCSV_VariableFields(t *testing.T) {
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader("a,b,c\n1,2\n"), CSVOptions{})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"1", "2"}}, rows)
}

func TestStreamCSV_StripBOM(t *testing.T) {
	input := "\ufeffLocationID,Borough\n1,EWR\n"

	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{StripBOM: true})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	assert.Equal(t, "LocationID", rows[0][0])

	rowCh, errCh = StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{})
	rows, err = collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	assert.Equal(t, "\ufeffLocationID", rows[0][0])
}

func TestStreamCSV_UTF16WithBOM(t *testing.T) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder()
	encoded, err := enc.String("Zone\nNewark Airport\n")
	require.NoError(t, err)

	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(encoded), CSVOptions{StripBOM: true})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Zone"}, {"Newark Airport"}}, rows)
}

func TestStreamCSV_Empty(t *testing.T) {
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(""), CSVOptions{})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestStreamCSV_ReadError(t *testing.T) {
	rowCh, errCh := StreamCSV(context.Background(), failingReader{err: io.ErrClosedPipe}, CSVOptions{})
	_, err := collectRows(t, rowCh, errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "csv: read row")
}

func TestStreamCSV_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rowCh, errCh := StreamCSV(ctx, strings.NewReader("a\n1\n"), CSVOptions{})
	_, err := collectRows(t, rowCh, errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context cancelled")
}

func TestCollectCSV(t *testing.T) {
	header, rows, err := CollectCSV(context.Background(), strings.NewReader(zoneCSV), CSVOptions{HasHeader: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"LocationID", "Borough", "Zone", "service_zone"}, header)
	assert.Len(t, rows, 2)

	header, rows, err = CollectCSV(context.Background(), strings.NewReader(""), CSVOptions{HasHeader: true})
	require.NoError(t, err)
	assert.Nil(t, header)
	assert.Empty(t, rows)

	_, _, err = CollectCSV(context.Background(), failingReader{err: io.ErrClosedPipe}, CSVOptions{})
	require.Error(t, err)
}

func TestStreamCSV_ParseErrorHasLine(t *testing.T) {
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader("a,b\n1,\"open\n"), CSVOptions{})
	_, err := collectRows(t, rowCh, errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}
