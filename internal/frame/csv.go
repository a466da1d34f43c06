package frame

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lake-cli/internal/blob"
	"github.com/sells-group/lake-cli/internal/fetcher"
)

var (
	// ErrPathExists is returned by ErrorIfExists writes to a non-empty path.
	ErrPathExists = eris.New("frame: path already exists")
	// ErrPathNotFound is returned when a directory read finds no data files.
	ErrPathNotFound = eris.New("frame: path does not exist")
)

// SuccessMarker is the empty file written after every part of a directory.
const SuccessMarker = "_SUCCESS"

// CSVOptions configures CSV reads.
type CSVOptions struct {
	// Header treats the first row of each file as column names.
	Header bool
	// InferSchema types columns from their values; otherwise all are strings.
	InferSchema bool
	Delimiter   rune
}

// WriteOptions configures directory writes.
type WriteOptions struct {
	Header         bool
	Mode           SaveMode
	MaxRowsPerFile int
	Concurrency    int
}

func readCells(ctx context.Context, r io.Reader, opts CSVOptions) ([]string, [][]*string, error) {
	header, raw, err := fetcher.CollectCSV(ctx, r, fetcher.CSVOptions{
		Delimiter: opts.Delimiter,
		HasHeader: opts.Header,
		StripBOM:  true,
	})
	if err != nil {
		return nil, nil, err
	}
	rows := make([][]*string, len(raw))
	for i, rec := range raw {
		cells := make([]*string, len(rec))
		for j := range rec {
			if rec[j] != "" {
				cells[j] = &rec[j]
			}
		}
		rows[i] = cells
	}
	return header, rows, nil
}

// columnNames fills blank header names with _c<i> and makes names that
// collide case-insensitively unique by appending their position.
func columnNames(header []string, width int) []string {
	names := make([]string, width)
	counts := map[string]int{}
	for i := range names {
		if i < len(header) && strings.TrimSpace(header[i]) != "" {
			names[i] = header[i]
		} else {
			names[i] = fmt.Sprintf("_c%d", i)
		}
		counts[strings.ToLower(names[i])]++
	}
	for i, n := range names {
		if counts[strings.ToLower(n)] > 1 {
			names[i] = fmt.Sprintf("%s%d", n, i)
		}
	}
	return names
}

func buildFrame(header []string, rows [][]*string, opts CSVOptions) (*Frame, error) {
	width := len(header)
	if !opts.Header {
		for _, row := range rows {
			width = max(width, len(row))
		}
	}
	names := columnNames(header, width)

	// Short rows are padded with nulls, long rows truncated.
	for i, row := range rows {
		if len(row) != width {
			fixed := make([]*string, width)
			copy(fixed, row)
			rows[i] = fixed
		}
	}

	var schema Schema
	if opts.InferSchema {
		schema = InferSchema(names, rows)
	} else {
		fields := make([]Field, width)
		for i, n := range names {
			fields[i] = Field{Name: n, Type: String, Nullable: true}
		}
		schema = Schema{Fields: fields}
	}

	out := make([][]any, len(rows))
	for i, row := range rows {
		vals := make([]any, width)
		for j, cell := range row {
			v, err := ParseValue(cell, schema.Fields[j].Type)
			if err != nil {
				return nil, eris.Wrapf(err, "frame: row %d column %s", i+1, names[j])
			}
			vals[j] = v
		}
		out[i] = vals
	}
	return &Frame{schema: schema, rows: out}, nil
}

// ReadCSV parses one CSV stream. A UTF-8 byte order mark is dropped and
// empty cells are null.
func ReadCSV(ctx context.Context, r io.Reader, opts CSVOptions) (*Frame, error) {
	header, rows, err := readCells(ctx, r, opts)
	if err != nil {
		return nil, err
	}
	return buildFrame(header, rows, opts)
}

// isDataFile skips markers, hidden files and checksum files.
func isDataFile(key string) bool {
	base := path.Base(key)
	return !strings.HasPrefix(base, "_") && !strings.HasPrefix(base, ".")
}

// ReadCSVDir reads every data file under prefix and infers one schema over
// all of them. The header of the first file names the columns.
func ReadCSVDir(ctx context.Context, store blob.Store, prefix string, opts CSVOptions) (*Frame, error) {
	infos, err := store.List(ctx, blob.DirPrefix(prefix))
	if err != nil {
		return nil, err
	}

	var header []string
	var rows [][]*string
	files := 0
	for _, info := range infos {
		if !isDataFile(info.Key) {
			continue
		}
		files++
		rc, err := store.Get(ctx, info.Key)
		if err != nil {
			return nil, err
		}
		h, r, err := readCells(ctx, rc, opts)
		_ = rc.Close()
		if err != nil {
			return nil, eris.Wrapf(err, "frame: read %s", info.Key)
		}
		if header == nil {
			header = h
		}
		rows = append(rows, r...)
	}
	if files == 0 {
		return nil, eris.Wrapf(ErrPathNotFound, "%s", blob.URL(store, prefix))
	}
	return buildFrame(header, rows, opts)
}

func encodeCSV(schema Schema, rows [][]any, header bool) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if header {
		if err := w.Write(schema.Names()); err != nil {
			return nil, eris.Wrap(err, "frame: write header")
		}
	}
	rec := make([]string, len(schema.Fields))
	for _, row := range rows {
		for i, v := range row {
			rec[i] = FormatValue(v)
		}
		if err := w.Write(rec); err != nil {
			return nil, eris.Wrap(err, "frame: write row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, eris.Wrap(err, "frame: flush csv")
	}
	return buf.Bytes(), nil
}

// WriteCSV writes f to w as a single CSV document.
func (f *Frame) WriteCSV(w io.Writer, header bool) error {
	data, err := encodeCSV(f.schema, f.rows, header)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return eris.Wrap(err, "frame: write csv")
}

// prepareTarget applies the save mode to prefix. It returns false when the
// write should be skipped.
func prepareTarget(ctx context.Context, store blob.Store, prefix string, mode SaveMode) (bool, error) {
	dir := blob.DirPrefix(prefix)
	existing, err := store.List(ctx, dir)
	if err != nil {
		return false, err
	}
	if len(existing) == 0 {
		return true, nil
	}
	switch mode {
	case Overwrite:
		return true, store.DeletePrefix(ctx, dir)
	case Append:
		return true, nil
	case Ignore:
		return false, nil
	default:
		return false, eris.Wrapf(ErrPathExists, "%s", blob.URL(store, prefix))
	}
}

// WriteCSVDir writes f as part files under prefix followed by a _SUCCESS
// marker. Parts are written concurrently.
func WriteCSVDir(ctx context.Context, store blob.Store, prefix string, f *Frame, opts WriteOptions) error {
	if opts.Mode == "" {
		opts.Mode = ErrorIfExists
	}
	proceed, err := prepareTarget(ctx, store, prefix, opts.Mode)
	if err != nil || !proceed {
		return err
	}

	jobID := uuid.NewString()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Concurrency, 1))
	for i, part := range f.Partition(opts.MaxRowsPerFile) {
		key := blob.Join(prefix, fmt.Sprintf("part-%05d-%s-c000.csv", i, jobID))
		g.Go(func() error {
			data, err := encodeCSV(f.schema, part, opts.Header)
			if err != nil {
				return err
			}
			return store.Put(gctx, key, data)
		})
	}
	if err := g.Wait(); err != nil {
		return eris.Wrapf(err, "frame: write csv %s", prefix)
	}
	if err := store.Put(ctx, blob.Join(prefix, SuccessMarker), nil); err != nil {
		return err
	}

	zap.L().Debug("wrote csv directory",
		zap.String("component", "frame"),
		zap.String("path", blob.URL(store, prefix)),
		zap.Int("rows", f.NumRows()),
		zap.String("mode", string(opts.Mode)),
	)
	return nil
}
