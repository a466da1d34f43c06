package delta

import (
	"bytes"
	"context"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lake-cli/internal/blob"
	"github.com/sells-group/lake-cli/internal/frame"
)

const readConcurrency = 4

// Read returns the rows of the latest version.
func (t *Table) Read(ctx context.Context) (*frame.Frame, error) {
	return t.ReadVersion(ctx, -1)
}

// ReadVersion returns the rows of version; negative means latest.
func (t *Table) ReadVersion(ctx context.Context, version int64) (*frame.Frame, error) {
	snap, err := t.SnapshotAt(ctx, version)
	if err != nil {
		return nil, err
	}
	return t.ReadSnapshot(ctx, snap)
}

// ReadSnapshot returns the rows of the active files of snap, in file path
// order.
func (t *Table) ReadSnapshot(ctx context.Context, snap *Snapshot) (*frame.Frame, error) {
	parts := make([][][]any, len(snap.Files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)
	for i, f := range snap.Files {
		g.Go(func() error {
			data, err := blob.ReadAll(gctx, t.store, t.DataKey(f.Path))
			if err != nil {
				return eris.Wrapf(err, "delta: read data file %s", f.Path)
			}
			rows, err := decodeParquet(gctx, memory.DefaultAllocator, snap.Schema, data)
			if err != nil {
				return eris.Wrapf(err, "delta: decode data file %s", f.Path)
			}
			parts[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return frame.Concat(snap.Schema, parts...), nil
}

// decodeParquet reads a Parquet file into rows laid out by schema. Columns
// are matched by name; columns missing from the file read as null.
func decodeParquet(ctx context.Context, mem memory.Allocator, schema frame.Schema, data []byte) ([][]any, error) {
	tbl, err := pqarrow.ReadTable(ctx, bytes.NewReader(data), parquet.NewReaderProperties(mem), pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, eris.Wrap(err, "read parquet")
	}
	defer tbl.Release()

	tr := array.NewTableReader(tbl, 64*1024)
	defer tr.Release()

	var out [][]any
	for tr.Next() {
		fileSchema, rows, err := frame.FromRecord(tr.Record())
		if err != nil {
			return nil, err
		}
		idx := make([]int, len(schema.Fields))
		for i, f := range schema.Fields {
			idx[i] = fileSchema.Index(f.Name)
			if idx[i] >= 0 && fileSchema.Fields[idx[i]].Type != f.Type {
				return nil, eris.Wrapf(ErrSchemaMismatch, "column %s is %s in file, %s in table", f.Name, fileSchema.Fields[idx[i]].Type, f.Type)
			}
		}
		for _, row := range rows {
			mapped := make([]any, len(idx))
			for i, j := range idx {
				if j >= 0 {
					mapped[i] = row[j]
				}
			}
			out = append(out, mapped)
		}
	}
	if err := tr.Err(); err != nil {
		return nil, eris.Wrap(err, "iterate parquet")
	}
	return out, nil
}
