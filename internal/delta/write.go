package delta

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lake-cli/internal/blob"
	"github.com/sells-group/lake-cli/internal/frame"
)

const (
	maxCommitAttempts = 10
	engineInfo        = "lake-cli"
)

// WriteOptions configures Write.
type WriteOptions struct {
	Mode frame.SaveMode
	// OverwriteSchema lets an overwrite replace the table schema.
	OverwriteSchema bool
	MaxRowsPerFile  int
	Concurrency     int
	// Name is stored in the table metadata when the table is created.
	Name string
}

// WriteResult describes a finished write.
type WriteResult struct {
	// Version is the committed version, or the current version when an
	// Ignore write was skipped.
	Version int64
	Skipped bool
	Files   int
	Rows    int64
	Bytes   int64
}

// Write stores f as new data files and commits them. Overwrite replaces
// every active file of the current snapshot in the same commit.
func (t *Table) Write(ctx context.Context, f *frame.Frame, opts WriteOptions) (WriteResult, error) {
	if opts.Mode == "" {
		opts.Mode = frame.ErrorIfExists
	}
	log := zap.L().With(zap.String("component", "delta"), zap.String("table", t.Location()))

	snap, err := t.snapshotIfExists(ctx)
	if err != nil {
		return WriteResult{}, err
	}
	if skip, err := t.checkMode(snap, f.Schema(), opts); err != nil || skip {
		return skippedResult(snap), err
	}

	schema := f.Schema()
	if snap != nil && !opts.OverwriteSchema {
		// Keep the table's column spelling when names differ only in case.
		schema = snap.Schema
	}

	now := time.Now()
	adds, err := t.writeFiles(ctx, schema, f, opts, now)
	if err != nil {
		return WriteResult{}, err
	}
	res := WriteResult{Files: len(adds), Rows: int64(f.NumRows())}
	for _, a := range adds {
		res.Bytes += a.Size
	}

	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		if attempt > 1 {
			if snap, err = t.snapshotIfExists(ctx); err != nil {
				return WriteResult{}, err
			}
			skip, err := t.checkMode(snap, schema, opts)
			if err != nil || skip {
				t.discard(ctx, adds)
				return skippedResult(snap), err
			}
		}

		version := int64(0)
		if snap != nil {
			version = snap.Version + 1
		}
		actions, err := t.buildActions(snap, schema, adds, opts, now)
		if err != nil {
			return WriteResult{}, err
		}
		data, err := encodeActions(actions)
		if err != nil {
			return WriteResult{}, err
		}

		err = t.store.PutIfAbsent(ctx, logKey(t.prefix, version), data)
		if err == nil {
			res.Version = version
			log.Info("committed delta version",
				zap.Int64("version", version),
				zap.String("mode", string(opts.Mode)),
				zap.Int("files", res.Files),
				zap.Int64("rows", res.Rows),
			)
			return res, nil
		}
		if !blob.IsAlreadyExists(err) {
			return WriteResult{}, eris.Wrapf(err, "delta: commit version %d", version)
		}
		log.Warn("commit collided, retrying against new snapshot",
			zap.Int64("version", version),
			zap.Int("attempt", attempt),
		)
	}

	t.discard(ctx, adds)
	return WriteResult{}, eris.Wrapf(ErrConcurrentCommit, "%s after %d attempts", t.Location(), maxCommitAttempts)
}

func skippedResult(snap *Snapshot) WriteResult {
	if snap == nil {
		return WriteResult{Version: -1, Skipped: true}
	}
	return WriteResult{Version: snap.Version, Skipped: true}
}

func (t *Table) snapshotIfExists(ctx context.Context) (*Snapshot, error) {
	snap, err := t.Snapshot(ctx)
	if eris.Is(err, ErrNotATable) {
		return nil, nil
	}
	return snap, err
}

// checkMode applies the save mode against the current snapshot. It returns
// true when the write must be skipped.
func (t *Table) checkMode(snap *Snapshot, schema frame.Schema, opts WriteOptions) (bool, error) {
	if snap == nil {
		return false, nil
	}
	switch opts.Mode {
	case frame.ErrorIfExists:
		return false, eris.Wrapf(ErrTableExists, "%s", t.Location())
	case frame.Ignore:
		return true, nil
	case frame.Append:
		if !snap.Schema.Equal(schema) {
			return false, eris.Wrapf(ErrSchemaMismatch, "%s: table (%s), data (%s)", t.Location(), snap.Schema, schema)
		}
	case frame.Overwrite:
		if !opts.OverwriteSchema && !snap.Schema.Equal(schema) {
			return false, eris.Wrapf(ErrSchemaMismatch, "%s: table (%s), data (%s); set overwrite schema to replace it", t.Location(), snap.Schema, schema)
		}
	default:
		return false, eris.Errorf("delta: unknown save mode %q", opts.Mode)
	}
	return false, nil
}

func (t *Table) writeFiles(ctx context.Context, schema frame.Schema, f *frame.Frame, opts WriteOptions, now time.Time) ([]Add, error) {
	parts := f.Partition(opts.MaxRowsPerFile)
	adds := make([]Add, len(parts))
	jobID := uuid.NewString()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Concurrency, 1))
	for i, rows := range parts {
		name := fmt.Sprintf("part-%05d-%s-c000.snappy.parquet", i, jobID)
		g.Go(func() error {
			data, err := encodeParquet(memory.DefaultAllocator, schema, rows)
			if err != nil {
				return eris.Wrapf(err, "delta: encode %s", name)
			}
			if err := t.store.Put(gctx, t.DataKey(name), data); err != nil {
				return eris.Wrapf(err, "delta: put %s", name)
			}
			stats, err := computeStats(schema, rows).encode()
			if err != nil {
				return err
			}
			adds[i] = Add{
				Path:             name,
				PartitionValues:  map[string]string{},
				Size:             int64(len(data)),
				ModificationTime: now.UnixMilli(),
				DataChange:       true,
				Stats:            stats,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.discard(ctx, adds)
		return nil, err
	}
	return adds, nil
}

// discard deletes data files that will never be committed. Failures only
// leave unreferenced files behind, so they are logged and ignored.
func (t *Table) discard(ctx context.Context, adds []Add) {
	for _, a := range adds {
		if a.Path == "" {
			continue
		}
		if err := t.store.Delete(ctx, t.DataKey(a.Path)); err != nil {
			zap.L().Warn("failed to delete uncommitted data file",
				zap.String("component", "delta"),
				zap.String("path", a.Path),
				zap.Error(err),
			)
		}
	}
}

var modeNames = map[frame.SaveMode]string{
	frame.Overwrite:     "Overwrite",
	frame.Append:        "Append",
	frame.ErrorIfExists: "ErrorIfExists",
	frame.Ignore:        "Ignore",
}

func (t *Table) buildActions(snap *Snapshot, schema frame.Schema, adds []Add, opts WriteOptions, now time.Time) ([]action, error) {
	var rows, bytesOut int64
	for _, a := range adds {
		bytesOut += a.Size
		if st, err := parseStats(a.Stats); err == nil {
			rows += st.NumRecords
		}
	}

	ci := &CommitInfo{
		Timestamp: now.UnixMilli(),
		Operation: "WRITE",
		OperationParameters: map[string]string{
			"mode":        modeNames[opts.Mode],
			"partitionBy": "[]",
		},
		IsolationLevel: "Serializable",
		IsBlindAppend:  opts.Mode == frame.Append,
		OperationMetrics: map[string]string{
			"numFiles":       strconv.Itoa(len(adds)),
			"numOutputRows":  strconv.FormatInt(rows, 10),
			"numOutputBytes": strconv.FormatInt(bytesOut, 10),
		},
		EngineInfo: engineInfo,
		TxnID:      uuid.NewString(),
	}
	if snap != nil {
		v := snap.Version
		ci.ReadVersion = &v
	}
	actions := []action{{CommitInfo: ci}}

	schemaString, err := schema.JSON()
	if err != nil {
		return nil, err
	}
	switch {
	case snap == nil:
		actions = append(actions,
			action{Protocol: &Protocol{MinReaderVersion: readerVersion, MinWriterVersion: writerVersion}},
			action{MetaData: &Metadata{
				ID:               uuid.NewString(),
				Name:             opts.Name,
				Format:           Format{Provider: "parquet", Options: map[string]string{}},
				SchemaString:     schemaString,
				PartitionColumns: []string{},
				Configuration:    map[string]string{},
				CreatedTime:      now.UnixMilli(),
			}},
		)
	case opts.Mode == frame.Overwrite && schemaString != snap.Metadata.SchemaString:
		md := snap.Metadata
		md.SchemaString = schemaString
		actions = append(actions, action{MetaData: &md})
	}

	if opts.Mode == frame.Overwrite && snap != nil {
		for _, old := range snap.Files {
			actions = append(actions, action{Remove: &Remove{
				Path:                 old.Path,
				DeletionTimestamp:    now.UnixMilli(),
				DataChange:           true,
				ExtendedFileMetadata: true,
				PartitionValues:      old.PartitionValues,
				Size:                 old.Size,
			}})
		}
		ci.OperationMetrics["numRemovedFiles"] = strconv.Itoa(len(snap.Files))
	}
	for i := range adds {
		actions = append(actions, action{Add: &adds[i]})
	}
	return actions, nil
}

// encodeParquet writes rows as one snappy-compressed Parquet file.
func encodeParquet(mem memory.Allocator, schema frame.Schema, rows [][]any) ([]byte, error) {
	rec, err := frame.ToRecord(mem, schema, rows)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	var buf bytes.Buffer
	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithAllocator(mem),
	)
	fw, err := pqarrow.NewFileWriter(rec.Schema(), &buf, props, pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		return nil, eris.Wrap(err, "delta: create parquet writer")
	}
	if err := fw.Write(rec); err != nil {
		_ = fw.Close()
		return nil, eris.Wrap(err, "delta: write parquet")
	}
	if err := fw.Close(); err != nil {
		return nil, eris.Wrap(err, "delta: close parquet")
	}
	return buf.Bytes(), nil
}
