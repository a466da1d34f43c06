// Package delta reads and writes Delta Lake tables on a blob.Store. Data
// files are snappy-compressed Parquet; the transaction log is a sequence of
// newline-delimited JSON commit files under _delta_log. Checkpoints, deletion
// vectors and partitioned tables are not supported.
package delta

import (
	"context"
	"path"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lake-cli/internal/blob"
	"github.com/sells-group/lake-cli/internal/frame"
)

var (
	// ErrNotATable is returned when a location has no transaction log.
	ErrNotATable = eris.New("delta: not a delta table")
	// ErrVersionNotFound is returned when a requested version was never committed.
	ErrVersionNotFound = eris.New("delta: version not found")
	// ErrTableExists is returned by ErrorIfExists writes to an existing table.
	ErrTableExists = eris.New("delta: table already exists")
	// ErrSchemaMismatch is returned when a write's schema differs from the table's.
	ErrSchemaMismatch = eris.New("delta: schema mismatch")
	// ErrConcurrentCommit is returned when commits keep colliding with other writers.
	ErrConcurrentCommit = eris.New("delta: concurrent commit")
	// ErrUnsupportedProtocol is returned for tables that need a newer reader.
	ErrUnsupportedProtocol = eris.New("delta: unsupported protocol")
)

// Table is a Delta table rooted at prefix inside store.
type Table struct {
	store  blob.Store
	prefix string
}

// Open returns the table at prefix. It does not touch storage; use
// Snapshot or Exists to check that a table is present.
func Open(store blob.Store, prefix string) *Table {
	return &Table{store: store, prefix: blob.DirPrefix(prefix)}
}

// Location returns the table URL.
func (t *Table) Location() string {
	return blob.URL(t.store, t.prefix)
}

// Store returns the backing store.
func (t *Table) Store() blob.Store { return t.store }

// DataKey returns the store key of a data file path from the log.
func (t *Table) DataKey(p string) string {
	return t.prefix + p
}

// Snapshot is the table state as of one version.
type Snapshot struct {
	Version  int64
	Protocol Protocol
	Metadata Metadata
	Schema   frame.Schema
	// Files are the active data files sorted by path.
	Files []Add
}

// NumRecords sums numRecords over the file stats. Files without stats
// count as zero.
func (s *Snapshot) NumRecords() int64 {
	var n int64
	for _, f := range s.Files {
		if st, err := parseStats(f.Stats); err == nil {
			n += st.NumRecords
		}
	}
	return n
}

// SizeBytes sums the sizes of the active files.
func (s *Snapshot) SizeBytes() int64 {
	var n int64
	for _, f := range s.Files {
		n += f.Size
	}
	return n
}

// versions lists committed versions in ascending order.
func (t *Table) versions(ctx context.Context) ([]int64, error) {
	infos, err := t.store.List(ctx, t.prefix+logDir+"/")
	if err != nil {
		return nil, eris.Wrapf(err, "delta: list log of %s", t.Location())
	}
	var out []int64
	for _, info := range infos {
		if v, ok := parseLogVersion(path.Base(info.Key)); ok {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Exists reports whether the location holds at least one commit.
func (t *Table) Exists(ctx context.Context) (bool, error) {
	vs, err := t.versions(ctx)
	if err != nil {
		return false, err
	}
	return len(vs) > 0, nil
}

// LatestVersion returns the newest committed version.
func (t *Table) LatestVersion(ctx context.Context) (int64, error) {
	vs, err := t.versions(ctx)
	if err != nil {
		return -1, err
	}
	if len(vs) == 0 {
		return -1, eris.Wrapf(ErrNotATable, "%s", t.Location())
	}
	return vs[len(vs)-1], nil
}

// Snapshot replays the log up to the latest version.
func (t *Table) Snapshot(ctx context.Context) (*Snapshot, error) {
	return t.SnapshotAt(ctx, -1)
}

// SnapshotAt replays the log up to version. A negative version means latest.
func (t *Table) SnapshotAt(ctx context.Context, version int64) (*Snapshot, error) {
	vs, err := t.versions(ctx)
	if err != nil {
		return nil, err
	}
	if len(vs) == 0 {
		return nil, eris.Wrapf(ErrNotATable, "%s", t.Location())
	}
	latest := vs[len(vs)-1]
	if version < 0 {
		version = latest
	}
	if version > latest {
		return nil, eris.Wrapf(ErrVersionNotFound, "%s version %d (latest %d)", t.Location(), version, latest)
	}
	if vs[0] != 0 {
		return nil, eris.Errorf("delta: log of %s starts at version %d, checkpoints are not supported", t.Location(), vs[0])
	}

	snap := &Snapshot{Version: version}
	files := map[string]Add{}
	var haveMeta, haveProto bool
	for i, v := range vs {
		if v > version {
			break
		}
		if v != int64(i) {
			return nil, eris.Errorf("delta: log of %s is missing version %d", t.Location(), i)
		}
		actions, err := t.readCommit(ctx, v)
		if err != nil {
			return nil, err
		}
		for _, a := range actions {
			switch {
			case a.Protocol != nil:
				snap.Protocol = *a.Protocol
				haveProto = true
			case a.MetaData != nil:
				snap.Metadata = *a.MetaData
				haveMeta = true
			case a.Add != nil:
				files[a.Add.Path] = *a.Add
			case a.Remove != nil:
				delete(files, a.Remove.Path)
			}
		}
	}
	if !haveProto || !haveMeta {
		return nil, eris.Errorf("delta: log of %s has no protocol or metadata", t.Location())
	}
	if snap.Protocol.MinReaderVersion > readerVersion {
		return nil, eris.Wrapf(ErrUnsupportedProtocol, "%s needs reader version %d", t.Location(), snap.Protocol.MinReaderVersion)
	}
	schema, err := frame.ParseSchemaJSON(snap.Metadata.SchemaString)
	if err != nil {
		return nil, eris.Wrapf(err, "delta: schema of %s", t.Location())
	}
	snap.Schema = schema

	snap.Files = make([]Add, 0, len(files))
	for _, f := range files {
		snap.Files = append(snap.Files, f)
	}
	sort.Slice(snap.Files, func(i, j int) bool { return snap.Files[i].Path < snap.Files[j].Path })
	return snap, nil
}

func (t *Table) readCommit(ctx context.Context, version int64) ([]action, error) {
	data, err := blob.ReadAll(ctx, t.store, logKey(t.prefix, version))
	if err != nil {
		return nil, eris.Wrapf(err, "delta: read version %d", version)
	}
	actions, err := decodeActions(data)
	if err != nil {
		return nil, eris.Wrapf(err, "delta: version %d", version)
	}
	return actions, nil
}

// History returns the commit infos of every version, newest first.
func (t *Table) History(ctx context.Context) ([]CommitInfo, error) {
	vs, err := t.versions(ctx)
	if err != nil {
		return nil, err
	}
	if len(vs) == 0 {
		return nil, eris.Wrapf(ErrNotATable, "%s", t.Location())
	}
	out := make([]CommitInfo, 0, len(vs))
	for i := len(vs) - 1; i >= 0; i-- {
		actions, err := t.readCommit(ctx, vs[i])
		if err != nil {
			return nil, err
		}
		ci := CommitInfo{Operation: "UNKNOWN"}
		for _, a := range actions {
			if a.CommitInfo != nil {
				ci = *a.CommitInfo
				break
			}
		}
		ci.Version = vs[i]
		out = append(out, ci)
	}
	return out, nil
}
