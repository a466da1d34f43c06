// Package catalog is the metastore: databases, external Delta tables and the
// ledger of pipeline runs. It also executes the small DDL dialect used to
// register tables.
package catalog

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// DefaultDatabase always exists and cannot be dropped.
const DefaultDatabase = "default"

var (
	ErrDatabaseExists   = eris.New("catalog: database already exists")
	ErrDatabaseNotFound = eris.New("catalog: database not found")
	ErrDatabaseNotEmpty = eris.New("catalog: database is not empty")
	ErrTableExists      = eris.New("catalog: table already exists")
	ErrTableNotFound    = eris.New("catalog: table not found")
	ErrDropDefault      = eris.New("catalog: cannot drop the default database")
)

// Database is a namespace of tables.
type Database struct {
	Name      string    `json:"name"`
	Location  string    `json:"location,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Table is an external table registered over a storage location.
type Table struct {
	Database string `json:"database"`
	Name     string `json:"name"`
	Format   string `json:"format"`
	Location string `json:"location"`
	// SchemaString is the Delta schema JSON, empty until the location holds
	// data.
	SchemaString string    `json:"schema_string,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FullName returns "database.table".
func (t Table) FullName() string {
	return t.Database + "." + t.Name
}

// Run statuses.
const (
	RunRunning  = "running"
	RunComplete = "complete"
	RunFailed   = "failed"
	// RunPartial is a successful run of only some stages. LastSuccess
	// ignores it so the next scheduled full run still happens.
	RunPartial = "partial"
)

// RunEntry is one row of the run ledger.
type RunEntry struct {
	ID          int64          `json:"id"`
	Dataset     string         `json:"dataset"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	RowsSynced  int64          `json:"rows_synced"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RunResult is the outcome passed to CompleteRun.
type RunResult struct {
	RowsSynced int64          `json:"rows_synced"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	// Partial marks a run restricted to a subset of the dataset's stages.
	Partial bool `json:"partial,omitempty"`
}

// status is the ledger status a completed run is recorded with.
func (r *RunResult) status() string {
	if r != nil && r.Partial {
		return RunPartial
	}
	return RunComplete
}

// RunFilter narrows ListRuns. Zero values mean no restriction.
type RunFilter struct {
	Dataset string
	Limit   int
}

// Store is a metastore backend.
type Store interface {
	Migrate(ctx context.Context) error
	Close() error

	CreateDatabase(ctx context.Context, db Database, ifNotExists bool) error
	GetDatabase(ctx context.Context, name string) (*Database, error)
	ListDatabases(ctx context.Context) ([]Database, error)
	DropDatabase(ctx context.Context, name string, ifExists, cascade bool) error

	CreateTable(ctx context.Context, t Table, ifNotExists bool) error
	GetTable(ctx context.Context, database, name string) (*Table, error)
	ListTables(ctx context.Context, database string) ([]Table, error)
	DropTable(ctx context.Context, database, name string, ifExists bool) error
	UpdateTableSchema(ctx context.Context, database, name, schemaString string) error

	StartRun(ctx context.Context, dataset string) (int64, error)
	CompleteRun(ctx context.Context, id int64, result *RunResult) error
	FailRun(ctx context.Context, id int64, errMsg string) error
	// LastSuccess returns the start time of the newest complete run, or nil.
	LastSuccess(ctx context.Context, dataset string) (*time.Time, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]RunEntry, error)
}

// Open connects to the metastore selected by driver: postgres, sqlite or
// mysql.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "postgres":
		return NewPostgres(ctx, dsn, nil)
	case "sqlite", "mysql":
		return NewSQL(ctx, Dialect(driver), dsn)
	}
	return nil, eris.Errorf("catalog: unknown driver %q", driver)
}

// normalizeName lowercases identifiers; the metastore is case-insensitive.
func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func validateName(kind, name string) error {
	if name == "" {
		return eris.Errorf("catalog: %s name is empty", kind)
	}
	if strings.ContainsAny(name, ". \t\n") {
		return eris.Errorf("catalog: invalid %s name %q", kind, name)
	}
	return nil
}
