package catalog

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lake-cli/internal/db"
)

//go:embed migrations
var migrationFS embed.FS

const migrationLockID = 7305431

// PostgresStore is a metastore in the "metastore" schema of a Postgres
// database.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres connects to connString.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: connect postgres")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Close does not close it.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// migrationNames lists the embedded migrations of dialect in apply order.
func migrationNames(dialect string) ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations/"+dialect)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read %s migrations", dialect)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Migrate applies pending migrations under an advisory lock so concurrent
// runs do not race.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "catalog.migrate"))

	if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "catalog: acquire migration advisory lock")
	}
	defer func() {
		if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Warn("failed to release migration advisory lock", zap.Error(err))
		}
	}()

	if _, err := s.pool.Exec(ctx, `
		CREATE SCHEMA IF NOT EXISTS metastore;
		CREATE TABLE IF NOT EXISTS metastore.schema_migrations (
			id         SERIAL PRIMARY KEY,
			filename   TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`); err != nil {
		return eris.Wrap(err, "catalog: ensure migration table")
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return err
	}
	names, err := migrationNames("postgres")
	if err != nil {
		return err
	}
	for _, name := range names {
		if applied[name] {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/postgres/" + name)
		if err != nil {
			return eris.Wrapf(err, "catalog: read migration %s", name)
		}
		log.Info("applying migration", zap.String("file", name))
		if _, err := s.pool.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "catalog: apply migration %s", name)
		}
		if _, err := s.pool.Exec(ctx,
			"INSERT INTO metastore.schema_migrations (filename, applied_at) VALUES ($1, now())",
			name,
		); err != nil {
			return eris.Wrapf(err, "catalog: record migration %s", name)
		}
	}
	return nil
}

func (s *PostgresStore) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, "SELECT filename FROM metastore.schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "catalog: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "catalog: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

func (s *PostgresStore) CreateDatabase(ctx context.Context, d Database, ifNotExists bool) error {
	d.Name = normalizeName(d.Name)
	if err := validateName("database", d.Name); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO metastore.databases (name, location, comment, created_at)
		 VALUES ($1, $2, $3, now()) ON CONFLICT (name) DO NOTHING`,
		d.Name, d.Location, d.Comment,
	)
	if err != nil {
		return eris.Wrapf(err, "catalog: create database %s", d.Name)
	}
	if tag.RowsAffected() == 0 && !ifNotExists {
		return eris.Wrapf(ErrDatabaseExists, "%s", d.Name)
	}
	return nil
}

func (s *PostgresStore) GetDatabase(ctx context.Context, name string) (*Database, error) {
	name = normalizeName(name)
	var d Database
	err := s.pool.QueryRow(ctx,
		`SELECT name, location, comment, created_at FROM metastore.databases WHERE name = $1`,
		name,
	).Scan(&d.Name, &d.Location, &d.Comment, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrDatabaseNotFound, "%s", name)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: get database %s", name)
	}
	return &d, nil
}

func (s *PostgresStore) ListDatabases(ctx context.Context) ([]Database, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, location, comment, created_at FROM metastore.databases ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: list databases")
	}
	defer rows.Close()

	var out []Database
	for rows.Next() {
		var d Database
		if err := rows.Scan(&d.Name, &d.Location, &d.Comment, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "catalog: scan database")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DropDatabase(ctx context.Context, name string, ifExists, cascade bool) error {
	name = normalizeName(name)
	if name == DefaultDatabase {
		return ErrDropDefault
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "catalog: begin drop database")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var tables int64
	err = tx.QueryRow(ctx, `SELECT count(*) FROM metastore.tables WHERE database_name = $1`, name).Scan(&tables)
	if err != nil {
		return eris.Wrapf(err, "catalog: count tables of %s", name)
	}
	if tables > 0 && !cascade {
		return eris.Wrapf(ErrDatabaseNotEmpty, "%s has %d tables", name, tables)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM metastore.tables WHERE database_name = $1`, name); err != nil {
		return eris.Wrapf(err, "catalog: drop tables of %s", name)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM metastore.databases WHERE name = $1`, name)
	if err != nil {
		return eris.Wrapf(err, "catalog: drop database %s", name)
	}
	if tag.RowsAffected() == 0 {
		if ifExists {
			return nil
		}
		return eris.Wrapf(ErrDatabaseNotFound, "%s", name)
	}
	return eris.Wrap(tx.Commit(ctx), "catalog: commit drop database")
}

func (s *PostgresStore) CreateTable(ctx context.Context, t Table, ifNotExists bool) error {
	t.Database, t.Name = normalizeName(t.Database), normalizeName(t.Name)
	if err := validateName("table", t.Name); err != nil {
		return err
	}
	if _, err := s.GetDatabase(ctx, t.Database); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO metastore.tables (database_name, name, format, location, schema_string, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now(), now())
		 ON CONFLICT (database_name, name) DO NOTHING`,
		t.Database, t.Name, t.Format, t.Location, t.SchemaString,
	)
	if err != nil {
		return eris.Wrapf(err, "catalog: create table %s", t.FullName())
	}
	if tag.RowsAffected() == 0 && !ifNotExists {
		return eris.Wrapf(ErrTableExists, "%s", t.FullName())
	}
	return nil
}

const pgTableColumns = `database_name, name, format, location, schema_string, created_at, updated_at`

func scanTable(row pgx.Row) (Table, error) {
	var t Table
	err := row.Scan(&t.Database, &t.Name, &t.Format, &t.Location, &t.SchemaString, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (s *PostgresStore) GetTable(ctx context.Context, database, name string) (*Table, error) {
	database, name = normalizeName(database), normalizeName(name)
	t, err := scanTable(s.pool.QueryRow(ctx,
		`SELECT `+pgTableColumns+` FROM metastore.tables WHERE database_name = $1 AND name = $2`,
		database, name,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrTableNotFound, "%s.%s", database, name)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: get table %s.%s", database, name)
	}
	return &t, nil
}

func (s *PostgresStore) ListTables(ctx context.Context, database string) ([]Table, error) {
	database = normalizeName(database)
	if _, err := s.GetDatabase(ctx, database); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgTableColumns+` FROM metastore.tables WHERE database_name = $1 ORDER BY name`,
		database,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: list tables of %s", database)
	}
	defer rows.Close()

	var out []Table
	for rows.Next() {
		t, err := scanTable(rows)
		if err != nil {
			return nil, eris.Wrap(err, "catalog: scan table")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DropTable(ctx context.Context, database, name string, ifExists bool) error {
	database, name = normalizeName(database), normalizeName(name)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM metastore.tables WHERE database_name = $1 AND name = $2`,
		database, name,
	)
	if err != nil {
		return eris.Wrapf(err, "catalog: drop table %s.%s", database, name)
	}
	if tag.RowsAffected() == 0 && !ifExists {
		return eris.Wrapf(ErrTableNotFound, "%s.%s", database, name)
	}
	return nil
}

func (s *PostgresStore) UpdateTableSchema(ctx context.Context, database, name, schemaString string) error {
	database, name = normalizeName(database), normalizeName(name)
	tag, err := s.pool.Exec(ctx,
		`UPDATE metastore.tables SET schema_string = $1, updated_at = now()
		 WHERE database_name = $2 AND name = $3`,
		schemaString, database, name,
	)
	if err != nil {
		return eris.Wrapf(err, "catalog: update schema of %s.%s", database, name)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrTableNotFound, "%s.%s", database, name)
	}
	return nil
}

func (s *PostgresStore) StartRun(ctx context.Context, dataset string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO metastore.run_log (dataset, status, started_at)
		 VALUES ($1, 'running', now()) RETURNING id`,
		dataset,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "catalog: start run for %s", dataset)
	}
	return id, nil
}

func marshalMetadata(result *RunResult) ([]byte, int64, error) {
	if result == nil {
		return nil, 0, nil
	}
	var meta []byte
	if result.Metadata != nil {
		var err error
		meta, err = json.Marshal(result.Metadata)
		if err != nil {
			return nil, 0, eris.Wrap(err, "catalog: marshal run metadata")
		}
	}
	return meta, result.RowsSynced, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, id int64, result *RunResult) error {
	meta, rowsSynced, err := marshalMetadata(result)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE metastore.run_log
		 SET status = $1, completed_at = now(), rows_synced = $2, metadata = $3
		 WHERE id = $4`,
		result.status(), rowsSynced, meta, id,
	)
	if err != nil {
		return eris.Wrapf(err, "catalog: complete run %d", id)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, id int64, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE metastore.run_log
		 SET status = 'failed', completed_at = now(), error = $1
		 WHERE id = $2`,
		errMsg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "catalog: fail run %d", id)
	}
	return nil
}

func (s *PostgresStore) LastSuccess(ctx context.Context, dataset string) (*time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT started_at FROM metastore.run_log
		 WHERE dataset = $1 AND status = 'complete'
		 ORDER BY started_at DESC LIMIT 1`,
		dataset,
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: last success for %s", dataset)
	}
	return &t, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]RunEntry, error) {
	query := `SELECT id, dataset, status, started_at, completed_at, rows_synced, error, metadata
		FROM metastore.run_log`
	var args []any
	if filter.Dataset != "" {
		args = append(args, filter.Dataset)
		query += ` WHERE dataset = $1`
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: list runs")
	}
	defer rows.Close()

	var entries []RunEntry
	for rows.Next() {
		var e RunEntry
		var errStr *string
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.Dataset, &e.Status, &e.StartedAt, &e.CompletedAt, &e.RowsSynced, &errStr, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "catalog: scan run")
		}
		if errStr != nil {
			e.Error = *errStr
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
