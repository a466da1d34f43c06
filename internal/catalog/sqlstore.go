package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour of a SQLStore.
type Dialect string

const (
	SQLite Dialect = "sqlite"
	MySQL  Dialect = "mysql"
)

// SQLStore is a metastore over database/sql, either an embedded SQLite file
// or a MySQL database (the usual Hive metastore backend).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQL opens a SQLStore. For SQLite, dsn is a file path or ":memory:";
// for MySQL it is a go-sql-driver DSN.
func NewSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	switch dialect {
	case SQLite:
		return newSQLite(ctx, dsn)
	case MySQL:
		return newMySQL(ctx, dsn)
	}
	return nil, eris.Errorf("catalog: unsupported dialect %q", dialect)
}

func newSQLite(ctx context.Context, dsn string) (*SQLStore, error) {
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, eris.Wrapf(err, "catalog: create directory for %s", dsn)
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: open sqlite")
	}
	// One connection keeps :memory: databases shared and serialises writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "catalog: exec %s", pragma)
		}
	}
	return &SQLStore{db: db, dialect: SQLite}, nil
}

func newMySQL(ctx context.Context, dsn string) (*SQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: parse mysql dsn")
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, eris.Wrap(err, "catalog: open mysql")
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, eris.Wrap(err, "catalog: ping mysql")
	}
	return &SQLStore{db: db, dialect: MySQL}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) insertIgnore() string {
	if s.dialect == MySQL {
		return "INSERT IGNORE INTO"
	}
	return "INSERT OR IGNORE INTO"
}

// splitStatements splits a migration file on semicolons. Migration files
// hold no semicolons inside literals.
func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// Migrate applies pending migrations on a single connection. MySQL runs
// hold a named lock for the duration.
func (s *SQLStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "catalog.migrate"), zap.String("dialect", string(s.dialect)))

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return eris.Wrap(err, "catalog: acquire connection")
	}
	defer conn.Close() //nolint:errcheck

	if s.dialect == MySQL {
		var got sql.NullInt64
		if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK('lake_metastore_migrate', 60)").Scan(&got); err != nil {
			return eris.Wrap(err, "catalog: acquire migration lock")
		}
		if got.Int64 != 1 {
			return eris.New("catalog: timed out waiting for migration lock")
		}
		defer func() {
			if _, err := conn.ExecContext(ctx, "SELECT RELEASE_LOCK('lake_metastore_migrate')"); err != nil {
				log.Warn("failed to release migration lock", zap.Error(err))
			}
		}()
	}

	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS metastore_schema_migrations (
		filename   VARCHAR(255) NOT NULL PRIMARY KEY,
		applied_at DATETIME NOT NULL
	)`); err != nil {
		return eris.Wrap(err, "catalog: ensure migration table")
	}

	applied := map[string]bool{}
	rows, err := conn.QueryContext(ctx, "SELECT filename FROM metastore_schema_migrations")
	if err != nil {
		return eris.Wrap(err, "catalog: query applied migrations")
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return eris.Wrap(err, "catalog: scan migration row")
		}
		applied[name] = true
	}
	if err := rows.Close(); err != nil {
		return eris.Wrap(err, "catalog: close migration rows")
	}

	names, err := migrationNames(string(s.dialect))
	if err != nil {
		return err
	}
	for _, name := range names {
		if applied[name] {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + string(s.dialect) + "/" + name)
		if err != nil {
			return eris.Wrapf(err, "catalog: read migration %s", name)
		}
		log.Info("applying migration", zap.String("file", name))
		for _, stmt := range splitStatements(string(data)) {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return eris.Wrapf(err, "catalog: apply migration %s", name)
			}
		}
		if _, err := conn.ExecContext(ctx,
			"INSERT INTO metastore_schema_migrations (filename, applied_at) VALUES (?, ?)",
			name, time.Now().UTC(),
		); err != nil {
			return eris.Wrapf(err, "catalog: record migration %s", name)
		}
	}
	return nil
}

func (s *SQLStore) CreateDatabase(ctx context.Context, d Database, ifNotExists bool) error {
	d.Name = normalizeName(d.Name)
	if err := validateName("database", d.Name); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		s.insertIgnore()+` metastore_databases (name, location, comment, created_at) VALUES (?, ?, ?, ?)`,
		d.Name, d.Location, d.Comment, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "catalog: create database %s", d.Name)
	}
	if n, _ := res.RowsAffected(); n == 0 && !ifNotExists {
		return eris.Wrapf(ErrDatabaseExists, "%s", d.Name)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func (s *SQLStore) GetDatabase(ctx context.Context, name string) (*Database, error) {
	name = normalizeName(name)
	var d Database
	err := s.db.QueryRowContext(ctx,
		`SELECT name, location, comment, created_at FROM metastore_databases WHERE name = ?`, name,
	).Scan(&d.Name, &d.Location, &d.Comment, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrDatabaseNotFound, "%s", name)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: get database %s", name)
	}
	return &d, nil
}

func (s *SQLStore) ListDatabases(ctx context.Context) ([]Database, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, location, comment, created_at FROM metastore_databases ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: list databases")
	}
	defer rows.Close() //nolint:errcheck

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

func (s *SQLStore) DropDatabase(ctx context.Context, name string, ifExists, cascade bool) error {
	name = normalizeName(name)
	if name == DefaultDatabase {
		return ErrDropDefault
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "catalog: begin drop database")
	}
	defer tx.Rollback() //nolint:errcheck

	var tables int64
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM metastore_tables WHERE database_name = ?`, name).Scan(&tables); err != nil {
		return eris.Wrapf(err, "catalog: count tables of %s", name)
	}
	if tables > 0 && !cascade {
		return eris.Wrapf(ErrDatabaseNotEmpty, "%s has %d tables", name, tables)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM metastore_tables WHERE database_name = ?`, name); err != nil {
		return eris.Wrapf(err, "catalog: drop tables of %s", name)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM metastore_databases WHERE name = ?`, name)
	if err != nil {
		return eris.Wrapf(err, "catalog: drop database %s", name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if ifExists {
			return nil
		}
		return eris.Wrapf(ErrDatabaseNotFound, "%s", name)
	}
	return eris.Wrap(tx.Commit(), "catalog: commit drop database")
}

func (s *SQLStore) CreateTable(ctx context.Context, t Table, ifNotExists bool) error {
	t.Database, t.Name = normalizeName(t.Database), normalizeName(t.Name)
	if err := validateName("table", t.Name); err != nil {
		return err
	}
	if _, err := s.GetDatabase(ctx, t.Database); err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		s.insertIgnore()+` metastore_tables (database_name, name, format, location, schema_string, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.Database, t.Name, t.Format, t.Location, t.SchemaString, now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "catalog: create table %s", t.FullName())
	}
	if n, _ := res.RowsAffected(); n == 0 && !ifNotExists {
		return eris.Wrapf(ErrTableExists, "%s", t.FullName())
	}
	return nil
}

const sqlTableColumns = `database_name, name, format, location, schema_string, created_at, updated_at`

func scanSQLTable(row scannable) (Table, error) {
	var t Table
	err := row.Scan(&t.Database, &t.Name, &t.Format, &t.Location, &t.SchemaString, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (s *SQLStore) GetTable(ctx context.Context, database, name string) (*Table, error) {
	database, name = normalizeName(database), normalizeName(name)
	t, err := scanSQLTable(s.db.QueryRowContext(ctx,
		`SELECT `+sqlTableColumns+` FROM metastore_tables WHERE database_name = ? AND name = ?`,
		database, name,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrTableNotFound, "%s.%s", database, name)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: get table %s.%s", database, name)
	}
	return &t, nil
}

func (s *SQLStore) ListTables(ctx context.Context, database string) ([]Table, error) {
	database = normalizeName(database)
	if _, err := s.GetDatabase(ctx, database); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqlTableColumns+` FROM metastore_tables WHERE database_name = ? ORDER BY name`,
		database,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: list tables of %s", database)
	}
	defer rows.Close() //nolint:errcheck

	var out []Table
	for rows.Next() {
		t, err := scanSQLTable(rows)
		if err != nil {
			return nil, eris.Wrap(err, "catalog: scan table")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) DropTable(ctx context.Context, database, name string, ifExists bool) error {
	database, name = normalizeName(database), normalizeName(name)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM metastore_tables WHERE database_name = ? AND name = ?`, database, name,
	)
	if err != nil {
		return eris.Wrapf(err, "catalog: drop table %s.%s", database, name)
	}
	if n, _ := res.RowsAffected(); n == 0 && !ifExists {
		return eris.Wrapf(ErrTableNotFound, "%s.%s", database, name)
	}
	return nil
}

func (s *SQLStore) UpdateTableSchema(ctx context.Context, database, name, schemaString string) error {
	database, name = normalizeName(database), normalizeName(name)
	if _, err := s.GetTable(ctx, database, name); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE metastore_tables SET schema_string = ?, updated_at = ? WHERE database_name = ? AND name = ?`,
		schemaString, time.Now().UTC(), database, name,
	)
	if err != nil {
		return eris.Wrapf(err, "catalog: update schema of %s.%s", database, name)
	}
	return nil
}

func (s *SQLStore) StartRun(ctx context.Context, dataset string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO metastore_run_log (dataset, status, started_at) VALUES (?, ?, ?)`,
		dataset, RunRunning, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "catalog: start run for %s", dataset)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, eris.Wrap(err, "catalog: run id")
	}
	return id, nil
}

func (s *SQLStore) CompleteRun(ctx context.Context, id int64, result *RunResult) error {
	meta, rowsSynced, err := marshalMetadata(result)
	if err != nil {
		return err
	}
	var metaArg any
	if meta != nil {
		metaArg = string(meta)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE metastore_run_log SET status = ?, completed_at = ?, rows_synced = ?, metadata = ? WHERE id = ?`,
		result.status(), time.Now().UTC(), rowsSynced, metaArg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "catalog: complete run %d", id)
	}
	return nil
}

func (s *SQLStore) FailRun(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE metastore_run_log SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
		RunFailed, time.Now().UTC(), errMsg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "catalog: fail run %d", id)
	}
	return nil
}

func (s *SQLStore) LastSuccess(ctx context.Context, dataset string) (*time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT started_at FROM metastore_run_log
		 WHERE dataset = ? AND status = ?
		 ORDER BY started_at DESC, id DESC LIMIT 1`,
		dataset, RunComplete,
	).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: last success for %s", dataset)
	}
	return &t, nil
}

func (s *SQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]RunEntry, error) {
	query := `SELECT id, dataset, status, started_at, completed_at, rows_synced, error, metadata FROM metastore_run_log`
	var args []any
	if filter.Dataset != "" {
		query += ` WHERE dataset = ?`
		args = append(args, filter.Dataset)
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var entries []RunEntry
	for rows.Next() {
		var e RunEntry
		var completedAt sql.NullTime
		var errStr, metaJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.Dataset, &e.Status, &e.StartedAt, &completedAt, &e.RowsSynced, &errStr, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "catalog: scan run")
		}
		if completedAt.Valid {
			t := completedAt.Time
			e.CompletedAt = &t
		}
		e.Error = errStr.String
		if metaJSON.Valid {
			_ = json.Unmarshal([]byte(metaJSON.String), &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
