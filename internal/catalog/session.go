package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lake-cli/internal/frame"
)

// FormatDelta is the only table format the session registers.
const FormatDelta = "delta"

// SchemaLookup returns the Delta schema JSON stored at location. found is
// false when the location holds no table yet.
type SchemaLookup func(ctx context.Context, location string) (schemaString string, found bool, err error)

// Result is the outcome of one statement. DDL statements have no columns.
type Result struct {
	Statement string     `json:"statement"`
	Columns   []string   `json:"columns,omitempty"`
	Rows      [][]string `json:"rows,omitempty"`
}

// Session executes DDL scripts against a Store. It tracks the current
// database across statements and calls.
type Session struct {
	store   Store
	lookup  SchemaLookup
	current string
}

// NewSession starts a session in the default database. lookup may be nil,
// in which case tables are registered without a schema.
func NewSession(store Store, lookup SchemaLookup) *Session {
	return &Session{store: store, lookup: lookup, current: DefaultDatabase}
}

// CurrentDatabase returns the database set by the last USE.
func (s *Session) CurrentDatabase() string { return s.current }

// Exec runs every statement of script in order and stops at the first
// error. Results of the statements that ran are returned with the error.
func (s *Session) Exec(ctx context.Context, script string) ([]Result, error) {
	stmts, err := lex(script)
	if err != nil {
		return nil, err
	}
	var results []Result
	for _, toks := range stmts {
		text := render(toks)
		res, err := s.exec(ctx, &parser{toks: toks})
		if err != nil {
			return results, eris.Wrapf(err, "catalog: %s", text)
		}
		res.Statement = text
		results = append(results, res)
		zap.L().Debug("executed statement",
			zap.String("component", "catalog"),
			zap.String("statement", text),
			zap.String("database", s.current),
		)
	}
	return results, nil
}

func (s *Session) exec(ctx context.Context, p *parser) (Result, error) {
	switch {
	case p.accept("CREATE"):
		if p.accept("DATABASE") || p.accept("SCHEMA") {
			return s.createDatabase(ctx, p)
		}
		p.accept("EXTERNAL")
		if p.accept("TABLE") {
			return s.createTable(ctx, p)
		}
	case p.accept("USE"):
		return s.use(ctx, p)
	case p.accept("DROP"):
		if p.accept("TABLE") {
			return s.dropTable(ctx, p)
		}
		if p.accept("DATABASE") || p.accept("SCHEMA") {
			return s.dropDatabase(ctx, p)
		}
	case p.accept("SHOW"):
		if p.accept("DATABASES") || p.accept("SCHEMAS") {
			return s.showDatabases(ctx, p)
		}
		if p.accept("TABLES") {
			return s.showTables(ctx, p)
		}
	case p.accept("DESCRIBE"), p.accept("DESC"):
		if p.accept("DATABASE") || p.accept("SCHEMA") {
			return s.describeDatabase(ctx, p)
		}
		return s.describeTable(ctx, p)
	case p.accept("REFRESH"):
		if p.accept("TABLE") {
			return s.refreshTable(ctx, p)
		}
	}
	return Result{}, p.errorf("unsupported statement")
}

func (s *Session) createDatabase(ctx context.Context, p *parser) (Result, error) {
	ifNotExists := p.accept("IF", "NOT", "EXISTS")
	name, err := p.ident()
	if err != nil {
		return Result{}, err
	}
	d := Database{Name: name}
	for !p.atEnd() {
		switch {
		case p.accept("COMMENT"):
			if d.Comment, err = p.str(); err != nil {
				return Result{}, err
			}
		case p.accept("LOCATION"):
			if d.Location, err = p.str(); err != nil {
				return Result{}, err
			}
		default:
			return Result{}, p.errorf("unexpected clause")
		}
	}
	return Result{}, s.store.CreateDatabase(ctx, d, ifNotExists)
}

func (s *Session) use(ctx context.Context, p *parser) (Result, error) {
	if !p.accept("DATABASE") {
		p.accept("SCHEMA")
	}
	name, err := p.ident()
	if err != nil {
		return Result{}, err
	}
	if err := p.end(); err != nil {
		return Result{}, err
	}
	d, err := s.store.GetDatabase(ctx, name)
	if err != nil {
		return Result{}, err
	}
	s.current = d.Name
	return Result{}, nil
}

func (s *Session) createTable(ctx context.Context, p *parser) (Result, error) {
	ifNotExists := p.accept("IF", "NOT", "EXISTS")
	database, name, err := p.qualifiedName(s.current)
	if err != nil {
		return Result{}, err
	}
	if p.peekSymbol("(") {
		return Result{}, p.errorf("column definitions are not supported; the schema comes from the Delta log at LOCATION")
	}
	t := Table{Database: database, Name: name, Format: FormatDelta}
	for !p.atEnd() {
		switch {
		case p.accept("USING"):
			format, err := p.ident()
			if err != nil {
				return Result{}, err
			}
			if !strings.EqualFold(format, FormatDelta) {
				return Result{}, p.errorf("unsupported table format %q", format)
			}
		case p.accept("LOCATION"):
			if t.Location, err = p.str(); err != nil {
				return Result{}, err
			}
		case p.accept("COMMENT"):
			if _, err := p.str(); err != nil {
				return Result{}, err
			}
		default:
			return Result{}, p.errorf("unexpected clause")
		}
	}
	if t.Location == "" {
		return Result{}, p.errorf("CREATE TABLE needs a LOCATION")
	}
	t.Location = strings.TrimRight(t.Location, "/")

	schemaString, _, err := s.schemaAt(ctx, t.Location)
	if err != nil {
		return Result{}, err
	}
	t.SchemaString = schemaString

	existing, err := s.store.GetTable(ctx, database, name)
	switch {
	case err == nil:
		if !ifNotExists {
			return Result{}, eris.Wrapf(ErrTableExists, "%s", t.FullName())
		}
		// A table registered before its data landed picks up the schema now.
		if existing.SchemaString == "" && schemaString != "" && existing.Location == t.Location {
			return Result{}, s.store.UpdateTableSchema(ctx, database, name, schemaString)
		}
		return Result{}, nil
	case !eris.Is(err, ErrTableNotFound):
		return Result{}, err
	}
	return Result{}, s.store.CreateTable(ctx, t, ifNotExists)
}

func (s *Session) schemaAt(ctx context.Context, location string) (string, bool, error) {
	if s.lookup == nil {
		return "", false, nil
	}
	schemaString, found, err := s.lookup(ctx, location)
	if err != nil {
		return "", false, eris.Wrapf(err, "read schema at %s", location)
	}
	return schemaString, found, nil
}

func (s *Session) refreshTable(ctx context.Context, p *parser) (Result, error) {
	database, name, err := p.qualifiedName(s.current)
	if err != nil {
		return Result{}, err
	}
	if err := p.end(); err != nil {
		return Result{}, err
	}
	t, err := s.store.GetTable(ctx, database, name)
	if err != nil {
		return Result{}, err
	}
	schemaString, found, err := s.schemaAt(ctx, t.Location)
	if err != nil || !found || schemaString == t.SchemaString {
		return Result{}, err
	}
	return Result{}, s.store.UpdateTableSchema(ctx, database, name, schemaString)
}

func (s *Session) dropTable(ctx context.Context, p *parser) (Result, error) {
	ifExists := p.accept("IF", "EXISTS")
	database, name, err := p.qualifiedName(s.current)
	if err != nil {
		return Result{}, err
	}
	if err := p.end(); err != nil {
		return Result{}, err
	}
	return Result{}, s.store.DropTable(ctx, database, name, ifExists)
}

func (s *Session) dropDatabase(ctx context.Context, p *parser) (Result, error) {
	ifExists := p.accept("IF", "EXISTS")
	name, err := p.ident()
	if err != nil {
		return Result{}, err
	}
	cascade := p.accept("CASCADE")
	if !cascade {
		p.accept("RESTRICT")
	}
	if err := p.end(); err != nil {
		return Result{}, err
	}
	if err := s.store.DropDatabase(ctx, name, ifExists, cascade); err != nil {
		return Result{}, err
	}
	if normalizeName(name) == s.current {
		s.current = DefaultDatabase
	}
	return Result{}, nil
}

func (s *Session) showDatabases(ctx context.Context, p *parser) (Result, error) {
	if err := p.end(); err != nil {
		return Result{}, err
	}
	dbs, err := s.store.ListDatabases(ctx)
	if err != nil {
		return Result{}, err
	}
	res := Result{Columns: []string{"databaseName"}}
	for _, d := range dbs {
		res.Rows = append(res.Rows, []string{d.Name})
	}
	return res, nil
}

func (s *Session) showTables(ctx context.Context, p *parser) (Result, error) {
	database := s.current
	if p.accept("IN") || p.accept("FROM") {
		var err error
		if database, err = p.ident(); err != nil {
			return Result{}, err
		}
	}
	if err := p.end(); err != nil {
		return Result{}, err
	}
	tables, err := s.store.ListTables(ctx, database)
	if err != nil {
		return Result{}, err
	}
	res := Result{Columns: []string{"database", "tableName", "isTemporary"}}
	for _, t := range tables {
		res.Rows = append(res.Rows, []string{t.Database, t.Name, "false"})
	}
	return res, nil
}

func (s *Session) describeDatabase(ctx context.Context, p *parser) (Result, error) {
	p.accept("EXTENDED")
	name, err := p.ident()
	if err != nil {
		return Result{}, err
	}
	if err := p.end(); err != nil {
		return Result{}, err
	}
	d, err := s.store.GetDatabase(ctx, name)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Columns: []string{"info_name", "info_value"},
		Rows: [][]string{
			{"Namespace Name", d.Name},
			{"Comment", d.Comment},
			{"Location", d.Location},
		},
	}, nil
}

func (s *Session) describeTable(ctx context.Context, p *parser) (Result, error) {
	p.accept("TABLE")
	extended := p.accept("EXTENDED")
	database, name, err := p.qualifiedName(s.current)
	if err != nil {
		return Result{}, err
	}
	if err := p.end(); err != nil {
		return Result{}, err
	}
	t, err := s.store.GetTable(ctx, database, name)
	if err != nil {
		return Result{}, err
	}
	res := Result{Columns: []string{"col_name", "data_type", "comment"}}
	if t.SchemaString != "" {
		schema, err := frame.ParseSchemaJSON(t.SchemaString)
		if err != nil {
			return Result{}, err
		}
		for _, f := range schema.Fields {
			res.Rows = append(res.Rows, []string{f.Name, string(f.Type), ""})
		}
	}
	if extended {
		res.Rows = append(res.Rows,
			[]string{"", "", ""},
			[]string{"# Detailed Table Information", "", ""},
			[]string{"Database", t.Database, ""},
			[]string{"Table", t.Name, ""},
			[]string{"Type", "EXTERNAL", ""},
			[]string{"Provider", t.Format, ""},
			[]string{"Location", t.Location, ""},
		)
	}
	return res, nil
}

// parser walks the tokens of one statement.
type parser struct {
	toks []token
	i    int
}

func (p *parser) atEnd() bool { return p.i >= len(p.toks) }

// accept consumes the keyword sequence kws when it comes next.
func (p *parser) accept(kws ...string) bool {
	if p.i+len(kws) > len(p.toks) {
		return false
	}
	for j, kw := range kws {
		if !p.toks[p.i+j].is(kw) {
			return false
		}
	}
	p.i += len(kws)
	return true
}

func (p *parser) peekSymbol(sym string) bool {
	return !p.atEnd() && p.toks[p.i].kind == tokSymbol && p.toks[p.i].text == sym
}

func (p *parser) ident() (string, error) {
	if p.atEnd() {
		return "", p.errorf("expected a name")
	}
	t := p.toks[p.i]
	if t.kind != tokIdent && t.kind != tokQuotedIdent {
		return "", p.errorf("expected a name")
	}
	p.i++
	return t.text, nil
}

// qualifiedName reads "name" or "database.name".
func (p *parser) qualifiedName(current string) (string, string, error) {
	first, err := p.ident()
	if err != nil {
		return "", "", err
	}
	if !p.peekSymbol(".") {
		return current, first, nil
	}
	p.i++
	second, err := p.ident()
	if err != nil {
		return "", "", err
	}
	return first, second, nil
}

func (p *parser) str() (string, error) {
	if p.atEnd() || p.toks[p.i].kind != tokString {
		return "", p.errorf("expected a quoted string")
	}
	p.i++
	return p.toks[p.i-1].text, nil
}

func (p *parser) end() error {
	if !p.atEnd() {
		return p.errorf("unexpected input")
	}
	return nil
}

func (p *parser) errorf(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if p.atEnd() {
		return eris.Errorf("%s at end of statement", msg)
	}
	return eris.Errorf("%s near %q", msg, p.toks[p.i].text)
}
