package dal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// SQLFilter is a raw WHERE clause for the document store. Placeholders follow the
// driver's dialect ($1 for postgres, ? otherwise).
type SQLFilter struct {
	Where string
	Args  []any
	// OrderBy is a raw ORDER BY expression; empty orders by id.
	OrderBy string
	Limit   int
}

type sqlDialect int

const (
	dialectSQLite sqlDialect = iota
	dialectPostgres
	dialectMySQL
)

// sqlDocumentBackend stores one JSON document per row, one table per collection.
type sqlDocumentBackend struct {
	db          *sql.DB
	dialect     sqlDialect
	tablePrefix string
	idField     string
	ensured     sync.Map
}

var sqlIdentPartRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func newSQLDocumentBackend(ctx context.Context, cfg Config) (Backend, error) {
	if cfg.SQL.DriverName == "" || cfg.SQL.DSN == "" {
		return nil, errors.New("sql document store requires driver name and dsn")
	}
	db, err := sql.Open(sqlOpenName(cfg.SQL.DriverName), cfg.SQL.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	backend, err := NewSQLDocumentBackend(db, cfg.SQL.DriverName, cfg.SQL.TablePrefix, cfg.IDField)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return backend, nil
}

// NewSQLDocumentBackend wraps an open database. driverName selects the dialect:
// "postgres"/"pgx", "mysql" or "sqlite".
func NewSQLDocumentBackend(db *sql.DB, driverName, tablePrefix, idField string) (Backend, error) {
	if db == nil {
		return nil, errors.New("sql document store requires a database handle")
	}
	if tablePrefix != "" && !sqlIdentPartRE.MatchString(tablePrefix) {
		return nil, fmt.Errorf("%w: table prefix %q", ErrInvalidIdentifier, tablePrefix)
	}
	if idField == "" {
		idField = defaultIDField
	}
	return &sqlDocumentBackend{
		db:          db,
		dialect:     dialectFor(driverName),
		tablePrefix: tablePrefix,
		idField:     idField,
	}, nil
}

func sqlOpenName(driverName string) string {
	if driverName == "postgres" {
		return "pgx"
	}
	return driverName
}

func dialectFor(driverName string) sqlDialect {
	switch driverName {
	case "postgres", "pgx":
		return dialectPostgres
	case "mysql":
		return dialectMySQL
	default:
		return dialectSQLite
	}
}

func (b *sqlDocumentBackend) Type() BackendType { return BackendDocument }

func (b *sqlDocumentBackend) Get(ctx context.Context, collection string, key Key) (Document, bool, error) {
	table, err := b.ensureTable(ctx, collection)
	if err != nil {
		return nil, false, err
	}
	id, err := key.Identity()
	if err != nil {
		return nil, false, err
	}
	var body []byte
	err = b.db.QueryRowContext(ctx, fmt.Sprintf("SELECT doc FROM %s WHERE id = %s", table, b.ph(1)), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	doc, err := decodeJSONDocument(body)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// Set merges data into the stored document (creating it when absent) inside a
// transaction and returns the merged result.
func (b *sqlDocumentBackend) Set(ctx context.Context, collection string, key Key, data Document) (Document, error) {
	table, err := b.ensureTable(ctx, collection)
	if err != nil {
		return nil, err
	}
	field, id, err := resolveIdentity(key, data, b.idField)
	if err != nil {
		return nil, err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	selectSQL := fmt.Sprintf("SELECT doc FROM %s WHERE id = %s", table, b.ph(1))
	if b.dialect != dialectSQLite {
		selectSQL += " FOR UPDATE"
	}
	var body []byte
	merged := Document{}
	err = tx.QueryRowContext(ctx, selectSQL, id).Scan(&body)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	default:
		if merged, err = decodeJSONDocument(body); err != nil {
			return nil, err
		}
	}
	for k, v := range data {
		merged[k] = v
	}
	applyKeyFields(merged, key, field)

	encoded, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, b.upsertSQL(table), id, string(encoded), now, string(encoded), now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return merged, nil
}

func (b *sqlDocumentBackend) Fetch(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	table, err := b.ensureTable(ctx, collection)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT doc FROM %s", table)
	var args []any
	switch f := filter.(type) {
	case nil:
		query += " ORDER BY id"
	case Fields:
		where, whereArgs, err := b.fieldsWhere(f)
		if err != nil {
			return nil, err
		}
		query += where + " ORDER BY id"
		args = whereArgs
	case map[string]any:
		where, whereArgs, err := b.fieldsWhere(Fields(f))
		if err != nil {
			return nil, err
		}
		query += where + " ORDER BY id"
		args = whereArgs
	case SQLFilter:
		if strings.TrimSpace(f.Where) != "" {
			query += " WHERE " + f.Where
		}
		if strings.TrimSpace(f.OrderBy) != "" {
			query += " ORDER BY " + f.OrderBy
		} else {
			query += " ORDER BY id"
		}
		if f.Limit > 0 {
			query += fmt.Sprintf(" LIMIT %d", f.Limit)
		}
		args = f.Args
	default:
		return nil, fmt.Errorf("%w: %T for document store", ErrUnsupportedFilter, filter)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Document{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		doc, err := decodeJSONDocument(body)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (b *sqlDocumentBackend) Close(context.Context) error {
	return b.db.Close()
}

// fieldsWhere compiles an equality filter into typed JSON comparisons so that
// 5, "5" and true do not match each other.
func (b *sqlDocumentBackend) fieldsWhere(fields Fields) (string, []any, error) {
	if len(fields) == 0 {
		return "", nil, nil
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		if !sqlIdentPartRE.MatchString(name) {
			return "", nil, fmt.Errorf("%w: field %q", ErrInvalidIdentifier, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	clauses := make([]string, 0, len(names))
	args := make([]any, 0, len(names))
	for i, name := range names {
		value := fields[name]
		switch b.dialect {
		case dialectPostgres:
			clauses = append(clauses, fmt.Sprintf("doc->'%s' = %s::jsonb", name, b.ph(i+1)))
			encoded, err := json.Marshal(value)
			if err != nil {
				return "", nil, err
			}
			args = append(args, string(encoded))
		case dialectMySQL:
			clauses = append(clauses, fmt.Sprintf("JSON_EXTRACT(doc, '$.%s') = CAST(%s AS JSON)", name, b.ph(i+1)))
			encoded, err := json.Marshal(value)
			if err != nil {
				return "", nil, err
			}
			args = append(args, string(encoded))
		default:
			clauses = append(clauses, fmt.Sprintf("json_extract(doc, '$.%s') = %s", name, b.ph(i+1)))
			args = append(args, value)
		}
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func (b *sqlDocumentBackend) ensureTable(ctx context.Context, collection string) (string, error) {
	table := b.tablePrefix + collection
	if _, ok := b.ensured.Load(table); ok {
		return table, nil
	}
	if err := validateSQLTableName(table); err != nil {
		return "", err
	}
	var stmt string
	switch b.dialect {
	case dialectPostgres:
		stmt = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			doc JSONB NOT NULL,
			updated_at BIGINT NOT NULL
		);`, table)
	case dialectMySQL:
		stmt = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(255) PRIMARY KEY,
			doc JSON NOT NULL,
			updated_at BIGINT NOT NULL
		) ENGINE=InnoDB;`, table)
	default:
		stmt = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			doc TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`, table)
	}
	if _, err := b.db.ExecContext(ctx, stmt); err != nil {
		return "", fmt.Errorf("ensure table %s: %w", table, err)
	}
	b.ensured.Store(table, struct{}{})
	return table, nil
}

func (b *sqlDocumentBackend) upsertSQL(table string) string {
	p1, p2, p3, p4, p5 := b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5)
	switch b.dialect {
	case dialectPostgres:
		return fmt.Sprintf("INSERT INTO %s (id, doc, updated_at) VALUES (%s, %s, %s) ON CONFLICT (id) DO UPDATE SET doc = %s, updated_at = %s", table, p1, p2, p3, p4, p5)
	case dialectMySQL:
		return fmt.Sprintf("INSERT INTO %s (id, doc, updated_at) VALUES (%s, %s, %s) ON DUPLICATE KEY UPDATE doc = %s, updated_at = %s", table, p1, p2, p3, p4, p5)
	default:
		return fmt.Sprintf("INSERT INTO %s (id, doc, updated_at) VALUES (%s, %s, %s) ON CONFLICT(id) DO UPDATE SET doc = %s, updated_at = %s", table, p1, p2, p3, p4, p5)
	}
}

func (b *sqlDocumentBackend) ph(i int) string {
	if b.dialect == dialectPostgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func validateSQLTableName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty table name", ErrInvalidIdentifier)
	}
	for _, part := range strings.Split(name, ".") {
		if !sqlIdentPartRE.MatchString(part) {
			return fmt.Errorf("%w: table name %q", ErrInvalidIdentifier, name)
		}
	}
	return nil
}

func decodeJSONDocument(body []byte) (Document, error) {
	var v any
	if err := decodeExactJSON(body, &v); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	switch doc := v.(type) {
	case nil:
		return Document{}, nil
	case map[string]any:
		return Document(doc), nil
	default:
		return nil, fmt.Errorf("decode document: unexpected %T", v)
	}
}

// applyKeyFields stamps the key onto the stored document so it carries its own identity.
func applyKeyFields(doc Document, key Key, field string) {
	switch {
	case key.IsComposite():
		for name, v := range key.Fields() {
			doc[name] = v
		}
	case !key.IsZero():
		doc[field] = key.Scalar()
	}
}
