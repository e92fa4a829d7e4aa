package dal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gocql/gocql"
)

// CQLSession is the narrow session surface the wide-column backend needs.
type CQLSession interface {
	Exec(ctx context.Context, stmt string, args ...any) error
	// QueryJSON runs a SELECT JSON statement and returns one JSON object per row.
	QueryJSON(ctx context.Context, stmt string, args ...any) ([]string, error)
	Close()
}

// CQLFilter is a raw CQL WHERE clause with ? placeholders.
type CQLFilter struct {
	Where          string
	Args           []any
	AllowFiltering bool
}

type gocqlSession struct {
	session *gocql.Session
}

func (s gocqlSession) Exec(ctx context.Context, stmt string, args ...any) error {
	return s.session.Query(stmt, args...).WithContext(ctx).Exec()
}

func (s gocqlSession) QueryJSON(ctx context.Context, stmt string, args ...any) ([]string, error) {
	iter := s.session.Query(stmt, args...).WithContext(ctx).Iter()
	var (
		rows []string
		row  string
	)
	for iter.Scan(&row) {
		rows = append(rows, row)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s gocqlSession) Close() { s.session.Close() }

type cassandraBackend struct {
	session      CQLSession
	keyspace     string
	tablePrefix  string
	idField      string
	closeSession bool
}

func newCassandraBackend(ctx context.Context, cfg Config) (Backend, error) {
	session := cfg.Cassandra.Session
	owned := false
	if session == nil {
		cluster := gocql.NewCluster(cfg.Cassandra.Hosts...)
		cluster.Keyspace = cfg.Cassandra.Keyspace
		cluster.Consistency = gocql.Quorum
		if deadline, ok := ctx.Deadline(); ok {
			cluster.ConnectTimeout = time.Until(deadline)
		}
		raw, err := cluster.CreateSession()
		if err != nil {
			return nil, fmt.Errorf("connect cassandra: %w", err)
		}
		session = gocqlSession{session: raw}
		owned = true
	}
	if _, err := session.QueryJSON(ctx, "SELECT JSON release_version FROM system.local"); err != nil {
		if owned {
			session.Close()
		}
		return nil, fmt.Errorf("check cassandra connectivity: %w", err)
	}
	backend, err := NewCassandraBackend(session, cfg.Cassandra.Keyspace, cfg.Cassandra.TablePrefix, cfg.IDField)
	if err != nil {
		if owned {
			session.Close()
		}
		return nil, err
	}
	backend.(*cassandraBackend).closeSession = owned
	return backend, nil
}

// NewCassandraBackend wraps a CQL session. Collections map to the tables
// keyspace.tablePrefix+collection, which must already exist.
func NewCassandraBackend(session CQLSession, keyspace, tablePrefix, idField string) (Backend, error) {
	if session == nil {
		return nil, errors.New("wide-column store requires a session")
	}
	if keyspace != "" && !sqlIdentPartRE.MatchString(keyspace) {
		return nil, fmt.Errorf("%w: keyspace %q", ErrInvalidIdentifier, keyspace)
	}
	if tablePrefix != "" && !sqlIdentPartRE.MatchString(tablePrefix) {
		return nil, fmt.Errorf("%w: table prefix %q", ErrInvalidIdentifier, tablePrefix)
	}
	if idField == "" {
		idField = defaultIDField
	}
	return &cassandraBackend{session: session, keyspace: keyspace, tablePrefix: tablePrefix, idField: idField}, nil
}

func (b *cassandraBackend) Type() BackendType { return BackendWideColumn }

func (b *cassandraBackend) Get(ctx context.Context, collection string, key Key) (Document, bool, error) {
	table, err := b.table(collection)
	if err != nil {
		return nil, false, err
	}
	where, args, err := b.keyWhere(key)
	if err != nil {
		return nil, false, err
	}
	docs, err := b.selectJSON(ctx, "SELECT JSON * FROM "+table+" WHERE "+where, args)
	if err != nil {
		return nil, false, err
	}
	if len(docs) == 0 {
		return nil, false, nil
	}
	return docs[0], true, nil
}

// Set upserts data with INSERT JSON ... DEFAULT UNSET so columns absent from data
// keep their stored values. The stored row is read back when key addresses it.
func (b *cassandraBackend) Set(ctx context.Context, collection string, key Key, data Document) (Document, error) {
	table, err := b.table(collection)
	if err != nil {
		return nil, err
	}
	item := data.Clone()
	if item == nil {
		item = Document{}
	}
	field := b.idField
	if key.Primary() != "" {
		field = key.Primary()
	}
	applyKeyFields(item, key, field)
	if len(item) == 0 {
		return nil, fmt.Errorf("%w: nothing to write", ErrInvalidKey)
	}
	for name := range item {
		if !sqlIdentPartRE.MatchString(name) {
			return nil, fmt.Errorf("%w: column %q", ErrInvalidIdentifier, name)
		}
	}
	encoded, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encode item: %w", err)
	}
	if err := b.session.Exec(ctx, "INSERT INTO "+table+" JSON ? DEFAULT UNSET", string(encoded)); err != nil {
		return nil, err
	}

	if key.IsZero() || (key.IsComposite() && len(key.Fields()) == 0) {
		return item, nil
	}
	stored, found, err := b.Get(ctx, collection, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return item, nil
	}
	return stored, nil
}

func (b *cassandraBackend) Fetch(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	table, err := b.table(collection)
	if err != nil {
		return nil, err
	}
	stmt := "SELECT JSON * FROM " + table
	var args []any
	switch f := filter.(type) {
	case nil:
	case Fields:
		where, whereArgs, err := equalityWhere(f)
		if err != nil {
			return nil, err
		}
		if where != "" {
			stmt += " WHERE " + where + " ALLOW FILTERING"
		}
		args = whereArgs
	case map[string]any:
		where, whereArgs, err := equalityWhere(Fields(f))
		if err != nil {
			return nil, err
		}
		if where != "" {
			stmt += " WHERE " + where + " ALLOW FILTERING"
		}
		args = whereArgs
	case CQLFilter:
		if strings.TrimSpace(f.Where) != "" {
			stmt += " WHERE " + f.Where
		}
		if f.AllowFiltering {
			stmt += " ALLOW FILTERING"
		}
		args = f.Args
	default:
		return nil, fmt.Errorf("%w: %T for wide-column store", ErrUnsupportedFilter, filter)
	}
	return b.selectJSON(ctx, stmt, args)
}

// Close closes the session when the backend opened it.
func (b *cassandraBackend) Close(context.Context) error {
	if b.closeSession {
		b.session.Close()
	}
	return nil
}

func (b *cassandraBackend) selectJSON(ctx context.Context, stmt string, args []any) ([]Document, error) {
	rows, err := b.session.QueryJSON(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	out := make([]Document, 0, len(rows))
	for _, row := range rows {
		doc, err := decodeJSONDocument([]byte(row))
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (b *cassandraBackend) keyWhere(key Key) (string, []any, error) {
	switch {
	case key.IsZero():
		return "", nil, fmt.Errorf("%w: empty key", ErrInvalidKey)
	case key.IsComposite():
		if len(key.Fields()) == 0 {
			return "", nil, fmt.Errorf("%w: composite key without fields", ErrInvalidKey)
		}
		return equalityWhere(Fields(key.Fields()))
	default:
		if !sqlIdentPartRE.MatchString(b.idField) {
			return "", nil, fmt.Errorf("%w: column %q", ErrInvalidIdentifier, b.idField)
		}
		return b.idField + " = ?", []any{key.Scalar()}, nil
	}
}

func (b *cassandraBackend) table(collection string) (string, error) {
	name := b.tablePrefix + collection
	if !sqlIdentPartRE.MatchString(name) {
		return "", fmt.Errorf("%w: table %q", ErrInvalidIdentifier, name)
	}
	if b.keyspace == "" {
		return name, nil
	}
	return b.keyspace + "." + name, nil
}

// equalityWhere renders "a = ? AND b = ?" over sorted, validated column names.
func equalityWhere(fields Fields) (string, []any, error) {
	if len(fields) == 0 {
		return "", nil, nil
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		if !sqlIdentPartRE.MatchString(name) {
			return "", nil, fmt.Errorf("%w: column %q", ErrInvalidIdentifier, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	clauses := make([]string, 0, len(names))
	args := make([]any, 0, len(names))
	for _, name := range names {
		clauses = append(clauses, name+" = ?")
		args = append(args, fields[name])
	}
	return strings.Join(clauses, " AND "), args, nil
}
