// Copyright (C) 2020 Department of Parks and Wildlife.
// See LICENSE for copying information.

// Package trackdb is a typed wrapper over the tracking database. Besides
// plain query/update/DDL access it moves spatial data in and out of the
// database through the GDAL command line tools.
package trackdb

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/lib/pq"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

var (
	mon = monkit.Package()

	// Error is the database gateway error class.
	Error = errs.Class("db error")
)

var connStringRE = regexp.MustCompile(`^\s*(?P<database>(postgis)|(postgres))://(?P<user>[^@:]+)(:(?P<password>[^@]+))?@(?P<host>[^:/\s]+)(:(?P<port>[1-9][0-9]*))?/(?P<dbname>[0-9a-zA-Z\-_]+)\s*$`)

// ConnParams are the pieces of a database URL of the form
// postgres(is)://user[:pwd]@host[:port]/db.
type ConnParams struct {
	User     string
	Password string
	Host     string
	Port     string
	DBName   string
}

// ParseURL extracts connection parameters from a database URL.
func ParseURL(dbURL string) (ConnParams, error) {
	match := connStringRE.FindStringSubmatch(dbURL)
	if match == nil {
		return ConnParams{}, Error.New("invalid database configuration %q", dbURL)
	}
	params := ConnParams{}
	for i, name := range connStringRE.SubexpNames() {
		switch name {
		case "user":
			params.User = match[i]
		case "password":
			params.Password = match[i]
		case "host":
			params.Host = match[i]
		case "port":
			params.Port = match[i]
		case "dbname":
			params.DBName = match[i]
		}
	}
	return params, nil
}

// DSN renders the parameters in libpq key/value form.
func (params ConnParams) DSN() string {
	parts := []string{
		"host=" + params.Host,
		"dbname=" + params.DBName,
	}
	if params.Port != "" {
		parts = append(parts, "port="+params.Port)
	}
	if params.User != "" {
		parts = append(parts, "user="+params.User)
	}
	if params.Password != "" {
		parts = append(parts, "password="+params.Password)
	}
	return strings.Join(parts, " ")
}

// OGRDataSource renders the parameters in the GDAL PostgreSQL datasource
// syntax.
func (params ConnParams) OGRDataSource() string {
	return "PG:" + params.DSN()
}

// DB wraps the relational database.
type DB struct {
	log    *zap.Logger
	params ConnParams
	db     *sql.DB

	// run executes an external command; swapped out in tests.
	run commandRunner
}

// Open connects to the database at dbURL.
func Open(log *zap.Logger, dbURL string) (*DB, error) {
	params, err := ParseURL(dbURL)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", params.DSN())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &DB{log: log, params: params, db: db, run: runCommand}, nil
}

// Close releases the connection pool.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// Params returns the parsed connection parameters.
func (db *DB) Params() ConnParams { return db.params }

// Row is one result row with columns in select order.
type Row []interface{}

// Query runs a select statement and returns all rows as tuples.
func (db *DB) Query(ctx context.Context, query string) (_ []Row, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var result []Row
	for rows.Next() {
		row := make(Row, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range row {
			pointers[i] = &row[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, Error.Wrap(err)
		}
		result = append(result, row)
	}
	return result, Error.Wrap(rows.Err())
}

// QueryMaps runs a select statement and returns rows as column mappings.
// The supplied names override the driver reported column names.
func (db *DB) QueryMaps(ctx context.Context, query string, columns ...string) (_ []map[string]interface{}, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	result := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		if len(columns) != len(row) {
			return nil, Error.New("expected %d columns, query returned %d", len(columns), len(row))
		}
		mapped := make(map[string]interface{}, len(columns))
		for i, name := range columns {
			mapped[name] = row[i]
		}
		result = append(result, mapped)
	}
	return result, nil
}

// Get runs a select statement and returns the first row, or nil when the
// query matches nothing.
func (db *DB) Get(ctx context.Context, query string) (_ Row, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Update runs an insert/update/delete inside a transaction, committing on
// success and rolling back on any error. It returns the affected row count.
func (db *DB) Update(ctx context.Context, query string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	result, err := tx.ExecContext(ctx, query)
	if err != nil {
		return 0, Error.Wrap(errs.Combine(err, tx.Rollback()))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, Error.Wrap(errs.Combine(err, tx.Rollback()))
	}
	if err := tx.Commit(); err != nil {
		return 0, Error.Wrap(err)
	}
	return affected, nil
}

// UpdateAutocommit runs a mutating statement outside any transaction, so
// the statement commits on its own.
func (db *DB) UpdateAutocommit(ctx context.Context, query string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, query)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return affected, nil
}

// ExecuteDDL runs a DDL statement, committing on success and rolling back
// on failure.
func (db *DB) ExecuteDDL(ctx context.Context, query string) (err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return Error.Wrap(errs.Combine(err, tx.Rollback()))
	}
	return Error.Wrap(tx.Commit())
}

var identifierRE = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Count returns the number of rows in a table, view, or arbitrary select
// statement. Bare identifiers are counted directly; anything else is
// wrapped as a subquery.
func (db *DB) Count(ctx context.Context, tableOrQuery string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	trimmed := strings.TrimSpace(tableOrQuery)
	var countSQL string
	if identifierRE.MatchString(trimmed) {
		countSQL = fmt.Sprintf("SELECT count(1) FROM %s", trimmed)
	} else {
		countSQL = fmt.Sprintf("SELECT count(1) FROM (%s) AS a", trimmed)
	}
	row, err := db.Get(ctx, countSQL)
	if err != nil {
		return 0, err
	}
	if len(row) == 0 {
		return 0, Error.New("count query returned no rows")
	}
	count, ok := row[0].(int64)
	if !ok {
		return 0, Error.New("count query returned %T, expected int64", row[0])
	}
	return count, nil
}
