// Package store persists flattened character records into the characters
// table. Inserts are idempotent: the first write for an id wins and later
// writes for the same id are no-ops.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Sternrassler/swapi-loader/pkg/record"
)

// Driver names accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// TableName is the table every record is written to.
const TableName = "characters"

// Columns lists the table columns in insert order.
var Columns = append(append([]string{"id"}, record.Attributes...),
	string(record.CategoryFilms),
	string(record.CategorySpecies),
	string(record.CategoryStarships),
	string(record.CategoryVehicles),
)

// ErrNotFound is returned by Get when no row exists for the id.
var ErrNotFound = errors.New("record not found")

// Store is a durable, idempotent sink for flattened records.
type Store interface {
	// EnsureSchema creates the characters table if it does not exist.
	EnsureSchema(ctx context.Context) error
	// Upsert inserts rec unless a row with the same id exists.
	// inserted reports whether a row was written.
	Upsert(ctx context.Context, rec record.FlatRecord) (inserted bool, err error)
	// Get reads back the row for id.
	Get(ctx context.Context, id int) (record.FlatRecord, error)
	// Count returns the number of stored rows.
	Count(ctx context.Context) (int, error)
	// Close releases the underlying connections.
	Close() error
}

// Config selects and configures a store backend.
type Config struct {
	Driver   string // "postgres" (default) or "sqlite"
	DSN      string // postgres connection string
	Path     string // sqlite file path or ":memory:"
	MaxConns int    // postgres pool size
}

// Open connects to the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", DriverPostgres, "postgresql":
		return OpenPostgres(ctx, cfg.DSN, cfg.MaxConns)
	case DriverSQLite, "sqlite3":
		return OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// PersistenceError wraps a failed write for one record.
type PersistenceError struct {
	ID  int
	Err error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist record %d: %v", e.ID, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// createTableSQL is valid for both Postgres and SQLite.
func createTableSQL() string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(TableName)
	b.WriteString(" (\n\tid integer PRIMARY KEY")
	for _, col := range Columns[1:] {
		b.WriteString(",\n\t")
		b.WriteString(col)
		b.WriteString(" text")
	}
	b.WriteString("\n)")
	return b.String()
}

// placeholder renders the bind parameter for the i-th (0-based) argument.
type placeholder func(i int) string

func dollarPlaceholder(i int) string { return fmt.Sprintf("$%d", i+1) }

func questionPlaceholder(int) string { return "?" }

// insertSQL builds the conflict-ignoring insert.
func insertSQL(ph placeholder) string {
	placeholders := make([]string, len(Columns))
	for i := range Columns {
		placeholders[i] = ph(i)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO NOTHING",
		TableName, strings.Join(Columns, ", "), strings.Join(placeholders, ", "))
}

func selectSQL(ph placeholder) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE id = %s", strings.Join(Columns, ", "), TableName, ph(0))
}

// insertArgs returns the column values of rec in Columns order.
// Absent attributes and empty categories are written as NULL.
func insertArgs(rec record.FlatRecord) []any {
	args := make([]any, 0, len(Columns))
	args = append(args, rec.ID)
	for _, attr := range record.Attributes {
		args = append(args, rec.Attribute(attr))
	}
	for _, c := range record.Categories {
		args = append(args, rec.Reference(c))
	}
	return args
}

// scanTargets returns destinations matching Columns and a function that
// assembles the scanned values into a FlatRecord.
func scanTargets() ([]any, func() record.FlatRecord) {
	var id int
	attrs := make([]*string, len(record.Attributes))
	refs := make([]*string, len(record.Categories))

	targets := make([]any, 0, len(Columns))
	targets = append(targets, &id)
	for i := range attrs {
		targets = append(targets, &attrs[i])
	}
	for i := range refs {
		targets = append(targets, &refs[i])
	}

	build := func() record.FlatRecord {
		rec := record.FlatRecord{ID: id, Attributes: make(map[string]string, len(attrs))}
		for i, v := range attrs {
			if v != nil {
				rec.Attributes[record.Attributes[i]] = *v
			}
		}
		rec.Films, rec.Species, rec.Starships, rec.Vehicles = refs[0], refs[1], refs[2], refs[3]
		return rec
	}
	return targets, build
}
