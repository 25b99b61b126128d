package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Sternrassler/swapi-loader/pkg/logging"
	"github.com/Sternrassler/swapi-loader/pkg/record"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

// DefaultSQLitePath is used when no path is configured.
const DefaultSQLitePath = "starwars.db"

// Compile-time contract assertion.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore writes records to a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenSQLite opens (creating if needed) the database at path.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = DefaultSQLitePath
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serialises writers; one connection also keeps ":memory:" shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logging.NewLogger("store").With().Str("driver", DriverSQLite).Logger(),
	}, nil
}

// EnsureSchema creates the characters table if it does not exist.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTableSQL()); err != nil {
		return fmt.Errorf("create %s table: %w", TableName, err)
	}
	s.logger.Debug().Str("table", TableName).Msg("Schema ensured")
	return nil
}

// Upsert inserts rec; an existing id is left untouched.
func (s *SQLiteStore) Upsert(ctx context.Context, rec record.FlatRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, insertSQL(questionPlaceholder), insertArgs(rec)...)
	if err != nil {
		return false, &PersistenceError{ID: rec.ID, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &PersistenceError{ID: rec.ID, Err: fmt.Errorf("rows affected: %w", err)}
	}
	return n == 1, nil
}

// Get reads back the row for id.
func (s *SQLiteStore) Get(ctx context.Context, id int) (record.FlatRecord, error) {
	targets, build := scanTargets()
	if err := s.db.QueryRowContext(ctx, selectSQL(questionPlaceholder), id).Scan(targets...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return record.FlatRecord{}, ErrNotFound
		}
		return record.FlatRecord{}, fmt.Errorf("select record %d: %w", id, err)
	}
	return build(), nil
}

// Count returns the number of stored rows.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM "+TableName).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
