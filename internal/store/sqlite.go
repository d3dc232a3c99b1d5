package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/seantiz/kiln/internal/model"
)

const createFunctionsTable = `
CREATE TABLE IF NOT EXISTS functions (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    route       TEXT NOT NULL UNIQUE,
    language    TEXT NOT NULL,
    code        TEXT NOT NULL,
    timeout_s   INTEGER NOT NULL,
    backend     TEXT NOT NULL,
    is_active   INTEGER NOT NULL DEFAULT 1,
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
)`

const functionColumns = `id, name, route, language, code, timeout_s, backend, is_active, created_at, updated_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createFunctionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create functions table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	// Without extended result codes only the primary code is reported.
	return se.Code() == sqlite3.SQLITE_CONSTRAINT
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFunction(row scanner) (*model.Function, error) {
	f := &model.Function{}
	err := row.Scan(
		&f.ID, &f.Name, &f.Route, &f.Language, &f.Code, &f.TimeoutS,
		&f.Backend, &f.IsActive, &f.CreatedAt, &f.UpdatedAt,
	)
	return f, err
}

// CreateFunction inserts a new function record.
func (s *SQLiteStore) CreateFunction(ctx context.Context, f *model.Function) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO functions (`+functionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Name, f.Route, f.Language, f.Code, f.TimeoutS,
		f.Backend, f.IsActive, f.CreatedAt, f.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateRoute, f.Route)
	}
	if err != nil {
		return fmt.Errorf("insert function: %w", err)
	}
	return nil
}

// GetFunction retrieves a function by ID.
func (s *SQLiteStore) GetFunction(ctx context.Context, id string) (*model.Function, error) {
	f, err := scanFunction(s.db.QueryRowContext(ctx,
		`SELECT `+functionColumns+` FROM functions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get function: %w", err)
	}
	return f, nil
}

// GetFunctionByRoute retrieves a function by its route.
func (s *SQLiteStore) GetFunctionByRoute(ctx context.Context, route string) (*model.Function, error) {
	f, err := scanFunction(s.db.QueryRowContext(ctx,
		`SELECT `+functionColumns+` FROM functions WHERE route = ?`, route))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get function by route: %w", err)
	}
	return f, nil
}

// ListFunctions returns a paginated list of functions ordered by created_at
// DESC, along with the total count of all functions.
func (s *SQLiteStore) ListFunctions(ctx context.Context, limit, offset int) ([]*model.Function, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM functions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count functions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+functionColumns+` FROM functions ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list functions: %w", err)
	}
	defer rows.Close()

	var functions []*model.Function
	for rows.Next() {
		f, err := scanFunction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan function: %w", err)
		}
		functions = append(functions, f)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate functions: %w", err)
	}

	return functions, total, nil
}

// UpdateFunction replaces every mutable field of the function with f.ID.
// CreatedAt is left untouched.
func (s *SQLiteStore) UpdateFunction(ctx context.Context, f *model.Function) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE functions SET
			name = ?, route = ?, language = ?, code = ?, timeout_s = ?,
			backend = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		f.Name, f.Route, f.Language, f.Code, f.TimeoutS,
		f.Backend, f.IsActive, f.UpdatedAt, f.ID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateRoute, f.Route)
	}
	if err != nil {
		return fmt.Errorf("update function: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFunction removes the function with the given ID.
func (s *SQLiteStore) DeleteFunction(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM functions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete function: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
