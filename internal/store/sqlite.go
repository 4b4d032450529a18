package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store backed by a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite store.
// DSN forms accepted: "sqlite:///path/to.db", "/path/to.db", ":memory:".
func NewSQLite(dsn string) (*SQLiteStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = ":memory:"
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.EnsureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS environments(
			name TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			python_exe TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS packages(
			env_name TEXT NOT NULL,
			package TEXT NOT NULL,
			constraint_expr TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			installed_version TEXT NOT NULL DEFAULT '',
			last_verified TIMESTAMP,
			error TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (env_name, package)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveEnvironment(ctx context.Context, rec EnvRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO environments(name, path, python_exe, created_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET path=excluded.path, python_exe=excluded.python_exe;`,
		rec.Name, rec.Path, rec.PythonExe, rec.CreatedAt.UTC())
	return err
}

func (s *SQLiteStore) GetEnvironment(ctx context.Context, name string) (EnvRecord, error) {
	var rec EnvRecord
	row := s.db.QueryRowContext(ctx,
		`SELECT name, path, python_exe, created_at FROM environments WHERE name = ?;`, name)
	err := row.Scan(&rec.Name, &rec.Path, &rec.PythonExe, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return EnvRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) ListEnvironments(ctx context.Context) ([]EnvRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, path, python_exe, created_at FROM environments ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []EnvRecord
	for rows.Next() {
		var rec EnvRecord
		if err := rows.Scan(&rec.Name, &rec.Path, &rec.PythonExe, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteEnvironment(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM packages WHERE env_name = ?;`, name); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM environments WHERE name = ?;`, name)
	return err
}

func (s *SQLiteStore) UpsertPackage(ctx context.Context, row PackageRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO packages(env_name, package, constraint_expr, status, installed_version, last_verified, error)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(env_name, package) DO UPDATE SET
			constraint_expr=excluded.constraint_expr,
			status=excluded.status,
			installed_version=excluded.installed_version,
			last_verified=excluded.last_verified,
			error=excluded.error;`,
		row.EnvName, row.Package, row.Constraint, row.Status,
		row.InstalledVersion, row.LastVerified.UTC(), row.Error)
	return err
}

func (s *SQLiteStore) ListPackages(ctx context.Context, envName string) ([]PackageRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT env_name, package, constraint_expr, status, installed_version, last_verified, error
		FROM packages WHERE env_name = ? ORDER BY package;`, envName)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []PackageRow
	for rows.Next() {
		var row PackageRow
		if err := rows.Scan(&row.EnvName, &row.Package, &row.Constraint, &row.Status,
			&row.InstalledVersion, &row.LastVerified, &row.Error); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
