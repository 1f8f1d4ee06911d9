package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/taku10101/playwright-secretary/internal/pattern"
)

// SQLite stores patterns in a local database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path, creating the parent
// directory when needed.
func OpenSQLite(path string) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("patterns: failed to create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("patterns: failed to open database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS patterns (
			service    TEXT NOT NULL,
			id         TEXT NOT NULL,
			name       TEXT NOT NULL DEFAULT '',
			category   TEXT NOT NULL DEFAULT '',
			body       TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (service, id)
		);
		CREATE INDEX IF NOT EXISTS idx_patterns_category ON patterns(category);
	`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("patterns: migration failed: %w", err)
	}
	return nil
}

func (s *SQLite) Save(ctx context.Context, p pattern.Pattern) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("patterns: encode %s: %w", p.Ref(), err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO patterns (service, id, name, category, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(service, id) DO UPDATE SET
			name=excluded.name, category=excluded.category,
			body=excluded.body, updated_at=excluded.updated_at`,
		p.Service, p.ID, p.Name, string(p.Category), string(body),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("patterns: save %s: %w", p.Ref(), err)
	}
	return nil
}

func (s *SQLite) Load(ctx context.Context, ref pattern.Ref) (pattern.Pattern, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM patterns WHERE service = ? AND id = ?`, ref.Service, ref.ID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return pattern.Pattern{}, ErrNotFound
	}
	if err != nil {
		return pattern.Pattern{}, fmt.Errorf("patterns: query failed: %w", err)
	}
	return decodeBody([]byte(body))
}

func (s *SQLite) Delete(ctx context.Context, ref pattern.Ref) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM patterns WHERE service = ? AND id = ?`, ref.Service, ref.ID)
	if err != nil {
		return false, fmt.Errorf("patterns: delete failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLite) List(ctx context.Context) ([]pattern.Pattern, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM patterns ORDER BY service, id`)
	if err != nil {
		return nil, fmt.Errorf("patterns: query failed: %w", err)
	}
	defer rows.Close()

	var out []pattern.Pattern
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("patterns: scan failed: %w", err)
		}
		p, err := decodeBody([]byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func decodeBody(body []byte) (pattern.Pattern, error) {
	var p pattern.Pattern
	if err := json.Unmarshal(body, &p); err != nil {
		return pattern.Pattern{}, fmt.Errorf("patterns: decode body: %w", err)
	}
	return p, nil
}
