package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taku10101/playwright-secretary/internal/pattern"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &Postgres{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func (s *Postgres) Save(ctx context.Context, p pattern.Pattern) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pattern %s: %w", p.Ref(), err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO action_patterns (service, id, name, category, tags, body, updated_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
ON CONFLICT (service, id) DO UPDATE SET
	name = EXCLUDED.name,
	category = EXCLUDED.category,
	tags = EXCLUDED.tags,
	body = EXCLUDED.body,
	updated_at = EXCLUDED.updated_at
`, p.Service, p.ID, p.Name, string(p.Category), tagsOrEmpty(p.Metadata.Tags), body, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save pattern %s: %w", p.Ref(), err)
	}
	return nil
}

func (s *Postgres) Load(ctx context.Context, ref pattern.Ref) (pattern.Pattern, error) {
	row := s.pool.QueryRow(ctx, `SELECT body FROM action_patterns WHERE service = $1 AND id = $2`, ref.Service, ref.ID)
	found, err := scanPattern(row)
	if err == nil {
		return found, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return pattern.Pattern{}, ErrNotFound
	}
	return pattern.Pattern{}, err
}

func (s *Postgres) Delete(ctx context.Context, ref pattern.Ref) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM action_patterns WHERE service = $1 AND id = $2`, ref.Service, ref.ID)
	if err != nil {
		return false, fmt.Errorf("delete pattern %s: %w", ref, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) List(ctx context.Context) ([]pattern.Pattern, error) {
	rows, err := s.pool.Query(ctx, `SELECT body FROM action_patterns ORDER BY service ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []pattern.Pattern
	for rows.Next() {
		item, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Postgres) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS action_patterns (
	service TEXT NOT NULL,
	id TEXT NOT NULL,
	name TEXT NOT NULL,
	category TEXT NOT NULL,
	tags TEXT[] NOT NULL DEFAULT '{}',
	body JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (service, id)
);

CREATE INDEX IF NOT EXISTS idx_action_patterns_category
ON action_patterns (category);
`)
	if err != nil {
		return fmt.Errorf("initialize action_patterns schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPattern(row rowScanner) (pattern.Pattern, error) {
	var body []byte
	if err := row.Scan(&body); err != nil {
		return pattern.Pattern{}, err
	}
	var item pattern.Pattern
	if err := json.Unmarshal(body, &item); err != nil {
		return pattern.Pattern{}, fmt.Errorf("decode pattern body: %w", err)
	}
	return item, nil
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
