package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taku10101/playwright-secretary/internal/engine"
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

func (s *Postgres) Close() {
	s.pool.Close()
}

func (s *Postgres) Create(ctx context.Context, input CreateInput) (Execution, error) {
	if err := validateCreate(input); err != nil {
		return Execution{}, err
	}
	params, err := json.Marshal(cloneValues(input.Parameters))
	if err != nil {
		return Execution{}, fmt.Errorf("marshal parameters: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
INSERT INTO executions (id, service, pattern_id, parameters, status, artifacts, created_at)
VALUES ($1, $2, $3, $4::jsonb, $5, '{}', $6)
RETURNING `+executionColumns,
		newID(), input.Ref.Service, input.Ref.ID, params, StatusQueued, time.Now().UTC())
	return scanExecution(row)
}

func (s *Postgres) Start(ctx context.Context, id string, at time.Time) (Execution, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE executions
SET status = $2, started_at = $3
WHERE id = $1 AND status = $4
RETURNING `+executionColumns,
		id, StatusRunning, normalizeTime(at), StatusQueued)

	updated, err := scanExecution(row)
	if err == nil {
		return updated, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return Execution{}, getErr
		}
		return Execution{}, ErrNotQueued
	}
	return Execution{}, err
}

func (s *Postgres) Finish(ctx context.Context, input FinishInput) (Execution, error) {
	if err := validateFinish(input); err != nil {
		return Execution{}, err
	}
	var result []byte
	if input.Result != nil {
		encoded, err := json.Marshal(input.Result)
		if err != nil {
			return Execution{}, fmt.Errorf("marshal result: %w", err)
		}
		result = encoded
	}
	artifacts := input.Artifacts
	if artifacts == nil {
		artifacts = []string{}
	}

	row := s.pool.QueryRow(ctx, `
UPDATE executions
SET status = $2, result = $3::jsonb, artifacts = $4, error_message = $5, completed_at = $6
WHERE id = $1 AND status NOT IN ($7, $8, $9)
RETURNING `+executionColumns,
		input.ID, input.Status, result, artifacts, input.Error, normalizeTime(input.Completed),
		StatusSucceeded, StatusFailed, StatusCanceled)

	updated, err := scanExecution(row)
	if err == nil {
		return updated, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.Get(ctx, input.ID); getErr != nil {
			return Execution{}, getErr
		}
		return Execution{}, ErrAlreadyFinished
	}
	return Execution{}, err
}

func (s *Postgres) Get(ctx context.Context, id string) (Execution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	found, err := scanExecution(row)
	if err == nil {
		return found, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return Execution{}, ErrExecutionNotFound
	}
	return Execution{}, err
}

func (s *Postgres) List(ctx context.Context, filter ListFilter) ([]Execution, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+executionColumns+`
FROM executions
WHERE ($1 = '' OR service = $1)
	AND ($2 = '' OR pattern_id = $2)
	AND ($3 = '' OR status = $3)
ORDER BY created_at DESC, id DESC
LIMIT $4
`, filter.Service, filter.PatternID, string(filter.Status), filter.limit())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Execution, 0, filter.limit())
	for rows.Next() {
		item, err := scanExecution(rows)
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
CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	service TEXT NOT NULL,
	pattern_id TEXT NOT NULL,
	parameters JSONB NOT NULL DEFAULT '{}'::jsonb,
	status TEXT NOT NULL,
	result JSONB NULL,
	artifacts TEXT[] NOT NULL DEFAULT '{}',
	error_message TEXT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ NULL,
	completed_at TIMESTAMPTZ NULL
);

CREATE INDEX IF NOT EXISTS idx_executions_pattern_created
ON executions (service, pattern_id, created_at DESC);
`)
	if err != nil {
		return fmt.Errorf("initialize executions schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const executionColumns = `
id,
service,
pattern_id,
parameters,
status,
result,
artifacts,
error_message,
created_at,
started_at,
completed_at`

func scanExecution(row rowScanner) (Execution, error) {
	var item Execution
	var params []byte
	var result []byte
	var errorMessage *string
	var startedAt *time.Time
	var completedAt *time.Time

	err := row.Scan(
		&item.ID,
		&item.Service,
		&item.PatternID,
		&params,
		&item.Status,
		&result,
		&item.Artifacts,
		&errorMessage,
		&item.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return Execution{}, err
	}

	if len(params) > 0 {
		if err := json.Unmarshal(params, &item.Parameters); err != nil {
			return Execution{}, fmt.Errorf("decode execution parameters: %w", err)
		}
	}
	if len(result) > 0 {
		var decoded engine.Result
		if err := json.Unmarshal(result, &decoded); err != nil {
			return Execution{}, fmt.Errorf("decode execution result: %w", err)
		}
		item.Result = &decoded
	}
	if len(item.Artifacts) == 0 {
		item.Artifacts = nil
	}
	if errorMessage != nil {
		item.Error = *errorMessage
	}
	item.CreatedAt = item.CreatedAt.UTC()
	item.StartedAt = utcPtr(startedAt)
	item.CompletedAt = utcPtr(completedAt)
	return item, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
