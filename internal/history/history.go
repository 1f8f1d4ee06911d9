// Package history records pattern executions from queueing to completion.
package history

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taku10101/playwright-secretary/internal/engine"
	"github.com/taku10101/playwright-secretary/internal/pattern"
	"github.com/taku10101/playwright-secretary/internal/value"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrNotQueued         = errors.New("execution is not queued")
	ErrAlreadyFinished   = errors.New("execution already finished")
)

type Execution struct {
	ID          string                 `json:"id"`
	Service     string                 `json:"service"`
	PatternID   string                 `json:"pattern_id"`
	Parameters  map[string]value.Value `json:"parameters,omitempty"`
	Status      Status                 `json:"status"`
	Result      *engine.Result         `json:"result,omitempty"`
	Artifacts   []string               `json:"artifacts,omitempty"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

func (e Execution) Ref() pattern.Ref {
	return pattern.Ref{Service: e.Service, ID: e.PatternID}
}

type CreateInput struct {
	Ref        pattern.Ref
	Parameters map[string]value.Value
}

type FinishInput struct {
	ID        string
	Status    Status
	Result    *engine.Result
	Artifacts []string
	Error     string
	Completed time.Time
}

type ListFilter struct {
	Service   string
	PatternID string
	Status    Status
	Limit     int
}

const defaultListLimit = 50

func (f ListFilter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

func (f ListFilter) matches(e Execution) bool {
	if f.Service != "" && e.Service != f.Service {
		return false
	}
	if f.PatternID != "" && e.PatternID != f.PatternID {
		return false
	}
	return f.Status == "" || e.Status == f.Status
}

type Store interface {
	Create(ctx context.Context, input CreateInput) (Execution, error)
	// Start moves a queued execution to running; any other state yields ErrNotQueued.
	Start(ctx context.Context, id string, at time.Time) (Execution, error)
	// Finish records a terminal status; finishing twice yields ErrAlreadyFinished.
	Finish(ctx context.Context, input FinishInput) (Execution, error)
	Get(ctx context.Context, id string) (Execution, error)
	// List returns the most recent executions first.
	List(ctx context.Context, filter ListFilter) ([]Execution, error)
}

func validateCreate(input CreateInput) error {
	if strings.TrimSpace(input.Ref.ID) == "" {
		return errors.New("pattern id is required")
	}
	if strings.TrimSpace(input.Ref.Service) == "" {
		return errors.New("service is required")
	}
	return nil
}

func validateFinish(input FinishInput) error {
	if strings.TrimSpace(input.ID) == "" {
		return errors.New("execution id is required")
	}
	if !input.Status.Terminal() {
		return errors.New("finish status must be succeeded, failed or canceled")
	}
	return nil
}

func newID() string {
	return "exec_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

type InMemory struct {
	mu    sync.RWMutex
	items map[string]Execution
	seq   map[string]uint64
	next  uint64
}

func NewInMemory() *InMemory {
	return &InMemory{items: make(map[string]Execution), seq: make(map[string]uint64)}
}

func (s *InMemory) Create(_ context.Context, input CreateInput) (Execution, error) {
	if err := validateCreate(input); err != nil {
		return Execution{}, err
	}
	created := Execution{
		ID:         newID(),
		Service:    input.Ref.Service,
		PatternID:  input.Ref.ID,
		Parameters: cloneValues(input.Parameters),
		Status:     StatusQueued,
		CreatedAt:  time.Now().UTC(),
	}

	s.mu.Lock()
	s.next++
	s.items[created.ID] = created
	s.seq[created.ID] = s.next
	s.mu.Unlock()
	return created, nil
}

func (s *InMemory) Start(_ context.Context, id string, at time.Time) (Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found, ok := s.items[id]
	if !ok {
		return Execution{}, ErrExecutionNotFound
	}
	if found.Status != StatusQueued {
		return Execution{}, ErrNotQueued
	}
	started := normalizeTime(at)
	found.Status = StatusRunning
	found.StartedAt = &started
	s.items[id] = found
	return found, nil
}

func (s *InMemory) Finish(_ context.Context, input FinishInput) (Execution, error) {
	if err := validateFinish(input); err != nil {
		return Execution{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	found, ok := s.items[input.ID]
	if !ok {
		return Execution{}, ErrExecutionNotFound
	}
	if found.Status.Terminal() {
		return Execution{}, ErrAlreadyFinished
	}
	completed := normalizeTime(input.Completed)
	found.Status = input.Status
	found.Result = input.Result
	found.Artifacts = append([]string(nil), input.Artifacts...)
	found.Error = input.Error
	found.CompletedAt = &completed
	s.items[input.ID] = found
	return found, nil
}

func (s *InMemory) Get(_ context.Context, id string) (Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found, ok := s.items[id]
	if !ok {
		return Execution{}, ErrExecutionNotFound
	}
	return found, nil
}

func (s *InMemory) List(_ context.Context, filter ListFilter) ([]Execution, error) {
	s.mu.RLock()
	items := make([]Execution, 0, len(s.items))
	for _, item := range s.items {
		if filter.matches(item) {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return s.seq[items[i].ID] > s.seq[items[j].ID]
	})
	s.mu.RUnlock()

	if len(items) > filter.limit() {
		items = items[:filter.limit()]
	}
	return items, nil
}

func cloneValues(in map[string]value.Value) map[string]value.Value {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]value.Value, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
