package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/balu-dk/go-pipelets/internal/db/models"
	"github.com/balu-dk/go-pipelets/internal/logbus"
	"github.com/balu-dk/go-pipelets/internal/pipeline"
)

const (
	memoryRunLimit = 1000
	memoryLogLimit = 10000
)

// MemoryStore keeps every record in process memory. Runs and logs are
// capped to the most recent entries.
type MemoryStore struct {
	mu           sync.RWMutex
	workflows    map[string]pipeline.Workflow
	pipelets     map[string]models.Pipelet
	runs         []pipeline.Run
	logs         []models.LogRecord
	transactions map[int]models.Transaction
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:    make(map[string]pipeline.Workflow),
		pipelets:     make(map[string]models.Pipelet),
		transactions: make(map[int]models.Transaction),
	}
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() {}

// SaveWorkflow creates or replaces a workflow
func (s *MemoryStore) SaveWorkflow(_ context.Context, wf pipeline.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.ID] = wf
	return nil
}

// ListWorkflows returns every workflow ordered by id
func (s *MemoryStore) ListWorkflows(_ context.Context) ([]pipeline.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// WorkflowsForEvent returns the workflows bound to event
func (s *MemoryStore) WorkflowsForEvent(ctx context.Context, event string) ([]pipeline.Workflow, error) {
	all, err := s.ListWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	var out []pipeline.Workflow
	for _, wf := range all {
		if wf.Event == event {
			out = append(out, wf)
		}
	}
	return out, nil
}

// SavePipelet creates or updates a pipelet
func (s *MemoryStore) SavePipelet(_ context.Context, p *models.Pipelet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.pipelets[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.pipelets[p.ID] = *p
	return nil
}

// ListPipelets returns every pipelet ordered by id
func (s *MemoryStore) ListPipelets(_ context.Context) ([]models.Pipelet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Pipelet, 0, len(s.pipelets))
	for _, p := range s.pipelets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PipeletCode returns the code body of a pipelet
func (s *MemoryStore) PipeletCode(_ context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pipelets[id]
	if !ok {
		return "", fmt.Errorf("pipelet %s: %w", id, ErrNotFound)
	}
	return p.Code, nil
}

// SaveRun stores a finished workflow run
func (s *MemoryStore) SaveRun(_ context.Context, run pipeline.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	if len(s.runs) > memoryRunLimit {
		s.runs = append([]pipeline.Run(nil), s.runs[len(s.runs)-memoryRunLimit:]...)
	}
	return nil
}

// ListRuns returns up to limit runs, newest first
func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]pipeline.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = clampLimit(limit, len(s.runs))
	out := make([]pipeline.Run, 0, limit)
	for i := len(s.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.runs[i])
	}
	return out, nil
}

// SaveLogEntry archives a log bus entry
func (s *MemoryStore) SaveLogEntry(_ context.Context, e logbus.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, models.LogRecord{
		ID:        e.ID,
		Source:    string(e.Source),
		Message:   e.Message,
		CreatedAt: e.CreatedAt,
	})
	if len(s.logs) > memoryLogLimit {
		s.logs = append([]models.LogRecord(nil), s.logs[len(s.logs)-memoryLogLimit:]...)
	}
	return nil
}

// ListLogs returns up to limit archived entries, newest first
func (s *MemoryStore) ListLogs(_ context.Context, limit int) ([]models.LogRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = clampLimit(limit, len(s.logs))
	out := make([]models.LogRecord, 0, limit)
	for i := len(s.logs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.logs[i])
	}
	return out, nil
}

// RecordTransaction creates or updates a transaction
func (s *MemoryStore) RecordTransaction(_ context.Context, tx models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[tx.ID] = tx
	return nil
}

// MaxTransactionID returns the highest stored transaction id
func (s *MemoryStore) MaxTransactionID(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for id := range s.transactions {
		if id > max {
			max = id
		}
	}
	return max, nil
}

// GetTransaction retrieves a transaction by ID
func (s *MemoryStore) GetTransaction(_ context.Context, id int) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %d: %w", id, ErrNotFound)
	}
	return &tx, nil
}
