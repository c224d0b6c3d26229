package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// MemoryStore is an in-process RunStore. Records are deep-copied on the way in
// and out, so callers never share state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*schema.WorkflowRun
	workflows map[string]*schema.Workflow
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*schema.WorkflowRun),
		workflows: make(map[string]*schema.Workflow),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func (m *MemoryStore) CreateRun(_ context.Context, run *schema.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return schema.NewErrorf(schema.ErrStore, "run %q already exists", run.ID)
	}
	cp, err := clone(run)
	if err != nil {
		return err
	}
	cp.StartedAt = timeOrNow(cp.StartedAt)
	cp.CreatedAt = timeOrNow(cp.CreatedAt)
	cp.UpdatedAt = timeOrNow(cp.UpdatedAt)
	cp.PersistError = ""
	m.runs[run.ID] = cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*schema.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	return clone(run)
}

func (m *MemoryStore) UpdateRun(_ context.Context, id string, update RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return storeNotFound("run", id)
	}
	if update.Status != nil && run.Status.Terminal() {
		return terminalRun(id, run.Status, *update.Status)
	}

	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Results != nil {
		results, err := clone(&update.Results)
		if err != nil {
			return err
		}
		run.Results = *results
	}
	if update.Summary != nil {
		run.Summary = *update.Summary
	}
	if update.Error != nil {
		run.Error = *update.Error
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		run.CompletedAt = &t
	}
	if update.ExecutionTime != nil {
		run.ExecutionTime = *update.ExecutionTime
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*schema.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*schema.WorkflowRun
	for _, run := range m.runs {
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.StartedBefore != nil && !run.StartedAt.Before(*filter.StartedBefore) {
			continue
		}
		if filter.UpdatedBefore != nil && !run.UpdatedAt.Before(*filter.UpdatedBefore) {
			continue
		}
		if filter.Since != nil && run.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp, err := clone(run)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (m *MemoryStore) SaveWorkflow(_ context.Context, wf *schema.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, err := clone(wf)
	if err != nil {
		return err
	}
	if existing, ok := m.workflows[wf.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	cp.CreatedAt = timeOrNow(cp.CreatedAt)
	cp.UpdatedAt = time.Now().UTC()
	m.workflows[wf.ID] = cp
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	return clone(wf)
}

func (m *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*schema.Workflow
	for _, wf := range m.workflows {
		if filter.Enabled != nil && wf.Enabled != *filter.Enabled {
			continue
		}
		if filter.Scheduled && wf.Schedule == "" {
			continue
		}
		cp, err := clone(wf)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return paginate(out, 0, filter.Limit), nil
}

func (m *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return storeNotFound("workflow", id)
	}
	delete(m.workflows, id)
	return nil
}

func clone[T any](v *T) (*T, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrStore, "copy record").WithCause(err)
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		return nil, schema.NewError(schema.ErrStore, "copy record").WithCause(err)
	}
	return out, nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

var _ RunStore = (*MemoryStore)(nil)
