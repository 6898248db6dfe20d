package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// MemoryStore is an in-process Store. Records are JSON round-tripped on the
// way in and out so callers observe the same value shapes LibSQLStore returns
// and can never alias stored state.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*schema.WorkflowDefinition
	runs        map[string]*schema.Run
	events      map[string][]*Event // run ID -> events
	agents      map[string]*Agent
	nextEventID int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*schema.WorkflowDefinition),
		runs:        make(map[string]*schema.Run),
		events:      make(map[string][]*Event),
		agents:      make(map[string]*Agent),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// --- Definitions ---

func (m *MemoryStore) SaveDefinition(_ context.Context, def *schema.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.definitions[def.ID]; ok {
		def.CreatedAt = existing.CreatedAt
	} else {
		def.CreatedAt = timeOrNow(def.CreatedAt)
	}
	def.UpdatedAt = time.Now().UTC()
	if def.Trigger == "" {
		def.Trigger = schema.TriggerManual
	}

	cp, err := clone(def)
	if err != nil {
		return err
	}
	if cp.Steps == nil {
		cp.Steps = []schema.StepDefinition{}
	}
	m.definitions[def.ID] = cp
	return nil
}

func (m *MemoryStore) GetDefinition(_ context.Context, id string) (*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.definitions[id]
	if !ok {
		return nil, storeNotFound("definition", id)
	}
	return clone(def)
}

func (m *MemoryStore) ListDefinitions(_ context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*schema.WorkflowDefinition
	for _, def := range m.definitions {
		if filter.Trigger != "" && def.Trigger != filter.Trigger {
			continue
		}
		if !filter.IncludeInactive && def.Inactive {
			continue
		}
		matched = append(matched, def)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	matched = paginate(matched, filter.Limit, filter.Offset)
	out := make([]*schema.WorkflowDefinition, 0, len(matched))
	for _, def := range matched {
		cp, err := clone(def)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (m *MemoryStore) DeleteDefinition(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.definitions[id]; !ok {
		return storeNotFound("definition", id)
	}
	delete(m.definitions, id)
	return nil
}

// --- Runs ---

func (m *MemoryStore) CreateRun(_ context.Context, run *schema.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	run.StartTime = timeOrNow(run.StartTime)
	cp, err := clone(run)
	if err != nil {
		return err
	}
	cp.StepResults = []schema.StepResult{}
	cp.Output, cp.Error, cp.EndTime = nil, nil, nil
	m.runs[run.ID] = cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*schema.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	return cloneRun(run)
}

func (m *MemoryStore) AppendStepResult(_ context.Context, runID string, result *schema.StepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return storeNotFound("run", runID)
	}
	if run.Status != schema.RunStatusRunning {
		return runNotRunning(runID, run.Status)
	}
	if len(run.StepResults) >= run.StepCount {
		return stepCountExceeded(runID, run.StepCount)
	}
	cp, err := clone(result)
	if err != nil {
		return err
	}
	cp.StartTime = timeOrNow(cp.StartTime)
	cp.EndTime = timeOrNow(cp.EndTime)
	run.StepResults = append(run.StepResults, *cp)
	return nil
}

func (m *MemoryStore) CompleteRun(_ context.Context, runID string, c RunCompletion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return storeNotFound("run", runID)
	}
	if run.Status != schema.RunStatusRunning {
		return runNotRunning(runID, run.Status)
	}

	output, err := roundTrip(c.Output)
	if err != nil {
		return err
	}
	var runErr *schema.FlowError
	if c.Error != nil {
		if runErr, err = clone(c.Error); err != nil {
			return err
		}
	}
	end := timeOrNow(c.EndTime)

	run.Status = c.Status
	run.Output = output
	run.Error = runErr
	run.EndTime = &end
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*schema.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*schema.Run
	for _, run := range m.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.Since != nil && run.StartTime.Before(*filter.Since) {
			continue
		}
		matched = append(matched, run)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartTime.Equal(matched[j].StartTime) {
			return matched[i].StartTime.After(matched[j].StartTime)
		}
		return matched[i].ID > matched[j].ID
	})

	matched = paginate(matched, filter.Limit, filter.Offset)
	out := make([]*schema.Run, 0, len(matched))
	for _, run := range matched {
		cp, err := cloneRun(run)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// --- Events ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextEventID++
	event.ID = m.nextEventID
	event.Sequence = int64(len(m.events[event.RunID]) + 1)
	event.Timestamp = timeOrNow(event.Timestamp)

	cp := *event
	cp.Payload = append(json.RawMessage(nil), event.Payload...)
	m.events[event.RunID] = append(m.events[event.RunID], &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, runID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, e := range m.events[runID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Agents ---

func (m *MemoryStore) RegisterAgent(_ context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.agents[agent.ID]; ok {
		agent.CreatedAt = existing.CreatedAt
		agent.LastSeenAt = existing.LastSeenAt
	} else {
		agent.CreatedAt = timeOrNow(agent.CreatedAt)
	}
	cp, err := clone(agent)
	if err != nil {
		return err
	}
	m.agents[agent.ID] = cp
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, storeNotFound("agent", id)
	}
	return clone(a)
}

func (m *MemoryStore) UpdateAgentSeen(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return storeNotFound("agent", id)
	}
	now := time.Now().UTC()
	a.LastSeenAt = &now
	return nil
}

func (m *MemoryStore) ListAgents(context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*Agent, 0, len(ids))
	for _, id := range ids {
		cp, err := clone(m.agents[id])
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// --- Helpers ---

func clone[T any](v *T) (*T, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneRun(run *schema.Run) (*schema.Run, error) {
	cp, err := clone(run)
	if err != nil {
		return nil, err
	}
	if cp.StepResults == nil {
		cp.StepResults = []schema.StepResult{}
	}
	return cp, nil
}

func roundTrip(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if limit <= 0 {
		return items
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit < len(items) {
		items = items[:limit]
	}
	return items
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*LibSQLStore)(nil)
)
