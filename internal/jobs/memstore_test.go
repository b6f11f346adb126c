package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store used by machine tests. It enforces the same
// version CAS semantics as the SQLite store.
type memStore struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	steps map[string]*Step

	// conflictsToInject fails the next N CAS updates with ErrVersionConflict.
	conflictsToInject int
}

func newMemStore() *memStore {
	return &memStore{
		jobs:  make(map[string]*Job),
		steps: make(map[string]*Step),
	}
}

func copyJob(j *Job) *Job {
	c := *j
	return &c
}

func copyStep(s *Step) *Step {
	c := *s
	return &c
}

func (m *memStore) CreateJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = copyJob(job)
	return nil
}

func (m *memStore) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (m *memStore) UpdateJobCAS(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflictsToInject > 0 {
		m.conflictsToInject--
		return ErrVersionConflict
	}
	cur, ok := m.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != job.Version {
		return ErrVersionConflict
	}
	job.Version++
	job.UpdatedAt = time.Now().UTC()
	m.jobs[job.ID] = copyJob(job)
	return nil
}

func (m *memStore) ListChildren(_ context.Context, parentID string) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, j := range m.jobs {
		if j.ParentJobID == parentID {
			out = append(out, *copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (m *memStore) CreateStep(_ context.Context, step *Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, s := range m.steps {
		if s.JobID == step.JobID && s.Order > max {
			max = s.Order
		}
	}
	step.Order = max + 1
	step.Version = 1
	m.steps[step.ID] = copyStep(step)
	return nil
}

func (m *memStore) GetStep(_ context.Context, id string) (*Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyStep(s), nil
}

func (m *memStore) UpdateStepCAS(_ context.Context, step *Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.steps[step.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != step.Version {
		return ErrVersionConflict
	}
	step.Version++
	step.UpdatedAt = time.Now().UTC()
	m.steps[step.ID] = copyStep(step)
	return nil
}

func (m *memStore) ListSteps(_ context.Context, jobID string) ([]Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Step
	for _, s := range m.steps {
		if s.JobID == jobID {
			out = append(out, *copyStep(s))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Order < out[k].Order })
	return out, nil
}
