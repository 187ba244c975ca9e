// Package job is the thin job-id<->task-id facade sitting in front of
// core.Engine: callers submit a job and get a job id back, independent of
// whatever task id the engine assigns internally, mirroring the teacher's
// TUIDownload entry point minus its TUI-specific probing and path-uniquing
// steps (those now live in internal/core and internal/fetch).
package job

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/flasharr/bridge/internal/core"
	"github.com/flasharr/bridge/internal/task"
)

// Request is what a caller submits; it maps directly onto core.SubmitParams
// minus the engine's internal JobID field, which this package owns.
type Request struct {
	URL      string
	Filename string
	Category string
	Group    string
	DestDir  string
	Priority task.Priority
}

// Manager tracks the job id <-> task id mapping for every job it has
// submitted, so a caller that only knows its own job id can still ask the
// engine about task status.
type Manager struct {
	engine *core.Engine

	mu   sync.RWMutex
	jobs map[string]string // job id -> task id
}

func NewManager(engine *core.Engine) *Manager {
	return &Manager{engine: engine, jobs: make(map[string]string)}
}

// Submit assigns a new job id, hands the request to the engine, and
// remembers the resulting task id under that job id.
func (m *Manager) Submit(ctx context.Context, req Request) (string, error) {
	jobID := uuid.NewString()
	taskID, err := m.engine.Submit(ctx, core.SubmitParams{
		JobID:    jobID,
		URL:      req.URL,
		Filename: req.Filename,
		Category: req.Category,
		Group:    req.Group,
		DestDir:  req.DestDir,
		Priority: req.Priority,
	})
	if err != nil {
		return "", fmt.Errorf("submitting job: %w", err)
	}

	m.mu.Lock()
	m.jobs[jobID] = taskID
	m.mu.Unlock()
	return jobID, nil
}

// Status returns the task snapshot behind a job id.
func (m *Manager) Status(jobID string) (task.Snapshot, error) {
	taskID, ok := m.taskFor(jobID)
	if !ok {
		return task.Snapshot{}, ErrUnknownJob
	}
	return m.engine.GetTask(taskID)
}

func (m *Manager) Pause(jobID string) error  { return m.withTask(jobID, m.engine.Pause) }
func (m *Manager) Resume(jobID string) error { return m.withTask(jobID, m.engine.Resume) }
func (m *Manager) Cancel(jobID string) error { return m.withTask(jobID, m.engine.Cancel) }
func (m *Manager) Retry(jobID string) error  { return m.withTask(jobID, m.engine.Retry) }

// Delete cancels and forgets a job, dropping the job id <-> task id mapping
// along with the engine's own record of the task.
func (m *Manager) Delete(jobID string) error {
	taskID, ok := m.taskFor(jobID)
	if !ok {
		return ErrUnknownJob
	}
	if err := m.engine.Delete(taskID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.jobs, jobID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) withTask(jobID string, fn func(string) error) error {
	taskID, ok := m.taskFor(jobID)
	if !ok {
		return ErrUnknownJob
	}
	return fn(taskID)
}

func (m *Manager) taskFor(jobID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	taskID, ok := m.jobs[jobID]
	return taskID, ok
}

// ErrUnknownJob is returned by any Manager method given a job id it never
// issued.
var ErrUnknownJob = fmt.Errorf("job: unknown job id")
