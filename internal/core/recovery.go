package core

import (
	"context"
	"fmt"

	"github.com/flasharr/bridge/internal/task"
)

// recover replays the durable mirror at startup. QUEUED and PAUSED tasks
// come back exactly as they were left. Any task caught mid-transfer
// (STARTING/DOWNLOADING/EXTRACTING) when the process died is forced to
// PAUSED -- never silently resumed -- with whatever bytes it had already
// written left on disk for the user to resume explicitly.
func (e *Engine) recover(ctx context.Context) error {
	rows, err := e.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("loading durable mirror: %w", err)
	}

	for _, r := range rows {
		t := task.Restore(task.RestoreParams{
			ID:           r.ID,
			JobID:        r.JobID,
			URL:          r.URL,
			Filename:     r.Filename,
			Category:     r.Category,
			Group:        r.Group,
			DestDir:      r.DestDir,
			State:        task.State(r.State),
			Priority:     r.Priority,
			Downloaded:   r.Downloaded,
			Total:        r.Total,
			Attempt:      r.Attempt,
			MaxAttempts:  e.cfg.GetMaxRetries(),
			LastError:    r.LastError,
			AccountEmail: r.AccountEmail,
			WaitUntil:    r.WaitUntil,
			CreatedAt:    r.CreatedAt,
		})

		switch task.State(r.State) {
		case task.Starting, task.Downloading, task.Extracting:
			t.ForceState(task.Paused)
			e.log.Warn("recovered orphaned active task as paused", "task", t.ID, "was", r.State)
		case task.Queued, task.Paused, task.Waiting, task.Failed, task.TempOffline:
			// restored as-is
		default:
			// Finished/Cancelled/Skipped/Offline rows shouldn't normally be
			// in the active mirror (persist() clears them on Terminal), but
			// tolerate one left behind by a crash mid-write.
		}

		e.mu.Lock()
		e.tasks[t.ID] = t
		e.mu.Unlock()

		if t.State() == task.Queued {
			e.queue.Push(t, t.Total())
		}
		e.persist(t)
	}

	e.log.Info("recovery complete", "tasks", len(rows))
	return nil
}
