package core

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flasharr/bridge/internal/store"
	"github.com/flasharr/bridge/internal/task"
)

func newSchedulerTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "bridge.db"))
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.DownloadDir = dir
	e := New(cfg, slog.Default(), st, PassthroughResolver{}, NewStaticAccounts(nil))
	e.mu.Lock()
	e.tasks = make(map[string]*task.Task)
	e.mu.Unlock()
	return e
}

func TestScheduler_PromotesWaitingTaskWhenDue(t *testing.T) {
	e := newSchedulerTestEngine(t)
	defer e.store.Close()

	tsk := task.New("t1", "j1", "https://example.test/f.bin", 0, 3)
	tsk.Transition(task.ActionDequeue, "")
	tsk.Transition(task.ActionNeedsWait, "no account available")
	tsk.SetNextAttempt(time.Now().Add(-time.Second)) // already due

	e.mu.Lock()
	e.tasks[tsk.ID] = tsk
	e.mu.Unlock()

	sched := NewScheduler(e, time.Hour)
	sched.tick1(context.Background())

	require.Equal(t, task.Queued, tsk.State())
}

func TestScheduler_LeavesWaitingTaskAloneWhenNotDue(t *testing.T) {
	e := newSchedulerTestEngine(t)
	defer e.store.Close()

	tsk := task.New("t1", "j1", "https://example.test/f.bin", 0, 3)
	tsk.Transition(task.ActionDequeue, "")
	tsk.Transition(task.ActionNeedsWait, "no account available")
	tsk.SetNextAttempt(time.Now().Add(time.Hour))

	e.mu.Lock()
	e.tasks[tsk.ID] = tsk
	e.mu.Unlock()

	sched := NewScheduler(e, time.Hour)
	sched.tick1(context.Background())

	require.Equal(t, task.Waiting, tsk.State())
}
