package core

import (
	"context"
	"sync"
	"time"

	"github.com/flasharr/bridge/internal/task"
)

// Scheduler runs the engine's periodic housekeeping on a single ticker: it
// promotes WAITING tasks whose backoff has elapsed back onto the queue,
// rechecks TEMP_OFFLINE links, snapshots actively-transferring tasks to the
// durable mirror, and sweeps expired history.
type Scheduler struct {
	engine *Engine
	tick   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(e *Engine, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{engine: e, tick: tick}
}

// Start launches the ticker goroutine. Calling Start twice without an
// intervening Stop is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick1(ctx)
		}
	}
}

func (s *Scheduler) tick1(ctx context.Context) {
	e := s.engine
	e.mu.RLock()
	snapshot := make([]*task.Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		snapshot = append(snapshot, t)
	}
	e.mu.RUnlock()

	for _, t := range snapshot {
		switch t.State() {
		case task.Waiting:
			if t.NextAttemptDue() {
				if _, err := t.Transition(task.ActionWaitElapsed, ""); err == nil {
					e.persist(t)
					e.publishTask(t, false)
					e.queue.Push(t, t.Total())
				}
			}
		case task.TempOffline:
			if t.NextAttemptDue() {
				s.recheckOffline(ctx, t)
			}
		case task.Starting, task.Downloading, task.Extracting:
			e.persist(t)
		}
	}

	cutoff := time.Now().Add(-e.cfg.GetHistoryRetention())
	if n, err := e.store.PruneHistory(ctx, cutoff); err == nil && n > 0 {
		e.log.Debug("pruned history", "rows", n)
	}

	e.bus.PublishStats(e.GetStats())
}

func (s *Scheduler) recheckOffline(ctx context.Context, t *task.Task) {
	e := s.engine
	result := e.checker.ForceCheck(ctx, t.URL)
	if result.IsAvailable() {
		if _, err := t.Transition(task.ActionRecheckOK, ""); err == nil {
			e.persist(t)
			e.publishTask(t, false)
			e.queue.Push(t, t.Total())
		}
		return
	}
	t.SetNextAttempt(time.Now().Add(recheckInterval))
}

const recheckInterval = 2 * time.Minute
