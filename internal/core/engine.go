// Package core assembles the engine facade -- worker pool, scheduler, and
// recovery -- around the standalone queue/task/fetch/events/balancer/store
// packages.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flasharr/bridge/internal/balancer"
	"github.com/flasharr/bridge/internal/events"
	"github.com/flasharr/bridge/internal/fetch"
	"github.com/flasharr/bridge/internal/precheck"
	"github.com/flasharr/bridge/internal/queue"
	"github.com/flasharr/bridge/internal/ratelimit"
	"github.com/flasharr/bridge/internal/store"
	"github.com/flasharr/bridge/internal/task"
)

// ErrTaskNotFound is returned by any engine operation given an unknown id.
var ErrTaskNotFound = errors.New("core: task not found")

// SubmitParams is everything Submit needs to create a task. JobID is set by
// the job facade when it is the caller; a direct engine caller leaves it
// empty.
type SubmitParams struct {
	JobID    string
	URL      string
	Filename string
	Category string
	Group    string
	DestDir  string
	Priority task.Priority
}

// Engine is the download-management facade: it owns every task's lifecycle
// from submission through completion, wiring the queue, worker pool,
// fetcher, balancer, pre-checker, rate limiter, durable mirror, and event
// bus together.
type Engine struct {
	cfg Config
	log *slog.Logger

	store    *store.Store
	bus      *events.Bus
	limiter  *ratelimit.Bucket
	checker  *precheck.Checker
	balancer *balancer.Balancer
	fetcher  *fetch.Fetcher
	queue    *queue.Queue
	pool     *WorkerPool
	sched    *Scheduler
	resolver LinkResolver

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu    sync.RWMutex
	tasks map[string]*task.Task
}

// New wires every component together but does not start the worker pool or
// scheduler -- call Start for that, once the caller is ready to run.
func New(cfg Config, log *slog.Logger, st *store.Store, resolver LinkResolver, accounts balancer.AccountSource) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if resolver == nil {
		resolver = PassthroughResolver{}
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:        cfg,
		log:        log,
		store:      st,
		bus:        events.NewBus(),
		limiter:    ratelimit.New(cfg.GlobalRateBytesPerSec),
		checker:    precheck.New(nil, cfg.GetPrecheckCacheTTL()),
		balancer:   balancer.New(accounts, cfg.GetMaxDownloadsPerAccount()),
		queue:      queue.New(),
		resolver:   resolver,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		tasks:      make(map[string]*task.Task),
	}
	e.fetcher = fetch.New(e.limiter, cfg.GetMaxSegmentsPerTask(), log)
	e.pool = NewWorkerPool(rootCtx, e.processOnce)
	e.sched = NewScheduler(e, cfg.GetSchedulerTick())
	return e
}

// Start recovers any durable mirror state and brings the worker pool and
// scheduler up.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.recover(ctx); err != nil {
		return fmt.Errorf("recovering tasks: %w", err)
	}
	e.pool.Resize(e.cfg.GetMaxConcurrent())
	e.sched.Start()
	e.log.Info("engine started", "max_concurrent", e.cfg.GetMaxConcurrent())
	return nil
}

// Stop tears down the scheduler, worker pool, event bus, and store, in that
// order, and cancels every in-flight fetch.
func (e *Engine) Stop() {
	e.sched.Stop()
	e.rootCancel()
	e.pool.Stop()
	e.queue.Close()
	e.bus.Close()
	if err := e.store.Close(); err != nil {
		e.log.Warn("closing store", "err", err)
	}
}

// Submit resolves the URL, creates a task in the QUEUED state, persists and
// enqueues it, and returns its id.
func (e *Engine) Submit(ctx context.Context, p SubmitParams) (string, error) {
	directURL, resolvedName, size, err := e.resolver.Resolve(ctx, p.URL)
	if err != nil {
		return "", fmt.Errorf("resolving link: %w", err)
	}

	filename := p.Filename
	if filename == "" {
		filename = resolvedName
	}

	id := uuid.NewString()
	t := task.New(id, p.JobID, directURL, int(p.Priority.Normalize()), e.cfg.GetMaxRetries())
	t.Filename = filename
	t.Category = p.Category
	t.Group = p.Group
	t.DestDir = p.DestDir
	if t.DestDir == "" {
		t.DestDir = e.cfg.DownloadDir
	}
	if size > 0 {
		t.SetTotal(size)
	}

	e.mu.Lock()
	e.tasks[id] = t
	e.mu.Unlock()

	e.persist(t)
	e.publishTask(t, true)
	e.queue.Push(t, size)
	return id, nil
}

// GetTask returns a snapshot of one task.
func (e *Engine) GetTask(id string) (task.Snapshot, error) {
	t := e.lookup(id)
	if t == nil {
		return task.Snapshot{}, ErrTaskNotFound
	}
	return t.Snapshot(), nil
}

// ListTasks returns a snapshot of every known task.
func (e *Engine) ListTasks() []task.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]task.Snapshot, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, t.Snapshot())
	}
	return out
}

// GetStats returns the engine's aggregate view: per-state counts, total
// bytes across active tasks, account status, and whether a rate cap is in
// effect.
func (e *Engine) GetStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var s Stats
	for _, t := range e.tasks {
		switch t.State() {
		case task.Starting, task.Downloading, task.Extracting:
			s.Active++
			s.TotalBytes += t.Downloaded()
		case task.Queued:
			s.Queued++
		case task.Waiting, task.TempOffline:
			s.Waiting++
		case task.Paused:
			s.Paused++
		case task.Finished:
			s.Finished++
		case task.Failed, task.Offline:
			s.Failed++
		}
	}
	s.Accounts = e.balancer.Snapshot()
	s.RateEnabled = e.limiter.Enabled()
	return s
}

// Pause moves a task to PAUSED, dequeuing it first if it was still waiting
// to be picked up.
func (e *Engine) Pause(id string) error {
	t := e.lookup(id)
	if t == nil {
		return ErrTaskNotFound
	}
	if t.State() == task.Queued {
		e.queue.Remove(id)
	}
	if _, err := t.Transition(task.ActionPause, ""); err != nil {
		return err
	}
	e.persist(t)
	e.publishTask(t, false)
	return nil
}

// Resume moves a PAUSED task back to QUEUED and re-enqueues it.
func (e *Engine) Resume(id string) error {
	t := e.lookup(id)
	if t == nil {
		return ErrTaskNotFound
	}
	if _, err := t.Transition(task.ActionResume, ""); err != nil {
		return err
	}
	e.persist(t)
	e.publishTask(t, false)
	e.queue.Push(t, t.Total())
	return nil
}

// Cancel moves a task to CANCELLED, dequeuing it first if needed.
func (e *Engine) Cancel(id string) error {
	t := e.lookup(id)
	if t == nil {
		return ErrTaskNotFound
	}
	if t.State() == task.Queued {
		e.queue.Remove(id)
	}
	if _, err := t.Transition(task.ActionCancel, ""); err != nil {
		return err
	}
	e.persist(t)
	e.publishTask(t, false)
	return nil
}

// Retry explicitly re-queues a FAILED or TEMP_OFFLINE task, resetting its
// attempt counter so it gets the full retry budget again.
func (e *Engine) Retry(id string) error {
	t := e.lookup(id)
	if t == nil {
		return ErrTaskNotFound
	}
	t.ResetAttempts()
	action := task.ActionRetry
	if t.State() == task.TempOffline {
		action = task.ActionRecheckOK
	}
	if _, err := t.Transition(action, ""); err != nil {
		return err
	}
	e.persist(t)
	e.publishTask(t, false)
	e.queue.Push(t, t.Total())
	return nil
}

// Delete removes a task entirely: dequeues it if queued, cancels it if
// in-flight, drops the durable row, and tells subscribers it is gone.
func (e *Engine) Delete(id string) error {
	t := e.lookup(id)
	if t == nil {
		return ErrTaskNotFound
	}
	e.queue.Remove(id)
	if !t.State().Terminal() {
		_, _ = t.Transition(task.ActionCancel, "")
	}

	e.mu.Lock()
	delete(e.tasks, id)
	e.mu.Unlock()

	if err := e.store.Delete(context.Background(), id); err != nil {
		e.log.Warn("deleting task row", "task", id, "err", err)
	}
	e.bus.PublishRemoved(id)
	return nil
}

// SetPriority updates a task's scheduling weight. It does not reorder the
// task within the queue if it is already enqueued -- the new priority only
// takes effect on the queue's next heap operation.
func (e *Engine) SetPriority(id string, p task.Priority) error {
	t := e.lookup(id)
	if t == nil {
		return ErrTaskNotFound
	}
	t.SetPriority(int(p.Normalize()))
	e.persist(t)
	e.publishTask(t, false)
	return nil
}

// SetGlobalRate reconfigures the shared token bucket; a value <= 0 disables
// the cap entirely.
func (e *Engine) SetGlobalRate(bytesPerSec int64) {
	e.limiter.SetRate(bytesPerSec)
	e.cfg.GlobalRateBytesPerSec = bytesPerSec
	e.bus.PublishStats(e.GetStats())
}

// SetMaxConcurrent resizes the worker pool.
func (e *Engine) SetMaxConcurrent(n int) {
	e.pool.Resize(n)
	e.cfg.MaxConcurrent = n
}

// Subscribe registers a new event-bus subscriber and immediately syncs it
// with every task's current snapshot.
func (e *Engine) Subscribe(id string) *events.Subscriber {
	sub := e.bus.Subscribe(id)
	e.bus.SyncAll(sub, e.ListTasks())
	return sub
}

// Unsubscribe removes a subscriber.
func (e *Engine) Unsubscribe(id string) { e.bus.Unsubscribe(id) }

func (e *Engine) lookup(id string) *task.Task {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tasks[id]
}

func (e *Engine) persist(t *task.Task) {
	snap := t.Snapshot()
	row := store.Row{
		ID:           snap.ID,
		JobID:        snap.JobID,
		URL:          snap.URL,
		Filename:     snap.Filename,
		Category:     snap.Category,
		Group:        t.Group,
		DestDir:      t.DestDir,
		State:        string(snap.State),
		Priority:     snap.Priority,
		Downloaded:   snap.Downloaded,
		Total:        snap.Total,
		Attempt:      snap.Attempt,
		LastError:    snap.LastError,
		AccountEmail: snap.Account,
		WaitUntil:    t.NextAttempt(),
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    snap.UpdatedAt,
	}
	if err := e.store.Upsert(context.Background(), row); err != nil {
		e.log.Warn("persisting task", "task", snap.ID, "err", err)
	}
	if snap.State.Terminal() {
		hist := store.HistoryEntry{
			ID:         uuid.NewString(),
			TaskID:     snap.ID,
			URL:        snap.URL,
			Filename:   snap.Filename,
			FinalState: string(snap.State),
			Total:      snap.Total,
			FinishedAt: snap.UpdatedAt,
		}
		if err := e.store.InsertHistory(context.Background(), hist); err != nil {
			e.log.Warn("recording history", "task", snap.ID, "err", err)
		}
		if err := e.store.Delete(context.Background(), snap.ID); err != nil {
			e.log.Warn("clearing active row", "task", snap.ID, "err", err)
		}
	}
}

func (e *Engine) publishTask(t *task.Task, isNew bool) {
	e.bus.PublishTask(t.Snapshot(), isNew)
}

// processOnce is the worker pool's unit of work: dequeue one task (blocking,
// context-aware so a shrinking pool's excess workers don't wait forever),
// run it through pre-check, account acquisition, and the fetcher, and drive
// its state machine from the outcome.
func (e *Engine) processOnce(ctx context.Context) {
	t := e.queue.PopContext(ctx)
	if t == nil {
		return
	}
	if t.State() != task.Queued {
		// Raced a concurrent pause/cancel/delete between enqueue and pop.
		return
	}
	if _, err := t.Transition(task.ActionDequeue, ""); err != nil {
		return
	}
	e.persist(t)
	e.publishTask(t, false)

	// Past the dequeue, the task's own work runs on the engine's root
	// context: cancelling this worker (a pool shrink) does not abort it.
	check := e.checker.Check(e.rootCtx, t.URL)
	if !check.IsAvailable() {
		e.handleLinkUnavailable(t, check)
		return
	}

	email, client, err := e.balancer.Acquire()
	if err != nil {
		e.deferTask(t, 5*time.Second, err.Error())
		return
	}
	t.SetAccount(email)

	taskCtx, cancel := context.WithCancel(e.rootCtx)
	t.SetCancel(cancel)
	if _, err := t.Transition(task.ActionBeginTransfer, ""); err != nil {
		cancel()
		e.balancer.Release(email, nil)
		return
	}
	e.persist(t)
	e.publishTask(t, false)

	destDir := t.DestDir
	if destDir == "" {
		destDir = e.cfg.DownloadDir
	}
	outcome := e.fetcher.Run(taskCtx, client, t, destDir)
	cancel()

	if st := t.State(); st == task.Paused || st == task.Cancelled {
		// A user action resolved this task while the fetch was in flight;
		// its own transition already ran, so the outcome is moot.
		e.balancer.Release(email, nil)
		return
	}

	e.applyOutcome(t, email, outcome)
}

func (e *Engine) handleLinkUnavailable(t *task.Task, check precheck.Result) {
	switch check.Status {
	case precheck.Offline, precheck.Invalid:
		t.Transition(task.ActionFail, check.ErrorMessage)
	default: // TempOffline, RateLimited, Unknown
		t.Transition(task.ActionLinkBad, check.ErrorMessage)
		t.SetNextAttempt(time.Now().Add(recheckInterval))
	}
	e.persist(t)
	e.publishTask(t, false)
}

func (e *Engine) deferTask(t *task.Task, after time.Duration, reason string) {
	t.SetNextAttempt(time.Now().Add(after))
	t.Transition(task.ActionNeedsWait, reason)
	e.persist(t)
	e.publishTask(t, false)
}

func (e *Engine) applyOutcome(t *task.Task, account string, outcome fetch.Outcome) {
	switch outcome.Kind {
	case fetch.Completed:
		e.balancer.Release(account, nil)
		if outcome.Filename != "" {
			t.SetFilename(outcome.Filename)
		}
		t.Transition(task.ActionTransferDone, "")
		t.Transition(task.ActionFinish, "")
		e.log.Info("download finished", "task", t.ID, "path", outcome.FinalPath)

	case fetch.NeedsWait:
		e.balancer.Release(account, nil)
		wait := outcome.WaitFor
		if wait <= 0 {
			wait = 30 * time.Second
		}
		t.SetNextAttempt(time.Now().Add(wait))
		msg := ""
		if outcome.Err != nil {
			msg = outcome.Err.Error()
		}
		t.Transition(task.ActionNeedsWait, msg)

	case fetch.Transient:
		e.balancer.Release(account, outcome.Err)
		msg := errString(outcome.Err)
		if t.MaxAttemptsReached() {
			t.Transition(task.ActionFail, msg)
		} else {
			t.Transition(task.ActionRetry, msg)
			e.queue.Push(t, t.Total())
		}

	case fetch.Permanent:
		e.balancer.Release(account, outcome.Err)
		t.Transition(task.ActionFail, errString(outcome.Err))
	}

	e.persist(t)
	e.publishTask(t, false)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
