// Package events is the engine's pub/sub layer: every subscriber gets a
// delta-compressed, batched, heartbeat-carrying stream of task updates.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/flasharr/bridge/internal/task"
)

// Wire tags. Every frame on the wire carries one of these two-character
// codes in its "t" field; the names below are how the engine refers to
// them internally.
const (
	tagTaskAdded      = "ta"
	tagTaskUpdated    = "tu"
	tagTaskRemoved    = "td"
	tagEngineStats    = "es"
	tagAccountStatus  = "ac"
	tagLogMessage     = "lm"
	tagHeartbeat      = "hb"
	tagConnected      = "cn"
	tagSubscribed     = "sb"
	tagSyncAll        = "sa"
	tagError          = "er"
	tagBatch          = "ba"
)

// Frame is one message on the wire.
type Frame struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d,omitempty"`
}

// taskDelta carries only the fields that changed since the last frame sent
// to a given subscriber, plus the identifying ID which is always present.
type taskDelta struct {
	ID         string  `json:"id"`
	JobID      *string `json:"job_id,omitempty"`
	URL        *string `json:"url,omitempty"`
	Filename   *string `json:"filename,omitempty"`
	Category   *string `json:"category,omitempty"`
	State      *string `json:"state,omitempty"`
	Priority   *int    `json:"priority,omitempty"`
	Downloaded *int64  `json:"downloaded,omitempty"`
	Total      *int64  `json:"total,omitempty"`
	Attempt    *int    `json:"attempt,omitempty"`
	LastError  *string `json:"last_error,omitempty"`
	Account    *string `json:"account,omitempty"`
}

const (
	batchFlushInterval = 100 * time.Millisecond
	batchSizeCap       = 64
	heartbeatInterval  = 30 * time.Second
	subscriberBuffer   = 256
)

// Subscriber is a handle returned by Bus.Subscribe. Frames is closed when
// the subscriber is removed or the bus is closed.
type Subscriber struct {
	id     string
	Frames <-chan Frame

	bus    *Bus
	frames chan Frame

	mu           sync.Mutex
	lastSent     map[string]task.Snapshot
	lastStats    string
	categories   map[string]bool // empty/nil means "everything"
	pending      []Frame
	done         bool
	doneCh       chan struct{}
}

// SetSubscription narrows this subscriber to only the given categories. An
// empty set means "everything" (the default). Emits a "subscribed" frame
// acknowledging the new filter.
func (s *Subscriber) SetSubscription(categories []string) {
	s.mu.Lock()
	if len(categories) == 0 {
		s.categories = nil
	} else {
		s.categories = make(map[string]bool, len(categories))
		for _, c := range categories {
			s.categories[c] = true
		}
	}
	s.mu.Unlock()

	payload, _ := json.Marshal(struct {
		Categories []string `json:"categories"`
	}{Categories: categories})
	s.enqueue(Frame{T: tagSubscribed, D: payload})
}

func (s *Subscriber) wants(category string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.categories) == 0 {
		return true
	}
	return s.categories[category]
}

// Bus fans task snapshots out to subscribers.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]*Subscriber
	closed      bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewBus() *Bus {
	b := &Bus{
		subscribers: make(map[string]*Subscriber),
		stop:        make(chan struct{}),
	}
	b.wg.Add(1)
	go b.heartbeatLoop()
	return b
}

// Subscribe registers a new subscriber and starts its batching flush loop.
func (b *Bus) Subscribe(id string) *Subscriber {
	ch := make(chan Frame, subscriberBuffer)
	sub := &Subscriber{
		id:       id,
		Frames:   ch,
		bus:      b,
		frames:   ch,
		lastSent: make(map[string]task.Snapshot),
		doneCh:   make(chan struct{}),
	}

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go sub.flushLoop()

	// "connected" is sent immediately, ahead of and independent from the
	// batch buffer, so a subscriber always sees it first regardless of what
	// else the bus publishes in the same flush window.
	payload, _ := json.Marshal(struct {
		ID string `json:"id"`
	}{ID: id})
	select {
	case ch <- Frame{T: tagConnected, D: payload}:
	default:
	}
	return sub
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Close shuts down every subscriber and stops the heartbeat loop.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.subscribers = make(map[string]*Subscriber)
	b.mu.Unlock()

	close(b.stop)
	for _, s := range subs {
		s.close()
	}
	b.wg.Wait()
}

// PublishTask enqueues a task_added or task_updated delta for every
// subscriber, computed against that subscriber's own last-sent snapshot.
func (b *Bus) PublishTask(snap task.Snapshot, isNew bool) {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !s.wants(snap.Category) {
			continue
		}
		s.enqueueTaskDelta(snap, isNew)
	}
}

// PublishRemoved enqueues a task_removed frame (never delta-compressed,
// since there is nothing left to diff against).
func (b *Bus) PublishRemoved(taskID string) {
	payload, _ := json.Marshal(struct {
		ID string `json:"id"`
	}{ID: taskID})

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subscribers {
		s.enqueue(Frame{T: tagTaskRemoved, D: payload})
		s.mu.Lock()
		delete(s.lastSent, taskID)
		s.mu.Unlock()
	}
}

// PublishStats enqueues an engine_stats frame, diffed per-subscriber against
// that subscriber's own previously sent stats payload (same discipline as
// task_updated -- an unchanged stats blob is suppressed entirely).
func (b *Bus) PublishStats(stats any) {
	payload, err := json.Marshal(stats)
	if err != nil {
		return
	}
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	encoded := string(payload)
	for _, s := range subs {
		s.mu.Lock()
		unchanged := s.lastStats == encoded
		s.lastStats = encoded
		s.mu.Unlock()
		if unchanged {
			continue
		}
		s.enqueue(Frame{T: tagEngineStats, D: payload})
	}
}

// PublishAccountStatus enqueues an account_status frame to every subscriber.
func (b *Bus) PublishAccountStatus(status any) {
	payload, err := json.Marshal(status)
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subscribers {
		s.enqueue(Frame{T: tagAccountStatus, D: payload})
	}
}

// PublishLog enqueues a log_message frame to every subscriber.
func (b *Bus) PublishLog(level, message string) {
	payload, _ := json.Marshal(struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	}{Level: level, Message: message})
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subscribers {
		s.enqueue(Frame{T: tagLogMessage, D: payload})
	}
}

// PublishError enqueues an error frame to a single subscriber, e.g. in
// response to a request that subscriber made that the engine rejected.
func (b *Bus) PublishError(sub *Subscriber, message string) {
	payload, _ := json.Marshal(struct {
		Message string `json:"message"`
	}{Message: message})
	sub.enqueue(Frame{T: tagError, D: payload})
}

// SyncAll sends a subscriber the full current state of every task and
// resets its delta baseline, used right after Subscribe so a late joiner
// doesn't need the history that led to the current state.
func (b *Bus) SyncAll(sub *Subscriber, snapshots []task.Snapshot) {
	payload, err := json.Marshal(snapshots)
	if err != nil {
		return
	}
	sub.mu.Lock()
	sub.lastSent = make(map[string]task.Snapshot, len(snapshots))
	for _, s := range snapshots {
		sub.lastSent[s.ID] = s
	}
	sub.mu.Unlock()
	sub.enqueue(Frame{T: tagSyncAll, D: payload})
}

func (b *Bus) heartbeatLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.mu.Lock()
			for _, s := range b.subscribers {
				s.enqueue(Frame{T: tagHeartbeat})
			}
			b.mu.Unlock()
		}
	}
}

func (s *Subscriber) enqueueTaskDelta(snap task.Snapshot, isNew bool) {
	s.mu.Lock()
	prev, hadPrev := s.lastSent[snap.ID]
	s.lastSent[snap.ID] = snap
	s.mu.Unlock()

	delta := taskDelta{ID: snap.ID}
	tag := tagTaskUpdated
	if isNew || !hadPrev {
		tag = tagTaskAdded
		delta.JobID = &snap.JobID
		delta.URL = &snap.URL
		delta.Filename = &snap.Filename
		delta.Category = &snap.Category
		state := string(snap.State)
		delta.State = &state
		delta.Priority = &snap.Priority
		delta.Downloaded = &snap.Downloaded
		delta.Total = &snap.Total
		delta.Attempt = &snap.Attempt
		delta.LastError = &snap.LastError
		delta.Account = &snap.Account
	} else {
		diffString(prev.Filename, snap.Filename, &delta.Filename)
		diffString(prev.Category, snap.Category, &delta.Category)
		if prev.State != snap.State {
			state := string(snap.State)
			delta.State = &state
		}
		if prev.Priority != snap.Priority {
			delta.Priority = &snap.Priority
		}
		if prev.Downloaded != snap.Downloaded {
			delta.Downloaded = &snap.Downloaded
		}
		if prev.Total != snap.Total {
			delta.Total = &snap.Total
		}
		if prev.Attempt != snap.Attempt {
			delta.Attempt = &snap.Attempt
		}
		diffString(prev.LastError, snap.LastError, &delta.LastError)
		diffString(prev.Account, snap.Account, &delta.Account)

		if !hasAnyDelta(delta) {
			return // nothing changed; skip the frame entirely
		}
	}

	payload, err := json.Marshal(delta)
	if err != nil {
		return
	}
	s.enqueue(Frame{T: tag, D: payload})
}

func diffString(prev, cur string, dst **string) {
	if prev != cur {
		*dst = &cur
	}
}

func hasAnyDelta(d taskDelta) bool {
	return d.JobID != nil || d.URL != nil || d.Filename != nil || d.Category != nil ||
		d.State != nil || d.Priority != nil || d.Downloaded != nil || d.Total != nil ||
		d.Attempt != nil || d.LastError != nil || d.Account != nil
}

func (s *Subscriber) enqueue(f Frame) {
	s.mu.Lock()
	s.pending = append(s.pending, f)
	full := len(s.pending) >= batchSizeCap
	s.mu.Unlock()
	if full {
		s.flush()
	}
}

// batchedFrame is the wire shape of one entry inside a "ba" batch payload.
type batchedFrame struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d,omitempty"`
}

// flush sends whatever accumulated since the last flush. A single pending
// frame goes out bare; two or more are coalesced into one "ba" (batch)
// frame, matching spec's "batch of size 1 is the bare message" rule.
func (s *Subscriber) flush() {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	var out Frame
	if len(batch) == 1 {
		out = batch[0]
	} else {
		entries := make([]batchedFrame, len(batch))
		for i, f := range batch {
			entries[i] = batchedFrame{T: f.T, D: f.D}
		}
		payload, err := json.Marshal(entries)
		if err != nil {
			return
		}
		out = Frame{T: tagBatch, D: payload}
	}

	select {
	case s.frames <- out:
	default:
		// Slow consumer: drop rather than block the publisher side.
	}
}

func (s *Subscriber) flushLoop() {
	defer s.bus.wg.Done()
	ticker := time.NewTicker(batchFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.bus.stop:
			s.flush()
			return
		case <-ticker.C:
			s.flush()
		case <-s.closedSignal():
			return
		}
	}
}

var closedSentinel = make(chan struct{})

func init() { close(closedSentinel) }

func (s *Subscriber) closedSignal() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return closedSentinel
	}
	return s.doneCh
}

func (s *Subscriber) close() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	close(s.doneCh)
	s.mu.Unlock()
	close(s.frames)
}
