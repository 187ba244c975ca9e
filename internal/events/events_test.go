package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flasharr/bridge/internal/task"
)

func drain(t *testing.T, ch <-chan Frame, timeout time.Duration) []Frame {
	t.Helper()
	var out []Frame
	deadline := time.After(timeout)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-deadline:
			return out
		}
	}
}

func TestPublishTask_FirstSightingIsFullAddFrame(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	sub := bus.Subscribe("s1")

	snap := task.Snapshot{ID: "t1", State: task.Queued, Priority: 1}
	bus.PublishTask(snap, true)

	frames := drain(t, sub.Frames, 300*time.Millisecond)
	require.Len(t, frames, 2)
	require.Equal(t, tagConnected, frames[0].T)
	require.Equal(t, tagTaskAdded, frames[1].T)

	var d taskDelta
	require.NoError(t, json.Unmarshal(frames[1].D, &d))
	require.NotNil(t, d.State)
	require.Equal(t, "QUEUED", *d.State)
}

func TestPublishTask_SecondSightingIsDeltaOnly(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	sub := bus.Subscribe("s1")

	bus.PublishTask(task.Snapshot{ID: "t1", State: task.Queued, Downloaded: 0, Total: 100}, true)
	drain(t, sub.Frames, 300*time.Millisecond)

	bus.PublishTask(task.Snapshot{ID: "t1", State: task.Downloading, Downloaded: 50, Total: 100}, false)
	frames := drain(t, sub.Frames, 300*time.Millisecond)
	require.Len(t, frames, 1)
	require.Equal(t, tagTaskUpdated, frames[0].T)

	var d taskDelta
	require.NoError(t, json.Unmarshal(frames[0].D, &d))
	require.NotNil(t, d.State)
	require.Equal(t, "DOWNLOADING", *d.State)
	require.NotNil(t, d.Downloaded)
	require.EqualValues(t, 50, *d.Downloaded)
	require.Nil(t, d.Total) // unchanged field must be omitted
}

func TestPublishTask_NoChangeProducesNoFrame(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	sub := bus.Subscribe("s1")

	snap := task.Snapshot{ID: "t1", State: task.Queued, Downloaded: 10}
	bus.PublishTask(snap, true)
	drain(t, sub.Frames, 300*time.Millisecond)

	bus.PublishTask(snap, false)
	frames := drain(t, sub.Frames, 200*time.Millisecond)
	require.Empty(t, frames)
}

func TestPublishRemoved_ClearsBaselineForReuse(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	sub := bus.Subscribe("s1")

	snap := task.Snapshot{ID: "t1", State: task.Finished}
	bus.PublishTask(snap, true)
	drain(t, sub.Frames, 300*time.Millisecond)

	bus.PublishRemoved("t1")
	frames := drain(t, sub.Frames, 300*time.Millisecond)
	require.Len(t, frames, 1)
	require.Equal(t, tagTaskRemoved, frames[0].T)
}

func TestSyncAll_SendsFullSnapshotAndResetsBaseline(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	sub := bus.Subscribe("s1")

	snaps := []task.Snapshot{{ID: "a", State: task.Queued}, {ID: "b", State: task.Downloading}}
	bus.SyncAll(sub, snaps)

	frames := drain(t, sub.Frames, 300*time.Millisecond)
	require.Len(t, frames, 2)
	require.Equal(t, tagConnected, frames[0].T)
	require.Equal(t, tagSyncAll, frames[1].T)
}

func TestUnsubscribe_ClosesFramesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	sub := bus.Subscribe("s1")
	bus.Unsubscribe("s1")

	frames := drain(t, sub.Frames, 300*time.Millisecond)
	require.Len(t, frames, 1)
	require.Equal(t, tagConnected, frames[0].T)

	_, ok := <-sub.Frames
	require.False(t, ok)
}

func TestPublishTask_MultipleUpdatesInOneWindowAreBatched(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	sub := bus.Subscribe("s1")
	drain(t, sub.Frames, 200*time.Millisecond) // consume the "connected" frame

	bus.PublishTask(task.Snapshot{ID: "a", State: task.Queued}, true)
	bus.PublishTask(task.Snapshot{ID: "b", State: task.Queued}, true)

	frames := drain(t, sub.Frames, 300*time.Millisecond)
	require.Len(t, frames, 1)
	require.Equal(t, tagBatch, frames[0].T)

	var entries []batchedFrame
	require.NoError(t, json.Unmarshal(frames[0].D, &entries))
	require.Len(t, entries, 2)
	require.Equal(t, tagTaskAdded, entries[0].T)
	require.Equal(t, tagTaskAdded, entries[1].T)
}

func TestSubscription_FiltersByCategory(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	sub := bus.Subscribe("s1")
	drain(t, sub.Frames, 200*time.Millisecond)

	sub.SetSubscription([]string{"movies"})
	drain(t, sub.Frames, 200*time.Millisecond) // consume the "subscribed" ack

	bus.PublishTask(task.Snapshot{ID: "a", Category: "tv", State: task.Queued}, true)
	bus.PublishTask(task.Snapshot{ID: "b", Category: "movies", State: task.Queued}, true)

	frames := drain(t, sub.Frames, 300*time.Millisecond)
	require.Len(t, frames, 1)
	require.Equal(t, tagTaskAdded, frames[0].T)

	var d taskDelta
	require.NoError(t, json.Unmarshal(frames[0].D, &d))
	require.Equal(t, "b", d.ID)
}

func TestPublishStats_SuppressesUnchangedRepeat(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	sub := bus.Subscribe("s1")
	drain(t, sub.Frames, 200*time.Millisecond)

	bus.PublishStats(struct{ Active int }{Active: 1})
	frames := drain(t, sub.Frames, 300*time.Millisecond)
	require.Len(t, frames, 1)
	require.Equal(t, tagEngineStats, frames[0].T)

	bus.PublishStats(struct{ Active int }{Active: 1})
	frames = drain(t, sub.Frames, 200*time.Millisecond)
	require.Empty(t, frames)

	bus.PublishStats(struct{ Active int }{Active: 2})
	frames = drain(t, sub.Frames, 300*time.Millisecond)
	require.Len(t, frames, 1)
}
