package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueOrdering(t *testing.T) {
	q := NewTaskQueue()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	q.Push("later", PriorityNormal, base.Add(time.Hour))
	q.Push("sooner", PriorityNormal, base.Add(time.Minute))
	q.Push("urgent", PriorityImmediate, base.Add(30*time.Minute))

	// Immediate priority beats an earlier next-check.
	assert.Equal(t, "urgent", q.Pop().Code)
	assert.Equal(t, "sooner", q.Pop().Code)
	assert.Equal(t, "later", q.Pop().Code)
	assert.Nil(t, q.Pop())
}

func TestQueueDedupMerges(t *testing.T) {
	q := NewTaskQueue()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	q.Push("code", PriorityNormal, base.Add(time.Hour))
	q.Push("code", PriorityImmediate, base.Add(2*time.Hour))
	require.Equal(t, 1, q.Len())

	// Merge keeps the higher priority and the earlier time.
	head := q.Peek()
	assert.Equal(t, PriorityImmediate, head.Priority)
	assert.Equal(t, base.Add(time.Hour), head.NextCheck)
}

func TestQueueRescheduleReplaces(t *testing.T) {
	q := NewTaskQueue()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	q.Push("code", PriorityImmediate, base)
	q.Reschedule("code", PriorityNormal, base.Add(time.Hour))

	head := q.Peek()
	assert.Equal(t, PriorityNormal, head.Priority)
	assert.Equal(t, base.Add(time.Hour), head.NextCheck)
}

func TestQueueRemoveAndHas(t *testing.T) {
	q := NewTaskQueue()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	q.Push("a", PriorityNormal, base)
	q.Push("b", PriorityNormal, base.Add(time.Minute))
	require.True(t, q.Has("a"))

	q.Remove("a")
	assert.False(t, q.Has("a"))
	assert.Equal(t, 1, q.Len())
	q.Remove("absent") // no-op
	assert.Equal(t, "b", q.Pop().Code)
}

func TestPopDueBatching(t *testing.T) {
	q := NewTaskQueue()
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	q.Push("due1", PriorityNormal, now.Add(-time.Minute))
	q.Push("due2", PriorityNormal, now)
	q.Push("near1", PriorityNormal, now.Add(10*time.Second))
	q.Push("near2", PriorityNormal, now.Add(20*time.Second))
	q.Push("near3", PriorityNormal, now.Add(25*time.Second))
	q.Push("near4", PriorityNormal, now.Add(29*time.Second))
	q.Push("far", PriorityNormal, now.Add(5*time.Minute))

	batch := q.PopDue(now, 30*time.Second, 3)

	// All due tasks plus at most three look-ahead extras.
	codes := make([]string, len(batch))
	for i, task := range batch {
		codes[i] = task.Code
	}
	assert.Equal(t, []string{"due1", "due2", "near1", "near2", "near3"}, codes)
	assert.True(t, q.Has("near4"))
	assert.True(t, q.Has("far"))
}

func TestPopDueEmptyWhenNothingDue(t *testing.T) {
	q := NewTaskQueue()
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	q.Push("far", PriorityNormal, now.Add(5*time.Minute))

	assert.Empty(t, q.PopDue(now, 30*time.Second, 3))
	assert.Equal(t, 1, q.Len())
}
