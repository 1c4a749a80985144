package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// Task is one scheduled check.
type Task struct {
	Code      string
	Priority  int // PriorityImmediate or PriorityNormal
	NextCheck time.Time
	index     int
}

const (
	PriorityNormal    = 0
	PriorityImmediate = 1
)

// taskHeap implements heap.Interface: higher priority first, earlier
// next-check first within a priority.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].NextCheck.Before(h[j].NextCheck)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil // avoid memory leak
	t.index = -1
	*h = old[0 : n-1]
	return t
}

// TaskQueue wraps the heap with a mutex and a per-code index so a code is
// queued at most once.
type TaskQueue struct {
	mu     sync.Mutex
	heap   taskHeap
	byCode map[string]*Task
}

func NewTaskQueue() *TaskQueue {
	return &TaskQueue{
		heap:   make(taskHeap, 0),
		byCode: make(map[string]*Task),
	}
}

// Push inserts or updates the task for code. An existing entry keeps the
// higher priority and the earlier next-check, so re-pushing an already queued
// code yields at most one execution in the next batch.
func (q *TaskQueue) Push(code string, priority int, nextCheck time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t, ok := q.byCode[code]; ok {
		if priority > t.Priority {
			t.Priority = priority
		}
		if nextCheck.Before(t.NextCheck) {
			t.NextCheck = nextCheck
		}
		heap.Fix(&q.heap, t.index)
		return
	}
	t := &Task{Code: code, Priority: priority, NextCheck: nextCheck}
	heap.Push(&q.heap, t)
	q.byCode[code] = t
}

// Reschedule replaces the task's timing outright, keeping its queue slot.
func (q *TaskQueue) Reschedule(code string, priority int, nextCheck time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t, ok := q.byCode[code]; ok {
		t.Priority = priority
		t.NextCheck = nextCheck
		heap.Fix(&q.heap, t.index)
		return
	}
	t := &Task{Code: code, Priority: priority, NextCheck: nextCheck}
	heap.Push(&q.heap, t)
	q.byCode[code] = t
}

// Pop removes and returns the most urgent task, or nil when empty.
func (q *TaskQueue) Pop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	t := heap.Pop(&q.heap).(*Task)
	delete(q.byCode, t.Code)
	return t
}

// Peek returns the most urgent task without removing it.
func (q *TaskQueue) Peek() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Remove drops the task for code if queued.
func (q *TaskQueue) Remove(code string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byCode[code]
	if !ok {
		return
	}
	heap.Remove(&q.heap, t.index)
	delete(q.byCode, code)
}

// Has reports whether code is queued.
func (q *TaskQueue) Has(code string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byCode[code]
	return ok
}

func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Codes returns the queued codes, most urgent first order not guaranteed.
func (q *TaskQueue) Codes() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.byCode))
	for c := range q.byCode {
		out = append(out, c)
	}
	return out
}

// CountByPriority returns the queue depth split by priority.
func (q *TaskQueue) CountByPriority() (normal, immediate int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.heap {
		if t.Priority >= PriorityImmediate {
			immediate++
		} else {
			normal++
		}
	}
	return normal, immediate
}

// PopDue collects the batch for one cycle: every task due at now, plus up to
// extraCap tasks due within the look-ahead window.
func (q *TaskQueue) PopDue(now time.Time, window time.Duration, extraCap int) []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []*Task
	for len(q.heap) > 0 && !q.heap[0].NextCheck.After(now) {
		t := heap.Pop(&q.heap).(*Task)
		delete(q.byCode, t.Code)
		batch = append(batch, t)
	}
	horizon := now.Add(window)
	for extra := 0; extra < extraCap && len(q.heap) > 0 && !q.heap[0].NextCheck.After(horizon); extra++ {
		t := heap.Pop(&q.heap).(*Task)
		delete(q.byCode, t.Code)
		batch = append(batch, t)
	}
	return batch
}
