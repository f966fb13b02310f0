package eventloop

import (
	"container/heap"
	"sync"
	"time"
)

// Task is a deferred unit of work: an owning closure, an optional
// cancellation Token, and a debug label surfaced through logging/metrics.
type Task struct {
	Fn    func()
	Token *Token
	Label string
}

// runnable reports whether the task should still execute: a nil or
// already-cancelled token causes it to be skipped.
func (t Task) runnable() bool {
	return t.Fn != nil && !t.Token.Cancelled()
}

const taskChunkSize = 128

// chunkPool recycles exhausted chunks across all Loops to avoid GC churn
// under sustained submission load.
var chunkPool = sync.Pool{
	New: func() any { return new(taskChunk) },
}

// taskChunk is a fixed-size node in a taskQueue's linked list, with
// independent read/write cursors so Pop never shifts remaining elements.
type taskChunk struct {
	tasks   [taskChunkSize]Task
	next    *taskChunk
	readPos int
	pos     int
}

func newTaskChunk() *taskChunk {
	c := chunkPool.Get().(*taskChunk)
	c.pos, c.readPos, c.next = 0, 0, nil
	return c
}

func releaseTaskChunk(c *taskChunk) {
	for i := 0; i < c.pos; i++ {
		c.tasks[i] = Task{}
	}
	c.pos, c.readPos, c.next = 0, 0, nil
	chunkPool.Put(c)
}

// taskQueue is a chunked linked-list FIFO of Task values.
//
// taskQueue is NOT safe for concurrent use; callers must hold whatever
// mutex guards the particular queue instance (Loop.externalMu or
// Loop.internalMu).
type taskQueue struct {
	head, tail *taskChunk
	length     int
}

// push appends a task to the queue.
func (q *taskQueue) push(t Task) {
	if q.tail == nil {
		q.tail = newTaskChunk()
		q.head = q.tail
	}
	if q.tail.pos == taskChunkSize {
		next := newTaskChunk()
		q.tail.next = next
		q.tail = next
	}
	q.tail.tasks[q.tail.pos] = t
	q.tail.pos++
	q.length++
}

// pop removes and returns the oldest task, or ok=false if the queue is
// empty.
func (q *taskQueue) pop() (t Task, ok bool) {
	if q.head == nil {
		return Task{}, false
	}
	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos, q.head.readPos = 0, 0
			return Task{}, false
		}
		old := q.head
		q.head = q.head.next
		releaseTaskChunk(old)
	}
	if q.head.readPos >= q.head.pos {
		return Task{}, false
	}
	t = q.head.tasks[q.head.readPos]
	q.head.tasks[q.head.readPos] = Task{}
	q.head.readPos++
	q.length--
	if q.head.readPos >= q.head.pos && q.head == q.tail {
		q.head.pos, q.head.readPos = 0, 0
	}
	return t, true
}

func (q *taskQueue) len() int { return q.length }

// delayedTask pairs a Task with its scheduled deadline and an insertion
// sequence used to break ties in favour of submission order.
type delayedTask struct {
	deadline time.Time
	seq      uint64
	task     Task
}

// delayHeap is a min-heap of delayedTask ordered by deadline, then by
// insertion order.
type delayHeap []delayedTask

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayHeap) Push(x any) { *h = append(*h, x.(delayedTask)) }

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

var _ = heap.Interface(&delayHeap{})
