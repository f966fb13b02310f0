package eventloop

import (
	"container/heap"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTaskQueue_FIFOAcrossChunkBoundary(t *testing.T) {
	var q taskQueue
	const n = taskChunkSize*2 + 7
	for i := 0; i < n; i++ {
		i := i
		q.push(Task{Fn: func() {}, Label: string(rune('a' + i%26))})
	}
	require.Equal(t, n, q.len())

	for i := 0; i < n; i++ {
		task, ok := q.pop()
		require.True(t, ok)
		require.Equal(t, string(rune('a'+i%26)), task.Label)
	}
	_, ok := q.pop()
	require.False(t, ok)
	require.Zero(t, q.len())
}

func TestTaskQueue_EmptyPop(t *testing.T) {
	var q taskQueue
	_, ok := q.pop()
	require.False(t, ok)
}

func TestDelayHeap_OrdersByDeadlineThenSequence(t *testing.T) {
	base := time.Unix(0, 0)
	var h delayHeap
	heap.Push(&h, delayedTask{deadline: base.Add(10 * time.Millisecond), seq: 2, task: Task{Label: "b"}})
	heap.Push(&h, delayedTask{deadline: base.Add(10 * time.Millisecond), seq: 1, task: Task{Label: "a"}})
	heap.Push(&h, delayedTask{deadline: base.Add(5 * time.Millisecond), seq: 3, task: Task{Label: "c"}})

	var order []string
	for h.Len() > 0 {
		order = append(order, heap.Pop(&h).(delayedTask).task.Label)
	}
	require.Equal(t, []string{"c", "a", "b"}, order)
}

func TestTask_RunnableSkipsCancelledToken(t *testing.T) {
	tok := &Token{}
	tok.reset()
	require.False(t, Task{Fn: func() {}, Token: tok}.runnable())
	require.True(t, Task{Fn: func() {}}.runnable())
	require.False(t, Task{Token: tok}.runnable())
}
