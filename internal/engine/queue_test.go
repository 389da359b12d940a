package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dispatchTask(id string) Task {
	return Task{Type: TaskDispatch, Dispatch: &DispatchRequest{ExecutionID: id}}
}

func TestTaskQueue_FIFO(t *testing.T) {
	q := newTaskQueue()
	for _, id := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(dispatchTask(id)))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"A", "B", "C"} {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got.Dispatch.ExecutionID)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestTaskQueue_ClosedRejectsEnqueue(t *testing.T) {
	q := newTaskQueue()
	q.Close()
	q.Close()

	assert.False(t, q.Enqueue(dispatchTask("late")))

	select {
	case _, open := <-q.Wait():
		assert.False(t, open, "wait channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("closed queue should wake waiters")
	}
}

func TestTaskQueue_WaitSignals(t *testing.T) {
	q := newTaskQueue()

	done := make(chan Task)
	go func() {
		<-q.Wait()
		task, ok := q.TryDequeue()
		if ok {
			done <- task
		}
	}()

	q.Enqueue(Task{Type: TaskNotify, Notification: &Notification{ApprovalID: "ap-1"}})

	select {
	case task := <-done:
		assert.Equal(t, TaskNotify, task.Type)
		assert.Equal(t, "ap-1", task.Notification.ApprovalID)
	case <-time.After(time.Second):
		t.Fatal("waiter was not signalled")
	}
}

func TestTaskQueue_ConcurrentEnqueue(t *testing.T) {
	q := newTaskQueue()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(dispatchTask("x"))
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, q.Len())
}
