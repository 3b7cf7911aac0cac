package orchestration

import "github.com/regression-io/stratum/contracts"

// taskQueue is the FIFO of tasks waiting for a free worker.
// Not safe for concurrent use; it is owned by the runner loop.
type taskQueue struct {
	items []contracts.StepTask
}

func newTaskQueue() *taskQueue {
	return &taskQueue{items: make([]contracts.StepTask, 0)}
}

// Push appends tasks in order.
func (q *taskQueue) Push(tasks ...contracts.StepTask) {
	q.items = append(q.items, tasks...)
}

// Pop removes and returns the oldest task.
// Returns false if the queue is empty.
func (q *taskQueue) Pop() (contracts.StepTask, bool) {
	if len(q.items) == 0 {
		return contracts.StepTask{}, false
	}
	task := q.items[0]
	q.items = q.items[1:]
	return task, true
}

// Len returns the number of queued tasks.
func (q *taskQueue) Len() int {
	return len(q.items)
}
