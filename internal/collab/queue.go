package collab

import "container/heap"

// taskQueue is a priority queue over pending and in-flight tasks, keyed
// by priority (higher first) with insertion order breaking ties. The
// queue orders introspection and status reporting; requests are still
// sent in call order, so ordering here does not reorder dispatch.
type taskQueue struct {
	items []*queueItem
	seq   uint64
}

type queueItem struct {
	task *Task
	seq  uint64
	idx  int
}

func newTaskQueue() *taskQueue {
	return &taskQueue{}
}

func (q *taskQueue) Len() int { return len(q.items) }

func (q *taskQueue) Less(i, j int) bool {
	if q.items[i].task.Priority != q.items[j].task.Priority {
		return q.items[i].task.Priority > q.items[j].task.Priority
	}
	return q.items[i].seq < q.items[j].seq
}

func (q *taskQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].idx = i
	q.items[j].idx = j
}

func (q *taskQueue) Push(x any) {
	item := x.(*queueItem)
	item.idx = len(q.items)
	q.items = append(q.items, item)
}

func (q *taskQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}

// add enqueues a task, stamping its tie-break sequence.
func (q *taskQueue) add(t *Task) {
	q.seq++
	heap.Push(q, &queueItem{task: t, seq: q.seq})
}

// remove drops the entry for the given task id, if present.
func (q *taskQueue) remove(taskID string) {
	for _, item := range q.items {
		if item.task.TaskID == taskID {
			heap.Remove(q, item.idx)
			return
		}
	}
}

// ordered returns task ids in queue order without disturbing the heap.
func (q *taskQueue) ordered() []string {
	tmp := &taskQueue{items: append([]*queueItem(nil), q.items...)}
	for i, item := range tmp.items {
		cp := *item
		cp.idx = i
		tmp.items[i] = &cp
	}
	out := make([]string, 0, tmp.Len())
	for tmp.Len() > 0 {
		item := heap.Pop(tmp).(*queueItem)
		out = append(out, item.task.TaskID)
	}
	return out
}

// priorityCounts tallies queued tasks per priority level.
func (q *taskQueue) priorityCounts() map[int]int {
	counts := make(map[int]int)
	for _, item := range q.items {
		counts[item.task.Priority]++
	}
	return counts
}
