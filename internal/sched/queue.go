package sched

import "sort"

// taskQueue is a min-heap ordered by due time, then scheduling order.
type taskQueue []*entry

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].Due.Equal(q[j].Due) {
		return q[i].seq < q[j].seq
	}
	return q[i].Due.Before(q[j].Due)
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

func sortTasks(tasks []Task, byID map[TaskID]*entry) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := byID[tasks[i].ID], byID[tasks[j].ID]
		if a.Due.Equal(b.Due) {
			return a.seq < b.seq
		}
		return a.Due.Before(b.Due)
	})
}
