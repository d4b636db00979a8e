package attendance

// mutationQueue is FIFO by enqueue order. Tasks leave only through Ack.
type mutationQueue struct {
	tasks []MutationTask
	save  persistFunc
}

func newMutationQueue(tasks []MutationTask, save persistFunc) *mutationQueue {
	return &mutationQueue{tasks: tasks, save: save}
}

func (q *mutationQueue) Enqueue(tasks ...MutationTask) error {
	if len(tasks) == 0 {
		return nil
	}
	next := make([]MutationTask, 0, len(q.tasks)+len(tasks))
	next = append(next, q.tasks...)
	next = append(next, tasks...)
	return q.commit(next)
}

func (q *mutationQueue) Head() (MutationTask, bool) {
	if len(q.tasks) == 0 {
		return MutationTask{}, false
	}
	return q.tasks[0], true
}

// Ack removes the task with the given id wherever it sits. The queue may
// have grown while the task was in flight, so position is not trusted.
func (q *mutationQueue) Ack(id string) (bool, error) {
	idx := -1
	for i, task := range q.tasks {
		if task.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	next := make([]MutationTask, 0, len(q.tasks)-1)
	next = append(next, q.tasks[:idx]...)
	next = append(next, q.tasks[idx+1:]...)
	if err := q.commit(next); err != nil {
		return false, err
	}
	return true, nil
}

func (q *mutationQueue) Len() int {
	return len(q.tasks)
}

func (q *mutationQueue) Snapshot() []MutationTask {
	out := make([]MutationTask, len(q.tasks))
	copy(out, q.tasks)
	return out
}

func (q *mutationQueue) commit(next []MutationTask) error {
	if err := q.save(next); err != nil {
		return err
	}
	q.tasks = next
	return nil
}
