package engine

import (
	"context"
	"sync"
)

// runBatch resolves tasks with at most limit concurrent workers. Every
// task terminates: tasks never handed to a worker because the context
// ended fail with the context's error. Workers drain the feed so no
// task is dropped silently.
func (e *Engine) runBatch(ctx context.Context, tasks []*fetchTask) {
	if len(tasks) == 0 {
		return
	}

	limit := e.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	if limit > len(tasks) {
		limit = len(tasks)
	}

	feed := make(chan *fetchTask)

	var wg sync.WaitGroup
	wg.Add(limit)
	for i := 0; i < limit; i++ {
		go func() {
			defer wg.Done()
			for t := range feed {
				e.run(ctx, t)
			}
		}()
	}

	unfed := feedTasks(ctx, feed, tasks)
	close(feed)
	wg.Wait()

	for _, t := range unfed {
		t.state = TaskFailed
		t.err = ctx.Err()
	}
}

// feedTasks pushes tasks into feed until the context ends, returning the
// tasks that were never dispatched.
func feedTasks(ctx context.Context, feed chan<- *fetchTask, tasks []*fetchTask) []*fetchTask {
	for i, t := range tasks {
		select {
		case feed <- t:
		case <-ctx.Done():
			return tasks[i:]
		}
	}
	return nil
}
