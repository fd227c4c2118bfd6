package utils

import (
	"context"
	"sync"
)

type CompletedTask[T any] struct {
	Index  int
	Result T
	Error  error
}

// RunInPool runs worker over inputs with at most maxWorkers calls in flight and
// reports each call on completed, tagged with the index of its input. Results
// arrive in completion order. Once ctx is done no further inputs are started;
// calls already running are still reported. completed is closed after the last
// running call returns.
func RunInPool[In any, Out any](ctx context.Context, worker func(context.Context, In) (Out, error), inputs []In, completed chan<- CompletedTask[Out], maxWorkers int) {
	queue := make(chan int, len(inputs))
	for i := range inputs {
		queue <- i
	}
	close(queue)

	workers := max(1, min(len(inputs), maxWorkers))

	go func() {
		wg := sync.WaitGroup{}
		wg.Add(workers)

		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()

				for {
					if ctx.Err() != nil {
						return
					}

					next, ok := <-queue
					if !ok {
						return
					}

					res, err := worker(ctx, inputs[next])
					if err != nil {
						completed <- CompletedTask[Out]{Index: next, Error: err}
					} else {
						completed <- CompletedTask[Out]{Index: next, Result: res}
					}
				}
			}()
		}

		wg.Wait()

		close(completed)
	}()
}
