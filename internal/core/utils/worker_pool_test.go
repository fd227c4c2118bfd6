package utils_test

import (
	"context"
	"diffuser-backend/internal/core/utils"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunInpool(t *testing.T) {
	worker := func(ctx context.Context, i int) (string, error) {
		if i%4 == 3 {
			time.Sleep(time.Duration(10-i) * time.Millisecond)
			return "", fmt.Errorf("error")
		}
		return fmt.Sprintf("%d-%d", i, i), nil
	}

	inputs := make([]int, 10)
	for i := range inputs {
		inputs[i] = i
	}

	output := make(chan utils.CompletedTask[string], 10)

	utils.RunInPool(context.Background(), worker, inputs, output, 5)

	success, errors := 0, 0
	for result := range output {
		if result.Error != nil {
			errors++
			assert.Equal(t, 3, result.Index%4)
		} else {
			success++
			assert.Equal(t, fmt.Sprintf("%d-%d", result.Index, result.Index), result.Result)
		}
	}

	assert.Equal(t, 8, success)
	assert.Equal(t, 2, errors)
}

func TestRunInPoolBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int64

	worker := func(ctx context.Context, i int) (int, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return i, nil
	}

	inputs := make([]int, 40)
	output := make(chan utils.CompletedTask[int], len(inputs))

	utils.RunInPool(context.Background(), worker, inputs, output, 3)

	count := 0
	for range output {
		count++
	}

	assert.Equal(t, 40, count)
	assert.LessOrEqual(t, peak.Load(), int64(3))
}

func TestRunInPoolStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var started atomic.Int64
	worker := func(ctx context.Context, i int) (int, error) {
		started.Add(1)
		if i == 0 {
			cancel()
			return 0, fmt.Errorf("failed")
		}
		<-ctx.Done()
		return 0, ctx.Err()
	}

	inputs := make([]int, 20)
	for i := range inputs {
		inputs[i] = i
	}
	output := make(chan utils.CompletedTask[int], len(inputs))

	utils.RunInPool(ctx, worker, inputs, output, 1)

	count := 0
	for range output {
		count++
	}

	assert.Equal(t, 1, count)
	assert.Equal(t, int64(1), started.Load())
}

func TestRunInPoolEmpty(t *testing.T) {
	output := make(chan utils.CompletedTask[int])
	utils.RunInPool(context.Background(), func(ctx context.Context, i int) (int, error) { return i, nil }, nil, output, 4)

	_, ok := <-output
	assert.False(t, ok)
}
