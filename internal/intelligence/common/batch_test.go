package common

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBatchProcessor_Defaults(t *testing.T) {
	bp := NewBatchProcessor[string, string]()
	assert.NotNil(t, bp)
	assert.Equal(t, "closed", bp.BreakerState())
}

func TestProcess_AllSuccess(t *testing.T) {
	bp := NewBatchProcessor[string, string]()
	items := []string{"a", "b", "c"}
	fn := func(ctx context.Context, item string) (string, error) {
		return item + "_processed", nil
	}

	res, err := bp.Process(context.Background(), items, fn)
	require.NoError(t, err)
	assert.Equal(t, 3, res.SuccessCount)
	assert.Equal(t, 0, res.FailureCount)
	assert.Equal(t, "a_processed", res.Results[0].Result)
	assert.Equal(t, "c_processed", res.Results[2].Result)
}

func TestProcess_AllFailure(t *testing.T) {
	bp := NewBatchProcessor[string, string]()
	items := []string{"a", "b"}
	fn := func(ctx context.Context, item string) (string, error) {
		return "", errors.New("failed")
	}

	res, err := bp.Process(context.Background(), items, fn)
	require.NoError(t, err)
	assert.Equal(t, 0, res.SuccessCount)
	assert.Equal(t, 2, res.FailureCount)
	assert.Error(t, res.Results[0].Error)
}

func TestProcess_NilFn(t *testing.T) {
	bp := NewBatchProcessor[int, int]()
	_, err := bp.Process(context.Background(), []int{1}, nil)
	assert.Error(t, err)
}

func TestProcess_EmptyItems(t *testing.T) {
	bp := NewBatchProcessor[int, int]()
	res, err := bp.Process(context.Background(), nil, func(ctx context.Context, i int) (int, error) {
		return i, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.SuccessCount)
	assert.Equal(t, 0, res.FailureCount)
}

func TestProcess_ConcurrencyLimit(t *testing.T) {
	var concurrent, peak int32

	bp := NewBatchProcessor[int, int](WithMaxConcurrency(2))
	items := []int{1, 2, 3, 4, 5, 6}

	fn := func(ctx context.Context, item int) (int, error) {
		curr := atomic.AddInt32(&concurrent, 1)
		defer atomic.AddInt32(&concurrent, -1)

		for {
			old := atomic.LoadInt32(&peak)
			if curr <= old || atomic.CompareAndSwapInt32(&peak, old, curr) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return item, nil
	}

	res, err := bp.Process(context.Background(), items, fn)
	require.NoError(t, err)
	assert.Equal(t, 6, res.SuccessCount)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestProcess_Retry(t *testing.T) {
	var calls int32
	bp := NewBatchProcessor[string, string](WithRetry(3, time.Millisecond))

	fn := func(ctx context.Context, item string) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}

	res, err := bp.Process(context.Background(), []string{"a"}, fn)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, 3, res.Results[0].Attempts)
	assert.Equal(t, "ok", res.Results[0].Result)
}

func TestProcess_ItemTimeout(t *testing.T) {
	bp := NewBatchProcessor[string, string](WithItemTimeout(20 * time.Millisecond))

	fn := func(ctx context.Context, item string) (string, error) {
		select {
		case <-time.After(time.Second):
			return "late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	res, err := bp.Process(context.Background(), []string{"slow"}, fn)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailureCount)
	assert.ErrorIs(t, res.Results[0].Error, context.DeadlineExceeded)
}

func TestProcess_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bp := NewBatchProcessor[int, int](WithMaxConcurrency(1))

	fn := func(_ context.Context, item int) (int, error) {
		time.Sleep(50 * time.Millisecond)
		return item, nil
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	res, err := bp.Process(ctx, []int{1, 2, 3}, fn)
	require.NoError(t, err)
	assert.NoError(t, res.Results[0].Error)
	assert.ErrorIs(t, res.Results[1].Error, context.Canceled)
	assert.ErrorIs(t, res.Results[2].Error, context.Canceled)
}

func TestProcess_CircuitBreakerOpens(t *testing.T) {
	bp := NewBatchProcessor[int, int](
		WithMaxConcurrency(1),
		WithCircuitBreaker(3, time.Minute),
	)
	fn := func(ctx context.Context, item int) (int, error) {
		return 0, errors.New("backend down")
	}

	_, err := bp.Process(context.Background(), []int{1, 2, 3}, fn)
	require.NoError(t, err)
	assert.Equal(t, "open", bp.BreakerState())

	_, err = bp.Process(context.Background(), []int{4}, fn)
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
}

func TestProcess_CircuitBreakerRecovers(t *testing.T) {
	bp := NewBatchProcessor[int, int](
		WithMaxConcurrency(1),
		WithCircuitBreaker(1, 20*time.Millisecond),
	)

	failing := func(ctx context.Context, item int) (int, error) {
		return 0, errors.New("backend down")
	}
	_, err := bp.Process(context.Background(), []int{1}, failing)
	require.NoError(t, err)
	assert.Equal(t, "open", bp.BreakerState())

	time.Sleep(40 * time.Millisecond)

	healthy := func(ctx context.Context, item int) (int, error) {
		return item, nil
	}
	res, err := bp.Process(context.Background(), []int{2}, healthy)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, "closed", bp.BreakerState())
}

func TestProcessWithPriority(t *testing.T) {
	var mu sync.Mutex
	var order []int

	bp := NewBatchProcessor[int, int](WithMaxConcurrency(1))
	items := []PriorityItem[int]{
		{Item: 10, Priority: 1},
		{Item: 20, Priority: 5},
		{Item: 30, Priority: 3},
	}

	fn := func(ctx context.Context, item int) (int, error) {
		mu.Lock()
		order = append(order, item)
		mu.Unlock()
		return item * 2, nil
	}

	res, err := bp.ProcessWithPriority(context.Background(), items, fn)
	require.NoError(t, err)
	assert.Equal(t, []int{20, 30, 10}, order)

	// Results keep the input order regardless of dispatch order.
	assert.Equal(t, 10, res.Results[0].Item)
	assert.Equal(t, 20, res.Results[1].Result)
	assert.Equal(t, 60, res.Results[2].Result)
}

func TestProcess_ReportsMetrics(t *testing.T) {
	sink := NewInMemoryIntelligenceMetrics()
	bp := NewBatchProcessor[int, int](WithMetrics(sink))

	fn := func(ctx context.Context, item int) (int, error) {
		if item%2 == 0 {
			return 0, errors.New("even items fail")
		}
		return item, nil
	}

	_, err := bp.Process(context.Background(), []int{1, 2, 3, 4}, fn)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sink.Counter("batch.success"))
	assert.Equal(t, int64(2), sink.Counter("batch.failure"))
}
