package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSemaphore(t *testing.T) {
	s := NewSemaphore(1)
	require.True(t, s.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, s.Acquire(ctx))

	s.Release()
	s.Release() // extra release is ignored
	assert.Len(t, s.Chan(), 1)

	assert.Len(t, NewSemaphore(0).Chan(), 1)
}

func TestForEachBoundsConcurrency(t *testing.T) {
	var inFlight, peak int32
	items := []int{1, 2, 3, 4, 5, 6}
	var progress []Progress

	results := ForEach(context.Background(), 2, items, func(_ context.Context, n int) error {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		if n == 3 {
			return errors.New("three")
		}
		return nil
	}, func(p Progress) { progress = append(progress, p) })

	require.Len(t, results, len(items))
	for i, r := range results {
		assert.Equal(t, items[i], r.Item)
		if r.Item == 3 {
			assert.EqualError(t, r.Error, "three")
		} else {
			assert.NoError(t, r.Error)
		}
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	require.Len(t, progress, len(items))
	assert.Equal(t, Progress{Complete: 6, Total: 6}, progress[len(progress)-1])
	assert.InDelta(t, 100.0, progress[len(progress)-1].Percent(), 1e-9)
}

func TestForEachCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := ForEach(ctx, 1, []string{"a", "b"}, func(context.Context, string) error {
		return nil
	}, nil)
	for _, r := range results {
		// A cancelled context may still let the first permit through.
		if r.Error != nil {
			assert.ErrorIs(t, r.Error, context.Canceled)
		}
	}
}
