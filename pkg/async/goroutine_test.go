package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBatch(t *testing.T) {
	t.Run("runs every item", func(t *testing.T) {
		var count int32
		errs := Batch(context.Background(), []int{1, 2, 3, 4, 5}, 2, time.Second, func(ctx context.Context, n int) error {
			atomic.AddInt32(&count, int32(n))
			return nil
		})
		assert.Empty(t, errs)
		assert.Equal(t, int32(15), atomic.LoadInt32(&count))
	})

	t.Run("collects all errors", func(t *testing.T) {
		errs := Batch(context.Background(), []int{1, 2, 3}, 3, time.Second, func(ctx context.Context, n int) error {
			if n%2 == 1 {
				return errors.New("odd")
			}
			return nil
		})
		assert.Len(t, errs, 2)
	})

	t.Run("panic becomes error", func(t *testing.T) {
		errs := Batch(context.Background(), []string{"a"}, 1, time.Second, func(ctx context.Context, s string) error {
			panic("boom")
		})
		assert.Len(t, errs, 1)
	})

	t.Run("enforces per item timeout", func(t *testing.T) {
		errs := Batch(context.Background(), []int{1}, 1, 10*time.Millisecond, func(ctx context.Context, n int) error {
			<-ctx.Done()
			return ctx.Err()
		})
		assert.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], context.DeadlineExceeded)
	})
}
