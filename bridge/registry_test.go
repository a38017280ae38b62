package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/relaymesh/qbridge/contracts"
)

func TestRegistryRegister(t *testing.T) {
	t.Run("Register creates pending entry", func(t *testing.T) {
		r := NewRegistry()

		p, err := r.Register("corr-1")

		assert.NoError(t, err)
		assert.Equal(t, "corr-1", p.CorrelationID())
		assert.Equal(t, 1, r.Len())
	})

	t.Run("Register rejects empty correlation id", func(t *testing.T) {
		r := NewRegistry()

		p, err := r.Register("")

		assert.Error(t, err)
		assert.Nil(t, p)
	})

	t.Run("Register rejects duplicate correlation id", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.Register("corr-1")
		assert.NoError(t, err)

		p, err := r.Register("corr-1")

		assert.ErrorIs(t, err, ErrDuplicateCorrelation)
		assert.Nil(t, p)
		assert.Equal(t, 1, r.Len())
	})
}

func TestRegistryResolve(t *testing.T) {
	t.Run("Resolve delivers response to waiter", func(t *testing.T) {
		r := NewRegistry()
		p, err := r.Register("corr-1")
		assert.NoError(t, err)

		go r.Resolve("corr-1", contracts.NewSuccessResponse("corr-1", json.RawMessage(`{"ok":true}`)))

		resp, err := r.Await(context.Background(), p, time.Second)

		assert.NoError(t, err)
		assert.True(t, resp.IsSuccess())
		assert.JSONEq(t, `{"ok":true}`, string(resp.Data))
		assert.Equal(t, 0, r.Len())
	})

	t.Run("Resolve drops response with no pending entry", func(t *testing.T) {
		r := NewRegistry()

		assert.NotPanics(t, func() {
			r.Resolve("unknown", contracts.NewSuccessResponse("unknown", nil))
		})
	})

	t.Run("duplicate Resolve is a no-op", func(t *testing.T) {
		r := NewRegistry()
		p, err := r.Register("corr-1")
		assert.NoError(t, err)

		r.Resolve("corr-1", contracts.NewSuccessResponse("corr-1", json.RawMessage(`1`)))
		r.Resolve("corr-1", contracts.NewSuccessResponse("corr-1", json.RawMessage(`2`)))

		resp, err := r.Await(context.Background(), p, time.Second)

		assert.NoError(t, err)
		assert.JSONEq(t, `1`, string(resp.Data))
	})

	t.Run("concurrent Resolve delivers exactly once", func(t *testing.T) {
		r := NewRegistry()
		id := uuid.New().String()
		p, err := r.Register(id)
		assert.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.Resolve(id, contracts.NewSuccessResponse(id, json.RawMessage(`{}`)))
			}()
		}

		resp, err := r.Await(context.Background(), p, time.Second)
		wg.Wait()

		assert.NoError(t, err)
		assert.True(t, resp.IsSuccess())
		assert.Equal(t, 0, r.Len())
	})
}

func TestRegistryAwait(t *testing.T) {
	t.Run("Await times out and evicts entry", func(t *testing.T) {
		r := NewRegistry()
		p, err := r.Register("corr-1")
		assert.NoError(t, err)

		resp, err := r.Await(context.Background(), p, 10*time.Millisecond)

		assert.ErrorIs(t, err, ErrTimeout)
		assert.Nil(t, resp)
		assert.Equal(t, 0, r.Len())
	})

	t.Run("response arriving after timeout is dropped", func(t *testing.T) {
		r := NewRegistry()
		p, err := r.Register("corr-1")
		assert.NoError(t, err)

		_, err = r.Await(context.Background(), p, 10*time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)

		// The entry is gone, so the late response has nowhere to land.
		r.Resolve("corr-1", contracts.NewSuccessResponse("corr-1", nil))
		assert.Equal(t, 0, r.Len())
	})

	t.Run("Await returns cancelled on context cancellation", func(t *testing.T) {
		r := NewRegistry()
		p, err := r.Register("corr-1")
		assert.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		resp, err := r.Await(ctx, p, time.Second)

		assert.ErrorIs(t, err, ErrCancelled)
		assert.Nil(t, resp)
		assert.Equal(t, 0, r.Len())
	})

	t.Run("resolution racing the timeout still wins", func(t *testing.T) {
		r := NewRegistry()
		p, err := r.Register("corr-1")
		assert.NoError(t, err)

		// Resolve before Await ever runs; the buffered resolution must
		// be delivered even though the timer fires immediately.
		r.Resolve("corr-1", contracts.NewSuccessResponse("corr-1", json.RawMessage(`{}`)))

		resp, err := r.Await(context.Background(), p, time.Nanosecond)

		assert.NoError(t, err)
		assert.True(t, resp.IsSuccess())
	})
}

func TestRegistryCancel(t *testing.T) {
	t.Run("Cancel delivers ErrCancelled to waiter", func(t *testing.T) {
		r := NewRegistry()
		p, err := r.Register("corr-1")
		assert.NoError(t, err)

		go r.Cancel("corr-1")

		resp, err := r.Await(context.Background(), p, time.Second)

		assert.ErrorIs(t, err, ErrCancelled)
		assert.Nil(t, resp)
		assert.Equal(t, 0, r.Len())
	})

	t.Run("Cancel on unknown id is a no-op", func(t *testing.T) {
		r := NewRegistry()

		assert.NotPanics(t, func() { r.Cancel("unknown") })
	})

	t.Run("Cancel after Resolve is a no-op", func(t *testing.T) {
		r := NewRegistry()
		p, err := r.Register("corr-1")
		assert.NoError(t, err)

		r.Resolve("corr-1", contracts.NewSuccessResponse("corr-1", json.RawMessage(`{}`)))
		r.Cancel("corr-1")

		resp, err := r.Await(context.Background(), p, time.Second)

		assert.NoError(t, err)
		assert.True(t, resp.IsSuccess())
	})
}
