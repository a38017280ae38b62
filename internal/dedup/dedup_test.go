package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()

	t.Run("unmarked ids are not seen", func(t *testing.T) {
		m := NewMemory(time.Minute)

		seen, err := m.Seen(ctx, "corr-1")

		assert.NoError(t, err)
		assert.False(t, seen)
	})

	t.Run("marked ids are seen", func(t *testing.T) {
		m := NewMemory(time.Minute)

		assert.NoError(t, m.Mark(ctx, "corr-1"))
		seen, err := m.Seen(ctx, "corr-1")

		assert.NoError(t, err)
		assert.True(t, seen)
	})

	t.Run("entries expire after the ttl", func(t *testing.T) {
		m := NewMemory(10 * time.Millisecond)

		assert.NoError(t, m.Mark(ctx, "corr-1"))
		time.Sleep(30 * time.Millisecond)

		seen, err := m.Seen(ctx, "corr-1")
		assert.NoError(t, err)
		assert.False(t, seen)
	})

	t.Run("marking prunes expired entries", func(t *testing.T) {
		m := NewMemory(10 * time.Millisecond)

		assert.NoError(t, m.Mark(ctx, "old-1"))
		assert.NoError(t, m.Mark(ctx, "old-2"))
		time.Sleep(30 * time.Millisecond)

		assert.NoError(t, m.Mark(ctx, "fresh"))
		assert.Equal(t, 1, m.Len())
	})
}
