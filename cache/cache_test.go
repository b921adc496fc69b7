package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAndGet(t *testing.T) {
	c := New[string](Config{})
	c.Set("a", "alpha")

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "alpha", v)
	assert.Equal(t, 1, c.Len())

	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestEntriesExpire(t *testing.T) {
	c := New[int](Config{TTL: 20 * time.Millisecond})
	c.Set("k", 1)

	require.Eventually(t, func() bool {
		_, ok := c.Get("k")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestTombstones(t *testing.T) {
	c := New[int](Config{NegativeTTL: 20 * time.Millisecond})
	boom := errors.New("unreachable")
	c.MarkMissing("k", boom)

	err, ok := c.Missing("k")
	require.True(t, ok)
	assert.ErrorIs(t, err, boom)

	require.Eventually(t, func() bool {
		_, ok := c.Missing("k")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestSetClearsTombstone(t *testing.T) {
	c := New[int](Config{})
	c.MarkMissing("k", errors.New("down"))
	c.Set("k", 7)

	_, missing := c.Missing("k")
	assert.False(t, missing)
}

func TestInvalidate(t *testing.T) {
	c := New[int](Config{})
	c.Set("k", 1)
	c.MarkMissing("j", errors.New("down"))

	c.Invalidate("k")
	c.Invalidate("j")

	_, ok := c.Get("k")
	assert.False(t, ok)
	_, ok = c.Missing("j")
	assert.False(t, ok)
}

func TestPurge(t *testing.T) {
	c := New[int](Config{})
	c.Set("a", 1)
	c.Set("b", 2)
	c.Purge()
	assert.Equal(t, 0, c.Len())
}
