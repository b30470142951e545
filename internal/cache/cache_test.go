package cache_test

import (
	"testing"
	"time"

	"github.com/automn-run/automn/internal/cache"
	"github.com/stretchr/testify/assert"
)

func TestSetGet(t *testing.T) {
	c := cache.New[string, int](cache.NoExpiry)
	c.Set("a", 1)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestExpiry(t *testing.T) {
	c := cache.New[string, string](10 * time.Millisecond)
	c.Set("k", "v")

	_, ok := c.Get("k")
	assert.True(t, ok)

	time.Sleep(25 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestNoExpiryEntriesPersist(t *testing.T) {
	c := cache.New[string, string](cache.NoExpiry)
	c.Set("k", "v")
	time.Sleep(5 * time.Millisecond)
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestClear(t *testing.T) {
	c := cache.New[string, int](cache.NoExpiry)
	c.Set("a", 1)
	c.Set("b", 2)
	assert.Equal(t, 2, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestDelete(t *testing.T) {
	c := cache.New[string, int](cache.NoExpiry)
	c.Set("a", 1)
	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
}
