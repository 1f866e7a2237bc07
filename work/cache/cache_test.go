package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheSetGet(t *testing.T) {
	c := NewCache(time.Minute, 16)
	assert.True(t, c.Enabled())

	_, ok := c.Get("espn")
	assert.False(t, ok)

	c.Set("espn", "#EXTM3U\n")
	got, ok := c.Get("espn")
	assert.True(t, ok)
	assert.Equal(t, "#EXTM3U\n", got)

	c.Invalidate("espn")
	_, ok = c.Get("espn")
	assert.False(t, ok)

	c.Set("a", "1")
	c.Set("b", "2")
	c.Clear()
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestCacheDisabled(t *testing.T) {
	c := NewCache(0, 16)
	assert.False(t, c.Enabled())

	c.Set("espn", "x")
	_, ok := c.Get("espn")
	assert.False(t, ok)

	c.Invalidate("espn")
	c.Clear()
}
