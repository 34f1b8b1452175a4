package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, Key("gemini-1.5-flash", "hola"), Key("gemini-1.5-flash", "hola"))
	assert.NotEqual(t, Key("gemini-1.5-flash", "hola"), Key("gemini-1.5-pro", "hola"))
	assert.NotEqual(t, Key("ab", "c"), Key("a", "bc"), "parts are delimited")
	assert.Len(t, Key("x"), 64)
}

func TestCacheExpires(t *testing.T) {
	c := New(time.Minute)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Put("k", "gemini-1.5-flash", "La derivada es...")
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "La derivada es...", got.Response)
	assert.Equal(t, "gemini-1.5-flash", got.Model)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCacheWithoutTTL(t *testing.T) {
	c := New(0)
	c.Put("k", "m", "v")
	c.now = func() time.Time { return time.Now().Add(24 * time.Hour) }

	_, ok := c.Get("k")
	assert.True(t, ok)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}
