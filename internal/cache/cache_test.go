package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetInvalidate(t *testing.T) {
	c := MustNew("test", time.Minute, Options{})
	defer c.Close()

	c.Set("a", 42)
	v, ok := GetAs[int](c, "a")
	require.True(t, ok, "写入后应可读")
	assert.Equal(t, 42, v)

	_, ok = GetAs[string](c, "a")
	assert.False(t, ok, "类型不匹配应视为未命中")

	c.Invalidate("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestEntriesExpire(t *testing.T) {
	c := MustNew("test", 50*time.Millisecond, Options{})
	defer c.Close()

	c.Set("k", "v")
	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(120 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok, "过期后应未命中")
}

func TestClear(t *testing.T) {
	c := MustNew("test", time.Minute, Options{})
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)
	c.Clear()
	_, okA := c.Get("a")
	_, okB := c.Get("b")
	assert.False(t, okA)
	assert.False(t, okB)
}

func TestNewRejectsNonPositiveTTL(t *testing.T) {
	_, err := New("bad", 0, Options{})
	require.Error(t, err)
	assert.Equal(t, time.Minute, MustNew("ok", time.Minute, Options{}).TTL())
}

func TestHoldsConfiguredEntryCount(t *testing.T) {
	c := MustNew("test", time.Minute, Options{MaxItems: 2_000})
	defer c.Close()

	for i := 0; i < 1_000; i++ {
		c.Set(fmt.Sprintf("base-TOKEN%d", i), i)
	}
	for i := 0; i < 1_000; i++ {
		v, ok := GetAs[int](c, fmt.Sprintf("base-TOKEN%d", i))
		require.True(t, ok, "第 %d 个条目被提前淘汰", i)
		assert.Equal(t, i, v)
	}
}
