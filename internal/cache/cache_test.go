package cache

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-tts/internal/audio"
)

func newTestCache(size int, ttl time.Duration) (*Cache, *time.Time) {
	c := New(Options{MaxEntries: size, TTL: ttl, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.clock = func() time.Time { return now }
	return c, &now
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	c, _ := newTestCache(4, time.Minute)
	src := audio.Samples{0.1, 0.2, 0.3}
	c.Put("hello", "v", 1, src)
	src[0] = 9

	got, ok := c.Get("hello", "v", 1)
	require.True(t, ok)
	assert.Equal(t, audio.Samples{0.1, 0.2, 0.3}, got)

	got[1] = 7
	again, ok := c.Get("hello", "v", 1)
	require.True(t, ok)
	assert.Equal(t, float32(0.2), again[1])
}

func TestKeyDistinguishesVoiceAndSpeed(t *testing.T) {
	c, _ := newTestCache(8, time.Minute)
	c.Put("hi", "a", 1, audio.Samples{1})
	_, ok := c.Get("hi", "b", 1)
	assert.False(t, ok)
	_, ok = c.Get("hi", "a", 1.5)
	assert.False(t, ok)
	_, ok = c.Get("  hi ", "a", 1)
	assert.True(t, ok, "whitespace is normalized in the key")
}

func TestExpiredEntryIsMissAndRemoved(t *testing.T) {
	c, now := newTestCache(4, time.Minute)
	c.Put("x", "v", 1, audio.Samples{1})

	*now = now.Add(time.Minute)
	_, ok := c.Get("x", "v", 1)
	require.True(t, ok, "age equal to ttl is still served")

	*now = now.Add(time.Second)
	_, ok = c.Get("x", "v", 1)
	require.False(t, ok)

	s := c.Stats()
	assert.Equal(t, 0, s.Size)
	assert.Equal(t, int64(1), s.Expirations)
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
}

func TestEvictsOldestInsertion(t *testing.T) {
	c, _ := newTestCache(3, time.Hour)
	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprint(i), "v", 1, audio.Samples{float32(i)})
	}
	// reads do not protect an entry from eviction
	_, ok := c.Get("0", "v", 1)
	require.True(t, ok)

	c.Put("3", "v", 1, audio.Samples{3})
	_, ok = c.Get("0", "v", 1)
	assert.False(t, ok)
	for _, k := range []string{"1", "2", "3"} {
		_, ok := c.Get(k, "v", 1)
		assert.True(t, ok, k)
	}
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestOverwriteCountsAsNewInsertion(t *testing.T) {
	c, _ := newTestCache(2, time.Hour)
	c.Put("a", "v", 1, audio.Samples{1})
	c.Put("b", "v", 1, audio.Samples{2})
	c.Put("a", "v", 1, audio.Samples{3})
	c.Put("c", "v", 1, audio.Samples{4})

	_, ok := c.Get("b", "v", 1)
	assert.False(t, ok)
	got, ok := c.Get("a", "v", 1)
	require.True(t, ok)
	assert.Equal(t, audio.Samples{3}, got)
	assert.Equal(t, 2, c.Len())
}

func TestSizeBoundProperty(t *testing.T) {
	c, _ := newTestCache(5, time.Hour)
	for i := 0; i < 40; i++ {
		c.Put(fmt.Sprint(i), "v", 1, audio.Samples{float32(i)})
		require.LessOrEqual(t, c.Len(), 5)
	}
	for i := 0; i < 35; i++ {
		_, ok := c.Get(fmt.Sprint(i), "v", 1)
		assert.False(t, ok, "entry %d should have been evicted", i)
	}
	for i := 35; i < 40; i++ {
		_, ok := c.Get(fmt.Sprint(i), "v", 1)
		assert.True(t, ok, "entry %d should be present", i)
	}
	assert.Equal(t, int64(35), c.Stats().Evictions)
}

func TestCorruptEntryTreatedAsMiss(t *testing.T) {
	c, _ := newTestCache(4, time.Hour)
	c.Put("x", "v", 1, audio.Samples{1, 2})

	e, ok := c.lru.Peek(MakeKey("x", "v", 1))
	require.True(t, ok)
	e.samples[0] = 42

	_, ok = c.Get("x", "v", 1)
	assert.False(t, ok)
	s := c.Stats()
	assert.Equal(t, int64(1), s.Corruptions)
	assert.Equal(t, 0, s.Size)
}

func TestClear(t *testing.T) {
	c, _ := newTestCache(4, time.Hour)
	c.Put("x", "v", 1, audio.Samples{1})
	c.Clear()
	assert.Equal(t, 0, c.Len())
	_, ok := c.Get("x", "v", 1)
	assert.False(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	c := New(Options{MaxEntries: 16, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprint(i % 24)
				if s, ok := c.Get(key, "v", 1); ok {
					if len(s) != 3 {
						t.Errorf("partial entry: %v", s)
					}
					continue
				}
				c.Put(key, "v", 1, audio.Samples{float32(w), 0, 0})
			}
		}(w)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 16)
}
