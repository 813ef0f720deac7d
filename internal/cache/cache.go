// Package cache keeps rendered audio keyed by (text, voice, speed) so that
// repeated chunks skip synthesis.
//
// All state sits behind one mutex. Values are copied on the way in and on
// the way out, so no caller ever holds a reference into the cache and the
// critical sections stay proportional to a memcpy.
package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-tts/internal/audio"
)

// ErrCorrupt marks an entry whose stored checksum no longer matches its
// samples. It is never returned to callers; the read becomes a miss.
var ErrCorrupt = errors.New("cache entry corrupt")

const (
	DefaultMaxEntries = 50
	DefaultTTL        = time.Hour
)

// Key identifies one rendered chunk.
type Key uint64

// MakeKey hashes the normalized text together with voice and speed.
// Whitespace runs collapse to one space so "a  b" and "a b" share audio.
func MakeKey(text, voice string, speed float64) Key {
	d := xxhash.New()
	_, _ = d.WriteString(strings.Join(strings.Fields(text), " "))
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(voice)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(strconv.FormatFloat(speed, 'g', -1, 64))
	return Key(d.Sum64())
}

type entry struct {
	samples    audio.Samples
	checksum   uint64
	insertedAt time.Time
	accessedAt time.Time
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Size        int   `json:"size"`
	MaxSize     int   `json:"max_size"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Corruptions int64 `json:"corruptions"`
}

// Options configures a Cache. Zero values fall back to the defaults.
type Options struct {
	MaxEntries int
	TTL        time.Duration
	Logger     *slog.Logger
}

// Cache is a bounded, TTL-checked store with insertion-order eviction.
// Reads do not refresh an entry's position; overwriting a key does.
type Cache struct {
	mu    sync.Mutex
	lru   *simplelru.LRU[Key, *entry]
	max   int
	ttl   time.Duration
	log   *slog.Logger
	clock func() time.Time

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
	corruptions int64
}

// New builds an empty cache.
func New(opts Options) *Cache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Cache{
		max:   opts.MaxEntries,
		ttl:   opts.TTL,
		log:   opts.Logger.With(slog.String("component", "audio-cache")),
		clock: time.Now,
	}
	lru, err := simplelru.NewLRU[Key, *entry](opts.MaxEntries, nil)
	if err != nil {
		// only reachable with a non-positive size, excluded above
		panic(err)
	}
	c.lru = lru
	c.initMetrics()
	return c
}

// Get returns a copy of the cached samples when present and younger than
// the TTL. Expired or corrupt entries are removed and reported as a miss.
func (c *Cache) Get(text, voice string, speed float64) (audio.Samples, bool) {
	key := MakeKey(text, voice, speed)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok {
		c.misses++
		return nil, false
	}
	now := c.clock()
	if now.Sub(e.insertedAt) > c.ttl {
		c.lru.Remove(key)
		c.expirations++
		c.misses++
		return nil, false
	}
	if checksum(e.samples) != e.checksum {
		c.lru.Remove(key)
		c.corruptions++
		c.misses++
		c.log.Warn("dropping cache entry", slog.String("error", ErrCorrupt.Error()), slog.Uint64("key", uint64(key)))
		return nil, false
	}
	e.accessedAt = now
	c.hits++
	return e.samples.Clone(), true
}

// Put stores a copy of samples, evicting the oldest insertion when full.
func (c *Cache) Put(text, voice string, speed float64, samples audio.Samples) {
	key := MakeKey(text, voice, speed)
	stored := samples.Clone()
	if stored == nil {
		stored = audio.Samples{}
	}
	sum := checksum(stored)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	// an overwrite counts as a fresh insertion, so drop the old slot first
	c.lru.Remove(key)
	if c.lru.Add(key, &entry{samples: stored, checksum: sum, insertedAt: now, accessedAt: now}) {
		c.evictions++
	}
}

// Clear drops every entry. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Len is the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:        c.lru.Len(),
		MaxSize:     c.max,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Corruptions: c.corruptions,
	}
}

func (c *Cache) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-tts/cache")
	size, err := meter.Int64ObservableGauge("loqa.tts.cache.entries", metric.WithDescription("Audio cache entries"))
	if err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		return
	}
	hits, err := meter.Int64ObservableCounter("loqa.tts.cache.hits", metric.WithDescription("Audio cache hits"))
	if err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		return
	}
	misses, err := meter.Int64ObservableCounter("loqa.tts.cache.misses", metric.WithDescription("Audio cache misses"))
	if err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		return
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		s := c.Stats()
		obs.ObserveInt64(size, int64(s.Size))
		obs.ObserveInt64(hits, s.Hits)
		obs.ObserveInt64(misses, s.Misses)
		return nil
	}, size, hits, misses)
	if err != nil {
		c.log.Warn("failed to register metrics callback", slog.String("error", err.Error()))
	}
}

func checksum(s audio.Samples) uint64 {
	d := xxhash.New()
	var b [4]byte
	for _, v := range s {
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
		_, _ = d.Write(b[:])
	}
	return d.Sum64()
}
