// Package playback hands synthesized audio to a consumer that plays or
// stores it. Hand-off is bounded: a producer waits at most a fixed time
// for room and then drops the chunk.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
)

const (
	DefaultQueueSize    = 10
	DefaultOfferTimeout = time.Second
)

// Queue is a bounded single-producer hand-off.
type Queue struct {
	ch        chan audio.Samples
	timeout   time.Duration
	dropped   atomic.Int64
	closeOnce sync.Once
	log       *slog.Logger
}

func NewQueue(size int, timeout time.Duration, log *slog.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultOfferTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{ch: make(chan audio.Samples, size), timeout: timeout, log: log}
}

// Offer enqueues a copy of s, waiting up to the offer timeout for room. It
// reports false when the chunk was dropped or ctx ended first.
func (q *Queue) Offer(ctx context.Context, s audio.Samples) bool {
	s = s.Clone()
	select {
	case q.ch <- s:
		return true
	default:
	}
	timer := time.NewTimer(q.timeout)
	defer timer.Stop()
	select {
	case q.ch <- s:
		return true
	case <-timer.C:
		n := q.dropped.Add(1)
		q.log.Warn("playback queue full, dropping chunk",
			slog.Int("samples", len(s)),
			slog.Int64("dropped", n))
		return false
	case <-ctx.Done():
		return false
	}
}

// C yields queued chunks until Close.
func (q *Queue) C() <-chan audio.Samples { return q.ch }

// Len is the number of chunks waiting.
func (q *Queue) Len() int { return len(q.ch) }

// Dropped counts chunks discarded on timeout.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Close ends the queue. Only the producer may call it, after its last Offer.
func (q *Queue) Close() { q.closeOnce.Do(func() { close(q.ch) }) }
