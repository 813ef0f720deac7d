package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
)

// Chunk is one delivered piece of a streaming request.
type Chunk struct {
	Index   int
	Text    string
	Samples audio.Samples
	Cached  bool
}

// Summary describes a finished or abandoned stream.
type Summary struct {
	RequestID    string        `json:"request_id"`
	Chunks       int           `json:"chunks"`
	Delivered    int           `json:"delivered"`
	CacheHits    int           `json:"cache_hits"`
	Failed       int           `json:"failed"`
	AudioSeconds float64       `json:"audio_seconds"`
	FirstChunk   time.Duration `json:"first_chunk"`
	Elapsed      time.Duration `json:"elapsed"`
}

// RTF is audio duration over wall time.
func (s Summary) RTF() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return s.AudioSeconds / s.Elapsed.Seconds()
}

// Stream is a single-pass, ordered sequence of chunks. Failed chunks are
// logged and skipped. The channel closes when every chunk has been
// accounted for, the context ends, Close is called or the engine shuts down.
type Stream struct {
	id     string
	total  int
	chunks chan Chunk
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	summary Summary
	err     error
}

// GenerateStreaming validates the request synchronously and returns a
// stream delivering chunk audio as soon as all earlier chunks are out.
//
// The caller must either drain Chunks or call Close. A stream that is
// neither keeps its delivery goroutine blocked until ctx ends.
func (e *Engine) GenerateStreaming(ctx context.Context, req Request) (*Stream, error) {
	p, err := e.start(ctx, req)
	if err != nil {
		return nil, err
	}
	s := &Stream{
		id:      p.req.ID,
		total:   len(p.texts),
		chunks:  make(chan Chunk),
		cancel:  p.cancel,
		done:    make(chan struct{}),
		summary: Summary{RequestID: p.req.ID, Chunks: len(p.texts)},
	}
	go e.deliver(p, s)
	return s, nil
}

// ID is the request id, generated when the caller left it empty.
func (s *Stream) ID() string { return s.id }

// Total is the number of chunks the text was split into.
func (s *Stream) Total() int { return s.total }

// Chunks yields audio in chunk order.
func (s *Stream) Chunks() <-chan Chunk { return s.chunks }

// Close abandons the stream. Renders already running finish in the
// background and their results are discarded.
func (s *Stream) Close() { s.cancel() }

// Done is closed once delivery stops.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err is the reason delivery stopped early, or nil when every chunk was
// delivered or skipped.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Summary returns delivery counters so far.
func (s *Stream) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

func (e *Engine) deliver(p *pipeline, s *Stream) {
	defer close(s.done)
	defer close(s.chunks)
	defer p.cancel()

	rb := newReorderBuffer(len(p.texts))
	stop := func(err error) {
		s.mu.Lock()
		s.err = err
		s.summary.Elapsed = time.Since(p.started)
		s.mu.Unlock()
		e.log.Debug("stream stopped",
			slog.String("request_id", p.req.ID),
			slog.Int("delivered", s.Summary().Delivered),
			slog.Int("pending", rb.pending()),
			slogError(err))
	}

	for !rb.done() {
		var o outcome
		select {
		case o = <-p.results:
		case <-p.ctx.Done():
			stop(p.ctx.Err())
			return
		}
		if errors.Is(o.err, ErrClosed) || (o.err != nil && p.ctx.Err() != nil) {
			stop(o.err)
			return
		}
		for _, r := range rb.add(o) {
			if r.err != nil {
				e.log.Warn("skipping failed chunk",
					slog.String("request_id", p.req.ID),
					slog.Int("chunk", r.index),
					slogError(r.err))
				s.mu.Lock()
				s.summary.Failed++
				s.mu.Unlock()
				continue
			}
			select {
			case s.chunks <- Chunk{Index: r.index, Text: r.text, Samples: r.samples, Cached: r.cached}:
			case <-p.ctx.Done():
				stop(p.ctx.Err())
				return
			}
			s.mu.Lock()
			if s.summary.Delivered == 0 {
				s.summary.FirstChunk = time.Since(p.started)
				e.prof.Record(OpFirstChunk, s.summary.FirstChunk)
			}
			s.summary.Delivered++
			s.summary.AudioSeconds += r.samples.Duration().Seconds()
			if r.cached {
				s.summary.CacheHits++
			}
			s.mu.Unlock()
		}
	}

	elapsed := time.Since(p.started)
	s.mu.Lock()
	s.summary.Elapsed = elapsed
	failed := s.summary.Failed
	s.mu.Unlock()
	e.prof.Record(OpRequest, elapsed)
	if failed > 0 {
		e.prof.Increment(CounterFailed, 1)
	}
}
