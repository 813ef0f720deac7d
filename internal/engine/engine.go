// Package engine turns a synthesis request into ordered audio. Text is
// split into chunks, cached chunks are served directly and the rest run on
// a shared worker pool; completions are reordered by chunk index before
// anything reaches the caller.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/cache"
	"github.com/loqalabs/loqa-tts/internal/chunker"
	"github.com/loqalabs/loqa-tts/internal/profiler"
	"github.com/loqalabs/loqa-tts/internal/quality"
)

// Renderer is the synthesis primitive. Implementations must be safe for
// concurrent use unless the engine is configured to serialize renders.
type Renderer interface {
	Render(ctx context.Context, text, voice string, speed float64) (audio.Samples, error)
}

// VoiceResolver is implemented by renderers that know their voices. The
// resolved name is what the cache is keyed on.
type VoiceResolver interface {
	ResolveVoice(voice string) (string, bool)
}

// Profiler operation and counter names.
const (
	OpRequest    = "engine.request"
	OpFirstChunk = "engine.first_chunk"
	OpRender     = "engine.render_chunk"

	CounterRequests     = "engine.requests"
	CounterFailed       = "engine.requests_failed"
	CounterCacheHits    = "engine.cache_hits"
	CounterCacheMisses  = "engine.cache_misses"
	CounterRendered     = "engine.chunks_rendered"
	CounterRenderErrors = "engine.render_errors"
)

const (
	DefaultWorkers    = 4
	DefaultChunkSize  = 100
	DefaultWarmUpRuns = 2
)

var warmUpTexts = []string{"Hello.", "Warming up the voice.", "Ready."}

// Request is one synthesis call. ChunkSize overrides the current quality
// settings when positive.
type Request struct {
	ID        string
	Text      string
	Voice     string
	Speed     float64
	ChunkSize int
}

// Options configures an Engine. Cache may be nil to disable caching.
type Options struct {
	Workers         int
	ChunkSize       int
	SerializeRender bool
	WarmUpRuns      int
	Cache           *cache.Cache
	Profiler        *profiler.Profiler
	Logger          *slog.Logger
}

// Engine owns its worker pool and cache. The renderer is borrowed.
type Engine struct {
	renderer Renderer
	cache    *cache.Cache
	prof     *profiler.Profiler
	log      *slog.Logger
	workers  int
	warmUps  int

	serialize bool
	renderMu  sync.Mutex

	mu       sync.RWMutex
	settings quality.Settings

	jobs      chan job
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type job struct {
	ctx     context.Context
	index   int
	text    string
	voice   string
	speed   float64
	results chan<- outcome
	release func()
}

// New starts the worker pool.
func New(r Renderer, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.WarmUpRuns <= 0 {
		opts.WarmUpRuns = DefaultWarmUpRuns
	}
	if opts.Profiler == nil {
		opts.Profiler = profiler.New(0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Engine{
		renderer:  r,
		cache:     opts.Cache,
		prof:      opts.Profiler,
		log:       opts.Logger.With(slog.String("component", "realtime-engine")),
		workers:   opts.Workers,
		warmUps:   opts.WarmUpRuns,
		serialize: opts.SerializeRender,
		settings:  quality.Settings{Level: quality.High, ChunkSize: opts.ChunkSize, Workers: opts.Workers},
		jobs:      make(chan job),
		closed:    make(chan struct{}),
	}
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Close stops accepting work and waits for in-flight renders to finish.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.closed) })
	e.wg.Wait()
}

// ApplySettings changes chunk size and per-request parallelism for requests
// started afterwards. Parallelism never exceeds the pool size.
func (e *Engine) ApplySettings(s quality.Settings) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.ChunkSize <= 0 {
		s.ChunkSize = e.settings.ChunkSize
	}
	s.Workers = min(max(s.Workers, 1), e.workers)
	if s != e.settings {
		e.log.Info("engine settings updated",
			slog.String("level", s.Level.String()),
			slog.Int("chunk_size", s.ChunkSize),
			slog.Int("workers", s.Workers))
	}
	e.settings = s
}

// Settings returns the parameters new requests will use.
func (e *Engine) Settings() quality.Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// Stats returns the profiler snapshot.
func (e *Engine) Stats() profiler.Stats { return e.prof.Stats() }

// Profiler exposes the profiler shared with collaborators.
func (e *Engine) Profiler() *profiler.Profiler { return e.prof }

// CacheStats reports false when caching is disabled.
func (e *Engine) CacheStats() (cache.Stats, bool) {
	if e.cache == nil {
		return cache.Stats{}, false
	}
	return e.cache.Stats(), true
}

// ClearCache drops every cached chunk.
func (e *Engine) ClearCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

// Generate renders the whole text and returns it in chunk order. The first
// chunk failure aborts the call.
func (e *Engine) Generate(ctx context.Context, req Request) (audio.Samples, error) {
	p, err := e.start(ctx, req)
	if err != nil {
		return nil, err
	}
	defer p.cancel()

	rb := newReorderBuffer(len(p.texts))
	parts := make([]audio.Samples, 0, len(p.texts))
	for !rb.done() {
		select {
		case o := <-p.results:
			if o.err != nil {
				e.prof.Increment(CounterFailed, 1)
				e.log.Warn("synthesis aborted",
					slog.String("request_id", p.req.ID),
					slog.Int("chunk", o.index),
					slogError(o.err))
				return nil, o.err
			}
			for _, r := range rb.add(o) {
				parts = append(parts, r.samples)
			}
		case <-p.ctx.Done():
			e.prof.Increment(CounterFailed, 1)
			return nil, p.ctx.Err()
		}
	}
	out := audio.Concat(parts...)
	e.prof.Record(OpRequest, time.Since(p.started))
	return out, nil
}

// WarmUp renders a few short phrases to absorb one-time initialisation in
// the renderer. The audio is discarded and nothing is cached.
func (e *Engine) WarmUp(ctx context.Context, voice string) error {
	voice, err := e.resolveVoice(voice)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := 0; i < e.warmUps; i++ {
		text := warmUpTexts[i%len(warmUpTexts)]
		g.Go(func() error {
			name := fmt.Sprintf("engine.warm_up.%d", i)
			e.prof.Start(name)
			defer e.prof.End(name)
			if _, err := e.renderOnce(ctx, text, voice, 1); err != nil {
				return &RenderError{Index: i, Err: err}
			}
			return nil
		})
	}
	start := time.Now()
	if err := g.Wait(); err != nil {
		return fmt.Errorf("warm up: %w", err)
	}
	e.log.Info("warm up complete", slog.Int("runs", e.warmUps), slog.Duration("elapsed", time.Since(start)))
	return nil
}

// pipeline is the dispatch state of one request.
type pipeline struct {
	ctx     context.Context
	cancel  context.CancelFunc
	req     Request
	texts   []string
	results chan outcome
	started time.Time
}

// start validates synchronously, then dispatches chunks in the background.
// results is buffered for every chunk so workers never block on a caller
// that went away.
func (e *Engine) start(ctx context.Context, req Request) (*pipeline, error) {
	select {
	case <-e.closed:
		return nil, ErrClosed
	default:
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}
	if req.Speed <= 0 || math.IsNaN(req.Speed) || math.IsInf(req.Speed, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpeed, req.Speed)
	}
	voice, err := e.resolveVoice(req.Voice)
	if err != nil {
		return nil, err
	}
	req.Voice = voice
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	settings := e.Settings()
	size := req.ChunkSize
	if size <= 0 {
		size = settings.ChunkSize
	}
	texts := chunker.Split(req.Text, size)

	ctx, cancel := context.WithCancel(ctx)
	p := &pipeline{
		ctx:     ctx,
		cancel:  cancel,
		req:     req,
		texts:   texts,
		results: make(chan outcome, len(texts)),
		started: time.Now(),
	}
	e.prof.Increment(CounterRequests, 1)
	e.log.Debug("synthesis started",
		slog.String("request_id", req.ID),
		slog.Int("chunks", len(texts)),
		slog.Int("workers", settings.Workers))
	go e.dispatch(p, settings.Workers)
	return p, nil
}

func (e *Engine) dispatch(p *pipeline, width int) {
	sem := make(chan struct{}, width)
	release := func() { <-sem }
	for i, text := range p.texts {
		if p.ctx.Err() != nil {
			return
		}
		if e.cache != nil {
			if s, ok := e.cache.Get(text, p.req.Voice, p.req.Speed); ok {
				e.prof.Increment(CounterCacheHits, 1)
				p.results <- outcome{index: i, text: text, samples: s, cached: true}
				continue
			}
			e.prof.Increment(CounterCacheMisses, 1)
		}

		select {
		case sem <- struct{}{}:
		case <-p.ctx.Done():
			return
		case <-e.closed:
			p.results <- outcome{index: i, text: text, err: ErrClosed}
			return
		}
		j := job{
			ctx:     p.ctx,
			index:   i,
			text:    text,
			voice:   p.req.Voice,
			speed:   p.req.Speed,
			results: p.results,
			release: release,
		}
		select {
		case e.jobs <- j:
		case <-p.ctx.Done():
			release()
			return
		case <-e.closed:
			release()
			p.results <- outcome{index: i, text: text, err: ErrClosed}
			return
		}
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case j := <-e.jobs:
			j.results <- e.render(j)
			j.release()
		case <-e.closed:
			return
		}
	}
}

// render runs one job. A cancelled request is observed before the render
// starts; a render already underway runs to completion.
func (e *Engine) render(j job) outcome {
	o := outcome{index: j.index, text: j.text}
	if err := j.ctx.Err(); err != nil {
		o.err = err
		return o
	}
	start := time.Now()
	samples, err := e.renderOnce(context.WithoutCancel(j.ctx), j.text, j.voice, j.speed)
	e.prof.Record(OpRender, time.Since(start))
	if err != nil {
		e.prof.Increment(CounterRenderErrors, 1)
		o.err = &RenderError{Index: j.index, Err: err}
		return o
	}
	if e.cache != nil {
		e.cache.Put(j.text, j.voice, j.speed, samples)
	}
	e.prof.Increment(CounterRendered, 1)
	o.samples = samples
	return o
}

func (e *Engine) renderOnce(ctx context.Context, text, voice string, speed float64) (audio.Samples, error) {
	if e.serialize {
		e.renderMu.Lock()
		defer e.renderMu.Unlock()
	}
	samples, err := e.renderer.Render(ctx, text, voice, speed)
	if err != nil {
		return nil, err
	}
	return audio.Normalize(samples), nil
}

func (e *Engine) resolveVoice(voice string) (string, error) {
	vr, ok := e.renderer.(VoiceResolver)
	if !ok {
		return voice, nil
	}
	resolved, ok := vr.ResolveVoice(voice)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidVoice, voice)
	}
	return resolved, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
