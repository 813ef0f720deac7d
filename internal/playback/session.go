package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/engine"
)

// Options configures a Session.
type Options struct {
	QueueSize    int
	OfferTimeout time.Duration
	// SavePath, when set, receives everything the session delivered as a
	// single WAV file once the session ends.
	SavePath string
	Logger   *slog.Logger
}

// Session streams one request into a playback queue.
type Session struct {
	stream *engine.Stream
	queue  *Queue
	opts   Options
	log    *slog.Logger
	done   chan struct{}

	mu        sync.Mutex
	delivered []audio.Samples
	err       error
}

// Start validates the request and begins producing into the queue.
func Start(ctx context.Context, eng *engine.Engine, req engine.Request, opts Options) (*Session, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	stream, err := eng.GenerateStreaming(ctx, req)
	if err != nil {
		return nil, err
	}
	log := opts.Logger.With(slog.String("component", "playback"), slog.String("request_id", stream.ID()))
	s := &Session{
		stream: stream,
		queue:  NewQueue(opts.QueueSize, opts.OfferTimeout, log),
		opts:   opts,
		log:    log,
		done:   make(chan struct{}),
	}
	go s.produce(ctx)
	return s, nil
}

// Chunks yields audio in order until the session ends.
func (s *Session) Chunks() <-chan audio.Samples { return s.queue.C() }

// Stop sets the stop flag. Delivery ends before the next chunk.
func (s *Session) Stop() { s.stream.Close() }

// Wait blocks until production ends and returns the first failure, if
// any. A stop requested through Stop is not a failure.
func (s *Session) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped counts chunks lost to a slow consumer.
func (s *Session) Dropped() int64 { return s.queue.Dropped() }

// Summary describes the underlying stream.
func (s *Session) Summary() engine.Summary { return s.stream.Summary() }

func (s *Session) produce(ctx context.Context) {
	defer close(s.done)
	defer s.queue.Close()

	for chunk := range s.stream.Chunks() {
		if !s.queue.Offer(ctx, chunk.Samples) {
			continue
		}
		if s.opts.SavePath != "" {
			s.mu.Lock()
			s.delivered = append(s.delivered, chunk.Samples)
			s.mu.Unlock()
		}
	}

	var err error
	if serr := s.stream.Err(); serr != nil && !errors.Is(serr, context.Canceled) {
		err = serr
	}
	if s.opts.SavePath != "" {
		s.mu.Lock()
		all := audio.Concat(s.delivered...)
		s.mu.Unlock()
		if werr := audio.WriteFile(s.opts.SavePath, all); werr != nil {
			err = errors.Join(err, werr)
		} else {
			s.log.Info("saved session audio", slog.String("path", s.opts.SavePath), slog.Duration("duration", all.Duration()))
		}
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// StreamToFile appends chunks to path as they arrive, then patches the
// header so the finished file declares its true length.
func StreamToFile(ctx context.Context, eng *engine.Engine, req engine.Request, path string) (sum engine.Summary, err error) {
	stream, err := eng.GenerateStreaming(ctx, req)
	if err != nil {
		return engine.Summary{}, err
	}
	defer stream.Close()

	f, err := os.Create(path)
	if err != nil {
		return engine.Summary{}, fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()

	var enc audio.StreamEncoder
	if _, err := f.Write(enc.Encode(nil)); err != nil {
		return stream.Summary(), fmt.Errorf("write header: %w", err)
	}
	for chunk := range stream.Chunks() {
		if _, err := f.Write(enc.Encode(chunk.Samples)); err != nil {
			return stream.Summary(), fmt.Errorf("write chunk %d: %w", chunk.Index, err)
		}
	}
	if err := stream.Err(); err != nil {
		return stream.Summary(), err
	}
	if _, err := f.WriteAt(audio.Header(enc.PayloadBytes()), 0); err != nil {
		return stream.Summary(), fmt.Errorf("patch header: %w", err)
	}
	return stream.Summary(), nil
}
