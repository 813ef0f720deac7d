package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/quality"
)

var (
	ErrSpeedOutOfRange = fmt.Errorf("speed must be between %v and %v", MinSpeed, MaxSpeed)
	ErrRateLimited     = errors.New("too many synthesis requests")
)

// Service answers tts.request messages with framed audio on tts.audio and
// a summary on tts.done.
type Service struct {
	cfg     config.TTSConfig
	bus     *bus.Client
	engine  *engine.Engine
	quality *quality.Manager
	store   *eventstore.Store
	limiter *rate.Limiter
	tracer  trace.Tracer
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// NewService wires the engine to the bus. qm and store may be nil.
func NewService(parent context.Context, cfg config.TTSConfig, busClient *bus.Client, eng *engine.Engine, qm *quality.Manager, store *eventstore.Store, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		engine:  eng,
		quality: qm,
		store:   store,
		limiter: rate.NewLimiter(limit, max(cfg.Burst, 1)),
		tracer:  otel.Tracer("github.com/loqalabs/loqa-tts/tts"),
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTTSRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("tts service listening", slog.String("subject", protocol.SubjectTTSRequest))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if strings.TrimSpace(req.Voice) == "" {
		req.Voice = s.cfg.Voice
	}
	if req.Speed == 0 {
		req.Speed = 1
	}
	if req.Speed < MinSpeed || req.Speed > MaxSpeed {
		s.reject(req, ErrSpeedOutOfRange)
		return
	}
	if !s.limiter.Allow() {
		s.reject(req, ErrRateLimited)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.synthesize(req)
	}()
}

func (s *Service) synthesize(req protocol.TTSRequest) {
	ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.cfg.RequestTimeoutMS)*time.Millisecond)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.String("tts.request_id", req.RequestID),
		attribute.String("tts.voice", req.Voice),
		attribute.Bool("tts.stream", req.Stream),
		attribute.Int("tts.chars", utf8.RuneCountInString(req.Text)),
	))
	defer span.End()

	level := s.engine.Settings().Level
	status, summary, err := s.run(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("tts synthesis failed", slog.String("request_id", req.RequestID), slogError(err))
		status.Error = err.Error()
	}
	span.SetAttributes(attribute.Int("tts.chunks", summary.Chunks), attribute.Int("tts.cache_hits", summary.CacheHits))
	s.publishDone(status)
	s.observe(summary)
	s.record(ctx, req, status, summary, level)
}

// run streams the request and reports what reached the bus.
func (s *Service) run(ctx context.Context, req protocol.TTSRequest) (protocol.TTSStatus, engine.Summary, error) {
	status := protocol.TTSStatus{RequestID: req.RequestID, SessionID: req.SessionID, Target: req.Target}
	ereq := engine.Request{ID: req.RequestID, Text: req.Text, Voice: req.Voice, Speed: req.Speed}

	sequence := 0
	lastChunk := 0
	fr := newFramer(frameSamples(s.cfg.FrameDurationMS), func(pcm []byte, final bool) error {
		packet := protocol.AudioChunk{
			RequestID:  req.RequestID,
			SessionID:  req.SessionID,
			Target:     req.Target,
			Sequence:   sequence,
			Chunk:      lastChunk,
			SampleRate: audio.SampleRate,
			Channels:   1,
			Encoding:   protocol.EncodingWAV,
			PCM:        pcm,
			Final:      final,
		}
		sequence++
		return s.bus.PublishJSON(protocol.SubjectTTSAudio, packet)
	})

	if !req.Stream {
		started := time.Now()
		samples, err := s.engine.Generate(ctx, ereq)
		if err != nil {
			return status, engine.Summary{RequestID: req.RequestID}, err
		}
		sum := engine.Summary{RequestID: req.RequestID, Chunks: 1, Delivered: 1, AudioSeconds: samples.Duration().Seconds()}
		if err := fr.push(samples); err != nil {
			return status, sum, err
		}
		if err := fr.flush(); err != nil {
			return status, sum, err
		}
		sum.Elapsed = time.Since(started)
		status.Chunks = 1
		status.Completed = true
		return status, sum, nil
	}

	stream, err := s.engine.GenerateStreaming(ctx, ereq)
	if err != nil {
		return status, engine.Summary{RequestID: req.RequestID}, err
	}
	defer stream.Close()
	for chunk := range stream.Chunks() {
		lastChunk = chunk.Index
		if err := fr.push(chunk.Samples); err != nil {
			return status, stream.Summary(), err
		}
	}
	summary := stream.Summary()
	status.Chunks = summary.Delivered
	status.FailedChunks = summary.Failed
	status.CacheHits = summary.CacheHits
	if err := stream.Err(); err != nil {
		return status, summary, err
	}
	if err := fr.flush(); err != nil {
		return status, summary, err
	}
	status.Completed = true
	return status, summary, nil
}

func (s *Service) reject(req protocol.TTSRequest, err error) {
	s.logger.Warn("tts request rejected", slog.String("request_id", req.RequestID), slogError(err))
	s.publishDone(protocol.TTSStatus{
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		Target:    req.Target,
		Error:     err.Error(),
	})
}

func (s *Service) publishDone(status protocol.TTSStatus) {
	status.Timestamp = time.Now().UTC()
	if err := s.bus.PublishJSON(protocol.SubjectTTSDone, status); err != nil {
		s.logger.Warn("failed to publish tts status", slogError(err))
	}
}

// observe feeds per-chunk latency to the quality manager and applies any
// resulting level change to later requests.
func (s *Service) observe(sum engine.Summary) {
	if s.quality == nil || sum.Delivered == 0 || sum.Elapsed <= 0 {
		return
	}
	s.quality.RecordPerformance(sum.Elapsed / time.Duration(sum.Delivered))
	if s.quality.ShouldAdjust() {
		s.engine.ApplySettings(quality.SettingsFor(s.quality.Adjust()))
	}
}

func (s *Service) record(ctx context.Context, req protocol.TTSRequest, status protocol.TTSStatus, sum engine.Summary, level quality.Level) {
	if s.store == nil {
		return
	}
	rec := eventstore.Record{
		RequestID:      req.RequestID,
		SessionID:      req.SessionID,
		Voice:          req.Voice,
		Speed:          req.Speed,
		Chars:          utf8.RuneCountInString(req.Text),
		Chunks:         sum.Chunks,
		CacheHits:      sum.CacheHits,
		FailedChunks:   sum.Failed,
		AudioSeconds:   sum.AudioSeconds,
		ElapsedSeconds: sum.Elapsed.Seconds(),
		RTF:            sum.RTF(),
		Quality:        level.String(),
		Completed:      status.Completed,
		Error:          status.Error,
	}
	if err := s.store.Append(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("failed to record tts request", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
