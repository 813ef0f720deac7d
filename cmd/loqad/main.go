package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/playback"
	"github.com/loqalabs/loqa-tts/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
		say         string
		out         string
		voice       string
		speed       float64
		stream      bool
		play        bool
	)

	flag.StringVar(&configPath, "config", "loqa.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.StringVar(&say, "say", "", "Synthesize this text to -out and exit")
	flag.StringVar(&out, "out", "speech.wav", "Output WAV path for -say")
	flag.StringVar(&voice, "voice", "", "Voice id or alias for -say (defaults to tts.voice)")
	flag.Float64Var(&speed, "speed", 1, "Speaking rate for -say")
	flag.BoolVar(&stream, "stream", false, "Write -say output incrementally while chunks render")
	flag.BoolVar(&play, "play", false, "Run -say through the bounded playback queue")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: runtime.ParseLevel(cfg.Telemetry.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if say != "" {
		if voice == "" {
			voice = cfg.TTS.Voice
		}
		req := engine.Request{Text: say, Voice: voice, Speed: speed}
		if err := synthesize(ctx, cfg, logger, req, out, stream, play); err != nil {
			logger.Error("synthesis failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	rt := runtime.New(cfg, logger)
	if err := rt.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func synthesize(ctx context.Context, cfg config.Config, logger *slog.Logger, req engine.Request, out string, stream, play bool) error {
	eng, err := runtime.NewEngine(cfg, nil, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	started := time.Now()
	switch {
	case stream:
		sum, err := playback.StreamToFile(ctx, eng, req, out)
		if err != nil {
			return err
		}
		logger.Info("stream written",
			slog.String("path", out),
			slog.Int("chunks", sum.Delivered),
			slog.Duration("first_chunk", sum.FirstChunk),
			slog.Float64("rtf", sum.RTF()))
		return nil
	case play:
		s, err := playback.Start(ctx, eng, req, playback.Options{
			QueueSize:    cfg.Playback.QueueSize,
			OfferTimeout: time.Duration(cfg.Playback.OfferTimeoutMS) * time.Millisecond,
			SavePath:     out,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		for chunk := range s.Chunks() {
			logger.Debug("playing chunk", slog.Duration("duration", chunk.Duration()))
		}
		if err := s.Wait(); err != nil {
			return err
		}
		logger.Info("playback finished", slog.Int("chunks", s.Summary().Delivered), slog.Int64("dropped", s.Dropped()))
		return nil
	default:
		samples, err := eng.Generate(ctx, req)
		if err != nil {
			return err
		}
		if err := audio.WriteFile(out, samples); err != nil {
			return err
		}
		elapsed := time.Since(started)
		logger.Info("audio written",
			slog.String("path", out),
			slog.Duration("audio", samples.Duration()),
			slog.Duration("elapsed", elapsed))
		return nil
	}
}
