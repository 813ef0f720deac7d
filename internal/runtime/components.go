package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/cache"
	"github.com/loqalabs/loqa-tts/internal/capability"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/monitor"
	"github.com/loqalabs/loqa-tts/internal/profiler"
	"github.com/loqalabs/loqa-tts/internal/quality"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

// NewRenderer picks the synthesis backend named by tts.mode.
func NewRenderer(cfg config.TTSConfig) (engine.Renderer, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", "mock":
		return tts.NewMockRenderer(), nil
	case "exec":
		r, err := tts.NewExecRenderer(cfg.Command)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

// NewEngine builds the realtime engine and its cache from config. The
// profiler may be nil.
func NewEngine(cfg config.Config, prof *profiler.Profiler, logger *slog.Logger) (*engine.Engine, error) {
	renderer, err := NewRenderer(cfg.TTS)
	if err != nil {
		return nil, err
	}
	if prof == nil {
		prof = profiler.New(cfg.Profiler.MaxSamples)
	}
	var c *cache.Cache
	if cfg.Cache.Enabled {
		c = cache.New(cache.Options{
			MaxEntries: cfg.Cache.MaxEntries,
			TTL:        time.Duration(cfg.Cache.TTLSeconds) * time.Second,
			Logger:     logger,
		})
	}
	return engine.New(renderer, engine.Options{
		Workers:         cfg.Engine.Workers,
		ChunkSize:       cfg.Engine.ChunkSize,
		SerializeRender: cfg.TTS.SerializeRender,
		WarmUpRuns:      cfg.Engine.WarmUpRuns,
		Cache:           c,
		Profiler:        prof,
		Logger:          logger,
	}), nil
}

func newQuality(cfg config.QualityConfig, logger *slog.Logger) *quality.Manager {
	if !cfg.Enabled {
		return nil
	}
	return quality.NewManager(quality.Options{
		TargetLatency:    time.Duration(cfg.TargetLatencyMS) * time.Millisecond,
		UpperMargin:      cfg.UpperMargin,
		LowerMargin:      cfg.LowerMargin,
		HistorySize:      cfg.HistorySize,
		DowngradeSamples: cfg.DowngradeSamples,
		UpgradeSamples:   cfg.UpgradeSamples,
		CPULimit:         cfg.CPULimit,
		Logger:           logger,
	})
}

func newMonitor(cfg config.MonitorConfig, logger *slog.Logger) *monitor.Monitor {
	if !cfg.Enabled {
		return nil
	}
	return monitor.NewDefault(monitor.Options{
		Interval:    time.Duration(cfg.IntervalMS) * time.Millisecond,
		HistorySize: cfg.HistorySize,
		StopTimeout: time.Duration(cfg.StopTimeoutMS) * time.Millisecond,
		Logger:      logger,
	})
}

// capabilities advertises the voices this node renders at its current
// quality tier.
func capabilities(cfg config.TTSConfig, qm *quality.Manager) capability.Provider {
	return func() []capability.Capability {
		tier := quality.High.String()
		if qm != nil {
			tier = qm.Level().String()
		}
		attrs := map[string]string{
			"mode":        strings.ToLower(cfg.Mode),
			"sample_rate": strconv.Itoa(audio.SampleRate),
			"encoding":    "wav",
		}
		caps := []capability.Capability{{Name: "tts", Tier: tier, Attributes: attrs}}
		for _, v := range tts.Voices() {
			caps = append(caps, capability.Capability{Name: "voice:" + v, Tier: tier})
		}
		return caps
	}
}

func cpuPressure(m *monitor.Monitor) quality.PressureFunc {
	return func() (float64, bool) {
		u, ok := m.Current()
		return u.CPUPercent, ok
	}
}

func warmUp(ctx context.Context, eng *engine.Engine, voice string, logger *slog.Logger) {
	started := time.Now()
	if err := eng.WarmUp(ctx, voice); err != nil {
		logger.Warn("engine warm-up failed", slog.String("error", err.Error()))
		return
	}
	logger.Info("engine warmed up", slog.Duration("elapsed", time.Since(started)))
}
