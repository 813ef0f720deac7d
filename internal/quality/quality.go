// Package quality implements the closed-loop controller that trades
// synthesis quality for latency. It only observes durations handed to it
// and recommends parameters for requests that have not started yet.
package quality

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Level is an ordered quality setting. Higher is better quality.
type Level int

const (
	Low Level = iota
	Medium
	High
)

func (l Level) String() string {
	switch l {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return "unknown"
	}
}

// MarshalText lets levels appear by name in JSON snapshots.
func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "low":
		*l = Low
	case "medium":
		*l = Medium
	case "high":
		*l = High
	default:
		return fmt.Errorf("unknown quality level %q", b)
	}
	return nil
}

// Settings are the pipeline parameters derived from a level.
type Settings struct {
	Level     Level `json:"level"`
	ChunkSize int   `json:"chunk_size"`
	Workers   int   `json:"workers"`
}

var settingsByLevel = map[Level]Settings{
	High:   {Level: High, ChunkSize: 100, Workers: 4},
	Medium: {Level: Medium, ChunkSize: 150, Workers: 3},
	Low:    {Level: Low, ChunkSize: 200, Workers: 2},
}

// SettingsFor maps a level to concrete parameters.
func SettingsFor(l Level) Settings {
	if s, ok := settingsByLevel[l]; ok {
		return s
	}
	return settingsByLevel[Medium]
}

const (
	DefaultTargetLatency    = 500 * time.Millisecond
	DefaultUpperMargin      = 0.2
	DefaultLowerMargin      = 0.3
	DefaultHistorySize      = 20
	DefaultDowngradeSamples = 3
	DefaultUpgradeSamples   = 8
)

// Options configures a Manager. UpperMargin and LowerMargin form the
// hysteresis band around TargetLatency. A CPULimit above zero, together
// with a pressure source, lets host load force a downgrade.
type Options struct {
	TargetLatency    time.Duration
	UpperMargin      float64
	LowerMargin      float64
	HistorySize      int
	DowngradeSamples int
	UpgradeSamples   int
	CPULimit         float64
	Logger           *slog.Logger
}

// Summary is a point-in-time view of the controller.
type Summary struct {
	Level         Level    `json:"level"`
	Settings      Settings `json:"settings"`
	TargetSeconds float64  `json:"target_seconds"`
	MeanSeconds   float64  `json:"mean_seconds"`
	Samples       int      `json:"samples"`
	Adjustments   int      `json:"adjustments"`
}

// PressureFunc reports current host CPU utilisation in percent.
type PressureFunc func() (float64, bool)

// Manager is safe for concurrent use.
type Manager struct {
	opts Options
	log  *slog.Logger

	mu          sync.Mutex
	level       Level
	history     []time.Duration
	adjustments int
	pressure    PressureFunc
}

// NewManager starts at High.
func NewManager(opts Options) *Manager {
	if opts.TargetLatency <= 0 {
		opts.TargetLatency = DefaultTargetLatency
	}
	if opts.UpperMargin <= 0 {
		opts.UpperMargin = DefaultUpperMargin
	}
	if opts.LowerMargin <= 0 || opts.LowerMargin >= 1 {
		opts.LowerMargin = DefaultLowerMargin
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.DowngradeSamples <= 0 {
		opts.DowngradeSamples = DefaultDowngradeSamples
	}
	if opts.UpgradeSamples <= 0 {
		opts.UpgradeSamples = DefaultUpgradeSamples
	}
	opts.DowngradeSamples = min(opts.DowngradeSamples, opts.HistorySize)
	opts.UpgradeSamples = min(opts.UpgradeSamples, opts.HistorySize)
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Manager{
		opts:  opts,
		log:   opts.Logger.With(slog.String("component", "quality-manager")),
		level: High,
	}
	m.initMetrics()
	return m
}

// SetPressure installs a host load source. Nil removes it.
func (m *Manager) SetPressure(fn PressureFunc) {
	m.mu.Lock()
	m.pressure = fn
	m.mu.Unlock()
}

// RecordPerformance appends one latency observation.
func (m *Manager) RecordPerformance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) >= m.opts.HistorySize {
		n := copy(m.history, m.history[len(m.history)-m.opts.HistorySize+1:])
		m.history = m.history[:n]
	}
	m.history = append(m.history, d)
}

// ShouldAdjust reports whether Adjust would change the level now.
func (m *Manager) ShouldAdjust() bool {
	pressure := m.pressureSource()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextLocked(pressure) != m.level
}

// Adjust moves at most one level and returns the resulting level. The
// latency history restarts after every transition so the new level is
// judged on its own samples.
func (m *Manager) Adjust() Level {
	pressure := m.pressureSource()
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.nextLocked(pressure)
	if next == m.level {
		return m.level
	}
	m.log.Info("quality level changed",
		slog.String("from", m.level.String()),
		slog.String("to", next.String()),
		slog.Duration("mean_latency", mean(m.history)))
	m.level = next
	m.history = m.history[:0]
	m.adjustments++
	return next
}

// Level returns the current level.
func (m *Manager) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Settings returns the parameters for the current level.
func (m *Manager) Settings() Settings {
	return SettingsFor(m.Level())
}

// Summary returns the controller state.
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Summary{
		Level:         m.level,
		Settings:      SettingsFor(m.level),
		TargetSeconds: m.opts.TargetLatency.Seconds(),
		MeanSeconds:   mean(m.history).Seconds(),
		Samples:       len(m.history),
		Adjustments:   m.adjustments,
	}
}

// pressureSource reads the load outside the lock; the source may block.
func (m *Manager) pressureSource() bool {
	m.mu.Lock()
	fn := m.pressure
	m.mu.Unlock()
	if fn == nil || m.opts.CPULimit <= 0 {
		return false
	}
	cpu, ok := fn()
	return ok && cpu > m.opts.CPULimit
}

func (m *Manager) nextLocked(overloaded bool) Level {
	n := len(m.history)
	avg := mean(m.history)
	target := float64(m.opts.TargetLatency)
	switch {
	case n >= m.opts.DowngradeSamples && (float64(avg) > target*(1+m.opts.UpperMargin) || overloaded):
		if m.level > Low {
			return m.level - 1
		}
	case n >= m.opts.UpgradeSamples && float64(avg) < target*(1-m.opts.LowerMargin):
		if m.level < High {
			return m.level + 1
		}
	}
	return m.level
}

func (m *Manager) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-tts/quality")
	level, err := meter.Int64ObservableGauge("loqa.tts.quality.level",
		metric.WithDescription("Current synthesis quality level (0 low, 2 high)"))
	if err != nil {
		m.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		return
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(level, int64(m.Level()))
		return nil
	}, level)
	if err != nil {
		m.log.Warn("failed to register metrics callback", slog.String("error", err.Error()))
	}
}

func mean(h []time.Duration) time.Duration {
	if len(h) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range h {
		sum += d
	}
	return sum / time.Duration(len(h))
}
