// Package monitor samples host CPU and memory utilisation in the background.
// Where the host exposes no usable source the monitor reports itself as
// unavailable and every query returns empty results.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrUnavailable is returned by a Sampler that cannot read host statistics.
var ErrUnavailable = errors.New("resource monitoring unavailable")

const (
	DefaultInterval    = time.Second
	DefaultHistorySize = 100
	DefaultStopTimeout = 2 * time.Second
)

// Usage is one resource sample.
type Usage struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	ProcessRSS    uint64    `json:"process_rss_bytes"`
}

// UsageStats aggregates the retained history.
type UsageStats struct {
	Samples       int     `json:"samples"`
	CPUMean       float64 `json:"cpu_mean"`
	CPUMax        float64 `json:"cpu_max"`
	MemoryMean    float64 `json:"memory_mean"`
	MemoryMax     float64 `json:"memory_max"`
	ProcessRSSMax uint64  `json:"process_rss_max_bytes"`
}

// Sampler reads one usage sample from the host.
type Sampler interface {
	Sample() (Usage, error)
}

// Options configures a Monitor.
type Options struct {
	Interval    time.Duration
	HistorySize int
	StopTimeout time.Duration
	Logger      *slog.Logger
}

// Monitor runs one background sampling goroutine between Start and Stop.
type Monitor struct {
	sampler   Sampler
	available bool
	opts      Options
	log       *slog.Logger

	mu      sync.Mutex
	history []Usage
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a monitor over sampler. A nil sampler, or one whose first
// probe fails, produces an unavailable monitor.
func New(sampler Sampler, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Monitor{
		sampler: sampler,
		opts:    opts,
		log:     opts.Logger.With(slog.String("component", "resource-monitor")),
	}
	err := ErrUnavailable
	if sampler != nil {
		_, err = sampler.Sample()
	}
	if err != nil {
		m.log.Warn("resource monitoring disabled", slog.String("error", err.Error()))
		return m
	}
	m.available = true
	m.initMetrics()
	return m
}

// NewDefault builds a monitor over the host /proc filesystem.
func NewDefault(opts Options) *Monitor {
	s, err := NewProcSampler()
	if err != nil {
		return New(failedSampler{err: err}, opts)
	}
	return New(s, opts)
}

// Available reports whether sampling works on this host.
func (m *Monitor) Available() bool { return m.available }

// Start launches the sampling goroutine. It is a no-op when unavailable or
// already running.
func (m *Monitor) Start() {
	if !m.available {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
	m.log.Info("resource monitoring started", slog.Duration("interval", m.opts.Interval))
}

// Stop halts sampling and waits up to the stop timeout for the goroutine.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(m.opts.StopTimeout):
		m.log.Warn("resource monitor did not stop in time")
	}
	m.log.Info("resource monitoring stopped")
}

// Running reports whether the sampling goroutine is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Current returns the most recent sample.
func (m *Monitor) Current() (Usage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return Usage{}, false
	}
	return m.history[len(m.history)-1], true
}

// Stats aggregates the retained history. It reports false with no samples.
func (m *Monitor) Stats() (UsageStats, bool) {
	m.mu.Lock()
	history := append([]Usage(nil), m.history...)
	m.mu.Unlock()
	if len(history) == 0 {
		return UsageStats{}, false
	}
	var st UsageStats
	st.Samples = len(history)
	for _, u := range history {
		st.CPUMean += u.CPUPercent
		st.MemoryMean += u.MemoryPercent
		st.CPUMax = max(st.CPUMax, u.CPUPercent)
		st.MemoryMax = max(st.MemoryMax, u.MemoryPercent)
		st.ProcessRSSMax = max(st.ProcessRSSMax, u.ProcessRSS)
	}
	st.CPUMean /= float64(len(history))
	st.MemoryMean /= float64(len(history))
	return st, true
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *Monitor) collect() {
	u, err := m.sampler.Sample()
	if err != nil {
		m.log.Debug("resource sample failed", slog.String("error", err.Error()))
		return
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}
	m.mu.Lock()
	if len(m.history) >= m.opts.HistorySize {
		n := copy(m.history, m.history[len(m.history)-m.opts.HistorySize+1:])
		m.history = m.history[:n]
	}
	m.history = append(m.history, u)
	m.mu.Unlock()
}

func (m *Monitor) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-tts/monitor")
	cpu, err := meter.Float64ObservableGauge("loqa.host.cpu.percent", metric.WithDescription("Host CPU utilisation"))
	if err != nil {
		m.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		return
	}
	mem, err := meter.Float64ObservableGauge("loqa.host.memory.percent", metric.WithDescription("Host memory utilisation"))
	if err != nil {
		m.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		return
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		if u, ok := m.Current(); ok {
			obs.ObserveFloat64(cpu, u.CPUPercent)
			obs.ObserveFloat64(mem, u.MemoryPercent)
		}
		return nil
	}, cpu, mem)
	if err != nil {
		m.log.Warn("failed to register metrics callback", slog.String("error", err.Error()))
	}
}
