// Package profiler records named operation timings and counters for the
// synthesis pipeline and mirrors them into OpenTelemetry instruments.
package profiler

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const DefaultMaxSamples = 1000

// TimingStats summarises the retained history of one operation. Durations
// are in seconds.
type TimingStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Recent float64 `json:"recent"`
}

// Stats is a snapshot of every operation and counter.
type Stats struct {
	Timings      map[string]TimingStats `json:"timings"`
	Counters     map[string]int64       `json:"counters"`
	ActiveTimers []string               `json:"active_timers"`
}

// Sample is one recorded duration.
type Sample struct {
	At       time.Time
	Duration time.Duration
}

// Profiler is safe for concurrent use. At most one timer per name may be in
// flight; callers running the same operation concurrently include a
// distinguishing suffix such as a request id.
type Profiler struct {
	mu         sync.Mutex
	maxSamples int
	timings    map[string][]Sample
	active     map[string]time.Time
	counters   map[string]int64
	clock      func() time.Time
	log        *slog.Logger

	duration metric.Float64Histogram
	counter  metric.Int64Counter
}

// New creates a profiler retaining at most maxSamples per operation.
func New(maxSamples int) *Profiler {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	p := &Profiler{
		maxSamples: maxSamples,
		timings:    make(map[string][]Sample),
		active:     make(map[string]time.Time),
		counters:   make(map[string]int64),
		clock:      time.Now,
		log:        slog.Default().With(slog.String("component", "profiler")),
	}
	p.initMetrics(otel.Meter("github.com/loqalabs/loqa-tts/profiler"))
	return p
}

// initMetrics leaves an instrument nil when it cannot be created; recording
// then stays local.
func (p *Profiler) initMetrics(meter metric.Meter) {
	duration, err := meter.Float64Histogram("loqa.tts.operation.duration",
		metric.WithDescription("Duration of pipeline operations"), metric.WithUnit("s"))
	if err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	} else {
		p.duration = duration
	}
	counter, err := meter.Int64Counter("loqa.tts.operation.events",
		metric.WithDescription("Pipeline event counters"))
	if err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	} else {
		p.counter = counter
	}
}

// Start begins timing name, replacing any timer already running under it.
func (p *Profiler) Start(name string) {
	now := p.clock()
	p.mu.Lock()
	p.active[name] = now
	p.mu.Unlock()
}

// End stops the timer for name and records its duration. It reports false
// when no timer was running.
func (p *Profiler) End(name string) (time.Duration, bool) {
	now := p.clock()
	p.mu.Lock()
	started, ok := p.active[name]
	if !ok {
		p.mu.Unlock()
		return 0, false
	}
	delete(p.active, name)
	d := now.Sub(started)
	p.appendLocked(name, Sample{At: now, Duration: d})
	p.mu.Unlock()

	p.export(name, d)
	return d, true
}

// Time starts a timer and returns the function that ends it.
func (p *Profiler) Time(name string) func() time.Duration {
	p.Start(name)
	return func() time.Duration {
		d, _ := p.End(name)
		return d
	}
}

// Record adds a duration measured elsewhere.
func (p *Profiler) Record(name string, d time.Duration) {
	now := p.clock()
	p.mu.Lock()
	p.appendLocked(name, Sample{At: now, Duration: d})
	p.mu.Unlock()
	p.export(name, d)
}

// Increment adds delta to the named counter.
func (p *Profiler) Increment(name string, delta int64) {
	p.mu.Lock()
	p.counters[name] += delta
	p.mu.Unlock()
	if p.counter != nil {
		p.counter.Add(context.Background(), delta, metric.WithAttributes(attribute.String("counter", name)))
	}
}

// Counter returns the current value of a counter.
func (p *Profiler) Counter(name string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters[name]
}

// History returns a copy of the retained samples for name, oldest first.
func (p *Profiler) History(name string) []Sample {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Sample(nil), p.timings[name]...)
}

// Stats computes summaries over a copy of the histories, outside the lock.
func (p *Profiler) Stats() Stats {
	p.mu.Lock()
	histories := make(map[string][]Sample, len(p.timings))
	for name, h := range p.timings {
		histories[name] = append([]Sample(nil), h...)
	}
	counters := make(map[string]int64, len(p.counters))
	for name, v := range p.counters {
		counters[name] = v
	}
	active := make([]string, 0, len(p.active))
	for name := range p.active {
		active = append(active, name)
	}
	p.mu.Unlock()

	sort.Strings(active)
	out := Stats{Timings: make(map[string]TimingStats, len(histories)), Counters: counters, ActiveTimers: active}
	for name, h := range histories {
		if len(h) > 0 {
			out.Timings[name] = summarize(h)
		}
	}
	return out
}

// Reset discards all timings, timers and counters.
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timings = make(map[string][]Sample)
	p.active = make(map[string]time.Time)
	p.counters = make(map[string]int64)
}

func (p *Profiler) appendLocked(name string, s Sample) {
	h := p.timings[name]
	if len(h) >= p.maxSamples {
		// drop the oldest, reusing the backing array
		n := copy(h, h[len(h)-p.maxSamples+1:])
		h = h[:n]
	}
	p.timings[name] = append(h, s)
}

func (p *Profiler) export(name string, d time.Duration) {
	if p.duration == nil {
		return
	}
	p.duration.Record(context.Background(), d.Seconds(), metric.WithAttributes(attribute.String("operation", name)))
}

func summarize(h []Sample) TimingStats {
	st := TimingStats{Count: len(h), Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	for _, s := range h {
		v := s.Duration.Seconds()
		sum += v
		st.Min = math.Min(st.Min, v)
		st.Max = math.Max(st.Max, v)
	}
	st.Mean = sum / float64(len(h))
	var sq float64
	for _, s := range h {
		d := s.Duration.Seconds() - st.Mean
		sq += d * d
	}
	st.StdDev = math.Sqrt(sq / float64(len(h)))
	st.Recent = h[len(h)-1].Duration.Seconds()
	return st
}
