package profiler

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestProfiler(maxSamples int) (*Profiler, *fakeClock) {
	p := New(maxSamples)
	clk := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	p.clock = clk.Now
	return p, clk
}

func TestStartEndRecordsDuration(t *testing.T) {
	p, clk := newTestProfiler(10)
	p.Start("render")
	clk.Advance(250 * time.Millisecond)
	d, ok := p.End("render")
	if !ok || d != 250*time.Millisecond {
		t.Fatalf("End = %v, %v", d, ok)
	}
	if _, ok := p.End("render"); ok {
		t.Fatal("second End must report no running timer")
	}

	st := p.Stats().Timings["render"]
	if st.Count != 1 || st.Recent != 0.25 || st.Min != 0.25 || st.Max != 0.25 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestStatsSummary(t *testing.T) {
	p, _ := newTestProfiler(10)
	for _, ms := range []int{100, 200, 300, 400} {
		p.Record("op", time.Duration(ms)*time.Millisecond)
	}
	st := p.Stats().Timings["op"]
	if st.Count != 4 {
		t.Fatalf("count = %d", st.Count)
	}
	if math.Abs(st.Mean-0.25) > 1e-9 {
		t.Fatalf("mean = %v", st.Mean)
	}
	want := math.Sqrt((0.0225 + 0.0025 + 0.0025 + 0.0225) / 4)
	if math.Abs(st.StdDev-want) > 1e-9 {
		t.Fatalf("std = %v, want %v", st.StdDev, want)
	}
	if st.Min != 0.1 || st.Max != 0.4 || st.Recent != 0.4 {
		t.Fatalf("unexpected bounds: %+v", st)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	p, _ := newTestProfiler(3)
	for i := 1; i <= 10; i++ {
		p.Record("op", time.Duration(i)*time.Second)
	}
	h := p.History("op")
	if len(h) != 3 {
		t.Fatalf("history length = %d", len(h))
	}
	for i, s := range h {
		if s.Duration != time.Duration(8+i)*time.Second {
			t.Fatalf("history[%d] = %v", i, s.Duration)
		}
	}
}

func TestCountersAndActiveTimers(t *testing.T) {
	p, _ := newTestProfiler(10)
	p.Increment("cache_hits", 2)
	p.Increment("cache_hits", 3)
	p.Start("pending")
	st := p.Stats()
	if st.Counters["cache_hits"] != 5 {
		t.Fatalf("counter = %d", st.Counters["cache_hits"])
	}
	if len(st.ActiveTimers) != 1 || st.ActiveTimers[0] != "pending" {
		t.Fatalf("active = %v", st.ActiveTimers)
	}
	p.Reset()
	if st := p.Stats(); len(st.Counters) != 0 || len(st.ActiveTimers) != 0 || len(st.Timings) != 0 {
		t.Fatalf("reset left state: %+v", st)
	}
}

func TestDistinctNamesConcurrently(t *testing.T) {
	p := New(100)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("job-%d", i)
			for j := 0; j < 20; j++ {
				stop := p.Time(name)
				stop()
				p.Increment("jobs", 1)
			}
		}(i)
	}
	wg.Wait()
	st := p.Stats()
	if st.Counters["jobs"] != 320 {
		t.Fatalf("jobs = %d", st.Counters["jobs"])
	}
	for i := 0; i < 16; i++ {
		if got := st.Timings[fmt.Sprintf("job-%d", i)].Count; got != 20 {
			t.Fatalf("job-%d count = %d", i, got)
		}
	}
}

type failingMeter struct{ noop.Meter }

func (failingMeter) Float64Histogram(string, ...metric.Float64HistogramOption) (metric.Float64Histogram, error) {
	return nil, errors.New("histogram unavailable")
}

func TestMetricInitFailureIsLoggedAndRecordingStaysLocal(t *testing.T) {
	var buf bytes.Buffer
	p := New(10)
	p.duration = nil
	p.log = slog.New(slog.NewTextHandler(&buf, nil))

	p.initMetrics(failingMeter{})

	if !strings.Contains(buf.String(), "failed to initialize metrics") || !strings.Contains(buf.String(), "histogram unavailable") {
		t.Fatalf("expected a metrics warning, got %q", buf.String())
	}
	if p.duration != nil {
		t.Fatalf("histogram should stay nil")
	}
	if p.counter == nil {
		t.Fatalf("counter should still be created")
	}
	p.Record("op", time.Millisecond)
	if got := p.Stats().Timings["op"].Count; got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
}
