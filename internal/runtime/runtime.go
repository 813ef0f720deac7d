package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/cache"
	"github.com/loqalabs/loqa-tts/internal/capability"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/monitor"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/profiler"
	"github.com/loqalabs/loqa-tts/internal/quality"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	prof     *profiler.Profiler
	quality  *quality.Manager
	monitor  *monitor.Monitor
	engine   *engine.Engine
	tts      *tts.Service
	registry *capability.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the node until ctx is cancelled or a supervised task fails.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metrics, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	if err := r.build(ctx); err != nil {
		r.teardown()
		return err
	}
	defer r.teardown()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.routes(metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		r.pruneLoop(gctx)
		return nil
	})
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metrics != nil {
		metricsServer := &http.Server{Addr: bind, Handler: metrics, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return metricsServer.Close()
		})
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("node_id", r.cfg.Node.ID))
	return g.Wait()
}

// build brings components up in dependency order. On error the caller
// runs teardown to release whatever came up.
func (r *Runtime) build(ctx context.Context) error {
	var err error
	r.nats, err = natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	busCfg := r.cfg.Bus
	if r.nats != nil {
		busCfg.Servers = []string{r.nats.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	r.prof = profiler.New(r.cfg.Profiler.MaxSamples)
	r.engine, err = NewEngine(r.cfg, r.prof, r.logger)
	if err != nil {
		return err
	}

	r.quality = newQuality(r.cfg.Quality, r.logger)
	r.monitor = newMonitor(r.cfg.Monitor, r.logger)
	if r.monitor != nil {
		r.monitor.Start()
		if r.quality != nil && r.monitor.Available() {
			r.quality.SetPressure(cpuPressure(r.monitor))
		}
	}
	if r.quality != nil {
		r.engine.ApplySettings(r.quality.Settings())
	}
	if r.cfg.Engine.WarmUp {
		warmUp(ctx, r.engine, r.cfg.TTS.Voice, r.logger)
	}

	r.tts = tts.NewService(ctx, r.cfg.TTS, r.bus, r.engine, r.quality, r.store, r.logger)
	if err := r.tts.Start(); err != nil {
		return fmt.Errorf("start tts service: %w", err)
	}

	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, r.bus, capabilities(r.cfg.TTS, r.quality), r.logger)
	if err != nil {
		return fmt.Errorf("start node registry: %w", err)
	}
	return nil
}

// teardown stops components in reverse order. It tolerates a partial build.
func (r *Runtime) teardown() {
	if r.registry != nil {
		r.registry.Close()
	}
	if r.tts != nil {
		r.tts.Close()
	}
	if r.engine != nil {
		r.engine.Close()
	}
	if r.monitor != nil {
		r.monitor.Stop()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) routes(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/stats", r.handleStats)
	mux.HandleFunc("/requests", r.handleRequests)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.tts.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// Stats is the body of /stats.
type Stats struct {
	NodeID   string                `json:"node_id"`
	Profiler profiler.Stats        `json:"profiler"`
	Settings quality.Settings      `json:"settings"`
	Cache    *cache.Stats          `json:"cache,omitempty"`
	Quality  *quality.Summary      `json:"quality,omitempty"`
	Monitor  *monitor.UsageStats   `json:"resources,omitempty"`
	Nodes    []capability.NodeInfo `json:"nodes,omitempty"`
}

func (r *Runtime) stats() Stats {
	st := Stats{
		NodeID:   r.cfg.Node.ID,
		Profiler: r.engine.Stats(),
		Settings: r.engine.Settings(),
	}
	if cs, ok := r.engine.CacheStats(); ok {
		st.Cache = &cs
	}
	if r.quality != nil {
		qs := r.quality.Summary()
		st.Quality = &qs
	}
	if r.monitor != nil {
		if us, ok := r.monitor.Stats(); ok {
			st.Monitor = &us
		}
	}
	if r.registry != nil {
		st.Nodes = r.registry.Query(nil)
	}
	return st
}

func (r *Runtime) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, r.stats())
}

func (r *Runtime) handleRequests(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	var (
		records []eventstore.Record
		err     error
	)
	if session := req.URL.Query().Get("session"); session != "" {
		records, err = r.store.Session(req.Context(), session, limit)
	} else {
		records, err = r.store.Recent(req.Context(), limit)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []eventstore.Record{}
	}
	writeJSON(w, records)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
