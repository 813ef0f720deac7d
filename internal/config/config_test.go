package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.TTS.SampleRate != 24000 {
		t.Fatalf("expected 24kHz default, got %d", cfg.TTS.SampleRate)
	}
	if cfg.Cache.MaxEntries != 50 || cfg.Cache.TTLSeconds != 3600 {
		t.Fatalf("unexpected cache defaults: %+v", cfg.Cache)
	}
	if cfg.Playback.QueueSize != 10 || cfg.Playback.OfferTimeoutMS != 1000 {
		t.Fatalf("unexpected playback defaults: %+v", cfg.Playback)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa.yaml")
	data := `
runtime_name: tts-test
engine:
  workers: 8
  chunk_size: 150
quality:
  target_latency_ms: 250
tts:
  mode: exec
  command: "python3 synth.py --voice default"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "tts-test" || cfg.Engine.Workers != 8 || cfg.Engine.ChunkSize != 150 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Quality.TargetLatencyMS != 250 {
		t.Fatalf("expected target latency 250, got %d", cfg.Quality.TargetLatencyMS)
	}
	// untouched sections keep their defaults
	if cfg.Quality.UpgradeSamples != 8 || cfg.Monitor.IntervalMS != 1000 {
		t.Fatalf("defaults lost: %+v %+v", cfg.Quality, cfg.Monitor)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_MAX_RECORDS", "123")
	t.Setenv("LOQA_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("LOQA_TTS_VOICE", "Luna")
	t.Setenv("LOQA_TTS_SERIALIZE_RENDER", "true")
	t.Setenv("LOQA_TTS_REQUESTS_PER_SECOND", "2.5")
	t.Setenv("LOQA_ENGINE_WORKERS", "6")
	t.Setenv("LOQA_CACHE_ENABLED", "false")
	t.Setenv("LOQA_QUALITY_UPPER_MARGIN", "0.5")
	t.Setenv("LOQA_MONITOR_INTERVAL_MS", "250")
	t.Setenv("LOQA_PLAYBACK_QUEUE_SIZE", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store overrides")
	}
	if cfg.EventStore.MaxRecords != 123 || !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store limits override")
	}
	if cfg.TTS.Voice != "Luna" || !cfg.TTS.SerializeRender || cfg.TTS.RequestsPerSecond != 2.5 {
		t.Fatalf("expected tts overrides, got %+v", cfg.TTS)
	}
	if cfg.Engine.Workers != 6 {
		t.Fatalf("expected 6 workers, got %d", cfg.Engine.Workers)
	}
	if cfg.Cache.Enabled {
		t.Fatal("expected cache disabled")
	}
	if cfg.Quality.UpperMargin != 0.5 {
		t.Fatalf("expected upper margin override")
	}
	if cfg.Monitor.IntervalMS != 250 || cfg.Playback.QueueSize != 3 {
		t.Fatalf("expected monitor and playback overrides")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"sample rate", func(c *Config) { c.TTS.SampleRate = 22050 }, "tts.sample_rate"},
		{"workers low", func(c *Config) { c.Engine.Workers = 0 }, "engine.workers"},
		{"workers high", func(c *Config) { c.Engine.Workers = 65 }, "engine.workers"},
		{"exec without command", func(c *Config) { c.TTS.Mode = "exec" }, "tts.command"},
		{"unknown mode", func(c *Config) { c.TTS.Mode = "neural" }, "tts.mode"},
		{"lower margin", func(c *Config) { c.Quality.LowerMargin = 1 }, "quality.lower_margin"},
		{"upgrade beyond history", func(c *Config) { c.Quality.UpgradeSamples = 50 }, "history_size"},
		{"cache size", func(c *Config) { c.Cache.MaxEntries = 0 }, "cache.max_entries"},
		{"retention mode", func(c *Config) { c.EventStore.RetentionMode = "forever" }, "retention_mode"},
		{"log level", func(c *Config) { c.Telemetry.LogLevel = "loud" }, "log_level"},
		{"queue size", func(c *Config) { c.Playback.QueueSize = 0 }, "playback.queue_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}

	cfg := Default()
	cfg.Cache.Enabled = false
	cfg.Cache.MaxEntries = 0
	if err := validate(cfg); err != nil {
		t.Fatalf("disabled cache should skip its checks: %v", err)
	}
}
