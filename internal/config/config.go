package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	TTS         TTSConfig        `yaml:"tts"`
	Engine      EngineConfig     `yaml:"engine"`
	Cache       CacheConfig      `yaml:"cache"`
	Profiler    ProfilerConfig   `yaml:"profiler"`
	Quality     QualityConfig    `yaml:"quality"`
	Monitor     MonitorConfig    `yaml:"monitor"`
	Playback    PlaybackConfig   `yaml:"playback"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// NodeConfig identifies this synthesis node to its peers on the bus.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRecords    int    `yaml:"max_records"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type TTSConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Mode              string  `yaml:"mode"` // mock, exec
	Command           string  `yaml:"command"`
	Voice             string  `yaml:"voice"`
	SampleRate        int     `yaml:"sample_rate"`
	FrameDurationMS   int     `yaml:"frame_duration_ms"`
	SerializeRender   bool    `yaml:"serialize_render"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	RequestTimeoutMS  int     `yaml:"request_timeout_ms"`
}

type EngineConfig struct {
	Workers    int  `yaml:"workers"`
	ChunkSize  int  `yaml:"chunk_size"`
	WarmUp     bool `yaml:"warm_up"`
	WarmUpRuns int  `yaml:"warm_up_runs"`
}

type CacheConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxEntries int  `yaml:"max_entries"`
	TTLSeconds int  `yaml:"ttl_seconds"`
}

type ProfilerConfig struct {
	MaxSamples int `yaml:"max_samples"`
}

type QualityConfig struct {
	Enabled          bool    `yaml:"enabled"`
	TargetLatencyMS  int     `yaml:"target_latency_ms"`
	UpperMargin      float64 `yaml:"upper_margin"`
	LowerMargin      float64 `yaml:"lower_margin"`
	HistorySize      int     `yaml:"history_size"`
	DowngradeSamples int     `yaml:"downgrade_samples"`
	UpgradeSamples   int     `yaml:"upgrade_samples"`
	CPULimit         float64 `yaml:"cpu_limit_percent"`
}

type MonitorConfig struct {
	Enabled       bool `yaml:"enabled"`
	IntervalMS    int  `yaml:"interval_ms"`
	HistorySize   int  `yaml:"history_size"`
	StopTimeoutMS int  `yaml:"stop_timeout_ms"`
}

type PlaybackConfig struct {
	QueueSize      int `yaml:"queue_size"`
	OfferTimeoutMS int `yaml:"offer_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-tts",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "0.0.0.0",
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-tts-1",
			Role:              "tts",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-tts.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRecords:    10000,
		},
		TTS: TTSConfig{
			Enabled:           true,
			Mode:              "mock",
			Voice:             "expr-voice-5-m",
			SampleRate:        24000,
			FrameDurationMS:   400,
			RequestsPerSecond: 10,
			Burst:             20,
			RequestTimeoutMS:  45000,
		},
		Engine: EngineConfig{
			Workers:    4,
			ChunkSize:  100,
			WarmUp:     true,
			WarmUpRuns: 2,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: 50,
			TTLSeconds: 3600,
		},
		Profiler: ProfilerConfig{
			MaxSamples: 1000,
		},
		Quality: QualityConfig{
			Enabled:          true,
			TargetLatencyMS:  500,
			UpperMargin:      0.2,
			LowerMargin:      0.3,
			HistorySize:      20,
			DowngradeSamples: 3,
			UpgradeSamples:   8,
			CPULimit:         90,
		},
		Monitor: MonitorConfig{
			Enabled:       true,
			IntervalMS:    1000,
			HistorySize:   100,
			StopTimeoutMS: 2000,
		},
		Playback: PlaybackConfig{
			QueueSize:      10,
			OfferTimeoutMS: 1000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRecords, "LOQA_EVENT_STORE_MAX_RECORDS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.FrameDurationMS, "LOQA_TTS_FRAME_DURATION_MS")
	overrideBool(&cfg.TTS.SerializeRender, "LOQA_TTS_SERIALIZE_RENDER")
	overrideFloat(&cfg.TTS.RequestsPerSecond, "LOQA_TTS_REQUESTS_PER_SECOND")
	overrideInt(&cfg.TTS.Burst, "LOQA_TTS_BURST")
	overrideInt(&cfg.TTS.RequestTimeoutMS, "LOQA_TTS_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Engine.Workers, "LOQA_ENGINE_WORKERS")
	overrideInt(&cfg.Engine.ChunkSize, "LOQA_ENGINE_CHUNK_SIZE")
	overrideBool(&cfg.Engine.WarmUp, "LOQA_ENGINE_WARM_UP")
	overrideInt(&cfg.Engine.WarmUpRuns, "LOQA_ENGINE_WARM_UP_RUNS")
	overrideBool(&cfg.Cache.Enabled, "LOQA_CACHE_ENABLED")
	overrideInt(&cfg.Cache.MaxEntries, "LOQA_CACHE_MAX_ENTRIES")
	overrideInt(&cfg.Cache.TTLSeconds, "LOQA_CACHE_TTL_SECONDS")
	overrideInt(&cfg.Profiler.MaxSamples, "LOQA_PROFILER_MAX_SAMPLES")
	overrideBool(&cfg.Quality.Enabled, "LOQA_QUALITY_ENABLED")
	overrideInt(&cfg.Quality.TargetLatencyMS, "LOQA_QUALITY_TARGET_LATENCY_MS")
	overrideFloat(&cfg.Quality.UpperMargin, "LOQA_QUALITY_UPPER_MARGIN")
	overrideFloat(&cfg.Quality.LowerMargin, "LOQA_QUALITY_LOWER_MARGIN")
	overrideInt(&cfg.Quality.HistorySize, "LOQA_QUALITY_HISTORY_SIZE")
	overrideInt(&cfg.Quality.DowngradeSamples, "LOQA_QUALITY_DOWNGRADE_SAMPLES")
	overrideInt(&cfg.Quality.UpgradeSamples, "LOQA_QUALITY_UPGRADE_SAMPLES")
	overrideFloat(&cfg.Quality.CPULimit, "LOQA_QUALITY_CPU_LIMIT_PERCENT")
	overrideBool(&cfg.Monitor.Enabled, "LOQA_MONITOR_ENABLED")
	overrideInt(&cfg.Monitor.IntervalMS, "LOQA_MONITOR_INTERVAL_MS")
	overrideInt(&cfg.Monitor.HistorySize, "LOQA_MONITOR_HISTORY_SIZE")
	overrideInt(&cfg.Monitor.StopTimeoutMS, "LOQA_MONITOR_STOP_TIMEOUT_MS")
	overrideInt(&cfg.Playback.QueueSize, "LOQA_PLAYBACK_QUEUE_SIZE")
	overrideInt(&cfg.Playback.OfferTimeoutMS, "LOQA_PLAYBACK_OFFER_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.EventStore.MaxRecords < 0 {
		return errors.New("event_store.max_records must be >= 0")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	}
	if cfg.TTS.SampleRate != 24000 {
		return errors.New("tts.sample_rate must be 24000")
	}
	if cfg.TTS.FrameDurationMS <= 0 {
		return errors.New("tts.frame_duration_ms must be positive")
	}
	if cfg.TTS.RequestsPerSecond < 0 || cfg.TTS.Burst < 0 {
		return errors.New("tts.requests_per_second and tts.burst must be >= 0")
	}
	if cfg.TTS.RequestTimeoutMS <= 0 {
		return errors.New("tts.request_timeout_ms must be positive")
	}
	if cfg.Engine.Workers < 1 || cfg.Engine.Workers > 64 {
		return errors.New("engine.workers must be between 1 and 64")
	}
	if cfg.Engine.ChunkSize <= 0 {
		return errors.New("engine.chunk_size must be positive")
	}
	if cfg.Engine.WarmUpRuns < 0 {
		return errors.New("engine.warm_up_runs must be >= 0")
	}
	if cfg.Cache.Enabled {
		if cfg.Cache.MaxEntries <= 0 {
			return errors.New("cache.max_entries must be positive when the cache is enabled")
		}
		if cfg.Cache.TTLSeconds <= 0 {
			return errors.New("cache.ttl_seconds must be positive when the cache is enabled")
		}
	}
	if cfg.Profiler.MaxSamples <= 0 {
		return errors.New("profiler.max_samples must be positive")
	}
	if cfg.Quality.Enabled {
		if cfg.Quality.TargetLatencyMS <= 0 {
			return errors.New("quality.target_latency_ms must be positive")
		}
		if cfg.Quality.UpperMargin <= 0 {
			return errors.New("quality.upper_margin must be positive")
		}
		if cfg.Quality.LowerMargin <= 0 || cfg.Quality.LowerMargin >= 1 {
			return errors.New("quality.lower_margin must be between 0 and 1")
		}
		if cfg.Quality.HistorySize <= 0 {
			return errors.New("quality.history_size must be positive")
		}
		if cfg.Quality.DowngradeSamples <= 0 || cfg.Quality.UpgradeSamples <= 0 {
			return errors.New("quality.downgrade_samples and quality.upgrade_samples must be positive")
		}
		if cfg.Quality.UpgradeSamples > cfg.Quality.HistorySize || cfg.Quality.DowngradeSamples > cfg.Quality.HistorySize {
			return errors.New("quality sample thresholds must not exceed quality.history_size")
		}
	}
	if cfg.Monitor.Enabled {
		if cfg.Monitor.IntervalMS <= 0 || cfg.Monitor.HistorySize <= 0 || cfg.Monitor.StopTimeoutMS <= 0 {
			return errors.New("monitor.interval_ms, monitor.history_size and monitor.stop_timeout_ms must be positive")
		}
	}
	if cfg.Playback.QueueSize <= 0 {
		return errors.New("playback.queue_size must be positive")
	}
	if cfg.Playback.OfferTimeoutMS <= 0 {
		return errors.New("playback.offer_timeout_ms must be positive")
	}
	return nil
}
