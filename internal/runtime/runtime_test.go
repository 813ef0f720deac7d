package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/quality"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Bus.Host = "127.0.0.1"
	cfg.Bus.Port = -1
	cfg.EventStore.Path = t.TempDir() + "/requests.db"
	cfg.Monitor.Enabled = false
	cfg.Engine.WarmUpRuns = 1
	cfg.Node.HeartbeatInterval = 50
	return cfg
}

func TestRuntimeServesStatsAndRequests(t *testing.T) {
	r := New(testConfig(t), quiet())
	require.NoError(t, r.build(context.Background()))
	t.Cleanup(r.teardown)
	r.ready.Store(true)

	srv := httptest.NewServer(r.routes(nil))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	done := make(chan []byte, 1)
	sub, err := r.bus.Conn().Subscribe(protocol.SubjectTTSDone, func(m *nats.Msg) { done <- m.Data })
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, r.bus.PublishJSON(protocol.SubjectTTSRequest, protocol.TTSRequest{
		RequestID: "req-1",
		SessionID: "s-1",
		Text:      "Hello there. How are you today?",
		Stream:    true,
	}))

	select {
	case data := <-done:
		var status protocol.TTSStatus
		require.NoError(t, json.Unmarshal(data, &status))
		assert.True(t, status.Completed)
	case <-time.After(5 * time.Second):
		t.Fatal("no tts.done status")
	}

	require.Eventually(t, func() bool {
		var records []eventstore.Record
		resp, err := http.Get(srv.URL + "/requests?session=s-1")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(&records) == nil && len(records) == 1
	}, 3*time.Second, 20*time.Millisecond)

	resp, err = http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "loqa-tts-1", st.NodeID)
	require.NotNil(t, st.Cache)
	require.NotNil(t, st.Quality)
	assert.Equal(t, quality.High, st.Quality.Level)
	require.NotEmpty(t, st.Nodes)
	assert.Equal(t, "loqa-tts-1", st.Nodes[0].ID)
}

func TestRuntimeRejectsUnknownMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.TTS.Mode = "neural"
	_, err := NewEngine(cfg, nil, quiet())
	assert.ErrorContains(t, err, "unsupported tts mode")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}
