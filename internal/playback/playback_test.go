package playback

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

const text = "The quick brown fox. Jumps over the lazy dog! Then it rests."

func newEngine(t *testing.T, delay time.Duration) *engine.Engine {
	t.Helper()
	workers := 2
	if delay > 0 {
		workers = 1
	}
	eng := engine.New(&tts.MockRenderer{Delay: delay}, engine.Options{Workers: workers, ChunkSize: 20, Logger: quiet()})
	t.Cleanup(eng.Close)
	return eng
}

func TestQueueDropsAfterTimeout(t *testing.T) {
	q := NewQueue(1, 20*time.Millisecond, quiet())
	ctx := context.Background()

	require.True(t, q.Offer(ctx, audio.Samples{1}))
	started := time.Now()
	assert.False(t, q.Offer(ctx, audio.Samples{2}))
	assert.GreaterOrEqual(t, time.Since(started), 20*time.Millisecond)
	assert.Equal(t, int64(1), q.Dropped())

	got := <-q.C()
	assert.Equal(t, audio.Samples{1}, got)
	require.True(t, q.Offer(ctx, audio.Samples{3}))
	q.Close()
	q.Close()
	assert.Equal(t, audio.Samples{3}, <-q.C())
	_, open := <-q.C()
	assert.False(t, open)
}

func TestQueueOfferCopiesAndHonoursContext(t *testing.T) {
	q := NewQueue(1, time.Minute, quiet())
	src := audio.Samples{0.5}
	require.True(t, q.Offer(context.Background(), src))
	src[0] = 0

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, q.Offer(ctx, audio.Samples{1}))
	assert.Zero(t, q.Dropped())
	assert.Equal(t, audio.Samples{0.5}, <-q.C())
}

func TestSessionDeliversAndSaves(t *testing.T) {
	eng := newEngine(t, 0)
	path := filepath.Join(t.TempDir(), "session.wav")
	s, err := Start(context.Background(), eng, engine.Request{Text: text, Speed: 1}, Options{SavePath: path, Logger: quiet()})
	require.NoError(t, err)

	var got []audio.Samples
	for chunk := range s.Chunks() {
		got = append(got, chunk)
	}
	require.NoError(t, s.Wait())
	require.Len(t, got, 3)
	assert.Equal(t, 3, s.Summary().Delivered)
	assert.Zero(t, s.Dropped())

	want, err := eng.Generate(context.Background(), engine.Request{Text: text, Speed: 1})
	require.NoError(t, err)
	saved, err := audio.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, audio.FromPCM16(audio.PCM16(want)), saved)
}

func TestSessionStop(t *testing.T) {
	eng := newEngine(t, 100*time.Millisecond)
	s, err := Start(context.Background(), eng, engine.Request{Text: text, Speed: 1}, Options{Logger: quiet()})
	require.NoError(t, err)

	<-s.Chunks()
	s.Stop()
	for range s.Chunks() {
	}
	assert.NoError(t, s.Wait())
	assert.Less(t, s.Summary().Delivered, 3)
}

func TestSessionRejectsInvalidRequest(t *testing.T) {
	_, err := Start(context.Background(), newEngine(t, 0), engine.Request{Text: "  "}, Options{Logger: quiet()})
	assert.ErrorIs(t, err, engine.ErrEmptyText)
}

func TestStreamToFilePatchesHeader(t *testing.T) {
	eng := newEngine(t, 0)
	path := filepath.Join(t.TempDir(), "stream.wav")
	sum, err := StreamToFile(context.Background(), eng, engine.Request{Text: text, Speed: 1}, path)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Delivered)

	want, err := eng.Generate(context.Background(), engine.Request{Text: text, Speed: 1})
	require.NoError(t, err)
	got, err := audio.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, audio.FromPCM16(audio.PCM16(want)), got)
}
