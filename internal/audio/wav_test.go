package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tone(n int, freq float64) Samples {
	out := make(Samples, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/SampleRate))
	}
	return out
}

func TestHeaderLayout(t *testing.T) {
	h := Header(0)
	require.Len(t, h, HeaderSize)
	assert.Equal(t, "RIFF", string(h[0:4]))
	assert.Equal(t, "WAVE", string(h[8:12]))
	assert.Equal(t, uint32(36), binary.LittleEndian.Uint32(h[4:8]))
	assert.Equal(t, uint32(SampleRate), binary.LittleEndian.Uint32(h[24:28]))
	assert.Equal(t, uint16(16), binary.LittleEndian.Uint16(h[34:36]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(h[40:44]))
}

func TestStreamEncoderMatchesSingleShotPayload(t *testing.T) {
	chunks := []Samples{tone(480, 220), tone(0, 220), tone(1201, 440), tone(7, 880)}

	var enc StreamEncoder
	var stream bytes.Buffer
	for _, c := range chunks {
		stream.Write(enc.Encode(c))
	}
	oneShot := Encode(Concat(chunks...))

	streamed := stream.Bytes()
	require.Equal(t, oneShot[:4], streamed[:4])
	assert.Equal(t, oneShot[8:40], streamed[8:40], "format fields must match")
	assert.Equal(t, oneShot[HeaderSize:], streamed[HeaderSize:])
	assert.Equal(t, len(oneShot)-HeaderSize, enc.PayloadBytes())
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(streamed[40:44]))
}

func TestStripHeader(t *testing.T) {
	assert.Nil(t, StripHeader(Encode(nil)))
	assert.Equal(t, PCM16(tone(3, 100)), StripHeader(Encode(tone(3, 100))))
}

func TestWriteFileDeclaredLengthMatchesPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	samples := tone(2400, 330)
	require.NoError(t, WriteFile(path, samples))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, HeaderSize+2*len(samples))
	assert.Equal(t, uint32(len(data)-8), binary.LittleEndian.Uint32(data[4:8]))
	assert.Equal(t, uint32(len(data)-HeaderSize), binary.LittleEndian.Uint32(data[40:44]))
	assert.Equal(t, Encode(samples), data)

	back, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, back, len(samples))
	for i := range samples {
		assert.InDelta(t, samples[i], back[i], 1.0/16000)
	}
}

func TestWriteFileEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wav")
	require.NoError(t, WriteFile(path, nil))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, Header(0), data)
}

func TestNormalize(t *testing.T) {
	loud := Samples{0, 1.9, -0.5}
	out := Normalize(loud)
	assert.InDelta(t, 0.95, out[1], 1e-6)
	assert.InDelta(t, -0.5*0.95/1.9, out[2], 1e-6)
	assert.Equal(t, float32(1.9), loud[1], "input must not be mutated")

	quiet := Samples{0.1, -0.2}
	assert.Equal(t, quiet, Normalize(quiet))
}

func TestConcatAndDuration(t *testing.T) {
	out := Concat(seq(0, 2), nil, seq(2, 3))
	assert.Equal(t, seq(0, 5), out)
	assert.Equal(t, int64(1e9), int64(make(Samples, SampleRate).Duration()))
}

func TestFromPCM16(t *testing.T) {
	pcm := PCM16(Samples{0, 0.5, -0.5, 1, -1})
	got := FromPCM16(append(pcm, 0x7f))
	require.Len(t, got, 5)
	for i, want := range []float32{0, 0.5, -0.5, 1, -1} {
		assert.InDelta(t, want, got[i], 1.0/32767)
	}
}
