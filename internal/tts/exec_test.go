package tts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "synth.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\ncat > /dev/null\n"+body), 0o755))
	return path
}

func TestExecRendererDecodesPCM(t *testing.T) {
	script := writeScript(t, `printf '%s\n' '{"pcm_base64":"AAD/fw==","final":false}'
printf '%s\n' '{"pcm_base64":"AYA=","sample_rate":24000,"final":true}'
`)
	r, err := NewExecRenderer("sh " + script)
	require.NoError(t, err)

	got, err := r.Render(context.Background(), "hello", "Leo", 1)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, float32(0), got[0])
	assert.Equal(t, float32(1), got[1])
	assert.Equal(t, float32(-1), got[2])
}

func TestExecRendererErrors(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{"reported error", `echo '{"error":"model missing"}'`, "model missing"},
		{"wrong rate", `echo '{"pcm_base64":"","sample_rate":16000,"final":true}'`, "16000 Hz"},
		{"exit status", "echo oops >&2\nexit 3\n", "oops"},
		{"bad json", "echo not-json\n", "decode tts response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewExecRenderer("sh " + writeScript(t, tt.script))
			require.NoError(t, err)
			_, err = r.Render(context.Background(), "hello", "", 1)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewExecRendererRejectsEmpty(t *testing.T) {
	_, err := NewExecRenderer("   ")
	assert.Error(t, err)
	r, err := NewExecRenderer("synth --voice x")
	require.NoError(t, err)
	_, err = r.Render(context.Background(), "hi", "nobody", 1)
	assert.Error(t, err)
}
