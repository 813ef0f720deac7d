package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-tts/internal/audio"
)

// ExecRenderer runs an external synthesizer per chunk. The request is one
// JSON object on stdin; the process answers with JSON lines carrying
// base64 16-bit PCM, optionally in several pieces.
type ExecRenderer struct {
	cmd []string
}

type execRequest struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`
	Speed      float64 `json:"speed"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
}

type execResponse struct {
	PCMBase64  string `json:"pcm_base64"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Final      bool   `json:"final"`
	Error      string `json:"error,omitempty"`
}

func NewExecRenderer(command string) (*ExecRenderer, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &ExecRenderer{cmd: args}, nil
}

// Render implements engine.Renderer.
func (e *ExecRenderer) Render(ctx context.Context, text, voice string, speed float64) (audio.Samples, error) {
	id, ok := ResolveVoice(voice)
	if !ok {
		return nil, fmt.Errorf("unknown voice %q", voice)
	}
	payload, err := json.Marshal(execRequest{
		Text:       text,
		Voice:      id,
		Speed:      speed,
		SampleRate: audio.SampleRate,
		Channels:   1,
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tts command: %w", err)
	}

	var pcm []byte
	scanErr := func() error {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var resp execResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				return fmt.Errorf("decode tts response: %w", err)
			}
			if resp.Error != "" {
				return errors.New(resp.Error)
			}
			if resp.SampleRate != 0 && resp.SampleRate != audio.SampleRate {
				return fmt.Errorf("tts command produced %d Hz, want %d", resp.SampleRate, audio.SampleRate)
			}
			data, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				return fmt.Errorf("decode tts pcm: %w", err)
			}
			pcm = append(pcm, data...)
			if resp.Final {
				_, _ = io.Copy(io.Discard, stdout)
				return nil
			}
		}
		return scanner.Err()
	}()
	if scanErr != nil {
		_ = cmd.Process.Kill()
	}
	waitErr := cmd.Wait()
	switch {
	case scanErr != nil:
		return nil, scanErr
	case waitErr != nil:
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("tts command: %w: %s", waitErr, msg)
		}
		return nil, fmt.Errorf("tts command: %w", waitErr)
	}
	return audio.FromPCM16(pcm), nil
}

// ResolveVoice implements engine.VoiceResolver.
func (e *ExecRenderer) ResolveVoice(voice string) (string, bool) { return ResolveVoice(voice) }
