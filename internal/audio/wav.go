package audio

import (
	"encoding/binary"
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	// HeaderSize is the length of the canonical 16-bit PCM RIFF/WAVE header.
	HeaderSize = 44

	bitDepth    = 16
	numChannels = 1
	pcmFormat   = 1
)

// Header returns a WAV header declaring payloadBytes of 16-bit mono PCM
// at SampleRate.
func Header(payloadBytes int) []byte {
	h := make([]byte, HeaderSize)
	blockAlign := numChannels * bitDepth / 8
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+payloadBytes))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], pcmFormat)
	binary.LittleEndian.PutUint16(h[22:24], numChannels)
	binary.LittleEndian.PutUint32(h[24:28], SampleRate)
	binary.LittleEndian.PutUint32(h[28:32], uint32(SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(h[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:36], bitDepth)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(payloadBytes))
	return h
}

// PCM16 encodes samples as little-endian signed 16-bit PCM without a header.
func PCM16(s Samples) []byte {
	out := make([]byte, 2*len(s))
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(toPCM16(v)))
	}
	return out
}

// FromPCM16 decodes little-endian signed 16-bit PCM. A trailing odd byte
// is ignored.
func FromPCM16(b []byte) Samples {
	out := make(Samples, len(b)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(b[2*i:]))) / 32767
	}
	return out
}

// Encode produces a complete in-memory WAV whose declared length matches
// the payload.
func Encode(s Samples) []byte {
	payload := PCM16(s)
	return append(Header(len(payload)), payload...)
}

// StripHeader drops the leading container header from an encoded chunk.
func StripHeader(encoded []byte) []byte {
	if len(encoded) <= HeaderSize {
		return nil
	}
	return encoded[HeaderSize:]
}

// StreamEncoder frames consecutive chunks into one growing WAV stream.
// The first call emits a zero-length header followed by the chunk payload;
// later calls emit payload only. Not safe for concurrent use.
type StreamEncoder struct {
	started bool
	written int
}

// Encode returns the bytes to append to the outgoing stream for s.
func (e *StreamEncoder) Encode(s Samples) []byte {
	body := StripHeader(Encode(s))
	e.written += len(body)
	if e.started {
		return body
	}
	e.started = true
	return append(Header(0), body...)
}

// Started reports whether the header has been emitted.
func (e *StreamEncoder) Started() bool { return e.started }

// PayloadBytes is the total payload emitted so far, excluding the header.
func (e *StreamEncoder) PayloadBytes() int { return e.written }

// WriteFile writes s to path as a single-shot WAV whose header length
// fields match the payload exactly.
func WriteFile(path string, s Samples) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close wav: %w", cerr)
		}
	}()

	enc := wav.NewEncoder(f, SampleRate, bitDepth, numChannels, pcmFormat)
	data := make([]int, len(s))
	for i, v := range s {
		data[i] = int(toPCM16(v))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: numChannels, SampleRate: SampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	return nil
}

// ReadFile decodes a 16-bit mono WAV written by WriteFile.
func ReadFile(path string) (Samples, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("open wav: %s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if int(dec.SampleRate) != SampleRate {
		return nil, fmt.Errorf("decode wav: sample rate %d, want %d", dec.SampleRate, SampleRate)
	}
	out := make(Samples, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = float32(v) / 32767
	}
	return out, nil
}
