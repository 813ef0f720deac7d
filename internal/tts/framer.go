package tts

import "github.com/loqalabs/loqa-tts/internal/audio"

// framer cuts chunk audio into fixed-duration frames of one WAV byte
// stream. The ring holds at most two frames so a write always has room
// once full frames have been drained.
type framer struct {
	ring  *audio.RingBuffer
	size  int
	enc   audio.StreamEncoder
	emit  func(pcm []byte, final bool) error
	count int
}

func newFramer(frameSamples int, emit func(pcm []byte, final bool) error) *framer {
	frameSamples = max(frameSamples, 1)
	return &framer{ring: audio.NewRingBuffer(2 * frameSamples), size: frameSamples, emit: emit}
}

func (f *framer) push(s audio.Samples) error {
	for len(s) > 0 {
		n := f.ring.Write(s)
		s = s[n:]
		for f.ring.Available() >= f.size {
			if err := f.send(f.ring.Read(f.size), false); err != nil {
				return err
			}
		}
	}
	return nil
}

// flush emits whatever is buffered as the final frame, which may be empty.
func (f *framer) flush() error {
	return f.send(f.ring.Read(f.ring.Available()), true)
}

func (f *framer) send(s audio.Samples, final bool) error {
	f.count++
	return f.emit(f.enc.Encode(s), final)
}

func frameSamples(durationMS int) int {
	return audio.SampleRate * durationMS / 1000
}
