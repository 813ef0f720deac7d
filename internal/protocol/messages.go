package protocol

import "time"

// TTSRequest asks the runtime to synthesize text.
type TTSRequest struct {
	RequestID string  `json:"request_id,omitempty"`
	SessionID string  `json:"session_id"`
	Target    string  `json:"target,omitempty"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	Stream    bool    `json:"stream"`
}

// AudioChunk carries one frame of 16-bit PCM in a WAV byte stream. The
// first frame of a request starts with the container header; later frames
// are raw payload.
type AudioChunk struct {
	RequestID  string `json:"request_id"`
	SessionID  string `json:"session_id"`
	Target     string `json:"target,omitempty"`
	Sequence   int    `json:"sequence"`
	Chunk      int    `json:"chunk"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TTSStatus reports the end of a request.
type TTSStatus struct {
	RequestID    string    `json:"request_id"`
	SessionID    string    `json:"session_id"`
	Target       string    `json:"target,omitempty"`
	Completed    bool      `json:"completed"`
	Chunks       int       `json:"chunks"`
	FailedChunks int       `json:"failed_chunks"`
	CacheHits    int       `json:"cache_hits"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

const EncodingWAV = "wav"

const (
	SubjectTTSRequest = "tts.request"
	SubjectTTSAudio   = "tts.audio"
	SubjectTTSDone    = "tts.done"
)
