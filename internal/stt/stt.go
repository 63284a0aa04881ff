package stt

import "context"

// TranscriptResult represents a speech-to-text transcription result.
type TranscriptResult struct {
	Text       string  // The transcribed text
	Confidence float64 // Confidence score (0-1)
	IsFinal    bool    // Whether this is a final or interim result
}

// VADState is a voice activity boundary reported by the recognizer.
type VADState string

const (
	VADStart VADState = "START"
	VADEnd   VADState = "END"
)

// Config holds the recognition parameters shared by all providers.
type Config struct {
	LanguageCode string // BCP-47, e.g. "ja-JP"
	SampleRate   int    // e.g. 16000 for LINEAR16 browser capture
	Channels     int    // e.g. 1 for mono
}

// Client defines the interface for streaming speech-to-text providers.
type Client interface {
	// StreamAudio sends a chunk of PCM16LE audio to the STT service.
	StreamAudio(ctx context.Context, audio []byte) error

	// Results returns a channel that receives transcription results.
	Results() <-chan TranscriptResult

	// SpeechEvents returns a channel that receives voice activity boundaries.
	SpeechEvents() <-chan VADState

	// Errors returns a channel that receives errors.
	Errors() <-chan error

	// Finish tells the service no more audio is coming and lets it flush
	// pending results. The Results channel closes once the provider has
	// drained. Audio must not be streamed after Finish.
	Finish() error

	// Close tears down the connection immediately.
	Close() error
}
