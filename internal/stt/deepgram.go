package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
)

const deepgramWSURL = "wss://api.deepgram.com/v1/listen"

// DeepgramClient implements the Client interface using Deepgram's streaming API.
type DeepgramClient struct {
	conn      *websocket.Conn
	results   chan TranscriptResult
	speech    chan VADState
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	wg        sync.WaitGroup // Wait for readLoop to finish
}

// DeepgramConfig holds configuration for the Deepgram client.
type DeepgramConfig struct {
	APIKey         string
	Model          string // e.g., "nova-3"
	Language       string // e.g., "ja"
	SampleRate     int    // e.g., 16000 for browser LINEAR16 capture
	Encoding       string // e.g., "linear16"
	Channels       int    // e.g., 1 for mono
	Punctuate      bool
	InterimResults bool
	VADEvents      bool // emit SpeechStarted messages
	UtteranceEndMs int  // hard timeout after last speech, regardless of noise (0 for default)
}

// deepgramResponse represents a Deepgram WebSocket response.
type deepgramResponse struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal bool `json:"is_final"`
}

// buildDeepgramURL assembles the listen endpoint query string from the config.
func buildDeepgramURL(cfg DeepgramConfig) string {
	q := url.Values{}
	q.Set("model", cfg.Model)
	q.Set("language", cfg.Language)
	q.Set("encoding", cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", strconv.Itoa(cfg.Channels))
	q.Set("punctuate", strconv.FormatBool(cfg.Punctuate))
	if cfg.InterimResults {
		q.Set("interim_results", "true")
	}
	if cfg.VADEvents {
		q.Set("vad_events", "true")
	}
	if cfg.UtteranceEndMs > 0 {
		// utterance_end_ms requires interim results on Deepgram's side.
		q.Set("interim_results", "true")
		q.Set("utterance_end_ms", strconv.Itoa(cfg.UtteranceEndMs))
	}
	return deepgramWSURL + "?" + q.Encode()
}

// NewDeepgramClient creates a new Deepgram streaming STT client.
func NewDeepgramClient(ctx context.Context, cfg DeepgramConfig) (*DeepgramClient, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, buildDeepgramURL(cfg), headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Deepgram: %w", err)
	}

	client := &DeepgramClient{
		conn:    conn,
		results: make(chan TranscriptResult, 100),
		speech:  make(chan VADState, 10),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}

	// Start reading responses
	client.wg.Add(1)
	go client.readLoop()

	return client, nil
}

// StreamAudio sends audio data to Deepgram.
func (c *DeepgramClient) StreamAudio(ctx context.Context, audio []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return fmt.Errorf("client is closed")
	default:
	}

	return c.conn.WriteMessage(websocket.BinaryMessage, audio)
}

// Results returns the channel for receiving transcription results.
func (c *DeepgramClient) Results() <-chan TranscriptResult {
	return c.results
}

// SpeechEvents returns the channel for receiving voice activity boundaries.
func (c *DeepgramClient) SpeechEvents() <-chan VADState {
	return c.speech
}

// Errors returns the channel for receiving errors.
func (c *DeepgramClient) Errors() <-chan error {
	return c.errors
}

// Finish asks Deepgram to flush remaining results and close the stream.
// The readLoop keeps running until the server closes the connection, at
// which point the result channels close.
func (c *DeepgramClient) Finish() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return fmt.Errorf("client is closed")
	default:
	}

	closeMsg := []byte(`{"type": "CloseStream"}`)
	return c.conn.WriteMessage(websocket.TextMessage, closeMsg)
}

// Close closes the Deepgram connection.
func (c *DeepgramClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		// Send close message to Deepgram
		c.mu.Lock()
		closeMsg := []byte(`{"type": "CloseStream"}`)
		_ = c.conn.WriteMessage(websocket.TextMessage, closeMsg)
		c.mu.Unlock()

		err = c.conn.Close()

		// Wait for readLoop to finish before closing channels
		c.wg.Wait()
		close(c.results)
		close(c.speech)
		close(c.errors)
	})
	return err
}

// readLoop reads responses from Deepgram and sends them to the result
// channels. It exits when the connection closes, either via Close or after
// the server finishes a Finish-initiated drain.
func (c *DeepgramClient) readLoop() {
	// After a server-side close (the normal end of a Finish drain), release
	// consumers waiting on the result channels. wg.Done must run first: Close
	// holds the Once while it waits on wg, so this Do would block against it.
	defer func() {
		c.closeOnce.Do(func() {
			close(c.done)
			_ = c.conn.Close()
			close(c.results)
			close(c.speech)
			close(c.errors)
		})
	}()
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			select {
			case c.errors <- fmt.Errorf("read error: %w", err):
			default:
			}
			return
		}

		var resp deepgramResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			log.Printf("deepgram: failed to parse response: %v", err)
			continue
		}

		switch resp.Type {
		case "SpeechStarted":
			c.emitSpeech(VADStart)
			continue
		case "UtteranceEnd":
			c.emitSpeech(VADEnd)
			continue
		case "Results":
		default:
			continue
		}

		// Extract transcript from first alternative (can be empty).
		var transcript string
		var confidence float64
		if len(resp.Channel.Alternatives) > 0 {
			alt := resp.Channel.Alternatives[0]
			transcript = alt.Transcript
			confidence = alt.Confidence
		}

		if transcript == "" {
			continue
		}

		result := TranscriptResult{
			Text:       transcript,
			Confidence: confidence,
			IsFinal:    resp.IsFinal,
		}

		select {
		case <-c.done:
			return
		case c.results <- result:
		}
	}
}

func (c *DeepgramClient) emitSpeech(state VADState) {
	select {
	case <-c.done:
	case c.speech <- state:
	default:
	}
}
