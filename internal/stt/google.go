package stt

import (
	"context"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv2"
	speechpb "cloud.google.com/go/speech/apiv2/speechpb"
	"google.golang.org/api/option"
)

// GoogleClient implements the Client interface using the Cloud Speech-to-Text
// v2 streaming API.
type GoogleClient struct {
	client    *speech.Client
	stream    speechpb.Speech_StreamingRecognizeClient
	results   chan TranscriptResult
	speech    chan VADState
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	finished  bool
	wg        sync.WaitGroup // Wait for readLoop to finish
}

// GoogleConfig holds configuration for the Cloud Speech client.
type GoogleConfig struct {
	ProjectID       string
	CredentialsJSON string
	Location        string // "global" or a region, e.g. "asia-northeast1"
	Recognizer      string // recognizer ID, "_" for the ad-hoc recognizer
	Model           string // e.g. "latest_long"
	Language        string // BCP-47, e.g. "ja-JP"
	SampleRate      int
	Channels        int
}

// NewGoogleClient creates a new Cloud Speech streaming STT client. The first
// request on the stream carries the recognition config; audio follows.
func NewGoogleClient(ctx context.Context, cfg GoogleConfig) (*GoogleClient, error) {
	location := cfg.Location
	if location == "" {
		location = "global"
	}
	recognizerID := cfg.Recognizer
	if recognizerID == "" {
		recognizerID = "_"
	}

	opts := []option.ClientOption{}
	if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	if location != "global" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:443", location)))
	}

	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to open recognize stream: %w", err)
	}

	recognizer := fmt.Sprintf("projects/%s/locations/%s/recognizers/%s", cfg.ProjectID, location, recognizerID)
	configReq := &speechpb.StreamingRecognizeRequest{
		Recognizer: recognizer,
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Model:         cfg.Model,
					LanguageCodes: []string{cfg.Language},
					DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
						ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
							Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
							SampleRateHertz:   int32(cfg.SampleRate),
							AudioChannelCount: int32(cfg.Channels),
						},
					},
					Features: &speechpb.RecognitionFeatures{
						EnableAutomaticPunctuation: true,
					},
				},
				StreamingFeatures: &speechpb.StreamingRecognitionFeatures{
					InterimResults:            true,
					EnableVoiceActivityEvents: true,
				},
			},
		},
	}
	if err := stream.Send(configReq); err != nil {
		_ = stream.CloseSend()
		_ = client.Close()
		return nil, fmt.Errorf("failed to send recognition config: %w", err)
	}

	c := &GoogleClient{
		client:  client,
		stream:  stream,
		results: make(chan TranscriptResult, 100),
		speech:  make(chan VADState, 10),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}

	c.wg.Add(1)
	go c.readLoop()

	return c, nil
}

// StreamAudio sends audio data to the recognize stream.
func (c *GoogleClient) StreamAudio(ctx context.Context, audio []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished {
		return fmt.Errorf("audio sent after Finish")
	}
	select {
	case <-c.done:
		return fmt.Errorf("client is closed")
	default:
	}

	return c.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{Audio: audio},
	})
}

// Results returns the channel for receiving transcription results.
func (c *GoogleClient) Results() <-chan TranscriptResult {
	return c.results
}

// SpeechEvents returns the channel for receiving voice activity boundaries.
func (c *GoogleClient) SpeechEvents() <-chan VADState {
	return c.speech
}

// Errors returns the channel for receiving errors.
func (c *GoogleClient) Errors() <-chan error {
	return c.errors
}

// Finish half-closes the stream so the service flushes pending results. The
// readLoop keeps running until the server returns io.EOF, then the result
// channels close.
func (c *GoogleClient) Finish() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished {
		return nil
	}
	select {
	case <-c.done:
		return fmt.Errorf("client is closed")
	default:
	}

	c.finished = true
	return c.stream.CloseSend()
}

// Close tears down the stream and the underlying client.
func (c *GoogleClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		if !c.finished {
			c.finished = true
			_ = c.stream.CloseSend()
		}
		c.mu.Unlock()

		err = c.client.Close()

		// Wait for readLoop to finish before closing channels
		c.wg.Wait()
		close(c.results)
		close(c.speech)
		close(c.errors)
	})
	return err
}

// readLoop receives recognition responses and fans them out to the result
// channels. It exits on io.EOF (the normal end after Finish) or any stream
// error.
func (c *GoogleClient) readLoop() {
	// wg.Done must run before the close fanout: Close holds the Once while it
	// waits on wg, so this Do would block against it.
	defer func() {
		c.closeOnce.Do(func() {
			close(c.done)
			_ = c.client.Close()
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

		resp, err := c.stream.Recv()
		if err != nil {
			if err == io.EOF {
				return
			}
			select {
			case <-c.done:
				return
			default:
			}
			select {
			case c.errors <- fmt.Errorf("recv error: %w", err):
			default:
			}
			return
		}

		switch resp.GetSpeechEventType() {
		case speechpb.StreamingRecognizeResponse_SPEECH_ACTIVITY_BEGIN:
			c.emitSpeech(VADStart)
		case speechpb.StreamingRecognizeResponse_SPEECH_ACTIVITY_END:
			c.emitSpeech(VADEnd)
		}

		for _, result := range resp.GetResults() {
			if len(result.GetAlternatives()) == 0 {
				continue
			}
			alt := result.GetAlternatives()[0]
			if alt.GetTranscript() == "" {
				continue
			}
			r := TranscriptResult{
				Text:       alt.GetTranscript(),
				Confidence: float64(alt.GetConfidence()),
				IsFinal:    result.GetIsFinal(),
			}
			select {
			case <-c.done:
				return
			case c.results <- r:
			}
		}
	}
}

func (c *GoogleClient) emitSpeech(state VADState) {
	select {
	case <-c.done:
	case c.speech <- state:
	default:
	}
}
