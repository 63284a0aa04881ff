package stt

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestBuildDeepgramURL(t *testing.T) {
	cfg := DeepgramConfig{
		APIKey:     "key",
		Model:      "nova-3",
		Language:   "ja",
		SampleRate: 16000,
		Encoding:   "linear16",
		Channels:   1,
		Punctuate:  true,
	}

	raw := buildDeepgramURL(cfg)
	if !strings.HasPrefix(raw, deepgramWSURL+"?") {
		t.Fatalf("url = %q, want prefix %q", raw, deepgramWSURL+"?")
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := u.Query()
	for key, want := range map[string]string{
		"model":       "nova-3",
		"language":    "ja",
		"encoding":    "linear16",
		"sample_rate": "16000",
		"channels":    "1",
		"punctuate":   "true",
	} {
		if got := q.Get(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
	if q.Has("utterance_end_ms") {
		t.Error("utterance_end_ms set without being configured")
	}
	if q.Has("vad_events") {
		t.Error("vad_events set without being configured")
	}
}

func TestBuildDeepgramURL_VADAndUtteranceEnd(t *testing.T) {
	cfg := DeepgramConfig{
		Model:          "nova-3",
		Language:       "ja",
		SampleRate:     16000,
		Encoding:       "linear16",
		Channels:       1,
		VADEvents:      true,
		UtteranceEndMs: 1000,
	}

	u, err := url.Parse(buildDeepgramURL(cfg))
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := u.Query()
	if got := q.Get("vad_events"); got != "true" {
		t.Errorf("vad_events = %q, want true", got)
	}
	if got := q.Get("utterance_end_ms"); got != "1000" {
		t.Errorf("utterance_end_ms = %q, want 1000", got)
	}
	// utterance_end_ms only works with interim results enabled.
	if got := q.Get("interim_results"); got != "true" {
		t.Errorf("interim_results = %q, want true", got)
	}
}

// Close must return even while readLoop is blocked on a silent server, and
// the result channels must end up closed so consumers unblock.
func TestDeepgramClientCloseWhileReading(t *testing.T) {
	upgrader := websocket.Upgrader{}
	accepted := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- struct{}{}
		// Hold the connection open without ever sending anything.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	c := &DeepgramClient{
		conn:    conn,
		results: make(chan TranscriptResult, 100),
		speech:  make(chan VADState, 10),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()

	<-accepted

	closed := make(chan struct{})
	go func() {
		_ = c.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return while the read loop was blocked")
	}

	select {
	case _, ok := <-c.results:
		if ok {
			t.Error("results delivered a value after Close, want closed channel")
		}
	case <-time.After(time.Second):
		t.Error("results channel not closed after Close")
	}
	select {
	case _, ok := <-c.errors:
		if ok {
			t.Error("errors delivered a value after Close, want closed channel")
		}
	case <-time.After(time.Second):
		t.Error("errors channel not closed after Close")
	}
}
