package httpapi

import (
	"context"
	"encoding/binary"
	"log"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/classnote/backend/internal/quota"
	"github.com/classnote/backend/internal/store"
	"github.com/classnote/backend/internal/stt"
	"github.com/classnote/backend/internal/transcript"
	"github.com/classnote/backend/internal/usagelog"
)

const testJWTSecret = "test-secret"

// fakeStore is an in-memory SessionStore for stream endpoint tests.
type fakeStore struct {
	mu sync.Mutex

	user    *store.User
	session *store.Session

	lockHeld      bool
	lockSessionID string
	acquireErr    error
	refreshErr    error
	refreshes     int

	report *quota.Report

	ticketIssues int

	savedTake     int
	savedSegments []transcript.Segment
	savedFullText string
	savedDraft    string
	saveCalled    bool

	addedUsage float64
}

func newFakeStore() *fakeStore {
	user := &store.User{ID: "user-1", Email: "u@example.com", Plan: "free"}
	sess := &store.Session{ID: "sess-1", OwnerUserID: user.ID, Status: "created", LanguageCode: "ja-JP"}
	return &fakeStore{
		user:    user,
		session: sess,
		report: &quota.Report{
			Plan:             "free",
			LimitSeconds:     1800,
			UsedSeconds:      0,
			RemainingSeconds: 1800,
			SessionLimit:     10,
			CanStart:         true,
		},
	}
}

func (f *fakeStore) GetUser(_ context.Context, id string) (*store.User, error) {
	if id != f.user.ID {
		return nil, store.ErrNotFound
	}
	return f.user, nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (*store.Session, error) {
	if id != f.session.ID {
		return nil, store.ErrNotFound
	}
	return f.session, nil
}

func (f *fakeStore) GetSessionByClientRef(_ context.Context, _, _ string) (*store.Session, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStore) UserCanAccessSession(_ context.Context, userID, sessionID string) (bool, error) {
	return userID == f.user.ID && sessionID == f.session.ID, nil
}

func (f *fakeStore) AcquireStreamLock(_ context.Context, _, sessionID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return f.acquireErr
	}
	if f.lockHeld {
		return store.ErrLockHeld
	}
	f.lockHeld = true
	f.lockSessionID = sessionID
	return nil
}

func (f *fakeStore) RefreshStreamLock(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.refreshErr
}

func (f *fakeStore) ReleaseStreamLock(_ context.Context, _, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockHeld && f.lockSessionID == sessionID {
		f.lockHeld = false
	}
	return nil
}

func (f *fakeStore) IssueCloudTicket(_ context.Context, _, _, _ string) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticketIssues++
	return "ticket-1", time.Now().Add(2 * time.Hour), nil
}

func (f *fakeStore) GetUsageReport(_ context.Context, _, _ string) (*quota.Report, error) {
	return f.report, nil
}

func (f *fakeStore) GetSegments(_ context.Context, _ string) ([]transcript.Segment, error) {
	return nil, nil
}

func (f *fakeStore) SaveTranscript(_ context.Context, _ string, takeIndex int, segments []transcript.Segment, fullText, draft string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalled = true
	f.savedTake = takeIndex
	f.savedSegments = segments
	f.savedFullText = fullText
	f.savedDraft = draft
	return nil
}

func (f *fakeStore) AddUsage(_ context.Context, _ string, seconds float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addedUsage += seconds
	return nil
}

func (f *fakeStore) IsSessionValid(_ context.Context, _ string) (bool, error) { return true, nil }
func (f *fakeStore) RevokeSessionToken(_ context.Context, _ string) error     { return nil }

// fakeUsageLog records events without a database.
type fakeUsageLog struct {
	mu     sync.Mutex
	events []usagelog.EventType
}

func (f *fakeUsageLog) LogAsync(_, _ string, eventType usagelog.EventType, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

func (f *fakeUsageLog) LogUsage(_ context.Context, _, _ string, _ float64) error { return nil }

// fakeSTT is a scriptable recognizer. stallFinish simulates a backend that
// never flushes on end-of-input; only Close releases the channels then.
type fakeSTT struct {
	mu          sync.Mutex
	audio       [][]byte
	results     chan stt.TranscriptResult
	speech      chan stt.VADState
	errs        chan error
	closeOnce   sync.Once
	stallFinish bool
}

func newFakeSTT() *fakeSTT {
	return &fakeSTT{
		results: make(chan stt.TranscriptResult, 16),
		speech:  make(chan stt.VADState, 16),
		errs:    make(chan error, 1),
	}
}

func (f *fakeSTT) StreamAudio(_ context.Context, audio []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, audio)
	return nil
}

func (f *fakeSTT) Results() <-chan stt.TranscriptResult { return f.results }
func (f *fakeSTT) SpeechEvents() <-chan stt.VADState    { return f.speech }
func (f *fakeSTT) Errors() <-chan error                 { return f.errs }

func (f *fakeSTT) closeChannels() {
	f.closeOnce.Do(func() {
		close(f.results)
		close(f.speech)
		close(f.errs)
	})
}

func (f *fakeSTT) Finish() error {
	if f.stallFinish {
		return nil
	}
	f.closeChannels()
	return nil
}

func (f *fakeSTT) Close() error {
	f.closeChannels()
	return nil
}

func (f *fakeSTT) emitFinal(text string, confidence float64) {
	f.results <- stt.TranscriptResult{Text: text, Confidence: confidence, IsFinal: true}
}

func signTestToken(t *testing.T, userID string) string {
	t.Helper()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		UserID: userID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

type streamTestEnv struct {
	store       *fakeStore
	usageLog    *fakeUsageLog
	stallFinish bool
	sttMu       sync.Mutex
	stts        []*fakeSTT
	server      *httptest.Server
}

func newStreamTestEnv(t *testing.T) *streamTestEnv {
	t.Helper()
	env := &streamTestEnv{
		store:    newFakeStore(),
		usageLog: &fakeUsageLog{},
	}
	cfg := RouterConfig{
		JWTSecret: testJWTSecret,
		STTDial: func(_ context.Context, _ stt.Config) (stt.Client, error) {
			client := newFakeSTT()
			client.stallFinish = env.stallFinish
			env.sttMu.Lock()
			env.stts = append(env.stts, client)
			env.sttMu.Unlock()
			return client, nil
		},
	}
	logger := log.New(os.Stderr, "[test] ", log.LstdFlags)
	handler := NewRouter(cfg, logger, env.store, env.usageLog, nil)
	env.server = httptest.NewServer(handler)
	t.Cleanup(env.server.Close)
	return env
}

func (e *streamTestEnv) dial(t *testing.T, sessionID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/stream/" + sessionID
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (e *streamTestEnv) sttClient(t *testing.T) *fakeSTT {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.sttMu.Lock()
		n := len(e.stts)
		e.sttMu.Unlock()
		if n > 0 {
			e.sttMu.Lock()
			defer e.sttMu.Unlock()
			return e.stts[len(e.stts)-1]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("recognizer was never dialed")
	return nil
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev map[string]any
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

// readUntil skips events until one with the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, event string) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		ev := readEvent(t, conn)
		if ev["event"] == event {
			return ev
		}
	}
	t.Fatalf("event %q never arrived", event)
	return nil
}

func sendStart(t *testing.T, conn *websocket.Conn, segmentIndex int) {
	t.Helper()
	err := conn.WriteJSON(map[string]any{
		"event":        "start",
		"config":       map[string]any{"languageCode": "ja-JP", "sampleRateHertz": 16000},
		"cloudTicket":  "ticket-1",
		"segmentIndex": segmentIndex,
	})
	if err != nil {
		t.Fatalf("send start: %v", err)
	}
}

func sendAudioFrame(t *testing.T, conn *websocket.Conn, seq uint32, pcm []byte) {
	t.Helper()
	data := make([]byte, 4+len(pcm))
	binary.BigEndian.PutUint32(data[:4], seq)
	copy(data[4:], pcm)
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("send audio: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStreamWS_HappyPath(t *testing.T) {
	env := newStreamTestEnv(t)
	token := signTestToken(t, "user-1")
	conn := env.dial(t, "sess-1", token)

	if ev := readEvent(t, conn); ev["event"] != "connected" {
		t.Fatalf("first event = %v, want connected", ev)
	}

	sendStart(t, conn, 0)
	sendAudioFrame(t, conn, 1, make([]byte, 32000)) // 1s of 16kHz audio
	sendAudioFrame(t, conn, 2, make([]byte, 32000))

	recognizer := env.sttClient(t)
	waitFor(t, "audio to reach the recognizer", func() bool {
		recognizer.mu.Lock()
		defer recognizer.mu.Unlock()
		total := 0
		for _, chunk := range recognizer.audio {
			total += len(chunk)
		}
		return total >= 64000
	})

	recognizer.emitFinal("hello", 0.9)
	ev := readUntil(t, conn, "final")
	if ev["transcript"] != "hello" {
		t.Errorf("final transcript = %v, want hello", ev["transcript"])
	}

	recognizer.emitFinal("world", 0.8)
	readUntil(t, conn, "final")

	if err := conn.WriteJSON(map[string]any{"event": "stop"}); err != nil {
		t.Fatalf("send stop: %v", err)
	}
	readUntil(t, conn, "done")

	waitFor(t, "transcript persist", func() bool {
		env.store.mu.Lock()
		defer env.store.mu.Unlock()
		return env.store.saveCalled
	})

	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	if env.store.savedFullText != "hello\nworld" {
		t.Errorf("persisted text = %q, want %q", env.store.savedFullText, "hello\nworld")
	}
	if len(env.store.savedSegments) != 2 {
		t.Errorf("persisted segments = %d, want 2", len(env.store.savedSegments))
	}
	if env.store.lockHeld {
		t.Error("stream lock was not released")
	}
	if env.store.addedUsage < 1.9 || env.store.addedUsage > 2.1 {
		t.Errorf("recorded usage = %v, want ~2s", env.store.addedUsage)
	}
}

func TestStreamWS_BinaryBeforeStart(t *testing.T) {
	env := newStreamTestEnv(t)
	token := signTestToken(t, "user-1")
	conn := env.dial(t, "sess-1", token)

	readUntil(t, conn, "connected")
	sendAudioFrame(t, conn, 1, make([]byte, 3200))

	ev := readUntil(t, conn, "error")
	if ev["code"] != "protocol_violation" {
		t.Errorf("error code = %v, want protocol_violation", ev["code"])
	}

	waitFor(t, "lock release", func() bool {
		env.store.mu.Lock()
		defer env.store.mu.Unlock()
		return !env.store.lockHeld
	})
}

func TestStreamWS_DuplicateFramesDropped(t *testing.T) {
	env := newStreamTestEnv(t)
	token := signTestToken(t, "user-1")
	conn := env.dial(t, "sess-1", token)

	readUntil(t, conn, "connected")
	sendStart(t, conn, 0)

	sendAudioFrame(t, conn, 0, make([]byte, 3200)) // clients may number from zero
	sendAudioFrame(t, conn, 0, make([]byte, 3200)) // duplicate
	sendAudioFrame(t, conn, 5, make([]byte, 3200))
	sendAudioFrame(t, conn, 5, make([]byte, 3200)) // duplicate
	sendAudioFrame(t, conn, 4, make([]byte, 3200)) // stale
	sendAudioFrame(t, conn, 6, make([]byte, 3200))

	recognizer := env.sttClient(t)
	waitFor(t, "accepted frames to reach the recognizer", func() bool {
		recognizer.mu.Lock()
		defer recognizer.mu.Unlock()
		total := 0
		for _, chunk := range recognizer.audio {
			total += len(chunk)
		}
		return total >= 9600
	})

	if err := conn.WriteJSON(map[string]any{"event": "stop"}); err != nil {
		t.Fatalf("send stop: %v", err)
	}
	readUntil(t, conn, "done")

	waitFor(t, "usage report", func() bool {
		env.store.mu.Lock()
		defer env.store.mu.Unlock()
		return env.store.addedUsage > 0
	})
	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	// Only the three accepted frames count: 9600 bytes = 0.3s.
	if env.store.addedUsage < 0.29 || env.store.addedUsage > 0.31 {
		t.Errorf("recorded usage = %v, want 0.3s", env.store.addedUsage)
	}
}

func TestStreamWS_LockRefreshedWhileStreaming(t *testing.T) {
	oldInterval := lockRefreshInterval
	lockRefreshInterval = 20 * time.Millisecond
	defer func() { lockRefreshInterval = oldInterval }()

	env := newStreamTestEnv(t)
	token := signTestToken(t, "user-1")
	conn := env.dial(t, "sess-1", token)

	readUntil(t, conn, "connected")
	sendStart(t, conn, 0)

	// A live stream outlasting the lock TTL keeps refreshing its lock.
	waitFor(t, "lock refreshes", func() bool {
		env.store.mu.Lock()
		defer env.store.mu.Unlock()
		return env.store.refreshes >= 2
	})

	if err := conn.WriteJSON(map[string]any{"event": "stop"}); err != nil {
		t.Fatalf("send stop: %v", err)
	}
	readUntil(t, conn, "done")
}

func TestStreamWS_LockLostMidStream(t *testing.T) {
	oldInterval := lockRefreshInterval
	lockRefreshInterval = 20 * time.Millisecond
	defer func() { lockRefreshInterval = oldInterval }()

	env := newStreamTestEnv(t)
	env.store.refreshErr = store.ErrLockHeld

	token := signTestToken(t, "user-1")
	conn := env.dial(t, "sess-1", token)

	readUntil(t, conn, "connected")
	sendStart(t, conn, 0)

	ev := readUntil(t, conn, "error")
	if ev["code"] != "concurrent_stream_limit" {
		t.Errorf("error code = %v, want concurrent_stream_limit", ev["code"])
	}
}

func TestStreamWS_UnresponsiveRecognizerDrain(t *testing.T) {
	oldDrain := drainTimeout
	drainTimeout = 50 * time.Millisecond
	defer func() { drainTimeout = oldDrain }()

	env := newStreamTestEnv(t)
	env.stallFinish = true

	token := signTestToken(t, "user-1")
	conn := env.dial(t, "sess-1", token)

	readUntil(t, conn, "connected")
	sendStart(t, conn, 0)
	sendAudioFrame(t, conn, 1, make([]byte, 32000))

	recognizer := env.sttClient(t)
	recognizer.emitFinal("hello", 0.9)
	readUntil(t, conn, "final")

	if err := conn.WriteJSON(map[string]any{"event": "stop"}); err != nil {
		t.Fatalf("send stop: %v", err)
	}
	// The recognizer never flushes on end-of-input; the bounded drain gives
	// up, the hard close takes over and the stream still ends cleanly.
	readUntil(t, conn, "done")

	waitFor(t, "transcript persist", func() bool {
		env.store.mu.Lock()
		defer env.store.mu.Unlock()
		return env.store.saveCalled
	})
	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	if env.store.savedFullText != "hello" {
		t.Errorf("persisted text = %q, want %q", env.store.savedFullText, "hello")
	}
	if env.store.lockHeld {
		t.Error("stream lock was not released")
	}
}

func TestStreamWS_QuotaExhaustion(t *testing.T) {
	env := newStreamTestEnv(t)
	env.store.report.UsedSeconds = 1798
	env.store.report.RemainingSeconds = 2

	token := signTestToken(t, "user-1")
	conn := env.dial(t, "sess-1", token)

	readUntil(t, conn, "connected")
	sendStart(t, conn, 0)

	// 4 seconds of audio against a 2 second budget.
	for seq := uint32(1); seq <= 4; seq++ {
		sendAudioFrame(t, conn, seq, make([]byte, 32000))
	}

	ev := readUntil(t, conn, "quota_exhausted")
	if _, ok := ev["lockedUntil"].(string); !ok {
		t.Errorf("quota_exhausted lockedUntil missing: %v", ev)
	}
	consumed, _ := ev["consumedSeconds"].(float64)
	if consumed < 1.9 || consumed > 2.1 {
		t.Errorf("consumedSeconds = %v, want ~2", consumed)
	}

	readUntil(t, conn, "done")

	// Nothing past the cutoff reaches the recognizer.
	recognizer := env.sttClient(t)
	recognizer.mu.Lock()
	total := 0
	for _, chunk := range recognizer.audio {
		total += len(chunk)
	}
	recognizer.mu.Unlock()
	if total > 64000 {
		t.Errorf("recognizer received %d bytes, want at most 64000", total)
	}

	waitFor(t, "transcript persist", func() bool {
		env.store.mu.Lock()
		defer env.store.mu.Unlock()
		return env.store.saveCalled
	})
}

func TestStreamWS_ConcurrentStreamRejected(t *testing.T) {
	env := newStreamTestEnv(t)
	env.store.lockHeld = true
	env.store.lockSessionID = "other-session"

	token := signTestToken(t, "user-1")
	conn := env.dial(t, "sess-1", token)

	ev := readUntil(t, conn, "error")
	if ev["code"] != "concurrent_stream_limit" {
		t.Errorf("error code = %v, want concurrent_stream_limit", ev["code"])
	}

	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	if env.store.ticketIssues != 0 {
		t.Errorf("ticket issued %d times for a rejected connection, want 0", env.store.ticketIssues)
	}
	if !env.store.lockHeld || env.store.lockSessionID != "other-session" {
		t.Error("rejected connection disturbed the existing lock")
	}
}

func TestStreamWS_Unauthorized(t *testing.T) {
	env := newStreamTestEnv(t)
	conn := env.dial(t, "sess-1", "")

	ev := readUntil(t, conn, "error")
	if ev["code"] != "unauthorized" {
		t.Errorf("error code = %v, want unauthorized", ev["code"])
	}
}

func TestStreamWS_SessionNotFound(t *testing.T) {
	env := newStreamTestEnv(t)
	token := signTestToken(t, "user-1")
	conn := env.dial(t, "no-such-session", token)

	ev := readUntil(t, conn, "error")
	if ev["code"] != "session_not_found" {
		t.Errorf("error code = %v, want session_not_found", ev["code"])
	}
}

func TestStreamWS_TicketMismatch(t *testing.T) {
	env := newStreamTestEnv(t)
	token := signTestToken(t, "user-1")
	conn := env.dial(t, "sess-1", token)

	readUntil(t, conn, "connected")
	err := conn.WriteJSON(map[string]any{
		"event":        "start",
		"cloudTicket":  "stolen-ticket",
		"segmentIndex": 0,
	})
	if err != nil {
		t.Fatalf("send start: %v", err)
	}

	ev := readUntil(t, conn, "error")
	if ev["code"] != "unauthorized" {
		t.Errorf("error code = %v, want unauthorized", ev["code"])
	}
}
