package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/classnote/backend/internal/audio"
	"github.com/classnote/backend/internal/backup"
	"github.com/classnote/backend/internal/quota"
	"github.com/classnote/backend/internal/store"
	"github.com/classnote/backend/internal/stt"
	"github.com/classnote/backend/internal/transcript"
	"github.com/classnote/backend/internal/usagelog"
)

const (
	audioQueueCapacity = 50
	queuePopTimeout    = 1500 * time.Millisecond
	heartbeatMs        = 100 // silence injected per relay timeout to keep the recognizer alive
	noAudioTimeout     = 20 * time.Second
	streamLockTTL      = 5 * time.Minute

	defaultSampleRateHz = 16000
	defaultLanguageCode = "ja-JP"
)

// Variables so tests can shorten the cadence and the drain bound.
var (
	// Refresh well inside the TTL so a live stream's lock never looks stale.
	lockRefreshInterval = streamLockTTL / 2
	drainTimeout        = 5 * time.Second
)

// Error codes sent in {"event":"error","code":...} frames.
const (
	codeUnauthorized      = "unauthorized"
	codeSessionNotFound   = "session_not_found"
	codeForbidden         = "forbidden"
	codeConcurrentStream  = "concurrent_stream_limit"
	codeCloudSessionLimit = "cloud_session_limit"
	codeUsageDataMissing  = "usage_data_missing"
	codeNoAudioTimeout    = "no_audio_timeout"
	codeProtocolViolation = "protocol_violation"
	codeInternalSetup     = "internal_setup_error"
	codeRecognizerError   = "recognizer_error"
)

// WebSocket close codes grouped by error class.
const (
	closeNotFound     = 4000 // missing resources and protocol misuse
	closeUnauthorized = 4001
	closePolicy       = 4003 // authorization and quota/contention rejections
)

func closeCodeFor(errorCode string) int {
	switch errorCode {
	case codeUnauthorized:
		return closeUnauthorized
	case codeForbidden, codeConcurrentStream, codeCloudSessionLimit,
		codeUsageDataMissing, codeNoAudioTimeout:
		return closePolicy
	case codeSessionNotFound, codeProtocolViolation:
		return closeNotFound
	default:
		return websocket.CloseInternalServerErr
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientFrame is a client control message.
type clientFrame struct {
	Event        string        `json:"event"`
	Config       *streamConfig `json:"config,omitempty"`
	CloudTicket  string        `json:"cloudTicket,omitempty"`
	SegmentIndex int           `json:"segmentIndex"`
}

type streamConfig struct {
	LanguageCode    string `json:"languageCode,omitempty"`
	SampleRateHertz int    `json:"sampleRateHertz,omitempty"`
}

// errStreamDone signals a normal end of the read loop after done was sent.
var errStreamDone = errors.New("stream done")

// streamSession owns one live transcription connection.
type streamSession struct {
	user *store.User
	sess *store.Session

	conn   *websocket.Conn
	connMu sync.Mutex

	store    SessionStore
	usageLog UsageLogger
	uploader backup.Uploader
	logger   *log.Logger
	cfg      RouterConfig
	sttDial  func(ctx context.Context, cfg stt.Config) (stt.Client, error)

	// Populated by the start frame
	started      bool
	take         int
	sampleRate   int
	languageCode string
	audioStarted time.Time

	ticket       string
	allowedUntil time.Time
	report       *quota.Report
	lockAcquired bool

	sttClient stt.Client
	queue     *audio.Queue
	meter     *quota.Meter
	acc       *transcript.Accumulator

	// Shared between the socket reader and the recognition event goroutine.
	// lastSeq starts at -1 so a client numbering from zero keeps its first frame.
	lastSeq       atomic.Int64
	bytesReceived atomic.Int64
	stopRequested atomic.Bool

	// Amplitude aggregate over all accepted PCM
	statSamples int
	statMaxAbs  int
	statSumSq   float64

	tmpFile *os.File
	tmpPath string

	relayDone  chan struct{}
	eventsDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func (r *Router) handleStreamWS(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("sessionID")

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("stream_ws: upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &streamSession{
		conn:     conn,
		store:    r.store,
		usageLog: r.usageLog,
		uploader: r.uploader,
		logger:   r.logger,
		cfg:      r.cfg,
		sttDial:  r.sttDial(),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.lastSeq.Store(-1)
	defer s.cleanup()

	// Connect sequence: authenticate, resolve, authorize, lock, quota,
	// ticket. Any failure sends a single error frame and closes.
	if !s.connect(r, req, sessionID) {
		return
	}

	s.writeEvent(map[string]any{"event": "connected"})
	s.usageLog.LogAsync(s.user.ID, s.sess.ID, usagelog.EventStreamConnected, nil)

	go s.lockKeepalive()
	s.run()
}

// lockKeepalive refreshes the stream lock while the connection lives. The
// ticket window (2h) far outlasts the lock TTL, so without refreshes a live
// stream's lock would go stale and a second connection could reclaim it.
func (s *streamSession) lockKeepalive() {
	ticker := time.NewTicker(lockRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			err := s.store.RefreshStreamLock(s.ctx, s.user.ID, s.sess.ID)
			if err == nil {
				continue
			}
			if s.ctx.Err() != nil {
				return
			}
			if err != store.ErrLockHeld {
				s.logger.Printf("stream_ws: session %s: lock refresh failed: %v", s.sess.ID, err)
				continue
			}
			// Another stream reclaimed the lock; this one must yield. Close
			// the socket to wake the blocked read loop, cleanup persists.
			s.logger.Printf("stream_ws: session %s: stream lock reclaimed by another stream", s.sess.ID)
			s.abort(codeConcurrentStream)
			s.connMu.Lock()
			_ = s.conn.Close()
			s.connMu.Unlock()
			return
		}
	}
}

// sttDial picks the configured recognizer, honoring the test override.
func (r *Router) sttDial() func(ctx context.Context, cfg stt.Config) (stt.Client, error) {
	if r.cfg.STTDial != nil {
		return r.cfg.STTDial
	}
	if r.cfg.STTProvider == "google" {
		return func(ctx context.Context, cfg stt.Config) (stt.Client, error) {
			return stt.NewGoogleClient(ctx, stt.GoogleConfig{
				ProjectID:       r.cfg.GoogleProjectID,
				CredentialsJSON: r.cfg.GoogleCredentialsJSON,
				Location:        r.cfg.GoogleLocation,
				Recognizer:      r.cfg.GoogleRecognizer,
				Model:           r.cfg.GoogleModel,
				Language:        cfg.LanguageCode,
				SampleRate:      cfg.SampleRate,
				Channels:        cfg.Channels,
			})
		}
	}
	return func(ctx context.Context, cfg stt.Config) (stt.Client, error) {
		return stt.NewDeepgramClient(ctx, stt.DeepgramConfig{
			APIKey:         r.cfg.DeepgramAPIKey,
			Model:          r.cfg.DeepgramModel,
			Language:       cfg.LanguageCode,
			SampleRate:     cfg.SampleRate,
			Encoding:       "linear16",
			Channels:       cfg.Channels,
			Punctuate:      true,
			InterimResults: true,
			VADEvents:      true,
		})
	}
}

// connect runs the pre-stream sequence. It returns false after sending the
// error frame and close message when any step rejects the connection.
func (s *streamSession) connect(r *Router, req *http.Request, sessionID string) bool {
	user, err := r.authenticate(req)
	if err != nil {
		s.abort(codeUnauthorized)
		return false
	}
	s.user, err = s.store.GetUser(s.ctx, user.ID)
	if err != nil {
		s.abort(codeUnauthorized)
		return false
	}

	// Resolve the session, falling back to the client-generated reference
	// for records created offline.
	sess, err := s.store.GetSession(s.ctx, sessionID)
	if err == store.ErrNotFound {
		if ref := req.URL.Query().Get("fallbackId"); ref != "" {
			sess, err = s.store.GetSessionByClientRef(s.ctx, s.user.ID, ref)
		}
	}
	if err == store.ErrNotFound {
		s.abort(codeSessionNotFound)
		return false
	}
	if err != nil {
		s.logger.Printf("stream_ws: session lookup failed: %v", err)
		captureError(req, err, "stream session lookup failed")
		s.abort(codeInternalSetup)
		return false
	}
	s.sess = sess

	allowed, err := s.store.UserCanAccessSession(s.ctx, s.user.ID, sess.ID)
	if err != nil {
		s.logger.Printf("stream_ws: access check failed: %v", err)
		captureError(req, err, "stream access check failed")
		s.abort(codeInternalSetup)
		return false
	}
	if !allowed {
		s.abort(codeForbidden)
		return false
	}

	if err := s.store.AcquireStreamLock(s.ctx, s.user.ID, sess.ID, streamLockTTL); err != nil {
		if err == store.ErrLockHeld {
			s.abort(codeConcurrentStream)
		} else {
			s.logger.Printf("stream_ws: lock acquire failed: %v", err)
			captureError(req, err, "stream lock acquire failed")
			s.abort(codeInternalSetup)
		}
		return false
	}
	s.lockAcquired = true

	s.report, err = s.store.GetUsageReport(s.ctx, s.user.ID, s.user.Plan)
	if err != nil {
		s.logger.Printf("stream_ws: usage report failed: %v", err)
		captureError(req, err, "stream usage report failed")
		s.abort(codeUsageDataMissing)
		return false
	}
	if s.report.RemainingSeconds <= 0 {
		s.writeEvent(map[string]any{
			"event":           "quota_exhausted",
			"lockedUntil":     nextMonthStart(time.Now()).Format(time.RFC3339),
			"consumedSeconds": 0.0,
		})
		s.closeWith(closePolicy, "quota exhausted")
		return false
	}
	if !s.report.CanStart {
		s.abort(codeCloudSessionLimit)
		return false
	}

	s.ticket, s.allowedUntil, err = s.store.IssueCloudTicket(s.ctx, sess.ID, s.user.ID, s.user.Plan)
	if err != nil {
		if err == store.ErrSessionLimit {
			s.abort(codeCloudSessionLimit)
		} else {
			s.logger.Printf("stream_ws: ticket issue failed: %v", err)
			captureError(req, err, "cloud ticket issue failed")
			s.abort(codeInternalSetup)
		}
		return false
	}

	return true
}

// run is the socket read loop. It multiplexes control frames, binary audio
// and the two stream deadlines (no-audio window, ticket expiry).
func (s *streamSession) run() {
	for {
		_ = s.conn.SetReadDeadline(s.readDeadline())

		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}

		switch msgType {
		case websocket.TextMessage:
			err = s.handleControl(msg)
		case websocket.BinaryMessage:
			err = s.handleAudio(msg)
		default:
			continue
		}

		if err == errStreamDone {
			return
		}
		if err != nil {
			s.logger.Printf("stream_ws: session %s: %v", s.sess.ID, err)
			return
		}
	}
}

// readDeadline bounds the next socket read. The ticket window caps every
// stream; after start with no audio yet the shorter no-audio window applies.
func (s *streamSession) readDeadline() time.Time {
	deadline := s.allowedUntil
	if s.started && s.bytesReceived.Load() == 0 {
		if d := s.audioStarted.Add(noAudioTimeout); d.Before(deadline) {
			deadline = d
		}
	}
	return deadline
}

func (s *streamSession) handleReadError(err error) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		now := time.Now()
		if s.started && s.bytesReceived.Load() == 0 && now.After(s.audioStarted.Add(noAudioTimeout).Add(-time.Millisecond)) {
			s.logger.Printf("stream_ws: session %s: no audio within %s", s.sess.ID, noAudioTimeout)
			s.abort(codeNoAudioTimeout)
			return
		}
		// Ticket window elapsed: end like a graceful stop.
		s.logger.Printf("stream_ws: session %s: stream window expired", s.sess.ID)
		s.finishStream()
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Printf("stream_ws: session %s: client disconnected", s.sess.ID)
	} else {
		s.logger.Printf("stream_ws: session %s: read error: %v", s.sess.ID, err)
	}
	// Disconnect without stop: drain whatever was queued, skip done.
	if s.started {
		s.drain()
	}
}

func (s *streamSession) handleControl(msg []byte) error {
	var frame clientFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		s.abort(codeProtocolViolation)
		return errStreamDone
	}

	switch frame.Event {
	case "start":
		if s.started {
			s.abort(codeProtocolViolation)
			return errStreamDone
		}
		return s.handleStart(frame)
	case "stop":
		if !s.started {
			s.abort(codeProtocolViolation)
			return errStreamDone
		}
		s.usageLog.LogAsync(s.user.ID, s.sess.ID, usagelog.EventStreamStopped, nil)
		s.finishStream()
		return errStreamDone
	default:
		s.abort(codeProtocolViolation)
		return errStreamDone
	}
}

func (s *streamSession) handleStart(frame clientFrame) error {
	// A stale or foreign ticket means the client's grant does not match
	// what was reserved for this session.
	now := time.Now()
	if frame.CloudTicket != "" && frame.CloudTicket != s.ticket {
		s.abort(codeUnauthorized)
		return errStreamDone
	}
	if now.After(s.allowedUntil) {
		s.abort(codeUnauthorized)
		return errStreamDone
	}

	s.take = frame.SegmentIndex
	s.sampleRate = s.cfg.DefaultSampleRate
	s.languageCode = s.sess.LanguageCode
	if s.languageCode == "" {
		s.languageCode = s.cfg.DefaultLanguageCode
	}
	if frame.Config != nil {
		if frame.Config.SampleRateHertz > 0 {
			s.sampleRate = frame.Config.SampleRateHertz
		}
		if frame.Config.LanguageCode != "" {
			s.languageCode = frame.Config.LanguageCode
		}
	}

	s.meter = quota.NewMeter(s.sampleRate, s.report.RemainingSeconds)
	s.acc = transcript.NewAccumulator(s.take, s.sampleRate)
	s.queue = audio.NewQueue(audioQueueCapacity)

	tmp, err := os.CreateTemp("", "stream-audio-*.raw")
	if err != nil {
		s.logger.Printf("stream_ws: temp backup file failed: %v", err)
	} else {
		s.tmpFile = tmp
		s.tmpPath = tmp.Name()
	}

	client, err := s.sttDial(s.ctx, stt.Config{
		LanguageCode: s.languageCode,
		SampleRate:   s.sampleRate,
		Channels:     1,
	})
	if err != nil {
		s.logger.Printf("stream_ws: recognizer dial failed: %v", err)
		s.abort(codeInternalSetup)
		return errStreamDone
	}
	s.sttClient = client

	s.relayDone = make(chan struct{})
	s.eventsDone = make(chan struct{})
	go s.relayLoop()
	go s.processRecognitionEvents()

	s.started = true
	s.audioStarted = now
	s.usageLog.LogAsync(s.user.ID, s.sess.ID, usagelog.EventStreamStarted, map[string]any{
		"segmentIndex": s.take,
		"sampleRate":   s.sampleRate,
		"languageCode": s.languageCode,
	})
	s.logger.Printf("stream_ws: session %s streaming (take %d, %dHz, %s)",
		s.sess.ID, s.take, s.sampleRate, s.languageCode)
	return nil
}

func (s *streamSession) handleAudio(data []byte) error {
	if !s.started {
		s.abort(codeProtocolViolation)
		return errStreamDone
	}

	frame, err := audio.ParseFrame(data)
	if err != nil {
		s.abort(codeProtocolViolation)
		return errStreamDone
	}

	// Duplicate or stale retransmission
	if int64(frame.Seq) <= s.lastSeq.Load() {
		return nil
	}
	s.lastSeq.Store(int64(frame.Seq))
	s.bytesReceived.Add(int64(len(frame.PCM)))
	s.mergeStats(frame.PCM)

	if s.tmpFile != nil {
		if _, err := s.tmpFile.Write(frame.PCM); err != nil {
			s.logger.Printf("stream_ws: backup write failed: %v", err)
			_ = s.tmpFile.Close()
			s.tmpFile = nil
		}
	}

	switch s.meter.AddBytes(len(frame.PCM)) {
	case quota.EventWarning:
		consumed := s.meter.ConsumedSeconds()
		s.writeEvent(map[string]any{
			"event":            "quota_warning",
			"remainingSeconds": s.report.RemainingSeconds - consumed,
			"limitSeconds":     s.report.LimitSeconds,
			"usedSeconds":      s.report.UsedSeconds + consumed,
			"plan":             s.report.Plan,
			"thresholdSeconds": quota.WarningThresholdSeconds,
		})
		s.usageLog.LogAsync(s.user.ID, s.sess.ID, usagelog.EventQuotaWarning, map[string]any{
			"remainingSeconds": s.report.RemainingSeconds - consumed,
		})
	case quota.EventExhausted:
		// The frame that crossed the budget is not forwarded.
		s.writeEvent(map[string]any{
			"event":           "quota_exhausted",
			"lockedUntil":     nextMonthStart(time.Now()).Format(time.RFC3339),
			"consumedSeconds": s.meter.ConsumedSeconds(),
		})
		s.usageLog.LogAsync(s.user.ID, s.sess.ID, usagelog.EventQuotaExhausted, map[string]any{
			"consumedSeconds": s.meter.ConsumedSeconds(),
		})
		s.finishStream()
		return errStreamDone
	}

	if !s.meter.Exhausted() {
		s.queue.Push(frame.PCM)
	}
	return nil
}

// relayLoop feeds queued audio to the recognizer. When no audio arrives
// within the pop timeout it injects a short silence chunk so the provider
// does not end the stream during client-side pauses.
func (s *streamSession) relayLoop() {
	defer close(s.relayDone)

	for {
		pcm, ok := s.queue.Pop(queuePopTimeout)
		if !ok {
			if s.stopRequested.Load() {
				continue
			}
			if err := s.sttClient.StreamAudio(s.ctx, audio.Silence(heartbeatMs, s.sampleRate)); err != nil {
				s.logger.Printf("stream_ws: heartbeat send failed: %v", err)
				return
			}
			continue
		}
		if pcm == nil {
			// End of input: let the recognizer flush pending results.
			if err := s.sttClient.Finish(); err != nil {
				s.logger.Printf("stream_ws: recognizer finish failed: %v", err)
			}
			return
		}
		if err := s.sttClient.StreamAudio(s.ctx, pcm); err != nil {
			s.logger.Printf("stream_ws: audio send failed: %v", err)
			return
		}
	}
}

// processRecognitionEvents fans recognizer output to the client and the
// accumulator. It exits when the result channel closes, which marks the end
// of a drain.
func (s *streamSession) processRecognitionEvents() {
	defer close(s.eventsDone)

	results := s.sttClient.Results()
	speechEvents := s.sttClient.SpeechEvents()
	errorsCh := s.sttClient.Errors()

	for {
		select {
		case <-s.ctx.Done():
			return

		case err, ok := <-errorsCh:
			if !ok {
				errorsCh = nil
				continue
			}
			s.logger.Printf("stream_ws: recognizer error: %v", err)
			s.usageLog.LogAsync(s.user.ID, s.sess.ID, usagelog.EventRecognizerError, map[string]any{
				"error": err.Error(),
			})
			// The transport is gone; tell the client and wake the read
			// loop by closing the socket. Cleanup persists what we have.
			s.abort(codeRecognizerError)
			s.connMu.Lock()
			_ = s.conn.Close()
			s.connMu.Unlock()
			return

		case state, ok := <-speechEvents:
			if !ok {
				speechEvents = nil
				continue
			}
			s.writeEvent(map[string]any{"event": "vad", "state": string(state)})

		case result, ok := <-results:
			if !ok {
				return
			}
			seq := s.lastSeq.Load()
			if seq < 0 {
				seq = 0
			}
			if result.IsFinal {
				s.acc.AddFinal(result.Text, result.Confidence, s.bytesReceived.Load(), uint32(seq))
				s.writeEvent(map[string]any{
					"event":      "final",
					"transcript": result.Text,
					"confidence": result.Confidence,
					"seq":        seq,
				})
			} else {
				s.acc.SetPartial(result.Text)
				s.writeEvent(map[string]any{
					"event":      "partial",
					"transcript": result.Text,
					"confidence": result.Confidence,
					"seq":        seq,
				})
			}
		}
	}
}

// drain closes the audio input and waits a bounded time for the recognizer
// to flush. A timeout truncates the transcript but is not an error.
func (s *streamSession) drain() {
	if !s.started {
		return
	}
	s.stopRequested.Store(true)
	s.queue.CloseInput()

	select {
	case <-s.eventsDone:
	case <-time.After(drainTimeout):
		s.logger.Printf("stream_ws: session %s: drain timed out", s.sess.ID)
		_ = s.sttClient.Close()
	}
}

// finishStream runs the shared graceful-end path: drain, then done.
// Both client stop and quota cutoff land here.
func (s *streamSession) finishStream() {
	s.drain()
	s.writeEvent(map[string]any{"event": "done"})
	s.closeWith(websocket.CloseNormalClosure, "")
}

// abort sends a single error frame and the matching close message.
func (s *streamSession) abort(code string) {
	s.writeEvent(map[string]any{"event": "error", "code": code})
	s.closeWith(closeCodeFor(code), code)
}

func (s *streamSession) writeEvent(v any) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if err := s.conn.WriteJSON(v); err != nil {
		s.logger.Printf("stream_ws: write failed: %v", err)
	}
}

func (s *streamSession) closeWith(code int, reason string) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (s *streamSession) mergeStats(pcm []byte) {
	st := audio.ComputeStats(pcm)
	s.statSamples += st.Samples
	if st.MaxAbs > s.statMaxAbs {
		s.statMaxAbs = st.MaxAbs
	}
	s.statSumSq += st.RMS * st.RMS * float64(st.Samples)
}

// cleanup releases every resource the session may hold. It runs on every
// exit path.
func (s *streamSession) cleanup() {
	s.cancel()

	// Detached context: the request context is already dead here.
	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()

	if s.started {
		if s.sttClient != nil {
			_ = s.sttClient.Close()
		}
		// The event goroutine may still be appending finals after a drain
		// timeout; persist only once it has exited.
		if s.eventsDone != nil {
			select {
			case <-s.eventsDone:
			case <-time.After(time.Second):
				s.logger.Printf("stream_ws: session %s: recognition events never settled", s.sess.ID)
			}
		}
		s.persistTranscript(ctx)
		s.reportUsage(ctx)
		s.uploadBackup()
		s.logAudioStats()
	} else if s.tmpPath != "" {
		_ = os.Remove(s.tmpPath)
	}

	if s.lockAcquired {
		if err := s.store.ReleaseStreamLock(ctx, s.user.ID, s.sess.ID); err != nil {
			s.logger.Printf("stream_ws: lock release failed: %v", err)
		}
	}

	s.connMu.Lock()
	_ = s.conn.Close()
	s.connMu.Unlock()

	if s.sess != nil {
		s.logger.Printf("stream_ws: session %s cleaned up", s.sess.ID)
	}
}

// persistTranscript merges this take's segments with prior takes and writes
// the canonical text. Failures are logged and swallowed; persistence must
// never block resource release.
func (s *streamSession) persistTranscript(ctx context.Context) {
	existing, err := s.store.GetSegments(ctx, s.sess.ID)
	if err != nil {
		s.logger.Printf("stream_ws: loading prior segments failed: %v", err)
		existing = nil
	}

	merged := transcript.Merge(existing, s.acc.Segments(), s.take)
	fullText := transcript.FullText(merged)
	draft := s.acc.Partial()

	if err := s.store.SaveTranscript(ctx, s.sess.ID, s.take, s.acc.Segments(), fullText, draft); err != nil {
		s.logger.Printf("stream_ws: transcript persist failed: %v", err)
		return
	}
	s.usageLog.LogAsync(s.user.ID, s.sess.ID, usagelog.EventTranscriptPersisted, map[string]any{
		"segments": len(s.acc.Segments()),
		"take":     s.take,
	})
}

func (s *streamSession) reportUsage(ctx context.Context) {
	consumed := s.meter.ConsumedSeconds()
	if consumed <= 0 {
		return
	}
	if err := s.store.AddUsage(ctx, s.user.ID, consumed); err != nil {
		s.logger.Printf("stream_ws: usage update failed: %v", err)
	}
	if err := s.usageLog.LogUsage(ctx, s.user.ID, s.sess.ID, consumed); err != nil {
		s.logger.Printf("stream_ws: usage log failed: %v", err)
	}
}

// uploadBackup ships the raw PCM capture to object storage in the background
// and removes the temp file afterwards.
func (s *streamSession) uploadBackup() {
	if s.tmpFile == nil {
		return
	}
	_ = s.tmpFile.Close()

	if s.uploader == nil || s.bytesReceived.Load() == 0 {
		_ = os.Remove(s.tmpPath)
		return
	}

	objectPath := fmt.Sprintf("%sraw_audio/%s/backup_%d.raw", s.cfg.BackupPrefix, s.sess.ID, time.Now().Unix())
	tmpPath := s.tmpPath
	logger := s.logger
	uploader := s.uploader
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := uploader.UploadFile(ctx, objectPath, tmpPath); err != nil {
			logger.Printf("stream_ws: audio backup upload failed: %v", err)
		}
		_ = os.Remove(tmpPath)
	}()
}

func (s *streamSession) logAudioStats() {
	if s.statSamples == 0 {
		return
	}
	rms := math.Sqrt(s.statSumSq / float64(s.statSamples))
	rmsDb := -100.0
	if rms > 0 {
		rmsDb = 20 * math.Log10(rms/32767.0)
	}
	s.logger.Printf("stream_ws: session %s audio: %.1fs received, maxAbs=%d, rms=%.1fdB",
		s.sess.ID, s.meter.ConsumedSeconds(), s.statMaxAbs, rmsDb)
}

// nextMonthStart returns the UTC instant the monthly quota resets.
func nextMonthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
