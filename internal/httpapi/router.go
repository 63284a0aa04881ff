package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/classnote/backend/internal/backup"
	"github.com/classnote/backend/internal/quota"
	"github.com/classnote/backend/internal/store"
	"github.com/classnote/backend/internal/stt"
	"github.com/classnote/backend/internal/transcript"
	"github.com/classnote/backend/internal/usagelog"
)

type RouterConfig struct {
	// JWT Authentication
	JWTSecret string

	// Recognizer selection: "deepgram" or "google"
	STTProvider string

	// Deepgram
	DeepgramAPIKey string
	DeepgramModel  string

	// Google Cloud Speech
	GoogleProjectID       string
	GoogleCredentialsJSON string
	GoogleLocation        string
	GoogleRecognizer      string
	GoogleModel           string

	// Stream defaults, overridable per start frame
	DefaultLanguageCode string
	DefaultSampleRate   int

	// Raw audio backup object path prefix
	BackupPrefix string

	// STTDial overrides recognizer dialing, used by tests. Leave nil in
	// production; the provider settings above pick the implementation.
	STTDial func(ctx context.Context, cfg stt.Config) (stt.Client, error)
}

// SessionStore is the subset of the store the HTTP layer needs.
type SessionStore interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	GetSession(ctx context.Context, id string) (*store.Session, error)
	GetSessionByClientRef(ctx context.Context, ownerUserID, clientRef string) (*store.Session, error)
	UserCanAccessSession(ctx context.Context, userID, sessionID string) (bool, error)
	AcquireStreamLock(ctx context.Context, accountID, sessionID string, ttl time.Duration) error
	RefreshStreamLock(ctx context.Context, accountID, sessionID string) error
	ReleaseStreamLock(ctx context.Context, accountID, sessionID string) error
	IssueCloudTicket(ctx context.Context, sessionID, accountID, plan string) (string, time.Time, error)
	GetUsageReport(ctx context.Context, accountID, plan string) (*quota.Report, error)
	GetSegments(ctx context.Context, sessionID string) ([]transcript.Segment, error)
	SaveTranscript(ctx context.Context, sessionID string, takeIndex int, segments []transcript.Segment, fullText, draft string) error
	AddUsage(ctx context.Context, accountID string, seconds float64) error
	IsSessionValid(ctx context.Context, tokenHash string) (bool, error)
	RevokeSessionToken(ctx context.Context, tokenHash string) error
}

// UsageLogger records lifecycle events and billing usage.
type UsageLogger interface {
	LogAsync(accountID, sessionID string, eventType usagelog.EventType, data map[string]any)
	LogUsage(ctx context.Context, accountID, sessionID string, recordingSeconds float64) error
}

type Router struct {
	cfg      RouterConfig
	logger   *log.Logger
	store    SessionStore
	usageLog UsageLogger
	uploader backup.Uploader
	mux      *http.ServeMux
}

// NewRouter wires the HTTP surface. uploader may be nil when audio backup is
// not configured.
func NewRouter(cfg RouterConfig, logger *log.Logger, s SessionStore, usageLog UsageLogger, uploader backup.Uploader) http.Handler {
	if cfg.DefaultSampleRate == 0 {
		cfg.DefaultSampleRate = defaultSampleRateHz
	}
	if cfg.DefaultLanguageCode == "" {
		cfg.DefaultLanguageCode = defaultLanguageCode
	}

	r := &Router{
		cfg:      cfg,
		logger:   logger,
		store:    s,
		usageLog: usageLog,
		uploader: uploader,
		mux:      http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health check
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)

	// Live transcription stream
	r.mux.HandleFunc("GET /ws/stream/{sessionID}", r.handleStreamWS)

	// Auth
	r.mux.HandleFunc("POST /auth/logout", r.withAuth(r.handleLogout))

	// Protected API endpoints
	r.mux.HandleFunc("GET /api/me", r.withAuth(r.handleGetMe))
	r.mux.HandleFunc("GET /api/sessions/{sessionID}", r.withAuth(r.handleGetSession))
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleGetMe returns the current user and their quota snapshot.
func (r *Router) handleGetMe(w http.ResponseWriter, req *http.Request) {
	authUser := getAuthUser(req.Context())
	if authUser == nil {
		http.Error(w, `{"error": "not authenticated"}`, http.StatusUnauthorized)
		return
	}

	user, err := r.store.GetUser(req.Context(), authUser.ID)
	if err != nil {
		http.Error(w, `{"error": "user not found"}`, http.StatusNotFound)
		return
	}

	report, err := r.store.GetUsageReport(req.Context(), user.ID, user.Plan)
	if err != nil {
		r.logger.Printf("api: failed to load usage report for %s: %v", user.ID, err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":  user,
		"quota": report,
	})
}

// handleGetSession returns a session with its transcript segments.
func (r *Router) handleGetSession(w http.ResponseWriter, req *http.Request) {
	authUser := getAuthUser(req.Context())
	if authUser == nil {
		http.Error(w, `{"error": "not authenticated"}`, http.StatusUnauthorized)
		return
	}

	sessionID := req.PathValue("sessionID")
	sess, err := r.store.GetSession(req.Context(), sessionID)
	if err != nil {
		http.Error(w, `{"error": "session not found"}`, http.StatusNotFound)
		return
	}

	allowed, err := r.store.UserCanAccessSession(req.Context(), authUser.ID, sess.ID)
	if err != nil || !allowed {
		http.Error(w, `{"error": "forbidden"}`, http.StatusForbidden)
		return
	}

	segments, err := r.store.GetSegments(req.Context(), sess.ID)
	if err != nil {
		r.logger.Printf("api: failed to load segments for %s: %v", sess.ID, err)
		http.Error(w, `{"error": "failed to load transcript"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session":  sess,
		"segments": segments,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
