package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classnote/backend/internal/quota"
	"github.com/classnote/backend/internal/transcript"
)

// Sentinel errors surfaced to the websocket layer as protocol error codes.
var (
	ErrNotFound     = errors.New("store: not found")
	ErrLockHeld     = errors.New("store: stream lock held by another session")
	ErrSessionLimit = errors.New("store: monthly session limit reached")
)

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// User represents an authenticated account.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Plan      string    `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session represents one recording session and its transcript state.
type Session struct {
	ID                string     `json:"id"`
	OwnerUserID       string     `json:"owner_user_id"`
	ClientRef         *string    `json:"client_ref,omitempty"` // client-generated fallback identifier
	Title             *string    `json:"title,omitempty"`
	Status            string     `json:"status"`
	LanguageCode      string     `json:"language_code"`
	SegmentIndex      int        `json:"segment_index"` // current recording take
	TranscriptText    *string    `json:"transcript_text,omitempty"`
	TranscriptDraft   *string    `json:"transcript_draft,omitempty"`
	CloudTicket       *string    `json:"cloud_ticket,omitempty"`
	CloudAllowedUntil *time.Time `json:"cloud_allowed_until,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// StreamLock is the per-account mutex: one live stream per account.
type StreamLock struct {
	AccountID string    `json:"account_id"`
	SessionID string    `json:"session_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MonthlyUsage tracks recording consumption for one account and month.
type MonthlyUsage struct {
	AccountID       string    `json:"account_id"`
	Month           string    `json:"month"` // "2026-08"
	UsedSeconds     float64   `json:"used_seconds"`
	SessionsStarted int       `json:"sessions_started"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// usageMonth formats the current UTC calendar month key.
func usageMonth(now time.Time) string {
	return now.UTC().Format("2006-01")
}

// ============================================================================
// User operations
// ============================================================================

func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRow(ctx, `
		SELECT id, email, plan, created_at, updated_at
		FROM users
		WHERE id = $1
	`, id).Scan(&u.ID, &u.Email, &u.Plan, &u.CreatedAt, &u.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ============================================================================
// Session operations
// ============================================================================

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	return s.getSessionWhere(ctx, `id = $1`, id)
}

// GetSessionByClientRef looks a session up by the client-generated reference
// sent when the canonical id is not yet known to the client.
func (s *Store) GetSessionByClientRef(ctx context.Context, ownerUserID, clientRef string) (*Session, error) {
	return s.getSessionWhere(ctx, `owner_user_id = $1 AND client_ref = $2`, ownerUserID, clientRef)
}

func (s *Store) getSessionWhere(ctx context.Context, where string, args ...any) (*Session, error) {
	var sess Session
	err := s.db.QueryRow(ctx, `
		SELECT id, owner_user_id, client_ref, title, status, language_code, segment_index,
		       transcript_text, transcript_draft, cloud_ticket, cloud_allowed_until,
		       created_at, updated_at
		FROM sessions
		WHERE `+where,
		args...,
	).Scan(&sess.ID, &sess.OwnerUserID, &sess.ClientRef, &sess.Title, &sess.Status, &sess.LanguageCode,
		&sess.SegmentIndex, &sess.TranscriptText, &sess.TranscriptDraft, &sess.CloudTicket,
		&sess.CloudAllowedUntil, &sess.CreatedAt, &sess.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// UserCanAccessSession reports whether the user owns the session or has been
// granted write access through a share.
func (s *Store) UserCanAccessSession(ctx context.Context, userID, sessionID string) (bool, error) {
	var allowed bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM sessions WHERE id = $1 AND owner_user_id = $2
			UNION ALL
			SELECT 1 FROM session_members
			WHERE session_id = $1 AND user_id = $2 AND role IN ('owner', 'editor')
		)
	`, sessionID, userID).Scan(&allowed)
	return allowed, err
}

// ============================================================================
// Stream lock operations
// ============================================================================

// AcquireStreamLock takes the per-account stream lock for a session. A lock
// older than ttl is considered abandoned and gets reclaimed. The whole
// acquire is a single statement so two concurrent connects cannot both win.
func (s *Store) AcquireStreamLock(ctx context.Context, accountID, sessionID string, ttl time.Duration) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO stream_locks (account_id, session_id, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			updated_at = NOW()
		WHERE stream_locks.updated_at < NOW() - $3::interval
	`, accountID, sessionID, fmt.Sprintf("%f seconds", ttl.Seconds()))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLockHeld
	}
	return nil
}

// RefreshStreamLock bumps the lock timestamp so a long-lived stream is not
// reclaimed as stale. Returns ErrLockHeld when this session no longer holds
// the lock (it went stale and another stream took it over).
func (s *Store) RefreshStreamLock(ctx context.Context, accountID, sessionID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE stream_locks SET updated_at = NOW()
		WHERE account_id = $1 AND session_id = $2
	`, accountID, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLockHeld
	}
	return nil
}

// ReleaseStreamLock deletes the lock only if this session still holds it.
// A lock reclaimed by a newer stream is left alone.
func (s *Store) ReleaseStreamLock(ctx context.Context, accountID, sessionID string) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM stream_locks
		WHERE account_id = $1 AND session_id = $2
	`, accountID, sessionID)
	return err
}

// GetStreamLock returns the current lock for an account, if any.
func (s *Store) GetStreamLock(ctx context.Context, accountID string) (*StreamLock, error) {
	var l StreamLock
	err := s.db.QueryRow(ctx, `
		SELECT account_id, session_id, updated_at FROM stream_locks WHERE account_id = $1
	`, accountID).Scan(&l.AccountID, &l.SessionID, &l.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ============================================================================
// Cloud ticket and quota operations
// ============================================================================

const cloudTicketValidity = 2 * time.Hour

// IssueCloudTicket grants a session permission to stream for up to two hours.
// An unexpired existing ticket is reused without consuming a session start.
// Issuing a fresh ticket counts against the plan's monthly session limit; the
// usage row is locked FOR UPDATE so concurrent issues cannot overshoot it.
func (s *Store) IssueCloudTicket(ctx context.Context, sessionID, accountID, plan string) (ticket string, allowedUntil time.Time, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", time.Time{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existing *string
	var existingUntil *time.Time
	err = tx.QueryRow(ctx, `
		SELECT cloud_ticket, cloud_allowed_until FROM sessions WHERE id = $1 FOR UPDATE
	`, sessionID).Scan(&existing, &existingUntil)
	if err == pgx.ErrNoRows {
		return "", time.Time{}, ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, err
	}

	now := time.Now().UTC()
	if existing != nil && existingUntil != nil && existingUntil.After(now) {
		return *existing, *existingUntil, tx.Commit(ctx)
	}

	month := usageMonth(now)
	_, err = tx.Exec(ctx, `
		INSERT INTO monthly_usage (account_id, month, used_seconds, sessions_started, updated_at)
		VALUES ($1, $2, 0, 0, NOW())
		ON CONFLICT (account_id, month) DO NOTHING
	`, accountID, month)
	if err != nil {
		return "", time.Time{}, err
	}

	var sessionsStarted int
	err = tx.QueryRow(ctx, `
		SELECT sessions_started FROM monthly_usage
		WHERE account_id = $1 AND month = $2
		FOR UPDATE
	`, accountID, month).Scan(&sessionsStarted)
	if err != nil {
		return "", time.Time{}, err
	}

	_, sessionLimit := quota.PlanLimits(plan)
	if sessionLimit >= 0 && sessionsStarted >= sessionLimit {
		return "", time.Time{}, ErrSessionLimit
	}

	_, err = tx.Exec(ctx, `
		UPDATE monthly_usage SET sessions_started = sessions_started + 1, updated_at = NOW()
		WHERE account_id = $1 AND month = $2
	`, accountID, month)
	if err != nil {
		return "", time.Time{}, err
	}

	ticket = uuid.NewString()
	allowedUntil = now.Add(cloudTicketValidity)
	_, err = tx.Exec(ctx, `
		UPDATE sessions SET cloud_ticket = $1, cloud_allowed_until = $2, updated_at = NOW()
		WHERE id = $3
	`, ticket, allowedUntil, sessionID)
	if err != nil {
		return "", time.Time{}, err
	}

	return ticket, allowedUntil, tx.Commit(ctx)
}

// GetUsageReport builds the quota snapshot sent to the client at connect.
func (s *Store) GetUsageReport(ctx context.Context, accountID, plan string) (*quota.Report, error) {
	var usedSeconds float64
	var sessionsStarted int
	err := s.db.QueryRow(ctx, `
		SELECT used_seconds, sessions_started FROM monthly_usage
		WHERE account_id = $1 AND month = $2
	`, accountID, usageMonth(time.Now())).Scan(&usedSeconds, &sessionsStarted)
	if err != nil && err != pgx.ErrNoRows {
		return nil, err
	}

	limitSeconds, sessionLimit := quota.PlanLimits(plan)
	remaining := limitSeconds - usedSeconds
	if remaining < 0 {
		remaining = 0
	}

	r := &quota.Report{
		Plan:             quota.NormalizePlan(plan),
		LimitSeconds:     limitSeconds,
		UsedSeconds:      usedSeconds,
		RemainingSeconds: remaining,
		SessionLimit:     sessionLimit,
		SessionsStarted:  sessionsStarted,
		CanStart:         true,
	}
	if remaining <= 0 {
		r.CanStart = false
		r.ReasonIfBlocked = "monthly recording time exhausted"
	} else if sessionLimit >= 0 && sessionsStarted >= sessionLimit {
		r.CanStart = false
		r.ReasonIfBlocked = "monthly session limit reached"
	}
	return r, nil
}

// AddUsage records consumed recording seconds at stream teardown.
func (s *Store) AddUsage(ctx context.Context, accountID string, seconds float64) error {
	if seconds <= 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO monthly_usage (account_id, month, used_seconds, sessions_started, updated_at)
		VALUES ($1, $2, $3, 0, NOW())
		ON CONFLICT (account_id, month) DO UPDATE SET
			used_seconds = monthly_usage.used_seconds + EXCLUDED.used_seconds,
			updated_at = NOW()
	`, accountID, usageMonth(time.Now()), seconds)
	return err
}

// ============================================================================
// Transcript operations
// ============================================================================

// statuses past which a stream save must not regress the session
var protectedStatuses = []string{"summarized", "processed", "completed"}

// SaveTranscript replaces the segments of one take and updates the session's
// transcript text in a single transaction. If post-processing has already
// advanced the session status, the status is left untouched.
func (s *Store) SaveTranscript(ctx context.Context, sessionID string, takeIndex int, segments []transcript.Segment, fullText, draft string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		DELETE FROM transcript_segments WHERE session_id = $1 AND segment_index = $2
	`, sessionID, takeIndex)
	if err != nil {
		return err
	}

	for _, seg := range segments {
		_, err = tx.Exec(ctx, `
			INSERT INTO transcript_segments (id, session_id, segment_index, text, confidence, start_ms, end_ms, source_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, seg.ID, sessionID, seg.SegmentIndex, seg.Text, seg.Confidence, seg.StartMs, seg.EndMs, seg.SourceSequence)
		if err != nil {
			return err
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE sessions SET
			transcript_text = $1,
			transcript_draft = NULLIF($2, ''),
			segment_index = GREATEST(segment_index, $3),
			status = CASE WHEN status = ANY($4) THEN status ELSE 'recorded' END,
			updated_at = NOW()
		WHERE id = $5
	`, fullText, draft, takeIndex, protectedStatuses, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return tx.Commit(ctx)
}

// GetSegments returns all persisted segments of a session ordered by take and
// start time.
func (s *Store) GetSegments(ctx context.Context, sessionID string) ([]transcript.Segment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, segment_index, text, confidence, start_ms, end_ms, source_sequence
		FROM transcript_segments
		WHERE session_id = $1
		ORDER BY segment_index ASC, start_ms ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []transcript.Segment
	for rows.Next() {
		var seg transcript.Segment
		if err := rows.Scan(&seg.ID, &seg.SegmentIndex, &seg.Text, &seg.Confidence, &seg.StartMs, &seg.EndMs, &seg.SourceSequence); err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// ============================================================================
// Auth session operations
// ============================================================================

// CreateSessionToken stores the hash of an issued JWT for later revocation.
func (s *Store) CreateSessionToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO user_sessions (user_id, token_hash, expires_at)
		VALUES ($1, $2, $3)
	`, userID, tokenHash, expiresAt)
	return err
}

// RevokeSessionToken revokes a token by hash.
func (s *Store) RevokeSessionToken(ctx context.Context, tokenHash string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE user_sessions SET revoked_at = NOW() WHERE token_hash = $1
	`, tokenHash)
	return err
}

// IsSessionValid checks if a token is known, unrevoked and unexpired.
func (s *Store) IsSessionValid(ctx context.Context, tokenHash string) (bool, error) {
	var valid bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM user_sessions
			WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > NOW()
		)
	`, tokenHash).Scan(&valid)
	return valid, err
}
