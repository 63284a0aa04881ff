// Package usagelog records stream lifecycle events and billing usage for
// post-hoc analysis. Nothing in the live stream path depends on it.
package usagelog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of stream event
type EventType string

const (
	EventStreamConnected     EventType = "stream_connected"
	EventStreamStarted       EventType = "stream_started"
	EventQuotaWarning        EventType = "quota_warning"
	EventQuotaExhausted      EventType = "quota_exhausted"
	EventStreamStopped       EventType = "stream_stopped"
	EventTranscriptPersisted EventType = "transcript_persisted"
	EventRecognizerError     EventType = "recognizer_error"
	EventStreamError         EventType = "stream_error"
)

// Logger provides async event logging to the database
type Logger struct {
	db *pgxpool.Pool
}

// New creates a new usage logger
func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, accountID, sessionID string, eventType EventType, data map[string]any) error {
	if l.db == nil || sessionID == "" {
		return nil // Silently skip if no DB or session ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO stream_events (account_id, session_id, event_type, event_data)
		VALUES ($1, $2, $3, $4)
	`, accountID, sessionID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(accountID, sessionID string, eventType EventType, data map[string]any) {
	if l.db == nil || sessionID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, accountID, sessionID, eventType, data)
	}()
}

// LogUsage writes the billing record for a finished stream.
func (l *Logger) LogUsage(ctx context.Context, accountID, sessionID string, recordingSeconds float64) error {
	if l.db == nil || accountID == "" {
		return nil
	}

	_, err := l.db.Exec(ctx, `
		INSERT INTO usage_log (account_id, session_id, recording_seconds)
		VALUES ($1, $2, $3)
	`, accountID, sessionID, recordingSeconds)

	return err
}
