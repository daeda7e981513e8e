// Package eventlog records the timeline of each story run in Postgres.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of story event
type EventType string

const (
	EventStoryStarted   EventType = "story_started"
	EventTextAttempt    EventType = "text_attempt"
	EventTextCompleted  EventType = "text_completed"
	EventTextError      EventType = "text_error"
	EventVoiceWaiting   EventType = "voice_waiting"
	EventVoicePending   EventType = "voice_pending"
	EventChunkStarted   EventType = "chunk_started"
	EventTTSFallback    EventType = "tts_fallback"
	EventChunkCompleted EventType = "chunk_completed"
	EventAudioAssembled EventType = "audio_assembled"
	EventStoryReady     EventType = "story_ready"
	EventStoryFailed    EventType = "story_failed"
	EventStoryCancelled EventType = "story_cancelled"
)

// asyncTimeout bounds one background insert.
const asyncTimeout = 2 * time.Second

// Event is one recorded step of a story run.
type Event struct {
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Logger writes story events. A Logger without a database, or a nil
// Logger, drops every event.
type Logger struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// Enabled reports whether events are persisted.
func (l *Logger) Enabled() bool {
	return l != nil && l.db != nil
}

// Log writes an event synchronously. Data that cannot be encoded is stored
// as an empty object so the step itself is not lost.
func (l *Logger) Log(ctx context.Context, storyID string, eventType EventType, data map[string]any) error {
	if !l.Enabled() || storyID == "" {
		return nil
	}

	dataJSON, err := json.Marshal(data)
	if err != nil || data == nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO story_events (story_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, storyID, string(eventType), dataJSON)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", eventType, err)
	}
	return nil
}

// LogAsync logs an event without blocking the story run.
func (l *Logger) LogAsync(storyID string, eventType EventType, data map[string]any) {
	if !l.Enabled() || storyID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		_ = l.Log(ctx, storyID, eventType, data)
	}()
}

// Timeline returns the events of one story, oldest first, capped at limit.
// Without a database it returns no events.
func (l *Logger) Timeline(ctx context.Context, storyID string, limit int) ([]Event, error) {
	if !l.Enabled() || storyID == "" {
		return nil, nil
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	rows, err := l.db.Query(ctx, `
		SELECT event_type, event_data, created_at
		FROM story_events
		WHERE story_id = $1
		ORDER BY created_at, id
		LIMIT $2
	`, storyID, limit)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e   Event
			typ string
			raw []byte
		)
		if err := rows.Scan(&typ, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = EventType(typ)
		if err := json.Unmarshal(raw, &e.Data); err != nil {
			e.Data = map[string]any{}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
