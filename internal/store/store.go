package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a row does not exist or no database is configured.
var ErrNotFound = errors.New("not found")

// Store persists sessions, voice profiles and finished stories. A Store
// without a pool is valid: writes are dropped and reads find nothing.
type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Enabled reports whether the store is backed by a database.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// stringOrDefault returns the string value or a default if nil
func stringOrDefault(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

// Session represents an anonymous listener session for logout/invalidation
type Session struct {
	ID        string     `json:"id"`
	TokenHash string     `json:"token_hash"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// VoiceProfile is the persisted state of a session's voice.
type VoiceProfile struct {
	SessionID  string    `json:"session_id"`
	Kind       string    `json:"kind"` // pending, local, durable
	Provider   *string   `json:"provider,omitempty"`
	ExternalID *string   `json:"external_id,omitempty"`
	SampleHash *string   `json:"sample_hash,omitempty"`
	LastError  *string   `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Story is a finished (ready or failed) story.
type Story struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	Prompt         string     `json:"prompt"`
	Status         string     `json:"status"`
	Title          *string    `json:"title,omitempty"`
	Content        *string    `json:"content,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	AudioMIMEType  *string    `json:"audio_mime_type,omitempty"`
	Audio          []byte     `json:"-"`
	Chunks         int        `json:"chunks"`
	Fallbacks      int        `json:"fallbacks"`
	LLMCostCents   int        `json:"llm_cost_cents"`
	TTSCostCents   int        `json:"tts_cost_cents"`
	TotalCostCents int        `json:"total_cost_cents"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// CreateSession stores a new session token hash.
func (s *Store) CreateSession(ctx context.Context, id, tokenHash string, expiresAt time.Time) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions (id, token_hash, expires_at)
		VALUES ($1, $2, $3)
	`, id, tokenHash, expiresAt)
	return err
}

// RevokeSession marks a session as revoked.
func (s *Store) RevokeSession(ctx context.Context, tokenHash string) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE sessions SET revoked_at = NOW()
		WHERE token_hash = $1 AND revoked_at IS NULL
	`, tokenHash)
	return err
}

// IsSessionValid checks that a session exists, is not revoked and not expired.
// Without a database every signed token is accepted.
func (s *Store) IsSessionValid(ctx context.Context, tokenHash string) (bool, error) {
	if !s.Enabled() {
		return true, nil
	}
	var valid bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM sessions
			WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > NOW()
		)
	`, tokenHash).Scan(&valid)
	return valid, err
}

// DeleteExpiredSessions removes sessions that expired before cutoff.
func (s *Store) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	if !s.Enabled() {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UpsertVoiceProfile stores the latest voice state of a session.
func (s *Store) UpsertVoiceProfile(ctx context.Context, p VoiceProfile) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO voice_profiles (session_id, kind, provider, external_id, sample_hash, last_error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			provider = EXCLUDED.provider,
			external_id = EXCLUDED.external_id,
			sample_hash = COALESCE(EXCLUDED.sample_hash, voice_profiles.sample_hash),
			last_error = EXCLUDED.last_error,
			updated_at = NOW()
	`, p.SessionID, p.Kind, p.Provider, p.ExternalID, p.SampleHash, p.LastError)
	return err
}

// GetVoiceProfile returns the stored voice state of a session.
func (s *Store) GetVoiceProfile(ctx context.Context, sessionID string) (*VoiceProfile, error) {
	if !s.Enabled() {
		return nil, ErrNotFound
	}
	var p VoiceProfile
	err := s.db.QueryRow(ctx, `
		SELECT session_id, kind, provider, external_id, sample_hash, last_error, created_at, updated_at
		FROM voice_profiles
		WHERE session_id = $1
	`, sessionID).Scan(
		&p.SessionID, &p.Kind, &p.Provider, &p.ExternalID, &p.SampleHash, &p.LastError,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveStory inserts or replaces a finished story.
func (s *Store) SaveStory(ctx context.Context, st Story) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO stories (id, session_id, prompt, status, title, content, error_message,
			audio_mime_type, audio, chunks, fallbacks,
			llm_cost_cents, tts_cost_cents, total_cost_cents, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			error_message = EXCLUDED.error_message,
			audio_mime_type = EXCLUDED.audio_mime_type,
			audio = EXCLUDED.audio,
			chunks = EXCLUDED.chunks,
			fallbacks = EXCLUDED.fallbacks,
			llm_cost_cents = EXCLUDED.llm_cost_cents,
			tts_cost_cents = EXCLUDED.tts_cost_cents,
			total_cost_cents = EXCLUDED.total_cost_cents,
			completed_at = EXCLUDED.completed_at
	`, st.ID, st.SessionID, st.Prompt, st.Status, st.Title, st.Content, st.ErrorMessage,
		st.AudioMIMEType, st.Audio, st.Chunks, st.Fallbacks,
		st.LLMCostCents, st.TTSCostCents, st.TotalCostCents, st.CreatedAt, st.CompletedAt)
	return err
}

const storyColumns = `id, session_id, prompt, status, title, content, error_message,
	audio_mime_type, chunks, fallbacks, llm_cost_cents, tts_cost_cents, total_cost_cents,
	created_at, completed_at`

func scanStory(row pgx.Row, st *Story) error {
	return row.Scan(
		&st.ID, &st.SessionID, &st.Prompt, &st.Status, &st.Title, &st.Content, &st.ErrorMessage,
		&st.AudioMIMEType, &st.Chunks, &st.Fallbacks, &st.LLMCostCents, &st.TTSCostCents, &st.TotalCostCents,
		&st.CreatedAt, &st.CompletedAt,
	)
}

// GetStory returns a story of a session, without audio.
func (s *Store) GetStory(ctx context.Context, sessionID, id string) (*Story, error) {
	if !s.Enabled() {
		return nil, ErrNotFound
	}
	var st Story
	err := scanStory(s.db.QueryRow(ctx, `
		SELECT `+storyColumns+`
		FROM stories
		WHERE id = $1 AND session_id = $2
	`, id, sessionID), &st)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// GetStoryAudio returns the final audio of a ready story.
func (s *Store) GetStoryAudio(ctx context.Context, sessionID, id string) ([]byte, string, error) {
	if !s.Enabled() {
		return nil, "", ErrNotFound
	}
	var data []byte
	var mime *string
	err := s.db.QueryRow(ctx, `
		SELECT audio, audio_mime_type
		FROM stories
		WHERE id = $1 AND session_id = $2 AND status = 'ready'
	`, id, sessionID).Scan(&data, &mime)
	if errors.Is(err, pgx.ErrNoRows) || len(data) == 0 {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}
	return data, stringOrDefault(mime, "audio/wav"), nil
}

// ListStories returns a session's stories, newest first, without audio.
func (s *Store) ListStories(ctx context.Context, sessionID string, limit int) ([]Story, error) {
	if !s.Enabled() {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+storyColumns+`
		FROM stories
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Story
	for rows.Next() {
		var st Story
		if err := scanStory(rows, &st); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
