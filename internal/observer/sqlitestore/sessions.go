package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"warden/internal/observer/ports"
)

// GetSessionByID loads the durable session row a Session is hydrated from.
func (s *Store) GetSessionByID(ctx context.Context, sessionID int64) (*ports.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, content_session_id, memory_session_id, project, prompt, prompt_number, provider, created_at, last_activity_at
FROM sessions WHERE id = ?
`, sessionID)

	record, err := scanSessionRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %d: %w", sessionID, err)
	}
	return record, nil
}

// EnsureSessionRecord creates the session row when it does not exist yet and
// returns the current row either way. First reference to an unknown session
// id lands here.
func (s *Store) EnsureSessionRecord(ctx context.Context, sessionID int64, contentSessionID string) (*ports.SessionRecord, error) {
	now := time.Now().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO sessions (id, content_session_id, created_at, last_activity_at)
VALUES (?, ?, ?, ?)
`, sessionID, contentSessionID, now, now)
	if err != nil {
		return nil, fmt.Errorf("ensuring session %d: %w", sessionID, err)
	}
	return s.GetSessionByID(ctx, sessionID)
}

// TouchSession updates the durable last-activity timestamp.
func (s *Store) TouchSession(ctx context.Context, sessionID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE sessions SET last_activity_at = ? WHERE id = ?
`, at.Format(timeLayout), sessionID)
	if err != nil {
		return fmt.Errorf("touching session %d: %w", sessionID, err)
	}
	return nil
}

// UpdateSessionPrompt persists the freshest user prompt and its sequence
// number. Empty prompt leaves the stored prompt untouched.
func (s *Store) UpdateSessionPrompt(ctx context.Context, sessionID int64, prompt string, promptNumber int) error {
	var err error
	if prompt == "" {
		_, err = s.db.ExecContext(ctx, `
UPDATE sessions SET prompt_number = MAX(prompt_number, ?) WHERE id = ?
`, promptNumber, sessionID)
	} else {
		_, err = s.db.ExecContext(ctx, `
UPDATE sessions SET prompt = ?, prompt_number = MAX(prompt_number, ?) WHERE id = ?
`, prompt, promptNumber, sessionID)
	}
	if err != nil {
		return fmt.Errorf("updating prompt for session %d: %w", sessionID, err)
	}
	return nil
}

// LatestPromptNumber recovers the highest prompt sequence number observed for
// a content session, across both the session row and its queued observations.
func (s *Store) LatestPromptNumber(ctx context.Context, contentSessionID string) (int, error) {
	var latest int
	err := s.db.QueryRowContext(ctx, `
SELECT COALESCE(MAX(n), 0) FROM (
    SELECT MAX(prompt_number) AS n FROM queue_items WHERE content_session_id = ?
    UNION ALL
    SELECT MAX(prompt_number) AS n FROM sessions WHERE content_session_id = ?
)
`, contentSessionID, contentSessionID).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("latest prompt number for %q: %w", contentSessionID, err)
	}
	return latest, nil
}

// DeleteSessionRecord removes the durable session row.
func (s *Store) DeleteSessionRecord(ctx context.Context, sessionID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting session %d: %w", sessionID, err)
	}
	return nil
}

func scanSessionRecord(row rowScanner) (*ports.SessionRecord, error) {
	var (
		record         ports.SessionRecord
		createdAt      string
		lastActivityAt string
	)
	err := row.Scan(&record.ID, &record.ContentSessionID, &record.MemorySessionID,
		&record.Project, &record.Prompt, &record.PromptNumber, &record.Provider,
		&createdAt, &lastActivityAt)
	if err != nil {
		return nil, err
	}
	if record.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if record.LastActivityAt, err = time.Parse(timeLayout, lastActivityAt); err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	return &record, nil
}
