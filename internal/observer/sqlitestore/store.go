// Package sqlitestore implements the durable observation queue and session
// metadata tables on a local SQLite file. Enqueued rows are committed before
// the call returns, and claim operations use single-statement
// UPDATE ... RETURNING so two concurrent claimers can never receive the same
// item.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"warden/internal/logging"
	"warden/internal/observer/ports"
)

// timeLayout is how timestamps are persisted. TEXT keeps the schema portable
// across sqlite drivers that disagree on native time handling.
const timeLayout = time.RFC3339Nano

// ErrSessionNotFound is returned when hydrating an unknown session row.
var ErrSessionNotFound = errors.New("session not found")

// Store is a SQLite-backed implementation of ports.QueueStore and
// ports.SessionReader.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// Open creates (if needed) and opens the warden database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logging.NewComponentLogger("QueueStore"),
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	schema := `
CREATE TABLE IF NOT EXISTS sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    content_session_id TEXT NOT NULL DEFAULT '',
    memory_session_id TEXT NOT NULL DEFAULT '',
    project TEXT NOT NULL DEFAULT '',
    prompt TEXT NOT NULL DEFAULT '',
    prompt_number INTEGER NOT NULL DEFAULT 0,
    provider TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    last_activity_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS queue_items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id INTEGER NOT NULL,
    content_session_id TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '{}',
    prompt_number INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending',
    retry_count INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_queue_items_claim
    ON queue_items (session_id, status, id);
CREATE INDEX IF NOT EXISTS idx_queue_items_content
    ON queue_items (content_session_id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue appends a pending item. The row is committed before Enqueue
// returns; callers notify in-memory listeners only on success.
func (s *Store) Enqueue(ctx context.Context, item *ports.QueueItem) (int64, error) {
	if item == nil {
		return 0, fmt.Errorf("item cannot be nil")
	}
	if item.Kind != ports.KindObservation && item.Kind != ports.KindSummarize {
		return 0, fmt.Errorf("unknown item kind %q", item.Kind)
	}

	payload, promptNumber, err := encodePayload(item)
	if err != nil {
		return 0, err
	}

	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
INSERT INTO queue_items (session_id, content_session_id, kind, payload, prompt_number, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
RETURNING id
`, item.SessionID, item.ContentSessionID, string(item.Kind), payload, promptNumber,
		string(ports.StatusPending), createdAt.Format(timeLayout)).Scan(&id)
	if err != nil {
		s.logger.Error("Failed to enqueue %s for session %d: %v", item.Kind, item.SessionID, err)
		return 0, fmt.Errorf("enqueue %s: %w", item.Kind, err)
	}

	item.ID = id
	item.CreatedAt = createdAt
	return id, nil
}

// ClaimNext atomically claims the oldest pending item for the session.
// The UPDATE targets a single row selected by a correlated subquery, so a
// concurrent claimer sees the row as processing and skips it.
func (s *Store) ClaimNext(ctx context.Context, sessionID int64) (*ports.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
UPDATE queue_items SET status = ?
WHERE id = (
    SELECT id FROM queue_items
    WHERE session_id = ? AND status = ?
    ORDER BY id LIMIT 1
)
RETURNING id, session_id, content_session_id, kind, payload, retry_count, created_at
`, string(ports.StatusProcessing), sessionID, string(ports.StatusPending))

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next for session %d: %w", sessionID, err)
	}
	return item, nil
}

// ClaimBatch claims up to max pending items for the session in enqueue order.
func (s *Store) ClaimBatch(ctx context.Context, sessionID int64, max int) ([]ports.QueueItem, error) {
	if max <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", max)
	}

	rows, err := s.db.QueryContext(ctx, `
UPDATE queue_items SET status = ?
WHERE id IN (
    SELECT id FROM queue_items
    WHERE session_id = ? AND status = ?
    ORDER BY id LIMIT ?
)
RETURNING id, session_id, content_session_id, kind, payload, retry_count, created_at
`, string(ports.StatusProcessing), sessionID, string(ports.StatusPending), max)
	if err != nil {
		return nil, fmt.Errorf("claim batch for session %d: %w", sessionID, err)
	}
	defer rows.Close()

	var items []ports.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("claim batch for session %d: %w", sessionID, err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim batch for session %d: %w", sessionID, err)
	}

	// RETURNING row order is unspecified; restore enqueue order.
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j-1].ID > items[j].ID; j-- {
			items[j-1], items[j] = items[j], items[j-1]
		}
	}
	return items, nil
}

// MarkProcessed confirms an item and deletes its row.
func (s *Store) MarkProcessed(ctx context.Context, itemID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, itemID)
	if err != nil {
		return fmt.Errorf("mark processed %d: %w", itemID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark processed %d: %w", itemID, err)
	}
	if affected == 0 {
		return fmt.Errorf("mark processed %d: item not found", itemID)
	}
	return nil
}

// PendingCount reports unconfirmed items (pending + processing) for a session.
func (s *Store) PendingCount(ctx context.Context, sessionID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM queue_items
WHERE session_id = ? AND status IN (?, ?)
`, sessionID, string(ports.StatusPending), string(ports.StatusProcessing)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("pending count for session %d: %w", sessionID, err)
	}
	return count, nil
}

// HasAnyPendingWork reports whether any session has outstanding items.
func (s *Store) HasAnyPendingWork(ctx context.Context) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
SELECT 1 FROM queue_items WHERE status IN (?, ?) LIMIT 1
`, string(ports.StatusPending), string(ports.StatusProcessing)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking pending work: %w", err)
	}
	return true, nil
}

// DeleteAllForSession purges every item for a session regardless of state.
func (s *Store) DeleteAllForSession(ctx context.Context, sessionID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("purging queue for session %d: %w", sessionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purging queue for session %d: %w", sessionID, err)
	}
	return affected, nil
}

// RecoverStuck requeues items left processing by a crash and dead-letters
// those that exhausted their retries. Meant to run once at daemon start,
// before any consumer loop exists.
func (s *Store) RecoverStuck(ctx context.Context) (int, int, error) {
	failed, err := s.db.ExecContext(ctx, `
UPDATE queue_items SET status = ?
WHERE status = ? AND retry_count >= ?
`, string(ports.StatusFailed), string(ports.StatusProcessing), ports.MaxItemRetries)
	if err != nil {
		return 0, 0, fmt.Errorf("dead-lettering stuck items: %w", err)
	}
	deadLettered, err := failed.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("dead-lettering stuck items: %w", err)
	}

	requeuedRes, err := s.db.ExecContext(ctx, `
UPDATE queue_items SET status = ?, retry_count = retry_count + 1
WHERE status = ?
`, string(ports.StatusPending), string(ports.StatusProcessing))
	if err != nil {
		return 0, int(deadLettered), fmt.Errorf("requeueing stuck items: %w", err)
	}
	requeued, err := requeuedRes.RowsAffected()
	if err != nil {
		return 0, int(deadLettered), fmt.Errorf("requeueing stuck items: %w", err)
	}

	if requeued > 0 || deadLettered > 0 {
		s.logger.Info("Recovered stuck items: %d requeued, %d dead-lettered", requeued, deadLettered)
	}
	return int(requeued), int(deadLettered), nil
}

// FailedCount reports dead-lettered items across all sessions.
func (s *Store) FailedCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM queue_items WHERE status = ?
`, string(ports.StatusFailed)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed count: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*ports.QueueItem, error) {
	var (
		item      ports.QueueItem
		kind      string
		payload   string
		createdAt string
	)
	err := row.Scan(&item.ID, &item.SessionID, &item.ContentSessionID,
		&kind, &payload, &item.RetryCount, &createdAt)
	if err != nil {
		return nil, err
	}

	item.Kind = ports.ItemKind(kind)
	if item.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if err := decodePayload(&item, payload); err != nil {
		return nil, err
	}
	return &item, nil
}

type summarizePayload struct {
	LastAssistantMessage string `json:"last_assistant_message,omitempty"`
}

func encodePayload(item *ports.QueueItem) (string, int, error) {
	switch item.Kind {
	case ports.KindObservation:
		obs := item.Observation
		if obs == nil {
			obs = &ports.ObservationPayload{}
		}
		data, err := json.Marshal(obs)
		if err != nil {
			return "", 0, fmt.Errorf("encode observation: %w", err)
		}
		return string(data), obs.PromptNumber, nil
	case ports.KindSummarize:
		data, err := json.Marshal(summarizePayload{LastAssistantMessage: item.LastAssistantMessage})
		if err != nil {
			return "", 0, fmt.Errorf("encode summarize: %w", err)
		}
		return string(data), 0, nil
	default:
		return "", 0, fmt.Errorf("unknown item kind %q", item.Kind)
	}
}

func decodePayload(item *ports.QueueItem, payload string) error {
	switch item.Kind {
	case ports.KindObservation:
		var obs ports.ObservationPayload
		if err := json.Unmarshal([]byte(payload), &obs); err != nil {
			return fmt.Errorf("decode observation: %w", err)
		}
		item.Observation = &obs
	case ports.KindSummarize:
		var sum summarizePayload
		if err := json.Unmarshal([]byte(payload), &sum); err != nil {
			return fmt.Errorf("decode summarize: %w", err)
		}
		item.LastAssistantMessage = sum.LastAssistantMessage
	default:
		return fmt.Errorf("unknown item kind %q", item.Kind)
	}
	return nil
}
