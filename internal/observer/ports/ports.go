// Package ports defines the shared types and contracts of the observation
// queue core: the durable queue store, the session metadata reader, and the
// records that flow between producers (hook HTTP calls) and the per-session
// consumer loop.
package ports

import (
	"context"
	"time"
)

// ItemKind tags the payload variant of a queue item.
type ItemKind string

const (
	KindObservation ItemKind = "observation"
	KindSummarize   ItemKind = "summarize"
)

// ItemStatus is the lifecycle state of a queue item. A processed item is
// deleted on confirmation, so no "processed" row state exists.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusProcessing ItemStatus = "processing"
	StatusFailed     ItemStatus = "failed"
)

// MaxItemRetries bounds how many times an item stuck in processing across a
// restart is requeued before it is dead-lettered to StatusFailed.
const MaxItemRetries = 3

// ObservationPayload carries one tool invocation reported by a lifecycle hook.
type ObservationPayload struct {
	ToolName     string `json:"tool_name"`
	ToolInput    string `json:"tool_input"`
	ToolResponse string `json:"tool_response"`
	PromptNumber int    `json:"prompt_number"`
	Cwd          string `json:"cwd"`
}

// QueueItem is one durable unit of work for a session.
//
// Exactly one of Observation / LastAssistantMessage is meaningful, selected
// by Kind. IDs are assigned by the store and are monotonic per database, so
// per-session FIFO order is the ID order.
type QueueItem struct {
	ID                   int64               `json:"id"`
	SessionID            int64               `json:"session_id"`
	ContentSessionID     string              `json:"content_session_id"`
	Kind                 ItemKind            `json:"kind"`
	Observation          *ObservationPayload `json:"observation,omitempty"`
	LastAssistantMessage string              `json:"last_assistant_message,omitempty"`
	RetryCount           int                 `json:"retry_count"`
	CreatedAt            time.Time           `json:"created_at"`
}

// SessionRecord is the durable session metadata row a Session is hydrated from.
type SessionRecord struct {
	ID               int64     `json:"id"`
	ContentSessionID string    `json:"content_session_id"`
	MemorySessionID  string    `json:"memory_session_id,omitempty"`
	Project          string    `json:"project,omitempty"`
	Prompt           string    `json:"prompt,omitempty"`
	PromptNumber     int       `json:"prompt_number"`
	Provider         string    `json:"provider,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
}

// QueueStore is the durable queue contract.
//
// Enqueue must commit the row before returning; callers rely on that ordering
// to implement write-before-notify. Claim operations are atomic and
// exclusive: two concurrent claims for the same session never return
// overlapping items. All methods are safe for concurrent use.
type QueueStore interface {
	// Enqueue appends a pending item and returns its store-assigned ID.
	Enqueue(ctx context.Context, item *QueueItem) (int64, error)

	// ClaimNext atomically claims the oldest pending item for the session,
	// marking it processing. Returns (nil, nil) when nothing is pending.
	ClaimNext(ctx context.Context, sessionID int64) (*QueueItem, error)

	// ClaimBatch claims up to max pending items in enqueue order.
	// Returns an empty slice when nothing is pending.
	ClaimBatch(ctx context.Context, sessionID int64, max int) ([]QueueItem, error)

	// MarkProcessed confirms an item was fully handled and removes its row.
	MarkProcessed(ctx context.Context, itemID int64) error

	// PendingCount reports items not yet confirmed (pending + processing).
	PendingCount(ctx context.Context, sessionID int64) (int, error)

	// HasAnyPendingWork reports whether any session has outstanding items.
	HasAnyPendingWork(ctx context.Context) (bool, error)

	// DeleteAllForSession purges every item for a session regardless of state.
	DeleteAllForSession(ctx context.Context, sessionID int64) (int64, error)

	// RecoverStuck requeues items left processing by a crash, incrementing
	// their retry counter, and dead-letters those past MaxItemRetries.
	// Returns (requeued, deadLettered).
	RecoverStuck(ctx context.Context) (int, int, error)

	// FailedCount reports dead-lettered items across all sessions.
	FailedCount(ctx context.Context) (int, error)
}

// SessionReader hydrates session metadata owned by the persistence layer.
type SessionReader interface {
	// GetSessionByID loads the durable session row, or an error if absent.
	GetSessionByID(ctx context.Context, sessionID int64) (*SessionRecord, error)

	// LatestPromptNumber recovers the highest prompt sequence number seen for
	// a content session, 0 when unknown.
	LatestPromptNumber(ctx context.Context, contentSessionID string) (int, error)
}
