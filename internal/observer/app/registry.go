package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"warden/internal/logging"
	"warden/internal/observability"
	"warden/internal/observer/ports"
	tokenutil "warden/internal/shared/token"
)

const (
	// DefaultStaleThreshold is how long a session may sit without activity
	// before the background sweep deletes it.
	DefaultStaleThreshold = 30 * time.Minute

	// historyLimit bounds the per-session conversation history buffer.
	historyLimit = 50
)

// SessionCatalog is the durable session metadata surface the registry
// hydrates from and writes activity updates to.
type SessionCatalog interface {
	ports.SessionReader
	EnsureSessionRecord(ctx context.Context, sessionID int64, contentSessionID string) (*ports.SessionRecord, error)
	TouchSession(ctx context.Context, sessionID int64, at time.Time) error
	UpdateSessionPrompt(ctx context.Context, sessionID int64, prompt string, promptNumber int) error
	DeleteSessionRecord(ctx context.Context, sessionID int64) error
}

// HistoryEntry is one line of a session's bounded conversation history.
type HistoryEntry struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Summary string    `json:"summary"`
}

// Session is the single in-memory representation of one logical conversation.
// At most one Session object exists per durable session id; the Manager owns
// every instance and all field mutation happens under the Manager's lock.
type Session struct {
	ID               int64
	ContentSessionID string
	MemorySessionID  string
	Project          string
	Prompt           string
	PromptNumber     int
	Provider         string

	// ObservationTokens accumulates estimated tokens of tool responses seen
	// by this session; PromptTokens accumulates prompt text tokens.
	ObservationTokens int64
	PromptTokens      int64

	// EarliestPending is the running minimum of yielded item timestamps,
	// the backlog-age signal. Zero until the first yield.
	EarliestPending time.Time

	History  []HistoryEntry
	Restarts int

	CreatedAt      time.Time
	LastActivityAt time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wake     *wakeSignal
	consumer *consumerHandle
}

// Cancel triggers the session's cooperative cancellation token. Safe to call
// multiple times.
func (s *Session) Cancel() {
	s.cancel()
}

// consumerHandle tracks the one outstanding consumer stream of a session.
// done closes when the stream goroutine exits, regardless of why.
type consumerHandle struct {
	done chan struct{}
}

func (h *consumerHandle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Stats is a point-in-time aggregate snapshot for dashboards.
type Stats struct {
	ActiveSessions   int           `json:"active_sessions"`
	ActiveConsumers  int           `json:"active_consumers"`
	TotalQueueDepth  int           `json:"total_queue_depth"`
	OldestSessionAge time.Duration `json:"oldest_session_age_ms"`
	FailedItems      int           `json:"failed_items"`
}

// Manager is the session registry: the authoritative map from session id to
// owned Session, the enqueue/dequeue entry points, and the stale-session
// garbage collector.
type Manager struct {
	queue   ports.QueueStore
	catalog SessionCatalog

	mu   sync.RWMutex
	byID map[int64]*Session

	idleTimeout      time.Duration
	defaultBatchSize int
	onDeleted        func(sessionID int64)
	logger           logging.Logger
}

// NewManager creates a session registry over the given stores.
func NewManager(queue ports.QueueStore, catalog SessionCatalog, idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Manager{
		queue:            queue,
		catalog:          catalog,
		byID:             make(map[int64]*Session),
		idleTimeout:      idleTimeout,
		defaultBatchSize: 10,
		logger:           logging.NewComponentLogger("SessionManager"),
	}
}

// SetDefaultBatchSize sets the batch size used when MessageBatchIterator is
// called without one. Set before serving traffic.
func (m *Manager) SetDefaultBatchSize(size int) {
	if size > 0 {
		m.defaultBatchSize = size
	}
}

// SetOnSessionDeleted registers a callback invoked after every successful
// session deletion. Set before serving traffic.
func (m *Manager) SetOnSessionDeleted(fn func(sessionID int64)) {
	m.onDeleted = fn
}

// Initialize returns the in-memory Session for id, hydrating it from the
// durable session row on first reference. Idempotent: an existing Session is
// returned as-is, with prompt fields refreshed when fresh data is supplied.
func (m *Manager) Initialize(ctx context.Context, sessionID int64, freshPrompt string, promptNumber int) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initializeLocked(ctx, sessionID, freshPrompt, promptNumber)
}

func (m *Manager) initializeLocked(ctx context.Context, sessionID int64, freshPrompt string, promptNumber int) (*Session, error) {
	if sess, ok := m.byID[sessionID]; ok {
		m.refreshLocked(ctx, sess, freshPrompt, promptNumber)
		return sess, nil
	}

	record, err := m.catalog.EnsureSessionRecord(ctx, sessionID, uuid.NewString())
	if err != nil {
		m.logger.Error("Failed to hydrate session %d: %v", sessionID, err)
		return nil, err
	}

	latest, err := m.catalog.LatestPromptNumber(ctx, record.ContentSessionID)
	if err != nil {
		m.logger.Warn("Could not recover prompt number for session %d: %v", sessionID, err)
		latest = record.PromptNumber
	}

	sctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	sess := &Session{
		ID:               sessionID,
		ContentSessionID: record.ContentSessionID,
		MemorySessionID:  record.MemorySessionID,
		Project:          record.Project,
		Prompt:           record.Prompt,
		PromptNumber:     latest,
		Provider:         record.Provider,
		CreatedAt:        record.CreatedAt,
		LastActivityAt:   now,
		ctx:              sctx,
		cancel:           cancel,
		wake:             newWakeSignal(),
	}
	m.refreshLocked(ctx, sess, freshPrompt, promptNumber)
	m.byID[sessionID] = sess
	m.logger.Info("Initialized session %d (content=%s, prompt#%d)", sessionID, sess.ContentSessionID, sess.PromptNumber)
	return sess, nil
}

// refreshLocked applies fresh prompt data to the session and persists it.
// Persistence failures here only degrade metadata, so they are logged, not
// propagated.
func (m *Manager) refreshLocked(ctx context.Context, sess *Session, freshPrompt string, promptNumber int) {
	if freshPrompt == "" && promptNumber <= sess.PromptNumber {
		return
	}
	if freshPrompt != "" {
		sess.Prompt = freshPrompt
		sess.PromptTokens += int64(tokenutil.EstimateFast(freshPrompt))
	}
	if promptNumber > sess.PromptNumber {
		sess.PromptNumber = promptNumber
	}
	if err := m.catalog.UpdateSessionPrompt(ctx, sess.ID, freshPrompt, sess.PromptNumber); err != nil {
		m.logger.Warn("Failed to persist prompt update for session %d: %v", sess.ID, err)
	}
}

// QueueObservation durably enqueues one tool observation for the session and
// then wakes its consumer. The write commits before any in-memory listener is
// notified; on storage failure no notification fires and the error propagates
// to the caller.
func (m *Manager) QueueObservation(ctx context.Context, sessionID int64, obs ports.ObservationPayload) error {
	sess, err := m.Initialize(ctx, sessionID, "", obs.PromptNumber)
	if err != nil {
		return err
	}

	now := time.Now()
	item := &ports.QueueItem{
		SessionID:        sessionID,
		ContentSessionID: sess.ContentSessionID,
		Kind:             ports.KindObservation,
		Observation:      &obs,
		CreatedAt:        now,
	}
	if _, err := m.queue.Enqueue(ctx, item); err != nil {
		m.logger.Error("Failed to enqueue observation for session %d: %v", sessionID, err)
		return err
	}

	m.recordActivity(sess, now, string(ports.KindObservation), obs.ToolName, obs.ToolResponse)
	observability.EnqueuedTotal.WithLabelValues(string(ports.KindObservation)).Inc()
	sess.wake.Notify()
	return nil
}

// QueueSummarize durably enqueues a summarize request for the session.
// Same persist-first, notify-after contract as QueueObservation.
func (m *Manager) QueueSummarize(ctx context.Context, sessionID int64, lastAssistantMessage string) error {
	sess, err := m.Initialize(ctx, sessionID, "", 0)
	if err != nil {
		return err
	}

	now := time.Now()
	item := &ports.QueueItem{
		SessionID:            sessionID,
		ContentSessionID:     sess.ContentSessionID,
		Kind:                 ports.KindSummarize,
		LastAssistantMessage: lastAssistantMessage,
		CreatedAt:            now,
	}
	if _, err := m.queue.Enqueue(ctx, item); err != nil {
		m.logger.Error("Failed to enqueue summarize for session %d: %v", sessionID, err)
		return err
	}

	m.recordActivity(sess, now, string(ports.KindSummarize), "summarize", lastAssistantMessage)
	observability.EnqueuedTotal.WithLabelValues(string(ports.KindSummarize)).Inc()
	sess.wake.Notify()
	return nil
}

func (m *Manager) recordActivity(sess *Session, now time.Time, kind, summary, text string) {
	m.mu.Lock()
	sess.LastActivityAt = now
	if kind == string(ports.KindObservation) {
		sess.ObservationTokens += int64(tokenutil.EstimateFast(text))
	}
	sess.History = append(sess.History, HistoryEntry{At: now, Kind: kind, Summary: summary})
	if len(sess.History) > historyLimit {
		sess.History = sess.History[len(sess.History)-historyLimit:]
	}
	m.mu.Unlock()

	if err := m.catalog.TouchSession(context.Background(), sess.ID, now); err != nil {
		m.logger.Warn("Failed to touch session %d: %v", sess.ID, err)
	}
}

// MessageIterator returns the session's single-item consumer stream. Only one
// outstanding stream per session is allowed; a second call while the first is
// live returns an error.
func (m *Manager) MessageIterator(sessionID int64) (<-chan ports.QueueItem, error) {
	sess, sctx, handle, err := m.attachConsumer(sessionID)
	if err != nil {
		return nil, err
	}

	proc := NewProcessor(m.queue, sessionID, sess.wake, m.idleTimeout)
	inner := proc.Items(sctx, sess.Cancel)

	out := make(chan ports.QueueItem)
	go func() {
		defer close(out)
		defer close(handle.done)
		for item := range inner {
			m.observeYield(sess, item.CreatedAt)
			select {
			case out <- item:
			case <-sctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// MessageBatchIterator returns the session's batched consumer stream, each
// yield draining up to maxBatchSize items in enqueue order.
func (m *Manager) MessageBatchIterator(sessionID int64, maxBatchSize int) (<-chan []ports.QueueItem, error) {
	if maxBatchSize <= 0 {
		maxBatchSize = m.defaultBatchSize
	}
	sess, sctx, handle, err := m.attachConsumer(sessionID)
	if err != nil {
		return nil, err
	}

	proc := NewProcessor(m.queue, sessionID, sess.wake, m.idleTimeout)
	inner := proc.Batches(sctx, maxBatchSize, sess.Cancel)

	out := make(chan []ports.QueueItem)
	go func() {
		defer close(out)
		defer close(handle.done)
		for batch := range inner {
			m.observeYield(sess, batch[0].CreatedAt)
			select {
			case out <- batch:
			case <-sctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// attachConsumer lazily initializes the session, enforces the single-consumer
// rule, and revives the cancellation token when a previous stream ended via
// idle timeout so the session can resume.
func (m *Manager) attachConsumer(sessionID int64) (*Session, context.Context, *consumerHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.initializeLocked(context.Background(), sessionID, "", 0)
	if err != nil {
		return nil, nil, nil, err
	}
	if sess.consumer != nil && !sess.consumer.finished() {
		return nil, nil, nil, fmt.Errorf("session %d already has an active consumer", sessionID)
	}
	if sess.ctx.Err() != nil {
		sess.ctx, sess.cancel = context.WithCancel(context.Background())
	}
	handle := &consumerHandle{done: make(chan struct{})}
	sess.consumer = handle
	sess.Restarts++
	return sess, sess.ctx, handle, nil
}

func (m *Manager) observeYield(sess *Session, createdAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess.EarliestPending.IsZero() || createdAt.Before(sess.EarliestPending) {
		sess.EarliestPending = createdAt
	}
}

// Delete cancels the session's consumer, awaits its exit, purges the
// session's durable queue rows and metadata row, drops the in-memory entry
// and fires the deletion callback. Idempotent: deleting an unknown session is
// a no-op.
func (m *Manager) Delete(ctx context.Context, sessionID int64) error {
	m.mu.Lock()
	sess, ok := m.byID[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	handle := sess.consumer
	cancel := sess.cancel
	m.mu.Unlock()

	cancel()
	if handle != nil {
		// Tolerate a consumer that already failed; we only need it gone.
		select {
		case <-handle.done:
		case <-ctx.Done():
			m.logger.Warn("Timed out waiting for session %d consumer to stop", sessionID)
		}
	}

	purged, err := m.queue.DeleteAllForSession(ctx, sessionID)
	if err != nil {
		m.logger.Error("Failed to purge queue for session %d: %v", sessionID, err)
		return err
	}
	if err := m.catalog.DeleteSessionRecord(ctx, sessionID); err != nil {
		m.logger.Warn("Failed to delete session row %d: %v", sessionID, err)
	}

	m.mu.Lock()
	delete(m.byID, sessionID)
	m.mu.Unlock()

	observability.SessionsDeletedTotal.Inc()
	m.logger.Info("Deleted session %d (purged %d queued items)", sessionID, purged)
	if m.onDeleted != nil {
		m.onDeleted(sessionID)
	}
	return nil
}

// ShutdownAll deletes every currently-known session. Sessions are cleaned up
// independently and in parallel so one failure never blocks the rest.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]int64, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := m.Delete(ctx, id); err != nil {
				m.logger.Error("Shutdown cleanup failed for session %d: %v", id, err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// CleanupStale deletes sessions idle longer than threshold. Sessions with an
// outstanding consumer stream are skipped unless force is set. Returns how
// many sessions were deleted.
func (m *Manager) CleanupStale(ctx context.Context, threshold time.Duration, force bool) (int, error) {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	now := time.Now()

	m.mu.RLock()
	var candidates []int64
	for id, sess := range m.byID {
		if now.Sub(sess.LastActivityAt) <= threshold {
			continue
		}
		if !force && sess.consumer != nil && !sess.consumer.finished() {
			m.logger.Debug("Skipping stale session %d: consumer still attached", id)
			continue
		}
		candidates = append(candidates, id)
	}
	m.mu.RUnlock()

	cleaned := 0
	for _, id := range candidates {
		if err := m.Delete(ctx, id); err != nil {
			m.logger.Warn("Stale cleanup of session %d failed: %v", id, err)
			continue
		}
		cleaned++
	}
	if cleaned > 0 {
		m.logger.Info("Stale session sweep removed %d of %d candidates", cleaned, len(candidates))
	}
	return cleaned, nil
}

// ActiveSessionCount reports sessions currently held in memory.
func (m *Manager) ActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// ActiveConsumerCount reports sessions with a live consumer stream.
func (m *Manager) ActiveConsumerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, sess := range m.byID {
		if sess.consumer != nil && !sess.consumer.finished() {
			count++
		}
	}
	return count
}

// TotalQueueDepth sums the unconfirmed queue depth across in-memory sessions.
func (m *Manager) TotalQueueDepth(ctx context.Context) (int, error) {
	m.mu.RLock()
	ids := make([]int64, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	total := 0
	for _, id := range ids {
		count, err := m.queue.PendingCount(ctx, id)
		if err != nil {
			return 0, err
		}
		total += count
	}
	return total, nil
}

// PendingCount reports the unconfirmed queue depth of one session.
func (m *Manager) PendingCount(ctx context.Context, sessionID int64) (int, error) {
	return m.queue.PendingCount(ctx, sessionID)
}

// IsProcessing reports whether any session anywhere has outstanding work.
func (m *Manager) IsProcessing(ctx context.Context) (bool, error) {
	return m.queue.HasAnyPendingWork(ctx)
}

// GetStats returns an aggregate snapshot safe to poll frequently.
func (m *Manager) GetStats(ctx context.Context) (Stats, error) {
	depth, err := m.TotalQueueDepth(ctx)
	if err != nil {
		return Stats{}, err
	}
	failed, err := m.queue.FailedCount(ctx)
	if err != nil {
		return Stats{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		ActiveSessions:  len(m.byID),
		TotalQueueDepth: depth,
		FailedItems:     failed,
	}
	now := time.Now()
	for _, sess := range m.byID {
		if age := now.Sub(sess.CreatedAt); age > stats.OldestSessionAge {
			stats.OldestSessionAge = age
		}
		if sess.consumer != nil && !sess.consumer.finished() {
			stats.ActiveConsumers++
		}
	}
	return stats, nil
}
