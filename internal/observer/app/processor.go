package app

import (
	"context"
	"time"

	"warden/internal/logging"
	"warden/internal/observer/ports"
)

// DefaultIdleTimeout is how long a consumer waits with no new work before the
// stream self-terminates.
const DefaultIdleTimeout = 60 * time.Second

// Processor adapts the durable queue plus a per-session wake signal into a
// cancellable stream of claimed items for exactly one consumer.
//
// The stream never yields an item that is not already committed to the store,
// and every yielded item has been atomically moved to processing. Consumers
// must confirm each item via the store's MarkProcessed or it stays processing
// and becomes eligible for retry after a restart.
type Processor struct {
	store       ports.QueueStore
	sessionID   int64
	wake        *wakeSignal
	idleTimeout time.Duration
	logger      logging.Logger
}

// NewProcessor creates a processor for one session's queue.
func NewProcessor(store ports.QueueStore, sessionID int64, wake *wakeSignal, idleTimeout time.Duration) *Processor {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Processor{
		store:       store,
		sessionID:   sessionID,
		wake:        wake,
		idleTimeout: idleTimeout,
		logger:      logging.NewComponentLogger("QueueProcessor"),
	}
}

// Items returns a stream yielding claimed items one at a time, in enqueue
// order. The channel closes when ctx is cancelled, when the idle timeout
// elapses with no notification (onIdle fires exactly once first), or on a
// storage failure.
func (p *Processor) Items(ctx context.Context, onIdle func()) <-chan ports.QueueItem {
	out := make(chan ports.QueueItem)
	go func() {
		defer close(out)
		for {
			item, err := p.store.ClaimNext(ctx, p.sessionID)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("Claim failed for session %d, stopping stream: %v", p.sessionID, err)
				}
				return
			}
			if item != nil {
				select {
				case out <- *item:
					continue
				case <-ctx.Done():
					// The claimed item stays processing; restart recovery or
					// session deletion picks it up.
					return
				}
			}
			if !p.waitForWork(ctx, onIdle) {
				return
			}
		}
	}()
	return out
}

// Batches returns a stream that drains up to maxBatchSize pending items per
// wake into one slice, in enqueue order. An empty drain never yields an
// empty slice; the processor keeps waiting instead.
func (p *Processor) Batches(ctx context.Context, maxBatchSize int, onIdle func()) <-chan []ports.QueueItem {
	if maxBatchSize <= 0 {
		maxBatchSize = 1
	}
	out := make(chan []ports.QueueItem)
	go func() {
		defer close(out)
		for {
			batch, err := p.store.ClaimBatch(ctx, p.sessionID, maxBatchSize)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("Batch claim failed for session %d, stopping stream: %v", p.sessionID, err)
				}
				return
			}
			if len(batch) > 0 {
				select {
				case out <- batch:
					continue
				case <-ctx.Done():
					return
				}
			}
			if !p.waitForWork(ctx, onIdle) {
				return
			}
		}
	}()
	return out
}

// waitForWork suspends until a notification arrives. Returns false when the
// stream must terminate: cancellation, or the idle deadline passing, in which
// case onIdle is invoked exactly once. The idle deadline is per wait cycle,
// measured from entering the wait, not from stream creation.
func (p *Processor) waitForWork(ctx context.Context, onIdle func()) bool {
	idle := time.NewTimer(p.idleTimeout)
	defer idle.Stop()

	select {
	case <-p.wake.Wait():
		return true
	case <-ctx.Done():
		return false
	case <-idle.C:
		p.logger.Info("Session %d idle for %s, terminating consumer stream", p.sessionID, p.idleTimeout)
		if onIdle != nil {
			onIdle()
		}
		return false
	}
}
