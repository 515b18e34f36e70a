package broker

import (
	"context"
	"sync"
	"time"

	"github.com/mqlite/mqlite/internal/metrics"
	"github.com/mqlite/mqlite/internal/queue"
)

// waitPollInterval is how often a long-poll receive re-checks the queue.
const waitPollInterval = 100 * time.Millisecond

// Handle wraps one queue behind a mutex, giving the unsynchronized core the
// single-writer discipline it documents: exactly one command in flight per
// queue. Distinct handles share nothing and run concurrently.
type Handle struct {
	name string
	fifo bool

	// deadLetter forwards exhausted messages to the configured target.
	// Non-nil iff the queue has a dead-letter policy; only ever invoked
	// with mu released.
	deadLetter queue.Sender

	mu sync.Mutex
	q  *queue.Queue
}

// Name returns the queue name.
func (h *Handle) Name() string { return h.name }

// FIFO reports whether the queue deduplicates sends.
func (h *Handle) FIFO() bool { return h.fifo }

// Send enqueues a message. Dead-letter forwards from other queues arrive
// here too (via the broker's forwarder), so exhausted messages enter this
// queue under the same lock as ordinary sends. Deduplicated is true when a
// FIFO dedup hit returned an existing message instead of creating one.
func (h *Handle) Send(req queue.SendRequest) (data queue.MessageData, deduplicated bool) {
	h.mu.Lock()
	data, deduplicated = h.q.Send(req)
	h.mu.Unlock()

	if deduplicated {
		metrics.MessagesDeduplicated.WithLabelValues(h.name).Inc()
	} else {
		metrics.MessagesSent.WithLabelValues(h.name).Inc()
	}
	return data, deduplicated
}

// Receive leases up to count eligible messages and returns immediately.
func (h *Handle) Receive(visibility time.Duration, count int) []queue.MessageData {
	h.mu.Lock()
	out, escalated := h.q.Receive(visibility, count)
	h.mu.Unlock()

	// Forward exhausted payloads with no lock held: the target might
	// dead-letter into this queue in turn, and two queues escalating into
	// each other must not deadlock.
	for _, req := range escalated {
		_, _ = h.deadLetter.Send(req)
	}

	if len(out) > 0 {
		metrics.MessagesReceived.WithLabelValues(h.name).Add(float64(len(out)))
	}
	if len(escalated) > 0 {
		metrics.MessagesDeadLettered.WithLabelValues(h.name).Add(float64(len(escalated)))
	}
	return out
}

// ReceiveWait is the long-poll wrapper around Receive: it re-checks the
// queue on a short interval until a message arrives, the wait window lapses
// (returning an empty batch), or ctx is done. The core itself never blocks.
func (h *Handle) ReceiveWait(ctx context.Context, visibility time.Duration, count int, wait time.Duration) ([]queue.MessageData, error) {
	out := h.Receive(visibility, count)
	if len(out) > 0 || wait <= 0 {
		return out, nil
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-ticker.C:
			if out := h.Receive(visibility, count); len(out) > 0 {
				return out, nil
			}
		}
	}
}

// ChangeVisibility moves a leased message's next delivery to now + visibility.
func (h *Handle) ChangeVisibility(id string, visibility time.Duration) error {
	h.mu.Lock()
	err := h.q.ChangeVisibility(id, visibility)
	h.mu.Unlock()

	if err == nil {
		metrics.VisibilityChanges.WithLabelValues(h.name).Inc()
	}
	return err
}

// Delete removes the message bound to receipt if the receipt matches the
// current lease. Stale receipts are a no-op.
func (h *Handle) Delete(receipt string) bool {
	h.mu.Lock()
	deleted := h.q.Delete(receipt)
	h.mu.Unlock()

	if deleted {
		metrics.MessagesDeleted.WithLabelValues(h.name).Inc()
	}
	return deleted
}

// Lookup returns the current view of a message.
func (h *Handle) Lookup(id string) (queue.MessageData, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.q.Lookup(id)
}

// Stats returns a depth snapshot.
func (h *Handle) Stats() queue.Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.q.Stats()
}
