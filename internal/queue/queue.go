// Package queue implements the per-queue message store and lifecycle engine:
// enqueue with optional FIFO deduplication, leased receive with visibility
// timeouts, receipt-checked delete, and dead-letter escalation.
//
// A Queue performs no internal locking. Callers must serialize access per
// queue; distinct queues are fully independent.
package queue

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mqlite/mqlite/internal/clock"
)

// ErrMessageDoesNotExist is returned by ChangeVisibility for an unknown id.
var ErrMessageDoesNotExist = errors.New("message does not exist")

const (
	// DedupWindow is how long a FIFO dedup id suppresses a duplicate send.
	DedupWindow = 5 * time.Minute

	// DefaultVisibilityTimeout applies when the queue config leaves the
	// lease duration unset.
	DefaultVisibilityTimeout = 30 * time.Second
)

// Queue is the store and lifecycle engine for a single queue.
type Queue struct {
	cfg   Config
	clk   clock.Clock
	index *deliveryIndex
}

// New builds a queue from its construction-time config and clock.
func New(cfg Config, clk clock.Clock) *Queue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Queue{
		cfg:   cfg,
		clk:   clk,
		index: newDeliveryIndex(),
	}
}

// Name returns the queue's configured name.
func (q *Queue) Name() string { return q.cfg.Name }

// FIFO reports whether the queue deduplicates sends.
func (q *Queue) FIFO() bool { return q.cfg.FIFO }

// Send enqueues a message, immediately eligible for receive.
//
// On a FIFO queue, a non-empty dedup id matching a currently-indexed message
// created within the last five minutes short-circuits: the existing record's
// data is returned unchanged and no duplicate is created. Deduplicated is
// true on that path. Messages deleted before the window closed are not
// considered; the scan covers live records only.
func (q *Queue) Send(req SendRequest) (data MessageData, deduplicated bool) {
	now := q.clk.Now()

	if q.cfg.FIFO && req.DedupID != "" {
		for _, m := range q.index.byID {
			if m.DedupID == req.DedupID && now.Sub(m.Created) <= DedupWindow {
				return m.Data(), true
			}
		}
	}

	m := &Message{
		ID:           uuid.NewString(),
		Body:         req.Body,
		Attributes:   req.Attributes,
		GroupID:      req.GroupID,
		DedupID:      req.DedupID,
		Created:      now,
		NextDelivery: now.UnixMilli(),
	}
	q.index.Add(m)
	return m.Data(), false
}

// Receive leases up to count eligible messages, earliest delivery time first
// (ties by arrival order), and returns their snapshots. It never blocks:
// when nothing is eligible the result is empty and the caller decides
// whether to retry.
//
// Exhausted messages encountered during the pass (receive count at or above
// the dead-letter policy's max) are deleted locally, not returned, and handed
// back as escalated payloads for the caller to forward to its dead-letter
// target; the escalation consumes the pass's current slot. The queue never
// calls out mid-pass, so callers forward outside their own critical section.
func (q *Queue) Receive(visibility time.Duration, count int) (out []MessageData, escalated []SendRequest) {
	now := q.clk.Now()
	nowMs := now.UnixMilli()
	vis := q.visibility(visibility)

	out = make([]MessageData, 0, count)
	for slots := count; slots > 0; {
		id, ok := q.index.PopMin()
		if !ok {
			break
		}
		m, live := q.index.ByID(id)
		if !live {
			// Tombstone of a deleted message; doesn't consume a slot.
			continue
		}
		if m.NextDelivery > nowMs {
			// This held the minimum key, so nothing else can be
			// eligible either. Re-insert under the record's current
			// key (which may be later than the popped one after a
			// lazy visibility extension) and stop.
			q.index.Add(m)
			break
		}
		slots--

		if dl := q.cfg.DeadLetter; dl != nil && m.ReceiveCount >= dl.MaxReceiveCount {
			// The purge bypasses the receipt check since no lease
			// holder is involved, and is not conditional on what the
			// caller does with the payload.
			escalated = append(escalated, SendRequest{
				Body:       m.Body,
				Attributes: m.Attributes,
				GroupID:    m.GroupID,
				DedupID:    m.DedupID,
			})
			q.index.RemoveByID(m.ID)
			continue
		}

		m.Receipt = newReceipt(m.ID)
		m.ReceiveCount++
		if m.FirstReceive == nil {
			t := now
			m.FirstReceive = &t
		}
		m.NextDelivery = nowMs + vis.Milliseconds()
		q.index.Add(m)
		out = append(out, m.Data())
	}
	return out, escalated
}

// ChangeVisibility moves an in-flight message's next delivery to
// now + visibility. Unknown ids fail with ErrMessageDoesNotExist.
//
// Shortening the timeout re-keys the delivery index immediately, since other
// messages may now rank after this one. Lengthening updates the record in
// place and leaves the stale (earlier) index position: if it surfaces at the
// front of a receive pass before truly-earlier messages, that pass re-inserts
// it under its real key and ends, so the shadow lasts at most one pass.
func (q *Queue) ChangeVisibility(id string, visibility time.Duration) error {
	m, ok := q.index.ByID(id)
	if !ok {
		return ErrMessageDoesNotExist
	}
	next := q.clk.Now().UnixMilli() + q.visibility(visibility).Milliseconds()
	if next < m.NextDelivery {
		m.NextDelivery = next
		q.index.Rekey(m)
		return nil
	}
	m.NextDelivery = next
	return nil
}

// Delete removes the message bound to receipt, provided the receipt matches
// the current lease. Unknown ids, malformed receipts, and stale receipts are
// all silent no-ops: a double delete or a delete racing an expired lease's
// redelivery is harmless. It reports whether a message was actually removed.
func (q *Queue) Delete(receipt string) bool {
	id, ok := receiptID(receipt)
	if !ok {
		return false
	}
	m, ok := q.index.ByID(id)
	if !ok {
		return false
	}
	if m.Receipt == "" || m.Receipt != receipt {
		return false
	}
	q.index.RemoveByID(id)
	return true
}

// Lookup returns the current view of a message without mutating anything.
func (q *Queue) Lookup(id string) (MessageData, bool) {
	m, ok := q.index.ByID(id)
	if !ok {
		return MessageData{}, false
	}
	return m.Data(), true
}

// Stats summarizes queue depth for monitoring.
func (q *Queue) Stats() Stats {
	nowMs := q.clk.Now().UnixMilli()
	s := Stats{Depth: q.index.Len()}
	for _, m := range q.index.byID {
		if m.NextDelivery <= nowMs {
			s.Available++
		} else if m.Receipt != "" {
			s.InFlight++
		}
	}
	return s
}

func (q *Queue) visibility(d time.Duration) time.Duration {
	if d <= 0 {
		return q.cfg.VisibilityTimeout
	}
	return d
}

// newReceipt mints a lease token bound to id. Encoding the id keeps the
// receipt self-describing: Delete resolves the record from the token alone.
func newReceipt(id string) string {
	return id + "#" + uuid.NewString()
}

// receiptID extracts the message id a receipt is bound to.
func receiptID(receipt string) (string, bool) {
	i := strings.IndexByte(receipt, '#')
	if i <= 0 {
		return "", false
	}
	return receipt[:i], true
}
