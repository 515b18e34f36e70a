// Package broker owns the set of named queues and the serialization contract
// the core engine requires: every command against a queue goes through that
// queue's handle, which admits one command at a time.
package broker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mqlite/mqlite/internal/clock"
	"github.com/mqlite/mqlite/internal/metrics"
	"github.com/mqlite/mqlite/internal/queue"
)

var (
	ErrQueueExists   = errors.New("queue already exists")
	ErrQueueNotFound = errors.New("queue not found")
)

// QueueConfig is the caller-facing queue definition. The dead-letter target
// is referenced by name and resolved when a message is actually forwarded,
// so the target may be created after the source.
type QueueConfig struct {
	Name              string
	FIFO              bool
	VisibilityTimeout time.Duration
	DeadLetterQueue   string
	MaxReceiveCount   int
}

// QueueInfo is a list entry: identity plus a depth snapshot.
type QueueInfo struct {
	Name  string
	FIFO  bool
	Stats queue.Stats
}

// Broker is the queue registry.
type Broker struct {
	clk    clock.Clock
	logger *zap.Logger

	mu     sync.RWMutex
	queues map[string]*Handle
}

// New builds an empty broker. A nil clock means wall-clock; a nil logger
// means no-op logging.
func New(clk clock.Clock, logger *zap.Logger) *Broker {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		clk:    clk,
		logger: logger,
		queues: make(map[string]*Handle),
	}
}

// CreateQueue registers a new queue. The name must be unique and may not be
// its own dead-letter target: an exhausted message forwarded back into the
// same queue re-enters fresh and the queue never drains. Cycles through
// other queues are allowed; each hop resets the receive count, and the
// forward runs outside every queue lock.
func (b *Broker) CreateQueue(cfg QueueConfig) (*Handle, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if cfg.DeadLetterQueue == cfg.Name {
		return nil, fmt.Errorf("queue %q cannot be its own dead-letter target", cfg.Name)
	}
	if cfg.DeadLetterQueue != "" && cfg.MaxReceiveCount <= 0 {
		return nil, fmt.Errorf("queue %q: max receive count must be positive when a dead-letter queue is set", cfg.Name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[cfg.Name]; ok {
		return nil, ErrQueueExists
	}

	core := queue.Config{
		Name:              cfg.Name,
		FIFO:              cfg.FIFO,
		VisibilityTimeout: cfg.VisibilityTimeout,
	}
	if cfg.DeadLetterQueue != "" {
		core.DeadLetter = &queue.DeadLetterPolicy{MaxReceiveCount: cfg.MaxReceiveCount}
	}

	h := &Handle{
		name: cfg.Name,
		fifo: cfg.FIFO,
		q:    queue.New(core, b.clk),
	}
	if cfg.DeadLetterQueue != "" {
		h.deadLetter = &forwarder{
			broker: b,
			source: cfg.Name,
			target: cfg.DeadLetterQueue,
		}
	}
	b.queues[cfg.Name] = h

	b.logger.Info("queue created",
		zap.String("queue", cfg.Name),
		zap.Bool("fifo", cfg.FIFO),
		zap.String("dead_letter_queue", cfg.DeadLetterQueue),
	)
	return h, nil
}

// DeleteQueue unregisters a queue and clears its depth gauges. Messages
// still held by the queue are dropped with it.
func (b *Broker) DeleteQueue(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[name]; !ok {
		return ErrQueueNotFound
	}
	delete(b.queues, name)

	metrics.QueueDepth.DeleteLabelValues(name)
	metrics.QueueAvailable.DeleteLabelValues(name)
	metrics.QueueInFlight.DeleteLabelValues(name)

	b.logger.Info("queue deleted", zap.String("queue", name))
	return nil
}

// GetQueue looks up a queue handle by name.
func (b *Broker) GetQueue(name string) (*Handle, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.queues[name]
	return h, ok
}

// ListQueues returns all queues sorted by name, with depth snapshots.
func (b *Broker) ListQueues() []QueueInfo {
	b.mu.RLock()
	handles := make([]*Handle, 0, len(b.queues))
	for _, h := range b.queues {
		handles = append(handles, h)
	}
	b.mu.RUnlock()

	out := make([]QueueInfo, 0, len(handles))
	for _, h := range handles {
		out = append(out, QueueInfo{Name: h.name, FIFO: h.fifo, Stats: h.Stats()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// forwarder routes dead-letter sends to the target queue through its own
// handle, never into its internals, preserving the target's single-writer
// contract. The source handle invokes it after releasing its lock, so the
// target taking its own lock here cannot deadlock even when two queues
// name each other as targets. A missing target drops the message; the
// source queue has already decided to purge it.
type forwarder struct {
	broker *Broker
	source string
	target string
}

func (f *forwarder) Send(req queue.SendRequest) (queue.MessageData, error) {
	h, ok := f.broker.GetQueue(f.target)
	if !ok {
		f.broker.logger.Warn("dead-letter target missing, dropping message",
			zap.String("queue", f.source),
			zap.String("dead_letter_queue", f.target),
		)
		return queue.MessageData{}, ErrQueueNotFound
	}
	data, _ := h.Send(req)
	return data, nil
}
