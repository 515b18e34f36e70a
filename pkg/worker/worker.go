package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mqlite/mqlite/pkg/client"
)

// HandlerFunc processes a message and returns an error if processing failed.
// Returning nil means success (message will be acked by receipt).
// Returning an error means failure (the lease lapses and the message is
// redelivered, or dead-lettered once the queue's max receive count is hit).
type HandlerFunc func(ctx context.Context, msg *client.Message) error

// Worker manages message processing from queues
type Worker struct {
	client     *client.Client
	handlers   map[string]HandlerFunc
	wait       time.Duration
	batchSize  int
	visibility time.Duration
}

// Config for creating a new worker
type Config struct {
	BaseURL    string        // mqlite server URL
	Wait       time.Duration // long-poll window per receive (default: 5s)
	BatchSize  int           // max messages to fetch per poll (default: 10)
	Visibility time.Duration // visibility timeout (default: 30s)
}

// New creates a new Worker with the given configuration
func New(cfg Config) *Worker {
	if cfg.Wait == 0 {
		cfg.Wait = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.Visibility == 0 {
		cfg.Visibility = 30 * time.Second
	}

	return &Worker{
		client:     client.NewClient(cfg.BaseURL),
		handlers:   make(map[string]HandlerFunc),
		wait:       cfg.Wait,
		batchSize:  cfg.BatchSize,
		visibility: cfg.Visibility,
	}
}

// Handle registers a handler function for a specific queue
func (w *Worker) Handle(queue string, handler HandlerFunc) {
	w.handlers[queue] = handler
	log.Printf("Registered handler for queue: %s", queue)
}

// Run starts the worker and blocks until context is cancelled
func (w *Worker) Run(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return fmt.Errorf("no handlers registered")
	}

	log.Printf("Worker starting with %d queue(s)", len(w.handlers))

	// Start a goroutine for each queue
	for queue, handler := range w.handlers {
		go w.pollQueue(ctx, queue, handler)
	}

	// Wait for context cancellation
	<-ctx.Done()
	log.Println("Worker shutting down...")
	return nil
}

// pollQueue long-polls a queue and processes messages
func (w *Worker) pollQueue(ctx context.Context, queue string, handler HandlerFunc) {
	log.Printf("Started polling queue: %s", queue)

	for {
		select {
		case <-ctx.Done():
			log.Printf("Stopped polling queue: %s", queue)
			return
		default:
		}

		messages, err := w.client.Receive(ctx, queue, &client.ReceiveOptions{
			Max:        w.batchSize,
			Visibility: w.visibility,
			Wait:       w.wait,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Error receiving from %s: %v", queue, err)
			time.Sleep(time.Second)
			continue
		}

		if len(messages) == 0 {
			continue // long-poll window lapsed without messages
		}

		log.Printf("Received %d message(s) from %s", len(messages), queue)

		for _, msg := range messages {
			w.processMessage(ctx, queue, msg, handler)
		}
	}
}

// handlerTimeout is the per-message processing budget: the visibility window
// minus headroom to ack in time, floored so short windows still hand the
// handler a live context.
func (w *Worker) handlerTimeout() time.Duration {
	timeout := w.visibility - 5*time.Second
	if timeout < time.Second {
		timeout = time.Second
	}
	return timeout
}

// processMessage handles a single message with error recovery
func (w *Worker) processMessage(ctx context.Context, queue string, msg *client.Message, handler HandlerFunc) {
	handlerCtx, cancel := context.WithTimeout(ctx, w.handlerTimeout())
	defer cancel()

	// Recover from panics
	defer func() {
		if r := recover(); r != nil {
			log.Printf("PANIC processing message %s from %s: %v (lease will lapse and redeliver)",
				msg.ID, queue, r)
			// Don't ack - let it redeliver
		}
	}()

	// Call the handler
	err := handler(handlerCtx, msg)

	if err != nil {
		log.Printf("Error processing message %s from %s (receive count %d): %v",
			msg.ID, queue, msg.ReceiveCount, err)
		// Don't ack - the lease lapses and the message is redelivered,
		// or dead-lettered by queue policy
		return
	}

	// Success - acknowledge with the delivery receipt
	ok, err := w.client.Delete(ctx, queue, msg.Receipt)
	if err != nil {
		log.Printf("Error acking message %s: %v", msg.ID, err)
		return
	}
	if !ok {
		// Receipt went stale: the lease expired mid-handling and the
		// message was redelivered elsewhere
		log.Printf("Stale receipt for message %s from %s; another delivery owns it now", msg.ID, queue)
		return
	}

	log.Printf("Successfully processed message %s from %s", msg.ID, queue)
}
