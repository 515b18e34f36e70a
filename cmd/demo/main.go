package main

import (
	"fmt"
	"log"
	"time"

	"github.com/mqlite/mqlite/internal/broker"
	"github.com/mqlite/mqlite/internal/clock"
	"github.com/mqlite/mqlite/internal/queue"
)

// In-process walkthrough of the queue engine: send, receive, ack,
// lease expiry, FIFO dedup, and dead-letter escalation.
func main() {
	b := broker.New(clock.System{}, nil)

	fmt.Println("=== 1: Send → Receive → Ack ===")

	orders, err := b.CreateQueue(broker.QueueConfig{
		Name:              "orders",
		VisibilityTimeout: 2 * time.Second,
	})
	if err != nil {
		log.Fatalf("create queue: %v", err)
	}

	sent, _ := orders.Send(queue.SendRequest{Body: []byte(`{"order":"ORD-001"}`)})
	fmt.Printf("✓ Sent message %s\n", sent.ID)

	msgs := orders.Receive(0, 1)
	if len(msgs) != 1 {
		log.Fatalf("expected 1 message, got %d", len(msgs))
	}
	fmt.Printf("✓ Received %s (receive count %d)\n", msgs[0].ID, msgs[0].ReceiveCount)

	if orders.Delete(msgs[0].Receipt) {
		fmt.Println("✓ Acked with delivery receipt")
	}

	fmt.Println("\n=== 2: Lease expiry redelivers ===")

	sent, _ = orders.Send(queue.SendRequest{Body: []byte(`{"order":"ORD-002"}`)})
	first := orders.Receive(500*time.Millisecond, 1)
	fmt.Printf("✓ Leased %s for 500ms, not acking\n", first[0].ID)

	if len(orders.Receive(0, 1)) == 0 {
		fmt.Println("✓ Invisible while leased")
	}

	time.Sleep(600 * time.Millisecond)
	again := orders.Receive(0, 1)
	fmt.Printf("✓ Redelivered %s with receive count %d and a fresh receipt\n",
		again[0].ID, again[0].ReceiveCount)
	orders.Delete(again[0].Receipt)

	fmt.Println("\n=== 3: FIFO deduplication ===")

	fifoQ, err := b.CreateQueue(broker.QueueConfig{Name: "orders.fifo", FIFO: true})
	if err != nil {
		log.Fatalf("create fifo queue: %v", err)
	}

	m1, _ := fifoQ.Send(queue.SendRequest{Body: []byte(`{"n":1}`), DedupID: "d-1"})
	m2, deduplicated := fifoQ.Send(queue.SendRequest{Body: []byte(`{"n":1}`), DedupID: "d-1"})
	fmt.Printf("✓ Second send with dedup id returned existing id: %v (ids %s == %s)\n",
		deduplicated, m1.ID, m2.ID)

	fmt.Println("\n=== 4: Dead-letter escalation ===")

	if _, err := b.CreateQueue(broker.QueueConfig{Name: "failed-jobs"}); err != nil {
		log.Fatalf("create dlq: %v", err)
	}
	jobs, err := b.CreateQueue(broker.QueueConfig{
		Name:            "jobs",
		DeadLetterQueue: "failed-jobs",
		MaxReceiveCount: 2,
	})
	if err != nil {
		log.Fatalf("create jobs queue: %v", err)
	}

	sent, _ = jobs.Send(queue.SendRequest{Body: []byte(`{"job":"flaky"}`)})
	for i := 1; i <= 2; i++ {
		got := jobs.Receive(time.Millisecond, 1)
		fmt.Printf("✓ Attempt %d delivered (receive count %d), letting lease lapse\n",
			i, got[0].ReceiveCount)
		time.Sleep(5 * time.Millisecond)
	}

	// Third attempt: the engine forwards to failed-jobs instead of delivering.
	if got := jobs.Receive(0, 1); len(got) == 0 {
		fmt.Println("✓ Third attempt returned nothing from jobs")
	}
	if _, found := jobs.Lookup(sent.ID); !found {
		fmt.Println("✓ Message purged from jobs")
	}

	dlq, _ := b.GetQueue("failed-jobs")
	dead := dlq.Receive(0, 1)
	fmt.Printf("✓ Dead-letter queue delivered the forwarded copy: %s\n", dead[0].Body)

	fmt.Println("\n✅ Demo complete")
}
