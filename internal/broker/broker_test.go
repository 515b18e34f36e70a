package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqlite/mqlite/internal/clock"
	"github.com/mqlite/mqlite/internal/queue"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestBroker(t *testing.T) (*Broker, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(t0)
	return New(clk, nil), clk
}

func TestCreateQueueValidation(t *testing.T) {
	b, _ := newTestBroker(t)

	_, err := b.CreateQueue(QueueConfig{})
	assert.Error(t, err, "name is required")

	_, err = b.CreateQueue(QueueConfig{Name: "q", DeadLetterQueue: "q"})
	assert.Error(t, err, "self-referencing dead-letter target")

	_, err = b.CreateQueue(QueueConfig{Name: "q", DeadLetterQueue: "dlq"})
	assert.Error(t, err, "dead-letter target without max receive count")

	h, err := b.CreateQueue(QueueConfig{Name: "q"})
	require.NoError(t, err)
	assert.Equal(t, "q", h.Name())

	_, err = b.CreateQueue(QueueConfig{Name: "q"})
	assert.ErrorIs(t, err, ErrQueueExists)
}

func TestDeleteQueue(t *testing.T) {
	b, _ := newTestBroker(t)

	_, err := b.CreateQueue(QueueConfig{Name: "q"})
	require.NoError(t, err)

	require.NoError(t, b.DeleteQueue("q"))
	_, ok := b.GetQueue("q")
	assert.False(t, ok)

	assert.ErrorIs(t, b.DeleteQueue("q"), ErrQueueNotFound)
}

func TestListQueues(t *testing.T) {
	b, _ := newTestBroker(t)

	_, err := b.CreateQueue(QueueConfig{Name: "zeta"})
	require.NoError(t, err)
	fifo, err := b.CreateQueue(QueueConfig{Name: "alpha.fifo", FIFO: true})
	require.NoError(t, err)

	fifo.Send(queue.SendRequest{Body: []byte(`{}`)})

	infos := b.ListQueues()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha.fifo", infos[0].Name)
	assert.True(t, infos[0].FIFO)
	assert.Equal(t, 1, infos[0].Stats.Depth)
	assert.Equal(t, "zeta", infos[1].Name)
}

func TestDeadLetterForwardsThroughTargetHandle(t *testing.T) {
	b, clk := newTestBroker(t)

	work, err := b.CreateQueue(QueueConfig{
		Name:              "work",
		VisibilityTimeout: time.Second,
		DeadLetterQueue:   "work-dlq",
		MaxReceiveCount:   1,
	})
	require.NoError(t, err)

	// the target may be created after the source; resolution is lazy
	dlq, err := b.CreateQueue(QueueConfig{Name: "work-dlq"})
	require.NoError(t, err)

	sent, _ := work.Send(queue.SendRequest{
		Body:       []byte(`{"job":1}`),
		Attributes: map[string]string{"origin": "test"},
	})

	out := work.Receive(0, 1)
	require.Len(t, out, 1)

	clk.Advance(2 * time.Second)
	out = work.Receive(0, 1)
	assert.Empty(t, out, "exhausted message escalates instead of delivering")

	_, found := work.Lookup(sent.ID)
	assert.False(t, found, "purged from the source queue")

	dead := dlq.Receive(0, 1)
	require.Len(t, dead, 1)
	assert.Equal(t, []byte(`{"job":1}`), dead[0].Body)
	assert.Equal(t, map[string]string{"origin": "test"}, dead[0].Attributes)
	assert.NotEqual(t, sent.ID, dead[0].ID, "forwarded as a fresh send")
	assert.Equal(t, 1, dead[0].ReceiveCount)
}

func TestDeadLetterTargetMissingDropsMessage(t *testing.T) {
	b, clk := newTestBroker(t)

	work, err := b.CreateQueue(QueueConfig{
		Name:              "work",
		VisibilityTimeout: time.Second,
		DeadLetterQueue:   "nowhere",
		MaxReceiveCount:   1,
	})
	require.NoError(t, err)

	sent, _ := work.Send(queue.SendRequest{Body: []byte(`{}`)})
	require.Len(t, work.Receive(0, 1), 1)

	clk.Advance(2 * time.Second)
	assert.Empty(t, work.Receive(0, 1))

	// the source purge is not conditional on the forward landing
	_, found := work.Lookup(sent.ID)
	assert.False(t, found)
}

func TestDeadLetterCycleDoesNotDeadlock(t *testing.T) {
	// a and b name each other as dead-letter targets. Two receives
	// escalating at the same time must both complete: each handle forwards
	// only after releasing its own lock.
	b, clk := newTestBroker(t)

	qa, err := b.CreateQueue(QueueConfig{
		Name:              "a",
		VisibilityTimeout: time.Second,
		DeadLetterQueue:   "b",
		MaxReceiveCount:   1,
	})
	require.NoError(t, err)
	qb, err := b.CreateQueue(QueueConfig{
		Name:              "b",
		VisibilityTimeout: time.Second,
		DeadLetterQueue:   "a",
		MaxReceiveCount:   1,
	})
	require.NoError(t, err)

	qa.Send(queue.SendRequest{Body: []byte(`"from-a"`)})
	qb.Send(queue.SendRequest{Body: []byte(`"from-b"`)})
	require.Len(t, qa.Receive(0, 1), 1)
	require.Len(t, qb.Receive(0, 1), 1)
	clk.Advance(2 * time.Second)

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, h := range []*Handle{qa, qb} {
			wg.Add(1)
			go func(h *Handle) {
				defer wg.Done()
				assert.Empty(t, h.Receive(0, 1), "exhausted message escalates instead of delivering")
			}(h)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent escalating receives deadlocked")
	}

	crossed := qa.Receive(0, 1)
	require.Len(t, crossed, 1)
	assert.Equal(t, []byte(`"from-b"`), crossed[0].Body)

	crossed = qb.Receive(0, 1)
	require.Len(t, crossed, 1)
	assert.Equal(t, []byte(`"from-a"`), crossed[0].Body)
}

func TestReceiveWaitReturnsEarly(t *testing.T) {
	b := New(clock.System{}, nil)
	h, err := b.CreateQueue(QueueConfig{Name: "q"})
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		h.Send(queue.SendRequest{Body: []byte(`"late"`)})
	}()

	start := time.Now()
	out, err := h.ReceiveWait(context.Background(), 0, 1, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Less(t, time.Since(start), 2*time.Second, "returns when the message arrives, not at window end")
}

func TestReceiveWaitWindowLapses(t *testing.T) {
	b := New(clock.System{}, nil)
	h, err := b.CreateQueue(QueueConfig{Name: "q"})
	require.NoError(t, err)

	out, err := h.ReceiveWait(context.Background(), 0, 1, 150*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestReceiveWaitHonorsContext(t *testing.T) {
	b := New(clock.System{}, nil)
	h, err := b.CreateQueue(QueueConfig{Name: "q"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = h.ReceiveWait(ctx, 0, 1, 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReceiveWaitImmediate(t *testing.T) {
	b, _ := newTestBroker(t)
	h, err := b.CreateQueue(QueueConfig{Name: "q"})
	require.NoError(t, err)

	h.Send(queue.SendRequest{Body: []byte(`{}`)})

	// zero wait is a plain receive
	out, err := h.ReceiveWait(context.Background(), 0, 1, 0)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}
