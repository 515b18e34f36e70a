package queue

import "time"

// Message is the authoritative mutable record for one queued message. It is
// owned by the identity index; everything handed to callers is a MessageData
// snapshot.
type Message struct {
	ID         string
	Body       []byte
	Attributes map[string]string
	GroupID    string
	DedupID    string

	// Created is the enqueue time; only consulted for the FIFO dedup window.
	Created time.Time

	// NextDelivery is epoch-millis. The message is eligible for receive
	// iff NextDelivery <= now.
	NextDelivery int64

	ReceiveCount int
	FirstReceive *time.Time

	// Receipt is the current lease token. Empty unless the message is
	// leased; regenerated on every successful receive.
	Receipt string
}

// Data returns the public view of the record.
func (m *Message) Data() MessageData {
	return MessageData{
		ID:           m.ID,
		Body:         m.Body,
		Attributes:   m.Attributes,
		GroupID:      m.GroupID,
		ReceiveCount: m.ReceiveCount,
		FirstReceive: m.FirstReceive,
		NextDelivery: m.NextDelivery,
		Receipt:      m.Receipt,
	}
}

// MessageData is the snapshot returned by queue operations.
type MessageData struct {
	ID           string
	Body         []byte
	Attributes   map[string]string
	GroupID      string
	ReceiveCount int
	FirstReceive *time.Time
	NextDelivery int64
	Receipt      string
}

// SendRequest is the content needed to enqueue a message. It is also the
// payload forwarded to a dead-letter target, which is why it carries the
// group and dedup ids.
type SendRequest struct {
	Body       []byte
	Attributes map[string]string
	GroupID    string
	DedupID    string
}

// Sender is the outbound contract a queue owner uses to forward exhausted
// messages to a dead-letter collaborator. Implementations apply their own
// serialization; the source queue never reaches into the target's state.
type Sender interface {
	Send(req SendRequest) (MessageData, error)
}

// DeadLetterPolicy marks messages whose receive count reached MaxReceiveCount
// for escalation instead of delivering them again. The queue only decides and
// purges; the owner performs the forward once its pass is over.
type DeadLetterPolicy struct {
	MaxReceiveCount int
}

// Config is supplied once at construction by the owning manager.
type Config struct {
	Name string
	FIFO bool

	// VisibilityTimeout is the default lease duration, applied whenever a
	// receive or visibility change passes a zero duration.
	VisibilityTimeout time.Duration

	DeadLetter *DeadLetterPolicy
}

// Stats is a point-in-time size summary used by the depth monitor.
type Stats struct {
	Depth     int // messages logically present
	Available int // eligible for receive right now
	InFlight  int // leased and not yet expired
}
