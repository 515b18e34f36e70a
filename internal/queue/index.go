package queue

import "container/heap"

// deliveryIndex pairs the authoritative identity map (id -> record) with a
// min-heap ordered by (NextDelivery, insertion sequence). The heap stores
// key snapshots, not live records, so moving a message in delivery order is
// an explicit remove + re-push rather than a mutation the heap can't see.
//
// Deletion is lazy on the heap side: RemoveByID drops the record from the
// identity map only, and the next traversal that surfaces the orphaned heap
// entry discards it as a tombstone. Absence from the identity map is the
// single authoritative deletion signal.
type deliveryIndex struct {
	byID  map[string]*Message
	items map[string]*entry // current heap entry per live id
	heap  entryHeap
	seq   uint64
}

func newDeliveryIndex() *deliveryIndex {
	return &deliveryIndex{
		byID:  make(map[string]*Message),
		items: make(map[string]*entry),
	}
}

// Len is the number of logically present messages.
func (x *deliveryIndex) Len() int { return len(x.byID) }

// Add indexes m under its current NextDelivery with a fresh insertion
// sequence. It is used both for new records and for re-inserting a record
// that was popped during traversal.
func (x *deliveryIndex) Add(m *Message) {
	x.seq++
	e := &entry{deliveryAt: m.NextDelivery, seq: x.seq, id: m.ID}
	x.byID[m.ID] = m
	x.items[m.ID] = e
	heap.Push(&x.heap, e)
}

// PopMin removes and returns the id with the smallest (NextDelivery, seq)
// key. The caller must check ByID: a popped id that is no longer in the
// identity map is a tombstone.
func (x *deliveryIndex) PopMin() (string, bool) {
	if x.heap.Len() == 0 {
		return "", false
	}
	e := heap.Pop(&x.heap).(*entry)
	if x.items[e.id] == e {
		delete(x.items, e.id)
	}
	return e.id, true
}

// ByID looks up the live record, or reports false if it was deleted.
func (x *deliveryIndex) ByID(id string) (*Message, bool) {
	m, ok := x.byID[id]
	return m, ok
}

// RemoveByID deletes from the identity map only. The heap's copy of the key
// stays behind and is discarded as a tombstone when it reaches the front.
func (x *deliveryIndex) RemoveByID(id string) {
	delete(x.byID, id)
}

// Rekey repositions a live record after its NextDelivery changed. The heap
// is keyed by the original snapshot, so this removes the old entry and
// pushes a new one under the current key.
func (x *deliveryIndex) Rekey(m *Message) {
	if e, ok := x.items[m.ID]; ok {
		heap.Remove(&x.heap, e.pos)
		delete(x.items, m.ID)
	}
	x.Add(m)
}

// entry is one heap element: a delivery-order key snapshot plus the id it
// belongs to.
type entry struct {
	deliveryAt int64
	seq        uint64
	id         string
	pos        int // index within the heap
}

// entryHeap implements heap.Interface; earlier delivery time wins, ties go
// to the earlier insertion sequence.
type entryHeap struct {
	items []*entry
}

func (h *entryHeap) Len() int { return len(h.items) }

func (h *entryHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.deliveryAt != b.deliveryAt {
		return a.deliveryAt < b.deliveryAt
	}
	return a.seq < b.seq
}

func (h *entryHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].pos = i
	h.items[j].pos = j
}

func (h *entryHeap) Push(v interface{}) {
	e := v.(*entry)
	e.pos = len(h.items)
	h.items = append(h.items, e)
}

func (h *entryHeap) Pop() interface{} {
	n := len(h.items) - 1
	e := h.items[n]
	h.items[n] = nil // avoid memory leak
	h.items = h.items[:n]
	return e
}
