package session

import "sync"

// PendingDelivery is one undeliverable envelope held for an offline
// recipient. The pair stays sealed; the server never inspects it.
type PendingDelivery struct {
	RecipientUserID string
	Envelope        []byte
	Signature       []byte
}

// PendingQueue is the process-wide holding area for envelopes addressed to
// offline recipients. It is intentionally volatile: entries live only in
// memory and are lost on restart.
//
// The invariant is removal-exactly-once: an entry leaves the queue either
// when delivered live or when replayed on reconnect, in original enqueue
// order per recipient. All access is serialized by the internal mutex.
type PendingQueue struct {
	mu    sync.Mutex
	items []PendingDelivery
}

func NewPendingQueue() *PendingQueue {
	return &PendingQueue{}
}

// Enqueue appends one pending delivery.
func (q *PendingQueue) Enqueue(recipientUserID string, envBytes, sigBytes []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, PendingDelivery{
		RecipientUserID: recipientUserID,
		Envelope:        envBytes,
		Signature:       sigBytes,
	})
}

// TakeFor removes and returns every entry addressed to recipientUserID,
// in enqueue order. Entries for other recipients keep their positions.
func (q *PendingQueue) TakeFor(recipientUserID string) []PendingDelivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	var taken []PendingDelivery
	kept := q.items[:0]
	for _, item := range q.items {
		if item.RecipientUserID == recipientUserID {
			taken = append(taken, item)
		} else {
			kept = append(kept, item)
		}
	}
	q.items = kept
	return taken
}

// Restore puts items back at the head of the queue, preserving their order.
// Used when a replay is interrupted by a delivery failure.
func (q *PendingQueue) Restore(items []PendingDelivery) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(append([]PendingDelivery{}, items...), q.items...)
}

// Len returns the number of queued deliveries.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
