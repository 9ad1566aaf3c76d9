package session

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/cipherchat/internal/envelope"
	"github.com/dmitrijs2005/cipherchat/internal/logging"
)

// Relay routes client-scoped envelopes between sessions without decrypting
// them, falling back to the pending queue when the recipient is
// unreachable.
type Relay struct {
	registry *Registry
	queue    *PendingQueue
	logger   logging.Logger
}

func NewRelay(registry *Registry, queue *PendingQueue, logger logging.Logger) *Relay {
	return &Relay{
		registry: registry,
		queue:    queue,
		logger:   logger.With("module", "relay"),
	}
}

// Route delivers a sealed envelope/signature pair to its addressed
// recipient if one is online and listening, otherwise enqueues it.
func (r *Relay) Route(ctx context.Context, envBytes, sigBytes []byte) error {
	recipientID, err := envelope.PeekRecipient(envBytes)
	if err != nil {
		return err
	}
	if recipientID == "" {
		return fmt.Errorf("client-scoped envelope without recipient_user_id")
	}

	if rec := r.registry.FindReceiving(recipientID); rec != nil {
		if err := rec.Deliver(envBytes, sigBytes); err == nil {
			r.logger.Debug(ctx, "forwarded envelope", "recipient", recipientID)
			return nil
		}
		// the recipient's connection is going away; keep the message
		r.logger.Warn(ctx, "live delivery failed, queueing", "recipient", recipientID)
	}

	r.queue.Enqueue(recipientID, envBytes, sigBytes)
	r.logger.Debug(ctx, "queued envelope for offline recipient", "recipient", recipientID, "pending", r.queue.Len())
	return nil
}

// AnnounceListening replays every queued delivery for rec once it starts
// listening. Entries are removed from the queue exactly once; if the
// connection fails mid-replay the undelivered remainder is restored in
// order.
func (r *Relay) AnnounceListening(ctx context.Context, rec Receiver) {
	items := r.queue.TakeFor(rec.UserID())
	for i, item := range items {
		if err := rec.Deliver(item.Envelope, item.Signature); err != nil {
			r.queue.Restore(items[i:])
			r.logger.Warn(ctx, "queue replay interrupted", "recipient", rec.UserID(), "restored", len(items)-i)
			return
		}
	}
	if len(items) > 0 {
		r.logger.Info(ctx, "replayed queued envelopes", "recipient", rec.UserID(), "count", len(items))
	}
}
