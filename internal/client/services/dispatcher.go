package services

import (
	"context"

	"github.com/dmitrijs2005/cipherchat/internal/envelope"
	"github.com/dmitrijs2005/cipherchat/internal/logging"
)

// Dispatcher routes decrypted peer deliveries to the owning service. It is
// installed as the protocol client's handler before the listener starts.
type Dispatcher struct {
	friends *FriendshipService
	msgs    *MessageService
	logger  logging.Logger

	// OnEvent, when set, is called after a delivery has been applied so a
	// UI can refresh. The payload must not be mutated.
	OnEvent func(p *envelope.Payload)
}

func NewDispatcher(friends *FriendshipService, msgs *MessageService, logger logging.Logger) *Dispatcher {
	return &Dispatcher{friends: friends, msgs: msgs, logger: logger.With("module", "dispatcher")}
}

// Handle applies one delivery to the local store.
func (d *Dispatcher) Handle(ctx context.Context, opened *envelope.Opened) {
	p := opened.Payload
	switch p.Type {
	case envelope.TypeMessage:
		if err := d.msgs.Record(ctx, opened); err != nil {
			d.logger.Warn(ctx, "incoming message not archived", "sender", p.Sender, "error", err)
			return
		}
	default:
		d.friends.HandleNotification(ctx, p)
	}
	if d.OnEvent != nil {
		d.OnEvent(p)
	}
}
