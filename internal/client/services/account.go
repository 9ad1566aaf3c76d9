package services

import (
	"context"

	"github.com/dmitrijs2005/cipherchat/internal/client/client"
	"github.com/dmitrijs2005/cipherchat/internal/client/models"
	"github.com/dmitrijs2005/cipherchat/internal/client/repositories/friendships"
	"github.com/dmitrijs2005/cipherchat/internal/envelope"
	"github.com/dmitrijs2005/cipherchat/internal/logging"
)

// AccountService handles the operations that touch both the server record
// and the friends' copies of it: screen-name changes and account deletion.
type AccountService struct {
	api     client.API
	friends friendships.Repository
	logger  logging.Logger
}

func NewAccountService(api client.API, friends friendships.Repository, logger logging.Logger) *AccountService {
	return &AccountService{
		api:     api,
		friends: friends,
		logger:  logger.With("module", "account"),
	}
}

// ChangeScreenName updates the server record, then fans the new name out to
// every accepted friend so their local lists follow.
func (s *AccountService) ChangeScreenName(ctx context.Context, newName string) error {
	if err := s.api.ChangeScreenName(ctx, newName); err != nil {
		return err
	}
	s.fanOut(ctx, &envelope.Payload{
		Type:          envelope.TypeSyncScreenName,
		Sender:        s.api.UserID(),
		NewScreenName: newName,
	})
	return nil
}

// DeleteAccount tombstones the server record and tells every accepted
// friend the marker name the account now goes by. Returns the marker.
func (s *AccountService) DeleteAccount(ctx context.Context) (string, error) {
	marker, err := s.api.DeleteAccount(ctx)
	if err != nil {
		return "", err
	}
	s.fanOut(ctx, &envelope.Payload{
		Type:                envelope.TypeSyncAccountDeletion,
		Sender:              s.api.UserID(),
		AccountDeletionName: marker,
	})
	return marker, nil
}

// fanOut notifies every accepted friend; individual failures are logged,
// not fatal, since the relay queues for offline recipients anyway.
func (s *AccountService) fanOut(ctx context.Context, p *envelope.Payload) {
	friends, err := s.friends.GetAll(ctx)
	if err != nil {
		s.logger.Error(ctx, "friend list unavailable for fan-out", "error", err)
		return
	}
	for _, f := range friends {
		if f.Status != models.StatusAccepted {
			continue
		}
		if err := sendPeerNotification(s.api, s.friends, f.FriendUserID, p); err != nil {
			s.logger.Warn(ctx, "fan-out failed", "friend", f.FriendUserID, "error", err)
		}
	}
}
